package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sudooom.im.sync/internal/model"
)

func openTestSettings(t *testing.T) (*SettingsStore, string) {
	path := filepath.Join(t.TempDir(), "nested", "settings.db")
	store, err := OpenSettingsStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestSettingsStore_GetSet(t *testing.T) {
	store, _ := openTestSettings(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", "v1"))
	require.NoError(t, store.Set(ctx, "k", "v2"))

	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", value)

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k": "v2"}, all)
}

func TestSettingsStore_NotificationDefaults(t *testing.T) {
	store, _ := openTestSettings(t)

	settings, err := store.LoadNotificationSettings(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultNotificationSettings(), settings)
}

func TestSettingsStore_NotificationSurvivesReopen(t *testing.T) {
	store, path := openTestSettings(t)
	ctx := context.Background()

	want := model.NotificationSettings{SoundEnabled: false, InAppNotifications: true, BrowserNotifications: true}
	require.NoError(t, store.SaveNotificationSettings(ctx, "u1", want))
	require.NoError(t, store.Close())

	reopened, err := OpenSettingsStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.LoadNotificationSettings(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSettingsStore_GarbageValueFallsBack(t *testing.T) {
	store, _ := openTestSettings(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, KeySoundEnabled, "loud"))

	got, err := store.LoadNotificationSettings(ctx, "")
	require.NoError(t, err)
	assert.True(t, got.SoundEnabled)
}

func TestSettingsStore_NamespacesIsolated(t *testing.T) {
	store, _ := openTestSettings(t)
	ctx := context.Background()

	muted := model.NotificationSettings{}
	require.NoError(t, store.SaveNotificationSettings(ctx, "alice", muted))

	got, err := store.LoadNotificationSettings(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultNotificationSettings(), got)

	value, ok, err := store.Get(ctx, NamespacedKey("alice", KeySoundEnabled))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "false", value)
}
