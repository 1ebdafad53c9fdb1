package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.sync/internal/model"
)

func lookupOf(byUser map[string][]string) *MockConversationSource {
	return &MockConversationSource{
		DirectConversationIdsFunc: func(ctx context.Context, userId string) ([]string, error) {
			return byUser[userId], nil
		},
	}
}

func TestIdentityResolver_Intersection(t *testing.T) {
	resolver := NewIdentityResolver(lookupOf(map[string][]string{
		"A": {"X", "Y", "Z"},
		"B": {"Y", "X", "W"},
	}))

	got, err := resolver.Resolve(context.Background(), "A", "B")
	require.NoError(t, err)
	assert.Equal(t, []string{"X", "Y"}, got)
}

func TestIdentityResolver_NoSharedConversations(t *testing.T) {
	resolver := NewIdentityResolver(lookupOf(map[string][]string{
		"A": {"X"},
		"B": {"W"},
	}))

	got, err := resolver.Resolve(context.Background(), "A", "B")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIdentityResolver_ResolveThreadUnionsInboxIds(t *testing.T) {
	resolver := NewIdentityResolver(lookupOf(map[string][]string{
		"A": {"X", "Y"},
		"B": {"Y"},
	}))
	thread := &model.LogicalThread{Key: "B", Kind: model.ConversationDirect, PrimaryId: "X", ConversationIds: []string{"X"}}

	got := resolver.ResolveThread(context.Background(), "A", thread)
	assert.Equal(t, []string{"X", "Y"}, got)
}

func TestIdentityResolver_LookupFailureFallsBack(t *testing.T) {
	resolver := NewIdentityResolver(&MockConversationSource{
		DirectConversationIdsFunc: func(ctx context.Context, userId string) ([]string, error) {
			return nil, errors.New("timeout")
		},
	})
	thread := &model.LogicalThread{Key: "B", Kind: model.ConversationDirect, PrimaryId: "Y"}

	got := resolver.ResolveThread(context.Background(), "A", thread)
	assert.Equal(t, []string{"Y"}, got)
}

func TestIdentityResolver_GroupResolvesToItself(t *testing.T) {
	called := false
	resolver := NewIdentityResolver(&MockConversationSource{
		DirectConversationIdsFunc: func(ctx context.Context, userId string) ([]string, error) {
			called = true
			return nil, nil
		},
	})
	thread := &model.LogicalThread{Key: "G", Kind: model.ConversationGroup, PrimaryId: "G", ConversationIds: []string{"G"}}

	assert.Equal(t, []string{"G"}, resolver.ResolveThread(context.Background(), "A", thread))
	assert.False(t, called)
}
