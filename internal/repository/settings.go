package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
	"sudooom.im.sync/internal/model"
)

// 通知偏好的持久化 Key
const (
	KeySoundEnabled   = "notifications.sound"
	KeyInAppEnabled   = "notifications.in_app"
	KeyBrowserEnabled = "notifications.browser"
)

// SettingsStore 本地持久化 KV（SQLite）
type SettingsStore struct {
	db *sql.DB
}

// OpenSettingsStore 打开或创建设置库
func OpenSettingsStore(path string) (*SettingsStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create settings dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open settings database: %w", err)
	}

	// SQLite 只有一个写者
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to settings database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create settings table: %w", err)
	}

	return &SettingsStore{db: db}, nil
}

// Close 关闭数据库
func (s *SettingsStore) Close() error {
	return s.db.Close()
}

// Ping 健康检查
func (s *SettingsStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get 读取设置，不存在时 ok 为 false
func (s *SettingsStore) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set 写入设置
func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, strftime('%s','now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	return err
}

// All 读取全部设置
func (s *SettingsStore) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, rows.Err()
}

// NamespacedKey 按用户隔离的 Key，namespace 为空时即原始 Key
func NamespacedKey(namespace, key string) string {
	if namespace == "" {
		return key
	}
	return namespace + "/" + key
}

// LoadNotificationSettings 读取通知偏好，缺失或无法解析的项使用默认值
func (s *SettingsStore) LoadNotificationSettings(ctx context.Context, namespace string) (model.NotificationSettings, error) {
	settings := model.DefaultNotificationSettings()

	fields := []struct {
		key string
		dst *bool
	}{
		{KeySoundEnabled, &settings.SoundEnabled},
		{KeyInAppEnabled, &settings.InAppNotifications},
		{KeyBrowserEnabled, &settings.BrowserNotifications},
	}

	for _, f := range fields {
		value, ok, err := s.Get(ctx, NamespacedKey(namespace, f.key))
		if err != nil {
			return settings, err
		}
		if !ok {
			continue
		}
		if b, err := strconv.ParseBool(value); err == nil {
			*f.dst = b
		}
	}

	return settings, nil
}

// SaveNotificationSettings 写回通知偏好
func (s *SettingsStore) SaveNotificationSettings(ctx context.Context, namespace string, settings model.NotificationSettings) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt := `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, strftime('%s','now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	for key, value := range map[string]bool{
		KeySoundEnabled:   settings.SoundEnabled,
		KeyInAppEnabled:   settings.InAppNotifications,
		KeyBrowserEnabled: settings.BrowserNotifications,
	} {
		if _, err := tx.ExecContext(ctx, stmt, NamespacedKey(namespace, key), strconv.FormatBool(value)); err != nil {
			return err
		}
	}

	return tx.Commit()
}
