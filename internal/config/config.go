package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Settings SettingsConfig `mapstructure:"settings"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Health   HealthConfig   `mapstructure:"health"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
	NodeID   int64  `mapstructure:"node_id"` // 雪花 ID 节点号
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// NotifyChannel LISTEN/NOTIFY 变更通道
	NotifyChannel string `mapstructure:"notify_channel"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// SettingsConfig 本地持久化设置（SQLite）
type SettingsConfig struct {
	Path string `mapstructure:"path"`
}

// SyncConfig 同步引擎参数
type SyncConfig struct {
	PageSize          int           `mapstructure:"page_size"`
	TypingTTL         time.Duration `mapstructure:"typing_ttl"`
	TypingSweep       time.Duration `mapstructure:"typing_sweep"`
	TypingDebounce    time.Duration `mapstructure:"typing_debounce"`
	PresenceChannel   string        `mapstructure:"presence_channel"`
	PresenceHeartbeat time.Duration `mapstructure:"presence_heartbeat"`
	PresenceWindow    time.Duration `mapstructure:"presence_window"`
	InboxScope        string        `mapstructure:"inbox_scope"`
	RelayWorkers      int           `mapstructure:"relay_workers"`
	RelayQueueSize    int           `mapstructure:"relay_queue_size"`
}

type GatewayConfig struct {
	Addr string `mapstructure:"addr"`
	// JWTSecret 为空时按 userId 查询参数识别用户（仅限本地开发）
	JWTSecret    string        `mapstructure:"jwt_secret"`
	JWTIssuer    string        `mapstructure:"jwt_issuer"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type HealthConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load 从指定路径加载配置
// 环境变量 IMSYNC_<SECTION>_<KEY> 覆盖文件配置
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("IMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "im-sync")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.node_id", 1)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "im")
	v.SetDefault("database.user", "im")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.notify_channel", "im_sync_changes")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("settings.path", "data/settings.db")

	v.SetDefault("sync.page_size", 50)
	v.SetDefault("sync.typing_ttl", 3*time.Second)
	v.SetDefault("sync.typing_sweep", 500*time.Millisecond)
	v.SetDefault("sync.typing_debounce", 500*time.Millisecond)
	v.SetDefault("sync.presence_channel", "online-users")
	v.SetDefault("sync.presence_heartbeat", 15*time.Second)
	v.SetDefault("sync.presence_window", 45*time.Second)
	v.SetDefault("sync.inbox_scope", "all")
	v.SetDefault("sync.relay_workers", 4)
	v.SetDefault("sync.relay_queue_size", 256)

	v.SetDefault("gateway.addr", ":8090")
	v.SetDefault("gateway.write_timeout", 5*time.Second)
	// 没有默认值的 Key 不会被 AutomaticEnv 覆盖
	v.SetDefault("gateway.jwt_secret", "")
	v.SetDefault("gateway.jwt_issuer", "")
	v.SetDefault("health.addr", ":8091")
}
