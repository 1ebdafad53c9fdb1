package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const (
	statusConnected     = "connected"
	statusDisconnected  = "disconnected"
	statusNotConfigured = "not configured"
)

// Status 健康状态
type Status struct {
	Service  string `json:"service"`
	NATS     string `json:"nats"`
	Redis    string `json:"redis"`
	Postgres string `json:"postgres"`
	Settings string `json:"settings"`
	Sessions int    `json:"sessions"`
}

// Pinger 可探活的依赖（pgxpool.Pool、SettingsStore 均满足）
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionCounter 会话计数器接口
type SessionCounter interface {
	Count() int
}

// Checker 健康检查器
type Checker struct {
	service     string
	nc          *nats.Conn
	redisClient *redis.Client
	postgres    Pinger
	settings    Pinger
	sessions    SessionCounter
}

// NewChecker 创建健康检查器，未使用的依赖传 nil
func NewChecker(service string, nc *nats.Conn, redisClient *redis.Client, postgres, settings Pinger, sessions SessionCounter) *Checker {
	return &Checker{
		service:     service,
		nc:          nc,
		redisClient: redisClient,
		postgres:    postgres,
		settings:    settings,
		sessions:    sessions,
	}
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Service: h.service,
	}

	// 检查 NATS
	if h.nc != nil && h.nc.IsConnected() {
		status.NATS = statusConnected
	} else {
		status.NATS = statusDisconnected
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	// 检查 Redis
	if h.redisClient != nil {
		status.Redis = pingStatus(ctx, pingFunc(func(ctx context.Context) error {
			return h.redisClient.Ping(ctx).Err()
		}))
	} else {
		status.Redis = statusNotConfigured
	}

	status.Postgres = pingStatus(ctx, h.postgres)
	status.Settings = pingStatus(ctx, h.settings)

	if h.sessions != nil {
		status.Sessions = h.sessions.Count()
	}

	return status
}

// IsHealthy 变更流与存储都可用才视为健康
func (h *Checker) IsHealthy(ctx context.Context) bool {
	return healthy(h.Check(ctx))
}

// ServeHTTP HTTP 健康检查端点
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if healthy(status) {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// Routes /health 返回详细状态，/ready 只返回是否就绪
func (h *Checker) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/health", h)
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if h.IsHealthy(r.Context()) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Not Ready"))
		}
	})
	return mux
}

func healthy(status *Status) bool {
	return status.NATS == statusConnected && status.Postgres != statusDisconnected
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func pingStatus(ctx context.Context, p Pinger) string {
	if p == nil {
		return statusNotConfigured
	}
	if err := p.Ping(ctx); err != nil {
		return statusDisconnected
	}
	return statusConnected
}
