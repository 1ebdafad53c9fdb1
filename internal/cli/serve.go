package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"sudooom.im.sync/internal/cdc"
	"sudooom.im.sync/internal/config"
	"sudooom.im.sync/internal/gateway"
	"sudooom.im.sync/internal/health"
	imnats "sudooom.im.sync/internal/nats"
	"sudooom.im.sync/internal/presence"
	"sudooom.im.sync/internal/repository"
	"sudooom.im.sync/internal/service"
	"sudooom.im.sync/internal/session"
	"sudooom.im.sync/internal/workerpool"
	"sudooom.im.sync/pkg/snowflake"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand 启动同步引擎
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动同步引擎（CDC relay、WebSocket 网关、健康检查）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger := NewLogger(cfg.App.LogLevel, os.Stdout)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	db, err := repository.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	if err := repository.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("Connected to PostgreSQL", "host", cfg.Database.Host, "database", cfg.Database.Name)

	natsClient, err := imnats.NewClient(cfg.NATS)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsClient.Close()
	logger.Info("Connected to NATS", "url", cfg.NATS.URL)

	redisClient := presence.NewRedisClient(cfg.Redis)
	defer redisClient.Close()

	settings, err := repository.OpenSettingsStore(cfg.Settings.Path)
	if err != nil {
		return err
	}
	defer settings.Close()

	conversations := repository.NewConversationRepository(db)
	messages := repository.NewMessageRepository(db, snowflake.NewNode(cfg.App.NodeID))

	hub := imnats.NewBroadcastHub(natsClient.Conn())
	defer hub.Close()

	factory := session.NewFactory(
		service.NewInboxAggregator(conversations, cfg.Sync.InboxScope),
		service.NewIdentityResolver(conversations),
		service.NewMessageStore(messages, cfg.Sync.PageSize),
		imnats.NewChangeFeed(natsClient.Conn()),
		hub,
		presence.NewRegistry(redisClient, cfg.Sync.PresenceWindow),
		settings,
		cfg.Sync,
	)
	// 断线期间发布的变更不会补发，重连后各会话重新加载
	natsClient.OnReconnect(factory.Resync)

	// CDC relay：同一会话的变更在同一个 worker 上顺序发布
	pool := workerpool.New(cfg.Sync.RelayWorkers, cfg.Sync.RelayQueueSize, logger)
	relay := cdc.NewRelay(db, cfg.Database.NotifyChannel, messages, conversations, imnats.NewChangePublisher(natsClient.Conn()), pool)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("CDC relay stopped", "error", err)
		}
	}()

	errCh := make(chan error, 2)

	gw := gateway.NewServer(cfg.Gateway, gateway.FactoryOpener(factory))
	go func() {
		if err := gw.Start(); err != nil {
			errCh <- fmt.Errorf("gateway: %w", err)
		}
	}()

	checker := health.NewChecker(cfg.App.Name, natsClient.Conn(), redisClient, db, settings, factory)
	healthServer := &http.Server{
		Addr:    cfg.Health.Addr,
		Handler: checker.Routes(),
	}
	go func() {
		logger.Info("Health check server started", "addr", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("health: %w", err)
		}
	}()

	logger.Info("Sync engine started", "gateway", cfg.Gateway.Addr, "health", cfg.Health.Addr)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down sync engine...")
	case runErr = <-errCh:
		logger.Error("Server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Gateway shutdown incomplete", "error", err)
	}
	factory.CloseAll()
	healthServer.Shutdown(shutdownCtx)

	cancelRun()
	<-relayDone
	pool.Shutdown()

	logger.Info("Sync engine stopped")
	return runErr
}
