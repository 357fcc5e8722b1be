package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rendis/relay/internal/bus"
	"github.com/rendis/relay/internal/commands"
	"github.com/rendis/relay/internal/consumer"
	"github.com/rendis/relay/internal/dispatch"
	"github.com/rendis/relay/internal/gateway"
	"github.com/rendis/relay/internal/logging"
	"github.com/rendis/relay/internal/panel"
	"github.com/rendis/relay/internal/scheduler"
	"github.com/rendis/relay/internal/sink"
	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/internal/streaming"
	"github.com/rendis/relay/internal/validation"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "relayd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	gw, err := gateway.NewHTTPGateway(gateway.HTTPConfig{
		BaseURL:   cfg.GatewayURL,
		AuthToken: cfg.GatewayToken,
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	var eventSink sink.EventSink
	if cfg.SinkEndpoint != "" {
		eventSink, err = sink.NewWebhookSink(sink.WebhookConfig{
			Endpoint:  cfg.SinkEndpoint,
			AuthToken: cfg.SinkToken,
		})
		if err != nil {
			return fmt.Errorf("sink: %w", err)
		}
	} else {
		logger.Warn("no sink endpoint configured, events will be collected in memory")
		eventSink = sink.NewMemorySink()
	}

	router, err := dispatch.NewRouter(cfg.DefaultTopic, cfg.Routes)
	if err != nil {
		return fmt.Errorf("routes: %w", err)
	}

	// Delivered events are mirrored onto the live feed for the panel's SSE
	// streams; only the real sink's outcome decides outbox bookkeeping.
	hub := streaming.NewMemoryHub()
	notifier := dispatch.NewNotifier(st, sink.Fanout(eventSink, streaming.NewFeed(hub)), router,
		duration(cfg.NotifyInterval, 0), logger)

	policy := dispatch.DefaultRetryPolicy()
	if cfg.MaxStartAttempts > 0 {
		policy.MaxAttempts = cfg.MaxStartAttempts
	}
	policy.Delay = duration(cfg.RetryDelay, policy.Delay)
	policy.MaxDelay = duration(cfg.RetryMaxDelay, policy.MaxDelay)
	if cfg.RetryBackoff != "" {
		policy.Backoff = cfg.RetryBackoff
	}

	starter := dispatch.NewStarter(st, gw, policy,
		duration(cfg.StarterInterval, 0), logger)

	validator, err := validation.NewCommandValidator()
	if err != nil {
		return fmt.Errorf("command validator: %w", err)
	}

	dispatcher, err := commands.NewDispatcher(st, validator, gw, notifier, starter, commands.Config{
		Retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}, logger)
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}

	commandBus := bus.NewMemoryBus()

	cons, err := consumer.NewConsumer(commandBus, consumer.NewGuard(st), dispatcher, st, logger)
	if err != nil {
		return fmt.Errorf("consumer: %w", err)
	}

	sched, err := scheduler.NewScheduler(commandBus, cfg.Schedules, logger)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	if err := cons.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer cons.Stop()

	if err := notifier.Start(ctx); err != nil {
		return fmt.Errorf("start notifier: %w", err)
	}
	defer notifier.Stop()

	if err := starter.Start(ctx); err != nil {
		return fmt.Errorf("start starter: %w", err)
	}
	defer starter.Stop()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	var panelSrv *http.Server
	if cfg.PanelAddr != "" {
		ops := panel.NewPanelServer(panel.PanelDeps{Store: st, Hub: hub, Logger: logger})
		panelSrv = &http.Server{Addr: cfg.PanelAddr, Handler: ops.Handler()}
		go func() {
			if err := panelSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("panel server failed", "error", err.Error())
			}
		}()
		logger.Info("panel started", "addr", cfg.PanelAddr)
	}

	logger.Info("relayd started",
		"db", cfg.DBPath,
		"default_topic", cfg.DefaultTopic,
		"max_start_attempts", policy.MaxAttempts)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	if panelSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = panelSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	cancel()
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
