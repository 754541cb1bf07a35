// Command evertaskd hosts an EverTask engine as a standalone process: it
// loads configuration, registers the built-in demo handlers, starts the
// engine, and serves a liveness endpoint. It is a reference host, not a
// monitoring dashboard or admin API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	evertask "github.com/evertask/evertask"
	"github.com/evertask/evertask/internal/eventbus"
	"github.com/evertask/evertask/internal/telemetry"
	"github.com/evertask/evertask/queue"
	"github.com/evertask/evertask/retry"
	"github.com/evertask/evertask/schedule"
	"github.com/evertask/evertask/storage"
	"github.com/evertask/evertask/storage/bolt"
	"github.com/evertask/evertask/storage/memory"
	nats "github.com/nats-io/nats.go"
	"github.com/spf13/viper"
)

type appConfig struct {
	Storage struct {
		Backend string `mapstructure:"backend"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"storage"`
	Queue struct {
		ChannelCapacity int `mapstructure:"channel_capacity"`
		MaxParallelism  int `mapstructure:"max_parallelism"`
		ShardCount      int `mapstructure:"shard_count"`
	} `mapstructure:"queue"`
	EventBus struct {
		Enabled string `mapstructure:"enabled"`
		URL     string `mapstructure:"url"`
		Subject string `mapstructure:"subject"`
	} `mapstructure:"event_bus"`
	HealthAddr string `mapstructure:"health_addr"`
	Log        telemetry.LogConfig `mapstructure:"log"`
}

func loadConfig() (appConfig, error) {
	v := viper.New()
	v.SetConfigName("evertaskd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/evertask")
	v.SetEnvPrefix("EVERTASK")
	v.AutomaticEnv()

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.path", "evertask.db")
	v.SetDefault("queue.channel_capacity", 256)
	v.SetDefault("queue.max_parallelism", 8)
	v.SetDefault("queue.shard_count", 4)
	v.SetDefault("health_addr", ":8089")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return appConfig{}, fmt.Errorf("evertaskd: read config: %w", err)
		}
	}

	var cfg appConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return appConfig{}, fmt.Errorf("evertaskd: unmarshal config: %w", err)
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := telemetry.InitLogging("evertaskd", cfg.Log)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerShutdown := telemetry.InitTracer(ctx, "evertaskd")
	metricsShutdown := telemetry.InitMetrics(ctx, "evertaskd")
	defer func() {
		telemetry.Flush(context.Background(), tracerShutdown)
		telemetry.Flush(context.Background(), metricsShutdown)
	}()

	store, closeStore, err := openStorage(cfg)
	if err != nil {
		logger.Error("evertaskd: storage init failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	var observers []evertask.Observer
	if pub, err := maybeEventBus(cfg, logger); err != nil {
		logger.Warn("evertaskd: event bus disabled", "error", err)
	} else if pub != nil {
		observers = append(observers, pub)
	}

	engine := evertask.NewEngine(evertask.Config{
		ChannelCapacity:    cfg.Queue.ChannelCapacity,
		MaxParallelism:     cfg.Queue.MaxParallelism,
		ShardCount:         cfg.Queue.ShardCount,
		DefaultRetryPolicy: retry.Linear(3, time.Second),
		DefaultTimeout:     30 * time.Second,
		DefaultAuditLevel:  storage.AuditFull,
		Observers:          observers,
		Logger:             logger,
		QueueDefinitions: []evertask.QueueDefinition{
			{Name: "reports", Capacity: 64, MaxParallelism: 2, FullPolicy: queue.Wait, Timeout: 2 * time.Minute},
			{Name: "notifications", Capacity: 512, MaxParallelism: 16, FullPolicy: queue.FallbackToDefault},
		},
	}, store)

	engine.RegisterHandler(evertask.HandlerRegistration{
		TaskType: "demo.heartbeat",
		Factory:  func() evertask.Handler { return heartbeatHandler{logger: logger} },
		Timeout:  5 * time.Second,
	})

	if err := engine.Start(ctx); err != nil {
		logger.Error("evertaskd: start failed", "error", err)
		os.Exit(1)
	}

	if _, err := engine.Dispatch(ctx, "demo.heartbeat", []byte("{}"), evertask.DispatchOptions{
		TaskKey:   "demo-heartbeat",
		Recurring: schedule.NewBuilder(schedule.EveryMinutes(1, 0)),
	}); err != nil {
		logger.Error("evertaskd: demo dispatch failed", "error", err)
	}

	srv := &http.Server{Addr: cfg.HealthAddr, Handler: healthMux()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("evertaskd: health server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("evertaskd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	engine.Shutdown(15 * time.Second)
}

func openStorage(cfg appConfig) (storage.TaskStorage, func(), error) {
	switch cfg.Storage.Backend {
	case "bolt":
		store, err := bolt.Open(cfg.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open bolt store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		store := memory.New()
		return store, func() {}, nil
	}
}

func maybeEventBus(cfg appConfig, logger *slog.Logger) (*eventbus.NATSPublisher, error) {
	if cfg.EventBus.URL == "" {
		return nil, nil
	}
	nc, err := nats.Connect(cfg.EventBus.URL)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	subject := cfg.EventBus.Subject
	if subject == "" {
		subject = "evertask.status"
	}
	return eventbus.NewNATSPublisher(nc, subject, logger), nil
}

func healthMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	return mux
}

type heartbeatHandler struct {
	logger *slog.Logger
}

func (h heartbeatHandler) Handle(ctx context.Context, payload []byte) error {
	h.logger.InfoContext(ctx, "evertaskd: heartbeat")
	return nil
}
