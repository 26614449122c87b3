// Command sync-server wires the versioned store, event bus, and notification
// dispatcher into a single process. The transport layer in front of the
// store and the push channel toward clients are deployment-specific and
// plug in through the store's Apply and the bus's Subscribe surfaces.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	"github.com/developer-mesh/task-sync/pkg/bus"
	"github.com/developer-mesh/task-sync/pkg/config"
	"github.com/developer-mesh/task-sync/pkg/notify"
	"github.com/developer-mesh/task-sync/pkg/observability"
	"github.com/developer-mesh/task-sync/pkg/store"
)

// syncCore bundles the mutation entry point and the bus for the transport
// layer and operator tooling.
type syncCore struct {
	Store *store.VersionedStore
	Bus   *bus.Bus
}

// replayDeadLetters periodically re-publishes pending dead-letter entries
func (c *syncCore) replayDeadLetters(ctx context.Context, logger observability.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			replayed, err := c.Bus.ReplayDeadLetters(ctx, 100)
			if err != nil {
				logger.Error("Dead-letter replay failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if replayed > 0 {
				logger.Info("Replayed dead-letter entries", map[string]interface{}{"count": replayed})
			}
		}
	}
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := observability.NewStandardLogger("sync-server")
	metrics := observability.NewMetricsClient()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", map[string]interface{}{"error": err.Error()})
	}
	logger = logger.WithLevel(observability.ParseLogLevel(cfg.Server.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var persistence store.Persistence
	var dlqStore bus.DeadLetterStore
	if cfg.Database.DSN != "" {
		db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.DSN)
		if err != nil {
			logger.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		defer func() { _ = db.Close() }()

		for _, schema := range []string{store.EntitySchema, bus.DeadLetterSchema} {
			if _, err := db.ExecContext(ctx, schema); err != nil {
				logger.Fatal("Failed to apply schema", map[string]interface{}{"error": err.Error()})
			}
		}
		persistence = store.NewPostgresPersistence(db)
		dlqStore = bus.NewPostgresDeadLetterStore(db)
	} else {
		logger.Warn("No database configured, using in-memory persistence", nil)
		persistence = store.NewMemoryPersistence()
		dlqStore = bus.NewMemoryDeadLetterStore(0)
	}

	var outcomes store.OutcomeCache
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.Database,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		defer pingCancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Fatal("Failed to connect to Redis", map[string]interface{}{"error": err.Error()})
		}
		defer func() { _ = client.Close() }()
		outcomes = store.NewRedisOutcomeCache(client, cfg.Redis.OutcomeTTL)
	} else {
		cache, err := store.NewLRUOutcomeCache(0)
		if err != nil {
			logger.Fatal("Failed to create outcome cache", map[string]interface{}{"error": err.Error()})
		}
		outcomes = cache
	}

	eventBus := bus.New(bus.Config{
		QueueSize:           cfg.Bus.QueueSize,
		AckTimeout:          cfg.Bus.AckTimeout,
		MaxDeliveryAttempts: cfg.Bus.MaxDeliveryAttempts,
		RedeliveryDelay:     cfg.Bus.RedeliveryDelay,
	}, dlqStore, logger, metrics)

	validator := store.NewSchemaValidator()
	versionedStore := store.NewVersionedStore(persistence, outcomes, eventBus, validator, store.DefaultConfig(), logger, metrics)

	// The mutation entry point for whatever transport gets mounted in
	// front of this process, and the bus handle for operator tooling.
	core := &syncCore{
		Store: versionedStore,
		Bus:   eventBus,
	}
	go core.replayDeadLetters(ctx, logger)

	dispatcher := notify.NewDispatcher(
		notify.NewLogChannel(logger),
		&notify.StaticResolver{},
		notify.Config{
			RateWindow:        cfg.Notify.RateWindow,
			RateMaxCount:      cfg.Notify.RateMaxCount,
			AggregationWindow: cfg.Notify.AggregationWindow,
			MaxAttempts:       cfg.Notify.MaxAttempts,
		},
		logger, metrics, nil,
	)

	for _, topic := range []string{"entity.task", "entity.comment"} {
		if _, err := eventBus.Subscribe(topic, "notification-dispatcher", dispatcher.OnEvent); err != nil {
			logger.Fatal("Failed to subscribe dispatcher", map[string]interface{}{
				"topic": topic,
				"error": err.Error(),
			})
		}
	}

	logger.Info("sync-server started", map[string]interface{}{
		"database": cfg.Database.DSN != "",
		"redis":    cfg.Redis.Enabled,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down", nil)
	shutdownDone := make(chan struct{})
	go func() {
		dispatcher.Close()
		eventBus.Close()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn("Shutdown timed out", nil)
	}
}
