// Package app wires the credit ledger's components together.
//
// Both binaries and the operator CLI build the same object graph here:
// PostgreSQL stores, the event dispatcher with its default handlers, the
// ledger, the Redis balance syncer, the caller façade and the reapers.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/kelpejol/creditledger/internal/api"
	"github.com/kelpejol/creditledger/internal/config"
	"github.com/kelpejol/creditledger/internal/events"
	"github.com/kelpejol/creditledger/internal/ledger"
	"github.com/kelpejol/creditledger/internal/metrics"
	"github.com/kelpejol/creditledger/internal/reaper"
	"github.com/kelpejol/creditledger/internal/sync"
	"github.com/kelpejol/creditledger/internal/usage"
)

// App holds the wired components.
type App struct {
	Config *config.Config

	DB    *sql.DB
	Redis *redis.Client

	Store       *ledger.PostgresStore
	EventStore  *events.PostgresStore
	Registry    *events.Registry
	Dispatcher  *events.Dispatcher
	Ledger      *ledger.Ledger
	Syncer      *sync.Syncer
	Service     *api.CreditService
	HoldReaper  *reaper.HoldReaper
	EventReaper *reaper.EventReaper
	Metrics     *metrics.Metrics

	log     zerolog.Logger
	started bool
}

// New connects to PostgreSQL and Redis and builds the component graph.
// reg may be nil, in which case no metrics are recorded.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, reg prometheus.Registerer) (*App, error) {
	log := logger.With().Str("component", "app").Logger()

	rates := usage.DefaultRateTable()
	if cfg.RatesFile != "" {
		loaded, err := usage.LoadRateTable(cfg.RatesFile)
		if err != nil {
			return nil, err
		}
		rates = loaded
	}

	db, err := OpenPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		PoolSize:     100,
		MinIdleConns: 25,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = db.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	var m *metrics.Metrics
	if reg != nil {
		m = metrics.New(reg)
	}

	a := &App{
		Config:     cfg,
		DB:         db,
		Redis:      rdb,
		Store:      ledger.NewPostgresStore(db),
		EventStore: events.NewPostgresStore(db),
		Registry:   events.NewRegistry(),
		Metrics:    m,
		log:        log,
	}

	a.Syncer = sync.NewSyncer(rdb, a.Store, logger, m)
	if err := events.RegisterDefaults(a.Registry, a.Syncer, logger); err != nil {
		a.Close()
		return nil, fmt.Errorf("register event handlers: %w", err)
	}

	a.Dispatcher = events.NewDispatcher(a.EventStore, a.Registry, logger,
		events.WithMetrics(m),
		events.WithStuckTimeout(cfg.StuckEventTimeout),
		events.WithMaxRetries(cfg.MaxEventRetries),
	)
	a.Ledger = ledger.New(a.Store, logger,
		ledger.WithHoldTTL(cfg.HoldTTL),
		ledger.WithDispatcher(a.Dispatcher),
		ledger.WithMetrics(m),
		ledger.WithReapLimit(cfg.ReapLimit),
	)
	a.Service = api.NewCreditService(a.Ledger, usage.NewTranslator(rates), a.Syncer, logger)
	a.HoldReaper = reaper.NewHoldReaper(a.Ledger, cfg.HoldReapInterval, logger)
	a.EventReaper = reaper.NewEventReaper(a.Dispatcher, cfg.EventReapInterval, cfg.DrainBatchSize, logger)

	log.Info().
		Strs("resource_classes", rates.Classes()).
		Dur("hold_ttl", cfg.HoldTTL).
		Msg("credit ledger initialized")
	return a, nil
}

// OpenPostgres opens and pings a PostgreSQL pool.
func OpenPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

// Start warms the balance cache and starts the background loops.
func (a *App) Start(ctx context.Context) {
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.Syncer.InitializeRedis(initCtx); err != nil {
		a.log.Warn().Err(err).Msg("initial balance sync failed, reads fall back to postgres")
	}

	a.Syncer.StartPeriodicSync(a.Config.SyncInterval)
	a.HoldReaper.Start()
	a.EventReaper.Start()
	a.started = true
}

// Ready reports whether PostgreSQL and Redis are reachable.
func (a *App) Ready(ctx context.Context) error {
	if err := a.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// Close stops the background loops and releases connections.
func (a *App) Close() {
	if a.started {
		a.HoldReaper.Stop()
		a.EventReaper.Stop()
		a.Syncer.Stop()
		a.started = false
	}
	if err := a.Redis.Close(); err != nil {
		a.log.Warn().Err(err).Msg("redis close failed")
	}
	if err := a.DB.Close(); err != nil {
		a.log.Warn().Err(err).Msg("postgres close failed")
	}
}
