package server

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/accproxy/accproxy/internal/auth"
	"github.com/accproxy/accproxy/internal/budget"
	"github.com/accproxy/accproxy/internal/config"
	"github.com/accproxy/accproxy/internal/database"
	"github.com/accproxy/accproxy/internal/journal"
	"github.com/accproxy/accproxy/internal/metering"
	"github.com/accproxy/accproxy/internal/pipeline"
	"github.com/accproxy/accproxy/internal/pricing"
	"github.com/accproxy/accproxy/internal/routing"
	"github.com/accproxy/accproxy/internal/security"
	"github.com/accproxy/accproxy/internal/security/detectors"
	"github.com/accproxy/accproxy/internal/streaming"
	"github.com/accproxy/accproxy/internal/upstream"
)

// Bootstrap constructs the full dependency graph from configuration
// and returns a ready-to-run server.
func Bootstrap(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	db, err := database.Connect(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	rdb, err := openRedis(cfg.Redis)
	if err != nil {
		return nil, err
	}

	engine, err := buildSecurityEngine(cfg, db, rdb, logger)
	if err != nil {
		return nil, err
	}

	journalStore := journal.NewStore(db)
	writer := journal.NewWriter(journalStore, journal.Config{QueueSize: cfg.Journal.QueueSize}, logger)

	registry := pricing.NewRegistry(pricing.NewGormStore(db), logger)
	meter := metering.NewMeter(logger)

	var quarantine *security.Quarantine
	if cfg.Security.QuarantineKey != "" {
		quarantine = security.NewQuarantine(db, cfg.Security.QuarantineKey)
	}

	p := pipeline.New(pipeline.Deps{
		Config: pipeline.Config{
			EstimatedRequestCost: decimal.NewFromFloat(cfg.Budget.EstimatedRequestCost),
			KeyPrefix:            cfg.Auth.KeyPrefix,
		},
		Auth:       auth.NewAuthenticator(auth.NewGormKeyStore(db), cfg.Auth.KeyPrefix, logger),
		Budget:     budget.NewEngine(budget.NewGormStore(db), logger, nil),
		Router:     routing.NewRouter(routing.NewGormStore(db), registry, logger),
		Security:   engine,
		Quarantine: quarantine,
		Forwarder: upstream.NewForwarder(upstream.Config{
			UnaryTimeout:  cfg.Upstream.UnaryTimeout,
			StreamTimeout: cfg.Upstream.StreamTimeout,
		}, logger),
		Interceptor: streaming.NewInterceptor(engine, streaming.Config{}, logger),
		Meter:       meter,
		Pricing:     registry,
		Journal:     writer,
		Kills:       pipeline.NewKillStore(db),
		Logger:      logger,
	})

	return New(Deps{
		Config:       cfg,
		Logger:       logger,
		DB:           db,
		Redis:        rdb,
		Pipeline:     p,
		Journal:      writer,
		JournalStore: journalStore,
	}), nil
}

func openRedis(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		// Bare host:port is accepted as well.
		opts = &redis.Options{Addr: cfg.URL}
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	return redis.NewClient(opts), nil
}

func buildSecurityEngine(cfg *config.Config, db *gorm.DB, rdb *redis.Client, logger *zap.Logger) (*security.Engine, error) {
	engine := security.NewEngine(security.Config{
		Enabled: cfg.Security.Enabled,
		Policy: security.Policy{
			Mode:              security.PolicyMode(cfg.Security.Policy),
			AutoKill:          cfg.Security.AutoKill,
			AutoKillThreshold: cfg.Security.AutoKillThreshold,
		},
		SyncTimeout:  cfg.Security.SyncTimeout,
		AsyncTimeout: cfg.Security.AsyncTimeout,
		Workers:      cfg.Security.Workers,
	}, security.NewGormSink(db, logger), logger)

	var feeds []detectors.Feed
	for _, fc := range cfg.Security.ThreatFeeds {
		feeds = append(feeds, detectors.NewHTTPFeed(fc.Name, fc.URL, fc.APIKey))
	}

	dets := []security.Detector{
		detectors.NewInjectionDetector(),
		detectors.NewCredentialDetector(),
		detectors.NewExfiltrationDetector(),
		detectors.NewToolAbuseDetector(),
		detectors.NewRunawayDetector(rdb),
		detectors.NewAnomalyDetector(),
		detectors.NewCustomRuleDetector(detectors.NewRuleStore(db)),
		detectors.NewThreatIntelDetector(feeds...),
		detectors.NewSemanticDetector(nil),
	}
	for _, d := range dets {
		if err := engine.Register(d); err != nil {
			return nil, fmt.Errorf("register detector %s: %w", d.Name(), err)
		}
	}

	return engine, nil
}
