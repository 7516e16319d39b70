package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/signalpoll/pkg/audit"
	"github.com/haasonsaas/signalpoll/pkg/auth"
	"github.com/haasonsaas/signalpoll/pkg/backoff"
	"github.com/haasonsaas/signalpoll/pkg/compression"
	"github.com/haasonsaas/signalpoll/pkg/config"
	"github.com/haasonsaas/signalpoll/pkg/envelope"
	"github.com/haasonsaas/signalpoll/pkg/keys"
	"github.com/haasonsaas/signalpoll/pkg/poll"
	"github.com/haasonsaas/signalpoll/pkg/queue"
	"github.com/haasonsaas/signalpoll/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const (
	storeModeRedis  = "redis"
	storeModeMemory = "memory"
)

// buildServer wires every service from config. Secret problems are returned
// here so the process exits before it listens.
func buildServer(ctx context.Context, cfg *config.ServerConfig, db *gorm.DB, logger zerolog.Logger) (*Server, func(), error) {
	masterSecret, err := cfg.Keys.LoadMasterSecret()
	if err != nil {
		return nil, nil, fmt.Errorf("read master secret: %w", err)
	}
	deriver, err := keys.NewDeriver(masterSecret, cfg.Keys.Iterations)
	if err != nil {
		return nil, nil, err
	}

	tokenSecret, err := config.ReadSecret(cfg.Auth.TokenSecret, cfg.Auth.TokenSecretFile)
	if err != nil {
		return nil, nil, fmt.Errorf("read token secret: %w", err)
	}
	if len(tokenSecret) == 0 {
		if tokenSecret, err = keys.DeriveSubkey(masterSecret, keys.InfoDeviceTokens); err != nil {
			return nil, nil, err
		}
	}
	tokens, err := auth.NewTokenAuthenticator(tokenSecret)
	if err != nil {
		return nil, nil, err
	}

	adminToken, err := config.ReadSecret(cfg.AdminToken, cfg.AdminTokenFile)
	if err != nil {
		return nil, nil, fmt.Errorf("read admin token: %w", err)
	}
	if len(adminToken) == 0 {
		logger.Warn().Msg("No admin token configured; admin API is disabled")
	}

	if err := db.AutoMigrate(schema()...); err != nil {
		return nil, nil, fmt.Errorf("migrate schema: %w", err)
	}

	var (
		revocations keys.RevocationStore
		history     backoff.HistoryStore
		closeStores = func() {}
		mode        = storeModeMemory
	)
	client, err := store.NewRedis(ctx, store.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		TLS:         cfg.Redis.TLS,
		DialTimeout: time.Duration(cfg.Redis.DialTimeoutMs) * time.Millisecond,
	})
	switch {
	case err == nil:
		revocations, history = redisStores(client, cfg.Redis.Prefix)
		closeStores = func() { _ = client.Close() }
		mode = storeModeRedis
	case errors.Is(err, store.ErrNotConfigured):
		logger.Warn().Msg("No redis address configured; using in-memory stores (single process only)")
		revocations = keys.NewMemoryRevocationStore()
		history = backoff.NewMemoryHistoryStore()
	default:
		// Falling back to memory would hide revocations made on other replicas.
		return nil, nil, err
	}

	srv, err := newServer(cfg, db, logger, serverDeps{
		deriver:     deriver,
		tokens:      tokens,
		adminToken:  string(adminToken),
		revocations: revocations,
		history:     history,
		storeMode:   mode,
	})
	if err != nil {
		closeStores()
		return nil, nil, err
	}
	return srv, closeStores, nil
}

// serverDeps are the pieces resolved from secrets and the environment.
type serverDeps struct {
	deriver     *keys.Deriver
	tokens      *auth.TokenAuthenticator
	adminToken  string
	revocations keys.RevocationStore
	history     backoff.HistoryStore
	storeMode   string
}

func newServer(cfg *config.ServerConfig, db *gorm.DB, logger zerolog.Logger, deps serverDeps) (*Server, error) {
	km := keys.NewManager(deps.deriver, deps.revocations, keys.Config{
		RotationPeriod:     cfg.RotationPeriod(),
		GracePeriods:       cfg.Keys.GracePeriods,
		RevocationCacheTTL: cfg.RevocationCacheTTL(),
	}, logger)
	sealer := envelope.NewSealer(km)

	negotiator, err := compression.NewDefaultNegotiator(cfg.Compression.MinSize, logger)
	if err != nil {
		return nil, err
	}

	ctrl := backoff.NewController(backoff.Policy{
		Base:       time.Duration(cfg.Backoff.BaseS) * time.Second,
		Max:        time.Duration(cfg.Backoff.MaxS) * time.Second,
		Multiplier: cfg.Backoff.Multiplier,
		Window:     cfg.Backoff.Window,
		HistoryTTL: time.Duration(cfg.Backoff.HistoryTTLS) * time.Second,
		Fallback:   time.Duration(cfg.Backoff.FallbackS) * time.Second,
	}, deps.history, logger)

	items := queue.NewStore(db)

	return &Server{
		db:      db,
		logger:  logger,
		keys:    km,
		sealer:  sealer,
		backoff: ctrl,
		queue:   items,
		audit:   audit.NewDBRecorder(db, logger),
		auth:    deps.tokens,
		tokens:  deps.tokens,
		poll: poll.NewService(poll.Config{
			Items:        items,
			Revocations:  km,
			Sealer:       sealer,
			Negotiator:   negotiator,
			Backoff:      ctrl,
			Logger:       logger,
			MaxBatchSize: cfg.Poll.MaxBatchSize,
		}),
		nonceStore:     NewNonceStore(db, cfg.AckNonceWindow()),
		limiter:        NewPollLimiter(cfg.Poll.RateLimitPerMinute, time.Minute),
		adminToken:     deps.adminToken,
		requestTimeout: cfg.RequestTimeout(),
		storeMode:      deps.storeMode,
	}, nil
}

func redisStores(client redis.UniversalClient, prefix string) (keys.RevocationStore, backoff.HistoryStore) {
	return keys.NewRedisRevocationStore(client, prefix), backoff.NewRedisHistoryStore(client, prefix)
}
