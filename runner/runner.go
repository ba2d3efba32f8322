// Package runner assembles the service from configuration and owns its
// lifecycle: storage, vault, scheduler, HTTP server, and the optional Redis
// backends.
package runner

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/stefanogebara/twin-connector/authflow"
	"github.com/stefanogebara/twin-connector/config"
	"github.com/stefanogebara/twin-connector/dispatch"
	"github.com/stefanogebara/twin-connector/extractor"
	"github.com/stefanogebara/twin-connector/models"
	"github.com/stefanogebara/twin-connector/pkg/encryption"
	"github.com/stefanogebara/twin-connector/postgres"
	connredis "github.com/stefanogebara/twin-connector/redis"
	"github.com/stefanogebara/twin-connector/scheduler"
	"github.com/stefanogebara/twin-connector/statestore"
	"github.com/stefanogebara/twin-connector/vault"
	"github.com/stefanogebara/twin-connector/web"
)

// Service is the fully wired connector orchestrator.
type Service struct {
	cfg    *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	publisher   *connredis.Publisher
	states      statestore.Store
	sched       *scheduler.Scheduler
	server      *web.Server
}

// New builds the service. Redis and Postgres are optional: without them the
// in-memory state store, repository, and scheduler-only mode are used.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	cipher, err := encryption.New(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	s := &Service{cfg: cfg, logger: logger}

	var repo models.ConnectorRepository
	if cfg.DatabaseURL != "" {
		if s.db, err = postgres.Open(ctx, cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		repo = postgres.NewConnectorRepository(s.db)
		logger.Info("using postgres connector repository")
	} else {
		repo = postgres.NewMemoryRepository()
		logger.Warn("DATABASE_URL not set, connector records are in-memory only")
	}

	var journal scheduler.Journal
	if cfg.RedisURL != "" {
		if s.redisClient, err = connredis.NewClient(ctx, cfg.RedisURL); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		s.states = statestore.NewRedisStore(s.redisClient)
		s.publisher = connredis.NewPublisher(s.redisClient.Options())
		journal = connredis.NewJournal(s.redisClient, logger)
		logger.Info("using redis state store and job journal")
	} else {
		s.states = statestore.NewMemoryStore(time.Minute, statestore.WithLogger(logger))
		logger.Warn("REDIS_URL not set, jobs and authorization states do not survive restarts")
	}

	providers := authflow.NewProviders()
	for _, name := range authflow.WellKnownNames() {
		clientID, clientSecret := cfg.ProviderCredential(name)
		if clientID == "" {
			continue
		}
		if err := providers.Enable(name, clientID, clientSecret, nil); err != nil {
			return nil, err
		}
		logger.Info("provider enabled", zap.String("provider", name))
	}

	tokens := authflow.NewTokenClient(providers, &http.Client{Timeout: 15 * time.Second})
	v := vault.New(cipher, repo, tokens, vault.WithLogger(logger))

	registry := extractor.NewRegistry()
	if err := extractor.RegisterProviders(registry, providers.Names(), nil); err != nil {
		return nil, err
	}
	if err := registry.Register(authflow.SynthesisProvider, s.synthesisExtractor()); err != nil {
		return nil, err
	}

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithCredentialFree(authflow.SynthesisProvider),
	}
	if journal != nil {
		schedOpts = append(schedOpts, scheduler.WithJournal(journal))
	}
	s.sched = scheduler.New(scheduler.Config{
		Workers:     cfg.Workers,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		RateLimit:   cfg.RateLimit,
		JobTimeout:  cfg.JobTimeout,
	}, registry, v, schedOpts...)

	dispatcher := dispatch.New(s.sched, registry, v, dispatch.WithLogger(logger))

	manager := authflow.NewManager(providers, s.states, v, tokens, dispatcher,
		cfg.OAuthRedirectURL,
		authflow.WithStateTTL(cfg.StateTTL),
		authflow.WithManagerLogger(logger))

	s.server = web.New(manager, providers, s.sched, v, dispatcher, logger,
		web.WithAppURL(cfg.AppURL))

	return s, nil
}

// Run replays journaled jobs and serves HTTP until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.redisClient != nil {
		journal := connredis.NewJournal(s.redisClient, s.logger)
		if _, err := journal.Recover(ctx, s.sched); err != nil {
			s.logger.Error("journal recovery failed", zap.Error(err))
		}
	}

	errc := make(chan error, 1)
	go func() {
		errc <- s.server.Start(s.cfg.Addr)
	}()

	s.logger.Info("listening", zap.String("addr", s.cfg.Addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

// Close releases every backend the service holds.
func (s *Service) Close(context.Context) error {
	var errs error

	if s.sched != nil {
		s.sched.Close()
	}
	if closer, ok := s.states.(interface{ Close() }); ok {
		closer.Close()
	}
	if s.publisher != nil {
		errs = multierr.Append(errs, s.publisher.Close())
	}
	if s.redisClient != nil {
		errs = multierr.Append(errs, s.redisClient.Close())
	}
	if s.db != nil {
		errs = multierr.Append(errs, s.db.Close())
	}

	_ = s.logger.Sync()

	return errs
}

// synthesisExtractor is the dependent job that follows every successful
// extraction. With Redis configured it hands the event to the downstream
// synthesis queue; without it the event is logged and dropped, which is
// acceptable because synthesis re-reads all stored data on its next run.
func (s *Service) synthesisExtractor() extractor.Fn {
	return func(ctx context.Context, creds extractor.Credentials) (*extractor.Result, error) {
		if s.publisher != nil {
			err := s.publisher.Publish(ctx, &connredis.SynthesizePayload{
				UserID:      creds.UserID,
				Provider:    creds.Provider,
				ExtractedAt: time.Now().UTC(),
			}, authflow.SynthesisPriority)
			if err != nil {
				return nil, err
			}
		} else {
			s.logger.Info("synthesis refresh requested without redis, skipping publish",
				zap.String("user_id", creds.UserID))
		}

		return &extractor.Result{
			Provider:    authflow.SynthesisProvider,
			ExtractedAt: time.Now().UTC(),
		}, nil
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl

	return cfg.Build()
}
