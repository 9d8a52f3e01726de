package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/iago/membership-intake/internal/batch"
	"github.com/iago/membership-intake/internal/cache"
	"github.com/iago/membership-intake/internal/config"
	"github.com/iago/membership-intake/internal/intake"
	"github.com/iago/membership-intake/internal/kv"
	"github.com/iago/membership-intake/internal/notify"
	"github.com/iago/membership-intake/internal/queue"
	"github.com/iago/membership-intake/internal/ratelimit"
	"github.com/iago/membership-intake/internal/repository"
	"github.com/iago/membership-intake/internal/retry"
	"github.com/iago/membership-intake/internal/scheduler"
	"github.com/iago/membership-intake/internal/service"
	"github.com/iago/membership-intake/internal/verify"
	"github.com/iago/membership-intake/internal/worker"
)

// runtime holds every collaborator built from one Config. Commands that only
// read state use the same wiring as serve so they see the same backends.
type runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	store     repository.Store
	state     kv.Store
	queue     *queue.JobQueue
	limiter   *ratelimit.Limiter
	hub       *notify.Hub
	manager   *worker.QueueManager
	scheduler *scheduler.Scheduler
	service   *service.JobsService
	closers   []func() error
}

func openRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.store = store
	rt.closers = append(rt.closers, store.Close)

	var publisher notify.Broadcaster
	if cfg.RedisAddr != "" {
		redisStore, err := kv.NewRedisStore(ctx, kv.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rt.state = redisStore
		rt.closers = append(rt.closers, redisStore.Close)
		publisher = notify.NewRedisPublisher(redisStore.Client(), "", logger)
		logger.Info("redis state store initialized", "addr", cfg.RedisAddr)
	} else {
		rt.state = kv.NewLocalStore()
		logger.Warn("REDIS_ADDR not configured, using in-process state store")
	}

	rt.queue = queue.NewJobQueue(rt.state, cfg.QueueName)
	rt.limiter = ratelimit.New(rt.state, ratelimit.Config{
		HourlyLimit: cfg.VerifyHourlyLimit,
		Logger:      logger,
	})

	rt.hub = notify.NewHub(logger)
	events := notify.Multi{rt.hub, notify.NewLogger(logger)}
	if publisher != nil {
		events = append(events, publisher)
	}

	classifierCfg := intake.ClassifierConfig{
		Quota:   rt.limiter,
		Members: store,
		Retry:   retry.Policy{Base: cfg.VerifyRetryBase, MaxRetries: cfg.VerifyMaxRetries},
		Logger:  logger,
	}
	if cfg.VerificationEnabled() {
		classifierCfg.Cache = cache.NewTTL[string, verify.Result](cache.Config{
			TTL:        cfg.VerifyCacheTTL,
			MaxEntries: cfg.VerifyCacheSize,
		})
		classifierCfg.Verifier = verify.NewHTTPClient(verify.HTTPClientConfig{
			BaseURL:           cfg.VerifyBaseURL,
			APIKey:            cfg.VerifyAPIKey,
			Timeout:           cfg.VerifyTimeout,
			MaxRetries:        cfg.VerifyMaxRetries,
			RequestsPerSecond: cfg.VerifyRPS,
		})
	} else {
		logger.Warn("VERIFY_BASE_URL not configured, records will not be verified")
	}

	pipeline := worker.NewIngestPipeline(worker.PipelineConfig{
		Classifier: intake.NewClassifier(classifierCfg),
		Writer:     batch.NewWriter(store, batch.Config{ChunkSize: cfg.BatchChunkSize, Logger: logger}),
		Logger:     logger,
	})
	rt.manager = worker.NewQueueManager(worker.Config{
		Queue:       rt.queue,
		Jobs:        store,
		State:       rt.state,
		Handler:     pipeline,
		Events:      events,
		Logger:      logger,
		JobTimeout:  cfg.JobTimeout,
		PollTimeout: cfg.QueuePollTimeout,
	})

	serviceCfg := service.Config{
		Jobs:       store,
		Producer:   rt.queue,
		Queue:      rt.manager,
		RateLimit:  rt.limiter,
		Events:     events,
		UploadDir:  cfg.IntakeDir,
		DefaultTag: cfg.DefaultTag,
		Logger:     logger,
	}
	if cfg.EmailEnabled() {
		rt.scheduler = scheduler.New(rt.state, scheduler.NewEmailSender(scheduler.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}), scheduler.Config{
			PollInterval: cfg.DeliveryPollInterval,
			Retry:        retry.Policy{Base: cfg.DeliveryRetryBase, MaxRetries: cfg.DeliveryMaxRetries},
			Logger:       logger,
		})
		serviceCfg.Messages = rt.scheduler
	}
	rt.service = service.NewJobsService(serviceCfg)

	return rt, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (repository.Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		logger.Info("postgres repository initialized")
		return pg, nil
	case cfg.SQLitePath != "":
		lite, err := repository.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.Info("sqlite repository initialized", "path", cfg.SQLitePath)
		return lite, nil
	default:
		logger.Warn("DATABASE_URL and SQLITE_PATH not configured, using in-memory repository")
		return repository.NewMemoryStore(), nil
	}
}

// Close releases backends in reverse order of creation.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
