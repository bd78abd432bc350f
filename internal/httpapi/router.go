package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"

	"llm_dispatcher/internal/auth"
	"llm_dispatcher/internal/config"
	"llm_dispatcher/internal/configcache"
	"llm_dispatcher/internal/dispatcher"
	"llm_dispatcher/internal/features"
	"llm_dispatcher/internal/logging"
	"llm_dispatcher/internal/middleware"
	"llm_dispatcher/internal/models"
	"llm_dispatcher/internal/providers"
	"llm_dispatcher/internal/queue"
	"llm_dispatcher/internal/storage"
	"llm_dispatcher/internal/telemetry"
	"llm_dispatcher/internal/utils"
)

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Service *features.Service
	Admin   *features.Admin

	// UsageHistory reads persisted monthly usage; nil in file mode
	UsageHistory UsageHistory

	// Resources owned by the process, closed by Close
	DB          *storage.DB
	FileStore   *storage.FileStore
	Redis       *redis.Client
	UsageWorker *storage.UsageQueueWorker
	AttemptSink logging.Sink
	Usage       *telemetry.Recorder

	logger *utils.Logger
}

// UsageHistory is the read side of the monthly usage table
type UsageHistory interface {
	Get(ctx context.Context, userID, month string) (*models.MonthlyUsage, error)
	ListMonth(ctx context.Context, month string, limit int) ([]*models.MonthlyUsage, error)
}

// NewRouter creates an HTTP router with all dependencies wired up
func NewRouter(cfg *config.Config) (*http.ServeMux, *Dependencies, error) {
	deps, err := BuildDependencies(context.Background(), cfg)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	registerRoutes(mux, deps, cfg)
	return mux, deps, nil
}

// BuildDependencies opens the backing store, starts the usage worker and
// assembles the dispatcher. On error everything opened so far is closed.
func BuildDependencies(ctx context.Context, cfg *config.Config) (deps *Dependencies, err error) {
	deps = &Dependencies{logger: utils.NewLogger("httpapi")}
	defer func() {
		if err != nil {
			_ = deps.Close(context.Background())
			deps = nil
		}
	}()

	var (
		credentials features.CredentialStore
		settings    features.SettingsStore
		usageWriter storage.UsageWriter
	)

	switch cfg.StoreMode {
	case config.StoreModeFile:
		fs, err := storage.NewFileStore(cfg.StoreFile)
		if err != nil {
			return deps, fmt.Errorf("failed to open store file: %w", err)
		}
		deps.FileStore = fs
		credentials = fs
		settings = fs.Settings()
		usageWriter = storage.NewLogUsageWriter()

	default:
		db, err := storage.NewDB(storage.DBConfig{
			DSN:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		})
		if err != nil {
			return deps, fmt.Errorf("failed to initialize database: %w", err)
		}
		deps.DB = db

		if cfg.Database.AutoMigrate {
			if err := storage.Migrate(db); err != nil {
				return deps, err
			}
		}

		encryption, err := storage.NewEncryptionFromConfig(cfg.Encryption.Key, cfg.Encryption.Passphrase, cfg.Encryption.Salt)
		if err != nil {
			return deps, fmt.Errorf("failed to initialize encryption: %w", err)
		}

		usageRepo := db.NewUsageRepository()
		credentials = db.NewCredentialRepository(encryption)
		settings = db.NewSettingsRepository()
		usageWriter = usageRepo
		deps.UsageHistory = usageRepo
	}

	// Usage queue: Redis survives restarts, memory is the default
	qcfg := queue.DefaultConfig(cfg.Queue.Name)
	qcfg.BatchSize = cfg.Queue.BatchSize
	qcfg.BatchTimeout = cfg.Queue.BatchTimeout
	qcfg.MaxRetries = cfg.Queue.MaxRetries
	qcfg.RetryBackoff = cfg.Queue.RetryBackoff

	var (
		usageQueue queue.Queue[models.UsageEvent]
		usageDLQ   queue.DeadLetterQueue[models.UsageEvent]
	)
	if cfg.Queue.Backend == "redis" {
		client, err := queue.NewRedisClient(ctx, queue.RedisOptions{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return deps, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		deps.Redis = client

		if usageQueue, err = queue.NewRedisQueue[models.UsageEvent](client, qcfg); err != nil {
			return deps, fmt.Errorf("failed to create usage queue: %w", err)
		}
		if usageDLQ, err = queue.NewRedisDeadLetterQueue[models.UsageEvent](client, qcfg); err != nil {
			return deps, fmt.Errorf("failed to create usage DLQ: %w", err)
		}
	} else {
		usageQueue = queue.NewMemoryQueue[models.UsageEvent](qcfg)
		usageDLQ = queue.NewMemoryDeadLetterQueue[models.UsageEvent]()
	}

	deps.UsageWorker = storage.NewUsageQueueWorker(usageQueue, usageDLQ, usageWriter, qcfg)
	deps.UsageWorker.Start(context.Background())

	// Attempt audit log
	if cfg.AttemptLog.Enabled {
		sink, err := logging.NewFileSink(
			cfg.AttemptLog.FilePathTemplate,
			cfg.AttemptLog.MaxSize,
			cfg.AttemptLog.MaxFiles,
			cfg.AttemptLog.BufferSize,
			cfg.AttemptLog.FlushInterval,
		)
		if err != nil {
			return deps, fmt.Errorf("failed to initialize attempt log: %w", err)
		}
		deps.AttemptSink = sink
	} else {
		deps.AttemptSink = logging.NewNoopSink()
	}

	registry := providers.NewRegistry(providers.Options{
		OpenAIBaseURL:    cfg.Providers.OpenAIBaseURL,
		AnthropicBaseURL: cfg.Providers.AnthropicBaseURL,
		GeminiBaseURL:    cfg.Providers.GeminiBaseURL,
		MaxOutputTokens:  cfg.Providers.MaxOutputTokens,
	})

	d := dispatcher.New(dispatcher.NewState(), registry, deps.AttemptSink, dispatcher.Config{
		AttemptTimeout:  cfg.Dispatch.AttemptTimeout,
		Cooldown:        cfg.Dispatch.Cooldown,
		HonorRetryAfter: cfg.Dispatch.HonorRetryAfter,
	})

	cache := configcache.New(settings,
		configcache.WithTTL(cfg.Features.CacheTTL),
		configcache.WithPrefix(cfg.Features.ModelPrefix),
	)

	deps.Usage = telemetry.NewRecorder(deps.UsageWorker)
	deps.Service = features.NewService(d, credentials, cache, deps.Usage, features.Config{
		DefaultModel:  cfg.Features.DefaultModel,
		RetryAttempts: cfg.Features.RetryAttempts,
	})
	deps.Admin = features.NewAdmin(d, credentials, settings, cache, deps.Usage, deps.UsageWorker)

	// File edits take effect on the next request instead of after the TTL
	if deps.FileStore != nil {
		if err := deps.FileStore.Watch(cache.Invalidate); err != nil {
			deps.logger.Warn("Store file watch unavailable, relying on cache TTL", "error", err)
		}
	}

	deps.logger.Info("Dependencies ready",
		"store", cfg.StoreMode,
		"queue", cfg.Queue.Backend,
		"attempt_log", cfg.AttemptLog.Enabled,
	)
	return deps, nil
}

// Close flushes pending telemetry and releases every resource. Safe on a
// partially built value.
func (d *Dependencies) Close(ctx context.Context) error {
	var errs []error
	if d.Usage != nil {
		if err := d.Usage.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("usage telemetry: %w", err))
		}
	}
	if d.UsageWorker != nil {
		if err := d.UsageWorker.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("usage worker: %w", err))
		}
	}
	if d.AttemptSink != nil {
		if err := d.AttemptSink.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("attempt log: %w", err))
		}
	}
	if d.FileStore != nil {
		if err := d.FileStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store file: %w", err))
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies, cfg *config.Config) {
	// Inbound API - protected with client key middleware when keys are set
	clientKeys := middleware.ClientKeyMiddleware(cfg.ClientAPIKeys)
	mux.Handle("POST /v1/generate", clientKeys(http.HandlerFunc(deps.handleGenerate)))

	// Health check endpoint - public
	mux.HandleFunc("GET /health", deps.handleHealth)

	// Admin endpoints: viewers read, admins change things
	viewer := middleware.AdminJWTMiddleware(cfg, auth.RoleViewer)
	admin := middleware.AdminJWTMiddleware(cfg, auth.RoleAdmin)
	h := NewAdminHandler(deps.Admin, deps.UsageHistory)

	mux.Handle("GET /admin/credentials", viewer(http.HandlerFunc(h.ListCredentials)))
	mux.Handle("POST /admin/credentials", admin(http.HandlerFunc(h.CreateCredential)))
	mux.Handle("POST /admin/credentials/{id}/test", admin(http.HandlerFunc(h.TestCredential)))
	mux.Handle("POST /admin/credentials/{id}/deactivate", admin(http.HandlerFunc(h.DeactivateCredential)))
	mux.Handle("POST /admin/credentials/{id}/activate", admin(http.HandlerFunc(h.ActivateCredential)))

	mux.Handle("GET /admin/settings", viewer(http.HandlerFunc(h.ListSettings)))
	mux.Handle("PUT /admin/settings/{key}", admin(http.HandlerFunc(h.SetSetting)))
	mux.Handle("POST /admin/settings/invalidate", admin(http.HandlerFunc(h.InvalidateConfig)))

	mux.Handle("GET /admin/stats", viewer(http.HandlerFunc(h.Stats)))
	mux.Handle("GET /admin/usage/dead-letter", viewer(http.HandlerFunc(h.DeadLetterItems)))
	mux.Handle("POST /admin/usage/dead-letter/{id}/retry", admin(http.HandlerFunc(h.RetryDeadLetter)))
	mux.Handle("GET /admin/usage/{month}", viewer(http.HandlerFunc(h.MonthlyUsage)))
}

// handleHealth reports whether the backing store answers
func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	if d.DB != nil {
		if err := d.DB.Health(r.Context()); err != nil {
			d.logger.Warn("Health check failed", "error", err)
			utils.RespondWithError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
