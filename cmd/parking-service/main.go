package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"parking-service/internal/actuation"
	"parking-service/internal/clock"
	"parking-service/internal/config"
	"parking-service/internal/db"
	"parking-service/internal/dedup"
	"parking-service/internal/fee"
	"parking-service/internal/gateway/square"
	apphttp "parking-service/internal/http"
	"parking-service/internal/ingest"
	"parking-service/internal/lock"
	"parking-service/internal/logger"
	"parking-service/internal/metrics"
	"parking-service/internal/repository"
	"parking-service/internal/service"
	"parking-service/internal/transport/mqtt"
)

func main() {
	app := fx.New(
		fx.NopLogger,
		fx.Provide(
			config.Load,
			logger.New,
			newDB,
			newRedis,
			repository.New,
			newMetrics,
			newLocker,
			newDeduplicator,
			newMQTT,
			newDispatcher,
			newSquare,
			newReconciler,
			newOrchestrator,
			newLifecycle,
			newRouter,
			newPool,
			newHandler,
			newEngine,
		),
		fx.Invoke(runSweeper, runIngest, runHTTP),
	)
	app.Run()
}

func newDB(lc fx.Lifecycle, cfg *config.Config, log zerolog.Logger) (*gorm.DB, error) {
	gdb, err := db.Open(cfg, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return db.Close(gdb) },
	})
	return gdb, nil
}

// newRedis returns nil when no address is configured.
func newRedis(lc fx.Lifecycle, cfg *config.Config) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		OnStop:  func(context.Context) error { return client.Close() },
	})
	return client
}

func newMetrics() (*metrics.Metrics, prometheus.Gatherer) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.New(reg), reg
}

func newLocker(cfg *config.Config, client *redis.Client, log zerolog.Logger) lock.Locker {
	if cfg.Lock.Backend == "redis" && client != nil {
		return lock.NewRedisLocker(client, cfg.Lock.TTL, log)
	}
	return lock.NewKeyedMutex()
}

func newDeduplicator(cfg *config.Config, client *redis.Client, log zerolog.Logger) *dedup.Deduplicator {
	var store dedup.Store = dedup.NewMemoryStore()
	if cfg.Dedup.Backend == "redis" && client != nil {
		store = dedup.NewRedisStore(client, "parking:dedup:")
	}
	return dedup.New(store, cfg.Dedup.Window,
		dedup.WithLayout(cfg.Dedup.TimestampLayout),
		dedup.WithLocation(cfg.Dedup.Location()),
		dedup.WithLogger(log),
	)
}

func newMQTT(lc fx.Lifecycle, cfg *config.Config, log zerolog.Logger) *mqtt.Client {
	client := mqtt.New(cfg.MQTT, log)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			client.Close()
			return nil
		},
	})
	return client
}

func newDispatcher(client *mqtt.Client, cfg *config.Config, m *metrics.Metrics, log zerolog.Logger) *actuation.Dispatcher {
	return actuation.NewDispatcher(client, cfg.Actuation, clock.System{}, m, log)
}

func newSquare(cfg *config.Config, log zerolog.Logger) *square.Client {
	return square.New(cfg.Square, log)
}

func serviceOptions(cfg *config.Config, m *metrics.Metrics) []service.Option {
	return []service.Option{service.WithMetrics(m), service.WithCurrency(cfg.Square.Currency)}
}

func newReconciler(repo *repository.Repository, d *actuation.Dispatcher, cfg *config.Config, m *metrics.Metrics, log zerolog.Logger) *service.Reconciler {
	return service.NewReconciler(repo, d, log, serviceOptions(cfg, m)...)
}

func newOrchestrator(
	sq *square.Client,
	rec *service.Reconciler,
	repo *repository.Repository,
	locker lock.Locker,
	cfg *config.Config,
	m *metrics.Metrics,
	log zerolog.Logger,
) *service.Orchestrator {
	return service.NewOrchestrator(sq, sq, rec, repo, locker, service.OrchestratorConfig{
		Currency:        cfg.Square.Currency,
		DefaultDeviceID: cfg.Square.DeviceID,
		LocationID:      cfg.Square.LocationID,
		Description:     cfg.Square.LinkName,
		Timeout:         cfg.Square.Timeout,
	}, log, serviceOptions(cfg, m)...)
}

func newLifecycle(
	repo *repository.Repository,
	locker lock.Locker,
	orch *service.Orchestrator,
	d *actuation.Dispatcher,
	cfg *config.Config,
	m *metrics.Metrics,
	log zerolog.Logger,
) *service.LifecycleService {
	return service.NewLifecycleService(repo, locker, fee.New(cfg.Fee), orch, d, log, serviceOptions(cfg, m)...)
}

func newRouter(d *dedup.Deduplicator, lifecycle *service.LifecycleService, m *metrics.Metrics, log zerolog.Logger) *ingest.Router {
	return ingest.NewRouter(d, lifecycle, m, clock.System{}, log)
}

func newPool(cfg *config.Config, router *ingest.Router, log zerolog.Logger) *ingest.Pool {
	return ingest.NewPool(cfg.MQTT.Workers, cfg.MQTT.QueueSize, router.Handle, log)
}

func newHandler(
	lifecycle *service.LifecycleService,
	rec *service.Reconciler,
	cfg *config.Config,
	gdb *gorm.DB,
	client *redis.Client,
	gatherer prometheus.Gatherer,
	log zerolog.Logger,
) *apphttp.Handler {
	health := func(ctx context.Context) error {
		sqlDB, err := gdb.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return err
		}
		if client != nil {
			return client.Ping(ctx).Err()
		}
		return nil
	}
	verifier := square.NewVerifier(cfg.Square.SignatureKey, cfg.Square.WebhookURL)
	return apphttp.NewHandler(lifecycle, rec, verifier, health, gatherer, log)
}

func newEngine(cfg *config.Config, log zerolog.Logger) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.GinMiddleware(log))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization", "X-Request-Id"},
		ExposeHeaders:   []string{"X-Request-Id"},
		MaxAge:          12 * time.Hour,
	}))
	return r
}

func runSweeper(lc fx.Lifecycle, cfg *config.Config, d *dedup.Deduplicator, m *metrics.Metrics) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go d.Run(ctx, cfg.Dedup.SweepInterval, m.DedupEntries)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func runIngest(lc fx.Lifecycle, cfg *config.Config, client *mqtt.Client, pool *ingest.Pool, log zerolog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := pool.Run(ctx); err != nil {
					log.Error().Err(err).Msg("ingest pool stopped")
				}
			}()

			err := client.Subscribe(cfg.MQTT.Topics, func(topic string, payload []byte) {
				if err := pool.Submit(ctx, topic, payload); err != nil {
					log.Warn().Err(err).Str("topic", topic).Msg("device message not queued")
				}
			})
			if err != nil {
				return err
			}

			// The client retries until the broker is reachable.
			go func() {
				if err := client.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Msg("mqtt connect failed")
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func runHTTP(lc fx.Lifecycle, cfg *config.Config, r *gin.Engine, h *apphttp.Handler, log zerolog.Logger) {
	h.Register(r, apphttp.JWTMiddleware(cfg.Auth.JWTSecret))

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info().Str("addr", srv.Addr).Msg("http server listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal().Err(err).Msg("http server failed")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
