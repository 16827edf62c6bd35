package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/api"
	"github.com/hackgods/consultation-queue/internal/appointment"
	"github.com/hackgods/consultation-queue/internal/config"
	"github.com/hackgods/consultation-queue/internal/db"
	"github.com/hackgods/consultation-queue/internal/events"
	"github.com/hackgods/consultation-queue/internal/logging"
	"github.com/hackgods/consultation-queue/internal/metrics"
	"github.com/hackgods/consultation-queue/internal/queue"
	"github.com/hackgods/consultation-queue/internal/ratelimit"
	redisclient "github.com/hackgods/consultation-queue/internal/redis"
	"github.com/hackgods/consultation-queue/internal/websocket"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", "json")
		boot.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat).With().Str("service", "api-server").Logger()
	log.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("store", cfg.StoreBackend).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error().Err(err).Msg("api-server stopped with error")
		stop()
		os.Exit(1)
	}
	log.Info().Msg("api-server stopped")
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	m := metrics.New()
	var checks []api.HealthCheck

	// Redis backs the distributed locks, the live queue and optionally the
	// shared api rate counter.
	var rdb *redis.Client
	if cfg.UsesRedis() {
		client, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			return err
		}
		defer func() {
			if err := client.Close(); err != nil {
				log.Error().Err(err).Msg("error closing redis")
			}
		}()
		rdb = client
		checks = append(checks, api.HealthCheck{
			Name:     "redis",
			Critical: true,
			Check:    func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
	}

	var (
		repo   appointment.Repository
		locker redisclient.Locker
		store  queue.Store
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.PostgresConns)
		cancel()
		if err != nil {
			return err
		}
		defer pool.Close()
		log.Info().Msg("connected to Postgres")

		if cfg.AutoMigrate {
			applied, err := db.Migrate(ctx, pool, db.Migrations())
			if err != nil {
				return err
			}
			log.Info().Int("applied", applied).Msg("migrations up to date")
		}

		pg := appointment.NewPgRepository(pool)
		repo = pg
		checks = append(checks, api.HealthCheck{Name: "postgres", Critical: true, Check: pg.Ping})
		locker = redisclient.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait)
		store = queue.NewRedisStore(rdb)
	default:
		log.Warn().Msg("memory store in use, state is lost on restart and not shared between instances")
		repo = appointment.NewMemoryRepository()
		locker = redisclient.NewLocalLocker()
		store = queue.NewMemoryStore()
	}

	// Events: with Kafka every instance publishes to the topic and relays
	// the topic to its own hub, otherwise the hub is fed directly.
	hub := websocket.NewHub()
	defer hub.Close()

	var sink events.Sink = hub
	if cfg.Events.KafkaEnabled() {
		kafkaSink := events.NewKafkaSink(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		defer func() {
			if err := kafkaSink.Close(); err != nil {
				log.Error().Err(err).Msg("error closing kafka writer")
			}
		}()
		sink = kafkaSink

		relay := events.NewRelay(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic, cfg.Events.KafkaGroupID, hub, log)
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.Error().Err(err).Msg("kafka relay stopped")
			}
		}()
		log.Info().Strs("brokers", cfg.Events.KafkaBrokers).Str("topic", cfg.Events.KafkaTopic).Msg("kafka relay enabled")
	}

	distributor := events.NewDistributor(sink, events.Options{
		Buffer:  cfg.Events.Buffer,
		Timeout: cfg.Events.Timeout,
	}, log, m)
	// outlives the signal; stopped after srv.Shutdown
	distributor.Start(context.WithoutCancel(ctx))

	mgr := queue.NewManager(store, locker, distributor, cfg.Clinic.AverageConsultation, log, m)
	svc := appointment.NewService(repo, locker, cfg,
		appointment.WithQueue(mgr),
		appointment.WithPublisher(distributor),
		appointment.WithMetrics(m),
		appointment.WithLogger(log),
	)

	var apiCounter ratelimit.Counter
	if cfg.Limits.Backend == config.BackendRedis {
		apiCounter = ratelimit.NewRedisFixedWindow(rdb, ratelimit.PolicyAPI, cfg.Limits.APIMax, cfg.Limits.APIWindow, log)
	}
	policies := ratelimit.DefaultPolicies()
	policies.APIMax = cfg.Limits.APIMax
	policies.APIWindow = cfg.Limits.APIWindow
	limits := ratelimit.NewSuite(policies, apiCounter, log)
	if err := limits.Start(ctx, cfg.Limits.SweepSchedule); err != nil {
		return err
	}

	router := api.NewRouter(api.RouterConfig{
		Service:      svc,
		Queue:        mgr,
		Publisher:    distributor,
		WebSocket:    websocket.NewHandler(hub, log),
		Metrics:      m,
		Limits:       limits,
		HealthChecks: checks,
		Log:          log,
		Env:          cfg.Env,
		Version:      version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down api-server")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := distributor.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("distributor did not drain before the deadline")
	}
	return nil
}
