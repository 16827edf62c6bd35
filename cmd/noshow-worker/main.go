package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/appointment"
	"github.com/hackgods/consultation-queue/internal/config"
	"github.com/hackgods/consultation-queue/internal/db"
	"github.com/hackgods/consultation-queue/internal/events"
	"github.com/hackgods/consultation-queue/internal/logging"
	redisclient "github.com/hackgods/consultation-queue/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", "json")
		boot.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat).With().Str("service", "noshow-worker").Logger()
	log.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Dur("grace", cfg.NoShowGrace).
		Msg("noshow-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error().Err(err).Msg("noshow-worker stopped with error")
		stop()
		os.Exit(1)
	}
	log.Info().Msg("noshow-worker stopped")
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	if cfg.StoreBackend != config.BackendPostgres {
		return errors.New("noshow-worker needs STORE_BACKEND=postgres")
	}

	pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, 2)
	cancel()
	if err != nil {
		return err
	}
	defer pool.Close()
	log.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		return err
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("error closing redis")
		}
	}()
	log.Info().Msg("connected to Redis")

	// Overdue appointments never checked in, so there is no queue to update;
	// the events still reach live clients through Kafka when configured.
	var sink events.Sink = events.LogSink{Log: log}
	if cfg.Events.KafkaEnabled() {
		kafkaSink := events.NewKafkaSink(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		defer func() {
			if err := kafkaSink.Close(); err != nil {
				log.Error().Err(err).Msg("error closing kafka writer")
			}
		}()
		sink = kafkaSink
	}

	distributor := events.NewDistributor(sink, events.Options{
		Buffer:  cfg.Events.Buffer,
		Timeout: cfg.Events.Timeout,
	}, log, nil)
	// stopped explicitly once the cron jobs have finished
	distributor.Start(context.WithoutCancel(ctx))

	svc := appointment.NewService(
		appointment.NewPgRepository(pool),
		redisclient.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait),
		cfg,
		appointment.WithPublisher(distributor),
		appointment.WithLogger(log),
	)

	// Run once at startup
	runOnce(ctx, svc, log)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(cron.Every(cfg.WorkerInterval), cron.FuncJob(func() {
		runOnce(ctx, svc, log)
	}))
	c.Start()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, stopping noshow worker")
	<-c.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := distributor.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("distributor did not drain before the deadline")
	}
	return nil
}

func runOnce(ctx context.Context, svc *appointment.Service, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	marked, err := svc.MarkOverdueNoShows(runCtx)
	if err != nil {
		log.Error().Err(err).Msg("no-show run error")
		return
	}
	log.Info().Int("marked", marked).Dur("took", time.Since(start)).Msg("no-show run complete")
}
