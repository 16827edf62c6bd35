package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/appointment"
	"github.com/hackgods/consultation-queue/internal/db"
	"github.com/hackgods/consultation-queue/internal/logging"
)

const batchSize = 500

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

func main() {
	log := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT")).With().Str("service", "seed").Logger()
	log.Info().Msg("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal().Msg("POSTGRES_DSN is required")
	}

	ctx := context.Background()
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(connCtx, dsn, 4)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if applied, err := db.Migrate(ctx, pool, db.Migrations()); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	} else if applied > 0 {
		log.Info().Int("applied", applied).Msg("migrations applied")
	}

	faker := gofakeit.New(time.Now().UnixNano())
	repo := appointment.NewPgRepository(pool)

	if err := seedPractitioners(ctx, repo, faker, envInt("SEED_PRACTITIONERS", 100), log); err != nil {
		log.Fatal().Err(err).Msg("seed practitioners")
	}
	if err := seedRequesters(ctx, repo, faker, envInt("SEED_REQUESTERS", 9000), log); err != nil {
		log.Fatal().Err(err).Msg("seed requesters")
	}

	log.Info().Msg("seed complete")
}

func seedPractitioners(ctx context.Context, repo *appointment.PgRepository, faker *gofakeit.Faker, count int, log zerolog.Logger) error {
	log.Info().Int("count", count).Msg("seeding practitioners")

	return inBatches(ctx, repo, count, func(tx pgx.Tx, i int) error {
		specialty := specialties[faker.Number(0, len(specialties)-1)]
		return repo.CreatePractitioner(ctx, tx, appointment.Practitioner{
			ID:        uuid.New(),
			Name:      "Dr. " + faker.Name(),
			Specialty: &specialty,
		})
	}, func(done int) {
		log.Info().Int("done", done).Int("total", count).Msg("practitioners seeded")
	})
}

func seedRequesters(ctx context.Context, repo *appointment.PgRepository, faker *gofakeit.Faker, count int, log zerolog.Logger) error {
	log.Info().Int("count", count).Msg("seeding requesters")

	return inBatches(ctx, repo, count, func(tx pgx.Tx, i int) error {
		email := faker.Email()
		phone := faker.Phone()
		return repo.CreateRequester(ctx, tx, appointment.Requester{
			ID:    uuid.New(),
			Name:  faker.Name(),
			Email: &email,
			Phone: &phone,
		})
	}, func(done int) {
		log.Info().Int("done", done).Int("total", count).Msg("requesters seeded")
	})
}

// inBatches runs insert count times, committing every batchSize rows.
func inBatches(ctx context.Context, repo *appointment.PgRepository, count int, insert func(tx pgx.Tx, i int) error, progress func(done int)) error {
	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := repo.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin batch: %w", err)
		}
		for i := offset; i < end; i++ {
			if err := insert(tx, i); err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
		progress(end)
	}
	return nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
