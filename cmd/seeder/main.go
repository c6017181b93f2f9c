// Command seeder applies the schema and grants credit to a demo account.
//
// It is meant for local development: run it once after starting the
// databases, then point an SDK at the API server with the demo account.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kelpejol/creditledger/internal/app"
	"github.com/kelpejol/creditledger/internal/ledger"
	"github.com/kelpejol/creditledger/migrations"
)

func main() {
	var (
		account  string
		quantity float64
		validFor time.Duration
	)
	flag.StringVar(&account, "account", "acct_demo", "account to seed")
	flag.Float64Var(&quantity, "credits", 1000, "credits to grant")
	flag.DurationVar(&validFor, "valid-for", 30*24*time.Hour, "grant lifetime, 0 for no expiry")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		log.Fatal().Msg("POSTGRES_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := app.OpenPostgres(ctx, postgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect failed")
	}
	defer db.Close()

	applied, err := migrations.Apply(ctx, db)
	if err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	log.Info().Strs("applied", applied).Msg("schema up to date")

	var expiresAt *time.Time
	if validFor > 0 {
		t := time.Now().UTC().Add(validFor)
		expiresAt = &t
	}

	// The idempotency key makes re-running the seeder a no-op.
	l := ledger.New(ledger.NewPostgresStore(db), log.Logger)
	batchID, err := l.AddCredit(ctx, ledger.AddCreditInput{
		AccountID:      account,
		Quantity:       quantity,
		IdempotencyKey: "seed-" + account,
		ExpiresAt:      expiresAt,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("seed grant failed")
	}

	bal, err := l.Balance(ctx, account)
	if err != nil {
		log.Fatal().Err(err).Msg("balance read failed")
	}

	log.Info().
		Str("account_id", account).
		Str("batch_id", batchID).
		Int64("available", bal.Available).
		Msg("seeding complete")
}
