package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mxsafiri/nedapay-plus--sub001/migrations"
)

func SetupTestDB() (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "neda"),
		getEnv("POSTGRES_PASSWORD", "neda"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "neda_settlement_test"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return pool, nil
}

// ApplyMigrations runs every embedded migration. The schema is idempotent.
func ApplyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	names, err := migrations.Files()
	if err != nil {
		return err
	}
	for _, name := range names {
		sql, err := migrations.Read(name)
		if err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func CleanupTestData(ctx context.Context, pool *pgxpool.Pool) error {
	queries := []string{
		"DELETE FROM settlement_logs",
		"DELETE FROM settlement_retry_queue",
		"DELETE FROM payment_orders",
		"DELETE FROM provider_profiles",
		"DELETE FROM bank_profiles",
		"DELETE FROM liquidity_alerts",
		"DELETE FROM liquidity_transactions",
		"DELETE FROM liquidity_reserves",
	}

	for _, q := range queries {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("cleanup %q: %w", q, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
