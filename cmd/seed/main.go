package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mxsafiri/nedapay-plus--sub001/migrations"
)

const seedActor = "seed"

func main() {
	env := getEnv("NEDA_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: NEDA_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "neda_settlement")
	user := getEnv("POSTGRES_USER", "neda")
	password := getEnv("POSTGRES_PASSWORD", "neda")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	fx, err := loadFixture(os.Getenv("SEED_FIXTURE"))
	if err != nil {
		log.Fatalf("load fixture: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := applyMigrations(ctx, pool); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}
	fmt.Println("✓ Schema applied")

	opened, err := seedReserves(ctx, pool, fx.Reserves)
	if err != nil {
		log.Fatalf("seed reserves: %v", err)
	}
	fmt.Printf("✓ Reserves seeded (%d opened)\n", opened)

	internal := fx.InternalPool
	internal.VerificationStatus = "approved"
	if err := seedProviders(ctx, pool, append([]providerFixture{internal}, fx.Providers...)); err != nil {
		log.Fatalf("seed providers: %v", err)
	}
	fmt.Println("✓ Providers seeded")

	if err := seedBanks(ctx, pool, fx.Banks); err != nil {
		log.Fatalf("seed banks: %v", err)
	}
	fmt.Println("✓ Banks seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		n, err := seedTestData(ctx, pool, fx)
		if err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Printf("✓ Test data seeded (%d orders)\n", n)
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Printf("\nINTERNAL_POOL_PROVIDER_ID=%s\n", fx.InternalPool.ID)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
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

// seedReserves creates missing reserves with their opening balance and an audit row. Existing
// reserves only get their thresholds refreshed so balances are never reset.
func seedReserves(ctx context.Context, pool *pgxpool.Pool, reserves []reserveFixture) (int, error) {
	opened := 0
	for _, r := range reserves {
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			var id uuid.UUID
			err := tx.QueryRow(ctx, `
				INSERT INTO liquidity_reserves (id, currency, total_amount, available_amount, reserved_amount,
				                                provider_type, minimum_threshold, optimal_balance, updated_at)
				VALUES ($1, $2, $3::numeric, $3::numeric, 0, $4, $5::numeric, $6::numeric, now())
				ON CONFLICT (currency) DO NOTHING
				RETURNING id
			`, uuid.New(), r.Currency, r.OpeningBalance.String(), r.ProviderType,
				r.MinimumThreshold.String(), r.OptimalBalance.String()).Scan(&id)
			if errors.Is(err, pgx.ErrNoRows) {
				_, err = tx.Exec(ctx, `
					UPDATE liquidity_reserves
					SET provider_type = $2, minimum_threshold = $3::numeric, optimal_balance = $4::numeric, updated_at = now()
					WHERE currency = $1
				`, r.Currency, r.ProviderType, r.MinimumThreshold.String(), r.OptimalBalance.String())
				return err
			}
			if err != nil {
				return err
			}
			opened++
			if !r.OpeningBalance.IsPositive() {
				return nil
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO liquidity_transactions (id, currency, type, amount, balance_before, balance_after, executed_by, notes)
				VALUES ($1, $2, 'deposit', $3::numeric, 0, $3::numeric, $4, 'opening balance')
			`, uuid.New(), r.Currency, r.OpeningBalance.String(), seedActor)
			return err
		})
		if err != nil {
			return opened, fmt.Errorf("reserve %s: %w", r.Currency, err)
		}
	}
	return opened, nil
}

func seedProviders(ctx context.Context, pool *pgxpool.Pool, providers []providerFixture) error {
	for _, p := range providers {
		wallets, err := json.Marshal(p.TreasuryWallets)
		if err != nil {
			return err
		}
		status := p.VerificationStatus
		if status == "" {
			status = "pending"
		}
		_, err = pool.Exec(ctx, `
			INSERT INTO provider_profiles (id, name, commission_rate, treasury_wallets, is_active, is_available, verification_status)
			VALUES ($1, $2, $3::numeric, $4::jsonb, true, true, $5)
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name,
			    commission_rate = EXCLUDED.commission_rate,
			    treasury_wallets = EXCLUDED.treasury_wallets,
			    verification_status = EXCLUDED.verification_status
		`, p.ID, p.Name, p.CommissionRate.String(), string(wallets), status)
		if err != nil {
			return fmt.Errorf("provider %s: %w", p.Name, err)
		}
	}
	return nil
}

func seedBanks(ctx context.Context, pool *pgxpool.Pool, banks []bankFixture) error {
	for _, b := range banks {
		_, err := pool.Exec(ctx, `
			INSERT INTO bank_profiles (id, name)
			VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
		`, b.ID, b.Name)
		if err != nil {
			return fmt.Errorf("bank %s: %w", b.Name, err)
		}
	}
	return nil
}
