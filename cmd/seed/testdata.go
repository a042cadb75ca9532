package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// seedTestData inserts unassigned fiat-delivered orders, one per reserve currency plus one larger
// than the reserve so routing has to go external.
func seedTestData(ctx context.Context, pool *pgxpool.Pool, fx *fixture) (int, error) {
	var bankID *uuid.UUID
	if len(fx.Banks) > 0 {
		bankID = &fx.Banks[0].ID
	}
	n := 0
	for _, r := range fx.Reserves {
		amounts := []decimal.Decimal{
			r.MinimumThreshold.Div(decimal.NewFromInt(10)).Round(0),
			r.OpeningBalance.Add(decimal.NewFromInt(1)),
		}
		for j, amount := range amounts {
			if !amount.IsPositive() {
				continue
			}
			id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s-order-%d", r.Currency, j)))
			markup := amount.Mul(decimal.RequireFromString("0.002"))
			tag, err := pool.Exec(ctx, `
				INSERT INTO payment_orders (id, amount, currency, token_symbol, status, bank_id, bank_markup)
				VALUES ($1, $2::numeric, $3, 'USDC', 'fiat_delivered', $4, $5::numeric)
				ON CONFLICT (id) DO NOTHING
			`, id, amount.String(), r.Currency, bankID, markup.String())
			if err != nil {
				return n, err
			}
			n += int(tag.RowsAffected())
		}
	}
	return n, nil
}
