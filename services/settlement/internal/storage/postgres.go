package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrReserveNotProvisioned = errors.New("liquidity reserve not provisioned")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrInsufficientReserved  = errors.New("insufficient reserved liquidity")
	ErrOrderNotFound         = errors.New("order not found")
	ErrProviderNotFound      = errors.New("provider not found")
	ErrAlreadySettled        = errors.New("order already settled")
	ErrRetryEntryNotFound    = errors.New("retry entry not found")
	ErrSettlementInFlight    = errors.New("settlement transfer not reconciled")
)

const settlementLockPrefix = "settlement:"

type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{pool: pool, logger: logger}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

// ---- reserves ----

const reserveColumns = `id, currency, total_amount::text, available_amount::text, reserved_amount::text,
	provider_type, minimum_threshold::text, optimal_balance::text, updated_at`

func scanReserve(row pgx.Row) (*LiquidityReserve, error) {
	var r LiquidityReserve
	var total, available, reserved, minimum, optimal string
	if err := row.Scan(&r.ID, &r.Currency, &total, &available, &reserved, &r.ProviderType, &minimum, &optimal, &r.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if r.TotalAmount, err = parseDecimal(total, "total_amount"); err != nil {
		return nil, err
	}
	if r.AvailableAmount, err = parseDecimal(available, "available_amount"); err != nil {
		return nil, err
	}
	if r.ReservedAmount, err = parseDecimal(reserved, "reserved_amount"); err != nil {
		return nil, err
	}
	if r.MinimumThreshold, err = parseDecimal(minimum, "minimum_threshold"); err != nil {
		return nil, err
	}
	if r.OptimalBalance, err = parseDecimal(optimal, "optimal_balance"); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Postgres) GetReserve(ctx context.Context, currency string) (*LiquidityReserve, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reserveColumns+` FROM liquidity_reserves WHERE currency = $1`, NormalizeCurrency(currency))
	r, err := scanReserve(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrReserveNotProvisioned, currency)
		}
		return nil, err
	}
	return r, nil
}

func (s *Postgres) ListReserves(ctx context.Context) ([]LiquidityReserve, error) {
	return s.queryReserves(ctx, `SELECT `+reserveColumns+` FROM liquidity_reserves ORDER BY currency`)
}

func (s *Postgres) ListLowReserves(ctx context.Context) ([]LiquidityReserve, error) {
	return s.queryReserves(ctx, `SELECT `+reserveColumns+` FROM liquidity_reserves
		WHERE available_amount < minimum_threshold ORDER BY currency`)
}

func (s *Postgres) queryReserves(ctx context.Context, query string, args ...any) ([]LiquidityReserve, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LiquidityReserve
	for rows.Next() {
		r, err := scanReserve(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ProvisionReserve creates a zero-balance reserve or updates its configuration. Balances are
// only ever changed through DepositLiquidity, ReserveLiquidity and ReleaseLiquidity.
func (s *Postgres) ProvisionReserve(ctx context.Context, r LiquidityReserve) (*LiquidityReserve, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO liquidity_reserves (id, currency, provider_type, minimum_threshold, optimal_balance, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (currency) DO UPDATE
		SET provider_type = EXCLUDED.provider_type,
		    minimum_threshold = EXCLUDED.minimum_threshold,
		    optimal_balance = EXCLUDED.optimal_balance,
		    updated_at = now()
		RETURNING `+reserveColumns,
		r.ID, NormalizeCurrency(r.Currency), r.ProviderType, r.MinimumThreshold.String(), r.OptimalBalance.String())
	return scanReserve(row)
}

// ReserveLiquidity moves amount from available to reserved with a single conditional update.
func (s *Postgres) ReserveLiquidity(ctx context.Context, currency string, amount decimal.Decimal, orderID uuid.UUID, actor string) (*LiquidityTransaction, error) {
	return s.mutateReserve(ctx, mutation{
		txType:   TxTypeReserve,
		currency: NormalizeCurrency(currency),
		amount:   amount,
		orderID:  &orderID,
		actor:    actor,
		query: `
			UPDATE liquidity_reserves
			SET available_amount = available_amount - $2,
			    reserved_amount = reserved_amount + $2,
			    updated_at = $3
			WHERE currency = $1 AND available_amount >= $2
			RETURNING available_amount::text`,
		before:       func(after decimal.Decimal) decimal.Decimal { return after.Add(amount) },
		shortfallErr: ErrInsufficientLiquidity,
	})
}

func (s *Postgres) ReleaseLiquidity(ctx context.Context, currency string, amount decimal.Decimal, orderID uuid.UUID, actor string) (*LiquidityTransaction, error) {
	return s.mutateReserve(ctx, mutation{
		txType:   TxTypeRelease,
		currency: NormalizeCurrency(currency),
		amount:   amount,
		orderID:  &orderID,
		actor:    actor,
		query: `
			UPDATE liquidity_reserves
			SET available_amount = available_amount + $2,
			    reserved_amount = reserved_amount - $2,
			    updated_at = $3
			WHERE currency = $1 AND reserved_amount >= $2
			RETURNING available_amount::text`,
		before:       func(after decimal.Decimal) decimal.Decimal { return after.Sub(amount) },
		shortfallErr: ErrInsufficientReserved,
	})
}

func (s *Postgres) DepositLiquidity(ctx context.Context, currency string, amount decimal.Decimal, notes, executedBy string) (*LiquidityTransaction, error) {
	return s.mutateReserve(ctx, mutation{
		txType:   TxTypeDeposit,
		currency: NormalizeCurrency(currency),
		amount:   amount,
		actor:    executedBy,
		notes:    notes,
		query: `
			UPDATE liquidity_reserves
			SET total_amount = total_amount + $2,
			    available_amount = available_amount + $2,
			    updated_at = $3
			WHERE currency = $1
			RETURNING available_amount::text`,
		before: func(after decimal.Decimal) decimal.Decimal { return after.Sub(amount) },
	})
}

type mutation struct {
	txType       string
	currency     string
	amount       decimal.Decimal
	orderID      *uuid.UUID
	actor        string
	notes        string
	query        string
	before       func(after decimal.Decimal) decimal.Decimal
	shortfallErr error
}

func (s *Postgres) mutateReserve(ctx context.Context, m mutation) (*LiquidityTransaction, error) {
	if !m.amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive")
	}

	var out *LiquidityTransaction
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		var afterStr string
		err := tx.QueryRow(ctx, m.query, m.currency, m.amount.String(), now).Scan(&afterStr)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM liquidity_reserves WHERE currency = $1)`, m.currency).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: %s", ErrReserveNotProvisioned, m.currency)
			}
			if m.shortfallErr != nil {
				return m.shortfallErr
			}
			return fmt.Errorf("%s %s: no rows updated", m.txType, m.currency)
		}
		if err != nil {
			return err
		}
		after, err := parseDecimal(afterStr, "available_amount")
		if err != nil {
			return err
		}

		entry := &LiquidityTransaction{
			ID:            uuid.New(),
			Currency:      m.currency,
			Type:          m.txType,
			Amount:        m.amount,
			BalanceBefore: m.before(after),
			BalanceAfter:  after,
			OrderID:       m.orderID,
			ExecutedBy:    m.actor,
			Notes:         m.notes,
			CreatedAt:     now,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO liquidity_transactions (id, currency, type, amount, balance_before, balance_after, order_id, executed_by, notes, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, entry.ID, entry.Currency, entry.Type, entry.Amount.String(), entry.BalanceBefore.String(), entry.BalanceAfter.String(),
			entry.OrderID, entry.ExecutedBy, entry.Notes, entry.CreatedAt); err != nil {
			return err
		}
		out = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Postgres) ListTransactions(ctx context.Context, currency string, limit int) ([]LiquidityTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, currency, type, amount::text, balance_before::text, balance_after::text, order_id, executed_by, notes, created_at
		FROM liquidity_transactions
		WHERE currency = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, NormalizeCurrency(currency), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LiquidityTransaction
	for rows.Next() {
		var t LiquidityTransaction
		var amount, before, after string
		if err := rows.Scan(&t.ID, &t.Currency, &t.Type, &amount, &before, &after, &t.OrderID, &t.ExecutedBy, &t.Notes, &t.CreatedAt); err != nil {
			return nil, err
		}
		if t.Amount, err = parseDecimal(amount, "amount"); err != nil {
			return nil, err
		}
		if t.BalanceBefore, err = parseDecimal(before, "balance_before"); err != nil {
			return nil, err
		}
		if t.BalanceAfter, err = parseDecimal(after, "balance_after"); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- alerts ----

// CreateAlertIfAbsent inserts the alert unless an unresolved one exists for the same
// (currency, type). The partial unique index makes this safe across replicas.
func (s *Postgres) CreateAlertIfAbsent(ctx context.Context, alert LiquidityAlert) (bool, error) {
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO liquidity_alerts (id, currency, alert_type, severity, message, recommended_action, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (currency, alert_type) WHERE resolved_at IS NULL DO NOTHING
	`, alert.ID, NormalizeCurrency(alert.Currency), alert.AlertType, alert.Severity, alert.Message, alert.RecommendedAction, alert.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) ListOpenAlerts(ctx context.Context) ([]LiquidityAlert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, currency, alert_type, severity, message, recommended_action, created_at, resolved_at
		FROM liquidity_alerts
		WHERE resolved_at IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LiquidityAlert
	for rows.Next() {
		var a LiquidityAlert
		if err := rows.Scan(&a.ID, &a.Currency, &a.AlertType, &a.Severity, &a.Message, &a.RecommendedAction, &a.CreatedAt, &a.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Postgres) ResolveAlerts(ctx context.Context, currency, alertType string, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE liquidity_alerts SET resolved_at = $3
		WHERE currency = $1 AND alert_type = $2 AND resolved_at IS NULL
	`, NormalizeCurrency(currency), alertType, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ---- providers ----

const providerColumns = `id, name, commission_rate::text, treasury_wallets, is_active, is_available,
	verification_status, fulfillment_count, total_commission_earned::text`

func scanProvider(row pgx.Row) (*ProviderProfile, error) {
	var p ProviderProfile
	var rate, earned string
	var wallets []byte
	if err := row.Scan(&p.ID, &p.Name, &rate, &wallets, &p.IsActive, &p.IsAvailable, &p.VerificationStatus, &p.FulfillmentCount, &earned); err != nil {
		return nil, err
	}
	var err error
	if p.CommissionRate, err = parseDecimal(rate, "commission_rate"); err != nil {
		return nil, err
	}
	if p.TotalCommissionEarned, err = parseDecimal(earned, "total_commission_earned"); err != nil {
		return nil, err
	}
	p.TreasuryWallets = map[string]string{}
	if len(wallets) > 0 {
		if err := json.Unmarshal(wallets, &p.TreasuryWallets); err != nil {
			return nil, fmt.Errorf("decode treasury wallets: %w", err)
		}
	}
	return &p, nil
}

func (s *Postgres) GetProvider(ctx context.Context, id uuid.UUID) (*ProviderProfile, error) {
	p, err := scanProvider(s.pool.QueryRow(ctx, `SELECT `+providerColumns+` FROM provider_profiles WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
		}
		return nil, err
	}
	return p, nil
}

// ListEligibleProviders returns active, available, approved providers other than exclude, cheapest
// first, least used first on ties.
func (s *Postgres) ListEligibleProviders(ctx context.Context, exclude uuid.UUID) ([]ProviderProfile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+providerColumns+`
		FROM provider_profiles
		WHERE is_active AND is_available AND verification_status = $1 AND id <> $2
		ORDER BY commission_rate ASC, fulfillment_count ASC, id ASC
	`, VerificationApproved, exclude)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProviderProfile
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Postgres) UpsertProvider(ctx context.Context, p ProviderProfile) error {
	wallets, err := json.Marshal(p.TreasuryWallets)
	if err != nil {
		return fmt.Errorf("encode treasury wallets: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO provider_profiles (id, name, commission_rate, treasury_wallets, is_active, is_available, verification_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    commission_rate = EXCLUDED.commission_rate,
		    treasury_wallets = EXCLUDED.treasury_wallets,
		    is_active = EXCLUDED.is_active,
		    is_available = EXCLUDED.is_available,
		    verification_status = EXCLUDED.verification_status
	`, p.ID, p.Name, p.CommissionRate.String(), wallets, p.IsActive, p.IsAvailable, p.VerificationStatus)
	return err
}

func (s *Postgres) UpsertBank(ctx context.Context, b BankProfile) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bank_profiles (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`, b.ID, b.Name)
	return err
}

// ---- orders ----

const orderColumns = `id, amount::text, currency, token_symbol, status, assigned_provider_id, is_internal,
	settlement_status, settlement_tx_hash, settlement_network, settled_at, settlement_attempted_at, bank_id,
	bank_markup::text, psp_commission::text, created_at`

func scanOrder(row pgx.Row) (*PaymentOrder, error) {
	var o PaymentOrder
	var amount, markup, commission string
	if err := row.Scan(&o.ID, &amount, &o.Currency, &o.TokenSymbol, &o.Status, &o.AssignedProviderID, &o.IsInternal,
		&o.SettlementStatus, &o.SettlementTxHash, &o.SettlementNetwork, &o.SettledAt, &o.SettlementAttemptedAt, &o.BankID,
		&markup, &commission, &o.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if o.Amount, err = parseDecimal(amount, "amount"); err != nil {
		return nil, err
	}
	if o.BankMarkup, err = parseDecimal(markup, "bank_markup"); err != nil {
		return nil, err
	}
	if o.PSPCommission, err = parseDecimal(commission, "psp_commission"); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Postgres) GetOrder(ctx context.Context, id uuid.UUID) (*PaymentOrder, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM payment_orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
		}
		return nil, err
	}
	return o, nil
}

func (s *Postgres) InsertOrder(ctx context.Context, o PaymentOrder) error {
	if o.SettlementStatus == "" {
		o.SettlementStatus = SettlementPending
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payment_orders (id, amount, currency, token_symbol, status, assigned_provider_id, is_internal,
			settlement_status, bank_id, bank_markup, psp_commission, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, o.ID, o.Amount.String(), NormalizeCurrency(o.Currency), o.TokenSymbol, o.Status, o.AssignedProviderID, o.IsInternal,
		o.SettlementStatus, o.BankID, o.BankMarkup.String(), o.PSPCommission.String(), o.CreatedAt)
	return err
}

// RecordAssignment stores the routing decision. The external provider's fulfillment counter is
// bumped in the same transaction, once per assignment.
func (s *Postgres) RecordAssignment(ctx context.Context, a Assignment) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE payment_orders
			SET assigned_provider_id = $2, is_internal = $3, psp_commission = $4
			WHERE id = $1 AND assigned_provider_id IS NULL
		`, a.OrderID, a.ProviderID, a.IsInternal, a.PSPCommission.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payment_orders WHERE id = $1)`, a.OrderID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: %s", ErrOrderNotFound, a.OrderID)
			}
			return fmt.Errorf("order %s already assigned", a.OrderID)
		}
		if a.IsInternal {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE provider_profiles SET fulfillment_count = fulfillment_count + 1 WHERE id = $1`, a.ProviderID)
		return err
	})
}

func (s *Postgres) ListSettleableOrders(ctx context.Context, providerID *uuid.UUID) ([]PaymentOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM payment_orders
		WHERE status = $1 AND settlement_status IN ('pending', 'failed') AND assigned_provider_id IS NOT NULL`
	args := []any{OrderStatusFiatDelivered}
	if providerID != nil {
		query += ` AND assigned_provider_id = $2`
		args = append(args, *providerID)
	}
	query += ` ORDER BY assigned_provider_id, created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PaymentOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// AcquireSettlementLock takes a session-level advisory lock for the order on a dedicated
// connection. The lock disappears with the connection if the process dies mid-transfer.
func (s *Postgres) AcquireSettlementLock(ctx context.Context, orderID uuid.UUID) (func(), bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	key := settlementLockPrefix + orderID.String()
	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}
	release := func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
			s.logger.Error("settlement unlock failed", "order_id", orderID.String(), "error", err)
			_ = conn.Conn().Close(unlockCtx)
		}
		conn.Release()
	}
	return release, true, nil
}

// BeginSettlementAttempt moves a pending or failed order to in_flight right before its transfer is
// sent. It fails with ErrSettlementInFlight if an earlier attempt was never reconciled.
func (s *Postgres) BeginSettlementAttempt(ctx context.Context, orderID uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payment_orders SET settlement_status = 'in_flight', settlement_attempted_at = $2
		WHERE id = $1 AND settlement_status IN ('pending', 'failed')
	`, orderID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.settlementStatusError(ctx, orderID)
}

// ReopenSettlement returns an in_flight order to failed once an operator has confirmed that no
// transfer left the platform.
func (s *Postgres) ReopenSettlement(ctx context.Context, orderID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payment_orders SET settlement_status = 'failed', settlement_attempted_at = NULL
		WHERE id = $1 AND settlement_status = 'in_flight'
	`, orderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if err := s.settlementStatusError(ctx, orderID); err != nil && !errors.Is(err, ErrSettlementInFlight) {
		return err
	}
	return fmt.Errorf("order %s is not in flight", orderID)
}

func (s *Postgres) settlementStatusError(ctx context.Context, orderID uuid.UUID) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT settlement_status FROM payment_orders WHERE id = $1`, orderID).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	case err != nil:
		return err
	case status == SettlementCompleted:
		return ErrAlreadySettled
	case status == SettlementInFlight:
		return fmt.Errorf("%w: %s", ErrSettlementInFlight, orderID)
	default:
		return nil
	}
}

// ListInFlightSettlements returns orders whose transfer was attempted at or before olderThan and
// never reconciled.
func (s *Postgres) ListInFlightSettlements(ctx context.Context, olderThan time.Time) ([]PaymentOrder, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM payment_orders
		WHERE settlement_status = 'in_flight' AND settlement_attempted_at <= $1
		ORDER BY settlement_attempted_at`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PaymentOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// CompleteSettlement persists a successful transfer: order fields, provider commission ledger,
// bank markup ledger, settlement log and retry resolution, atomically. It refuses to run twice.
func (s *Postgres) CompleteSettlement(ctx context.Context, rec SettlementRecord) (*SettlementLog, error) {
	var out *SettlementLog
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE payment_orders
			SET settlement_status = 'completed', settlement_tx_hash = $2, settlement_network = $3, settled_at = $4
			WHERE id = $1 AND settlement_status <> 'completed'
		`, rec.OrderID, rec.TransactionID, rec.Network, rec.SettledAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadySettled
		}

		if _, err := tx.Exec(ctx, `
			UPDATE provider_profiles SET total_commission_earned = total_commission_earned + $2 WHERE id = $1
		`, rec.ProviderID, rec.Commission.String()); err != nil {
			return err
		}
		if rec.BankID != nil && rec.BankMarkup.IsPositive() {
			if _, err := tx.Exec(ctx, `
				UPDATE bank_profiles SET total_markup_earned = total_markup_earned + $2 WHERE id = $1
			`, *rec.BankID, rec.BankMarkup.String()); err != nil {
				return err
			}
		}

		log := &SettlementLog{ID: uuid.New(), SettlementRecord: rec, CreatedAt: rec.SettledAt}
		if _, err := tx.Exec(ctx, `
			INSERT INTO settlement_logs (id, order_id, provider_id, bank_id, transaction_id, network, token_symbol,
				from_address, to_address, reimbursement, commission, bank_markup, total_amount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, log.ID, rec.OrderID, rec.ProviderID, rec.BankID, rec.TransactionID, rec.Network, rec.TokenSymbol,
			rec.FromAddress, rec.ToAddress, rec.Reimbursement.String(), rec.Commission.String(), rec.BankMarkup.String(),
			rec.TotalAmount.String(), log.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadySettled
			}
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE settlement_retry_queue SET resolved_at = $2, updated_at = $2
			WHERE order_id = $1 AND resolved_at IS NULL
		`, rec.OrderID, rec.SettledAt); err != nil {
			return err
		}
		out = log
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordSettlementFailure marks the order failed and upserts its retry entry in one transaction.
func (s *Postgres) RecordSettlementFailure(ctx context.Context, u RetryUpdate) (*SettlementRetryEntry, error) {
	var out *SettlementRetryEntry
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "retry:"+u.OrderID.String()); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE payment_orders SET settlement_status = 'failed'
			WHERE id = $1 AND settlement_status <> 'completed'
		`, u.OrderID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadySettled
		}

		entry, err := scanRetry(tx.QueryRow(ctx, `SELECT `+retryColumns+` FROM settlement_retry_queue
			WHERE order_id = $1 AND resolved_at IS NULL FOR UPDATE`, u.OrderID))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			entry = &SettlementRetryEntry{
				ID:          uuid.New(),
				OrderID:     u.OrderID,
				RetryCount:  1,
				LastError:   u.LastError,
				NextRetryAt: u.Schedule(1),
				CreatedAt:   u.Now,
				UpdatedAt:   u.Now,
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO settlement_retry_queue (id, order_id, retry_count, last_error, next_retry_at, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, entry.ID, entry.OrderID, entry.RetryCount, entry.LastError, entry.NextRetryAt, entry.CreatedAt, entry.UpdatedAt)
			if err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			entry.RetryCount = nextRetryCount(entry.RetryCount, u.MaxRetries)
			entry.LastError = u.LastError
			entry.NextRetryAt = u.Schedule(entry.RetryCount)
			entry.UpdatedAt = u.Now
			if _, err := tx.Exec(ctx, `
				UPDATE settlement_retry_queue
				SET retry_count = $2, last_error = $3, next_retry_at = $4, updated_at = $5
				WHERE id = $1
			`, entry.ID, entry.RetryCount, entry.LastError, entry.NextRetryAt, entry.UpdatedAt); err != nil {
				return err
			}
		}
		out = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ---- retry queue ----

const retryColumns = `id, order_id, retry_count, last_error, next_retry_at, created_at, updated_at, resolved_at`

func scanRetry(row pgx.Row) (*SettlementRetryEntry, error) {
	var e SettlementRetryEntry
	if err := row.Scan(&e.ID, &e.OrderID, &e.RetryCount, &e.LastError, &e.NextRetryAt, &e.CreatedAt, &e.UpdatedAt, &e.ResolvedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Postgres) queryRetries(ctx context.Context, query string, args ...any) ([]SettlementRetryEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SettlementRetryEntry
	for rows.Next() {
		e, err := scanRetry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *Postgres) ListDueRetries(ctx context.Context, now time.Time, maxRetries, limit int) ([]SettlementRetryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRetries(ctx, `SELECT `+retryColumns+` FROM settlement_retry_queue
		WHERE resolved_at IS NULL AND next_retry_at <= $1 AND retry_count < $2
		ORDER BY next_retry_at
		LIMIT $3`, now, maxRetries, limit)
}

func (s *Postgres) ListStuckRetries(ctx context.Context, maxRetries int) ([]SettlementRetryEntry, error) {
	return s.queryRetries(ctx, `SELECT `+retryColumns+` FROM settlement_retry_queue
		WHERE resolved_at IS NULL AND retry_count >= $1
		ORDER BY updated_at`, maxRetries)
}

// EscalateRetry parks the order's open retry entry at maxRetries so it leaves the sweep and shows
// up as stuck. An order without an open entry gets one.
func (s *Postgres) EscalateRetry(ctx context.Context, orderID uuid.UUID, reason string, maxRetries int, now time.Time) (*SettlementRetryEntry, error) {
	return scanRetry(s.pool.QueryRow(ctx, `
		INSERT INTO settlement_retry_queue (id, order_id, retry_count, last_error, next_retry_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5, $5)
		ON CONFLICT (order_id) WHERE resolved_at IS NULL DO UPDATE
		SET retry_count = GREATEST(settlement_retry_queue.retry_count, EXCLUDED.retry_count),
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
		RETURNING `+retryColumns, uuid.New(), orderID, escalatedCount(maxRetries), reason, now))
}

func (s *Postgres) GetOpenRetry(ctx context.Context, orderID uuid.UUID) (*SettlementRetryEntry, error) {
	e, err := scanRetry(s.pool.QueryRow(ctx, `SELECT `+retryColumns+` FROM settlement_retry_queue
		WHERE order_id = $1 AND resolved_at IS NULL`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRetryEntryNotFound, orderID)
		}
		return nil, err
	}
	return e, nil
}

func (s *Postgres) ResolveRetry(ctx context.Context, orderID uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE settlement_retry_queue SET resolved_at = $2, updated_at = $2
		WHERE order_id = $1 AND resolved_at IS NULL
	`, orderID, at)
	return err
}

// ---- helpers ----

func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

func escalatedCount(maxRetries int) int {
	if maxRetries < 1 {
		return 1
	}
	return maxRetries
}

func nextRetryCount(current, max int) int {
	next := current + 1
	if max > 0 && next > max {
		return max
	}
	return next
}

func parseDecimal(value, field string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
