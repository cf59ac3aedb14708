package store

import (
	"ShiftLedger/internal/domain"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Postgres implements Store over database/sql with lib/pq. Conditional
// updates rely on WHERE status = expected; ledger application uses
// SELECT ... FOR UPDATE on the pot row plus a unique index on
// pool_ledger.idempotency_key.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const tradeColumns = `id, borrower_id, amount, fee, platform_fee, lender_fee, risk_grade,
	shift_days, original_due_date, new_due_date, status,
	matched_at, live_at, repaid_at, defaulted_at, created_at, updated_at`

func scanTrade(row interface{ Scan(...any) error }) (*domain.Trade, error) {
	var t domain.Trade
	err := row.Scan(
		&t.ID, &t.BorrowerID, &t.Amount, &t.Fee, &t.PlatformFee, &t.LenderFee, &t.RiskGrade,
		&t.ShiftDays, &t.OriginalDueDate, &t.NewDueDate, &t.Status,
		&t.MatchedAt, &t.LiveAt, &t.RepaidAt, &t.DefaultedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// --- Trades ---

func (s *Postgres) CreateTrade(ctx context.Context, t *domain.Trade) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades
			(id, borrower_id, amount, fee, platform_fee, lender_fee, risk_grade,
			 shift_days, original_due_date, new_due_date, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, t.ID, t.BorrowerID, t.Amount, t.Fee, t.PlatformFee, t.LenderFee, t.RiskGrade,
		t.ShiftDays, t.OriginalDueDate, t.NewDueDate, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (s *Postgres) GetTrade(ctx context.Context, id uuid.UUID) (*domain.Trade, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trade %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get trade: %w", err)
	}
	return t, nil
}

func (s *Postgres) CASTradeStatus(ctx context.Context, id uuid.UUID, from, to domain.TradeStatus, patch TradePatch) (bool, error) {
	sets := []string{"status = $3", "updated_at = NOW()"}
	args := []any{id, from, to}

	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.MatchedAt != nil {
		add("matched_at", *patch.MatchedAt)
	}
	if patch.LiveAt != nil {
		add("live_at", *patch.LiveAt)
	}
	if patch.RepaidAt != nil {
		add("repaid_at", *patch.RepaidAt)
	}
	if patch.DefaultedAt != nil {
		add("defaulted_at", *patch.DefaultedAt)
	}
	if patch.PlatformFee != nil {
		add("platform_fee", *patch.PlatformFee)
	}
	if patch.LenderFee != nil {
		add("lender_fee", *patch.LenderFee)
	}
	if patch.ClearMatch {
		sets = append(sets, "matched_at = NULL", "platform_fee = 0", "lender_fee = 0")
	}

	query := fmt.Sprintf(`UPDATE trades SET %s WHERE id = $1 AND status = $2`, strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("trade status cas: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("trade status cas: %w", err)
	}
	return n == 1, nil
}

func (s *Postgres) ListMatchedDue(ctx context.Context, asOf time.Time, tradeID *uuid.UUID) ([]*domain.Trade, error) {
	return s.listTrades(ctx, `status = $1 AND original_due_date::date <= $2::date`,
		[]any{domain.TradeStatusMatched, asOf}, tradeID)
}

func (s *Postgres) ListLiveDue(ctx context.Context, asOf time.Time, tradeID *uuid.UUID) ([]*domain.Trade, error) {
	return s.listTrades(ctx, `status = $1 AND new_due_date::date <= $2::date`,
		[]any{domain.TradeStatusLive, asOf}, tradeID)
}

func (s *Postgres) ListLiveOverdue(ctx context.Context, cutoff time.Time, tradeID *uuid.UUID) ([]*domain.Trade, error) {
	return s.listTrades(ctx, `status = $1 AND new_due_date::date < $2::date`,
		[]any{domain.TradeStatusLive, cutoff}, tradeID)
}

func (s *Postgres) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*domain.Trade, error) {
	return s.listTrades(ctx, `status = $1 AND created_at < $2`,
		[]any{domain.TradeStatusPendingMatch, cutoff}, nil)
}

func (s *Postgres) listTrades(ctx context.Context, where string, args []any, tradeID *uuid.UUID) ([]*domain.Trade, error) {
	if tradeID != nil {
		args = append(args, *tradeID)
		where += fmt.Sprintf(" AND id = $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []*domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) CountOpenTradesByBorrower(ctx context.Context, borrowerID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trades
		WHERE borrower_id = $1 AND status IN ('DRAFT', 'PENDING_MATCH', 'MATCHED', 'LIVE')
	`, borrowerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open trades: %w", err)
	}
	return n, nil
}

// --- Allocations ---

func (s *Postgres) InsertAllocation(ctx context.Context, a *domain.Allocation) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO allocations
			(id, trade_id, lender_id, amount_slice, fee_slice, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.TradeID, a.LenderID, a.AmountSlice, a.FeeSlice, a.Status, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert allocation: %w", err)
	}
	return nil
}

func (s *Postgres) DeleteAllocation(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM allocations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete allocation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("allocation %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Postgres) CASAllocationStatus(ctx context.Context, id uuid.UUID, from, to domain.AllocationStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE allocations SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("allocation status cas: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("allocation status cas: %w", err)
	}
	return n == 1, nil
}

func (s *Postgres) AllocationsByTrade(ctx context.Context, tradeID uuid.UUID, statuses ...domain.AllocationStatus) ([]*domain.Allocation, error) {
	query := `SELECT id, trade_id, lender_id, amount_slice, fee_slice, status, created_at, updated_at
		FROM allocations WHERE trade_id = $1`
	args := []any{tradeID}
	if len(statuses) > 0 {
		strs := make([]string, len(statuses))
		for i, st := range statuses {
			strs[i] = string(st)
		}
		args = append(args, pq.Array(strs))
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("allocations by trade: %w", err)
	}
	defer rows.Close()

	var out []*domain.Allocation
	for rows.Next() {
		var a domain.Allocation
		if err := rows.Scan(&a.ID, &a.TradeID, &a.LenderID, &a.AmountSlice, &a.FeeSlice,
			&a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Postgres) OpenAllocationTotals(ctx context.Context, tradeID uuid.UUID) (int64, int64, error) {
	var amount, fee int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_slice), 0), COALESCE(SUM(fee_slice), 0)
		FROM allocations
		WHERE trade_id = $1 AND status IN ('RESERVED', 'ACTIVE')
	`, tradeID).Scan(&amount, &fee)
	if err != nil {
		return 0, 0, fmt.Errorf("open allocation totals: %w", err)
	}
	return amount, fee, nil
}

func (s *Postgres) LenderExposure(ctx context.Context, lenderID uuid.UUID) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_slice), 0)
		FROM allocations
		WHERE lender_id = $1 AND status IN ('RESERVED', 'ACTIVE')
	`, lenderID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("lender exposure: %w", err)
	}
	return total, nil
}

// --- Lending pots ---

func (s *Postgres) CreatePot(ctx context.Context, p *domain.LendingPot) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lending_pots
			(user_id, available, locked, total_deployed, realized_yield, withdrawal_queued, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, p.UserID, p.Available, p.Locked, p.TotalDeployed, p.RealizedYield, p.WithdrawalQueued, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert pot: %w", err)
	}
	return nil
}

func (s *Postgres) GetPot(ctx context.Context, userID uuid.UUID) (*domain.LendingPot, error) {
	var p domain.LendingPot
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, available, locked, total_deployed, realized_yield, withdrawal_queued, created_at, updated_at
		FROM lending_pots WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.Available, &p.Locked, &p.TotalDeployed, &p.RealizedYield,
		&p.WithdrawalQueued, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pot for user %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pot: %w", err)
	}
	return &p, nil
}

func (s *Postgres) SetWithdrawalQueued(ctx context.Context, userID uuid.UUID, queued bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE lending_pots SET withdrawal_queued = $2, updated_at = NOW() WHERE user_id = $1
	`, userID, queued)
	if err != nil {
		return fmt.Errorf("set withdrawal queued: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pot for user %s: %w", userID, domain.ErrNotFound)
	}
	return nil
}

// --- Lender preferences ---

func (s *Postgres) UpsertLenderPreferences(ctx context.Context, p *domain.LenderPreferences) error {
	bands := make([]string, len(p.RiskBands))
	for i, b := range p.RiskBands {
		bands[i] = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lender_preferences
			(user_id, min_apr, max_shift_days, max_exposure, max_total_exposure, risk_bands, auto_match_enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			min_apr = EXCLUDED.min_apr,
			max_shift_days = EXCLUDED.max_shift_days,
			max_exposure = EXCLUDED.max_exposure,
			max_total_exposure = EXCLUDED.max_total_exposure,
			risk_bands = EXCLUDED.risk_bands,
			auto_match_enabled = EXCLUDED.auto_match_enabled
	`, p.UserID, p.MinAPR, p.MaxShiftDays, p.MaxExposure, p.MaxTotalExposure,
		pq.Array(bands), p.AutoMatchEnabled)
	if err != nil {
		return fmt.Errorf("upsert lender preferences: %w", err)
	}
	return nil
}

func (s *Postgres) GetLenderPreferences(ctx context.Context, userID uuid.UUID) (*domain.LenderPreferences, error) {
	p, err := scanPreferences(s.db.QueryRowContext(ctx, `
		SELECT user_id, min_apr, max_shift_days, max_exposure, max_total_exposure, risk_bands, auto_match_enabled
		FROM lender_preferences WHERE user_id = $1
	`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("preferences for user %s: %w", userID, domain.ErrNotFound)
	}
	return p, err
}

func scanPreferences(row interface{ Scan(...any) error }) (*domain.LenderPreferences, error) {
	var p domain.LenderPreferences
	var bands pq.StringArray
	if err := row.Scan(&p.UserID, &p.MinAPR, &p.MaxShiftDays, &p.MaxExposure,
		&p.MaxTotalExposure, &bands, &p.AutoMatchEnabled); err != nil {
		return nil, err
	}
	for _, b := range bands {
		p.RiskBands = append(p.RiskBands, domain.RiskGrade(b))
	}
	return &p, nil
}

func (s *Postgres) ListAutoMatchLenders(ctx context.Context) ([]*domain.LenderPreferences, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, min_apr, max_shift_days, max_exposure, max_total_exposure, risk_bands, auto_match_enabled
		FROM lender_preferences
		WHERE auto_match_enabled
		ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list auto-match lenders: %w", err)
	}
	defer rows.Close()

	var out []*domain.LenderPreferences
	for rows.Next() {
		p, err := scanPreferences(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lender preferences: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Pool ledger ---

const ledgerColumns = `id, user_id, entry_type, amount, balance_after, trade_id, allocation_id,
	description, idempotency_key, created_at`

func scanEntry(row interface{ Scan(...any) error }) (*domain.PoolLedgerEntry, error) {
	var e domain.PoolLedgerEntry
	err := row.Scan(&e.ID, &e.UserID, &e.EntryType, &e.Amount, &e.BalanceAfter,
		&e.TradeID, &e.AllocationID, &e.Description, &e.IdempotencyKey, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Postgres) ApplyEntry(ctx context.Context, e *domain.PoolLedgerEntry, mutate func(pot *domain.LendingPot) error) (*domain.PoolLedgerEntry, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin apply tx: %w", err)
	}
	defer tx.Rollback()

	// Replay check inside the transaction: a previously-seen key returns the
	// stored entry without touching the pot.
	existing, err := scanEntry(tx.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM pool_ledger WHERE idempotency_key = $1`, e.IdempotencyKey))
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("replay lookup: %w", err)
	}

	// Row-level serialization: concurrent Apply calls on the same pot queue
	// behind this lock.
	var pot domain.LendingPot
	err = tx.QueryRowContext(ctx, `
		SELECT user_id, available, locked, total_deployed, realized_yield, withdrawal_queued, created_at, updated_at
		FROM lending_pots WHERE user_id = $1 FOR UPDATE
	`, e.UserID).Scan(&pot.UserID, &pot.Available, &pot.Locked, &pot.TotalDeployed,
		&pot.RealizedYield, &pot.WithdrawalQueued, &pot.CreatedAt, &pot.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("pot for user %s: %w", e.UserID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, false, fmt.Errorf("lock pot: %w", err)
	}

	if err := mutate(&pot); err != nil {
		return nil, false, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE lending_pots
		SET available = $2, locked = $3, total_deployed = $4, realized_yield = $5,
		    withdrawal_queued = $6, updated_at = NOW()
		WHERE user_id = $1
	`, pot.UserID, pot.Available, pot.Locked, pot.TotalDeployed, pot.RealizedYield,
		pot.WithdrawalQueued); err != nil {
		return nil, false, fmt.Errorf("update pot: %w", err)
	}

	e.CreatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pool_ledger
			(id, user_id, entry_type, amount, balance_after, trade_id, allocation_id,
			 description, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.UserID, e.EntryType, e.Amount, e.BalanceAfter, e.TradeID, e.AllocationID,
		e.Description, e.IdempotencyKey, e.CreatedAt); err != nil {
		// A concurrent transaction with the same key won the insert race:
		// surface its entry as a replay.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			tx.Rollback()
			replayed, rerr := scanEntry(s.db.QueryRowContext(ctx,
				`SELECT `+ledgerColumns+` FROM pool_ledger WHERE idempotency_key = $1`, e.IdempotencyKey))
			if rerr != nil {
				return nil, false, fmt.Errorf("replay after conflict: %w", rerr)
			}
			return replayed, true, nil
		}
		return nil, false, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit apply: %w", err)
	}
	cp := *e
	return &cp, false, nil
}

func (s *Postgres) LedgerEntries(ctx context.Context, userID uuid.UUID) ([]*domain.PoolLedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ledgerColumns+` FROM pool_ledger WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("ledger entries: %w", err)
	}
	defer rows.Close()

	var out []*domain.PoolLedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Platform revenue ---

func (s *Postgres) InsertRevenue(ctx context.Context, r *domain.PlatformRevenueEntry) error {
	r.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO platform_revenue (id, entry_type, amount, trade_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, r.ID, r.EntryType, r.Amount, r.TradeID, r.Description, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert revenue: %w", err)
	}
	return nil
}

func (s *Postgres) RevenueByTrade(ctx context.Context, tradeID uuid.UUID) ([]*domain.PlatformRevenueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_type, amount, trade_id, description, created_at
		FROM platform_revenue WHERE trade_id = $1 ORDER BY created_at
	`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("revenue by trade: %w", err)
	}
	defer rows.Close()

	var out []*domain.PlatformRevenueEntry
	for rows.Next() {
		var r domain.PlatformRevenueEntry
		if err := rows.Scan(&r.ID, &r.EntryType, &r.Amount, &r.TradeID, &r.Description, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan revenue: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Postgres) RevenueTotal(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM platform_revenue`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("revenue total: %w", err)
	}
	return total, nil
}

var _ Store = (*Postgres)(nil)
