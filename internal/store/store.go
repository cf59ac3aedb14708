// Package store defines the persistence contract for the matching and
// settlement engine and provides in-memory and Postgres implementations.
//
// The store exposes two concurrency primitives and nothing stronger:
// conditional status updates (compare-and-swap on the expected prior status)
// and atomic ledger application with per-pot serialization. All cross-request
// mutual exclusion in the engine is built from these.
package store

import (
	"ShiftLedger/internal/domain"
	"context"
	"time"

	"github.com/google/uuid"
)

// TradePatch carries the optional field updates applied together with a
// status CAS. Nil pointers leave the column untouched. ClearMatch reverts
// matched_at and the fee split, used by saga compensation.
type TradePatch struct {
	MatchedAt   *time.Time
	LiveAt      *time.Time
	RepaidAt    *time.Time
	DefaultedAt *time.Time
	PlatformFee *int64
	LenderFee   *int64
	ClearMatch  bool
}

// Store is the full persistence surface of the engine.
type Store interface {
	// --- Trades ---

	CreateTrade(ctx context.Context, t *domain.Trade) error
	GetTrade(ctx context.Context, id uuid.UUID) (*domain.Trade, error)

	// CASTradeStatus conditionally moves a trade from one status to another,
	// applying the patch in the same write. Returns false when the trade's
	// current status did not match `from`, meaning the caller lost the race.
	CASTradeStatus(ctx context.Context, id uuid.UUID, from, to domain.TradeStatus, patch TradePatch) (bool, error)

	// ListMatchedDue returns MATCHED trades whose original_due_date is on or
	// before asOf. A non-nil tradeID narrows to one trade.
	ListMatchedDue(ctx context.Context, asOf time.Time, tradeID *uuid.UUID) ([]*domain.Trade, error)

	// ListLiveDue returns LIVE trades whose new_due_date is on or before asOf.
	ListLiveDue(ctx context.Context, asOf time.Time, tradeID *uuid.UUID) ([]*domain.Trade, error)

	// ListLiveOverdue returns LIVE trades whose new_due_date is strictly
	// before the cutoff (due date plus grace period already elapsed).
	ListLiveOverdue(ctx context.Context, cutoff time.Time, tradeID *uuid.UUID) ([]*domain.Trade, error)

	// ListPendingOlderThan returns PENDING_MATCH trades created before the
	// cutoff, for expiry.
	ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*domain.Trade, error)

	// CountOpenTradesByBorrower counts a borrower's trades in non-terminal
	// statuses, used to enforce per-tier active trade caps at intake.
	CountOpenTradesByBorrower(ctx context.Context, borrowerID uuid.UUID) (int, error)

	// --- Allocations ---

	InsertAllocation(ctx context.Context, a *domain.Allocation) error

	// DeleteAllocation removes an allocation row. Only saga compensation may
	// call this; settled history is never deleted.
	DeleteAllocation(ctx context.Context, id uuid.UUID) error

	// CASAllocationStatus conditionally advances an allocation's status.
	CASAllocationStatus(ctx context.Context, id uuid.UUID, from, to domain.AllocationStatus) (bool, error)

	// AllocationsByTrade returns a trade's allocations, optionally filtered
	// by status, ordered by creation time.
	AllocationsByTrade(ctx context.Context, tradeID uuid.UUID, statuses ...domain.AllocationStatus) ([]*domain.Allocation, error)

	// OpenAllocationTotals sums amount_slice and fee_slice over the trade's
	// non-terminal allocations.
	OpenAllocationTotals(ctx context.Context, tradeID uuid.UUID) (amount, fee int64, err error)

	// LenderExposure sums amount_slice over a lender's RESERVED and ACTIVE
	// allocations across all trades.
	LenderExposure(ctx context.Context, lenderID uuid.UUID) (int64, error)

	// --- Lending pots ---

	CreatePot(ctx context.Context, p *domain.LendingPot) error
	GetPot(ctx context.Context, userID uuid.UUID) (*domain.LendingPot, error)
	SetWithdrawalQueued(ctx context.Context, userID uuid.UUID, queued bool) error

	// --- Lender preferences ---

	UpsertLenderPreferences(ctx context.Context, p *domain.LenderPreferences) error
	GetLenderPreferences(ctx context.Context, userID uuid.UUID) (*domain.LenderPreferences, error)

	// ListAutoMatchLenders returns every lender with auto-match enabled.
	// Eligibility filtering is the allocation engine's job.
	ListAutoMatchLenders(ctx context.Context) ([]*domain.LenderPreferences, error)

	// --- Pool ledger ---

	// ApplyEntry atomically applies one ledger entry to its pot. If the
	// entry's idempotency key has been seen, the stored entry is returned
	// with replayed=true and the pot is untouched. Otherwise the pot row is
	// locked, mutate is invoked on it, and the mutated pot plus the entry are
	// committed together. A non-nil error from mutate aborts with no effect.
	ApplyEntry(ctx context.Context, e *domain.PoolLedgerEntry, mutate func(pot *domain.LendingPot) error) (entry *domain.PoolLedgerEntry, replayed bool, err error)

	// LedgerEntries returns a user's entries in application order.
	LedgerEntries(ctx context.Context, userID uuid.UUID) ([]*domain.PoolLedgerEntry, error)

	// --- Platform revenue ---

	InsertRevenue(ctx context.Context, r *domain.PlatformRevenueEntry) error

	// RevenueByTrade returns the revenue entries recorded against one trade.
	RevenueByTrade(ctx context.Context, tradeID uuid.UUID) ([]*domain.PlatformRevenueEntry, error)

	// RevenueTotal sums all platform revenue entries (fee income minus
	// absorbed default losses).
	RevenueTotal(ctx context.Context) (int64, error)
}
