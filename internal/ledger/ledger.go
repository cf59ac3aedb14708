// Package ledger implements pool ledger application: the single write path
// for lending pot balances. Every balance change is an idempotent entry; the
// pot row is a cache of the entry log and can be rebuilt by replay.
package ledger

import (
	"ShiftLedger/internal/domain"
	"ShiftLedger/internal/observability"
	"ShiftLedger/internal/store"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Input describes one ledger entry to apply. Amount is always positive;
// direction comes from Type.
type Input struct {
	UserID         uuid.UUID
	Type           domain.EntryType
	Amount         int64
	TradeID        *uuid.UUID
	AllocationID   *uuid.UUID
	Description    string
	IdempotencyKey string
}

func (in Input) validate() error {
	if in.UserID == uuid.Nil {
		return fmt.Errorf("%w: missing user id", domain.ErrValidation)
	}
	if !in.Type.Valid() {
		return fmt.Errorf("%w: unknown entry type %q", domain.ErrValidation, in.Type)
	}
	if in.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", domain.ErrValidation, in.Amount)
	}
	if in.IdempotencyKey == "" {
		return fmt.Errorf("%w: missing idempotency key", domain.ErrValidation)
	}
	return nil
}

// Ledger applies entries through the store's atomic ApplyEntry primitive.
type Ledger struct {
	store   store.Store
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func New(st store.Store, metrics *observability.Metrics) *Ledger {
	return &Ledger{
		store:   st,
		logger:  observability.NewLogger("ledger"),
		metrics: metrics,
	}
}

// Apply records one entry and mutates its pot. A replayed idempotency key is
// success: the stored entry is returned unchanged and the pot is untouched.
// Bucket underflows reject with ErrInsufficientFunds before any write.
func (l *Ledger) Apply(ctx context.Context, in Input) (*domain.PoolLedgerEntry, error) {
	if err := in.validate(); err != nil {
		l.metrics.LedgerRejections.WithLabelValues("validation").Inc()
		return nil, err
	}
	start := time.Now()

	entry := &domain.PoolLedgerEntry{
		ID:             uuid.New(),
		UserID:         in.UserID,
		EntryType:      in.Type,
		Amount:         in.Amount,
		TradeID:        in.TradeID,
		AllocationID:   in.AllocationID,
		Description:    in.Description,
		IdempotencyKey: in.IdempotencyKey,
	}

	applied, replayed, err := l.store.ApplyEntry(ctx, entry, func(pot *domain.LendingPot) error {
		if err := mutate(pot, in.Type, in.Amount); err != nil {
			return err
		}
		entry.BalanceAfter = pot.Available
		return nil
	})
	l.metrics.LedgerApplyDuration.WithLabelValues(string(in.Type)).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			l.metrics.LedgerRejections.WithLabelValues("insufficient_funds").Inc()
			return nil, err
		}
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: apply %s for user %s: %v", domain.ErrLedger, in.Type, in.UserID, err)
	}

	if replayed {
		l.metrics.LedgerReplays.Inc()
		l.logger.Debug().
			Str("idempotency_key", in.IdempotencyKey).
			Str("entry_type", string(in.Type)).
			Msg("ledger entry replayed")
		return applied, nil
	}

	l.metrics.LedgerEntriesApplied.WithLabelValues(string(in.Type)).Inc()
	l.logger.Info().
		Str("user_id", in.UserID.String()).
		Str("entry_type", string(in.Type)).
		Int64("amount", in.Amount).
		Int64("balance_after", applied.BalanceAfter).
		Str("idempotency_key", in.IdempotencyKey).
		Msg("ledger entry applied")
	return applied, nil
}

// mutate applies the bucket transfer for one entry type. The pot passed in is
// a private copy; returning an error leaves the stored pot untouched.
func mutate(pot *domain.LendingPot, t domain.EntryType, amount int64) error {
	switch t {
	case domain.EntryTypeDeposit:
		pot.Available += amount

	case domain.EntryTypeWithdraw:
		if amount > pot.Available {
			return fmt.Errorf("%w: withdraw %d exceeds available %d",
				domain.ErrInsufficientFunds, amount, pot.Available)
		}
		pot.Available -= amount
		// A queued withdrawal is satisfied only once the whole pot is out.
		// Capital still locked in live trades keeps the flag set so later
		// repayments are auto-withdrawn too.
		if pot.WithdrawalQueued && pot.Available == 0 && pot.Locked == 0 {
			pot.WithdrawalQueued = false
		}

	case domain.EntryTypeReserve:
		if amount > pot.Available {
			return fmt.Errorf("%w: reserve %d exceeds available %d",
				domain.ErrInsufficientFunds, amount, pot.Available)
		}
		pot.Available -= amount
		pot.Locked += amount

	case domain.EntryTypeRelease:
		if amount > pot.Locked {
			return fmt.Errorf("%w: release %d exceeds locked %d",
				domain.ErrInsufficientFunds, amount, pot.Locked)
		}
		pot.Locked -= amount
		pot.Available += amount

	case domain.EntryTypeDisburse:
		if amount > pot.Locked {
			return fmt.Errorf("%w: disburse %d exceeds locked %d",
				domain.ErrInsufficientFunds, amount, pot.Locked)
		}
		// Capital stays locked while deployed; the entry starts yield tracking.
		pot.TotalDeployed += amount

	case domain.EntryTypeRepay:
		if amount > pot.Locked {
			return fmt.Errorf("%w: repay %d exceeds locked %d",
				domain.ErrInsufficientFunds, amount, pot.Locked)
		}
		pot.Locked -= amount
		pot.Available += amount

	case domain.EntryTypeFeeCredit:
		pot.Available += amount
		pot.RealizedYield += amount

	default:
		return fmt.Errorf("%w: unknown entry type %q", domain.ErrValidation, t)
	}
	return nil
}

// Rebuild replays a user's entries from zero and returns the derived pot
// balances. Used by audit checks to verify the stored pot row matches its log.
func Rebuild(userID uuid.UUID, entries []*domain.PoolLedgerEntry) (*domain.LendingPot, error) {
	pot := &domain.LendingPot{UserID: userID}
	for _, e := range entries {
		if e.UserID != userID {
			return nil, fmt.Errorf("%w: entry %s belongs to user %s",
				domain.ErrValidation, e.ID, e.UserID)
		}
		if err := mutate(pot, e.EntryType, e.Amount); err != nil {
			return nil, fmt.Errorf("replay entry %s: %w", e.ID, err)
		}
	}
	return pot, nil
}

// Verify rebuilds from the entry log and compares against the stored pot.
func Verify(stored *domain.LendingPot, entries []*domain.PoolLedgerEntry) error {
	derived, err := Rebuild(stored.UserID, entries)
	if err != nil {
		return err
	}
	if derived.Available != stored.Available || derived.Locked != stored.Locked ||
		derived.TotalDeployed != stored.TotalDeployed || derived.RealizedYield != stored.RealizedYield {
		return fmt.Errorf("pot for user %s diverges from ledger: stored (avail=%d locked=%d deployed=%d yield=%d) derived (avail=%d locked=%d deployed=%d yield=%d)",
			stored.UserID,
			stored.Available, stored.Locked, stored.TotalDeployed, stored.RealizedYield,
			derived.Available, derived.Locked, derived.TotalDeployed, derived.RealizedYield)
	}
	return nil
}
