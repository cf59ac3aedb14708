package ledger

import (
	"ShiftLedger/internal/domain"
	"ShiftLedger/internal/observability"
	"ShiftLedger/internal/store"
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

var testMetrics = observability.NewMetrics()

func newTestLedger(t *testing.T, userID uuid.UUID) (*Ledger, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	if err := st.CreatePot(context.Background(), &domain.LendingPot{UserID: userID}); err != nil {
		t.Fatalf("create pot: %v", err)
	}
	return New(st, testMetrics), st
}

func apply(t *testing.T, l *Ledger, in Input) *domain.PoolLedgerEntry {
	t.Helper()
	entry, err := l.Apply(context.Background(), in)
	if err != nil {
		t.Fatalf("apply %s (%s): %v", in.Type, in.IdempotencyKey, err)
	}
	return entry
}

func TestApplyDepositAndReplay(t *testing.T) {
	userID := uuid.New()
	l, st := newTestLedger(t, userID)
	ctx := context.Background()

	in := Input{UserID: userID, Type: domain.EntryTypeDeposit, Amount: 5000, IdempotencyKey: "deposit-1"}
	first := apply(t, l, in)
	if first.BalanceAfter != 5000 {
		t.Fatalf("balance after deposit = %d, want 5000", first.BalanceAfter)
	}

	// Same key again: no balance change, prior entry returned.
	replayed := apply(t, l, in)
	if replayed.BalanceAfter != 5000 {
		t.Errorf("replayed balance = %d, want 5000", replayed.BalanceAfter)
	}
	pot, _ := st.GetPot(ctx, userID)
	if pot.Available != 5000 {
		t.Errorf("pot available = %d after replay, want 5000", pot.Available)
	}
	entries, _ := st.LedgerEntries(ctx, userID)
	if len(entries) != 1 {
		t.Errorf("entry count = %d after replay, want 1", len(entries))
	}
}

func TestApplyRejectsUnderflow(t *testing.T) {
	userID := uuid.New()
	l, st := newTestLedger(t, userID)
	ctx := context.Background()

	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeDeposit, Amount: 1000, IdempotencyKey: "d1"})

	_, err := l.Apply(ctx, Input{UserID: userID, Type: domain.EntryTypeWithdraw, Amount: 1500, IdempotencyKey: "w1"})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("overdraw got %v, want ErrInsufficientFunds", err)
	}

	// A rejected entry leaves no trace: the key is reusable and the pot intact.
	pot, _ := st.GetPot(ctx, userID)
	if pot.Available != 1000 {
		t.Errorf("pot available = %d after rejection, want 1000", pot.Available)
	}
	if _, err := l.Apply(ctx, Input{UserID: userID, Type: domain.EntryTypeWithdraw, Amount: 500, IdempotencyKey: "w1"}); err != nil {
		t.Errorf("retry with same key after rejection failed: %v", err)
	}
}

func TestApplyValidation(t *testing.T) {
	userID := uuid.New()
	l, _ := newTestLedger(t, userID)
	ctx := context.Background()

	cases := []Input{
		{UserID: uuid.Nil, Type: domain.EntryTypeDeposit, Amount: 1, IdempotencyKey: "k"},
		{UserID: userID, Type: "BOGUS", Amount: 1, IdempotencyKey: "k"},
		{UserID: userID, Type: domain.EntryTypeDeposit, Amount: 0, IdempotencyKey: "k"},
		{UserID: userID, Type: domain.EntryTypeDeposit, Amount: -5, IdempotencyKey: "k"},
		{UserID: userID, Type: domain.EntryTypeDeposit, Amount: 1, IdempotencyKey: ""},
	}
	for i, in := range cases {
		if _, err := l.Apply(ctx, in); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("case %d: got %v, want ErrValidation", i, err)
		}
	}

	_, err := l.Apply(ctx, Input{UserID: uuid.New(), Type: domain.EntryTypeDeposit, Amount: 1, IdempotencyKey: "nopot"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing pot got %v, want ErrNotFound", err)
	}
}

func TestBucketFlows(t *testing.T) {
	userID := uuid.New()
	l, st := newTestLedger(t, userID)
	ctx := context.Background()

	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeDeposit, Amount: 10000, IdempotencyKey: "d1"})
	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeReserve, Amount: 6000, IdempotencyKey: "r1"})

	pot, _ := st.GetPot(ctx, userID)
	if pot.Available != 4000 || pot.Locked != 6000 {
		t.Fatalf("after reserve: available=%d locked=%d, want 4000/6000", pot.Available, pot.Locked)
	}

	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeDisburse, Amount: 6000, IdempotencyKey: "disb1"})
	pot, _ = st.GetPot(ctx, userID)
	if pot.Locked != 6000 || pot.TotalDeployed != 6000 {
		t.Fatalf("after disburse: locked=%d deployed=%d, want 6000/6000", pot.Locked, pot.TotalDeployed)
	}

	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeRepay, Amount: 6000, IdempotencyKey: "rep1"})
	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeFeeCredit, Amount: 60, IdempotencyKey: "fee1"})

	pot, _ = st.GetPot(ctx, userID)
	if pot.Available != 10060 || pot.Locked != 0 {
		t.Fatalf("after repay: available=%d locked=%d, want 10060/0", pot.Available, pot.Locked)
	}
	if pot.RealizedYield != 60 {
		t.Errorf("realized yield = %d, want 60", pot.RealizedYield)
	}
}

func TestReleaseReturnsLockedWithoutYield(t *testing.T) {
	userID := uuid.New()
	l, st := newTestLedger(t, userID)
	ctx := context.Background()

	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeDeposit, Amount: 5000, IdempotencyKey: "d1"})
	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeReserve, Amount: 5000, IdempotencyKey: "r1"})
	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeRelease, Amount: 5000, IdempotencyKey: "rel1"})

	pot, _ := st.GetPot(ctx, userID)
	if pot.Available != 5000 || pot.Locked != 0 || pot.RealizedYield != 0 {
		t.Fatalf("after release: available=%d locked=%d yield=%d, want 5000/0/0",
			pot.Available, pot.Locked, pot.RealizedYield)
	}
}

func TestWithdrawClearsQueuedFlagWhenDrained(t *testing.T) {
	userID := uuid.New()
	l, st := newTestLedger(t, userID)
	ctx := context.Background()

	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeDeposit, Amount: 3000, IdempotencyKey: "d1"})
	if err := st.SetWithdrawalQueued(ctx, userID, true); err != nil {
		t.Fatalf("queue withdrawal: %v", err)
	}

	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeWithdraw, Amount: 1000, IdempotencyKey: "w1"})
	pot, _ := st.GetPot(ctx, userID)
	if !pot.WithdrawalQueued {
		t.Fatal("flag cleared before pot drained")
	}

	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeWithdraw, Amount: 2000, IdempotencyKey: "w2"})
	pot, _ = st.GetPot(ctx, userID)
	if pot.WithdrawalQueued {
		t.Fatal("flag not cleared after pot drained")
	}
}

func TestWithdrawKeepsQueuedFlagWhileCapitalLocked(t *testing.T) {
	userID := uuid.New()
	l, st := newTestLedger(t, userID)
	ctx := context.Background()

	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeDeposit, Amount: 3000, IdempotencyKey: "d1"})
	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeReserve, Amount: 1000, IdempotencyKey: "r1"})
	if err := st.SetWithdrawalQueued(ctx, userID, true); err != nil {
		t.Fatalf("queue withdrawal: %v", err)
	}

	// Draining available is not enough: 1000 is still locked in a trade.
	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeWithdraw, Amount: 2000, IdempotencyKey: "w1"})
	pot, _ := st.GetPot(ctx, userID)
	if !pot.WithdrawalQueued {
		t.Fatal("flag cleared while capital still locked")
	}

	// Once the locked slice releases and leaves, the flag clears.
	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeRelease, Amount: 1000, IdempotencyKey: "rel1"})
	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeWithdraw, Amount: 1000, IdempotencyKey: "w2"})
	pot, _ = st.GetPot(ctx, userID)
	if pot.WithdrawalQueued {
		t.Fatal("flag not cleared after the full pot left")
	}
}

func TestRebuildMatchesStoredPot(t *testing.T) {
	userID := uuid.New()
	l, st := newTestLedger(t, userID)
	ctx := context.Background()

	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeDeposit, Amount: 10000, IdempotencyKey: "d1"})
	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeReserve, Amount: 4000, IdempotencyKey: "r1"})
	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeDisburse, Amount: 4000, IdempotencyKey: "disb1"})
	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeRepay, Amount: 4000, IdempotencyKey: "rep1"})
	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeFeeCredit, Amount: 40, IdempotencyKey: "f1"})
	apply(t, l, Input{UserID: userID, Type: domain.EntryTypeWithdraw, Amount: 2000, IdempotencyKey: "w1"})

	pot, _ := st.GetPot(ctx, userID)
	entries, _ := st.LedgerEntries(ctx, userID)
	if err := Verify(pot, entries); err != nil {
		t.Fatalf("pot diverges from its entry log: %v", err)
	}

	derived, err := Rebuild(userID, entries)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if derived.Available != 8040 {
		t.Errorf("derived available = %d, want 8040", derived.Available)
	}
}
