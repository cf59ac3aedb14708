package store

import (
	"ShiftLedger/internal/domain"
	"ShiftLedger/internal/persistence"
	"ShiftLedger/internal/testutil"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func setupPostgres(t *testing.T) *Postgres {
	t.Helper()
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)
	if err := persistence.NewMigrator(db, "../../migrations").Up(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewPostgres(db)
}

func createTestPot(t *testing.T, st *Postgres, userID uuid.UUID) {
	t.Helper()
	if err := st.CreatePot(context.Background(), &domain.LendingPot{UserID: userID}); err != nil {
		t.Fatalf("create pot: %v", err)
	}
}

func TestPostgresApplyEntryReplay(t *testing.T) {
	st := setupPostgres(t)
	ctx := context.Background()
	userID := uuid.New()
	createTestPot(t, st, userID)

	e1 := &domain.PoolLedgerEntry{
		ID: uuid.New(), UserID: userID, EntryType: domain.EntryTypeDeposit,
		Amount: 5000, IdempotencyKey: "dep-1",
	}
	first, replayed, err := st.ApplyEntry(ctx, e1, func(pot *domain.LendingPot) error {
		pot.Available += 5000
		e1.BalanceAfter = pot.Available
		return nil
	})
	if err != nil || replayed {
		t.Fatalf("first apply = replayed=%v err=%v, want fresh entry", replayed, err)
	}
	if first.BalanceAfter != 5000 {
		t.Fatalf("balance after = %d, want 5000", first.BalanceAfter)
	}

	// Same key with a different entry: the stored row comes back untouched
	// and the mutation never runs.
	e2 := &domain.PoolLedgerEntry{
		ID: uuid.New(), UserID: userID, EntryType: domain.EntryTypeDeposit,
		Amount: 5000, IdempotencyKey: "dep-1",
	}
	second, replayed, err := st.ApplyEntry(ctx, e2, func(pot *domain.LendingPot) error {
		t.Error("mutate ran on a replayed key")
		return nil
	})
	if err != nil || !replayed {
		t.Fatalf("second apply = replayed=%v err=%v, want replay", replayed, err)
	}
	if second.ID != first.ID {
		t.Errorf("replay returned entry %s, want the original %s", second.ID, first.ID)
	}
	pot, err := st.GetPot(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if pot.Available != 5000 {
		t.Errorf("pot available = %d after replay, want 5000", pot.Available)
	}

	// A mutation error aborts with no entry written and a reusable key.
	e3 := &domain.PoolLedgerEntry{
		ID: uuid.New(), UserID: userID, EntryType: domain.EntryTypeWithdraw,
		Amount: 9000, IdempotencyKey: "wd-1",
	}
	_, _, err = st.ApplyEntry(ctx, e3, func(pot *domain.LendingPot) error {
		return domain.ErrInsufficientFunds
	})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("rejected apply got %v, want the mutate error back", err)
	}
	entries, err := st.LedgerEntries(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("entry count = %d after rejection, want 1", len(entries))
	}
}

func TestPostgresApplyEntryConcurrentSameKey(t *testing.T) {
	st := setupPostgres(t)
	ctx := context.Background()
	userID := uuid.New()
	createTestPot(t, st, userID)

	// Concurrent writers with one key race through the unique index; every
	// loser must surface the winner's entry as a replay.
	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := &domain.PoolLedgerEntry{
				ID: uuid.New(), UserID: userID, EntryType: domain.EntryTypeDeposit,
				Amount: 1000, IdempotencyKey: "race-dep",
			}
			_, replayed, err := st.ApplyEntry(ctx, e, func(pot *domain.LendingPot) error {
				pot.Available += 1000
				e.BalanceAfter = pot.Available
				return nil
			})
			if err != nil {
				t.Errorf("concurrent apply: %v", err)
				return
			}
			if !replayed {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if fresh != 1 {
		t.Errorf("fresh applies = %d, want exactly 1", fresh)
	}
	pot, err := st.GetPot(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if pot.Available != 1000 {
		t.Errorf("pot available = %d, want a single 1000 deposit", pot.Available)
	}
	entries, err := st.LedgerEntries(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("entry count = %d, want 1", len(entries))
	}
}

func TestPostgresTradeStatusCAS(t *testing.T) {
	st := setupPostgres(t)
	ctx := context.Background()

	trade := testutil.NewTrade(uuid.New(), time.Now().UTC().AddDate(0, 0, 2))
	if err := st.CreateTrade(ctx, trade); err != nil {
		t.Fatalf("create trade: %v", err)
	}

	ok, err := st.CASTradeStatus(ctx, trade.ID,
		domain.TradeStatusDraft, domain.TradeStatusPendingMatch, TradePatch{})
	if err != nil || !ok {
		t.Fatalf("first cas = ok=%v err=%v, want success", ok, err)
	}

	// The expected-status guard holds: the same swap cannot land twice.
	ok, err = st.CASTradeStatus(ctx, trade.ID,
		domain.TradeStatusDraft, domain.TradeStatusPendingMatch, TradePatch{})
	if err != nil || ok {
		t.Fatalf("repeated cas = ok=%v err=%v, want lost race", ok, err)
	}

	now := time.Now().UTC()
	platformFee, lenderFee := int64(25), int64(100)
	ok, err = st.CASTradeStatus(ctx, trade.ID,
		domain.TradeStatusPendingMatch, domain.TradeStatusMatched, TradePatch{
			MatchedAt: &now, PlatformFee: &platformFee, LenderFee: &lenderFee,
		})
	if err != nil || !ok {
		t.Fatalf("match cas = ok=%v err=%v, want success", ok, err)
	}
	got, err := st.GetTrade(ctx, trade.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TradeStatusMatched || got.MatchedAt == nil {
		t.Fatalf("trade = %s matched_at=%v, want MATCHED with timestamp", got.Status, got.MatchedAt)
	}
	if got.PlatformFee != 25 || got.LenderFee != 100 {
		t.Errorf("fee split = (%d, %d), want (25, 100)", got.PlatformFee, got.LenderFee)
	}

	// Compensation path: ClearMatch reverts the promotion in one write.
	ok, err = st.CASTradeStatus(ctx, trade.ID,
		domain.TradeStatusMatched, domain.TradeStatusPendingMatch, TradePatch{ClearMatch: true})
	if err != nil || !ok {
		t.Fatalf("clear cas = ok=%v err=%v, want success", ok, err)
	}
	got, _ = st.GetTrade(ctx, trade.ID)
	if got.MatchedAt != nil || got.PlatformFee != 0 || got.LenderFee != 0 {
		t.Errorf("after clear: matched_at=%v fees=(%d, %d), want reverted",
			got.MatchedAt, got.PlatformFee, got.LenderFee)
	}

	if _, err := st.GetTrade(ctx, uuid.New()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown trade got %v, want ErrNotFound", err)
	}
}

func TestPostgresAllocationLifecycle(t *testing.T) {
	st := setupPostgres(t)
	ctx := context.Background()

	borrower := uuid.New()
	trade := testutil.NewTrade(borrower, time.Now().UTC().AddDate(0, 0, 2))
	if err := st.CreateTrade(ctx, trade); err != nil {
		t.Fatalf("create trade: %v", err)
	}
	lender := uuid.New()
	a1 := &domain.Allocation{
		ID: uuid.New(), TradeID: trade.ID, LenderID: lender,
		AmountSlice: 6000, FeeSlice: 60, Status: domain.AllocationStatusReserved,
	}
	a2 := &domain.Allocation{
		ID: uuid.New(), TradeID: trade.ID, LenderID: lender,
		AmountSlice: 4000, FeeSlice: 40, Status: domain.AllocationStatusReserved,
	}
	for _, a := range []*domain.Allocation{a1, a2} {
		if err := st.InsertAllocation(ctx, a); err != nil {
			t.Fatalf("insert allocation: %v", err)
		}
	}

	amount, fee, err := st.OpenAllocationTotals(ctx, trade.ID)
	if err != nil {
		t.Fatal(err)
	}
	if amount != 10_000 || fee != 100 {
		t.Fatalf("open totals = (%d, %d), want (10000, 100)", amount, fee)
	}

	ok, err := st.CASAllocationStatus(ctx, a1.ID,
		domain.AllocationStatusReserved, domain.AllocationStatusActive)
	if err != nil || !ok {
		t.Fatalf("allocation cas = ok=%v err=%v, want success", ok, err)
	}
	ok, err = st.CASAllocationStatus(ctx, a1.ID,
		domain.AllocationStatusReserved, domain.AllocationStatusActive)
	if err != nil || ok {
		t.Fatalf("repeated allocation cas = ok=%v err=%v, want lost race", ok, err)
	}

	exposure, err := st.LenderExposure(ctx, lender)
	if err != nil {
		t.Fatal(err)
	}
	if exposure != 10_000 {
		t.Errorf("exposure = %d, want 10000 across RESERVED and ACTIVE", exposure)
	}

	reserved, err := st.AllocationsByTrade(ctx, trade.ID, domain.AllocationStatusReserved)
	if err != nil {
		t.Fatal(err)
	}
	if len(reserved) != 1 || reserved[0].ID != a2.ID {
		t.Fatalf("reserved allocations = %d, want only the second slice", len(reserved))
	}

	if err := st.DeleteAllocation(ctx, a2.ID); err != nil {
		t.Fatalf("delete allocation: %v", err)
	}
	amount, fee, _ = st.OpenAllocationTotals(ctx, trade.ID)
	if amount != 6000 || fee != 60 {
		t.Errorf("open totals after delete = (%d, %d), want (6000, 60)", amount, fee)
	}
	if err := st.DeleteAllocation(ctx, a2.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("double delete got %v, want ErrNotFound", err)
	}

	n, err := st.CountOpenTradesByBorrower(ctx, borrower)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("open trades = %d, want 1", n)
	}
}
