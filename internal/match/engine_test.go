package match

import (
	"ShiftLedger/internal/domain"
	"ShiftLedger/internal/fees"
	"ShiftLedger/internal/ledger"
	"ShiftLedger/internal/observability"
	"ShiftLedger/internal/store"
	"ShiftLedger/internal/testutil"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

var testMetrics = observability.NewMetrics()

type fixture struct {
	store  *store.Memory
	ledger *ledger.Ledger
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	lg := ledger.New(st, testMetrics)
	return &fixture{
		store:  st,
		ledger: lg,
		engine: NewEngine(st, lg, fees.DefaultConfig(), DefaultConfig(), testMetrics),
	}
}

func (f *fixture) addLender(t *testing.T, available int64, prefs *domain.LenderPreferences) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	if err := f.store.CreatePot(ctx, &domain.LendingPot{UserID: prefs.UserID}); err != nil {
		t.Fatal(err)
	}
	if available > 0 {
		if _, err := f.ledger.Apply(ctx, ledger.Input{
			UserID: prefs.UserID, Type: domain.EntryTypeDeposit, Amount: available,
			IdempotencyKey: "seed-" + prefs.UserID.String(),
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.store.UpsertLenderPreferences(ctx, prefs); err != nil {
		t.Fatal(err)
	}
	return prefs.UserID
}

func (f *fixture) addPendingTrade(t *testing.T) *domain.Trade {
	t.Helper()
	due := time.Now().UTC().AddDate(0, 0, 2)
	trade := testutil.NewTrade(uuid.New(), due)
	trade.Status = domain.TradeStatusPendingMatch
	if err := f.store.CreateTrade(context.Background(), trade); err != nil {
		t.Fatal(err)
	}
	return trade
}

func TestMatchFullCoverageTwoLenders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addLender(t, 100_000, testutil.NewPreferences(uuid.New()))
	f.addLender(t, 100_000, testutil.NewPreferences(uuid.New()))
	trade := f.addPendingTrade(t)

	res, err := f.engine.Match(ctx, trade.ID)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !res.Matched || res.Remaining != 0 {
		t.Fatalf("res = matched=%v remaining=%d, want full match", res.Matched, res.Remaining)
	}
	// The single-lender cap splits a 10000 trade across both lenders.
	if len(res.Allocations) != 2 {
		t.Fatalf("allocation count = %d, want 2", len(res.Allocations))
	}
	for _, a := range res.Allocations {
		if a.AmountSlice != 5000 {
			t.Errorf("slice = %d, want 5000", a.AmountSlice)
		}
	}

	got, _ := f.store.GetTrade(ctx, trade.ID)
	if got.Status != domain.TradeStatusMatched {
		t.Fatalf("trade status = %s, want MATCHED", got.Status)
	}
	if got.PlatformFee != 25 || got.LenderFee != 100 {
		t.Errorf("fee split = (%d, %d), want (25, 100)", got.PlatformFee, got.LenderFee)
	}

	// Fee slices sum to the lender fee exactly.
	var feeSum int64
	for _, a := range res.Allocations {
		feeSum += a.FeeSlice
	}
	if feeSum != 100 {
		t.Errorf("fee slice sum = %d, want 100", feeSum)
	}

	// Capital moved from available to locked on both pots.
	for _, a := range res.Allocations {
		pot, _ := f.store.GetPot(ctx, a.LenderID)
		if pot.Locked != 5000 || pot.Available != 95_000 {
			t.Errorf("lender %s pot = available=%d locked=%d, want 95000/5000",
				a.LenderID, pot.Available, pot.Locked)
		}
	}
}

func TestMatchEligibilityFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.addPendingTrade(t)

	// Borrower's own pot never matches.
	self := testutil.NewPreferences(trade.BorrowerID)
	f.addLender(t, 100_000, self)

	// Wrong risk band.
	wrongBand := testutil.NewPreferences(uuid.New())
	wrongBand.RiskBands = []domain.RiskGrade{domain.RiskGradeA}
	f.addLender(t, 100_000, wrongBand)

	// Shift longer than the lender tolerates.
	tooLong := testutil.NewPreferences(uuid.New())
	tooLong.MaxShiftDays = 3
	f.addLender(t, 100_000, tooLong)

	// APR floor above the trade's implied APR (~65%).
	picky := testutil.NewPreferences(uuid.New())
	picky.MinAPR = 70
	f.addLender(t, 100_000, picky)

	// Auto-match off.
	manual := testutil.NewPreferences(uuid.New())
	manual.AutoMatchEnabled = false
	f.addLender(t, 100_000, manual)

	// Withdrawal queued.
	leaving := testutil.NewPreferences(uuid.New())
	leavingID := f.addLender(t, 100_000, leaving)
	if err := f.store.SetWithdrawalQueued(ctx, leavingID, true); err != nil {
		t.Fatal(err)
	}

	// Empty pot.
	broke := testutil.NewPreferences(uuid.New())
	f.addLender(t, 0, broke)

	res, err := f.engine.Match(ctx, trade.ID)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(res.Allocations) != 0 || res.Covered != 0 {
		t.Fatalf("ineligible lenders got allocated: %+v", res.Allocations)
	}
	got, _ := f.store.GetTrade(ctx, trade.ID)
	if got.Status != domain.TradeStatusPendingMatch {
		t.Errorf("trade status = %s, want PENDING_MATCH", got.Status)
	}
}

func TestMatchPrefersDeeperPots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	shallow := f.addLender(t, 50_000, testutil.NewPreferences(uuid.New()))
	deep := f.addLender(t, 200_000, testutil.NewPreferences(uuid.New()))
	_ = shallow
	trade := f.addPendingTrade(t)

	res, err := f.engine.Match(ctx, trade.ID)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(res.Allocations) != 2 {
		t.Fatalf("allocation count = %d, want 2", len(res.Allocations))
	}
	if res.Allocations[0].LenderID != deep {
		t.Errorf("first allocation went to %s, want the deeper pot %s",
			res.Allocations[0].LenderID, deep)
	}
}

func TestMatchPartialThenRemainder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// One lender capped at 5000 by the single-lender rule: partial only.
	f.addLender(t, 100_000, testutil.NewPreferences(uuid.New()))
	trade := f.addPendingTrade(t)

	res, err := f.engine.Match(ctx, trade.ID)
	if err != nil {
		t.Fatalf("first match: %v", err)
	}
	if res.Matched || res.Covered != 5000 || res.Remaining != 5000 {
		t.Fatalf("first attempt = matched=%v covered=%d remaining=%d, want partial 5000",
			res.Matched, res.Covered, res.Remaining)
	}

	got, _ := f.store.GetTrade(ctx, trade.ID)
	if got.Status != domain.TradeStatusPendingMatch {
		t.Fatalf("trade status = %s after partial, want PENDING_MATCH", got.Status)
	}

	// A second lender arrives; only the remainder is allocated.
	f.addLender(t, 100_000, testutil.NewPreferences(uuid.New()))
	res, err = f.engine.Match(ctx, trade.ID)
	if err != nil {
		t.Fatalf("second match: %v", err)
	}
	if !res.Matched || res.Covered != 5000 {
		t.Fatalf("second attempt = matched=%v covered=%d, want matched with 5000", res.Matched, res.Covered)
	}

	amount, fee, _ := f.store.OpenAllocationTotals(ctx, trade.ID)
	if amount != trade.Amount {
		t.Errorf("total reserved = %d, want %d", amount, trade.Amount)
	}
	if fee != 100 {
		t.Errorf("total fee slices = %d, want 100", fee)
	}
}

func TestMatchFeeResidueOnClosingSlice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Per-lender caps force uneven thirds: 3333 + 3333 + 3334 in some order.
	for _, limit := range []int64{3333, 3333, 3334} {
		p := testutil.NewPreferences(uuid.New())
		p.MaxExposure = limit
		f.addLender(t, 100_000, p)
	}
	trade := f.addPendingTrade(t)

	res, err := f.engine.Match(ctx, trade.ID)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !res.Matched || len(res.Allocations) != 3 {
		t.Fatalf("res = matched=%v n=%d, want 3 allocations", res.Matched, len(res.Allocations))
	}

	var feeSum int64
	for _, a := range res.Allocations {
		feeSum += a.FeeSlice
	}
	if feeSum != 100 {
		t.Errorf("fee slices sum to %d, want exactly the lender fee 100", feeSum)
	}
	closing := res.Allocations[len(res.Allocations)-1]
	if closing.FeeSlice != 100-res.Allocations[0].FeeSlice-res.Allocations[1].FeeSlice {
		t.Errorf("closing slice fee = %d, residue not absorbed", closing.FeeSlice)
	}
}

func TestMatchRespectsTotalExposureCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := testutil.NewPreferences(uuid.New())
	p.MaxTotalExposure = 3000
	lender := f.addLender(t, 100_000, p)
	trade := f.addPendingTrade(t)

	res, err := f.engine.Match(ctx, trade.ID)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Covered != 3000 {
		t.Fatalf("covered = %d, want 3000 (total exposure cap)", res.Covered)
	}

	// The lender is now at its cap; a second attempt allocates nothing new.
	res, err = f.engine.Match(ctx, trade.ID)
	if err != nil {
		t.Fatalf("second match: %v", err)
	}
	if res.Covered != 0 {
		t.Errorf("second attempt covered = %d, want 0", res.Covered)
	}
	exposure, _ := f.store.LenderExposure(ctx, lender)
	if exposure != 3000 {
		t.Errorf("exposure = %d, want 3000", exposure)
	}
}

// claimingStore hands the first PENDING_MATCH to MATCHED promotion to a rival
// funder before delegating, so the caller always loses that race.
type claimingStore struct {
	*store.Memory
	claimed bool
}

func (s *claimingStore) CASTradeStatus(ctx context.Context, id uuid.UUID, from, to domain.TradeStatus, patch store.TradePatch) (bool, error) {
	if !s.claimed && from == domain.TradeStatusPendingMatch && to == domain.TradeStatusMatched {
		s.claimed = true
		if _, err := s.Memory.CASTradeStatus(ctx, id, from, to, patch); err != nil {
			return false, err
		}
	}
	return s.Memory.CASTradeStatus(ctx, id, from, to, patch)
}

func TestMatchLostPromotionRaceReleasesRound(t *testing.T) {
	st := &claimingStore{Memory: store.NewMemory()}
	lg := ledger.New(st, testMetrics)
	engine := NewEngine(st, lg, fees.DefaultConfig(), DefaultConfig(), testMetrics)
	f := &fixture{store: st.Memory, ledger: lg, engine: engine}
	ctx := context.Background()

	lenderA := f.addLender(t, 100_000, testutil.NewPreferences(uuid.New()))
	lenderB := f.addLender(t, 100_000, testutil.NewPreferences(uuid.New()))
	trade := f.addPendingTrade(t)

	_, err := engine.Match(ctx, trade.ID)
	if !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("match after losing the race got %v, want ErrStateConflict", err)
	}

	// The rival holds the trade; this round's reservations must be gone so
	// reserved slices never exceed the trade amount.
	got, _ := f.store.GetTrade(ctx, trade.ID)
	if got.Status != domain.TradeStatusMatched {
		t.Fatalf("trade = %s, want MATCHED", got.Status)
	}
	allocs, _ := f.store.AllocationsByTrade(ctx, trade.ID)
	if len(allocs) != 0 {
		t.Fatalf("allocations left behind = %d, want 0", len(allocs))
	}
	for _, lender := range []uuid.UUID{lenderA, lenderB} {
		pot, _ := f.store.GetPot(ctx, lender)
		if pot.Available != 100_000 || pot.Locked != 0 {
			t.Errorf("lender %s pot = available=%d locked=%d, want fully released",
				lender, pot.Available, pot.Locked)
		}
	}
}

func TestSingleLenderCapConfigurable(t *testing.T) {
	st := store.NewMemory()
	lg := ledger.New(st, testMetrics)
	engine := NewEngine(st, lg, fees.DefaultConfig(), Config{SingleLenderCap: 0.25}, testMetrics)
	f := &fixture{store: st, ledger: lg, engine: engine}
	ctx := context.Background()

	lender := f.addLender(t, 100_000, testutil.NewPreferences(uuid.New()))
	trade := f.addPendingTrade(t)

	res, err := engine.Match(ctx, trade.ID)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Covered != 2500 || res.Remaining != 7500 {
		t.Fatalf("covered=%d remaining=%d, want a quarter of the trade", res.Covered, res.Remaining)
	}
	pot, _ := f.store.GetPot(ctx, lender)
	if pot.Locked != 2500 {
		t.Errorf("locked = %d, want 2500", pot.Locked)
	}
}

func TestMatchRejectsWrongStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	due := time.Now().UTC().AddDate(0, 0, 2)
	trade := testutil.NewTrade(uuid.New(), due)
	if err := f.store.CreateTrade(ctx, trade); err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.Match(ctx, trade.ID); err == nil {
		t.Fatal("matching a DRAFT trade should fail")
	}
}
