package store

import (
	"ShiftLedger/internal/domain"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used by unit tests and local runs. A single
// mutex serializes every operation, which trivially satisfies the CAS and
// per-pot atomicity contracts.
type Memory struct {
	mu       sync.Mutex
	trades   map[uuid.UUID]*domain.Trade
	allocs   map[uuid.UUID]*domain.Allocation
	pots     map[uuid.UUID]*domain.LendingPot
	prefs    map[uuid.UUID]*domain.LenderPreferences
	entries  []*domain.PoolLedgerEntry
	entryIdx map[string]*domain.PoolLedgerEntry
	revenue  []*domain.PlatformRevenueEntry
	now      func() time.Time
}

// SetClock overrides the store's time source. Tests use it to backdate rows.
func (s *Memory) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		trades:   make(map[uuid.UUID]*domain.Trade),
		allocs:   make(map[uuid.UUID]*domain.Allocation),
		pots:     make(map[uuid.UUID]*domain.LendingPot),
		prefs:    make(map[uuid.UUID]*domain.LenderPreferences),
		entryIdx: make(map[string]*domain.PoolLedgerEntry),
		now:      time.Now,
	}
}

// dayOf truncates a timestamp to its UTC calendar date. Settlement filters
// compare dates, not instants.
func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// --- Trades ---

func (s *Memory) CreateTrade(_ context.Context, t *domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.trades[t.ID]; exists {
		return fmt.Errorf("trade %s already exists", t.ID)
	}
	now := s.now()
	cp := *t
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.trades[t.ID] = &cp
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

func (s *Memory) GetTrade(_ context.Context, id uuid.UUID) (*domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, domain.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *Memory) CASTradeStatus(_ context.Context, id uuid.UUID, from, to domain.TradeStatus, patch TradePatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return false, fmt.Errorf("trade %s: %w", id, domain.ErrNotFound)
	}
	if t.Status != from {
		return false, nil
	}

	t.Status = to
	applyPatch(t, patch)
	t.UpdatedAt = s.now()
	return true, nil
}

func applyPatch(t *domain.Trade, patch TradePatch) {
	if patch.MatchedAt != nil {
		t.MatchedAt = patch.MatchedAt
	}
	if patch.LiveAt != nil {
		t.LiveAt = patch.LiveAt
	}
	if patch.RepaidAt != nil {
		t.RepaidAt = patch.RepaidAt
	}
	if patch.DefaultedAt != nil {
		t.DefaultedAt = patch.DefaultedAt
	}
	if patch.PlatformFee != nil {
		t.PlatformFee = *patch.PlatformFee
	}
	if patch.LenderFee != nil {
		t.LenderFee = *patch.LenderFee
	}
	if patch.ClearMatch {
		t.MatchedAt = nil
		t.PlatformFee = 0
		t.LenderFee = 0
	}
}

func (s *Memory) ListMatchedDue(_ context.Context, asOf time.Time, tradeID *uuid.UUID) ([]*domain.Trade, error) {
	return s.listTrades(func(t *domain.Trade) bool {
		return t.Status == domain.TradeStatusMatched && !dayOf(t.OriginalDueDate).After(dayOf(asOf))
	}, tradeID), nil
}

func (s *Memory) ListLiveDue(_ context.Context, asOf time.Time, tradeID *uuid.UUID) ([]*domain.Trade, error) {
	return s.listTrades(func(t *domain.Trade) bool {
		return t.Status == domain.TradeStatusLive && !dayOf(t.NewDueDate).After(dayOf(asOf))
	}, tradeID), nil
}

func (s *Memory) ListLiveOverdue(_ context.Context, cutoff time.Time, tradeID *uuid.UUID) ([]*domain.Trade, error) {
	return s.listTrades(func(t *domain.Trade) bool {
		return t.Status == domain.TradeStatusLive && dayOf(t.NewDueDate).Before(dayOf(cutoff))
	}, tradeID), nil
}

func (s *Memory) ListPendingOlderThan(_ context.Context, cutoff time.Time) ([]*domain.Trade, error) {
	return s.listTrades(func(t *domain.Trade) bool {
		return t.Status == domain.TradeStatusPendingMatch && t.CreatedAt.Before(cutoff)
	}, nil), nil
}

func (s *Memory) listTrades(match func(*domain.Trade) bool, tradeID *uuid.UUID) []*domain.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Trade
	for _, t := range s.trades {
		if tradeID != nil && t.ID != *tradeID {
			continue
		}
		if match(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Memory) CountOpenTradesByBorrower(_ context.Context, borrowerID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.trades {
		if t.BorrowerID == borrowerID && !t.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

// --- Allocations ---

func (s *Memory) InsertAllocation(_ context.Context, a *domain.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.allocs[a.ID]; exists {
		return fmt.Errorf("allocation %s already exists", a.ID)
	}
	now := s.now()
	cp := *a
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.allocs[a.ID] = &cp
	a.CreatedAt = now
	a.UpdatedAt = now
	return nil
}

func (s *Memory) DeleteAllocation(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.allocs[id]; !ok {
		return fmt.Errorf("allocation %s: %w", id, domain.ErrNotFound)
	}
	delete(s.allocs, id)
	return nil
}

func (s *Memory) CASAllocationStatus(_ context.Context, id uuid.UUID, from, to domain.AllocationStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.allocs[id]
	if !ok {
		return false, fmt.Errorf("allocation %s: %w", id, domain.ErrNotFound)
	}
	if a.Status != from {
		return false, nil
	}
	a.Status = to
	a.UpdatedAt = s.now()
	return true, nil
}

func (s *Memory) AllocationsByTrade(_ context.Context, tradeID uuid.UUID, statuses ...domain.AllocationStatus) ([]*domain.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Allocation
	for _, a := range s.allocs {
		if a.TradeID != tradeID {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, a.Status) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func containsStatus(statuses []domain.AllocationStatus, s domain.AllocationStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func (s *Memory) OpenAllocationTotals(_ context.Context, tradeID uuid.UUID) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var amount, fee int64
	for _, a := range s.allocs {
		if a.TradeID == tradeID && !a.Status.Terminal() {
			amount += a.AmountSlice
			fee += a.FeeSlice
		}
	}
	return amount, fee, nil
}

func (s *Memory) LenderExposure(_ context.Context, lenderID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, a := range s.allocs {
		if a.LenderID != lenderID {
			continue
		}
		if a.Status == domain.AllocationStatusReserved || a.Status == domain.AllocationStatusActive {
			total += a.AmountSlice
		}
	}
	return total, nil
}

// --- Lending pots ---

func (s *Memory) CreatePot(_ context.Context, p *domain.LendingPot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pots[p.UserID]; exists {
		return fmt.Errorf("pot for user %s already exists", p.UserID)
	}
	now := s.now()
	cp := *p
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.pots[p.UserID] = &cp
	return nil
}

func (s *Memory) GetPot(_ context.Context, userID uuid.UUID) (*domain.LendingPot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pots[userID]
	if !ok {
		return nil, fmt.Errorf("pot for user %s: %w", userID, domain.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *Memory) SetWithdrawalQueued(_ context.Context, userID uuid.UUID, queued bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pots[userID]
	if !ok {
		return fmt.Errorf("pot for user %s: %w", userID, domain.ErrNotFound)
	}
	p.WithdrawalQueued = queued
	p.UpdatedAt = s.now()
	return nil
}

// --- Lender preferences ---

func (s *Memory) UpsertLenderPreferences(_ context.Context, p *domain.LenderPreferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	cp.RiskBands = append([]domain.RiskGrade(nil), p.RiskBands...)
	s.prefs[p.UserID] = &cp
	return nil
}

func (s *Memory) GetLenderPreferences(_ context.Context, userID uuid.UUID) (*domain.LenderPreferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prefs[userID]
	if !ok {
		return nil, fmt.Errorf("preferences for user %s: %w", userID, domain.ErrNotFound)
	}
	cp := *p
	cp.RiskBands = append([]domain.RiskGrade(nil), p.RiskBands...)
	return &cp, nil
}

func (s *Memory) ListAutoMatchLenders(_ context.Context) ([]*domain.LenderPreferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.LenderPreferences
	for _, p := range s.prefs {
		if !p.AutoMatchEnabled {
			continue
		}
		cp := *p
		cp.RiskBands = append([]domain.RiskGrade(nil), p.RiskBands...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID.String() < out[j].UserID.String() })
	return out, nil
}

// --- Pool ledger ---

func (s *Memory) ApplyEntry(_ context.Context, e *domain.PoolLedgerEntry, mutate func(pot *domain.LendingPot) error) (*domain.PoolLedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, seen := s.entryIdx[e.IdempotencyKey]; seen {
		cp := *existing
		return &cp, true, nil
	}

	pot, ok := s.pots[e.UserID]
	if !ok {
		return nil, false, fmt.Errorf("pot for user %s: %w", e.UserID, domain.ErrNotFound)
	}

	// Mutate a copy so a failed mutation leaves the pot untouched.
	work := *pot
	if err := mutate(&work); err != nil {
		return nil, false, err
	}
	work.UpdatedAt = s.now()
	*pot = work

	cp := *e
	cp.CreatedAt = s.now()
	s.entries = append(s.entries, &cp)
	s.entryIdx[cp.IdempotencyKey] = &cp

	out := cp
	return &out, false, nil
}

func (s *Memory) LedgerEntries(_ context.Context, userID uuid.UUID) ([]*domain.PoolLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.PoolLedgerEntry
	for _, e := range s.entries {
		if e.UserID == userID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Platform revenue ---

func (s *Memory) InsertRevenue(_ context.Context, r *domain.PlatformRevenueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	cp.CreatedAt = s.now()
	s.revenue = append(s.revenue, &cp)
	return nil
}

func (s *Memory) RevenueByTrade(_ context.Context, tradeID uuid.UUID) ([]*domain.PlatformRevenueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.PlatformRevenueEntry
	for _, r := range s.revenue {
		if r.TradeID == tradeID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Memory) RevenueTotal(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, r := range s.revenue {
		total += r.Amount
	}
	return total, nil
}

var _ Store = (*Memory)(nil)
