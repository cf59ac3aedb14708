// Package settlement drives matched trades through disbursement, repayment,
// default, and expiry. Every run is idempotent: ledger entries carry
// deterministic keys and status moves are conditional, so a crashed or
// repeated run converges on the same state.
package settlement

import (
	"ShiftLedger/internal/domain"
	"ShiftLedger/internal/events"
	"ShiftLedger/internal/ledger"
	"ShiftLedger/internal/observability"
	"ShiftLedger/internal/store"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config carries the scheduler's timing policy.
type Config struct {
	// GracePeriodDays is how long past the new due date a live trade may
	// run before it is declared defaulted.
	GracePeriodDays int

	// ExpiryHours is how long a trade may sit unmatched before its
	// reservations are released and the trade is cancelled.
	ExpiryHours int
}

func DefaultConfig() Config {
	return Config{GracePeriodDays: 3, ExpiryHours: 48}
}

// Result summarizes one scheduler run.
type Result struct {
	Disbursed int      `json:"disbursed"`
	Repaid    int      `json:"repaid"`
	Defaulted int      `json:"defaulted"`
	Expired   int      `json:"expired"`
	Errors    []string `json:"errors,omitempty"`
}

// Scheduler runs the four settlement phases in order.
type Scheduler struct {
	store     store.Store
	ledger    *ledger.Ledger
	publisher events.Publisher
	cfg       Config
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func NewScheduler(st store.Store, lg *ledger.Ledger, pub events.Publisher, cfg Config, metrics *observability.Metrics) *Scheduler {
	return &Scheduler{
		store:     st,
		ledger:    lg,
		publisher: pub,
		cfg:       cfg,
		logger:    observability.NewLogger("settlement"),
		metrics:   metrics,
	}
}

// Run executes all phases as of the given time. A non-nil tradeID narrows the
// dated phases to that trade. Per-trade failures are isolated: they land in
// Result.Errors and the run continues.
func (s *Scheduler) Run(ctx context.Context, asOf time.Time, tradeID *uuid.UUID) (*Result, error) {
	s.metrics.SettlementRuns.Inc()
	res := &Result{}

	// Default runs before repay: a trade still live past the grace period
	// missed its repayment and must not be swept up by the due-date filter.
	s.phase(ctx, res, "disburse", func() error { return s.disburse(ctx, asOf, tradeID, res) })
	s.phase(ctx, res, "default", func() error { return s.defaultOverdue(ctx, asOf, tradeID, res) })
	s.phase(ctx, res, "repay", func() error { return s.repay(ctx, asOf, tradeID, res) })
	if tradeID == nil {
		s.phase(ctx, res, "expire", func() error { return s.expire(ctx, asOf, res) })
	}

	s.logger.Info().
		Int("disbursed", res.Disbursed).
		Int("repaid", res.Repaid).
		Int("defaulted", res.Defaulted).
		Int("expired", res.Expired).
		Int("errors", len(res.Errors)).
		Msg("settlement run complete")
	return res, nil
}

func (s *Scheduler) phase(ctx context.Context, res *Result, name string, fn func() error) {
	start := time.Now()
	if err := fn(); err != nil {
		s.metrics.SettlementErrors.WithLabelValues(name).Inc()
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", name, err))
		s.logger.Error().Err(err).Str("phase", name).Msg("settlement phase failed")
	}
	s.metrics.SettlementDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

// disburse activates matched trades whose original due date has arrived. The
// borrower's bill is paid from the reserved slices; capital stays locked
// until repayment.
func (s *Scheduler) disburse(ctx context.Context, asOf time.Time, tradeID *uuid.UUID, res *Result) error {
	trades, err := s.store.ListMatchedDue(ctx, asOf, tradeID)
	if err != nil {
		return err
	}
	for _, t := range trades {
		if err := s.disburseTrade(ctx, t); err != nil {
			s.tradeError(res, "disburse", t.ID, err)
			continue
		}
		res.Disbursed++
		s.metrics.SettlementTrades.WithLabelValues("disburse").Inc()
	}
	return nil
}

func (s *Scheduler) disburseTrade(ctx context.Context, t *domain.Trade) error {
	allocs, err := s.store.AllocationsByTrade(ctx, t.ID,
		domain.AllocationStatusReserved, domain.AllocationStatusActive)
	if err != nil {
		return err
	}
	tradeID := t.ID
	for _, a := range allocs {
		allocID := a.ID
		if _, err := s.ledger.Apply(ctx, ledger.Input{
			UserID:         a.LenderID,
			Type:           domain.EntryTypeDisburse,
			Amount:         a.AmountSlice,
			TradeID:        &tradeID,
			AllocationID:   &allocID,
			Description:    fmt.Sprintf("Disbursed for trade %s", t.ID),
			IdempotencyKey: fmt.Sprintf("disburse-%s-%s", t.ID, a.ID),
		}); err != nil {
			return err
		}
		// False means a previous run already activated it.
		if _, err := s.store.CASAllocationStatus(ctx, a.ID,
			domain.AllocationStatusReserved, domain.AllocationStatusActive); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	ok, err := s.store.CASTradeStatus(ctx, t.ID,
		domain.TradeStatusMatched, domain.TradeStatusLive, store.TradePatch{LiveAt: &now})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: trade %s left %s during disbursement",
			domain.ErrStateConflict, t.ID, domain.TradeStatusMatched)
	}

	s.publish(ctx, events.Event{EventType: events.TypeTradeLive, TradeID: &tradeID})
	s.logger.Info().Str("trade_id", t.ID.String()).Int64("amount", t.Amount).Msg("trade disbursed")
	return nil
}

// repay settles live trades at their new due date: principal returns to each
// lender, fee slices land as realized yield, and the platform books its cut.
func (s *Scheduler) repay(ctx context.Context, asOf time.Time, tradeID *uuid.UUID, res *Result) error {
	trades, err := s.store.ListLiveDue(ctx, asOf, tradeID)
	if err != nil {
		return err
	}
	for _, t := range trades {
		if err := s.repayTrade(ctx, t); err != nil {
			s.tradeError(res, "repay", t.ID, err)
			continue
		}
		res.Repaid++
		s.metrics.SettlementTrades.WithLabelValues("repay").Inc()
	}
	return nil
}

func (s *Scheduler) repayTrade(ctx context.Context, t *domain.Trade) error {
	allocs, err := s.store.AllocationsByTrade(ctx, t.ID, domain.AllocationStatusActive)
	if err != nil {
		return err
	}
	tradeID := t.ID
	for _, a := range allocs {
		allocID := a.ID
		if _, err := s.ledger.Apply(ctx, ledger.Input{
			UserID:         a.LenderID,
			Type:           domain.EntryTypeRepay,
			Amount:         a.AmountSlice,
			TradeID:        &tradeID,
			AllocationID:   &allocID,
			Description:    fmt.Sprintf("Principal repaid on trade %s", t.ID),
			IdempotencyKey: fmt.Sprintf("repay-principal-%s-%s", t.ID, a.ID),
		}); err != nil {
			return err
		}
		if a.FeeSlice > 0 {
			if _, err := s.ledger.Apply(ctx, ledger.Input{
				UserID:         a.LenderID,
				Type:           domain.EntryTypeFeeCredit,
				Amount:         a.FeeSlice,
				TradeID:        &tradeID,
				AllocationID:   &allocID,
				Description:    fmt.Sprintf("Yield on trade %s", t.ID),
				IdempotencyKey: fmt.Sprintf("fee-credit-%s-%s", t.ID, a.ID),
			}); err != nil {
				return err
			}
		}
		if _, err := s.store.CASAllocationStatus(ctx, a.ID,
			domain.AllocationStatusActive, domain.AllocationStatusRepaid); err != nil {
			return err
		}
		if err := s.autoWithdraw(ctx, t.ID, a); err != nil {
			return err
		}
	}

	if t.PlatformFee > 0 {
		if err := s.bookRevenue(ctx, t.ID, domain.RevenueTypeFeeIncome, t.PlatformFee,
			fmt.Sprintf("Platform fee on trade %s", t.ID)); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	ok, err := s.store.CASTradeStatus(ctx, t.ID,
		domain.TradeStatusLive, domain.TradeStatusRepaid, store.TradePatch{RepaidAt: &now})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: trade %s left %s during repayment",
			domain.ErrStateConflict, t.ID, domain.TradeStatusLive)
	}

	s.publish(ctx, events.Event{EventType: events.TypeTradeRepaid, TradeID: &tradeID})
	s.logger.Info().
		Str("trade_id", t.ID.String()).
		Int64("amount", t.Amount).
		Int64("lender_fee", t.LenderFee).
		Int64("platform_fee", t.PlatformFee).
		Msg("trade repaid")
	return nil
}

// autoWithdraw honors a queued full withdrawal as capital returns to the pot.
func (s *Scheduler) autoWithdraw(ctx context.Context, tradeID uuid.UUID, a *domain.Allocation) error {
	pot, err := s.store.GetPot(ctx, a.LenderID)
	if err != nil {
		return err
	}
	if !pot.WithdrawalQueued || pot.Available <= 0 {
		return nil
	}

	allocID := a.ID
	if _, err := s.ledger.Apply(ctx, ledger.Input{
		UserID:         a.LenderID,
		Type:           domain.EntryTypeWithdraw,
		Amount:         pot.Available,
		TradeID:        &tradeID,
		AllocationID:   &allocID,
		Description:    "Queued withdrawal on settlement",
		IdempotencyKey: fmt.Sprintf("auto-withdraw-%s-%s", tradeID, a.ID),
	}); err != nil {
		return err
	}

	pot, err = s.store.GetPot(ctx, a.LenderID)
	if err != nil {
		return err
	}
	if !pot.WithdrawalQueued {
		userID := a.LenderID
		s.publish(ctx, events.Event{EventType: events.TypeWithdrawalReady, UserID: &userID})
	}
	return nil
}

// defaultOverdue handles live trades past the grace period. Lenders are
// principal-protected: their locked slices release in full with no yield, and
// the platform books the entire principal as a loss.
func (s *Scheduler) defaultOverdue(ctx context.Context, asOf time.Time, tradeID *uuid.UUID, res *Result) error {
	cutoff := asOf.AddDate(0, 0, -s.cfg.GracePeriodDays)
	trades, err := s.store.ListLiveOverdue(ctx, cutoff, tradeID)
	if err != nil {
		return err
	}
	for _, t := range trades {
		if err := s.defaultTrade(ctx, t); err != nil {
			s.tradeError(res, "default", t.ID, err)
			continue
		}
		res.Defaulted++
		s.metrics.SettlementTrades.WithLabelValues("default").Inc()
	}
	return nil
}

func (s *Scheduler) defaultTrade(ctx context.Context, t *domain.Trade) error {
	allocs, err := s.store.AllocationsByTrade(ctx, t.ID, domain.AllocationStatusActive)
	if err != nil {
		return err
	}
	tradeID := t.ID
	for _, a := range allocs {
		allocID := a.ID
		if _, err := s.ledger.Apply(ctx, ledger.Input{
			UserID:         a.LenderID,
			Type:           domain.EntryTypeRelease,
			Amount:         a.AmountSlice,
			TradeID:        &tradeID,
			AllocationID:   &allocID,
			Description:    fmt.Sprintf("Principal protected on defaulted trade %s", t.ID),
			IdempotencyKey: fmt.Sprintf("default-release-%s-%s", t.ID, a.ID),
		}); err != nil {
			return err
		}
		if _, err := s.store.CASAllocationStatus(ctx, a.ID,
			domain.AllocationStatusActive, domain.AllocationStatusDefaulted); err != nil {
			return err
		}
		if err := s.autoWithdraw(ctx, t.ID, a); err != nil {
			return err
		}
	}

	if err := s.bookRevenue(ctx, t.ID, domain.RevenueTypeDefaultLoss, -t.Amount,
		fmt.Sprintf("Absorbed principal on defaulted trade %s", t.ID)); err != nil {
		return err
	}

	now := time.Now().UTC()
	ok, err := s.store.CASTradeStatus(ctx, t.ID,
		domain.TradeStatusLive, domain.TradeStatusDefaulted, store.TradePatch{DefaultedAt: &now})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: trade %s left %s during default handling",
			domain.ErrStateConflict, t.ID, domain.TradeStatusLive)
	}

	s.publish(ctx, events.Event{EventType: events.TypeTradeDefaulted, TradeID: &tradeID})
	s.logger.Warn().
		Str("trade_id", t.ID.String()).
		Int64("absorbed", t.Amount).
		Msg("trade defaulted, platform absorbed principal")
	return nil
}

// expire cancels trades that sat unmatched past the expiry window, releasing
// any partial reservations.
func (s *Scheduler) expire(ctx context.Context, asOf time.Time, res *Result) error {
	cutoff := asOf.Add(-time.Duration(s.cfg.ExpiryHours) * time.Hour)
	trades, err := s.store.ListPendingOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, t := range trades {
		if err := s.expireTrade(ctx, t); err != nil {
			s.tradeError(res, "expire", t.ID, err)
			continue
		}
		res.Expired++
		s.metrics.SettlementTrades.WithLabelValues("expire").Inc()
	}
	return nil
}

func (s *Scheduler) expireTrade(ctx context.Context, t *domain.Trade) error {
	// Flip first so a concurrent funding attempt cannot slip in behind the
	// releases.
	ok, err := s.store.CASTradeStatus(ctx, t.ID,
		domain.TradeStatusPendingMatch, domain.TradeStatusCancelled, store.TradePatch{})
	if err != nil {
		return err
	}
	if !ok {
		return nil // matched or cancelled since listing
	}

	tradeID := t.ID
	allocs, err := s.store.AllocationsByTrade(ctx, t.ID, domain.AllocationStatusReserved)
	if err != nil {
		return err
	}
	for _, a := range allocs {
		allocID := a.ID
		if _, err := s.ledger.Apply(ctx, ledger.Input{
			UserID:         a.LenderID,
			Type:           domain.EntryTypeRelease,
			Amount:         a.AmountSlice,
			TradeID:        &tradeID,
			AllocationID:   &allocID,
			Description:    fmt.Sprintf("Released on expiry of trade %s", t.ID),
			IdempotencyKey: fmt.Sprintf("expire-release-%s-%s", t.ID, a.ID),
		}); err != nil {
			return err
		}
		if _, err := s.store.CASAllocationStatus(ctx, a.ID,
			domain.AllocationStatusReserved, domain.AllocationStatusReleased); err != nil {
			return err
		}
		s.metrics.AllocationsReleased.Inc()
	}

	s.publish(ctx, events.Event{EventType: events.TypeTradeExpired, TradeID: &tradeID})
	s.logger.Info().Str("trade_id", t.ID.String()).Msg("unmatched trade expired")
	return nil
}

// bookRevenue records a platform revenue entry and warns when cumulative
// revenue goes negative. Liability for absorbed defaults is unbounded;
// the warning is the operational tripwire.
func (s *Scheduler) bookRevenue(ctx context.Context, tradeID uuid.UUID, entryType domain.RevenueType, amount int64, desc string) error {
	existing, err := s.store.RevenueByTrade(ctx, tradeID)
	if err != nil {
		return err
	}
	for _, r := range existing {
		if r.EntryType == entryType {
			return nil // already booked by a previous run
		}
	}

	if err := s.store.InsertRevenue(ctx, &domain.PlatformRevenueEntry{
		ID:          uuid.New(),
		EntryType:   entryType,
		Amount:      amount,
		TradeID:     tradeID,
		Description: desc,
	}); err != nil {
		return err
	}

	total, err := s.store.RevenueTotal(ctx)
	if err != nil {
		return err
	}
	if total < 0 {
		s.logger.Warn().
			Int64("cumulative_revenue", total).
			Msg("platform revenue negative, default losses exceed fee income")
	}
	return nil
}

func (s *Scheduler) tradeError(res *Result, phase string, tradeID uuid.UUID, err error) {
	s.metrics.SettlementErrors.WithLabelValues(phase).Inc()
	res.Errors = append(res.Errors, fmt.Sprintf("%s %s: %v", phase, tradeID, err))
	s.logger.Error().Err(err).
		Str("phase", phase).
		Str("trade_id", tradeID.String()).
		Msg("trade settlement failed")
}

func (s *Scheduler) publish(ctx context.Context, evt events.Event) {
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn().Err(err).Str("event_type", evt.EventType).Msg("event publish failed")
	}
}
