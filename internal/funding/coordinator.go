// Package funding coordinates the trade lifecycle up to the point capital is
// committed: intake, matching, direct funding, cancellation, and lender pot
// cash movements. Multi-write operations run as explicit sagas with
// idempotent compensations so a crash mid-flight never strands locked funds.
package funding

import (
	"ShiftLedger/internal/domain"
	"ShiftLedger/internal/events"
	"ShiftLedger/internal/fees"
	"ShiftLedger/internal/ledger"
	"ShiftLedger/internal/match"
	"ShiftLedger/internal/observability"
	"ShiftLedger/internal/store"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Coordinator is the service layer in front of the store, ledger, and
// allocation engine.
type Coordinator struct {
	store     store.Store
	ledger    *ledger.Ledger
	engine    *match.Engine
	fees      fees.Config
	publisher events.Publisher
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func NewCoordinator(st store.Store, lg *ledger.Ledger, engine *match.Engine, feeCfg fees.Config, pub events.Publisher, metrics *observability.Metrics) *Coordinator {
	return &Coordinator{
		store:     st,
		ledger:    lg,
		engine:    engine,
		fees:      feeCfg,
		publisher: pub,
		logger:    observability.NewLogger("funding"),
		metrics:   metrics,
	}
}

// CreateTradeInput is the intake request for a new shift.
type CreateTradeInput struct {
	BorrowerID      uuid.UUID
	Amount          int64
	ShiftDays       int
	RiskGrade       domain.RiskGrade
	OriginalDueDate time.Time
}

// CreateTrade prices and records a DRAFT trade. The fee is quoted at intake
// and fixed for the trade's life.
func (c *Coordinator) CreateTrade(ctx context.Context, in CreateTradeInput) (*domain.Trade, error) {
	if err := domain.CheckTierLimits(in.RiskGrade, in.Amount, in.ShiftDays); err != nil {
		return nil, err
	}
	tier, _ := domain.TierFor(in.RiskGrade)
	open, err := c.store.CountOpenTradesByBorrower(ctx, in.BorrowerID)
	if err != nil {
		return nil, err
	}
	if open >= tier.MaxActiveTrades {
		return nil, fmt.Errorf("%w: borrower has %d open trades, grade %s allows %d",
			domain.ErrValidation, open, in.RiskGrade, tier.MaxActiveTrades)
	}

	fee, impliedAPR := c.fees.Quote(in.Amount, in.ShiftDays, in.RiskGrade, 0)
	trade := &domain.Trade{
		ID:              uuid.New(),
		BorrowerID:      in.BorrowerID,
		Amount:          in.Amount,
		Fee:             fee,
		RiskGrade:       in.RiskGrade,
		ShiftDays:       in.ShiftDays,
		OriginalDueDate: in.OriginalDueDate,
		NewDueDate:      in.OriginalDueDate.AddDate(0, 0, in.ShiftDays),
		Status:          domain.TradeStatusDraft,
	}
	if err := trade.Validate(); err != nil {
		return nil, err
	}
	if err := c.store.CreateTrade(ctx, trade); err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("trade_id", trade.ID.String()).
		Str("borrower_id", trade.BorrowerID.String()).
		Int64("amount", trade.Amount).
		Int64("fee", fee).
		Float64("implied_apr", impliedAPR).
		Msg("trade created")
	return trade, nil
}

// SubmitTrade moves a DRAFT trade into the matching queue.
func (c *Coordinator) SubmitTrade(ctx context.Context, tradeID uuid.UUID) (*domain.Trade, error) {
	ok, err := c.store.CASTradeStatus(ctx, tradeID,
		domain.TradeStatusDraft, domain.TradeStatusPendingMatch, store.TradePatch{})
	if err != nil {
		return nil, err
	}
	if !ok {
		trade, gerr := c.store.GetTrade(ctx, tradeID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: trade %s is %s, want %s",
			domain.ErrStateConflict, tradeID, trade.Status, domain.TradeStatusDraft)
	}

	c.publish(ctx, events.Event{EventType: events.TypeTradeSubmitted, TradeID: &tradeID})
	return c.store.GetTrade(ctx, tradeID)
}

// MatchTrade runs one allocation attempt for a pending trade.
func (c *Coordinator) MatchTrade(ctx context.Context, tradeID uuid.UUID) (*match.Result, error) {
	res, err := c.engine.Match(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if res.Matched {
		c.publish(ctx, events.Event{EventType: events.TypeTradeMatched, TradeID: &tradeID})
	}
	return res, nil
}

// FundTrade lets one lender directly fund the entire unallocated remainder of
// a pending trade. Exactly one concurrent caller wins; losers get
// ErrAlreadyFunded and their reservation is compensated away.
func (c *Coordinator) FundTrade(ctx context.Context, tradeID, lenderID uuid.UUID) (*domain.Trade, error) {
	trade, err := c.store.GetTrade(ctx, tradeID)
	if err != nil {
		c.metrics.FundingAttempts.WithLabelValues("not_found").Inc()
		return nil, err
	}
	if trade.BorrowerID == lenderID {
		c.metrics.FundingAttempts.WithLabelValues("self_dealing").Inc()
		return nil, domain.ErrSelfDealing
	}
	switch trade.Status {
	case domain.TradeStatusPendingMatch:
	case domain.TradeStatusMatched, domain.TradeStatusLive:
		c.metrics.FundingAttempts.WithLabelValues("already_funded").Inc()
		return nil, domain.ErrAlreadyFunded
	default:
		c.metrics.FundingAttempts.WithLabelValues("conflict").Inc()
		return nil, fmt.Errorf("%w: trade %s is %s, not fundable",
			domain.ErrStateConflict, tradeID, trade.Status)
	}

	openAmount, openFees, err := c.store.OpenAllocationTotals(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	remainder := trade.Amount - openAmount
	if remainder <= 0 {
		c.metrics.FundingAttempts.WithLabelValues("already_funded").Inc()
		return nil, domain.ErrAlreadyFunded
	}

	platformFee, lenderFee := c.fees.Split(trade.Fee)
	feeSlice := lenderFee - openFees
	if feeSlice < 0 {
		feeSlice = 0
	}

	alloc := &domain.Allocation{
		ID:          uuid.New(),
		TradeID:     tradeID,
		LenderID:    lenderID,
		AmountSlice: remainder,
		FeeSlice:    feeSlice,
		Status:      domain.AllocationStatusReserved,
	}
	allocID := alloc.ID
	now := time.Now().UTC()

	saga := NewSaga("fund-trade", c.logger,
		Step{
			Name: "reserve",
			Run: func(ctx context.Context) error {
				if err := c.store.InsertAllocation(ctx, alloc); err != nil {
					return err
				}
				_, err := c.ledger.Apply(ctx, ledger.Input{
					UserID:         lenderID,
					Type:           domain.EntryTypeReserve,
					Amount:         remainder,
					TradeID:        &tradeID,
					AllocationID:   &allocID,
					Description:    fmt.Sprintf("Reserved for trade %s", tradeID),
					IdempotencyKey: fmt.Sprintf("reserve-%s-%s", tradeID, allocID),
				})
				if err != nil {
					// The allocation row is removed here rather than in
					// Compensate so a reserve failure leaves nothing behind.
					if derr := c.store.DeleteAllocation(ctx, allocID); derr != nil {
						c.logger.Error().Err(derr).
							Str("allocation_id", allocID.String()).
							Msg("failed to remove allocation after reserve rejection")
					}
				}
				return err
			},
			Compensate: func(ctx context.Context) error {
				c.metrics.FundingCompensations.Inc()
				_, err := c.ledger.Apply(ctx, ledger.Input{
					UserID:         lenderID,
					Type:           domain.EntryTypeRelease,
					Amount:         remainder,
					TradeID:        &tradeID,
					AllocationID:   &allocID,
					Description:    fmt.Sprintf("Released failed funding of trade %s", tradeID),
					IdempotencyKey: fmt.Sprintf("funding-release-%s-%s", tradeID, allocID),
				})
				if err != nil {
					return err
				}
				return c.store.DeleteAllocation(ctx, allocID)
			},
		},
		Step{
			Name: "match",
			Run: func(ctx context.Context) error {
				ok, err := c.store.CASTradeStatus(ctx, tradeID,
					domain.TradeStatusPendingMatch, domain.TradeStatusMatched, store.TradePatch{
						MatchedAt:   &now,
						PlatformFee: &platformFee,
						LenderFee:   &lenderFee,
					})
				if err != nil {
					return err
				}
				if !ok {
					return domain.ErrAlreadyFunded
				}
				return nil
			},
			Compensate: func(ctx context.Context) error {
				_, err := c.store.CASTradeStatus(ctx, tradeID,
					domain.TradeStatusMatched, domain.TradeStatusPendingMatch,
					store.TradePatch{ClearMatch: true})
				return err
			},
		},
	)

	if err := saga.Execute(ctx); err != nil {
		if errors.Is(err, domain.ErrAlreadyFunded) {
			c.metrics.FundingAttempts.WithLabelValues("already_funded").Inc()
			return nil, domain.ErrAlreadyFunded
		}
		c.metrics.FundingAttempts.WithLabelValues("failed").Inc()
		return nil, err
	}

	c.metrics.FundingAttempts.WithLabelValues("funded").Inc()
	c.publish(ctx, events.Event{
		EventType: events.TypeTradeMatched,
		TradeID:   &tradeID,
		UserID:    &lenderID,
		Payload:   map[string]any{"amount": remainder, "direct": true},
	})
	c.logger.Info().
		Str("trade_id", tradeID.String()).
		Str("lender_id", lenderID.String()).
		Int64("amount", remainder).
		Msg("trade funded directly")
	return c.store.GetTrade(ctx, tradeID)
}

// CancelTrade cancels a trade before capital is committed. For a pending
// trade the status flips first, fencing out concurrent funding, then any
// reservations are released back to their lenders.
func (c *Coordinator) CancelTrade(ctx context.Context, tradeID uuid.UUID) (*domain.Trade, error) {
	trade, err := c.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	switch trade.Status {
	case domain.TradeStatusDraft, domain.TradeStatusPendingMatch:
	default:
		return nil, fmt.Errorf("%w: trade %s is %s, cannot cancel",
			domain.ErrStateConflict, tradeID, trade.Status)
	}

	ok, err := c.store.CASTradeStatus(ctx, tradeID, trade.Status, domain.TradeStatusCancelled, store.TradePatch{})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: trade %s changed status during cancel",
			domain.ErrStateConflict, tradeID)
	}

	if err := c.releaseReservations(ctx, tradeID, "cancel-release"); err != nil {
		return nil, err
	}

	c.publish(ctx, events.Event{EventType: events.TypeTradeCancelled, TradeID: &tradeID})
	return c.store.GetTrade(ctx, tradeID)
}

// releaseReservations returns every RESERVED slice of a trade to its lender.
// Idempotency keys are derived from the allocation so a retry after a partial
// failure releases only what remains.
func (c *Coordinator) releaseReservations(ctx context.Context, tradeID uuid.UUID, keyPrefix string) error {
	allocs, err := c.store.AllocationsByTrade(ctx, tradeID, domain.AllocationStatusReserved)
	if err != nil {
		return err
	}
	for _, a := range allocs {
		allocID := a.ID
		if _, err := c.ledger.Apply(ctx, ledger.Input{
			UserID:         a.LenderID,
			Type:           domain.EntryTypeRelease,
			Amount:         a.AmountSlice,
			TradeID:        &tradeID,
			AllocationID:   &allocID,
			Description:    fmt.Sprintf("Released reservation on trade %s", tradeID),
			IdempotencyKey: fmt.Sprintf("%s-%s-%s", keyPrefix, tradeID, allocID),
		}); err != nil {
			return err
		}
		if _, err := c.store.CASAllocationStatus(ctx, a.ID,
			domain.AllocationStatusReserved, domain.AllocationStatusReleased); err != nil {
			return err
		}
		c.metrics.AllocationsReleased.Inc()
	}
	return nil
}

// Deposit credits a lender's pot, creating it on first use.
func (c *Coordinator) Deposit(ctx context.Context, userID uuid.UUID, amount int64, idempotencyKey string) (*domain.PoolLedgerEntry, error) {
	if _, err := c.store.GetPot(ctx, userID); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		if cerr := c.store.CreatePot(ctx, &domain.LendingPot{UserID: userID}); cerr != nil {
			return nil, cerr
		}
	}

	if idempotencyKey == "" {
		idempotencyKey = fmt.Sprintf("deposit-%s", uuid.New())
	}
	return c.ledger.Apply(ctx, ledger.Input{
		UserID:         userID,
		Type:           domain.EntryTypeDeposit,
		Amount:         amount,
		Description:    "Pot deposit",
		IdempotencyKey: idempotencyKey,
	})
}

// Withdraw debits a lender's available balance.
func (c *Coordinator) Withdraw(ctx context.Context, userID uuid.UUID, amount int64, idempotencyKey string) (*domain.PoolLedgerEntry, error) {
	if idempotencyKey == "" {
		idempotencyKey = fmt.Sprintf("withdraw-%s", uuid.New())
	}
	return c.ledger.Apply(ctx, ledger.Input{
		UserID:         userID,
		Type:           domain.EntryTypeWithdraw,
		Amount:         amount,
		Description:    "Pot withdrawal",
		IdempotencyKey: idempotencyKey,
	})
}

// QueueWithdrawal requests a full pot withdrawal. Available funds leave
// immediately; locked funds are withdrawn as their trades repay, handled by
// the settlement scheduler.
func (c *Coordinator) QueueWithdrawal(ctx context.Context, userID uuid.UUID) (*domain.LendingPot, error) {
	pot, err := c.store.GetPot(ctx, userID)
	if err != nil {
		return nil, err
	}

	if pot.Available > 0 {
		if _, err := c.ledger.Apply(ctx, ledger.Input{
			UserID:         userID,
			Type:           domain.EntryTypeWithdraw,
			Amount:         pot.Available,
			Description:    "Queued withdrawal of available balance",
			IdempotencyKey: fmt.Sprintf("auto-withdraw-%s", uuid.New()),
		}); err != nil {
			return nil, err
		}
	}

	pot, err = c.store.GetPot(ctx, userID)
	if err != nil {
		return nil, err
	}
	if pot.Locked > 0 {
		if err := c.store.SetWithdrawalQueued(ctx, userID, true); err != nil {
			return nil, err
		}
		pot.WithdrawalQueued = true
	} else {
		c.publish(ctx, events.Event{EventType: events.TypeWithdrawalReady, UserID: &userID})
	}
	return pot, nil
}

func (c *Coordinator) publish(ctx context.Context, evt events.Event) {
	if err := c.publisher.Publish(ctx, evt); err != nil {
		c.logger.Warn().Err(err).Str("event_type", evt.EventType).Msg("event publish failed")
	}
}
