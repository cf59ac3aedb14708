// Package match implements the allocation engine: selecting lenders for a
// pending trade, scoring them, and reserving capital slices against it.
package match

import (
	"ShiftLedger/internal/domain"
	"ShiftLedger/internal/fees"
	"ShiftLedger/internal/ledger"
	"ShiftLedger/internal/observability"
	"ShiftLedger/internal/store"
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config carries the engine's allocation policy knobs.
type Config struct {
	// SingleLenderCap caps any one lender's slice as a fraction of the
	// trade, keeping at least two lenders on larger trades when the pool
	// allows it.
	SingleLenderCap float64
}

func DefaultConfig() Config {
	return Config{SingleLenderCap: 0.5}
}

// Scoring weights. APR fit dominates; headroom and diversification split the
// remainder evenly.
const (
	weightAPR             = 0.4
	weightHeadroom        = 0.3
	weightDiversification = 0.3
)

// Result reports one match attempt.
type Result struct {
	TradeID     uuid.UUID            `json:"trade_id"`
	Allocations []*domain.Allocation `json:"allocations"`
	Covered     int64                `json:"covered"`   // newly reserved in this attempt
	Remaining   int64                `json:"remaining"` // unallocated amount after this attempt
	Matched     bool                 `json:"matched"`   // trade reached MATCHED in this attempt
}

// Engine matches pending trades against auto-match lender pots.
type Engine struct {
	store   store.Store
	ledger  *ledger.Ledger
	fees    fees.Config
	cfg     Config
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewEngine(st store.Store, lg *ledger.Ledger, feeCfg fees.Config, cfg Config, metrics *observability.Metrics) *Engine {
	return &Engine{
		store:   st,
		ledger:  lg,
		fees:    feeCfg,
		cfg:     cfg,
		logger:  observability.NewLogger("match"),
		metrics: metrics,
	}
}

// candidate is one eligible lender with its scoring inputs.
type candidate struct {
	prefs    *domain.LenderPreferences
	pot      *domain.LendingPot
	exposure int64
	score    float64
}

// Match attempts to cover a PENDING_MATCH trade from eligible lender pots.
// Partial coverage leaves the trade pending with its reservations in place; a
// later attempt allocates only the remainder. Full coverage moves the trade
// to MATCHED with its fee split recorded.
func (e *Engine) Match(ctx context.Context, tradeID uuid.UUID) (*Result, error) {
	trade, err := e.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.Status != domain.TradeStatusPendingMatch {
		e.metrics.MatchAttempts.WithLabelValues("conflict").Inc()
		return nil, fmt.Errorf("%w: trade %s is %s, want %s",
			domain.ErrStateConflict, tradeID, trade.Status, domain.TradeStatusPendingMatch)
	}

	reserved, _, err := e.store.OpenAllocationTotals(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	remaining := trade.Amount - reserved
	if remaining <= 0 {
		// Reservations already cover the trade; finish the promotion that a
		// previous attempt failed to complete.
		return e.finalize(ctx, trade, &Result{TradeID: tradeID, Remaining: 0})
	}

	candidates, err := e.eligibleLenders(ctx, trade)
	if err != nil {
		return nil, err
	}
	e.metrics.EligibleLendersFound.Observe(float64(len(candidates)))

	res := &Result{TradeID: tradeID, Remaining: remaining}
	_, lenderFee := e.fees.Split(trade.Fee)

	for _, c := range candidates {
		if res.Remaining <= 0 {
			break
		}
		slice := e.sliceFor(c, trade, res.Remaining)
		if slice <= 0 {
			continue
		}

		feeSlice := fees.LenderSlice(lenderFee, slice, trade.Amount)
		if slice == res.Remaining {
			// The closing slice absorbs rounding residue so the fee slices of
			// all open allocations sum to the lender fee exactly.
			_, openFees, err := e.store.OpenAllocationTotals(ctx, tradeID)
			if err != nil {
				return nil, err
			}
			feeSlice = lenderFee - openFees
			if feeSlice < 0 {
				feeSlice = 0
			}
		}

		alloc, err := e.reserve(ctx, trade, c.prefs.UserID, slice, feeSlice)
		if err != nil {
			// A lender whose pot changed under us is skipped, not fatal.
			e.logger.Warn().Err(err).
				Str("trade_id", tradeID.String()).
				Str("lender_id", c.prefs.UserID.String()).
				Int64("slice", slice).
				Msg("reservation failed, skipping lender")
			continue
		}

		res.Allocations = append(res.Allocations, alloc)
		res.Covered += slice
		res.Remaining -= slice
	}

	if res.Remaining > 0 {
		// A direct funder may have claimed the trade while this round was
		// reserving. Slices from this round must not stay behind on a
		// matched trade.
		current, err := e.store.GetTrade(ctx, tradeID)
		if err != nil {
			return nil, err
		}
		if current.Status != domain.TradeStatusPendingMatch {
			e.releaseRound(ctx, tradeID, res.Allocations)
			e.metrics.MatchAttempts.WithLabelValues("conflict").Inc()
			return nil, fmt.Errorf("%w: trade %s left %s during match",
				domain.ErrStateConflict, tradeID, domain.TradeStatusPendingMatch)
		}
		if res.Covered > 0 {
			e.metrics.MatchAttempts.WithLabelValues("partial").Inc()
		} else {
			e.metrics.MatchAttempts.WithLabelValues("none").Inc()
		}
		e.metrics.MatchCoverageRatio.Observe(float64(trade.Amount-res.Remaining) / float64(trade.Amount))
		e.logger.Info().
			Str("trade_id", tradeID.String()).
			Int64("covered", res.Covered).
			Int64("remaining", res.Remaining).
			Msg("partial match")
		return res, nil
	}

	return e.finalize(ctx, trade, res)
}

// finalize promotes a fully covered trade to MATCHED, recording its fee split.
func (e *Engine) finalize(ctx context.Context, trade *domain.Trade, res *Result) (*Result, error) {
	platformFee, lenderFee := e.fees.Split(trade.Fee)
	now := time.Now().UTC()
	ok, err := e.store.CASTradeStatus(ctx, trade.ID,
		domain.TradeStatusPendingMatch, domain.TradeStatusMatched, store.TradePatch{
			MatchedAt:   &now,
			PlatformFee: &platformFee,
			LenderFee:   &lenderFee,
		})
	if err != nil {
		return nil, err
	}
	if !ok {
		e.releaseRound(ctx, trade.ID, res.Allocations)
		e.metrics.MatchAttempts.WithLabelValues("conflict").Inc()
		return nil, fmt.Errorf("%w: trade %s left %s during match",
			domain.ErrStateConflict, trade.ID, domain.TradeStatusPendingMatch)
	}

	res.Matched = true
	e.metrics.MatchAttempts.WithLabelValues("full").Inc()
	e.metrics.MatchCoverageRatio.Observe(1)
	e.logger.Info().
		Str("trade_id", trade.ID.String()).
		Int64("amount", trade.Amount).
		Int64("platform_fee", platformFee).
		Int64("lender_fee", lenderFee).
		Int("allocations", len(res.Allocations)).
		Msg("trade matched")
	return res, nil
}

// releaseRound unwinds reservations made in the current attempt after the
// trade was claimed by a concurrent funder. Slices reserved by earlier
// attempts belong to the winning match and stay put. Failures are logged and
// skipped; the expiry sweep releases anything left behind.
func (e *Engine) releaseRound(ctx context.Context, tradeID uuid.UUID, allocs []*domain.Allocation) {
	for _, a := range allocs {
		allocID := a.ID
		if _, err := e.ledger.Apply(ctx, ledger.Input{
			UserID:         a.LenderID,
			Type:           domain.EntryTypeRelease,
			Amount:         a.AmountSlice,
			TradeID:        &tradeID,
			AllocationID:   &allocID,
			Description:    fmt.Sprintf("Released lost match attempt on trade %s", tradeID),
			IdempotencyKey: fmt.Sprintf("match-release-%s-%s", tradeID, allocID),
		}); err != nil {
			e.logger.Error().Err(err).
				Str("trade_id", tradeID.String()).
				Str("allocation_id", allocID.String()).
				Msg("failed to release lost match reservation")
			continue
		}
		if err := e.store.DeleteAllocation(ctx, allocID); err != nil {
			e.logger.Error().Err(err).
				Str("allocation_id", allocID.String()).
				Msg("failed to remove lost match allocation")
			continue
		}
		e.metrics.AllocationsReleased.Inc()
	}
}

// eligibleLenders filters auto-match lenders against the trade and scores
// them, best first. Ties break on lender id for a deterministic order.
func (e *Engine) eligibleLenders(ctx context.Context, trade *domain.Trade) ([]candidate, error) {
	prefs, err := e.store.ListAutoMatchLenders(ctx)
	if err != nil {
		return nil, err
	}

	impliedAPR := fees.ImpliedAPR(trade.Fee, trade.Amount, trade.ShiftDays)
	var out []candidate
	for _, p := range prefs {
		if p.UserID == trade.BorrowerID {
			continue
		}
		if !p.AcceptsGrade(trade.RiskGrade) {
			continue
		}
		if p.MaxShiftDays > 0 && trade.ShiftDays > p.MaxShiftDays {
			continue
		}
		if impliedAPR < p.MinAPR {
			continue
		}

		pot, err := e.store.GetPot(ctx, p.UserID)
		if err != nil {
			if domain.Retryable(err) {
				return nil, err
			}
			continue // no pot yet, nothing to lend
		}
		if pot.Available <= 0 || pot.WithdrawalQueued {
			continue
		}

		exposure, err := e.store.LenderExposure(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		if p.MaxTotalExposure > 0 && exposure >= p.MaxTotalExposure {
			continue
		}

		out = append(out, candidate{
			prefs:    p,
			pot:      pot,
			exposure: exposure,
			score:    score(impliedAPR, p, pot, exposure, trade.Amount),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].prefs.UserID.String() < out[j].prefs.UserID.String()
	})
	return out, nil
}

// score rates a lender for one trade in [0,1]. APR fit rewards trades paying
// above the lender's floor, headroom rewards deep pots relative to the trade,
// diversification rewards lenders far from their total exposure cap.
func score(impliedAPR float64, p *domain.LenderPreferences, pot *domain.LendingPot, exposure, tradeAmount int64) float64 {
	aprScore := 0.0
	if p.MinAPR > 0 {
		aprScore = clamp(impliedAPR/p.MinAPR-1, 0, 1)
	} else if impliedAPR > 0 {
		aprScore = 1
	}

	headroom := math.Min(float64(pot.Available)/(10*float64(tradeAmount)), 1)

	diversification := 1.0
	if p.MaxTotalExposure > 0 {
		diversification = math.Max(1-float64(exposure)/float64(p.MaxTotalExposure), 0)
	}

	return weightAPR*aprScore + weightHeadroom*headroom + weightDiversification*diversification
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// sliceFor computes the largest slice this lender may take of the remainder.
func (e *Engine) sliceFor(c candidate, trade *domain.Trade, remaining int64) int64 {
	slice := remaining

	singleCap := int64(math.Floor(float64(trade.Amount) * e.cfg.SingleLenderCap))
	if singleCap < slice && singleCap > 0 {
		slice = singleCap
	}
	if c.prefs.MaxExposure > 0 && c.prefs.MaxExposure < slice {
		slice = c.prefs.MaxExposure
	}
	if c.prefs.MaxTotalExposure > 0 {
		if room := c.prefs.MaxTotalExposure - c.exposure; room < slice {
			slice = room
		}
	}
	if c.pot.Available < slice {
		slice = c.pot.Available
	}
	return slice
}

// reserve creates an allocation and locks the lender's capital for it. The
// allocation row is written first so the ledger entry can reference it; a
// ledger rejection rolls the row back.
func (e *Engine) reserve(ctx context.Context, trade *domain.Trade, lenderID uuid.UUID, slice, feeSlice int64) (*domain.Allocation, error) {
	alloc := &domain.Allocation{
		ID:          uuid.New(),
		TradeID:     trade.ID,
		LenderID:    lenderID,
		AmountSlice: slice,
		FeeSlice:    feeSlice,
		Status:      domain.AllocationStatusReserved,
	}
	if err := e.store.InsertAllocation(ctx, alloc); err != nil {
		return nil, err
	}

	tradeID, allocID := trade.ID, alloc.ID
	_, err := e.ledger.Apply(ctx, ledger.Input{
		UserID:         lenderID,
		Type:           domain.EntryTypeReserve,
		Amount:         slice,
		TradeID:        &tradeID,
		AllocationID:   &allocID,
		Description:    fmt.Sprintf("Reserved for trade %s", trade.ID),
		IdempotencyKey: fmt.Sprintf("reserve-%s-%s", trade.ID, alloc.ID),
	})
	if err != nil {
		if derr := e.store.DeleteAllocation(ctx, alloc.ID); derr != nil {
			e.logger.Error().Err(derr).
				Str("allocation_id", alloc.ID.String()).
				Msg("failed to roll back allocation after reserve rejection")
		}
		return nil, err
	}

	e.metrics.AllocationsReserved.Inc()
	return alloc, nil
}
