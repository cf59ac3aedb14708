package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

const (
	TradeStatusDraft        TradeStatus = "DRAFT"
	TradeStatusPendingMatch TradeStatus = "PENDING_MATCH"
	TradeStatusMatched      TradeStatus = "MATCHED"
	TradeStatusLive         TradeStatus = "LIVE"
	TradeStatusRepaid       TradeStatus = "REPAID"
	TradeStatusDefaulted    TradeStatus = "DEFAULTED"
	TradeStatusCancelled    TradeStatus = "CANCELLED"
)

// RiskGrade classifies a borrower A (lowest risk) through C.
type RiskGrade string

const (
	RiskGradeA RiskGrade = "A"
	RiskGradeB RiskGrade = "B"
	RiskGradeC RiskGrade = "C"
)

func (g RiskGrade) Valid() bool {
	switch g {
	case RiskGradeA, RiskGradeB, RiskGradeC:
		return true
	}
	return false
}

// Trade is a borrower's request to defer a bill payment by ShiftDays in
// exchange for Fee. All monetary amounts are minor currency units (pence).
type Trade struct {
	ID              uuid.UUID   `json:"id"`
	BorrowerID      uuid.UUID   `json:"borrower_id"`
	Amount          int64       `json:"amount"`
	Fee             int64       `json:"fee"`
	PlatformFee     int64       `json:"platform_fee"` // set when the trade is matched
	LenderFee       int64       `json:"lender_fee"`   // set when the trade is matched; PlatformFee + LenderFee == Fee
	RiskGrade       RiskGrade   `json:"risk_grade"`
	ShiftDays       int         `json:"shift_days"`
	OriginalDueDate time.Time   `json:"original_due_date"`
	NewDueDate      time.Time   `json:"new_due_date"`
	Status          TradeStatus `json:"status"`
	MatchedAt       *time.Time  `json:"matched_at,omitempty"`
	LiveAt          *time.Time  `json:"live_at,omitempty"`
	RepaidAt        *time.Time  `json:"repaid_at,omitempty"`
	DefaultedAt     *time.Time  `json:"defaulted_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// tradeTransitions encodes the monotonic status graph. CANCELLED is reachable
// only before capital is committed.
var tradeTransitions = map[TradeStatus][]TradeStatus{
	TradeStatusDraft:        {TradeStatusPendingMatch, TradeStatusCancelled},
	TradeStatusPendingMatch: {TradeStatusMatched, TradeStatusCancelled},
	TradeStatusMatched:      {TradeStatusLive, TradeStatusPendingMatch}, // reverse only via saga compensation
	TradeStatusLive:         {TradeStatusRepaid, TradeStatusDefaulted},
}

// CanTransition reports whether a trade may move from one status to another.
func CanTransition(from, to TradeStatus) bool {
	for _, next := range tradeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is an end state.
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeStatusRepaid, TradeStatusDefaulted, TradeStatusCancelled:
		return true
	}
	return false
}

// Validate checks structural invariants of a trade at creation time.
func (t *Trade) Validate() error {
	if t.BorrowerID == uuid.Nil {
		return fmt.Errorf("%w: borrower_id is required", ErrValidation)
	}
	if t.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", ErrValidation, t.Amount)
	}
	if t.Fee < 0 {
		return fmt.Errorf("%w: fee must not be negative, got %d", ErrValidation, t.Fee)
	}
	if !t.RiskGrade.Valid() {
		return fmt.Errorf("%w: unknown risk grade %q", ErrValidation, t.RiskGrade)
	}
	if t.OriginalDueDate.IsZero() || t.NewDueDate.IsZero() {
		return fmt.Errorf("%w: both due dates are required", ErrValidation)
	}
	if !t.NewDueDate.After(t.OriginalDueDate) {
		return fmt.Errorf("%w: new_due_date %s must be after original_due_date %s",
			ErrValidation, t.NewDueDate.Format("2006-01-02"), t.OriginalDueDate.Format("2006-01-02"))
	}
	if t.ShiftDays <= 0 {
		return fmt.Errorf("%w: shift_days must be positive, got %d", ErrValidation, t.ShiftDays)
	}
	return nil
}
