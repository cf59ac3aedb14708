package domain

import (
	"time"

	"github.com/google/uuid"
)

// LendingPot is one lender's capital account. Balances are derivable by
// replaying the pot's PoolLedgerEntries from zero; the row is mutated only
// through ledger Apply calls, never written directly.
type LendingPot struct {
	UserID           uuid.UUID `json:"user_id"`
	Available        int64     `json:"available"`
	Locked           int64     `json:"locked"`
	TotalDeployed    int64     `json:"total_deployed"`
	RealizedYield    int64     `json:"realized_yield"`
	WithdrawalQueued bool      `json:"withdrawal_queued"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// LenderPreferences drives matching eligibility for one lender.
// MinAPR is an annualized percentage; exposure limits are minor units.
type LenderPreferences struct {
	UserID           uuid.UUID   `json:"user_id"`
	MinAPR           float64     `json:"min_apr"`
	MaxShiftDays     int         `json:"max_shift_days"`
	MaxExposure      int64       `json:"max_exposure"`       // per-trade cap
	MaxTotalExposure int64       `json:"max_total_exposure"` // across all open allocations
	RiskBands        []RiskGrade `json:"risk_bands"`
	AutoMatchEnabled bool        `json:"auto_match_enabled"`
}

// AcceptsGrade reports whether the lender's risk bands include the grade.
func (p *LenderPreferences) AcceptsGrade(g RiskGrade) bool {
	for _, band := range p.RiskBands {
		if band == g {
			return true
		}
	}
	return false
}
