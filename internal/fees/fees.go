// Package fees holds the pricing model: borrower fee quoting, implied APR,
// and the platform/lender split of a matched trade's fee.
package fees

import (
	"ShiftLedger/internal/domain"
	"math"
)

// Config is the pricing configuration. All percentages are fractions
// (0.20 == 20%), all amounts minor units.
type Config struct {
	// BaseAPRPct is the annualized base rate in percent (bank base rate plus
	// platform margin).
	BaseAPRPct float64

	// RiskMultipliers scale the base rate per borrower grade.
	RiskMultipliers map[domain.RiskGrade]float64

	// MaxFeePercent caps the fee as a fraction of the shifted amount.
	MaxFeePercent float64

	// MaxFeeAbsolute caps the fee in minor units.
	MaxFeeAbsolute int64

	// MinFee floors the fee in minor units.
	MinFee int64

	// PlatformFeeRate is the platform's share of the borrower fee. The
	// remainder is the senior-tranche lender share.
	PlatformFeeRate float64
}

// DefaultConfig mirrors the production pricing: 6.5% base APR, grade
// multipliers A/B/C, fee clamped to [1, min(8% of amount, 2000)], platform
// takes 20%.
func DefaultConfig() Config {
	return Config{
		BaseAPRPct: 6.5,
		RiskMultipliers: map[domain.RiskGrade]float64{
			domain.RiskGradeA: 1.0,
			domain.RiskGradeB: 1.8,
			domain.RiskGradeC: 2.8,
		},
		MaxFeePercent:   0.08,
		MaxFeeAbsolute:  2000,
		MinFee:          1,
		PlatformFeeRate: 0.20,
	}
}

// Quote prices a shift. poolUtilization in [0,1] raises the fee when lender
// capital is scarce (no effect at or below 50% utilization).
func (c Config) Quote(amount int64, shiftDays int, grade domain.RiskGrade, poolUtilization float64) (fee int64, impliedAPR float64) {
	if amount <= 0 || shiftDays <= 0 {
		return 0, 0
	}

	riskMultiplier, ok := c.RiskMultipliers[grade]
	if !ok {
		riskMultiplier = c.RiskMultipliers[domain.RiskGradeC]
	}
	utilizationMultiplier := 1.0 + math.Max(poolUtilization-0.5, 0)*2.0

	ratePerDay := c.BaseAPRPct / 365 / 100
	raw := ratePerDay * float64(amount) * float64(shiftDays) * riskMultiplier * utilizationMultiplier

	capped := math.Min(raw, float64(amount)*c.MaxFeePercent)
	capped = math.Min(capped, float64(c.MaxFeeAbsolute))

	fee = int64(math.Round(capped))
	if fee < c.MinFee {
		fee = c.MinFee
	}
	return fee, ImpliedAPR(fee, amount, shiftDays)
}

// ImpliedAPR annualizes a fee over the shifted amount and term, in percent.
func ImpliedAPR(fee, amount int64, shiftDays int) float64 {
	if amount <= 0 || shiftDays <= 0 {
		return 0
	}
	return float64(fee) / float64(amount) * (365 / float64(shiftDays)) * 100
}

// Split divides a borrower fee into platform and lender shares. The platform
// share is rounded half-up; any rounding residue lands in the lender share so
// that platform + lender == fee exactly.
func (c Config) Split(fee int64) (platformFee, lenderFee int64) {
	if fee <= 0 {
		return 0, 0
	}
	platformFee = int64(math.Round(float64(fee) * c.PlatformFeeRate))
	if platformFee > fee {
		platformFee = fee
	}
	return platformFee, fee - platformFee
}

// LenderSlice computes one lender's fee share for a partial allocation,
// rounded half-up pro rata over the lender fee pool. Residue assignment for
// the allocation that completes a match is the caller's responsibility.
func LenderSlice(lenderFee, amountSlice, tradeAmount int64) int64 {
	if tradeAmount <= 0 || amountSlice <= 0 || lenderFee <= 0 {
		return 0
	}
	return int64(math.Round(float64(lenderFee) * float64(amountSlice) / float64(tradeAmount)))
}
