package domain

import "fmt"

// RiskTier caps what a borrower of a given grade may request.
// Amounts are minor units.
type RiskTier struct {
	Grade           RiskGrade
	MaxShiftAmount  int64
	MaxShiftDays    int
	MaxActiveTrades int
}

var riskTiers = map[RiskGrade]RiskTier{
	RiskGradeA: {Grade: RiskGradeA, MaxShiftAmount: 50000, MaxShiftDays: 14, MaxActiveTrades: 5},
	RiskGradeB: {Grade: RiskGradeB, MaxShiftAmount: 20000, MaxShiftDays: 10, MaxActiveTrades: 3},
	RiskGradeC: {Grade: RiskGradeC, MaxShiftAmount: 7500, MaxShiftDays: 7, MaxActiveTrades: 1},
}

// TierFor returns the risk tier limits for a grade.
func TierFor(g RiskGrade) (RiskTier, bool) {
	tier, ok := riskTiers[g]
	return tier, ok
}

// CheckTierLimits validates a trade request against its grade's tier caps.
func CheckTierLimits(grade RiskGrade, amount int64, shiftDays int) error {
	tier, ok := TierFor(grade)
	if !ok {
		return fmt.Errorf("%w: unknown risk grade %q", ErrValidation, grade)
	}
	if amount > tier.MaxShiftAmount {
		return fmt.Errorf("%w: amount %d exceeds grade %s limit %d",
			ErrValidation, amount, grade, tier.MaxShiftAmount)
	}
	if shiftDays > tier.MaxShiftDays {
		return fmt.Errorf("%w: shift of %d days exceeds grade %s limit %d",
			ErrValidation, shiftDays, grade, tier.MaxShiftDays)
	}
	return nil
}
