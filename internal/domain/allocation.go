package domain

import (
	"time"

	"github.com/google/uuid"
)

// AllocationStatus is the lifecycle state of one lender's claim on a trade.
type AllocationStatus string

const (
	AllocationStatusReserved  AllocationStatus = "RESERVED"
	AllocationStatusActive    AllocationStatus = "ACTIVE"
	AllocationStatusRepaid    AllocationStatus = "REPAID"
	AllocationStatusDefaulted AllocationStatus = "DEFAULTED"
	AllocationStatusReleased  AllocationStatus = "RELEASED"
)

// Terminal reports whether the allocation no longer holds a claim on the
// trade. Terminal allocations are excluded from exposure and slice sums.
func (s AllocationStatus) Terminal() bool {
	switch s {
	case AllocationStatusRepaid, AllocationStatusDefaulted, AllocationStatusReleased:
		return true
	}
	return false
}

// Allocation is one lender's funded slice of one trade. AmountSlice is
// principal; FeeSlice is the lender's share of the borrower fee, both in
// minor units.
type Allocation struct {
	ID          uuid.UUID        `json:"id"`
	TradeID     uuid.UUID        `json:"trade_id"`
	LenderID    uuid.UUID        `json:"lender_id"`
	AmountSlice int64            `json:"amount_slice"`
	FeeSlice    int64            `json:"fee_slice"`
	Status      AllocationStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// allocationTransitions: RESERVED -> ACTIVE -> {REPAID | DEFAULTED},
// RESERVED -> RELEASED on funding failure or trade expiry.
var allocationTransitions = map[AllocationStatus][]AllocationStatus{
	AllocationStatusReserved: {AllocationStatusActive, AllocationStatusReleased},
	AllocationStatusActive:   {AllocationStatusRepaid, AllocationStatusDefaulted},
}

// CanTransitionAllocation reports whether an allocation may move between the
// two statuses.
func CanTransitionAllocation(from, to AllocationStatus) bool {
	for _, next := range allocationTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
