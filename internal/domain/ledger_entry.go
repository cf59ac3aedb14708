package domain

import (
	"time"

	"github.com/google/uuid"
)

// EntryType is the kind of balance change a PoolLedgerEntry records.
type EntryType string

const (
	EntryTypeDeposit   EntryType = "DEPOSIT"    // +available
	EntryTypeWithdraw  EntryType = "WITHDRAW"   // -available
	EntryTypeReserve   EntryType = "RESERVE"    // available -> locked
	EntryTypeRelease   EntryType = "RELEASE"    // locked -> available, no yield
	EntryTypeDisburse  EntryType = "DISBURSE"   // locked stays locked, deployed tracking begins
	EntryTypeRepay     EntryType = "REPAY"      // locked -> available (principal)
	EntryTypeFeeCredit EntryType = "FEE_CREDIT" // +available, +realized_yield
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryTypeDeposit, EntryTypeWithdraw, EntryTypeReserve, EntryTypeRelease,
		EntryTypeDisburse, EntryTypeRepay, EntryTypeFeeCredit:
		return true
	}
	return false
}

// PoolLedgerEntry is an immutable record of one balance change on a lending
// pot. IdempotencyKey is globally unique; re-applying an entry with a seen
// key returns the prior BalanceAfter without touching the pot. The entry log
// is the durable audit trail and is append-only.
type PoolLedgerEntry struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	EntryType      EntryType  `json:"entry_type"`
	Amount         int64      `json:"amount"`        // always positive; direction is implied by EntryType
	BalanceAfter   int64      `json:"balance_after"` // available balance after applying this entry
	TradeID        *uuid.UUID `json:"trade_id,omitempty"`
	AllocationID   *uuid.UUID `json:"allocation_id,omitempty"`
	Description    string     `json:"description,omitempty"`
	IdempotencyKey string     `json:"idempotency_key"`
	CreatedAt      time.Time  `json:"created_at"`
}

// RevenueType is the kind of platform revenue entry.
type RevenueType string

const (
	// RevenueTypeFeeIncome is the platform's share of a repaid trade's fee.
	// Always positive.
	RevenueTypeFeeIncome RevenueType = "FEE_INCOME"

	// RevenueTypeDefaultLoss is the full principal of a defaulted trade,
	// absorbed by the platform (junior tranche). Always negative.
	RevenueTypeDefaultLoss RevenueType = "DEFAULT_LOSS"
)

// PlatformRevenueEntry records platform income or absorbed losses.
type PlatformRevenueEntry struct {
	ID          uuid.UUID   `json:"id"`
	EntryType   RevenueType `json:"entry_type"`
	Amount      int64       `json:"amount"`
	TradeID     uuid.UUID   `json:"trade_id"`
	Description string      `json:"description,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}
