package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryType 台账分录类型
type EntryType string

const (
	EntryTypeReserve        EntryType = "RESERVE"
	EntryTypeUnreserve      EntryType = "UNRESERVE"
	EntryTypeSettleReserved EntryType = "SETTLE_RESERVED"
	EntryTypeAddFunds       EntryType = "ADD_FUNDS"
	EntryTypeDeductFunds    EntryType = "DEDUCT_FUNDS"
	EntryTypeCreditPending  EntryType = "CREDIT_PENDING"
	EntryTypeSettlePending  EntryType = "SETTLE_PENDING"
	EntryTypeReleasePending EntryType = "RELEASE_PENDING"
)

// LedgerEntry 台账分录，OperationID 全局唯一，是幂等锚点
// 三个 Delta 记录本次操作对三个余额分区的净变动
type LedgerEntry struct {
	ID             uint            `json:"id"`
	CreatedAt      time.Time       `json:"created_at"`
	OperationID    string          `json:"operation_id"`
	AccountID      string          `json:"account_id"`
	Currency       Currency        `json:"currency"`
	EntryType      EntryType       `json:"entry_type"`
	AvailableDelta decimal.Decimal `json:"available_delta"`
	PendingDelta   decimal.Decimal `json:"pending_delta"`
	ReservedDelta  decimal.Decimal `json:"reserved_delta"`
	ReferenceID    string          `json:"reference_id"`
}

// NewLedgerEntry 根据操作前后的余额快照计算分区变动
func NewLedgerEntry(operationID string, entryType EntryType, before, after *Balance, referenceID string) *LedgerEntry {
	return &LedgerEntry{
		OperationID:    operationID,
		AccountID:      after.AccountID,
		Currency:       after.Currency,
		EntryType:      entryType,
		AvailableDelta: after.Available.Sub(before.Available),
		PendingDelta:   after.Pending.Sub(before.Pending),
		ReservedDelta:  after.Reserved.Sub(before.Reserved),
		ReferenceID:    referenceID,
		CreatedAt:      time.Now(),
	}
}
