package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// 事件类型
const (
	DepositCompletedEventType      = "cash.deposit_completed"
	WithdrawalCompletedEventType   = "cash.withdrawal_completed"
	MovementFailedEventType        = "cash.movement_failed"
	ReconciliationFlaggedEventType = "cash.reconciliation_flagged"
)

// MovementEvent 出入金事件
type MovementEvent struct {
	TransactionID         string          `json:"transaction_id"`
	AccountID             string          `json:"account_id"`
	Direction             string          `json:"direction"`
	Currency              string          `json:"currency"`
	Amount                decimal.Decimal `json:"amount"`
	NetAmount             decimal.Decimal `json:"net_amount"`
	ProviderCode          string          `json:"provider_code"`
	ProviderTransactionID string          `json:"provider_transaction_id"`
	Reason                string          `json:"reason,omitempty"`
	OccurredOn            time.Time       `json:"occurred_on"`
}

// EventPublisher 出入金事件发布接口
type EventPublisher interface {
	PublishMovementCompleted(event MovementEvent) error
	PublishMovementFailed(event MovementEvent) error
	PublishReconciliationFlagged(event MovementEvent) error
}
