package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	ledger "github.com/wyfcoding/brokerage/internal/ledger/domain"
)

// PaymentMethod 支付方式
type PaymentMethod string

const (
	PaymentMethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	PaymentMethodCard         PaymentMethod = "CARD"
	PaymentMethodWire         PaymentMethod = "WIRE"
)

// allowedMethods 通道支持的支付方式，空表表示不限制
var methodByDirection = map[Direction][]PaymentMethod{
	DirectionDeposit:    {PaymentMethodBankTransfer, PaymentMethodCard, PaymentMethodWire},
	DirectionWithdrawal: {PaymentMethodBankTransfer, PaymentMethodWire},
}

// ValidateMethod 校验方向与支付方式的组合，卡入金可用、卡提现不可用
func ValidateMethod(direction Direction, method PaymentMethod) error {
	for _, m := range methodByDirection[direction] {
		if m == method {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not allowed for %s", ledger.ErrInvalidPaymentMethod, method, direction)
}

// PaymentRequest 提交支付通道的请求
type PaymentRequest struct {
	TransactionID  string
	IdempotencyKey string
	Direction      Direction
	Method         PaymentMethod
	Currency       ledger.Currency
	Amount         decimal.Decimal
	AccountID      string
}

// ProviderStatus 通道侧状态
type ProviderStatus string

const (
	ProviderStatusAccepted  ProviderStatus = "ACCEPTED"  // 已受理，待终态
	ProviderStatusCompleted ProviderStatus = "COMPLETED" // 同步完成
	ProviderStatusFailed    ProviderStatus = "FAILED"
	ProviderStatusUnknown   ProviderStatus = "UNKNOWN" // 通道查无此单
)

// ProviderResult 通道受理结果
type ProviderResult struct {
	ProviderTransactionID string
	Status                ProviderStatus
	FailureReason         string
}

// WebhookEvent 通道回调归一化后的事件
type WebhookEvent struct {
	ProviderCode          string
	ProviderTransactionID string
	TransactionID         string
	Status                ProviderStatus
	Amount                decimal.Decimal
	Currency              ledger.Currency
	FailureReason         string
	OccurredAt            time.Time
}

// ProviderAdapter 支付通道适配器。
// ProcessPayment 提交支付；NormalizeWebhook 把通道回调转成统一事件；
// QueryPayment 供恢复巡检主动查询通道侧状态。
type ProviderAdapter interface {
	Code() string
	ProcessPayment(ctx context.Context, req PaymentRequest) (*ProviderResult, error)
	NormalizeWebhook(payload []byte) (*WebhookEvent, error)
	QueryPayment(ctx context.Context, transactionID string) (*ProviderResult, error)
}

// ComplianceChecker 外部合规检查，本服务只消费结论
type ComplianceChecker interface {
	Check(ctx context.Context, accountID string, direction Direction, currency ledger.Currency, amount decimal.Decimal) (hold bool, reason string, err error)
}
