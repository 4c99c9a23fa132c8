// 出入金事务聚合根：从请求、校验、资金冻结到支付通道终态的完整生命周期，包含状态机流程。
package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/fsm"
	"github.com/wyfcoding/pkg/idgen"

	ledger "github.com/wyfcoding/brokerage/internal/ledger/domain"
)

// Direction 资金方向
type Direction string

const (
	DirectionDeposit    Direction = "DEPOSIT"
	DirectionWithdrawal Direction = "WITHDRAWAL"
)

// MovementStatus 出入金状态
type MovementStatus string

const (
	MovementStatusRequested       MovementStatus = "REQUESTED"        // 已受理
	MovementStatusValidated       MovementStatus = "VALIDATED"        // 校验通过
	MovementStatusReserved        MovementStatus = "RESERVED"         // 提现资金已冻结
	MovementStatusSubmitted       MovementStatus = "SUBMITTED"        // 已提交通道
	MovementStatusProviderPending MovementStatus = "PROVIDER_PENDING" // 通道受理，等待终态
	MovementStatusCompleted       MovementStatus = "COMPLETED"        // 已完成
	MovementStatusFailed          MovementStatus = "FAILED"           // 失败
)

// CashTransaction 出入金事务聚合根
type CashTransaction struct {
	ID                    uint            `json:"id"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	TransactionID         string          `json:"transaction_id"`
	AccountID             string          `json:"account_id"`
	Direction             Direction       `json:"direction"`
	Currency              ledger.Currency `json:"currency"`
	Amount                decimal.Decimal `json:"amount"`
	ProcessingFee         decimal.Decimal `json:"processing_fee"`
	NetAmount             decimal.Decimal `json:"net_amount"`
	PaymentMethod         PaymentMethod   `json:"payment_method"`
	ProviderCode          string          `json:"provider_code"`
	ProviderTransactionID string          `json:"provider_transaction_id"`
	IdempotencyKey        string          `json:"idempotency_key"`
	Status                MovementStatus  `json:"status"`
	ComplianceHold        bool            `json:"compliance_hold"`
	ReconciliationFlag    bool            `json:"reconciliation_flag"`
	FailureReason         string          `json:"failure_reason"`
	SubmittedAt           *time.Time      `json:"submitted_at"`
	CompletedAt           *time.Time      `json:"completed_at"`
	fsm                   *fsm.Machine[string, string]
}

func (CashTransaction) TableName() string {
	return "cash_transactions"
}

// NewCashTransaction 创建出入金事务。
// 入金净入账 amount-fee，提现从账户扣 amount、实际到账 amount-fee。
func NewCashTransaction(accountID string, direction Direction, currency ledger.Currency, amount, processingFee decimal.Decimal, method PaymentMethod, providerCode, idempotencyKey string, idGenerator idgen.Generator) *CashTransaction {
	prefix := "DEP"
	if direction == DirectionWithdrawal {
		prefix = "WDR"
	}
	t := &CashTransaction{
		TransactionID:  fmt.Sprintf("%s%d", prefix, idGenerator.Generate()),
		AccountID:      accountID,
		Direction:      direction,
		Currency:       currency,
		Amount:         amount,
		ProcessingFee:  processingFee,
		NetAmount:      amount.Sub(processingFee),
		PaymentMethod:  method,
		ProviderCode:   providerCode,
		IdempotencyKey: idempotencyKey,
		Status:         MovementStatusRequested,
	}
	t.initFSM()
	return t
}

func (t *CashTransaction) initFSM() {
	m := fsm.NewMachine[string, string](string(t.Status))
	m.AddTransition(string(MovementStatusRequested), "VALIDATE", string(MovementStatusValidated))
	m.AddTransition(string(MovementStatusValidated), "RESERVE", string(MovementStatusReserved))
	m.AddTransition(string(MovementStatusValidated), "SUBMIT", string(MovementStatusSubmitted))
	m.AddTransition(string(MovementStatusReserved), "SUBMIT", string(MovementStatusSubmitted))
	m.AddTransition(string(MovementStatusSubmitted), "ACKNOWLEDGE", string(MovementStatusProviderPending))
	m.AddTransition(string(MovementStatusSubmitted), "COMPLETE", string(MovementStatusCompleted))
	m.AddTransition(string(MovementStatusProviderPending), "COMPLETE", string(MovementStatusCompleted))
	m.AddTransition(string(MovementStatusRequested), "FAIL", string(MovementStatusFailed))
	m.AddTransition(string(MovementStatusValidated), "FAIL", string(MovementStatusFailed))
	m.AddTransition(string(MovementStatusReserved), "FAIL", string(MovementStatusFailed))
	m.AddTransition(string(MovementStatusSubmitted), "FAIL", string(MovementStatusFailed))
	m.AddTransition(string(MovementStatusProviderPending), "FAIL", string(MovementStatusFailed))
	t.fsm = m
}

// InitFSM 确保状态机已初始化
func (t *CashTransaction) InitFSM() {
	if t.fsm == nil {
		t.initFSM()
	}
}

// MarkValidated 校验通过
func (t *CashTransaction) MarkValidated(ctx context.Context) error {
	t.InitFSM()
	if err := t.fsm.Trigger(ctx, "VALIDATE"); err != nil {
		return err
	}
	t.Status = MovementStatusValidated
	return nil
}

// MarkReserved 提现资金冻结成功
func (t *CashTransaction) MarkReserved(ctx context.Context) error {
	t.InitFSM()
	if err := t.fsm.Trigger(ctx, "RESERVE"); err != nil {
		return err
	}
	t.Status = MovementStatusReserved
	return nil
}

// MarkSubmitted 已提交支付通道
func (t *CashTransaction) MarkSubmitted(ctx context.Context) error {
	t.InitFSM()
	if err := t.fsm.Trigger(ctx, "SUBMIT"); err != nil {
		return err
	}
	t.Status = MovementStatusSubmitted
	now := time.Now()
	t.SubmittedAt = &now
	return nil
}

// MarkProviderPending 通道已受理，等待异步终态
func (t *CashTransaction) MarkProviderPending(ctx context.Context, providerTransactionID string) error {
	t.InitFSM()
	if err := t.fsm.Trigger(ctx, "ACKNOWLEDGE"); err != nil {
		return err
	}
	t.Status = MovementStatusProviderPending
	t.ProviderTransactionID = providerTransactionID
	return nil
}

// Complete 通道确认完成
func (t *CashTransaction) Complete(ctx context.Context, providerTransactionID string) error {
	t.InitFSM()
	if err := t.fsm.Trigger(ctx, "COMPLETE"); err != nil {
		return err
	}
	t.Status = MovementStatusCompleted
	if providerTransactionID != "" {
		t.ProviderTransactionID = providerTransactionID
	}
	now := time.Now()
	t.CompletedAt = &now
	return nil
}

// Fail 出入金失败
func (t *CashTransaction) Fail(ctx context.Context, reason string) error {
	t.InitFSM()
	if err := t.fsm.Trigger(ctx, "FAIL"); err != nil {
		return err
	}
	t.Status = MovementStatusFailed
	t.FailureReason = reason
	return nil
}

// HoldForCompliance 合规拦截：事务保持 REQUESTED 非终态，等待人工清除后恢复
func (t *CashTransaction) HoldForCompliance(reason string) {
	t.ComplianceHold = true
	if t.FailureReason == "" {
		t.FailureReason = "compliance hold: " + reason
	}
}

// ClearHold 人工清除合规拦截
func (t *CashTransaction) ClearHold() {
	t.ComplianceHold = false
	t.FailureReason = ""
}

// FlagReconciliation 标记对账冲突，等待人工处理
func (t *CashTransaction) FlagReconciliation(reason string) {
	t.ReconciliationFlag = true
	if t.FailureReason == "" {
		t.FailureReason = reason
	}
}

// IsTerminal 是否处于终态
func (t *CashTransaction) IsTerminal() bool {
	return t.Status == MovementStatusCompleted || t.Status == MovementStatusFailed
}
