// 交易结算聚合根：从报价、资金冻结到执行结算的完整生命周期，包含状态机流程。
package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/fsm"
	"github.com/wyfcoding/pkg/idgen"

	feesdomain "github.com/wyfcoding/brokerage/internal/fees/domain"
	ledger "github.com/wyfcoding/brokerage/internal/ledger/domain"
)

// TradeStatus 交易状态
type TradeStatus string

const (
	TradeStatusQuoted           TradeStatus = "QUOTED"            // 已报价，资金未动
	TradeStatusReserved         TradeStatus = "RESERVED"          // 资金已冻结
	TradeStatusPendingExecution TradeStatus = "PENDING_EXECUTION" // 已提交交易所
	TradeStatusExecuted         TradeStatus = "EXECUTED"          // 已成交，待结算
	TradeStatusSettled          TradeStatus = "SETTLED"           // 已结算
	TradeStatusFailed           TradeStatus = "FAILED"            // 失败
	TradeStatusCancelled        TradeStatus = "CANCELLED"         // 已取消
)

// TradeSide 交易方向
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// TradeTransaction 交易事务聚合根
type TradeTransaction struct {
	ID                uint                  `json:"id"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
	TradeID           string                `json:"trade_id"`
	AccountID         string                `json:"account_id"`
	Symbol            string                `json:"symbol"`
	AssetClass        feesdomain.AssetClass `json:"asset_class"`
	Side              TradeSide             `json:"side"`
	Currency          ledger.Currency       `json:"currency"`
	Quantity          decimal.Decimal       `json:"quantity"`
	QuotePrice        decimal.Decimal       `json:"quote_price"`
	GrossAmount       decimal.Decimal       `json:"gross_amount"`
	Fees              feesdomain.Breakdown  `json:"fees"`
	ReservedAmount    decimal.Decimal       `json:"reserved_amount"`
	ExecutionPrice    decimal.Decimal       `json:"execution_price"`
	ExecutionQuantity decimal.Decimal       `json:"execution_quantity"`
	FinalAmount       decimal.Decimal       `json:"final_amount"`
	Status            TradeStatus           `json:"status"`
	ReviewRequired    bool                  `json:"review_required"`
	FailureReason     string                `json:"failure_reason"`
	ExecutedAt        *time.Time            `json:"executed_at"`
	SettledAt         *time.Time            `json:"settled_at"`
	fsm               *fsm.Machine[string, string]
}

func (TradeTransaction) TableName() string {
	return "trade_transactions"
}

// NewTradeTransaction 创建交易事务。
// 买入冻结 gross+fees，卖出结算后入账 gross-fees。
func NewTradeTransaction(accountID, symbol string, assetClass feesdomain.AssetClass, side TradeSide, currency ledger.Currency, quantity, quotePrice decimal.Decimal, fees feesdomain.Breakdown, idGenerator idgen.Generator) *TradeTransaction {
	tradeID := fmt.Sprintf("TRD%d", idGenerator.Generate())
	gross := quantity.Mul(quotePrice)
	t := &TradeTransaction{
		TradeID:     tradeID,
		AccountID:   accountID,
		Symbol:      symbol,
		AssetClass:  assetClass,
		Side:        side,
		Currency:    currency,
		Quantity:    quantity,
		QuotePrice:  quotePrice,
		GrossAmount: gross,
		Fees:        fees,
		Status:      TradeStatusQuoted,
	}
	if side == TradeSideBuy {
		t.ReservedAmount = gross.Add(fees.Total)
	}
	t.initFSM()
	return t
}

func (t *TradeTransaction) initFSM() {
	m := fsm.NewMachine[string, string](string(t.Status))
	m.AddTransition(string(TradeStatusQuoted), "RESERVE", string(TradeStatusReserved))
	m.AddTransition(string(TradeStatusReserved), "SUBMIT", string(TradeStatusPendingExecution))
	// 卖出不冻结现金，报价后直接提交
	m.AddTransition(string(TradeStatusQuoted), "SUBMIT", string(TradeStatusPendingExecution))
	m.AddTransition(string(TradeStatusPendingExecution), "EXECUTE", string(TradeStatusExecuted))
	m.AddTransition(string(TradeStatusExecuted), "SETTLE", string(TradeStatusSettled))
	m.AddTransition(string(TradeStatusQuoted), "FAIL", string(TradeStatusFailed))
	m.AddTransition(string(TradeStatusReserved), "FAIL", string(TradeStatusFailed))
	m.AddTransition(string(TradeStatusPendingExecution), "FAIL", string(TradeStatusFailed))
	m.AddTransition(string(TradeStatusExecuted), "FAIL", string(TradeStatusFailed))
	m.AddTransition(string(TradeStatusQuoted), "CANCEL", string(TradeStatusCancelled))
	m.AddTransition(string(TradeStatusReserved), "CANCEL", string(TradeStatusCancelled))
	m.AddTransition(string(TradeStatusPendingExecution), "CANCEL", string(TradeStatusCancelled))
	t.fsm = m
}

// InitFSM 确保状态机已初始化
func (t *TradeTransaction) InitFSM() {
	if t.fsm == nil {
		t.initFSM()
	}
}

// MarkReserved 资金冻结成功
func (t *TradeTransaction) MarkReserved(ctx context.Context) error {
	t.InitFSM()
	if err := t.fsm.Trigger(ctx, "RESERVE"); err != nil {
		return err
	}
	t.Status = TradeStatusReserved
	return nil
}

// MarkSubmitted 已提交交易所执行
func (t *TradeTransaction) MarkSubmitted(ctx context.Context) error {
	t.InitFSM()
	if err := t.fsm.Trigger(ctx, "SUBMIT"); err != nil {
		return err
	}
	t.Status = TradeStatusPendingExecution
	return nil
}

// MarkExecuted 收到成交回报，记录实际成交价与数量
func (t *TradeTransaction) MarkExecuted(ctx context.Context, executionPrice, executionQuantity decimal.Decimal) error {
	t.InitFSM()
	if err := t.fsm.Trigger(ctx, "EXECUTE"); err != nil {
		return err
	}
	t.Status = TradeStatusExecuted
	t.ExecutionPrice = executionPrice
	t.ExecutionQuantity = executionQuantity
	now := time.Now()
	t.ExecutedAt = &now
	return nil
}

// MarkSettled 资金结算完成
func (t *TradeTransaction) MarkSettled(ctx context.Context, finalAmount decimal.Decimal) error {
	t.InitFSM()
	if err := t.fsm.Trigger(ctx, "SETTLE"); err != nil {
		return err
	}
	t.Status = TradeStatusSettled
	t.FinalAmount = finalAmount
	now := time.Now()
	t.SettledAt = &now
	return nil
}

// Fail 交易失败
func (t *TradeTransaction) Fail(ctx context.Context, reason string) error {
	t.InitFSM()
	if err := t.fsm.Trigger(ctx, "FAIL"); err != nil {
		return err
	}
	t.Status = TradeStatusFailed
	t.FailureReason = reason
	return nil
}

// Cancel 成交前取消
func (t *TradeTransaction) Cancel(ctx context.Context) error {
	t.InitFSM()
	if err := t.fsm.Trigger(ctx, "CANCEL"); err != nil {
		return err
	}
	t.Status = TradeStatusCancelled
	return nil
}

// FlagForReview 标记需要人工复核
func (t *TradeTransaction) FlagForReview(reason string) {
	t.ReviewRequired = true
	if t.FailureReason == "" {
		t.FailureReason = reason
	}
}

// ExecutionCost 买入按实际成交计算的结算金额 (含费用)
func (t *TradeTransaction) ExecutionCost() decimal.Decimal {
	return t.ExecutionPrice.Mul(t.ExecutionQuantity).Add(t.Fees.Total)
}

// ExecutionProceeds 卖出按实际成交计算的净入账金额 (扣除费用)
func (t *TradeTransaction) ExecutionProceeds() decimal.Decimal {
	return t.ExecutionPrice.Mul(t.ExecutionQuantity).Sub(t.Fees.Total)
}

// IsTerminal 是否处于终态
func (t *TradeTransaction) IsTerminal() bool {
	switch t.Status {
	case TradeStatusSettled, TradeStatusFailed, TradeStatusCancelled:
		return true
	}
	return false
}
