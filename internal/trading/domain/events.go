package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// 事件类型
const (
	BuyOrderPlacedEventType     = "trading.buy_order_placed"
	SellOrderPlacedEventType    = "trading.sell_order_placed"
	TradeSettledEventType       = "trading.trade_settled"
	TradeFailedEventType        = "trading.trade_failed"
	TradeReviewFlaggedEventType = "trading.trade_review_flagged"
)

// OrderPlacedEvent 订单已落账冻结
type OrderPlacedEvent struct {
	TradeID        string          `json:"trade_id"`
	AccountID      string          `json:"account_id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Currency       string          `json:"currency"`
	Quantity       decimal.Decimal `json:"quantity"`
	QuotePrice     decimal.Decimal `json:"quote_price"`
	ReservedAmount decimal.Decimal `json:"reserved_amount"`
	OccurredOn     time.Time       `json:"occurred_on"`
}

// TradeSettledEvent 交易结算完成
type TradeSettledEvent struct {
	TradeID           string          `json:"trade_id"`
	AccountID         string          `json:"account_id"`
	Side              string          `json:"side"`
	Currency          string          `json:"currency"`
	ExecutionPrice    decimal.Decimal `json:"execution_price"`
	ExecutionQuantity decimal.Decimal `json:"execution_quantity"`
	FinalAmount       decimal.Decimal `json:"final_amount"`
	OccurredOn        time.Time       `json:"occurred_on"`
}

// TradeFailedEvent 交易失败
type TradeFailedEvent struct {
	TradeID        string    `json:"trade_id"`
	AccountID      string    `json:"account_id"`
	Reason         string    `json:"reason"`
	ReviewRequired bool      `json:"review_required"`
	OccurredOn     time.Time `json:"occurred_on"`
}

// EventPublisher 交易事件发布接口
type EventPublisher interface {
	PublishBuyOrderPlaced(event OrderPlacedEvent) error
	PublishSellOrderPlaced(event OrderPlacedEvent) error
	PublishTradeSettled(event TradeSettledEvent) error
	PublishTradeFailed(event TradeFailedEvent) error
}
