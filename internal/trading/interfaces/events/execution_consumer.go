package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/brokerage/internal/trading/application"
	"github.com/wyfcoding/brokerage/pkg/mq"
)

// ExecutionReport 交易所成交回报
type ExecutionReport struct {
	TradeID           string          `json:"trade_id"`
	ExecutionPrice    decimal.Decimal `json:"execution_price"`
	ExecutionQuantity decimal.Decimal `json:"execution_quantity"`
	ExecutedAt        time.Time       `json:"executed_at"`
}

// ExecutionConsumer 消费成交回报并驱动结算。
// 处理失败的消息进入死信队列，不阻塞后续回报。
type ExecutionConsumer struct {
	consumer   *mq.KafkaConsumer
	settlement *application.SettlementService
	dlq        *mq.DeadLetterQueue
	logger     *slog.Logger
}

func NewExecutionConsumer(consumer *mq.KafkaConsumer, settlement *application.SettlementService, dlq *mq.DeadLetterQueue, logger *slog.Logger) *ExecutionConsumer {
	return &ExecutionConsumer{
		consumer:   consumer,
		settlement: settlement,
		dlq:        dlq,
		logger:     logger,
	}
}

// Run 阻塞消费直至 ctx 取消
func (c *ExecutionConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.consumer.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			c.logger.ErrorContext(ctx, "failed to read execution report", "error", err)
			continue
		}
		if err := c.handle(ctx, msg); err != nil {
			c.logger.ErrorContext(ctx, "failed to process execution report",
				"trade_key", msg.Key, "offset", msg.Offset, "error", err)
			if c.dlq != nil {
				if dlqErr := c.dlq.Send(ctx, msg, "execution settlement failed", err); dlqErr != nil {
					c.logger.ErrorContext(ctx, "failed to dead-letter execution report", "error", dlqErr)
				}
			}
		}
	}
}

func (c *ExecutionConsumer) handle(ctx context.Context, msg *mq.Message) error {
	var report ExecutionReport
	if err := msg.UnmarshalPayload(&report); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "execution report received",
		"trade_id", report.TradeID,
		"execution_price", report.ExecutionPrice.String(),
		"execution_quantity", report.ExecutionQuantity.String())
	return c.settlement.ConfirmExecution(ctx, report.TradeID, report.ExecutionPrice, report.ExecutionQuantity)
}
