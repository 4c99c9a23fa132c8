package domain

import (
	"context"
	"time"
)

// TradeRepository 交易事务仓储接口
type TradeRepository interface {
	Save(ctx context.Context, trade *TradeTransaction) error
	Update(ctx context.Context, trade *TradeTransaction) error
	FindByTradeID(ctx context.Context, tradeID string) (*TradeTransaction, error)
	FindByAccount(ctx context.Context, accountID string, limit, offset int) ([]*TradeTransaction, error)
	// FindStuck 查找停留在非终态超过时限、尚未标记复核的交易
	FindStuck(ctx context.Context, statuses []TradeStatus, olderThan time.Time, limit int) ([]*TradeTransaction, error)
	// WithTx 事务执行
	WithTx(ctx context.Context, fn func(txCtx context.Context) error) error
}
