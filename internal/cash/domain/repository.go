package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	ledger "github.com/wyfcoding/brokerage/internal/ledger/domain"
)

// CashRepository 出入金事务仓储接口
// FindByProviderTransactionID / FindByIdempotencyKey 未命中时返回 (nil, nil)
type CashRepository interface {
	Save(ctx context.Context, tx *CashTransaction) error
	Update(ctx context.Context, tx *CashTransaction) error
	FindByTransactionID(ctx context.Context, transactionID string) (*CashTransaction, error)
	FindByProviderTransactionID(ctx context.Context, providerTransactionID string) (*CashTransaction, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*CashTransaction, error)
	FindByAccount(ctx context.Context, accountID string, limit, offset int) ([]*CashTransaction, error)
	// SumMovements 统计窗口内某方向的总额，包含已完成与在途（非失败）事务
	SumMovements(ctx context.Context, accountID string, currency ledger.Currency, direction Direction, since time.Time) (decimal.Decimal, error)
	// FindStuck 查找停留在非终态超过时限的事务
	FindStuck(ctx context.Context, statuses []MovementStatus, olderThan time.Time, limit int) ([]*CashTransaction, error)
	// WithTx 事务执行
	WithTx(ctx context.Context, fn func(txCtx context.Context) error) error
}
