package mysql

import (
	"context"

	"github.com/wyfcoding/pkg/contextx"
	"gorm.io/gorm"

	"github.com/wyfcoding/brokerage/internal/ledger/domain"
)

// txManager 以 gorm 事务实现事务边界，事务句柄通过 context 传递给仓储
type txManager struct {
	db *gorm.DB
}

func NewTxManager(db *gorm.DB) domain.TxManager {
	return &txManager{db: db}
}

func (m *txManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		txCtx := contextx.WithTx(ctx, tx)
		return fn(txCtx)
	})
}
