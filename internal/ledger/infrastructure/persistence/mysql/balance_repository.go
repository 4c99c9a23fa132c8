package mysql

import (
	"context"
	"errors"
	"time"

	"github.com/wyfcoding/pkg/contextx"
	"gorm.io/gorm"

	"github.com/wyfcoding/brokerage/internal/ledger/domain"
)

// balanceRepository 余额仓储实现，Save 带乐观锁
type balanceRepository struct {
	db *gorm.DB
}

func NewBalanceRepository(db *gorm.DB) domain.BalanceRepository {
	return &balanceRepository{db: db}
}

func (r *balanceRepository) Create(ctx context.Context, balance *domain.Balance) error {
	model := toBalanceModel(balance)
	if err := r.getDB(ctx).WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	balance.UpdatedAt = model.UpdatedAt
	return nil
}

// Save 按 (account_id, currency, version) 条件更新。
// 并发修改导致未命中任何行时返回 ErrVersionConflict，由上层重载重放。
func (r *balanceRepository) Save(ctx context.Context, balance *domain.Balance) error {
	currentVersion := balance.Version
	result := r.getDB(ctx).WithContext(ctx).Model(&BalanceModel{}).
		Where("account_id = ? AND currency = ? AND version = ?",
			balance.AccountID, string(balance.Currency), currentVersion).
		Updates(map[string]any{
			"available": balance.Available,
			"pending":   balance.Pending,
			"reserved":  balance.Reserved,
			"version":   currentVersion + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrVersionConflict
	}
	balance.Version = currentVersion + 1
	balance.UpdatedAt = time.Now()
	return nil
}

func (r *balanceRepository) Find(ctx context.Context, accountID string, currency domain.Currency) (*domain.Balance, error) {
	var model BalanceModel
	err := r.getDB(ctx).WithContext(ctx).
		Where("account_id = ? AND currency = ?", accountID, string(currency)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return toBalanceDomain(&model), nil
}

func (r *balanceRepository) FindAll(ctx context.Context, accountID string) ([]*domain.Balance, error) {
	var models []*BalanceModel
	err := r.getDB(ctx).WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("currency ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	balances := make([]*domain.Balance, len(models))
	for i, m := range models {
		balances[i] = toBalanceDomain(m)
	}
	return balances, nil
}

func (r *balanceRepository) getDB(ctx context.Context) *gorm.DB {
	if tx, ok := contextx.GetTx(ctx).(*gorm.DB); ok {
		return tx
	}
	return r.db
}
