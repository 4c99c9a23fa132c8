package mysql

import (
	"context"
	"errors"
	"fmt"

	"github.com/wyfcoding/pkg/contextx"
	"gorm.io/gorm"

	"github.com/wyfcoding/brokerage/internal/ledger/domain"
)

// accountRepository 账户仓储实现
type accountRepository struct {
	db *gorm.DB
}

// NewAccountRepository 创建并返回一个新的 accountRepository 实例。
func NewAccountRepository(db *gorm.DB) domain.AccountRepository {
	return &accountRepository{db: db}
}

func (r *accountRepository) Save(ctx context.Context, account *domain.Account) error {
	model, err := toAccountModel(account)
	if err != nil {
		return fmt.Errorf("marshal account %s: %w", account.AccountID, err)
	}
	if err := r.getDB(ctx).WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	account.ID = model.ID
	account.CreatedAt = model.CreatedAt
	account.UpdatedAt = model.UpdatedAt
	return nil
}

func (r *accountRepository) Update(ctx context.Context, account *domain.Account) error {
	model, err := toAccountModel(account)
	if err != nil {
		return fmt.Errorf("marshal account %s: %w", account.AccountID, err)
	}
	result := r.getDB(ctx).WithContext(ctx).Model(&AccountModel{}).
		Where("account_id = ?", account.AccountID).
		Updates(map[string]any{
			"supported_currencies": model.SupportedCurrencies,
			"limits":               model.Limits,
			"compliance_status":    model.ComplianceStatus,
			"status":               model.Status,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (r *accountRepository) FindByAccountID(ctx context.Context, accountID string) (*domain.Account, error) {
	var model AccountModel
	if err := r.getDB(ctx).WithContext(ctx).Where("account_id = ?", accountID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return toAccountDomain(&model)
}

func (r *accountRepository) FindByOwnerID(ctx context.Context, ownerID string) ([]*domain.Account, error) {
	var models []*AccountModel
	if err := r.getDB(ctx).WithContext(ctx).Where("owner_id = ?", ownerID).Find(&models).Error; err != nil {
		return nil, err
	}
	accounts := make([]*domain.Account, 0, len(models))
	for _, m := range models {
		a, err := toAccountDomain(m)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

func (r *accountRepository) getDB(ctx context.Context) *gorm.DB {
	if tx, ok := contextx.GetTx(ctx).(*gorm.DB); ok {
		return tx
	}
	return r.db
}
