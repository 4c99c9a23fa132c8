package mysql

import (
	"context"
	"errors"

	"github.com/wyfcoding/pkg/contextx"
	"gorm.io/gorm"

	"github.com/wyfcoding/brokerage/internal/ledger/domain"
)

// entryRepository 台账分录仓储实现
type entryRepository struct {
	db *gorm.DB
}

func NewEntryRepository(db *gorm.DB) domain.EntryRepository {
	return &entryRepository{db: db}
}

func (r *entryRepository) Save(ctx context.Context, entry *domain.LedgerEntry) error {
	model := toEntryModel(entry)
	if err := r.getDB(ctx).WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	entry.ID = model.ID
	return nil
}

func (r *entryRepository) FindByOperationID(ctx context.Context, operationID string) (*domain.LedgerEntry, error) {
	var model LedgerEntryModel
	err := r.getDB(ctx).WithContext(ctx).
		Where("operation_id = ?", operationID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toEntryDomain(&model), nil
}

func (r *entryRepository) FindByAccount(ctx context.Context, accountID string, currency domain.Currency, limit, offset int) ([]*domain.LedgerEntry, error) {
	query := r.getDB(ctx).WithContext(ctx).Where("account_id = ?", accountID)
	if currency != "" {
		query = query.Where("currency = ?", string(currency))
	}
	var models []*LedgerEntryModel
	if err := query.Order("id DESC").Limit(limit).Offset(offset).Find(&models).Error; err != nil {
		return nil, err
	}
	entries := make([]*domain.LedgerEntry, len(models))
	for i, m := range models {
		entries[i] = toEntryDomain(m)
	}
	return entries, nil
}

func (r *entryRepository) FindByReferenceID(ctx context.Context, referenceID string) ([]*domain.LedgerEntry, error) {
	var models []*LedgerEntryModel
	err := r.getDB(ctx).WithContext(ctx).
		Where("reference_id = ?", referenceID).
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	entries := make([]*domain.LedgerEntry, len(models))
	for i, m := range models {
		entries[i] = toEntryDomain(m)
	}
	return entries, nil
}

func (r *entryRepository) getDB(ctx context.Context) *gorm.DB {
	if tx, ok := contextx.GetTx(ctx).(*gorm.DB); ok {
		return tx
	}
	return r.db
}
