package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/contextx"
	"gorm.io/gorm"

	"github.com/wyfcoding/brokerage/internal/cash/domain"
	ledger "github.com/wyfcoding/brokerage/internal/ledger/domain"
)

// CashTransactionModel 出入金事务表
type CashTransactionModel struct {
	ID                    uint            `gorm:"primarykey"`
	TransactionID         string          `gorm:"uniqueIndex;size:64;not null"`
	AccountID             string          `gorm:"index:idx_cash_account;size:64;not null"`
	Direction             string          `gorm:"index:idx_cash_account;size:16;not null"`
	Currency              string          `gorm:"size:8;not null"`
	Amount                decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	ProcessingFee         decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	NetAmount             decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	PaymentMethod         string          `gorm:"size:24;not null"`
	ProviderCode          string          `gorm:"size:32;not null"`
	ProviderTransactionID string          `gorm:"uniqueIndex;size:128;default:null"`
	IdempotencyKey        string          `gorm:"uniqueIndex;size:64;not null"`
	Status                string          `gorm:"index;size:24;not null"`
	ComplianceHold        bool            `gorm:"not null;default:false"`
	ReconciliationFlag    bool            `gorm:"not null;default:false"`
	FailureReason         string          `gorm:"size:255"`
	SubmittedAt           *time.Time
	CompletedAt           *time.Time
	CreatedAt             time.Time `gorm:"index"`
	UpdatedAt             time.Time
}

func (CashTransactionModel) TableName() string {
	return "cash_transactions"
}

// cashRepository 出入金事务仓储实现
type cashRepository struct {
	db *gorm.DB
}

func NewCashRepository(db *gorm.DB) domain.CashRepository {
	return &cashRepository{db: db}
}

func (r *cashRepository) Save(ctx context.Context, tx *domain.CashTransaction) error {
	model := toCashModel(tx)
	if err := r.getDB(ctx).WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	tx.ID = model.ID
	tx.CreatedAt = model.CreatedAt
	tx.UpdatedAt = model.UpdatedAt
	return nil
}

func (r *cashRepository) Update(ctx context.Context, tx *domain.CashTransaction) error {
	model := toCashModel(tx)
	result := r.getDB(ctx).WithContext(ctx).Model(&CashTransactionModel{}).
		Where("transaction_id = ?", tx.TransactionID).
		Updates(map[string]any{
			"provider_transaction_id": nullableString(model.ProviderTransactionID),
			"status":                  model.Status,
			"compliance_hold":         model.ComplianceHold,
			"reconciliation_flag":     model.ReconciliationFlag,
			"failure_reason":          model.FailureReason,
			"submitted_at":            model.SubmittedAt,
			"completed_at":            model.CompletedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("cash transaction %s not found", tx.TransactionID)
	}
	return nil
}

func (r *cashRepository) FindByTransactionID(ctx context.Context, transactionID string) (*domain.CashTransaction, error) {
	var model CashTransactionModel
	if err := r.getDB(ctx).WithContext(ctx).Where("transaction_id = ?", transactionID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("cash transaction %s not found", transactionID)
		}
		return nil, err
	}
	return toCashDomain(&model), nil
}

func (r *cashRepository) FindByProviderTransactionID(ctx context.Context, providerTransactionID string) (*domain.CashTransaction, error) {
	var model CashTransactionModel
	err := r.getDB(ctx).WithContext(ctx).
		Where("provider_transaction_id = ?", providerTransactionID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toCashDomain(&model), nil
}

func (r *cashRepository) FindByIdempotencyKey(ctx context.Context, key string) (*domain.CashTransaction, error) {
	var model CashTransactionModel
	err := r.getDB(ctx).WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toCashDomain(&model), nil
}

func (r *cashRepository) FindByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.CashTransaction, error) {
	var models []*CashTransactionModel
	err := r.getDB(ctx).WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id DESC").
		Limit(limit).Offset(offset).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	txs := make([]*domain.CashTransaction, len(models))
	for i, m := range models {
		txs[i] = toCashDomain(m)
	}
	return txs, nil
}

// SumMovements 统计窗口内某方向的总额，失败事务不占用额度
func (r *cashRepository) SumMovements(ctx context.Context, accountID string, currency ledger.Currency, direction domain.Direction, since time.Time) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := r.getDB(ctx).WithContext(ctx).Model(&CashTransactionModel{}).
		Select("SUM(amount)").
		Where("account_id = ? AND currency = ? AND direction = ? AND status <> ? AND created_at >= ?",
			accountID, string(currency), string(direction), string(domain.MovementStatusFailed), since).
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

func (r *cashRepository) FindStuck(ctx context.Context, statuses []domain.MovementStatus, olderThan time.Time, limit int) ([]*domain.CashTransaction, error) {
	statusStrings := make([]string, len(statuses))
	for i, s := range statuses {
		statusStrings[i] = string(s)
	}
	var models []*CashTransactionModel
	err := r.getDB(ctx).WithContext(ctx).
		Where("status IN ? AND updated_at < ? AND reconciliation_flag = ?", statusStrings, olderThan, false).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	txs := make([]*domain.CashTransaction, len(models))
	for i, m := range models {
		txs[i] = toCashDomain(m)
	}
	return txs, nil
}

func (r *cashRepository) WithTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		txCtx := contextx.WithTx(ctx, tx)
		return fn(txCtx)
	})
}

func (r *cashRepository) getDB(ctx context.Context) *gorm.DB {
	if tx, ok := contextx.GetTx(ctx).(*gorm.DB); ok {
		return tx
	}
	return r.db
}

// nullableString 空字符串写 NULL，避免唯一索引把空值视为重复
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toCashModel(t *domain.CashTransaction) *CashTransactionModel {
	return &CashTransactionModel{
		ID:                    t.ID,
		TransactionID:         t.TransactionID,
		AccountID:             t.AccountID,
		Direction:             string(t.Direction),
		Currency:              string(t.Currency),
		Amount:                t.Amount,
		ProcessingFee:         t.ProcessingFee,
		NetAmount:             t.NetAmount,
		PaymentMethod:         string(t.PaymentMethod),
		ProviderCode:          t.ProviderCode,
		ProviderTransactionID: t.ProviderTransactionID,
		IdempotencyKey:        t.IdempotencyKey,
		Status:                string(t.Status),
		ComplianceHold:        t.ComplianceHold,
		ReconciliationFlag:    t.ReconciliationFlag,
		FailureReason:         t.FailureReason,
		SubmittedAt:           t.SubmittedAt,
		CompletedAt:           t.CompletedAt,
	}
}

func toCashDomain(m *CashTransactionModel) *domain.CashTransaction {
	t := &domain.CashTransaction{
		ID:                    m.ID,
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
		TransactionID:         m.TransactionID,
		AccountID:             m.AccountID,
		Direction:             domain.Direction(m.Direction),
		Currency:              ledger.Currency(m.Currency),
		Amount:                m.Amount,
		ProcessingFee:         m.ProcessingFee,
		NetAmount:             m.NetAmount,
		PaymentMethod:         domain.PaymentMethod(m.PaymentMethod),
		ProviderCode:          m.ProviderCode,
		ProviderTransactionID: m.ProviderTransactionID,
		IdempotencyKey:        m.IdempotencyKey,
		Status:                domain.MovementStatus(m.Status),
		ComplianceHold:        m.ComplianceHold,
		ReconciliationFlag:    m.ReconciliationFlag,
		FailureReason:         m.FailureReason,
		SubmittedAt:           m.SubmittedAt,
		CompletedAt:           m.CompletedAt,
	}
	t.InitFSM()
	return t
}
