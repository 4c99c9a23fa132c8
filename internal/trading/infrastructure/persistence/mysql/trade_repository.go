package mysql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/contextx"
	"gorm.io/gorm"

	feesdomain "github.com/wyfcoding/brokerage/internal/fees/domain"
	ledger "github.com/wyfcoding/brokerage/internal/ledger/domain"
	"github.com/wyfcoding/brokerage/internal/trading/domain"
)

// TradeModel 交易事务表
type TradeModel struct {
	ID                uint            `gorm:"primarykey"`
	TradeID           string          `gorm:"uniqueIndex;size:64;not null"`
	AccountID         string          `gorm:"index;size:64;not null"`
	Symbol            string          `gorm:"size:32;not null"`
	AssetClass        string          `gorm:"size:16;not null"`
	Side              string          `gorm:"size:8;not null"`
	Currency          string          `gorm:"size:8;not null"`
	Quantity          decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	QuotePrice        decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	GrossAmount       decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	Fees              string          `gorm:"type:json;not null"`
	ReservedAmount    decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	ExecutionPrice    decimal.Decimal `gorm:"type:decimal(24,8)"`
	ExecutionQuantity decimal.Decimal `gorm:"type:decimal(24,8)"`
	FinalAmount       decimal.Decimal `gorm:"type:decimal(24,8)"`
	Status            string          `gorm:"index;size:24;not null"`
	ReviewRequired    bool            `gorm:"not null;default:false"`
	FailureReason     string          `gorm:"size:255"`
	ExecutedAt        *time.Time
	SettledAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (TradeModel) TableName() string {
	return "trade_transactions"
}

// tradeRepository 交易事务仓储实现
type tradeRepository struct {
	db *gorm.DB
}

func NewTradeRepository(db *gorm.DB) domain.TradeRepository {
	return &tradeRepository{db: db}
}

func (r *tradeRepository) Save(ctx context.Context, trade *domain.TradeTransaction) error {
	model, err := toTradeModel(trade)
	if err != nil {
		return err
	}
	if err := r.getDB(ctx).WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	trade.ID = model.ID
	trade.CreatedAt = model.CreatedAt
	trade.UpdatedAt = model.UpdatedAt
	return nil
}

func (r *tradeRepository) Update(ctx context.Context, trade *domain.TradeTransaction) error {
	model, err := toTradeModel(trade)
	if err != nil {
		return err
	}
	result := r.getDB(ctx).WithContext(ctx).Model(&TradeModel{}).
		Where("trade_id = ?", trade.TradeID).
		Updates(map[string]any{
			"execution_price":    model.ExecutionPrice,
			"execution_quantity": model.ExecutionQuantity,
			"final_amount":       model.FinalAmount,
			"status":             model.Status,
			"review_required":    model.ReviewRequired,
			"failure_reason":     model.FailureReason,
			"executed_at":        model.ExecutedAt,
			"settled_at":         model.SettledAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("trade %s not found", trade.TradeID)
	}
	return nil
}

func (r *tradeRepository) FindByTradeID(ctx context.Context, tradeID string) (*domain.TradeTransaction, error) {
	var model TradeModel
	if err := r.getDB(ctx).WithContext(ctx).Where("trade_id = ?", tradeID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("trade %s not found", tradeID)
		}
		return nil, err
	}
	return toTradeDomain(&model)
}

func (r *tradeRepository) FindByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.TradeTransaction, error) {
	var models []*TradeModel
	err := r.getDB(ctx).WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id DESC").
		Limit(limit).Offset(offset).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	trades := make([]*domain.TradeTransaction, 0, len(models))
	for _, m := range models {
		t, err := toTradeDomain(m)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func (r *tradeRepository) FindStuck(ctx context.Context, statuses []domain.TradeStatus, olderThan time.Time, limit int) ([]*domain.TradeTransaction, error) {
	statusStrings := make([]string, len(statuses))
	for i, s := range statuses {
		statusStrings[i] = string(s)
	}
	var models []*TradeModel
	err := r.getDB(ctx).WithContext(ctx).
		Where("status IN ? AND updated_at < ? AND review_required = ?", statusStrings, olderThan, false).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	trades := make([]*domain.TradeTransaction, 0, len(models))
	for _, m := range models {
		t, err := toTradeDomain(m)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func (r *tradeRepository) WithTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		txCtx := contextx.WithTx(ctx, tx)
		return fn(txCtx)
	})
}

func (r *tradeRepository) getDB(ctx context.Context) *gorm.DB {
	if tx, ok := contextx.GetTx(ctx).(*gorm.DB); ok {
		return tx
	}
	return r.db
}

func toTradeModel(t *domain.TradeTransaction) (*TradeModel, error) {
	fees, err := json.Marshal(t.Fees)
	if err != nil {
		return nil, fmt.Errorf("marshal fees for trade %s: %w", t.TradeID, err)
	}
	return &TradeModel{
		ID:                t.ID,
		TradeID:           t.TradeID,
		AccountID:         t.AccountID,
		Symbol:            t.Symbol,
		AssetClass:        string(t.AssetClass),
		Side:              string(t.Side),
		Currency:          string(t.Currency),
		Quantity:          t.Quantity,
		QuotePrice:        t.QuotePrice,
		GrossAmount:       t.GrossAmount,
		Fees:              string(fees),
		ReservedAmount:    t.ReservedAmount,
		ExecutionPrice:    t.ExecutionPrice,
		ExecutionQuantity: t.ExecutionQuantity,
		FinalAmount:       t.FinalAmount,
		Status:            string(t.Status),
		ReviewRequired:    t.ReviewRequired,
		FailureReason:     t.FailureReason,
		ExecutedAt:        t.ExecutedAt,
		SettledAt:         t.SettledAt,
	}, nil
}

func toTradeDomain(m *TradeModel) (*domain.TradeTransaction, error) {
	var fees feesdomain.Breakdown
	if m.Fees != "" {
		if err := json.Unmarshal([]byte(m.Fees), &fees); err != nil {
			return nil, fmt.Errorf("unmarshal fees for trade %s: %w", m.TradeID, err)
		}
	}
	trade := &domain.TradeTransaction{
		ID:                m.ID,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
		TradeID:           m.TradeID,
		AccountID:         m.AccountID,
		Symbol:            m.Symbol,
		AssetClass:        feesdomain.AssetClass(m.AssetClass),
		Side:              domain.TradeSide(m.Side),
		Currency:          ledger.Currency(m.Currency),
		Quantity:          m.Quantity,
		QuotePrice:        m.QuotePrice,
		GrossAmount:       m.GrossAmount,
		Fees:              fees,
		ReservedAmount:    m.ReservedAmount,
		ExecutionPrice:    m.ExecutionPrice,
		ExecutionQuantity: m.ExecutionQuantity,
		FinalAmount:       m.FinalAmount,
		Status:            domain.TradeStatus(m.Status),
		ReviewRequired:    m.ReviewRequired,
		FailureReason:     m.FailureReason,
		ExecutedAt:        m.ExecutedAt,
		SettledAt:         m.SettledAt,
	}
	trade.InitFSM()
	return trade, nil
}
