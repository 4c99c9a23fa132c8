package mysql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/brokerage/internal/fees/domain"
	ledger "github.com/wyfcoding/brokerage/internal/ledger/domain"
)

// FeeScheduleModel 费率表
type FeeScheduleModel struct {
	ID         uint   `gorm:"primarykey"`
	AssetClass string `gorm:"uniqueIndex:idx_class_currency;size:16;not null"`
	Currency   string `gorm:"uniqueIndex:idx_class_currency;size:8;not null"`
	Components string `gorm:"type:json;not null"`
}

func (FeeScheduleModel) TableName() string {
	return "fee_schedules"
}

type scheduleComponents struct {
	Commission domain.FeeComponent `json:"commission"`
	Taxes      domain.FeeComponent `json:"taxes"`
	Exchange   domain.FeeComponent `json:"exchange"`
	Regulatory domain.FeeComponent `json:"regulatory"`
}

type scheduleRepository struct {
	db *gorm.DB
}

func NewScheduleRepository(db *gorm.DB) domain.ScheduleRepository {
	return &scheduleRepository{db: db}
}

func (r *scheduleRepository) Save(ctx context.Context, schedule *domain.FeeSchedule) error {
	components, err := json.Marshal(scheduleComponents{
		Commission: schedule.Commission,
		Taxes:      schedule.Taxes,
		Exchange:   schedule.Exchange,
		Regulatory: schedule.Regulatory,
	})
	if err != nil {
		return fmt.Errorf("marshal fee schedule %s/%s: %w", schedule.AssetClass, schedule.Currency, err)
	}
	model := &FeeScheduleModel{
		AssetClass: string(schedule.AssetClass),
		Currency:   string(schedule.Currency),
		Components: string(components),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "asset_class"}, {Name: "currency"}},
		DoUpdates: clause.AssignmentColumns([]string{"components"}),
	}).Create(model).Error
}

func (r *scheduleRepository) Find(ctx context.Context, assetClass domain.AssetClass, currency ledger.Currency) (*domain.FeeSchedule, error) {
	var model FeeScheduleModel
	err := r.db.WithContext(ctx).
		Where("asset_class = ? AND currency = ?", string(assetClass), string(currency)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toSchedule(&model)
}

func (r *scheduleRepository) FindAll(ctx context.Context) ([]*domain.FeeSchedule, error) {
	var models []*FeeScheduleModel
	if err := r.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, err
	}
	schedules := make([]*domain.FeeSchedule, 0, len(models))
	for _, m := range models {
		s, err := toSchedule(m)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, nil
}

func toSchedule(m *FeeScheduleModel) (*domain.FeeSchedule, error) {
	var components scheduleComponents
	if err := json.Unmarshal([]byte(m.Components), &components); err != nil {
		return nil, fmt.Errorf("unmarshal fee schedule %s/%s: %w", m.AssetClass, m.Currency, err)
	}
	return &domain.FeeSchedule{
		AssetClass: domain.AssetClass(m.AssetClass),
		Currency:   ledger.Currency(m.Currency),
		Commission: components.Commission,
		Taxes:      components.Taxes,
		Exchange:   components.Exchange,
		Regulatory: components.Regulatory,
	}, nil
}
