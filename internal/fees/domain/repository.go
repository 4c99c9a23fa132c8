package domain

import (
	"context"

	ledger "github.com/wyfcoding/brokerage/internal/ledger/domain"
)

// ScheduleRepository 费率表仓储接口
// Find 未命中时返回 (nil, nil)
type ScheduleRepository interface {
	Save(ctx context.Context, schedule *FeeSchedule) error
	Find(ctx context.Context, assetClass AssetClass, currency ledger.Currency) (*FeeSchedule, error)
	FindAll(ctx context.Context) ([]*FeeSchedule, error)
}
