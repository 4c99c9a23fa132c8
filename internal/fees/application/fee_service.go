package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/brokerage/internal/fees/domain"
	ledger "github.com/wyfcoding/brokerage/internal/ledger/domain"
)

// FeeService 费用计算应用服务。
// 费率表启动时从仓储全量加载进内存，保证计算路径无 IO 且确定。
type FeeService struct {
	repo   domain.ScheduleRepository
	logger *slog.Logger

	mu        sync.RWMutex
	schedules map[string]*domain.FeeSchedule
}

func NewFeeService(repo domain.ScheduleRepository, logger *slog.Logger) *FeeService {
	return &FeeService{
		repo:      repo,
		logger:    logger,
		schedules: make(map[string]*domain.FeeSchedule),
	}
}

// LoadSchedules 全量加载费率表，仓储为空时落入默认费率
func (s *FeeService) LoadSchedules(ctx context.Context) error {
	schedules, err := s.repo.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("load fee schedules: %w", err)
	}
	if len(schedules) == 0 {
		schedules = defaultSchedules()
		for _, sched := range schedules {
			if err := s.repo.Save(ctx, sched); err != nil {
				return fmt.Errorf("seed default fee schedule %s/%s: %w", sched.AssetClass, sched.Currency, err)
			}
		}
		s.logger.InfoContext(ctx, "seeded default fee schedules", "count", len(schedules))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules = make(map[string]*domain.FeeSchedule, len(schedules))
	for _, sched := range schedules {
		s.schedules[scheduleKey(sched.AssetClass, sched.Currency)] = sched
	}
	return nil
}

// UpdateSchedule 更新费率表并刷新内存副本
func (s *FeeService) UpdateSchedule(ctx context.Context, schedule *domain.FeeSchedule) error {
	if err := s.repo.Save(ctx, schedule); err != nil {
		return err
	}
	s.mu.Lock()
	s.schedules[scheduleKey(schedule.AssetClass, schedule.Currency)] = schedule
	s.mu.Unlock()
	return nil
}

// Calculate 计算指定资产类别与币种下的费用明细
func (s *FeeService) Calculate(ctx context.Context, amount decimal.Decimal, assetClass domain.AssetClass, currency ledger.Currency) (*domain.Breakdown, error) {
	s.mu.RLock()
	schedule, ok := s.schedules[scheduleKey(assetClass, currency)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no fee schedule for asset class %s in %s", assetClass, currency)
	}
	return schedule.Calculate(amount)
}

func scheduleKey(assetClass domain.AssetClass, currency ledger.Currency) string {
	return string(assetClass) + ":" + string(currency)
}

// defaultSchedules 内置费率：佣金 0.1%（最低 1，最高 50），
// 税费 0.05%，交易所费 0.02%，监管费 0.01%
func defaultSchedules() []*domain.FeeSchedule {
	var out []*domain.FeeSchedule
	for _, ac := range []domain.AssetClass{domain.AssetClassEquity, domain.AssetClassETF, domain.AssetClassBond, domain.AssetClassOption} {
		for _, cur := range ledger.AllCurrencies() {
			out = append(out, &domain.FeeSchedule{
				AssetClass: ac,
				Currency:   cur,
				Commission: domain.FeeComponent{
					Rate: decimal.NewFromFloat(0.001),
					Min:  decimal.NewFromInt(1),
					Max:  decimal.NewFromInt(50),
				},
				Taxes:      domain.FeeComponent{Rate: decimal.NewFromFloat(0.0005)},
				Exchange:   domain.FeeComponent{Rate: decimal.NewFromFloat(0.0002)},
				Regulatory: domain.FeeComponent{Rate: decimal.NewFromFloat(0.0001)},
			})
		}
	}
	return out
}
