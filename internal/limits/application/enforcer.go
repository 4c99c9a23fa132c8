package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	cashdomain "github.com/wyfcoding/brokerage/internal/cash/domain"
	ledgerdomain "github.com/wyfcoding/brokerage/internal/ledger/domain"
)

// 限额窗口：日限额取滚动 24 小时，月限额取滚动 30 天
const (
	dailyWindow   = 24 * time.Hour
	monthlyWindow = 30 * 24 * time.Hour
)

// MovementSums 出入金流水统计依赖
type MovementSums interface {
	SumMovements(ctx context.Context, accountID string, currency ledgerdomain.Currency, direction cashdomain.Direction, since time.Time) (decimal.Decimal, error)
}

// Balances 余额查询依赖
type Balances interface {
	Find(ctx context.Context, accountID string, currency ledgerdomain.Currency) (*ledgerdomain.Balance, error)
}

// Enforcer 出入金限额检查器。
// 统计窗口覆盖已完成与在途事务，拒绝发生在任何资金移动之前。
type Enforcer struct {
	movements MovementSums
	balances  Balances
	logger    *slog.Logger
}

func NewEnforcer(movements MovementSums, balances Balances, logger *slog.Logger) *Enforcer {
	return &Enforcer{
		movements: movements,
		balances:  balances,
		logger:    logger,
	}
}

// Check 检查限额，超限返回 ErrLimitExceeded 并说明触发的限额
func (e *Enforcer) Check(ctx context.Context, account *ledgerdomain.Account, currency ledgerdomain.Currency, direction cashdomain.Direction, amount decimal.Decimal) error {
	limits, ok := account.LimitsFor(currency)
	if !ok {
		// 未配置限额的币种不受限
		return nil
	}

	now := time.Now()
	daily, err := e.movements.SumMovements(ctx, account.AccountID, currency, direction, now.Add(-dailyWindow))
	if err != nil {
		return fmt.Errorf("sum daily movements: %w", err)
	}
	monthly, err := e.movements.SumMovements(ctx, account.AccountID, currency, direction, now.Add(-monthlyWindow))
	if err != nil {
		return fmt.Errorf("sum monthly movements: %w", err)
	}

	var dailyLimit, monthlyLimit decimal.Decimal
	switch direction {
	case cashdomain.DirectionDeposit:
		dailyLimit, monthlyLimit = limits.DailyDeposit, limits.MonthlyDeposit
	case cashdomain.DirectionWithdrawal:
		dailyLimit, monthlyLimit = limits.DailyWithdrawal, limits.MonthlyWithdrawal
	default:
		return fmt.Errorf("unknown movement direction %q", direction)
	}

	if dailyLimit.IsPositive() && daily.Add(amount).GreaterThan(dailyLimit) {
		e.logDenied(ctx, account.AccountID, currency, direction, "daily", daily, amount, dailyLimit)
		return fmt.Errorf("%w: daily %s limit %s, used %s, requested %s",
			ledgerdomain.ErrLimitExceeded, direction, dailyLimit, daily, amount)
	}
	if monthlyLimit.IsPositive() && monthly.Add(amount).GreaterThan(monthlyLimit) {
		e.logDenied(ctx, account.AccountID, currency, direction, "monthly", monthly, amount, monthlyLimit)
		return fmt.Errorf("%w: monthly %s limit %s, used %s, requested %s",
			ledgerdomain.ErrLimitExceeded, direction, monthlyLimit, monthly, amount)
	}

	// 入金还要校验入账后总余额上限
	if direction == cashdomain.DirectionDeposit && limits.MaxTotalBalance.IsPositive() {
		balance, err := e.balances.Find(ctx, account.AccountID, currency)
		if err != nil {
			return fmt.Errorf("load balance for limit check: %w", err)
		}
		projected := balance.Total().Add(amount)
		if projected.GreaterThan(limits.MaxTotalBalance) {
			e.logDenied(ctx, account.AccountID, currency, direction, "max_total_balance", balance.Total(), amount, limits.MaxTotalBalance)
			return fmt.Errorf("%w: max total balance %s, projected %s",
				ledgerdomain.ErrLimitExceeded, limits.MaxTotalBalance, projected)
		}
	}
	return nil
}

func (e *Enforcer) logDenied(ctx context.Context, accountID string, currency ledgerdomain.Currency, direction cashdomain.Direction, limitType string, used, requested, limit decimal.Decimal) {
	e.logger.InfoContext(ctx, "movement denied by limit",
		"account_id", accountID,
		"currency", string(currency),
		"direction", string(direction),
		"limit_type", limitType,
		"used", used.String(),
		"requested", requested.String(),
		"limit", limit.String(),
	)
}
