package application

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cashdomain "github.com/wyfcoding/brokerage/internal/cash/domain"
	ledgerdomain "github.com/wyfcoding/brokerage/internal/ledger/domain"
)

type fakeSums struct {
	daily   decimal.Decimal
	monthly decimal.Decimal
}

func (f *fakeSums) SumMovements(ctx context.Context, accountID string, currency ledgerdomain.Currency, direction cashdomain.Direction, since time.Time) (decimal.Decimal, error) {
	// 窗口越短，起点越近
	if time.Since(since) < 48*time.Hour {
		return f.daily, nil
	}
	return f.monthly, nil
}

type fakeBalances struct {
	balance *ledgerdomain.Balance
}

func (f *fakeBalances) Find(ctx context.Context, accountID string, currency ledgerdomain.Currency) (*ledgerdomain.Balance, error) {
	return f.balance, nil
}

func limitedAccount(limits ledgerdomain.MovementLimits) *ledgerdomain.Account {
	return ledgerdomain.NewAccount("ACC-1", "OWN-1", "US", ledgerdomain.CurrencyUSD,
		[]ledgerdomain.Currency{ledgerdomain.CurrencyUSD},
		map[ledgerdomain.Currency]ledgerdomain.MovementLimits{ledgerdomain.CurrencyUSD: limits})
}

func newEnforcer(sums *fakeSums, balances *fakeBalances) *Enforcer {
	return NewEnforcer(sums, balances, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEnforcer_AllowsWithinLimits(t *testing.T) {
	account := limitedAccount(ledgerdomain.MovementLimits{
		DailyDeposit:   decimal.NewFromInt(1000),
		MonthlyDeposit: decimal.NewFromInt(5000),
	})
	e := newEnforcer(&fakeSums{daily: decimal.NewFromInt(100), monthly: decimal.NewFromInt(100)}, &fakeBalances{})

	err := e.Check(context.Background(), account, ledgerdomain.CurrencyUSD, cashdomain.DirectionDeposit, decimal.NewFromInt(500))
	assert.NoError(t, err)
}

func TestEnforcer_DailyLimitCountsInFlight(t *testing.T) {
	// 日限 400，已用 100（含在途），再请求 500 必须拒绝
	account := limitedAccount(ledgerdomain.MovementLimits{
		DailyWithdrawal: decimal.NewFromInt(400),
	})
	e := newEnforcer(&fakeSums{daily: decimal.NewFromInt(100), monthly: decimal.NewFromInt(100)}, &fakeBalances{})

	err := e.Check(context.Background(), account, ledgerdomain.CurrencyUSD, cashdomain.DirectionWithdrawal, decimal.NewFromInt(500))
	require.ErrorIs(t, err, ledgerdomain.ErrLimitExceeded)
}

func TestEnforcer_DailyLimitBoundary(t *testing.T) {
	account := limitedAccount(ledgerdomain.MovementLimits{
		DailyDeposit: decimal.NewFromInt(400),
	})
	e := newEnforcer(&fakeSums{daily: decimal.NewFromInt(100), monthly: decimal.NewFromInt(100)}, &fakeBalances{})

	// 恰好用满限额允许，超出一分即拒绝
	err := e.Check(context.Background(), account, ledgerdomain.CurrencyUSD, cashdomain.DirectionDeposit, decimal.NewFromInt(300))
	assert.NoError(t, err)

	err = e.Check(context.Background(), account, ledgerdomain.CurrencyUSD, cashdomain.DirectionDeposit, decimal.RequireFromString("300.01"))
	assert.ErrorIs(t, err, ledgerdomain.ErrLimitExceeded)
}

func TestEnforcer_MonthlyLimit(t *testing.T) {
	account := limitedAccount(ledgerdomain.MovementLimits{
		DailyDeposit:   decimal.NewFromInt(10000),
		MonthlyDeposit: decimal.NewFromInt(5000),
	})
	e := newEnforcer(&fakeSums{daily: decimal.Zero, monthly: decimal.NewFromInt(4800)}, &fakeBalances{})

	err := e.Check(context.Background(), account, ledgerdomain.CurrencyUSD, cashdomain.DirectionDeposit, decimal.NewFromInt(300))
	require.ErrorIs(t, err, ledgerdomain.ErrLimitExceeded)
}

func TestEnforcer_MaxTotalBalanceProjection(t *testing.T) {
	account := limitedAccount(ledgerdomain.MovementLimits{
		MaxTotalBalance: decimal.NewFromInt(10000),
	})
	balance := ledgerdomain.NewBalance("ACC-1", ledgerdomain.CurrencyUSD)
	require.NoError(t, balance.Add(decimal.NewFromInt(9000)))
	require.NoError(t, balance.CreditPending(decimal.NewFromInt(500)))
	e := newEnforcer(&fakeSums{daily: decimal.Zero, monthly: decimal.Zero}, &fakeBalances{balance: balance})

	// 在途也计入总余额投影：9000 + 500 + 600 > 10000
	err := e.Check(context.Background(), account, ledgerdomain.CurrencyUSD, cashdomain.DirectionDeposit, decimal.NewFromInt(600))
	require.ErrorIs(t, err, ledgerdomain.ErrLimitExceeded)

	err = e.Check(context.Background(), account, ledgerdomain.CurrencyUSD, cashdomain.DirectionDeposit, decimal.NewFromInt(500))
	assert.NoError(t, err)
}

func TestEnforcer_MaxTotalBalanceIgnoredOnWithdrawal(t *testing.T) {
	account := limitedAccount(ledgerdomain.MovementLimits{
		MaxTotalBalance: decimal.NewFromInt(100),
	})
	e := newEnforcer(&fakeSums{daily: decimal.Zero, monthly: decimal.Zero}, &fakeBalances{})

	err := e.Check(context.Background(), account, ledgerdomain.CurrencyUSD, cashdomain.DirectionWithdrawal, decimal.NewFromInt(50))
	assert.NoError(t, err)
}

func TestEnforcer_NoLimitsConfiguredAllowsAll(t *testing.T) {
	account := ledgerdomain.NewAccount("ACC-1", "OWN-1", "US", ledgerdomain.CurrencyUSD,
		[]ledgerdomain.Currency{ledgerdomain.CurrencyUSD}, nil)
	e := newEnforcer(&fakeSums{}, &fakeBalances{})

	err := e.Check(context.Background(), account, ledgerdomain.CurrencyUSD, cashdomain.DirectionDeposit, decimal.NewFromInt(1000000))
	assert.NoError(t, err)
}

func TestEnforcer_ZeroLimitMeansUnlimited(t *testing.T) {
	account := limitedAccount(ledgerdomain.MovementLimits{
		DailyDeposit: decimal.Zero,
	})
	e := newEnforcer(&fakeSums{daily: decimal.NewFromInt(999999), monthly: decimal.NewFromInt(999999)}, &fakeBalances{})

	err := e.Check(context.Background(), account, ledgerdomain.CurrencyUSD, cashdomain.DirectionDeposit, decimal.NewFromInt(1000))
	assert.NoError(t, err)
}
