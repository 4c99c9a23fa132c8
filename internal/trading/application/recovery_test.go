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

	feesdomain "github.com/wyfcoding/brokerage/internal/fees/domain"
	ledgerdomain "github.com/wyfcoding/brokerage/internal/ledger/domain"
	"github.com/wyfcoding/brokerage/internal/trading/domain"
)

func newTradeRecoveryFixture() (*RecoveryService, *fakeTradeRepo) {
	trades := newFakeTradeRepo()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewRecoveryService(trades, time.Minute, 30*time.Minute, 50, logger, nil)
	return svc, trades
}

func stuckBuyTrade(t *testing.T) *domain.TradeTransaction {
	t.Helper()
	ctx := context.Background()
	trade := domain.NewTradeTransaction("ACC-1", "AAPL", feesdomain.AssetClassEquity, domain.TradeSideBuy,
		ledgerdomain.CurrencyUSD, decimal.NewFromInt(10), decimal.NewFromInt(75), feesdomain.Breakdown{}, &seqGenerator{})
	require.NoError(t, trade.MarkReserved(ctx))
	require.NoError(t, trade.MarkSubmitted(ctx))
	return trade
}

func TestTradeRecoverySweep_EscalatesStuckTrade(t *testing.T) {
	svc, trades := newTradeRecoveryFixture()
	ctx := context.Background()

	trade := stuckBuyTrade(t)
	require.NoError(t, trades.Save(ctx, trade))

	require.NoError(t, svc.Sweep(ctx))

	escalated := trades.trades[trade.TradeID]
	assert.True(t, escalated.ReviewRequired)
	// 没有可查询的执行场接口，只升级人工复核，状态与冻结资金保持原样
	assert.Equal(t, domain.TradeStatusPendingExecution, escalated.Status)
	assert.NotEmpty(t, escalated.FailureReason)
}

func TestTradeRecoverySweep_SkipsAlreadyFlagged(t *testing.T) {
	svc, trades := newTradeRecoveryFixture()
	ctx := context.Background()

	trade := stuckBuyTrade(t)
	trade.FlagForReview("manual hold")
	require.NoError(t, trades.Save(ctx, trade))

	require.NoError(t, svc.Sweep(ctx))

	assert.Equal(t, "manual hold", trades.trades[trade.TradeID].FailureReason)
}
