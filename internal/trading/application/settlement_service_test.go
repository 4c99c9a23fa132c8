package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	feesdomain "github.com/wyfcoding/brokerage/internal/fees/domain"
	ledgerdomain "github.com/wyfcoding/brokerage/internal/ledger/domain"
	"github.com/wyfcoding/brokerage/internal/trading/domain"
)

type ledgerCall struct {
	op          string
	operationID string
	amount      decimal.Decimal
	finalAmount decimal.Decimal
}

type fakeLedger struct {
	calls      []ledgerCall
	reserveErr error
	settleErr  error
}

func (l *fakeLedger) Reserve(ctx context.Context, operationID, accountID string, currency ledgerdomain.Currency, amount decimal.Decimal, referenceID string) error {
	if l.reserveErr != nil {
		return l.reserveErr
	}
	l.calls = append(l.calls, ledgerCall{op: "reserve", operationID: operationID, amount: amount})
	return nil
}

func (l *fakeLedger) Unreserve(ctx context.Context, operationID, accountID string, currency ledgerdomain.Currency, amount decimal.Decimal, referenceID string) error {
	l.calls = append(l.calls, ledgerCall{op: "unreserve", operationID: operationID, amount: amount})
	return nil
}

func (l *fakeLedger) SettleReserved(ctx context.Context, operationID, accountID string, currency ledgerdomain.Currency, reservedAmount, finalAmount decimal.Decimal, referenceID string) error {
	if l.settleErr != nil {
		return l.settleErr
	}
	l.calls = append(l.calls, ledgerCall{op: "settle_reserved", operationID: operationID, amount: reservedAmount, finalAmount: finalAmount})
	return nil
}

func (l *fakeLedger) AddFunds(ctx context.Context, operationID, accountID string, currency ledgerdomain.Currency, amount decimal.Decimal, referenceID string) error {
	l.calls = append(l.calls, ledgerCall{op: "add_funds", operationID: operationID, amount: amount})
	return nil
}

func (l *fakeLedger) last() ledgerCall {
	if len(l.calls) == 0 {
		return ledgerCall{}
	}
	return l.calls[len(l.calls)-1]
}

type fakeFees struct {
	total decimal.Decimal
}

func (f *fakeFees) Calculate(ctx context.Context, amount decimal.Decimal, assetClass feesdomain.AssetClass, currency ledgerdomain.Currency) (*feesdomain.Breakdown, error) {
	return &feesdomain.Breakdown{Commission: f.total, Total: f.total}, nil
}

type fakeTradeRepo struct {
	trades        map[string]*domain.TradeTransaction
	savedStatuses []domain.TradeStatus
}

func newFakeTradeRepo() *fakeTradeRepo {
	return &fakeTradeRepo{trades: make(map[string]*domain.TradeTransaction)}
}

func (r *fakeTradeRepo) Save(ctx context.Context, trade *domain.TradeTransaction) error {
	r.trades[trade.TradeID] = trade
	r.savedStatuses = append(r.savedStatuses, trade.Status)
	return nil
}

func (r *fakeTradeRepo) Update(ctx context.Context, trade *domain.TradeTransaction) error {
	r.trades[trade.TradeID] = trade
	return nil
}

func (r *fakeTradeRepo) FindByTradeID(ctx context.Context, tradeID string) (*domain.TradeTransaction, error) {
	t, ok := r.trades[tradeID]
	if !ok {
		return nil, errors.New("trade not found")
	}
	return t, nil
}

func (r *fakeTradeRepo) FindByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.TradeTransaction, error) {
	var out []*domain.TradeTransaction
	for _, t := range r.trades {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *fakeTradeRepo) FindStuck(ctx context.Context, statuses []domain.TradeStatus, olderThan time.Time, limit int) ([]*domain.TradeTransaction, error) {
	var out []*domain.TradeTransaction
	for _, t := range r.trades {
		if t.ReviewRequired {
			continue
		}
		for _, status := range statuses {
			if t.Status == status {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

func (r *fakeTradeRepo) WithTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	return fn(ctx)
}

type fakePublisher struct {
	placed  int
	settled []domain.TradeSettledEvent
	failed  []domain.TradeFailedEvent
}

func (p *fakePublisher) PublishBuyOrderPlaced(event domain.OrderPlacedEvent) error {
	p.placed++
	return nil
}

func (p *fakePublisher) PublishSellOrderPlaced(event domain.OrderPlacedEvent) error {
	p.placed++
	return nil
}

func (p *fakePublisher) PublishTradeSettled(event domain.TradeSettledEvent) error {
	p.settled = append(p.settled, event)
	return nil
}

func (p *fakePublisher) PublishTradeFailed(event domain.TradeFailedEvent) error {
	p.failed = append(p.failed, event)
	return nil
}

type seqGenerator struct {
	next atomic.Int64
}

func (g *seqGenerator) Generate() int64 {
	return g.next.Add(1)
}

type settlementFixture struct {
	svc       *SettlementService
	ledger    *fakeLedger
	trades    *fakeTradeRepo
	publisher *fakePublisher
}

func newSettlementFixture(feeTotal string) *settlementFixture {
	ledger := &fakeLedger{}
	trades := newFakeTradeRepo()
	publisher := &fakePublisher{}
	fees := &fakeFees{total: decimal.RequireFromString(feeTotal)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewSettlementService(trades, ledger, fees, publisher, &seqGenerator{}, logger, nil)
	return &settlementFixture{svc: svc, ledger: ledger, trades: trades, publisher: publisher}
}

func buyCommand() PlaceOrderCommand {
	return PlaceOrderCommand{
		AccountID:  "ACC-1",
		Symbol:     "AAPL",
		AssetClass: feesdomain.AssetClassEquity,
		Currency:   ledgerdomain.CurrencyUSD,
		Quantity:   decimal.NewFromInt(10),
		QuotePrice: decimal.NewFromInt(75),
	}
}

func TestPlaceBuyOrder_ReservesGrossPlusFees(t *testing.T) {
	f := newSettlementFixture("2")

	trade, err := f.svc.PlaceBuyOrder(context.Background(), buyCommand())
	require.NoError(t, err)

	// 750 gross + 2 fees
	assert.True(t, trade.ReservedAmount.Equal(decimal.NewFromInt(752)))
	assert.Equal(t, domain.TradeStatusPendingExecution, trade.Status)

	require.Len(t, f.ledger.calls, 1)
	call := f.ledger.calls[0]
	assert.Equal(t, "reserve", call.op)
	assert.Equal(t, "trade:"+trade.TradeID+":reserve", call.operationID)
	assert.True(t, call.amount.Equal(decimal.NewFromInt(752)))
	assert.Equal(t, 1, f.publisher.placed)

	// 报价先落库再冻结，崩溃后巡检可按 QUOTED 找到订单
	require.NotEmpty(t, f.trades.savedStatuses)
	assert.Equal(t, domain.TradeStatusQuoted, f.trades.savedStatuses[0])
}

func TestPlaceBuyOrder_RejectedWhenReserveFails(t *testing.T) {
	f := newSettlementFixture("2")
	f.ledger.reserveErr = ledgerdomain.ErrInsufficientFunds

	_, err := f.svc.PlaceBuyOrder(context.Background(), buyCommand())
	require.ErrorIs(t, err, ledgerdomain.ErrInsufficientFunds)

	// 事务在冻结前已落库，被拒后留下失败记录
	require.Len(t, f.trades.trades, 1)
	for _, trade := range f.trades.trades {
		assert.Equal(t, domain.TradeStatusFailed, trade.Status)
		assert.Contains(t, trade.FailureReason, "reserve rejected")
	}
}

func TestPlaceBuyOrder_ValidatesCommand(t *testing.T) {
	f := newSettlementFixture("2")

	cmd := buyCommand()
	cmd.Quantity = decimal.Zero
	_, err := f.svc.PlaceBuyOrder(context.Background(), cmd)
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)

	cmd = buyCommand()
	cmd.Currency = "XXX"
	_, err = f.svc.PlaceBuyOrder(context.Background(), cmd)
	require.ErrorIs(t, err, ledgerdomain.ErrCurrencyNotSupported)
}

func TestPlaceSellOrder_DoesNotTouchLedger(t *testing.T) {
	f := newSettlementFixture("2")

	trade, err := f.svc.PlaceSellOrder(context.Background(), buyCommand())
	require.NoError(t, err)

	assert.True(t, trade.ReservedAmount.IsZero())
	assert.Equal(t, domain.TradeStatusPendingExecution, trade.Status)
	assert.Empty(t, f.ledger.calls)
}

func TestConfirmExecution_BuySettlesAtFinalCost(t *testing.T) {
	f := newSettlementFixture("2")
	ctx := context.Background()

	trade, err := f.svc.PlaceBuyOrder(ctx, buyCommand())
	require.NoError(t, err)

	// 成交价 74，成交额 740 + 2 费用 = 742，低于冻结 752
	err = f.svc.ConfirmExecution(ctx, trade.TradeID, decimal.NewFromInt(74), decimal.NewFromInt(10))
	require.NoError(t, err)

	settled := f.trades.trades[trade.TradeID]
	assert.Equal(t, domain.TradeStatusSettled, settled.Status)
	assert.True(t, settled.FinalAmount.Equal(decimal.NewFromInt(742)))

	call := f.ledger.last()
	assert.Equal(t, "settle_reserved", call.op)
	assert.True(t, call.amount.Equal(decimal.NewFromInt(752)))
	assert.True(t, call.finalAmount.Equal(decimal.NewFromInt(742)))
	assert.Len(t, f.publisher.settled, 1)
}

func TestConfirmExecution_AdverseSlippageSettlesFromAvailable(t *testing.T) {
	f := newSettlementFixture("2")
	ctx := context.Background()

	trade, err := f.svc.PlaceBuyOrder(ctx, buyCommand())
	require.NoError(t, err)

	// 成交价 76，成交额 760 + 2 = 762 > 冻结 752：差额由台账从可用余额补扣
	err = f.svc.ConfirmExecution(ctx, trade.TradeID, decimal.NewFromInt(76), decimal.NewFromInt(10))
	require.NoError(t, err)

	settled := f.trades.trades[trade.TradeID]
	assert.Equal(t, domain.TradeStatusSettled, settled.Status)
	assert.True(t, settled.FinalAmount.Equal(decimal.NewFromInt(762)))

	call := f.ledger.last()
	assert.Equal(t, "settle_reserved", call.op)
	assert.True(t, call.amount.Equal(decimal.NewFromInt(752)))
	assert.True(t, call.finalAmount.Equal(decimal.NewFromInt(762)))
	assert.Len(t, f.publisher.settled, 1)
	assert.Empty(t, f.publisher.failed)
}

func TestConfirmExecution_UncoveredShortfallFailsAndUnreserves(t *testing.T) {
	f := newSettlementFixture("2")
	ctx := context.Background()

	trade, err := f.svc.PlaceBuyOrder(ctx, buyCommand())
	require.NoError(t, err)

	// 可用余额盖不住差额，台账拒绝结算
	f.ledger.settleErr = ledgerdomain.ErrInsufficientFunds
	err = f.svc.ConfirmExecution(ctx, trade.TradeID, decimal.NewFromInt(76), decimal.NewFromInt(10))
	require.NoError(t, err)

	failed := f.trades.trades[trade.TradeID]
	assert.Equal(t, domain.TradeStatusFailed, failed.Status)
	assert.True(t, failed.ReviewRequired)

	call := f.ledger.last()
	assert.Equal(t, "unreserve", call.op)
	assert.True(t, call.amount.Equal(decimal.NewFromInt(752)), "full reservation must be released")

	require.Len(t, f.publisher.failed, 1)
	assert.True(t, f.publisher.failed[0].ReviewRequired)
}

func TestConfirmExecution_SellCreditsProceeds(t *testing.T) {
	f := newSettlementFixture("2")
	ctx := context.Background()

	trade, err := f.svc.PlaceSellOrder(ctx, buyCommand())
	require.NoError(t, err)

	err = f.svc.ConfirmExecution(ctx, trade.TradeID, decimal.NewFromInt(74), decimal.NewFromInt(10))
	require.NoError(t, err)

	settled := f.trades.trades[trade.TradeID]
	assert.Equal(t, domain.TradeStatusSettled, settled.Status)

	call := f.ledger.last()
	assert.Equal(t, "add_funds", call.op)
	// 740 gross - 2 fees
	assert.True(t, call.amount.Equal(decimal.NewFromInt(738)))
}

func TestConfirmExecution_TerminalTradeIsNoOp(t *testing.T) {
	f := newSettlementFixture("2")
	ctx := context.Background()

	trade, err := f.svc.PlaceBuyOrder(ctx, buyCommand())
	require.NoError(t, err)
	require.NoError(t, f.svc.ConfirmExecution(ctx, trade.TradeID, decimal.NewFromInt(74), decimal.NewFromInt(10)))

	callsBefore := len(f.ledger.calls)
	require.NoError(t, f.svc.ConfirmExecution(ctx, trade.TradeID, decimal.NewFromInt(74), decimal.NewFromInt(10)))
	assert.Len(t, f.ledger.calls, callsBefore, "duplicate execution report must not move funds")
}

func TestCancelOrder_ReleasesReservation(t *testing.T) {
	f := newSettlementFixture("2")
	ctx := context.Background()

	trade, err := f.svc.PlaceBuyOrder(ctx, buyCommand())
	require.NoError(t, err)

	require.NoError(t, f.svc.CancelOrder(ctx, trade.TradeID))

	cancelled := f.trades.trades[trade.TradeID]
	assert.Equal(t, domain.TradeStatusCancelled, cancelled.Status)

	call := f.ledger.last()
	assert.Equal(t, "unreserve", call.op)
	assert.True(t, call.amount.Equal(decimal.NewFromInt(752)))
}

func TestCancelOrder_RejectedAfterExecution(t *testing.T) {
	f := newSettlementFixture("2")
	ctx := context.Background()

	trade, err := f.svc.PlaceBuyOrder(ctx, buyCommand())
	require.NoError(t, err)
	require.NoError(t, f.svc.ConfirmExecution(ctx, trade.TradeID, decimal.NewFromInt(74), decimal.NewFromInt(10)))

	err = f.svc.CancelOrder(ctx, trade.TradeID)
	require.Error(t, err)
}
