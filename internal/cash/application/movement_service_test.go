package application

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/brokerage/internal/cash/domain"
	ledgerdomain "github.com/wyfcoding/brokerage/internal/ledger/domain"
)

// fakeCashLedger 基于真实余额原语的台账替身，按 operationID 幂等
type fakeCashLedger struct {
	balance *ledgerdomain.Balance
	applied map[string]bool
}

func newFakeCashLedger(available string) *fakeCashLedger {
	b := ledgerdomain.NewBalance("ACC-1", ledgerdomain.CurrencyUSD)
	if available != "0" {
		if err := b.Add(decimal.RequireFromString(available)); err != nil {
			panic(err)
		}
	}
	return &fakeCashLedger{balance: b, applied: make(map[string]bool)}
}

func (l *fakeCashLedger) apply(operationID string, fn func() error) error {
	if l.applied[operationID] {
		return nil
	}
	if err := fn(); err != nil {
		return err
	}
	l.applied[operationID] = true
	return nil
}

func (l *fakeCashLedger) Reserve(ctx context.Context, operationID, accountID string, currency ledgerdomain.Currency, amount decimal.Decimal, referenceID string) error {
	return l.apply(operationID, func() error { return l.balance.Reserve(amount) })
}

func (l *fakeCashLedger) Unreserve(ctx context.Context, operationID, accountID string, currency ledgerdomain.Currency, amount decimal.Decimal, referenceID string) error {
	return l.apply(operationID, func() error { return l.balance.Unreserve(amount) })
}

func (l *fakeCashLedger) SettleReserved(ctx context.Context, operationID, accountID string, currency ledgerdomain.Currency, reservedAmount, finalAmount decimal.Decimal, referenceID string) error {
	return l.apply(operationID, func() error { return l.balance.SettleReserved(reservedAmount, finalAmount) })
}

func (l *fakeCashLedger) AddFunds(ctx context.Context, operationID, accountID string, currency ledgerdomain.Currency, amount decimal.Decimal, referenceID string) error {
	return l.apply(operationID, func() error { return l.balance.Add(amount) })
}

func (l *fakeCashLedger) CreditPending(ctx context.Context, operationID, accountID string, currency ledgerdomain.Currency, amount decimal.Decimal, referenceID string) error {
	return l.apply(operationID, func() error { return l.balance.CreditPending(amount) })
}

func (l *fakeCashLedger) SettlePending(ctx context.Context, operationID, accountID string, currency ledgerdomain.Currency, amount decimal.Decimal, referenceID string) error {
	return l.apply(operationID, func() error { return l.balance.SettlePending(amount) })
}

func (l *fakeCashLedger) ReleasePending(ctx context.Context, operationID, accountID string, currency ledgerdomain.Currency, amount decimal.Decimal, referenceID string) error {
	return l.apply(operationID, func() error { return l.balance.ReleasePending(amount) })
}

type fakeCashRepo struct {
	byTransactionID  map[string]*domain.CashTransaction
	byIdempotencyKey map[string]*domain.CashTransaction
	stuck            []*domain.CashTransaction
	savedStatuses    []domain.MovementStatus
}

func newFakeCashRepo() *fakeCashRepo {
	return &fakeCashRepo{
		byTransactionID:  make(map[string]*domain.CashTransaction),
		byIdempotencyKey: make(map[string]*domain.CashTransaction),
	}
}

func (r *fakeCashRepo) Save(ctx context.Context, tx *domain.CashTransaction) error {
	r.byTransactionID[tx.TransactionID] = tx
	r.byIdempotencyKey[tx.IdempotencyKey] = tx
	r.savedStatuses = append(r.savedStatuses, tx.Status)
	return nil
}

func (r *fakeCashRepo) Update(ctx context.Context, tx *domain.CashTransaction) error {
	return r.Save(ctx, tx)
}

func (r *fakeCashRepo) FindByTransactionID(ctx context.Context, transactionID string) (*domain.CashTransaction, error) {
	tx, ok := r.byTransactionID[transactionID]
	if !ok {
		return nil, ledgerdomain.ErrAccountNotFound
	}
	return tx, nil
}

func (r *fakeCashRepo) FindByProviderTransactionID(ctx context.Context, providerTransactionID string) (*domain.CashTransaction, error) {
	for _, tx := range r.byTransactionID {
		if tx.ProviderTransactionID == providerTransactionID {
			return tx, nil
		}
	}
	return nil, nil
}

func (r *fakeCashRepo) FindByIdempotencyKey(ctx context.Context, key string) (*domain.CashTransaction, error) {
	return r.byIdempotencyKey[key], nil
}

func (r *fakeCashRepo) FindByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.CashTransaction, error) {
	var out []*domain.CashTransaction
	for _, tx := range r.byTransactionID {
		if tx.AccountID == accountID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (r *fakeCashRepo) SumMovements(ctx context.Context, accountID string, currency ledgerdomain.Currency, direction domain.Direction, since time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (r *fakeCashRepo) FindStuck(ctx context.Context, statuses []domain.MovementStatus, olderThan time.Time, limit int) ([]*domain.CashTransaction, error) {
	return r.stuck, nil
}

func (r *fakeCashRepo) WithTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	return fn(ctx)
}

type fakeAccounts struct{}

func (fakeAccounts) FindByAccountID(ctx context.Context, accountID string) (*ledgerdomain.Account, error) {
	return ledgerdomain.NewAccount(accountID, "OWN-1", "US", ledgerdomain.CurrencyUSD,
		[]ledgerdomain.Currency{ledgerdomain.CurrencyUSD}, nil), nil
}

type fakeLimits struct {
	err error
}

func (l *fakeLimits) Check(ctx context.Context, account *ledgerdomain.Account, currency ledgerdomain.Currency, direction domain.Direction, amount decimal.Decimal) error {
	return l.err
}

type fakeCompliance struct {
	hold   bool
	reason string
}

func (c *fakeCompliance) Check(ctx context.Context, accountID string, direction domain.Direction, currency ledgerdomain.Currency, amount decimal.Decimal) (bool, string, error) {
	return c.hold, c.reason, nil
}

// scriptedAdapter 按预设脚本响应的支付通道替身
type scriptedAdapter struct {
	code     string
	results  []*domain.ProviderResult
	errs     []error
	calls    int
	webhook  *domain.WebhookEvent
	queryRes *domain.ProviderResult
}

func (a *scriptedAdapter) Code() string { return a.code }

func (a *scriptedAdapter) ProcessPayment(ctx context.Context, req domain.PaymentRequest) (*domain.ProviderResult, error) {
	i := a.calls
	a.calls++
	if i < len(a.errs) && a.errs[i] != nil {
		return nil, a.errs[i]
	}
	if i < len(a.results) {
		return a.results[i], nil
	}
	return &domain.ProviderResult{Status: domain.ProviderStatusCompleted, ProviderTransactionID: "PTX-1"}, nil
}

func (a *scriptedAdapter) NormalizeWebhook(payload []byte) (*domain.WebhookEvent, error) {
	return a.webhook, nil
}

func (a *scriptedAdapter) QueryPayment(ctx context.Context, transactionID string) (*domain.ProviderResult, error) {
	if a.queryRes != nil {
		return a.queryRes, nil
	}
	return &domain.ProviderResult{Status: domain.ProviderStatusUnknown}, nil
}

type fakeRegistry struct {
	adapter *scriptedAdapter
}

func (r *fakeRegistry) Get(code string) (domain.ProviderAdapter, error) {
	return r.adapter, nil
}

func (r *fakeRegistry) ForMethod(direction domain.Direction, method domain.PaymentMethod) (domain.ProviderAdapter, error) {
	return r.adapter, nil
}

type fakeCashPublisher struct {
	completed  int
	failed     int
	reconciled int
}

func (p *fakeCashPublisher) PublishMovementCompleted(event domain.MovementEvent) error {
	p.completed++
	return nil
}

func (p *fakeCashPublisher) PublishMovementFailed(event domain.MovementEvent) error {
	p.failed++
	return nil
}

func (p *fakeCashPublisher) PublishReconciliationFlagged(event domain.MovementEvent) error {
	p.reconciled++
	return nil
}

type cashSeqGenerator struct {
	next atomic.Int64
}

func (g *cashSeqGenerator) Generate() int64 { return g.next.Add(1) }

type movementFixture struct {
	svc       *MovementService
	ledger    *fakeCashLedger
	repo      *fakeCashRepo
	adapter   *scriptedAdapter
	limits    *fakeLimits
	comply    *fakeCompliance
	publisher *fakeCashPublisher
}

func newMovementFixture(available string) *movementFixture {
	ledger := newFakeCashLedger(available)
	repo := newFakeCashRepo()
	adapter := &scriptedAdapter{code: "test_gateway"}
	limits := &fakeLimits{}
	comply := &fakeCompliance{}
	publisher := &fakeCashPublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewMovementService(repo, fakeAccounts{}, ledger, limits, &fakeRegistry{adapter: adapter},
		comply, publisher, &cashSeqGenerator{}, logger, nil)
	return &movementFixture{svc: svc, ledger: ledger, repo: repo, adapter: adapter,
		limits: limits, comply: comply, publisher: publisher}
}

func depositCmd(amount string) MovementCommand {
	return MovementCommand{
		AccountID:      "ACC-1",
		Currency:       ledgerdomain.CurrencyUSD,
		Amount:         decimal.RequireFromString(amount),
		Method:         domain.PaymentMethodBankTransfer,
		IdempotencyKey: "idem-" + amount,
	}
}

func TestRequestDeposit_SynchronousCompletion(t *testing.T) {
	f := newMovementFixture("0")
	f.adapter.results = []*domain.ProviderResult{
		{Status: domain.ProviderStatusCompleted, ProviderTransactionID: "PTX-1"},
	}

	cmd := depositCmd("500")
	cmd.ProcessingFee = decimal.RequireFromString("5")
	tx, err := f.svc.RequestDeposit(context.Background(), cmd)
	require.NoError(t, err)

	assert.Equal(t, domain.MovementStatusCompleted, tx.Status)
	assert.Equal(t, "PTX-1", tx.ProviderTransactionID)
	// 净额 495 入账
	assert.True(t, f.ledger.balance.Available.Equal(decimal.RequireFromString("495")))
	assert.Equal(t, 1, f.publisher.completed)
}

func TestRequestDeposit_AcceptedCreditsPendingThenWebhookSettles(t *testing.T) {
	f := newMovementFixture("0")
	f.adapter.results = []*domain.ProviderResult{
		{Status: domain.ProviderStatusAccepted, ProviderTransactionID: "PTX-2"},
	}

	tx, err := f.svc.RequestDeposit(context.Background(), depositCmd("300"))
	require.NoError(t, err)

	assert.Equal(t, domain.MovementStatusProviderPending, tx.Status)
	assert.True(t, f.ledger.balance.Pending.Equal(decimal.RequireFromString("300")))
	assert.True(t, f.ledger.balance.Available.IsZero())

	f.adapter.webhook = &domain.WebhookEvent{
		TransactionID:         tx.TransactionID,
		ProviderTransactionID: "PTX-2",
		Status:                domain.ProviderStatusCompleted,
	}
	require.NoError(t, f.svc.HandleWebhook(context.Background(), "test_gateway", []byte(`{}`)))

	assert.Equal(t, domain.MovementStatusCompleted, tx.Status)
	assert.True(t, f.ledger.balance.Pending.IsZero())
	assert.True(t, f.ledger.balance.Available.Equal(decimal.RequireFromString("300")))
}

func TestRequestDeposit_ProviderFailureReleasesPending(t *testing.T) {
	f := newMovementFixture("0")
	f.adapter.results = []*domain.ProviderResult{
		{Status: domain.ProviderStatusAccepted, ProviderTransactionID: "PTX-3"},
	}

	tx, err := f.svc.RequestDeposit(context.Background(), depositCmd("300"))
	require.NoError(t, err)

	f.adapter.webhook = &domain.WebhookEvent{
		TransactionID:         tx.TransactionID,
		ProviderTransactionID: "PTX-3",
		Status:                domain.ProviderStatusFailed,
		FailureReason:         "bank rejected transfer",
	}
	require.NoError(t, f.svc.HandleWebhook(context.Background(), "test_gateway", []byte(`{}`)))

	assert.Equal(t, domain.MovementStatusFailed, tx.Status)
	assert.True(t, f.ledger.balance.Pending.IsZero())
	assert.True(t, f.ledger.balance.Available.IsZero(), "failed deposit must not credit available")
	assert.Equal(t, 1, f.publisher.failed)
}

func TestRequestWithdrawal_ReservesThenSettles(t *testing.T) {
	f := newMovementFixture("1000")
	f.adapter.results = []*domain.ProviderResult{
		{Status: domain.ProviderStatusCompleted, ProviderTransactionID: "PTX-4"},
	}

	tx, err := f.svc.RequestWithdrawal(context.Background(), depositCmd("400"))
	require.NoError(t, err)

	assert.Equal(t, domain.MovementStatusCompleted, tx.Status)
	assert.True(t, f.ledger.balance.Available.Equal(decimal.RequireFromString("600")))
	assert.True(t, f.ledger.balance.Reserved.IsZero())
}

func TestRequestWithdrawal_PersistsBeforeReserving(t *testing.T) {
	f := newMovementFixture("1000")

	_, err := f.svc.RequestWithdrawal(context.Background(), depositCmd("400"))
	require.NoError(t, err)

	// 首次落库发生在冻结之前，崩溃后巡检可按 VALIDATED 找到事务
	require.NotEmpty(t, f.repo.savedStatuses)
	assert.Equal(t, domain.MovementStatusValidated, f.repo.savedStatuses[0])
}

func TestRequestWithdrawal_TransientTimeoutsExhaustRetriesAndRestoreFunds(t *testing.T) {
	f := newMovementFixture("1000")
	timeout := ledgerdomain.ErrProviderTimeout
	f.adapter.errs = []error{timeout, timeout, timeout}

	tx, err := f.svc.RequestWithdrawal(context.Background(), depositCmd("400"))
	require.Error(t, err)

	assert.Equal(t, dispatchMaxRetries, f.adapter.calls)
	assert.Equal(t, domain.MovementStatusFailed, tx.Status)
	assert.True(t, f.ledger.balance.Available.Equal(decimal.RequireFromString("1000")), "reserved funds must be released")
	assert.True(t, f.ledger.balance.Reserved.IsZero())
	assert.Equal(t, 1, f.publisher.failed)
}

func TestRequestWithdrawal_ContextCancelledStopsRetryAndRestoresFunds(t *testing.T) {
	f := newMovementFixture("1000")
	f.adapter.errs = []error{ledgerdomain.ErrProviderTimeout}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tx, err := f.svc.RequestWithdrawal(ctx, depositCmd("400"))
	require.Error(t, err)

	// 退避等待感知取消，不再重试
	assert.Equal(t, 1, f.adapter.calls)
	assert.Equal(t, domain.MovementStatusFailed, tx.Status)
	assert.True(t, f.ledger.balance.Available.Equal(decimal.RequireFromString("1000")))
	assert.True(t, f.ledger.balance.Reserved.IsZero())
}

func TestRequestWithdrawal_NonTransientErrorFailsImmediately(t *testing.T) {
	f := newMovementFixture("1000")
	f.adapter.errs = []error{ledgerdomain.ErrProviderRejected}

	_, err := f.svc.RequestWithdrawal(context.Background(), depositCmd("400"))
	require.Error(t, err)
	assert.Equal(t, 1, f.adapter.calls, "non-transient errors must not be retried")
	assert.True(t, f.ledger.balance.Available.Equal(decimal.RequireFromString("1000")))
}

func TestRequestWithdrawal_InsufficientFundsRejected(t *testing.T) {
	f := newMovementFixture("100")

	tx, err := f.svc.RequestWithdrawal(context.Background(), depositCmd("400"))
	require.ErrorIs(t, err, ledgerdomain.ErrInsufficientFunds)
	assert.Equal(t, domain.MovementStatusFailed, tx.Status)
	assert.Equal(t, 0, f.adapter.calls, "provider must not be called without funds")
}

func TestRequestWithdrawal_CardNotAllowed(t *testing.T) {
	f := newMovementFixture("1000")

	cmd := depositCmd("100")
	cmd.Method = domain.PaymentMethodCard
	_, err := f.svc.RequestWithdrawal(context.Background(), cmd)
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidPaymentMethod)
}

func TestRequestDeposit_IdempotencyKeyReturnsExistingTransaction(t *testing.T) {
	f := newMovementFixture("0")
	f.adapter.results = []*domain.ProviderResult{
		{Status: domain.ProviderStatusCompleted, ProviderTransactionID: "PTX-5"},
	}

	cmd := depositCmd("200")
	first, err := f.svc.RequestDeposit(context.Background(), cmd)
	require.NoError(t, err)

	second, err := f.svc.RequestDeposit(context.Background(), cmd)
	require.NoError(t, err)

	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, 1, f.adapter.calls, "duplicate request must not hit the provider again")
	assert.True(t, f.ledger.balance.Available.Equal(decimal.RequireFromString("200")), "funds applied exactly once")
}

func TestRequestDeposit_ComplianceHoldKeepsTransactionPending(t *testing.T) {
	f := newMovementFixture("0")
	f.comply.hold = true
	f.comply.reason = "account under review"

	tx, err := f.svc.RequestDeposit(context.Background(), depositCmd("200"))
	require.ErrorIs(t, err, ledgerdomain.ErrComplianceHold)
	require.NotNil(t, tx)
	// 拦截不终结事务，保持非终态等待人工清除
	assert.Equal(t, domain.MovementStatusRequested, tx.Status)
	assert.True(t, tx.ComplianceHold)
	assert.Equal(t, 0, f.adapter.calls)
}

func TestClearComplianceHold_ResumesMovement(t *testing.T) {
	f := newMovementFixture("0")
	f.comply.hold = true
	f.comply.reason = "account under review"
	f.adapter.results = []*domain.ProviderResult{
		{Status: domain.ProviderStatusCompleted, ProviderTransactionID: "PTX-9"},
	}

	held, err := f.svc.RequestDeposit(context.Background(), depositCmd("200"))
	require.ErrorIs(t, err, ledgerdomain.ErrComplianceHold)

	cleared, err := f.svc.ClearComplianceHold(context.Background(), held.TransactionID)
	require.NoError(t, err)

	assert.Equal(t, domain.MovementStatusCompleted, cleared.Status)
	assert.False(t, cleared.ComplianceHold)
	assert.True(t, f.ledger.balance.Available.Equal(decimal.RequireFromString("200")))
	assert.Equal(t, 1, f.adapter.calls)
}

func TestClearComplianceHold_RejectsTransactionNotHeld(t *testing.T) {
	f := newMovementFixture("0")
	f.adapter.results = []*domain.ProviderResult{
		{Status: domain.ProviderStatusCompleted, ProviderTransactionID: "PTX-10"},
	}

	tx, err := f.svc.RequestDeposit(context.Background(), depositCmd("200"))
	require.NoError(t, err)

	_, err = f.svc.ClearComplianceHold(context.Background(), tx.TransactionID)
	require.Error(t, err)
}

func TestRequestDeposit_LimitExceededRejected(t *testing.T) {
	f := newMovementFixture("0")
	f.limits.err = ledgerdomain.ErrLimitExceeded

	tx, err := f.svc.RequestDeposit(context.Background(), depositCmd("200"))
	require.ErrorIs(t, err, ledgerdomain.ErrLimitExceeded)
	require.NotNil(t, tx)
	assert.Equal(t, domain.MovementStatusFailed, tx.Status)
	assert.True(t, f.ledger.balance.Available.IsZero())
}

func TestHandleWebhook_DuplicateTerminalWebhookIsNoOp(t *testing.T) {
	f := newMovementFixture("0")
	f.adapter.results = []*domain.ProviderResult{
		{Status: domain.ProviderStatusCompleted, ProviderTransactionID: "PTX-6"},
	}

	tx, err := f.svc.RequestDeposit(context.Background(), depositCmd("200"))
	require.NoError(t, err)

	f.adapter.webhook = &domain.WebhookEvent{
		TransactionID:         tx.TransactionID,
		ProviderTransactionID: "PTX-6",
		Status:                domain.ProviderStatusCompleted,
	}
	require.NoError(t, f.svc.HandleWebhook(context.Background(), "test_gateway", []byte(`{}`)))

	assert.True(t, f.ledger.balance.Available.Equal(decimal.RequireFromString("200")), "duplicate webhook must not double-credit")
}

func TestHandleWebhook_TerminalConflictFlagsReconciliation(t *testing.T) {
	f := newMovementFixture("0")
	f.adapter.results = []*domain.ProviderResult{
		{Status: domain.ProviderStatusCompleted, ProviderTransactionID: "PTX-7"},
	}

	tx, err := f.svc.RequestDeposit(context.Background(), depositCmd("200"))
	require.NoError(t, err)
	require.Equal(t, domain.MovementStatusCompleted, tx.Status)

	f.adapter.webhook = &domain.WebhookEvent{
		TransactionID:         tx.TransactionID,
		ProviderTransactionID: "PTX-7",
		Status:                domain.ProviderStatusFailed,
	}
	err = f.svc.HandleWebhook(context.Background(), "test_gateway", []byte(`{}`))
	require.ErrorIs(t, err, ledgerdomain.ErrReconciliationConflict)

	assert.True(t, tx.ReconciliationFlag)
	assert.Equal(t, domain.MovementStatusCompleted, tx.Status, "conflicting webhook must not move funds")
	assert.True(t, f.ledger.balance.Available.Equal(decimal.RequireFromString("200")))
	assert.Equal(t, 1, f.publisher.reconciled)
}

func TestHandleWebhook_AmountMismatchFlagsReconciliation(t *testing.T) {
	f := newMovementFixture("0")
	f.adapter.results = []*domain.ProviderResult{
		{Status: domain.ProviderStatusAccepted, ProviderTransactionID: "PTX-8"},
	}

	tx, err := f.svc.RequestDeposit(context.Background(), depositCmd("300"))
	require.NoError(t, err)

	f.adapter.webhook = &domain.WebhookEvent{
		TransactionID:         tx.TransactionID,
		ProviderTransactionID: "PTX-8",
		Status:                domain.ProviderStatusCompleted,
		Amount:                decimal.RequireFromString("999"),
	}
	err = f.svc.HandleWebhook(context.Background(), "test_gateway", []byte(`{}`))
	require.ErrorIs(t, err, ledgerdomain.ErrReconciliationConflict)
	assert.True(t, f.ledger.balance.Pending.Equal(decimal.RequireFromString("300")), "mismatched webhook must not settle")
}
