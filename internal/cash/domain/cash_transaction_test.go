package domain

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ledger "github.com/wyfcoding/brokerage/internal/ledger/domain"
)

type seqGenerator struct {
	next atomic.Int64
}

func (g *seqGenerator) Generate() int64 { return g.next.Add(1) }

func newDeposit(t *testing.T) *CashTransaction {
	t.Helper()
	return NewCashTransaction("ACC-1", DirectionDeposit, ledger.CurrencyUSD,
		decimal.NewFromInt(500), decimal.NewFromInt(5),
		PaymentMethodBankTransfer, "test_gateway", "idem-1", &seqGenerator{})
}

func newWithdrawal(t *testing.T) *CashTransaction {
	t.Helper()
	return NewCashTransaction("ACC-1", DirectionWithdrawal, ledger.CurrencyUSD,
		decimal.NewFromInt(500), decimal.NewFromInt(5),
		PaymentMethodWire, "test_gateway", "idem-2", &seqGenerator{})
}

func TestNewCashTransaction(t *testing.T) {
	dep := newDeposit(t)
	assert.Equal(t, MovementStatusRequested, dep.Status)
	assert.True(t, dep.NetAmount.Equal(decimal.NewFromInt(495)))
	assert.Contains(t, dep.TransactionID, "DEP")

	wdr := newWithdrawal(t)
	assert.Contains(t, wdr.TransactionID, "WDR")
}

func TestCashTransaction_DepositHappyPath(t *testing.T) {
	ctx := context.Background()
	tx := newDeposit(t)

	require.NoError(t, tx.MarkValidated(ctx))
	require.NoError(t, tx.MarkSubmitted(ctx))
	assert.NotNil(t, tx.SubmittedAt)

	require.NoError(t, tx.MarkProviderPending(ctx, "PTX-1"))
	assert.Equal(t, "PTX-1", tx.ProviderTransactionID)

	require.NoError(t, tx.Complete(ctx, "PTX-1"))
	assert.Equal(t, MovementStatusCompleted, tx.Status)
	assert.NotNil(t, tx.CompletedAt)
	assert.True(t, tx.IsTerminal())
}

func TestCashTransaction_SynchronousCompletion(t *testing.T) {
	ctx := context.Background()
	tx := newDeposit(t)

	require.NoError(t, tx.MarkValidated(ctx))
	require.NoError(t, tx.MarkSubmitted(ctx))
	require.NoError(t, tx.Complete(ctx, "PTX-2"))
	assert.Equal(t, MovementStatusCompleted, tx.Status)
}

func TestCashTransaction_WithdrawalReservesBeforeSubmit(t *testing.T) {
	ctx := context.Background()
	tx := newWithdrawal(t)

	require.NoError(t, tx.MarkValidated(ctx))
	require.NoError(t, tx.MarkReserved(ctx))
	require.NoError(t, tx.MarkSubmitted(ctx))
	assert.Equal(t, MovementStatusSubmitted, tx.Status)
}

func TestCashTransaction_CannotCompleteBeforeSubmit(t *testing.T) {
	ctx := context.Background()
	tx := newDeposit(t)

	err := tx.Complete(ctx, "PTX-3")
	require.Error(t, err)
	assert.Equal(t, MovementStatusRequested, tx.Status)
}

func TestCashTransaction_CannotSkipValidation(t *testing.T) {
	ctx := context.Background()
	tx := newDeposit(t)

	err := tx.MarkSubmitted(ctx)
	require.Error(t, err)
}

func TestCashTransaction_FailFromAnyNonTerminalState(t *testing.T) {
	ctx := context.Background()

	tx := newDeposit(t)
	require.NoError(t, tx.Fail(ctx, "compliance hold"))
	assert.Equal(t, MovementStatusFailed, tx.Status)
	assert.Equal(t, "compliance hold", tx.FailureReason)

	tx = newDeposit(t)
	require.NoError(t, tx.MarkValidated(ctx))
	require.NoError(t, tx.MarkSubmitted(ctx))
	require.NoError(t, tx.MarkProviderPending(ctx, "PTX-4"))
	require.NoError(t, tx.Fail(ctx, "provider failure"))
	assert.True(t, tx.IsTerminal())
}

func TestCashTransaction_TerminalStatesRejectFurtherTransitions(t *testing.T) {
	ctx := context.Background()
	tx := newDeposit(t)
	require.NoError(t, tx.MarkValidated(ctx))
	require.NoError(t, tx.MarkSubmitted(ctx))
	require.NoError(t, tx.Complete(ctx, "PTX-5"))

	assert.Error(t, tx.Fail(ctx, "late failure"))
	assert.Equal(t, MovementStatusCompleted, tx.Status)
}

func TestCashTransaction_InitFSMAfterRehydration(t *testing.T) {
	ctx := context.Background()
	tx := &CashTransaction{
		TransactionID: "DEP42",
		Direction:     DirectionDeposit,
		Status:        MovementStatusSubmitted,
	}
	tx.InitFSM()

	require.NoError(t, tx.Complete(ctx, "PTX-6"))
	assert.Equal(t, MovementStatusCompleted, tx.Status)
}

func TestValidateMethod(t *testing.T) {
	assert.NoError(t, ValidateMethod(DirectionDeposit, PaymentMethodCard))
	assert.NoError(t, ValidateMethod(DirectionDeposit, PaymentMethodBankTransfer))
	assert.NoError(t, ValidateMethod(DirectionWithdrawal, PaymentMethodWire))

	err := ValidateMethod(DirectionWithdrawal, PaymentMethodCard)
	require.ErrorIs(t, err, ledger.ErrInvalidPaymentMethod)
}

func TestCashTransaction_FlagReconciliationKeepsStatus(t *testing.T) {
	ctx := context.Background()
	tx := newDeposit(t)
	require.NoError(t, tx.MarkValidated(ctx))
	require.NoError(t, tx.MarkSubmitted(ctx))
	require.NoError(t, tx.Complete(ctx, "PTX-7"))

	tx.FlagReconciliation("amount mismatch")
	assert.True(t, tx.ReconciliationFlag)
	assert.Equal(t, MovementStatusCompleted, tx.Status)
	assert.Equal(t, "amount mismatch", tx.FailureReason)
}

func TestCashTransaction_ComplianceHoldAndClear(t *testing.T) {
	tx := newDeposit(t)
	tx.HoldForCompliance("account under review")
	assert.True(t, tx.ComplianceHold)
	assert.Equal(t, MovementStatusRequested, tx.Status)
	assert.Contains(t, tx.FailureReason, "account under review")

	tx.ClearHold()
	assert.False(t, tx.ComplianceHold)
	assert.Empty(t, tx.FailureReason)
}

func TestCashTransaction_IsTerminal(t *testing.T) {
	tx := newDeposit(t)
	assert.False(t, tx.IsTerminal())

	tx.Status = MovementStatusCompleted
	assert.True(t, tx.IsTerminal())
	tx.Status = MovementStatusFailed
	assert.True(t, tx.IsTerminal())
	tx.Status = MovementStatusProviderPending
	assert.False(t, tx.IsTerminal())
}
