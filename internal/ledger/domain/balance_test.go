package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestBalance_Reserve(t *testing.T) {
	b := NewBalance("ACC-1", CurrencyUSD)
	require.NoError(t, b.Add(dec("1000")))

	require.NoError(t, b.Reserve(dec("752")))
	assert.True(t, b.Available.Equal(dec("248")))
	assert.True(t, b.Reserved.Equal(dec("752")))
	assert.True(t, b.Total().Equal(dec("1000")))
}

func TestBalance_ReserveExactlyAvailable(t *testing.T) {
	b := NewBalance("ACC-1", CurrencyUSD)
	require.NoError(t, b.Add(dec("500")))

	require.NoError(t, b.Reserve(dec("500")))
	assert.True(t, b.Available.IsZero())
	assert.True(t, b.Reserved.Equal(dec("500")))
}

func TestBalance_ReserveInsufficientFunds(t *testing.T) {
	b := NewBalance("ACC-1", CurrencyUSD)
	require.NoError(t, b.Add(dec("100")))

	err := b.Reserve(dec("100.01"))
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.True(t, b.Available.Equal(dec("100")), "failed reserve must not mutate the balance")
	assert.True(t, b.Reserved.IsZero())
}

func TestBalance_ReserveRejectsNonPositive(t *testing.T) {
	b := NewBalance("ACC-1", CurrencyUSD)
	require.NoError(t, b.Add(dec("100")))

	assert.ErrorIs(t, b.Reserve(decimal.Zero), ErrInvalidAmount)
	assert.ErrorIs(t, b.Reserve(dec("-1")), ErrInvalidAmount)
}

func TestBalance_Unreserve(t *testing.T) {
	b := NewBalance("ACC-1", CurrencyUSD)
	require.NoError(t, b.Add(dec("1000")))
	require.NoError(t, b.Reserve(dec("300")))

	require.NoError(t, b.Unreserve(dec("300")))
	assert.True(t, b.Available.Equal(dec("1000")))
	assert.True(t, b.Reserved.IsZero())
}

func TestBalance_UnreserveMoreThanReserved(t *testing.T) {
	b := NewBalance("ACC-1", CurrencyUSD)
	require.NoError(t, b.Add(dec("1000")))
	require.NoError(t, b.Reserve(dec("300")))

	err := b.Unreserve(dec("300.01"))
	require.ErrorIs(t, err, ErrInvariantViolation)
	assert.True(t, b.Reserved.Equal(dec("300")))
}

func TestBalance_SettleReservedWithRefund(t *testing.T) {
	b := NewBalance("ACC-1", CurrencyUSD)
	require.NoError(t, b.Add(dec("1000")))
	require.NoError(t, b.Reserve(dec("752")))

	// 实际成交 742，差额 10 退回可用
	require.NoError(t, b.SettleReserved(dec("752"), dec("742")))
	assert.True(t, b.Available.Equal(dec("258")))
	assert.True(t, b.Reserved.IsZero())
	assert.True(t, b.Total().Equal(dec("258")))
}

func TestBalance_SettleReservedExact(t *testing.T) {
	b := NewBalance("ACC-1", CurrencyUSD)
	require.NoError(t, b.Add(dec("1000")))
	require.NoError(t, b.Reserve(dec("752")))

	require.NoError(t, b.SettleReserved(dec("752"), dec("752")))
	assert.True(t, b.Available.Equal(dec("248")))
	assert.True(t, b.Reserved.IsZero())
}

func TestBalance_SettleReservedWithShortfall(t *testing.T) {
	b := NewBalance("ACC-1", CurrencyUSD)
	require.NoError(t, b.Add(dec("1000")))
	require.NoError(t, b.Reserve(dec("752")))

	// 超出预扣 5，从可用补扣
	require.NoError(t, b.SettleReserved(dec("752"), dec("757")))
	assert.True(t, b.Available.Equal(dec("243")))
	assert.True(t, b.Reserved.IsZero())
}

func TestBalance_SettleReservedShortfallExceedsAvailable(t *testing.T) {
	b := NewBalance("ACC-1", CurrencyUSD)
	require.NoError(t, b.Add(dec("760")))
	require.NoError(t, b.Reserve(dec("752")))

	// 可用只剩 8，补不上 20 的差额，整体失败且余额不变
	err := b.SettleReserved(dec("752"), dec("772"))
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.True(t, b.Available.Equal(dec("8")))
	assert.True(t, b.Reserved.Equal(dec("752")))
}

func TestBalance_SettleReservedMoreThanReserved(t *testing.T) {
	b := NewBalance("ACC-1", CurrencyUSD)
	require.NoError(t, b.Add(dec("100")))
	require.NoError(t, b.Reserve(dec("50")))

	err := b.SettleReserved(dec("60"), dec("60"))
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestBalance_PendingLifecycle(t *testing.T) {
	b := NewBalance("ACC-1", CurrencyEUR)

	require.NoError(t, b.CreditPending(dec("200")))
	assert.True(t, b.Pending.Equal(dec("200")))
	assert.True(t, b.Available.IsZero())

	require.NoError(t, b.SettlePending(dec("200")))
	assert.True(t, b.Pending.IsZero())
	assert.True(t, b.Available.Equal(dec("200")))
}

func TestBalance_ReleasePending(t *testing.T) {
	b := NewBalance("ACC-1", CurrencyEUR)
	require.NoError(t, b.Add(dec("50")))
	require.NoError(t, b.CreditPending(dec("200")))

	require.NoError(t, b.ReleasePending(dec("200")))
	assert.True(t, b.Pending.IsZero())
	assert.True(t, b.Available.Equal(dec("50")), "release must not touch available")
}

func TestBalance_SettlePendingMoreThanPending(t *testing.T) {
	b := NewBalance("ACC-1", CurrencyEUR)
	require.NoError(t, b.CreditPending(dec("100")))

	err := b.SettlePending(dec("100.01"))
	require.ErrorIs(t, err, ErrInvariantViolation)
	assert.True(t, b.Pending.Equal(dec("100")))
}

func TestBalance_Deduct(t *testing.T) {
	b := NewBalance("ACC-1", CurrencyUSD)
	require.NoError(t, b.Add(dec("100")))

	require.NoError(t, b.Deduct(dec("40")))
	assert.True(t, b.Available.Equal(dec("60")))

	err := b.Deduct(dec("60.01"))
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.True(t, b.Available.Equal(dec("60")))
}
