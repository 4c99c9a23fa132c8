package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Balance 某账户某币种的资金三分区
// 不变量：Available ≥ 0 ∧ Pending ≥ 0 ∧ Reserved ≥ 0，
// 总额只能通过本文件的原语调整，禁止直接赋值
type Balance struct {
	AccountID string          `json:"account_id"`
	Currency  Currency        `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Pending   decimal.Decimal `json:"pending"`
	Reserved  decimal.Decimal `json:"reserved"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewBalance 创建零值余额
func NewBalance(accountID string, currency Currency) *Balance {
	return &Balance{
		AccountID: accountID,
		Currency:  currency,
		Available: decimal.Zero,
		Pending:   decimal.Zero,
		Reserved:  decimal.Zero,
		UpdatedAt: time.Now(),
	}
}

// Total 三分区总额
func (b *Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Pending).Add(b.Reserved)
}

// Reserve 将可用余额划转到预扣分区，不允许部分成功
func (b *Balance) Reserve(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	if b.Available.LessThan(amount) {
		return fmt.Errorf("%w: available %s < %s %s", ErrInsufficientFunds, b.Available, amount, b.Currency)
	}
	b.Available = b.Available.Sub(amount)
	b.Reserved = b.Reserved.Add(amount)
	b.UpdatedAt = time.Now()
	return nil
}

// Unreserve 将预扣金额退回可用分区
// 预扣不足意味着对账/编码缺陷，返回不变量错误而非用户错误
func (b *Balance) Unreserve(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	if b.Reserved.LessThan(amount) {
		return fmt.Errorf("%w: reserved %s < unreserve %s %s", ErrInvariantViolation, b.Reserved, amount, b.Currency)
	}
	b.Reserved = b.Reserved.Sub(amount)
	b.Available = b.Available.Add(amount)
	b.UpdatedAt = time.Now()
	return nil
}

// SettleReserved 按成交结果结转预扣金额
// finalAmount < reservedAmount 时差额退回可用；
// finalAmount > reservedAmount 时超出部分需从可用扣除，
// 可用不足则整体失败，余额保持不变（绝不允许负余额）
func (b *Balance) SettleReserved(reservedAmount, finalAmount decimal.Decimal) error {
	if reservedAmount.LessThanOrEqual(decimal.Zero) || finalAmount.LessThan(decimal.Zero) {
		return ErrInvalidAmount
	}
	if b.Reserved.LessThan(reservedAmount) {
		return fmt.Errorf("%w: reserved %s < settle %s %s", ErrInvariantViolation, b.Reserved, reservedAmount, b.Currency)
	}

	if finalAmount.GreaterThan(reservedAmount) {
		shortfall := finalAmount.Sub(reservedAmount)
		if b.Available.LessThan(shortfall) {
			return fmt.Errorf("%w: slippage shortfall %s exceeds available %s %s", ErrInsufficientFunds, shortfall, b.Available, b.Currency)
		}
		b.Available = b.Available.Sub(shortfall)
	} else {
		b.Available = b.Available.Add(reservedAmount.Sub(finalAmount))
	}

	b.Reserved = b.Reserved.Sub(reservedAmount)
	b.UpdatedAt = time.Now()
	return nil
}

// Add 直接增加可用余额（入金完成、卖出回款）
func (b *Balance) Add(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	b.Available = b.Available.Add(amount)
	b.UpdatedAt = time.Now()
	return nil
}

// Deduct 直接扣减可用余额
func (b *Balance) Deduct(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	if b.Available.LessThan(amount) {
		return fmt.Errorf("%w: available %s < deduct %s %s", ErrInsufficientFunds, b.Available, amount, b.Currency)
	}
	b.Available = b.Available.Sub(amount)
	b.UpdatedAt = time.Now()
	return nil
}

// CreditPending 在途资金入账（提供方已受理、尚未确认的入金）
func (b *Balance) CreditPending(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	b.Pending = b.Pending.Add(amount)
	b.UpdatedAt = time.Now()
	return nil
}

// SettlePending 在途资金确认，划转到可用分区
func (b *Balance) SettlePending(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	if b.Pending.LessThan(amount) {
		return fmt.Errorf("%w: pending %s < settle %s %s", ErrInvariantViolation, b.Pending, amount, b.Currency)
	}
	b.Pending = b.Pending.Sub(amount)
	b.Available = b.Available.Add(amount)
	b.UpdatedAt = time.Now()
	return nil
}

// ReleasePending 在途资金失败回冲，可用余额不受影响
func (b *Balance) ReleasePending(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	if b.Pending.LessThan(amount) {
		return fmt.Errorf("%w: pending %s < release %s %s", ErrInvariantViolation, b.Pending, amount, b.Currency)
	}
	b.Pending = b.Pending.Sub(amount)
	b.UpdatedAt = time.Now()
	return nil
}
