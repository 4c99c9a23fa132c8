package domain

import "errors"

var (
	// ErrAccountNotFound 账户不存在
	ErrAccountNotFound = errors.New("account not found")
	// ErrCurrencyNotSupported 币种不支持
	ErrCurrencyNotSupported = errors.New("currency not supported")
	// ErrInsufficientFunds 可用余额不足，下单/出金前同步返回
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrLimitExceeded 触及出入金限额
	ErrLimitExceeded = errors.New("movement limit exceeded")
	// ErrInvalidPaymentMethod 支付方式与提供方组合不合法
	ErrInvalidPaymentMethod = errors.New("invalid payment method")
	// ErrProviderTimeout 提供方调用超时
	ErrProviderTimeout = errors.New("provider timeout")
	// ErrProviderRejected 提供方拒绝
	ErrProviderRejected = errors.New("provider rejected")
	// ErrReconciliationConflict Webhook 终态与本地状态冲突，转人工核对
	ErrReconciliationConflict = errors.New("reconciliation conflict")
	// ErrComplianceHold 合规拦截，等待人工清除后继续
	ErrComplianceHold = errors.New("movement held by compliance")
	// ErrInvariantViolation 账本不变量被破坏，属程序缺陷信号，不向用户暴露
	ErrInvariantViolation = errors.New("ledger invariant violation")
	// ErrVersionConflict 乐观锁冲突，余额被并发修改
	ErrVersionConflict = errors.New("optimistic lock conflict")
	// ErrInvalidAmount 金额必须为正数
	ErrInvalidAmount = errors.New("amount must be positive")
)
