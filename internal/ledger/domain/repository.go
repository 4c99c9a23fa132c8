package domain

import "context"

// AccountRepository 账户仓储接口
type AccountRepository interface {
	Save(ctx context.Context, account *Account) error
	Update(ctx context.Context, account *Account) error
	FindByAccountID(ctx context.Context, accountID string) (*Account, error)
	FindByOwnerID(ctx context.Context, ownerID string) ([]*Account, error)
}

// BalanceRepository 余额仓储接口
// Save 使用乐观锁：按 (account_id, currency, version) 条件更新，
// 未命中任何行时返回 ErrVersionConflict
type BalanceRepository interface {
	Create(ctx context.Context, balance *Balance) error
	Save(ctx context.Context, balance *Balance) error
	Find(ctx context.Context, accountID string, currency Currency) (*Balance, error)
	FindAll(ctx context.Context, accountID string) ([]*Balance, error)
}

// EntryRepository 台账分录仓储接口
// FindByOperationID 未命中时返回 (nil, nil)
type EntryRepository interface {
	Save(ctx context.Context, entry *LedgerEntry) error
	FindByOperationID(ctx context.Context, operationID string) (*LedgerEntry, error)
	FindByAccount(ctx context.Context, accountID string, currency Currency, limit, offset int) ([]*LedgerEntry, error)
	FindByReferenceID(ctx context.Context, referenceID string) ([]*LedgerEntry, error)
}

// TxManager 事务边界，余额更新与分录写入必须同事务提交
type TxManager interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
