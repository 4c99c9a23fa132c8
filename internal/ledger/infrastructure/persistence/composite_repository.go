package persistence

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wyfcoding/brokerage/internal/ledger/domain"
	"github.com/wyfcoding/brokerage/internal/ledger/infrastructure/persistence/redis"
)

// CompositeAccountRepository 账户组合仓储：MySQL 为准，Redis 做读穿透缓存。
// 缓存故障只记日志，不影响主路径。
type CompositeAccountRepository struct {
	primary domain.AccountRepository
	cache   *redis.AccountCache
	logger  *slog.Logger
}

func NewCompositeAccountRepository(primary domain.AccountRepository, cache *redis.AccountCache, logger *slog.Logger) domain.AccountRepository {
	return &CompositeAccountRepository{
		primary: primary,
		cache:   cache,
		logger:  logger,
	}
}

func (r *CompositeAccountRepository) Save(ctx context.Context, account *domain.Account) error {
	if err := r.primary.Save(ctx, account); err != nil {
		return err
	}
	if err := r.cache.Set(ctx, account); err != nil {
		r.logger.WarnContext(ctx, "failed to cache account", "account_id", account.AccountID, "error", err)
	}
	return nil
}

func (r *CompositeAccountRepository) Update(ctx context.Context, account *domain.Account) error {
	if err := r.primary.Update(ctx, account); err != nil {
		return err
	}
	if err := r.cache.Delete(ctx, account.AccountID); err != nil {
		r.logger.WarnContext(ctx, "failed to invalidate account cache", "account_id", account.AccountID, "error", err)
	}
	return nil
}

func (r *CompositeAccountRepository) FindByAccountID(ctx context.Context, accountID string) (*domain.Account, error) {
	account, err := r.cache.Get(ctx, accountID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		r.logger.WarnContext(ctx, "account cache read failed, falling back to mysql", "account_id", accountID, "error", err)
	}

	account, err = r.primary.FindByAccountID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if cacheErr := r.cache.Set(ctx, account); cacheErr != nil {
		r.logger.WarnContext(ctx, "failed to cache account", "account_id", accountID, "error", cacheErr)
	}
	return account, nil
}

func (r *CompositeAccountRepository) FindByOwnerID(ctx context.Context, ownerID string) ([]*domain.Account, error) {
	return r.primary.FindByOwnerID(ctx, ownerID)
}
