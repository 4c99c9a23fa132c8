package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wyfcoding/brokerage/internal/ledger/domain"
)

const (
	accountKeyPrefix = "brokerage:account:"
	accountTTL       = 10 * time.Minute
)

// AccountCache 账户读缓存
type AccountCache struct {
	client redis.UniversalClient
}

func NewAccountCache(client redis.UniversalClient) *AccountCache {
	return &AccountCache{client: client}
}

func (c *AccountCache) Get(ctx context.Context, accountID string) (*domain.Account, error) {
	data, err := c.client.Get(ctx, accountKeyPrefix+accountID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("redis get account %s: %w", accountID, err)
	}
	var account domain.Account
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("unmarshal cached account %s: %w", accountID, err)
	}
	return &account, nil
}

func (c *AccountCache) Set(ctx context.Context, account *domain.Account) error {
	data, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("marshal account %s: %w", account.AccountID, err)
	}
	return c.client.Set(ctx, accountKeyPrefix+account.AccountID, data, accountTTL).Err()
}

func (c *AccountCache) Delete(ctx context.Context, accountID string) error {
	return c.client.Del(ctx, accountKeyPrefix+accountID).Err()
}
