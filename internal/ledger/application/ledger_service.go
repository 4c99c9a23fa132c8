package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/brokerage/internal/ledger/domain"
	"github.com/wyfcoding/brokerage/pkg/metrics"
)

// 乐观锁冲突时的最大重试次数
const maxSaveRetries = 3

// LedgerService 余额台账应用服务
// 所有写操作以 operationID 为幂等锚点：重复提交同一 operationID 直接返回成功，
// 不再触碰余额。余额更新与分录写入在同一事务内提交。
type LedgerService struct {
	balances domain.BalanceRepository
	entries  domain.EntryRepository
	tx       domain.TxManager
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewLedgerService(
	balances domain.BalanceRepository,
	entries domain.EntryRepository,
	tx domain.TxManager,
	logger *slog.Logger,
	m *metrics.Metrics,
) *LedgerService {
	return &LedgerService{
		balances: balances,
		entries:  entries,
		tx:       tx,
		logger:   logger,
		metrics:  m,
	}
}

// apply 加载余额、执行变更函数、以乐观锁保存并写入分录。
// 变更函数失败时余额不落库；版本冲突时重新加载并重放，最多 maxSaveRetries 次。
func (s *LedgerService) apply(
	ctx context.Context,
	operationID, accountID string,
	currency domain.Currency,
	entryType domain.EntryType,
	referenceID string,
	mutate func(*domain.Balance) error,
) error {
	existing, err := s.entries.FindByOperationID(ctx, operationID)
	if err != nil {
		return fmt.Errorf("check operation %s: %w", operationID, err)
	}
	if existing != nil {
		s.logger.InfoContext(ctx, "operation already applied, replay is a no-op",
			"operation_id", operationID, "entry_type", string(entryType))
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < maxSaveRetries; attempt++ {
		balance, err := s.balances.Find(ctx, accountID, currency)
		if err != nil {
			return fmt.Errorf("load balance %s/%s: %w", accountID, currency, err)
		}

		before := *balance
		if err := mutate(balance); err != nil {
			return err
		}

		err = s.tx.WithTx(ctx, func(txCtx context.Context) error {
			if err := s.balances.Save(txCtx, balance); err != nil {
				return err
			}
			entry := domain.NewLedgerEntry(operationID, entryType, &before, balance, referenceID)
			return s.entries.Save(txCtx, entry)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return fmt.Errorf("apply %s on %s/%s: %w", entryType, accountID, currency, err)
		}
		lastErr = err
		s.logger.WarnContext(ctx, "balance version conflict, retrying",
			"account_id", accountID, "currency", string(currency), "attempt", attempt+1)
	}
	return fmt.Errorf("apply %s on %s/%s after %d attempts: %w",
		entryType, accountID, currency, maxSaveRetries, lastErr)
}

// Reserve 将可用余额划入冻结分区
func (s *LedgerService) Reserve(ctx context.Context, operationID, accountID string, currency domain.Currency, amount decimal.Decimal, referenceID string) error {
	err := s.apply(ctx, operationID, accountID, currency, domain.EntryTypeReserve, referenceID, func(b *domain.Balance) error {
		return b.Reserve(amount)
	})
	s.countReservation(currency, err)
	return err
}

// Unreserve 将冻结余额划回可用分区
func (s *LedgerService) Unreserve(ctx context.Context, operationID, accountID string, currency domain.Currency, amount decimal.Decimal, referenceID string) error {
	return s.apply(ctx, operationID, accountID, currency, domain.EntryTypeUnreserve, referenceID, func(b *domain.Balance) error {
		return b.Unreserve(amount)
	})
}

// SettleReserved 按最终金额结算冻结余额，差额退回或补扣可用分区
func (s *LedgerService) SettleReserved(ctx context.Context, operationID, accountID string, currency domain.Currency, reservedAmount, finalAmount decimal.Decimal, referenceID string) error {
	return s.apply(ctx, operationID, accountID, currency, domain.EntryTypeSettleReserved, referenceID, func(b *domain.Balance) error {
		return b.SettleReserved(reservedAmount, finalAmount)
	})
}

// AddFunds 直接增加可用余额
func (s *LedgerService) AddFunds(ctx context.Context, operationID, accountID string, currency domain.Currency, amount decimal.Decimal, referenceID string) error {
	return s.apply(ctx, operationID, accountID, currency, domain.EntryTypeAddFunds, referenceID, func(b *domain.Balance) error {
		return b.Add(amount)
	})
}

// DeductFunds 直接扣减可用余额
func (s *LedgerService) DeductFunds(ctx context.Context, operationID, accountID string, currency domain.Currency, amount decimal.Decimal, referenceID string) error {
	return s.apply(ctx, operationID, accountID, currency, domain.EntryTypeDeductFunds, referenceID, func(b *domain.Balance) error {
		return b.Deduct(amount)
	})
}

// CreditPending 入金确认前先计入在途分区
func (s *LedgerService) CreditPending(ctx context.Context, operationID, accountID string, currency domain.Currency, amount decimal.Decimal, referenceID string) error {
	return s.apply(ctx, operationID, accountID, currency, domain.EntryTypeCreditPending, referenceID, func(b *domain.Balance) error {
		return b.CreditPending(amount)
	})
}

// SettlePending 在途余额到账，转入可用分区
func (s *LedgerService) SettlePending(ctx context.Context, operationID, accountID string, currency domain.Currency, amount decimal.Decimal, referenceID string) error {
	return s.apply(ctx, operationID, accountID, currency, domain.EntryTypeSettlePending, referenceID, func(b *domain.Balance) error {
		return b.SettlePending(amount)
	})
}

// ReleasePending 在途入金失败，撤销在途分区
func (s *LedgerService) ReleasePending(ctx context.Context, operationID, accountID string, currency domain.Currency, amount decimal.Decimal, referenceID string) error {
	return s.apply(ctx, operationID, accountID, currency, domain.EntryTypeReleasePending, referenceID, func(b *domain.Balance) error {
		return b.ReleasePending(amount)
	})
}

// GetBalance 查询指定币种余额
func (s *LedgerService) GetBalance(ctx context.Context, accountID string, currency domain.Currency) (*domain.Balance, error) {
	return s.balances.Find(ctx, accountID, currency)
}

// GetBalances 查询账户全部币种余额
func (s *LedgerService) GetBalances(ctx context.Context, accountID string) ([]*domain.Balance, error) {
	return s.balances.FindAll(ctx, accountID)
}

// GetHistory 查询账户台账分录
func (s *LedgerService) GetHistory(ctx context.Context, accountID string, currency domain.Currency, limit, offset int) ([]*domain.LedgerEntry, error) {
	return s.entries.FindByAccount(ctx, accountID, currency, limit, offset)
}

func (s *LedgerService) countReservation(currency domain.Currency, err error) {
	if s.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	s.metrics.ReservationsTotal.WithLabelValues(string(currency), result).Inc()
}
