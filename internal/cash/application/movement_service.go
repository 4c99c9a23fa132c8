package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/idgen"

	"github.com/wyfcoding/brokerage/internal/cash/domain"
	ledgerdomain "github.com/wyfcoding/brokerage/internal/ledger/domain"
	"github.com/wyfcoding/brokerage/pkg/metrics"
)

// Ledger 出入金处理器依赖的台账写操作
type Ledger interface {
	Reserve(ctx context.Context, operationID, accountID string, currency ledgerdomain.Currency, amount decimal.Decimal, referenceID string) error
	Unreserve(ctx context.Context, operationID, accountID string, currency ledgerdomain.Currency, amount decimal.Decimal, referenceID string) error
	SettleReserved(ctx context.Context, operationID, accountID string, currency ledgerdomain.Currency, reservedAmount, finalAmount decimal.Decimal, referenceID string) error
	AddFunds(ctx context.Context, operationID, accountID string, currency ledgerdomain.Currency, amount decimal.Decimal, referenceID string) error
	CreditPending(ctx context.Context, operationID, accountID string, currency ledgerdomain.Currency, amount decimal.Decimal, referenceID string) error
	SettlePending(ctx context.Context, operationID, accountID string, currency ledgerdomain.Currency, amount decimal.Decimal, referenceID string) error
	ReleasePending(ctx context.Context, operationID, accountID string, currency ledgerdomain.Currency, amount decimal.Decimal, referenceID string) error
}

// Accounts 账户查询依赖
type Accounts interface {
	FindByAccountID(ctx context.Context, accountID string) (*ledgerdomain.Account, error)
}

// LimitChecker 出入金限额检查依赖
type LimitChecker interface {
	Check(ctx context.Context, account *ledgerdomain.Account, currency ledgerdomain.Currency, direction domain.Direction, amount decimal.Decimal) error
}

// ProviderRegistry 支付通道注册表
type ProviderRegistry interface {
	Get(code string) (domain.ProviderAdapter, error)
	ForMethod(direction domain.Direction, method domain.PaymentMethod) (domain.ProviderAdapter, error)
}

// MovementCommand 出入金请求
type MovementCommand struct {
	AccountID      string
	Currency       ledgerdomain.Currency
	Amount         decimal.Decimal
	ProcessingFee  decimal.Decimal
	Method         domain.PaymentMethod
	IdempotencyKey string
}

// 通道重试参数，只对瞬时错误（超时、网络）重试
const (
	dispatchMaxRetries  = 3
	dispatchBackoffBase = 200 * time.Millisecond
)

// MovementService 出入金处理器。
// 入金在通道受理后先计入在途，终态回调时转入可用；
// 提现先冻结资金，通道确认后才真正扣账，失败即解冻。
type MovementService struct {
	repo       domain.CashRepository
	accounts   Accounts
	ledger     Ledger
	limits     LimitChecker
	providers  ProviderRegistry
	compliance domain.ComplianceChecker
	publisher  domain.EventPublisher
	idgen      idgen.Generator
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func NewMovementService(
	repo domain.CashRepository,
	accounts Accounts,
	ledger Ledger,
	limits LimitChecker,
	providers ProviderRegistry,
	compliance domain.ComplianceChecker,
	publisher domain.EventPublisher,
	idGenerator idgen.Generator,
	logger *slog.Logger,
	m *metrics.Metrics,
) *MovementService {
	return &MovementService{
		repo:       repo,
		accounts:   accounts,
		ledger:     ledger,
		limits:     limits,
		providers:  providers,
		compliance: compliance,
		publisher:  publisher,
		idgen:      idGenerator,
		logger:     logger,
		metrics:    m,
	}
}

// RequestDeposit 受理入金请求
func (s *MovementService) RequestDeposit(ctx context.Context, cmd MovementCommand) (*domain.CashTransaction, error) {
	return s.request(ctx, domain.DirectionDeposit, cmd)
}

// RequestWithdrawal 受理提现请求
func (s *MovementService) RequestWithdrawal(ctx context.Context, cmd MovementCommand) (*domain.CashTransaction, error) {
	return s.request(ctx, domain.DirectionWithdrawal, cmd)
}

func (s *MovementService) request(ctx context.Context, direction domain.Direction, cmd MovementCommand) (*domain.CashTransaction, error) {
	if !cmd.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ledgerdomain.ErrInvalidAmount, cmd.Amount)
	}
	if !cmd.Currency.Valid() {
		return nil, fmt.Errorf("%w: %s", ledgerdomain.ErrCurrencyNotSupported, cmd.Currency)
	}
	if err := domain.ValidateMethod(direction, cmd.Method); err != nil {
		return nil, err
	}
	if cmd.IdempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}

	// 同一幂等键重复提交返回原事务，不重复扣账
	if existing, err := s.repo.FindByIdempotencyKey(ctx, cmd.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		s.logger.InfoContext(ctx, "duplicate movement request, returning existing transaction",
			"transaction_id", existing.TransactionID, "idempotency_key", cmd.IdempotencyKey)
		return existing, nil
	}

	account, err := s.accounts.FindByAccountID(ctx, cmd.AccountID)
	if err != nil {
		return nil, err
	}
	if !account.IsActive() {
		return nil, fmt.Errorf("account %s is not active", cmd.AccountID)
	}
	if !account.SupportsCurrency(cmd.Currency) {
		return nil, fmt.Errorf("%w: account %s does not hold %s", ledgerdomain.ErrCurrencyNotSupported, cmd.AccountID, cmd.Currency)
	}

	adapter, err := s.providers.ForMethod(direction, cmd.Method)
	if err != nil {
		return nil, err
	}

	tx := domain.NewCashTransaction(cmd.AccountID, direction, cmd.Currency, cmd.Amount, cmd.ProcessingFee, cmd.Method, adapter.Code(), cmd.IdempotencyKey, s.idgen)

	hold, holdReason, err := s.compliance.Check(ctx, cmd.AccountID, direction, cmd.Currency, cmd.Amount)
	if err != nil {
		return nil, fmt.Errorf("compliance check: %w", err)
	}
	if hold {
		// 拦截不终结事务，保持 REQUESTED 等待人工清除后恢复
		tx.HoldForCompliance(holdReason)
		if saveErr := s.repo.Save(ctx, tx); saveErr != nil {
			return nil, saveErr
		}
		s.countMovement(direction, "compliance_hold")
		s.logger.WarnContext(ctx, "movement held by compliance",
			"transaction_id", tx.TransactionID, "reason", holdReason)
		return tx, fmt.Errorf("%w: %s", ledgerdomain.ErrComplianceHold, holdReason)
	}

	if err := s.limits.Check(ctx, account, cmd.Currency, direction, cmd.Amount); err != nil {
		if failErr := tx.Fail(ctx, err.Error()); failErr != nil {
			return nil, failErr
		}
		if saveErr := s.repo.Save(ctx, tx); saveErr != nil {
			return nil, saveErr
		}
		s.countMovement(direction, "limit_exceeded")
		return tx, err
	}

	if err := tx.MarkValidated(ctx); err != nil {
		return nil, err
	}
	// 先落库再冻结资金，崩溃后恢复巡检才能找到对应的事务
	if err := s.repo.Save(ctx, tx); err != nil {
		return nil, err
	}

	return tx, s.proceed(ctx, tx, adapter)
}

// proceed 校验通过后的资金动作与通道提交。提现先冻结资金，每步状态推进即落库。
func (s *MovementService) proceed(ctx context.Context, tx *domain.CashTransaction, adapter domain.ProviderAdapter) error {
	if tx.Direction == domain.DirectionWithdrawal {
		err := s.ledger.Reserve(ctx, reserveOpID(tx.TransactionID), tx.AccountID, tx.Currency, tx.Amount, tx.TransactionID)
		if err != nil {
			if failErr := tx.Fail(ctx, err.Error()); failErr != nil {
				return failErr
			}
			if updErr := s.repo.Update(ctx, tx); updErr != nil {
				return updErr
			}
			s.countMovement(tx.Direction, "rejected")
			return err
		}
		if err := tx.MarkReserved(ctx); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, tx); err != nil {
			return err
		}
	}

	if err := tx.MarkSubmitted(ctx); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, tx); err != nil {
		return err
	}

	return s.dispatch(ctx, tx, adapter)
}

// ClearComplianceHold 人工清除合规拦截后恢复处理，限额按当前额度重新检查
func (s *MovementService) ClearComplianceHold(ctx context.Context, transactionID string) (*domain.CashTransaction, error) {
	tx, err := s.repo.FindByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !tx.ComplianceHold || tx.Status != domain.MovementStatusRequested {
		return nil, fmt.Errorf("transaction %s is not held by compliance", transactionID)
	}

	account, err := s.accounts.FindByAccountID(ctx, tx.AccountID)
	if err != nil {
		return nil, err
	}
	if err := s.limits.Check(ctx, account, tx.Currency, tx.Direction, tx.Amount); err != nil {
		return tx, err
	}

	tx.ClearHold()
	if err := tx.MarkValidated(ctx); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, tx); err != nil {
		return nil, err
	}

	adapter, err := s.providers.Get(tx.ProviderCode)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "compliance hold cleared, movement resumed",
		"transaction_id", tx.TransactionID)
	return tx, s.proceed(ctx, tx, adapter)
}

// dispatch 提交通道，瞬时错误按指数退避重试，重试耗尽转失败并回滚资金
func (s *MovementService) dispatch(ctx context.Context, tx *domain.CashTransaction, adapter domain.ProviderAdapter) error {
	req := domain.PaymentRequest{
		TransactionID:  tx.TransactionID,
		IdempotencyKey: tx.IdempotencyKey,
		Direction:      tx.Direction,
		Method:         tx.PaymentMethod,
		Currency:       tx.Currency,
		Amount:         tx.Amount,
		AccountID:      tx.AccountID,
	}

	var result *domain.ProviderResult
	var err error
dispatchLoop:
	for attempt := 0; attempt < dispatchMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				err = ctx.Err()
				break dispatchLoop
			case <-time.After(dispatchBackoffBase << attempt):
			}
		}
		result, err = adapter.ProcessPayment(ctx, req)
		if err == nil {
			break
		}
		if !isTransient(err) {
			break
		}
		s.logger.WarnContext(ctx, "provider dispatch failed, retrying",
			"transaction_id", tx.TransactionID, "provider", adapter.Code(), "attempt", attempt+1, "error", err)
	}

	if err != nil {
		return s.failAfterDispatch(ctx, tx, fmt.Sprintf("provider dispatch failed: %v", err), err)
	}

	switch result.Status {
	case domain.ProviderStatusCompleted:
		return s.completeMovement(ctx, tx, result.ProviderTransactionID)
	case domain.ProviderStatusAccepted:
		if err := tx.MarkProviderPending(ctx, result.ProviderTransactionID); err != nil {
			return err
		}
		if tx.Direction == domain.DirectionDeposit {
			err := s.ledger.CreditPending(ctx, pendingOpID(tx.TransactionID), tx.AccountID, tx.Currency, tx.NetAmount, tx.TransactionID)
			if err != nil {
				return fmt.Errorf("credit pending for %s: %w", tx.TransactionID, err)
			}
		}
		if err := s.repo.Update(ctx, tx); err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "movement acknowledged by provider",
			"transaction_id", tx.TransactionID, "provider_tx_id", result.ProviderTransactionID)
		return nil
	default:
		reason := result.FailureReason
		if reason == "" {
			reason = "rejected by provider"
		}
		return s.failAfterDispatch(ctx, tx, reason, fmt.Errorf("%w: %s", ledgerdomain.ErrProviderRejected, reason))
	}
}

func (s *MovementService) failAfterDispatch(ctx context.Context, tx *domain.CashTransaction, reason string, cause error) error {
	// 提现已冻结的资金必须先解冻
	if tx.Direction == domain.DirectionWithdrawal {
		if err := s.ledger.Unreserve(ctx, unreserveOpID(tx.TransactionID), tx.AccountID, tx.Currency, tx.Amount, tx.TransactionID); err != nil {
			return fmt.Errorf("unreserve failed movement %s: %w", tx.TransactionID, err)
		}
	}
	if err := tx.Fail(ctx, reason); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, tx); err != nil {
		return err
	}
	s.countMovement(tx.Direction, "failed")
	s.publishFailed(ctx, tx)
	s.logger.WarnContext(ctx, "movement failed",
		"transaction_id", tx.TransactionID, "reason", reason)
	return cause
}

// completeMovement 终态完成：入金入账、提现扣账。
// 只有已提交通道的事务才能完成，合规拦截中的事务不动账。
func (s *MovementService) completeMovement(ctx context.Context, tx *domain.CashTransaction, providerTxID string) error {
	if tx.ComplianceHold {
		return fmt.Errorf("%w: transaction %s awaiting clearance", ledgerdomain.ErrComplianceHold, tx.TransactionID)
	}
	if tx.Status != domain.MovementStatusSubmitted && tx.Status != domain.MovementStatusProviderPending {
		return fmt.Errorf("cannot complete movement %s in status %s", tx.TransactionID, tx.Status)
	}
	switch tx.Direction {
	case domain.DirectionDeposit:
		if tx.Status == domain.MovementStatusProviderPending {
			// 已计入在途，转入可用
			if err := s.ledger.SettlePending(ctx, settleOpID(tx.TransactionID), tx.AccountID, tx.Currency, tx.NetAmount, tx.TransactionID); err != nil {
				return fmt.Errorf("settle pending deposit %s: %w", tx.TransactionID, err)
			}
		} else {
			// 同步完成，直接入账
			if err := s.ledger.AddFunds(ctx, settleOpID(tx.TransactionID), tx.AccountID, tx.Currency, tx.NetAmount, tx.TransactionID); err != nil {
				return fmt.Errorf("credit deposit %s: %w", tx.TransactionID, err)
			}
		}
	case domain.DirectionWithdrawal:
		if err := s.ledger.SettleReserved(ctx, settleOpID(tx.TransactionID), tx.AccountID, tx.Currency, tx.Amount, tx.Amount, tx.TransactionID); err != nil {
			return fmt.Errorf("settle withdrawal %s: %w", tx.TransactionID, err)
		}
	}
	if err := tx.Complete(ctx, providerTxID); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, tx); err != nil {
		return err
	}
	s.countMovement(tx.Direction, "completed")
	s.publishCompleted(ctx, tx)
	s.logger.InfoContext(ctx, "movement completed",
		"transaction_id", tx.TransactionID, "direction", string(tx.Direction), "net_amount", tx.NetAmount.String())
	return nil
}

// HandleWebhook 处理通道回调。
// 按通道流水号与事务双向核对，重复回调幂等忽略，冲突回调只标记不动账。
func (s *MovementService) HandleWebhook(ctx context.Context, providerCode string, payload []byte) error {
	adapter, err := s.providers.Get(providerCode)
	if err != nil {
		s.countWebhook("unknown_provider")
		return err
	}
	event, err := adapter.NormalizeWebhook(payload)
	if err != nil {
		s.countWebhook("malformed")
		return fmt.Errorf("normalize webhook from %s: %w", providerCode, err)
	}

	tx, err := s.resolveTransaction(ctx, event)
	if err != nil {
		s.countWebhook("unmatched")
		return err
	}

	if tx.ProviderTransactionID != "" && event.ProviderTransactionID != "" &&
		tx.ProviderTransactionID != event.ProviderTransactionID {
		return s.flagReconciliation(ctx, tx, fmt.Sprintf(
			"provider transaction id mismatch: have %s, webhook %s", tx.ProviderTransactionID, event.ProviderTransactionID))
	}
	if !event.Amount.IsZero() && !event.Amount.Equal(tx.Amount) {
		return s.flagReconciliation(ctx, tx, fmt.Sprintf(
			"amount mismatch: ledger %s, webhook %s", tx.Amount, event.Amount))
	}

	if tx.IsTerminal() {
		if terminalConflict(tx, event) {
			return s.flagReconciliation(ctx, tx, fmt.Sprintf(
				"webhook status %s conflicts with terminal status %s", event.Status, tx.Status))
		}
		// 重复回调，幂等忽略
		s.countWebhook("duplicate")
		s.logger.InfoContext(ctx, "duplicate webhook ignored",
			"transaction_id", tx.TransactionID, "status", string(tx.Status))
		return nil
	}

	switch event.Status {
	case domain.ProviderStatusCompleted:
		if err := s.completeMovement(ctx, tx, event.ProviderTransactionID); err != nil {
			return err
		}
	case domain.ProviderStatusFailed:
		if err := s.failFromProvider(ctx, tx, event.FailureReason); err != nil {
			return err
		}
	case domain.ProviderStatusAccepted:
		if tx.Status == domain.MovementStatusSubmitted {
			if err := tx.MarkProviderPending(ctx, event.ProviderTransactionID); err != nil {
				return err
			}
			if tx.Direction == domain.DirectionDeposit {
				if err := s.ledger.CreditPending(ctx, pendingOpID(tx.TransactionID), tx.AccountID, tx.Currency, tx.NetAmount, tx.TransactionID); err != nil {
					return err
				}
			}
			if err := s.repo.Update(ctx, tx); err != nil {
				return err
			}
		}
	default:
		s.countWebhook("ignored")
		return nil
	}
	s.countWebhook("processed")
	return nil
}

// failFromProvider 通道终态失败：入金撤销在途，提现解冻
func (s *MovementService) failFromProvider(ctx context.Context, tx *domain.CashTransaction, reason string) error {
	if reason == "" {
		reason = "provider reported failure"
	}
	switch tx.Direction {
	case domain.DirectionDeposit:
		if tx.Status == domain.MovementStatusProviderPending {
			if err := s.ledger.ReleasePending(ctx, releaseOpID(tx.TransactionID), tx.AccountID, tx.Currency, tx.NetAmount, tx.TransactionID); err != nil {
				return fmt.Errorf("release pending deposit %s: %w", tx.TransactionID, err)
			}
		}
	case domain.DirectionWithdrawal:
		// 只有冻结之后的状态才有资金可解冻
		switch tx.Status {
		case domain.MovementStatusReserved, domain.MovementStatusSubmitted, domain.MovementStatusProviderPending:
			if err := s.ledger.Unreserve(ctx, unreserveOpID(tx.TransactionID), tx.AccountID, tx.Currency, tx.Amount, tx.TransactionID); err != nil {
				return fmt.Errorf("unreserve failed withdrawal %s: %w", tx.TransactionID, err)
			}
		}
	}
	if err := tx.Fail(ctx, reason); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, tx); err != nil {
		return err
	}
	s.countMovement(tx.Direction, "failed")
	s.publishFailed(ctx, tx)
	return nil
}

func (s *MovementService) flagReconciliation(ctx context.Context, tx *domain.CashTransaction, reason string) error {
	tx.FlagReconciliation(reason)
	if err := s.repo.Update(ctx, tx); err != nil {
		return err
	}
	s.countWebhook("reconciliation_conflict")
	if s.publisher != nil {
		if err := s.publisher.PublishReconciliationFlagged(s.movementEvent(tx)); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish reconciliation event", "transaction_id", tx.TransactionID, "error", err)
		}
	}
	s.logger.WarnContext(ctx, "reconciliation conflict flagged",
		"transaction_id", tx.TransactionID, "reason", reason)
	return fmt.Errorf("%w: %s", ledgerdomain.ErrReconciliationConflict, reason)
}

func (s *MovementService) resolveTransaction(ctx context.Context, event *domain.WebhookEvent) (*domain.CashTransaction, error) {
	if event.TransactionID != "" {
		tx, err := s.repo.FindByTransactionID(ctx, event.TransactionID)
		if err == nil {
			return tx, nil
		}
	}
	if event.ProviderTransactionID != "" {
		tx, err := s.repo.FindByProviderTransactionID(ctx, event.ProviderTransactionID)
		if err != nil {
			return nil, err
		}
		if tx != nil {
			return tx, nil
		}
	}
	return nil, fmt.Errorf("webhook does not match any transaction (tx=%q provider_tx=%q)",
		event.TransactionID, event.ProviderTransactionID)
}

// GetTransaction 查询出入金事务
func (s *MovementService) GetTransaction(ctx context.Context, transactionID string) (*domain.CashTransaction, error) {
	return s.repo.FindByTransactionID(ctx, transactionID)
}

// ListTransactions 查询账户出入金列表
func (s *MovementService) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]*domain.CashTransaction, error) {
	return s.repo.FindByAccount(ctx, accountID, limit, offset)
}

func (s *MovementService) publishCompleted(ctx context.Context, tx *domain.CashTransaction) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishMovementCompleted(s.movementEvent(tx)); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish movement completed event", "transaction_id", tx.TransactionID, "error", err)
	}
}

func (s *MovementService) publishFailed(ctx context.Context, tx *domain.CashTransaction) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishMovementFailed(s.movementEvent(tx)); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish movement failed event", "transaction_id", tx.TransactionID, "error", err)
	}
}

func (s *MovementService) movementEvent(tx *domain.CashTransaction) domain.MovementEvent {
	return domain.MovementEvent{
		TransactionID:         tx.TransactionID,
		AccountID:             tx.AccountID,
		Direction:             string(tx.Direction),
		Currency:              string(tx.Currency),
		Amount:                tx.Amount,
		NetAmount:             tx.NetAmount,
		ProviderCode:          tx.ProviderCode,
		ProviderTransactionID: tx.ProviderTransactionID,
		Reason:                tx.FailureReason,
		OccurredOn:            time.Now(),
	}
}

func (s *MovementService) countMovement(direction domain.Direction, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.CashMovementsTotal.WithLabelValues(string(direction), status).Inc()
}

func (s *MovementService) countWebhook(result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.WebhooksTotal.WithLabelValues(result).Inc()
}

// terminalConflict 终态事务收到相反结论的回调
func terminalConflict(tx *domain.CashTransaction, event *domain.WebhookEvent) bool {
	switch tx.Status {
	case domain.MovementStatusCompleted:
		return event.Status == domain.ProviderStatusFailed
	case domain.MovementStatusFailed:
		return event.Status == domain.ProviderStatusCompleted
	}
	return false
}

func isTransient(err error) bool {
	return errors.Is(err, ledgerdomain.ErrProviderTimeout)
}

func reserveOpID(transactionID string) string   { return "cash:" + transactionID + ":reserve" }
func unreserveOpID(transactionID string) string { return "cash:" + transactionID + ":unreserve" }
func pendingOpID(transactionID string) string   { return "cash:" + transactionID + ":pending" }
func releaseOpID(transactionID string) string   { return "cash:" + transactionID + ":release" }
func settleOpID(transactionID string) string    { return "cash:" + transactionID + ":settle" }
