package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/wyfcoding/brokerage/internal/cash/domain"
	"github.com/wyfcoding/brokerage/pkg/metrics"
)

// RecoveryService 恢复巡检：对停留在中间状态超时的事务主动查询通道侧，
// 通道能给出终态则照常结算；查不到结论的只升级人工处理，绝不猜测结果。
type RecoveryService struct {
	repo      domain.CashRepository
	movements *MovementService
	providers ProviderRegistry

	interval     time.Duration
	stuckTimeout time.Duration
	batchSize    int

	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewRecoveryService(
	repo domain.CashRepository,
	movements *MovementService,
	providers ProviderRegistry,
	interval, stuckTimeout time.Duration,
	batchSize int,
	logger *slog.Logger,
	m *metrics.Metrics,
) *RecoveryService {
	if interval <= 0 {
		interval = time.Minute
	}
	if stuckTimeout <= 0 {
		stuckTimeout = 30 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &RecoveryService{
		repo:         repo,
		movements:    movements,
		providers:    providers,
		interval:     interval,
		stuckTimeout: stuckTimeout,
		batchSize:    batchSize,
		logger:       logger,
		metrics:      m,
	}
}

// Run 阻塞运行直至 ctx 取消
func (s *RecoveryService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.ErrorContext(ctx, "recovery sweep failed", "error", err)
			}
		}
	}
}

// Sweep 单轮巡检
func (s *RecoveryService) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.stuckTimeout)
	stuck, err := s.repo.FindStuck(ctx, []domain.MovementStatus{
		domain.MovementStatusValidated,
		domain.MovementStatusReserved,
		domain.MovementStatusSubmitted,
		domain.MovementStatusProviderPending,
	}, cutoff, s.batchSize)
	if err != nil {
		return err
	}
	for _, tx := range stuck {
		if err := s.recover(ctx, tx); err != nil {
			s.logger.ErrorContext(ctx, "failed to recover stuck movement",
				"transaction_id", tx.TransactionID, "error", err)
		}
	}
	return nil
}

func (s *RecoveryService) recover(ctx context.Context, tx *domain.CashTransaction) error {
	// 尚未提交通道的事务，通道侧没有可查的记录，本地处置
	switch tx.Status {
	case domain.MovementStatusValidated:
		// 崩溃可能发生在冻结和落库之间，冻结状态不明，升级人工核对台账
		return s.escalate(ctx, tx, "stuck before reservation confirmed")
	case domain.MovementStatusReserved:
		s.logger.InfoContext(ctx, "stuck movement failed locally, never dispatched to provider",
			"transaction_id", tx.TransactionID)
		return s.movements.failFromProvider(ctx, tx, "movement stuck before provider dispatch")
	}

	adapter, err := s.providers.Get(tx.ProviderCode)
	if err != nil {
		return s.escalate(ctx, tx, "provider no longer registered")
	}

	result, err := adapter.QueryPayment(ctx, tx.TransactionID)
	if err != nil {
		// 通道侧暂时查不到，留给下一轮
		s.logger.WarnContext(ctx, "provider query failed, will retry next sweep",
			"transaction_id", tx.TransactionID, "error", err)
		return nil
	}

	switch result.Status {
	case domain.ProviderStatusCompleted:
		s.logger.InfoContext(ctx, "stuck movement resolved as completed by provider query",
			"transaction_id", tx.TransactionID)
		return s.movements.completeMovement(ctx, tx, result.ProviderTransactionID)
	case domain.ProviderStatusFailed:
		s.logger.InfoContext(ctx, "stuck movement resolved as failed by provider query",
			"transaction_id", tx.TransactionID)
		return s.movements.failFromProvider(ctx, tx, result.FailureReason)
	default:
		// ACCEPTED 或 UNKNOWN：通道没有终态结论，升级人工处理
		return s.escalate(ctx, tx, "no terminal state from provider after timeout")
	}
}

func (s *RecoveryService) escalate(ctx context.Context, tx *domain.CashTransaction, reason string) error {
	tx.FlagReconciliation(reason)
	if err := s.repo.Update(ctx, tx); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecoveryEscalationsTotal.Inc()
	}
	s.logger.WarnContext(ctx, "stuck movement escalated for manual review",
		"transaction_id", tx.TransactionID, "status", string(tx.Status), "reason", reason)
	return nil
}
