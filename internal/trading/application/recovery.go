package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/wyfcoding/brokerage/internal/trading/domain"
	"github.com/wyfcoding/brokerage/pkg/metrics"
)

// RecoveryService 交易恢复巡检：成交回报长时间未到达的订单升级人工复核。
// 没有可主动查询的执行场接口，绝不猜测成交结果，资金保持冻结等待处理。
type RecoveryService struct {
	trades domain.TradeRepository

	interval     time.Duration
	stuckTimeout time.Duration
	batchSize    int

	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewRecoveryService(
	trades domain.TradeRepository,
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
		trades:       trades,
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
				s.logger.ErrorContext(ctx, "trade recovery sweep failed", "error", err)
			}
		}
	}
}

// Sweep 单轮巡检
func (s *RecoveryService) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.stuckTimeout)
	stuck, err := s.trades.FindStuck(ctx, []domain.TradeStatus{
		domain.TradeStatusReserved,
		domain.TradeStatusPendingExecution,
	}, cutoff, s.batchSize)
	if err != nil {
		return err
	}
	for _, trade := range stuck {
		trade.FlagForReview("no execution report after timeout")
		if err := s.trades.Update(ctx, trade); err != nil {
			s.logger.ErrorContext(ctx, "failed to escalate stuck trade",
				"trade_id", trade.TradeID, "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.RecoveryEscalationsTotal.Inc()
		}
		s.logger.WarnContext(ctx, "stuck trade escalated for manual review",
			"trade_id", trade.TradeID, "status", string(trade.Status))
	}
	return nil
}
