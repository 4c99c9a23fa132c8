package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/idgen"

	feesdomain "github.com/wyfcoding/brokerage/internal/fees/domain"
	ledgerdomain "github.com/wyfcoding/brokerage/internal/ledger/domain"
	"github.com/wyfcoding/brokerage/internal/trading/domain"
	"github.com/wyfcoding/brokerage/pkg/metrics"
)

// Ledger 结算协调器依赖的台账写操作
type Ledger interface {
	Reserve(ctx context.Context, operationID, accountID string, currency ledgerdomain.Currency, amount decimal.Decimal, referenceID string) error
	Unreserve(ctx context.Context, operationID, accountID string, currency ledgerdomain.Currency, amount decimal.Decimal, referenceID string) error
	SettleReserved(ctx context.Context, operationID, accountID string, currency ledgerdomain.Currency, reservedAmount, finalAmount decimal.Decimal, referenceID string) error
	AddFunds(ctx context.Context, operationID, accountID string, currency ledgerdomain.Currency, amount decimal.Decimal, referenceID string) error
}

// FeeCalculator 费用计算依赖
type FeeCalculator interface {
	Calculate(ctx context.Context, amount decimal.Decimal, assetClass feesdomain.AssetClass, currency ledgerdomain.Currency) (*feesdomain.Breakdown, error)
}

// PlaceOrderCommand 下单命令
type PlaceOrderCommand struct {
	AccountID  string
	Symbol     string
	AssetClass feesdomain.AssetClass
	Currency   ledgerdomain.Currency
	Quantity   decimal.Decimal
	QuotePrice decimal.Decimal
}

// SettlementService 交易结算协调器。
// 买入在下单时冻结 总额+费用，成交后按实际成交额结算冻结；
// 卖出不占用现金，成交后净额直接入账。
type SettlementService struct {
	trades    domain.TradeRepository
	ledger    Ledger
	fees      FeeCalculator
	publisher domain.EventPublisher
	idgen     idgen.Generator
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func NewSettlementService(
	trades domain.TradeRepository,
	ledger Ledger,
	fees FeeCalculator,
	publisher domain.EventPublisher,
	idGenerator idgen.Generator,
	logger *slog.Logger,
	m *metrics.Metrics,
) *SettlementService {
	return &SettlementService{
		trades:    trades,
		ledger:    ledger,
		fees:      fees,
		publisher: publisher,
		idgen:     idGenerator,
		logger:    logger,
		metrics:   m,
	}
}

// PlaceBuyOrder 买入下单：计算费用、冻结资金、提交执行。
// 可用余额不足时整单拒绝，不做部分冻结。
func (s *SettlementService) PlaceBuyOrder(ctx context.Context, cmd PlaceOrderCommand) (*domain.TradeTransaction, error) {
	if err := validateOrder(cmd); err != nil {
		return nil, err
	}
	gross := cmd.Quantity.Mul(cmd.QuotePrice)
	breakdown, err := s.fees.Calculate(ctx, gross, cmd.AssetClass, cmd.Currency)
	if err != nil {
		return nil, fmt.Errorf("calculate fees: %w", err)
	}

	trade := domain.NewTradeTransaction(cmd.AccountID, cmd.Symbol, cmd.AssetClass, domain.TradeSideBuy, cmd.Currency, cmd.Quantity, cmd.QuotePrice, *breakdown, s.idgen)

	// 先落库报价事务再冻结资金，崩溃后恢复巡检才能找到已冻结的订单
	if err := s.trades.Save(ctx, trade); err != nil {
		return nil, fmt.Errorf("save trade %s: %w", trade.TradeID, err)
	}

	err = s.ledger.Reserve(ctx, reserveOpID(trade.TradeID), cmd.AccountID, cmd.Currency, trade.ReservedAmount, trade.TradeID)
	if err != nil {
		s.countSettlement(domain.TradeSideBuy, "rejected")
		if failErr := trade.Fail(ctx, fmt.Sprintf("reserve rejected: %v", err)); failErr != nil {
			return nil, failErr
		}
		if updErr := s.trades.Update(ctx, trade); updErr != nil {
			return nil, updErr
		}
		return nil, fmt.Errorf("reserve %s %s for trade %s: %w", trade.ReservedAmount, cmd.Currency, trade.TradeID, err)
	}

	if err := trade.MarkReserved(ctx); err != nil {
		return nil, err
	}
	if err := trade.MarkSubmitted(ctx); err != nil {
		return nil, err
	}
	if err := s.trades.Update(ctx, trade); err != nil {
		return nil, fmt.Errorf("update trade %s: %w", trade.TradeID, err)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishBuyOrderPlaced(orderPlacedEvent(trade)); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish buy order event", "trade_id", trade.TradeID, "error", err)
		}
	}
	s.logger.InfoContext(ctx, "buy order placed",
		"trade_id", trade.TradeID, "account_id", cmd.AccountID,
		"reserved", trade.ReservedAmount.String(), "currency", string(cmd.Currency))
	return trade, nil
}

// PlaceSellOrder 卖出下单：不占用现金，成交后净额入账
func (s *SettlementService) PlaceSellOrder(ctx context.Context, cmd PlaceOrderCommand) (*domain.TradeTransaction, error) {
	if err := validateOrder(cmd); err != nil {
		return nil, err
	}
	gross := cmd.Quantity.Mul(cmd.QuotePrice)
	breakdown, err := s.fees.Calculate(ctx, gross, cmd.AssetClass, cmd.Currency)
	if err != nil {
		return nil, fmt.Errorf("calculate fees: %w", err)
	}

	trade := domain.NewTradeTransaction(cmd.AccountID, cmd.Symbol, cmd.AssetClass, domain.TradeSideSell, cmd.Currency, cmd.Quantity, cmd.QuotePrice, *breakdown, s.idgen)
	if err := trade.MarkSubmitted(ctx); err != nil {
		return nil, err
	}
	if err := s.trades.Save(ctx, trade); err != nil {
		return nil, fmt.Errorf("save trade %s: %w", trade.TradeID, err)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishSellOrderPlaced(orderPlacedEvent(trade)); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish sell order event", "trade_id", trade.TradeID, "error", err)
		}
	}
	s.logger.InfoContext(ctx, "sell order placed",
		"trade_id", trade.TradeID, "account_id", cmd.AccountID, "currency", string(cmd.Currency))
	return trade, nil
}

// ConfirmExecution 处理成交回报并完成资金结算。
// 买入成交额低于冻结额时差额自动解冻；高于冻结额时差额从可用余额补扣，
// 可用余额不足以覆盖差额才整单转失败、全额解冻并标记人工复核。
func (s *SettlementService) ConfirmExecution(ctx context.Context, tradeID string, executionPrice, executionQuantity decimal.Decimal) error {
	trade, err := s.trades.FindByTradeID(ctx, tradeID)
	if err != nil {
		return err
	}
	if trade.IsTerminal() {
		s.logger.InfoContext(ctx, "execution report for terminal trade ignored",
			"trade_id", tradeID, "status", string(trade.Status))
		return nil
	}
	if err := trade.MarkExecuted(ctx, executionPrice, executionQuantity); err != nil {
		return fmt.Errorf("mark trade %s executed: %w", tradeID, err)
	}

	switch trade.Side {
	case domain.TradeSideBuy:
		err = s.settleBuy(ctx, trade)
	case domain.TradeSideSell:
		err = s.settleSell(ctx, trade)
	default:
		err = fmt.Errorf("unknown trade side %q on trade %s", trade.Side, tradeID)
	}
	if err != nil {
		return err
	}
	return s.trades.Update(ctx, trade)
}

func (s *SettlementService) settleBuy(ctx context.Context, trade *domain.TradeTransaction) error {
	finalCost := trade.ExecutionCost()

	err := s.ledger.SettleReserved(ctx, settleOpID(trade.TradeID), trade.AccountID, trade.Currency, trade.ReservedAmount, finalCost, trade.TradeID)
	if errors.Is(err, ledgerdomain.ErrInsufficientFunds) {
		// 不利滑点差额超出可用余额：台账未动，解冻全额，转人工对账
		if unresErr := s.ledger.Unreserve(ctx, unreserveOpID(trade.TradeID), trade.AccountID, trade.Currency, trade.ReservedAmount, trade.TradeID); unresErr != nil {
			return fmt.Errorf("unreserve trade %s after settlement shortfall: %w", trade.TradeID, unresErr)
		}
		reason := fmt.Sprintf("execution cost %s exceeds reserved %s and available funds", finalCost, trade.ReservedAmount)
		if failErr := trade.Fail(ctx, reason); failErr != nil {
			return failErr
		}
		trade.FlagForReview(reason)
		s.countSettlement(domain.TradeSideBuy, "failed")
		s.publishFailed(ctx, trade)
		s.logger.WarnContext(ctx, "buy settlement shortfall not covered, flagged for review",
			"trade_id", trade.TradeID, "reserved", trade.ReservedAmount.String(), "final_cost", finalCost.String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("settle trade %s: %w", trade.TradeID, err)
	}
	if err := trade.MarkSettled(ctx, finalCost); err != nil {
		return err
	}
	s.countSettlement(domain.TradeSideBuy, "settled")
	s.publishSettled(ctx, trade)
	s.logger.InfoContext(ctx, "buy trade settled",
		"trade_id", trade.TradeID, "final_cost", finalCost.String())
	return nil
}

func (s *SettlementService) settleSell(ctx context.Context, trade *domain.TradeTransaction) error {
	proceeds := trade.ExecutionProceeds()
	if !proceeds.IsPositive() {
		reason := fmt.Sprintf("sell proceeds %s not positive after fees", proceeds)
		if err := trade.Fail(ctx, reason); err != nil {
			return err
		}
		trade.FlagForReview(reason)
		s.countSettlement(domain.TradeSideSell, "failed")
		s.publishFailed(ctx, trade)
		return nil
	}

	if err := s.ledger.AddFunds(ctx, settleOpID(trade.TradeID), trade.AccountID, trade.Currency, proceeds, trade.TradeID); err != nil {
		return fmt.Errorf("credit proceeds for trade %s: %w", trade.TradeID, err)
	}
	if err := trade.MarkSettled(ctx, proceeds); err != nil {
		return err
	}
	s.countSettlement(domain.TradeSideSell, "settled")
	s.publishSettled(ctx, trade)
	s.logger.InfoContext(ctx, "sell trade settled",
		"trade_id", trade.TradeID, "proceeds", proceeds.String())
	return nil
}

// CancelOrder 成交前取消订单，买入冻结全额解冻
func (s *SettlementService) CancelOrder(ctx context.Context, tradeID string) error {
	trade, err := s.trades.FindByTradeID(ctx, tradeID)
	if err != nil {
		return err
	}
	if err := trade.Cancel(ctx); err != nil {
		return fmt.Errorf("cancel trade %s in status %s: %w", tradeID, trade.Status, err)
	}
	if trade.Side == domain.TradeSideBuy && trade.ReservedAmount.IsPositive() {
		if err := s.ledger.Unreserve(ctx, unreserveOpID(tradeID), trade.AccountID, trade.Currency, trade.ReservedAmount, tradeID); err != nil {
			return fmt.Errorf("unreserve cancelled trade %s: %w", tradeID, err)
		}
	}
	if err := s.trades.Update(ctx, trade); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "trade cancelled", "trade_id", tradeID)
	return nil
}

// GetTrade 查询交易
func (s *SettlementService) GetTrade(ctx context.Context, tradeID string) (*domain.TradeTransaction, error) {
	return s.trades.FindByTradeID(ctx, tradeID)
}

// ListTrades 查询账户交易列表
func (s *SettlementService) ListTrades(ctx context.Context, accountID string, limit, offset int) ([]*domain.TradeTransaction, error) {
	return s.trades.FindByAccount(ctx, accountID, limit, offset)
}

func (s *SettlementService) publishSettled(ctx context.Context, trade *domain.TradeTransaction) {
	if s.publisher == nil {
		return
	}
	event := domain.TradeSettledEvent{
		TradeID:           trade.TradeID,
		AccountID:         trade.AccountID,
		Side:              string(trade.Side),
		Currency:          string(trade.Currency),
		ExecutionPrice:    trade.ExecutionPrice,
		ExecutionQuantity: trade.ExecutionQuantity,
		FinalAmount:       trade.FinalAmount,
		OccurredOn:        time.Now(),
	}
	if err := s.publisher.PublishTradeSettled(event); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish trade settled event", "trade_id", trade.TradeID, "error", err)
	}
}

func (s *SettlementService) publishFailed(ctx context.Context, trade *domain.TradeTransaction) {
	if s.publisher == nil {
		return
	}
	event := domain.TradeFailedEvent{
		TradeID:        trade.TradeID,
		AccountID:      trade.AccountID,
		Reason:         trade.FailureReason,
		ReviewRequired: trade.ReviewRequired,
		OccurredOn:     time.Now(),
	}
	if err := s.publisher.PublishTradeFailed(event); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish trade failed event", "trade_id", trade.TradeID, "error", err)
	}
}

func (s *SettlementService) countSettlement(side domain.TradeSide, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.SettlementsTotal.WithLabelValues(string(side), status).Inc()
}

func validateOrder(cmd PlaceOrderCommand) error {
	if cmd.AccountID == "" {
		return errors.New("account_id is required")
	}
	if cmd.Symbol == "" {
		return errors.New("symbol is required")
	}
	if !cmd.Currency.Valid() {
		return fmt.Errorf("%w: %s", ledgerdomain.ErrCurrencyNotSupported, cmd.Currency)
	}
	if !cmd.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity %s", ledgerdomain.ErrInvalidAmount, cmd.Quantity)
	}
	if !cmd.QuotePrice.IsPositive() {
		return fmt.Errorf("%w: quote price %s", ledgerdomain.ErrInvalidAmount, cmd.QuotePrice)
	}
	return nil
}

func orderPlacedEvent(trade *domain.TradeTransaction) domain.OrderPlacedEvent {
	return domain.OrderPlacedEvent{
		TradeID:        trade.TradeID,
		AccountID:      trade.AccountID,
		Symbol:         trade.Symbol,
		Side:           string(trade.Side),
		Currency:       string(trade.Currency),
		Quantity:       trade.Quantity,
		QuotePrice:     trade.QuotePrice,
		ReservedAmount: trade.ReservedAmount,
		OccurredOn:     time.Now(),
	}
}

func reserveOpID(tradeID string) string   { return "trade:" + tradeID + ":reserve" }
func unreserveOpID(tradeID string) string { return "trade:" + tradeID + ":unreserve" }
func settleOpID(tradeID string) string    { return "trade:" + tradeID + ":settle" }
