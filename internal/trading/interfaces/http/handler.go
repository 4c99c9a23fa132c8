package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/response"

	feesdomain "github.com/wyfcoding/brokerage/internal/fees/domain"
	ledgerdomain "github.com/wyfcoding/brokerage/internal/ledger/domain"
	"github.com/wyfcoding/brokerage/internal/trading/application"
	"github.com/wyfcoding/brokerage/internal/trading/domain"
	"github.com/wyfcoding/brokerage/pkg/logger"
)

// TradingHandler 负责处理交易结算相关的 HTTP 请求
type TradingHandler struct {
	settlement *application.SettlementService
}

func NewTradingHandler(settlement *application.SettlementService) *TradingHandler {
	return &TradingHandler{settlement: settlement}
}

// RegisterRoutes 注册路由
func (h *TradingHandler) RegisterRoutes(router *gin.RouterGroup) {
	api := router.Group("/api/v1/trades")
	{
		api.POST("/buy", h.PlaceBuyOrder)
		api.POST("/sell", h.PlaceSellOrder)
		api.POST("/executions", h.ConfirmExecution)
		api.POST("/:trade_id/cancel", h.CancelOrder)
		api.GET("/:trade_id", h.GetTrade)
		api.GET("", h.ListTrades)
	}
}

// PlaceOrderRequest 下单请求
type PlaceOrderRequest struct {
	AccountID  string `json:"account_id" binding:"required"`
	Symbol     string `json:"symbol" binding:"required"`
	AssetClass string `json:"asset_class" binding:"required"`
	Currency   string `json:"currency" binding:"required"`
	Quantity   string `json:"quantity" binding:"required"`
	QuotePrice string `json:"quote_price" binding:"required"`
}

// PlaceBuyOrder 买入下单
func (h *TradingHandler) PlaceBuyOrder(c *gin.Context) {
	h.placeOrder(c, h.settlement.PlaceBuyOrder)
}

// PlaceSellOrder 卖出下单
func (h *TradingHandler) PlaceSellOrder(c *gin.Context) {
	h.placeOrder(c, h.settlement.PlaceSellOrder)
}

func (h *TradingHandler) placeOrder(c *gin.Context, place func(ctx context.Context, cmd application.PlaceOrderCommand) (*domain.TradeTransaction, error)) {
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	quantity, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid quantity", "")
		return
	}
	quotePrice, err := decimal.NewFromString(req.QuotePrice)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid quote_price", "")
		return
	}
	cmd := application.PlaceOrderCommand{
		AccountID:  req.AccountID,
		Symbol:     req.Symbol,
		AssetClass: feesdomain.AssetClass(req.AssetClass),
		Currency:   ledgerdomain.Currency(req.Currency),
		Quantity:   quantity,
		QuotePrice: quotePrice,
	}

	trade, err := place(c.Request.Context(), cmd)
	if err != nil {
		logger.Error(c.Request.Context(), "Failed to place order", "account_id", req.AccountID, "error", err)
		response.ErrorWithStatus(c, statusForError(err), err.Error(), "")
		return
	}
	response.Success(c, trade)
}

// ConfirmExecutionRequest 成交回报请求
type ConfirmExecutionRequest struct {
	TradeID           string `json:"trade_id" binding:"required"`
	ExecutionPrice    string `json:"execution_price" binding:"required"`
	ExecutionQuantity string `json:"execution_quantity" binding:"required"`
}

// ConfirmExecution 手工回报成交, 与 Kafka 成交回报流汇合
func (h *TradingHandler) ConfirmExecution(c *gin.Context) {
	var req ConfirmExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	price, err := decimal.NewFromString(req.ExecutionPrice)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid execution_price", "")
		return
	}
	quantity, err := decimal.NewFromString(req.ExecutionQuantity)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid execution_quantity", "")
		return
	}

	if err := h.settlement.ConfirmExecution(c.Request.Context(), req.TradeID, price, quantity); err != nil {
		logger.Error(c.Request.Context(), "Failed to confirm execution", "trade_id", req.TradeID, "error", err)
		response.ErrorWithStatus(c, statusForError(err), err.Error(), "")
		return
	}
	response.Success(c, gin.H{"trade_id": req.TradeID})
}

// CancelOrder 成交前取消订单
func (h *TradingHandler) CancelOrder(c *gin.Context) {
	tradeID := c.Param("trade_id")
	if err := h.settlement.CancelOrder(c.Request.Context(), tradeID); err != nil {
		logger.Error(c.Request.Context(), "Failed to cancel trade", "trade_id", tradeID, "error", err)
		response.ErrorWithStatus(c, statusForError(err), err.Error(), "")
		return
	}
	response.Success(c, gin.H{"trade_id": tradeID, "status": "CANCELLED"})
}

// GetTrade 查询交易
func (h *TradingHandler) GetTrade(c *gin.Context) {
	tradeID := c.Param("trade_id")
	trade, err := h.settlement.GetTrade(c.Request.Context(), tradeID)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusNotFound, err.Error(), "")
		return
	}
	response.Success(c, trade)
}

// ListTrades 查询账户交易列表
func (h *TradingHandler) ListTrades(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		response.ErrorWithStatus(c, http.StatusBadRequest, "account_id is required", "")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	trades, err := h.settlement.ListTrades(c.Request.Context(), accountID, limit, offset)
	if err != nil {
		logger.Error(c.Request.Context(), "Failed to list trades", "account_id", accountID, "error", err)
		response.ErrorWithStatus(c, http.StatusInternalServerError, err.Error(), "")
		return
	}
	response.Success(c, trades)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ledgerdomain.ErrInsufficientFunds),
		errors.Is(err, ledgerdomain.ErrLimitExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrCurrencyNotSupported):
		return http.StatusBadRequest
	case errors.Is(err, ledgerdomain.ErrAccountNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
