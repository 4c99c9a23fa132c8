package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/response"

	"github.com/wyfcoding/brokerage/internal/cash/application"
	"github.com/wyfcoding/brokerage/internal/cash/domain"
	ledgerdomain "github.com/wyfcoding/brokerage/internal/ledger/domain"
	"github.com/wyfcoding/brokerage/pkg/logger"
)

// CashHandler 负责处理出入金相关的 HTTP 请求
type CashHandler struct {
	movements *application.MovementService
}

func NewCashHandler(movements *application.MovementService) *CashHandler {
	return &CashHandler{movements: movements}
}

// RegisterRoutes 注册路由
func (h *CashHandler) RegisterRoutes(router *gin.RouterGroup) {
	api := router.Group("/api/v1/cash")
	{
		api.POST("/deposits", h.RequestDeposit)
		api.POST("/withdrawals", h.RequestWithdrawal)
		api.POST("/transactions/:transaction_id/clearance", h.ClearComplianceHold)
		api.GET("/transactions/:transaction_id", h.GetTransaction)
		api.GET("/transactions", h.ListTransactions)
	}
	// 通道回调不走 api 前缀
	router.POST("/webhooks/:provider", h.HandleWebhook)
}

// MovementRequest 出入金请求
type MovementRequest struct {
	AccountID      string `json:"account_id" binding:"required"`
	Currency       string `json:"currency" binding:"required"`
	Amount         string `json:"amount" binding:"required"`
	ProcessingFee  string `json:"processing_fee"`
	Method         string `json:"method" binding:"required"`
	IdempotencyKey string `json:"idempotency_key"`
}

// RequestDeposit 受理入金
func (h *CashHandler) RequestDeposit(c *gin.Context) {
	h.requestMovement(c, h.movements.RequestDeposit)
}

// RequestWithdrawal 受理提现
func (h *CashHandler) RequestWithdrawal(c *gin.Context) {
	h.requestMovement(c, h.movements.RequestWithdrawal)
}

func (h *CashHandler) requestMovement(c *gin.Context, request func(ctx context.Context, cmd application.MovementCommand) (*domain.CashTransaction, error)) {
	var req MovementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid amount", "")
		return
	}
	fee := decimal.Zero
	if req.ProcessingFee != "" {
		fee, err = decimal.NewFromString(req.ProcessingFee)
		if err != nil {
			response.ErrorWithStatus(c, http.StatusBadRequest, "invalid processing_fee", "")
			return
		}
	}
	// 客户端不传幂等键时由服务端生成，重试语义交给客户端自管
	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	cmd := application.MovementCommand{
		AccountID:      req.AccountID,
		Currency:       ledgerdomain.Currency(req.Currency),
		Amount:         amount,
		ProcessingFee:  fee,
		Method:         domain.PaymentMethod(req.Method),
		IdempotencyKey: idempotencyKey,
	}

	tx, err := request(c.Request.Context(), cmd)
	if err != nil {
		logger.Error(c.Request.Context(), "Failed to process movement request",
			"account_id", req.AccountID, "error", err)
		// 事务可能已落库为失败，连同错误一并返回
		status := statusForError(err)
		if tx != nil {
			c.JSON(status, gin.H{"code": status, "message": err.Error(), "data": tx})
			return
		}
		response.ErrorWithStatus(c, status, err.Error(), "")
		return
	}
	response.Success(c, tx)
}

// HandleWebhook 处理通道回调
func (h *CashHandler) HandleWebhook(c *gin.Context) {
	providerCode := c.Param("provider")
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "failed to read webhook body", "")
		return
	}
	if err := h.movements.HandleWebhook(c.Request.Context(), providerCode, payload); err != nil {
		logger.Error(c.Request.Context(), "Failed to process webhook",
			"provider", providerCode, "error", err)
		if errors.Is(err, ledgerdomain.ErrReconciliationConflict) {
			// 冲突已记录并升级，回 200 防止通道无限重发
			response.Success(c, gin.H{"status": "flagged"})
			return
		}
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	response.Success(c, gin.H{"status": "ok"})
}

// ClearComplianceHold 人工清除合规拦截，恢复事务处理
func (h *CashHandler) ClearComplianceHold(c *gin.Context) {
	transactionID := c.Param("transaction_id")
	tx, err := h.movements.ClearComplianceHold(c.Request.Context(), transactionID)
	if err != nil {
		logger.Error(c.Request.Context(), "Failed to clear compliance hold",
			"transaction_id", transactionID, "error", err)
		status := statusForError(err)
		if tx != nil {
			c.JSON(status, gin.H{"code": status, "message": err.Error(), "data": tx})
			return
		}
		response.ErrorWithStatus(c, status, err.Error(), "")
		return
	}
	response.Success(c, tx)
}

// GetTransaction 查询出入金事务
func (h *CashHandler) GetTransaction(c *gin.Context) {
	transactionID := c.Param("transaction_id")
	tx, err := h.movements.GetTransaction(c.Request.Context(), transactionID)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusNotFound, err.Error(), "")
		return
	}
	response.Success(c, tx)
}

// ListTransactions 查询账户出入金列表
func (h *CashHandler) ListTransactions(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		response.ErrorWithStatus(c, http.StatusBadRequest, "account_id is required", "")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	txs, err := h.movements.ListTransactions(c.Request.Context(), accountID, limit, offset)
	if err != nil {
		logger.Error(c.Request.Context(), "Failed to list cash transactions", "account_id", accountID, "error", err)
		response.ErrorWithStatus(c, http.StatusInternalServerError, err.Error(), "")
		return
	}
	response.Success(c, txs)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ledgerdomain.ErrInsufficientFunds),
		errors.Is(err, ledgerdomain.ErrLimitExceeded),
		errors.Is(err, ledgerdomain.ErrProviderRejected),
		errors.Is(err, ledgerdomain.ErrComplianceHold):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidPaymentMethod),
		errors.Is(err, ledgerdomain.ErrCurrencyNotSupported):
		return http.StatusBadRequest
	case errors.Is(err, ledgerdomain.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledgerdomain.ErrProviderTimeout):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
