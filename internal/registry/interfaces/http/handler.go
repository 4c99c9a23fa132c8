package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/pkg/response"

	ledgerapp "github.com/wyfcoding/brokerage/internal/ledger/application"
	"github.com/wyfcoding/brokerage/internal/ledger/domain"
	"github.com/wyfcoding/brokerage/internal/registry/application"
	"github.com/wyfcoding/brokerage/pkg/logger"
)

// AccountHandler 负责处理账户与余额相关的 HTTP 请求
type AccountHandler struct {
	accounts *application.AccountService
	ledger   *ledgerapp.LedgerService
}

func NewAccountHandler(accounts *application.AccountService, ledger *ledgerapp.LedgerService) *AccountHandler {
	return &AccountHandler{accounts: accounts, ledger: ledger}
}

// RegisterRoutes 注册路由
func (h *AccountHandler) RegisterRoutes(router *gin.RouterGroup) {
	api := router.Group("/api/v1/accounts")
	{
		api.POST("", h.CreateAccount)
		api.GET("/:account_id", h.GetAccount)
		api.GET("/:account_id/balances", h.GetBalances)
		api.GET("/:account_id/balances/:currency", h.GetBalance)
		api.GET("/:account_id/history", h.GetHistory)
	}
}

// CreateAccountRequest 开户请求
type CreateAccountRequest struct {
	OwnerID             string   `json:"owner_id" binding:"required"`
	Jurisdiction        string   `json:"jurisdiction"`
	BaseCurrency        string   `json:"base_currency" binding:"required"`
	SupportedCurrencies []string `json:"supported_currencies"`
}

// CreateAccount 开户
func (h *AccountHandler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	supported := make([]domain.Currency, 0, len(req.SupportedCurrencies))
	for _, s := range req.SupportedCurrencies {
		supported = append(supported, domain.Currency(s))
	}
	cmd := application.CreateAccountCommand{
		OwnerID:             req.OwnerID,
		Jurisdiction:        req.Jurisdiction,
		BaseCurrency:        domain.Currency(req.BaseCurrency),
		SupportedCurrencies: supported,
	}

	account, err := h.accounts.CreateAccount(c.Request.Context(), cmd)
	if err != nil {
		logger.Error(c.Request.Context(), "Failed to create account", "owner_id", req.OwnerID, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrCurrencyNotSupported) {
			status = http.StatusBadRequest
		}
		response.ErrorWithStatus(c, status, err.Error(), "")
		return
	}
	response.Success(c, account)
}

// GetAccount 查询账户
func (h *AccountHandler) GetAccount(c *gin.Context) {
	accountID := c.Param("account_id")
	account, err := h.accounts.GetAccount(c.Request.Context(), accountID)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusNotFound, err.Error(), "")
		return
	}
	response.Success(c, account)
}

// GetBalances 查询账户全部币种余额
func (h *AccountHandler) GetBalances(c *gin.Context) {
	accountID := c.Param("account_id")
	balances, err := h.ledger.GetBalances(c.Request.Context(), accountID)
	if err != nil {
		logger.Error(c.Request.Context(), "Failed to get balances", "account_id", accountID, "error", err)
		response.ErrorWithStatus(c, http.StatusInternalServerError, err.Error(), "")
		return
	}
	response.Success(c, balances)
}

// GetBalance 查询单币种余额
func (h *AccountHandler) GetBalance(c *gin.Context) {
	accountID := c.Param("account_id")
	currency, err := domain.ParseCurrency(c.Param("currency"))
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	balance, err := h.ledger.GetBalance(c.Request.Context(), accountID, currency)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			response.ErrorWithStatus(c, http.StatusNotFound, err.Error(), "")
			return
		}
		logger.Error(c.Request.Context(), "Failed to get balance", "account_id", accountID, "error", err)
		response.ErrorWithStatus(c, http.StatusInternalServerError, err.Error(), "")
		return
	}
	response.Success(c, balance)
}

// GetHistory 查询台账分录历史
func (h *AccountHandler) GetHistory(c *gin.Context) {
	accountID := c.Param("account_id")
	var currency domain.Currency
	if raw := c.Query("currency"); raw != "" {
		parsed, err := domain.ParseCurrency(raw)
		if err != nil {
			response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
			return
		}
		currency = parsed
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	entries, err := h.ledger.GetHistory(c.Request.Context(), accountID, currency, limit, offset)
	if err != nil {
		logger.Error(c.Request.Context(), "Failed to get ledger history", "account_id", accountID, "error", err)
		response.ErrorWithStatus(c, http.StatusInternalServerError, err.Error(), "")
		return
	}
	response.Success(c, entries)
}
