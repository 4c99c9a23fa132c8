package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/brokerage/internal/cash/domain"
	ledger "github.com/wyfcoding/brokerage/internal/ledger/domain"
)

// HTTPAdapter 基于 HTTP 协议的通用支付通道适配器。
// 通道约定：POST /payments 提交，GET /payments/{id} 查询，
// 回调为 JSON，字段与 webhookPayload 对应。
type HTTPAdapter struct {
	code    string
	baseURL string
	client  *http.Client
}

func NewHTTPAdapter(code, baseURL string, timeout time.Duration) *HTTPAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPAdapter{
		code:    code,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *HTTPAdapter) Code() string {
	return a.code
}

type paymentPayload struct {
	TransactionID  string          `json:"transaction_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Direction      string          `json:"direction"`
	Method         string          `json:"method"`
	Currency       string          `json:"currency"`
	Amount         decimal.Decimal `json:"amount"`
	AccountRef     string          `json:"account_ref"`
}

type paymentResponse struct {
	ProviderTransactionID string `json:"provider_transaction_id"`
	Status                string `json:"status"`
	FailureReason         string `json:"failure_reason"`
}

// ProcessPayment 提交支付，超时包装为可重试错误
func (a *HTTPAdapter) ProcessPayment(ctx context.Context, req domain.PaymentRequest) (*domain.ProviderResult, error) {
	payload, err := json.Marshal(paymentPayload{
		TransactionID:  req.TransactionID,
		IdempotencyKey: req.IdempotencyKey,
		Direction:      string(req.Direction),
		Method:         string(req.Method),
		Currency:       string(req.Currency),
		Amount:         req.Amount,
		AccountRef:     req.AccountID,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/payments", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: provider %s: %v", ledger.ErrProviderTimeout, a.code, err)
		}
		return nil, fmt.Errorf("provider %s request failed: %w", a.code, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: provider %s returned %d", ledger.ErrProviderTimeout, a.code, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: provider %s returned %d", ledger.ErrProviderRejected, a.code, resp.StatusCode)
	}

	var body paymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode provider %s response: %w", a.code, err)
	}
	return &domain.ProviderResult{
		ProviderTransactionID: body.ProviderTransactionID,
		Status:                normalizeStatus(body.Status),
		FailureReason:         body.FailureReason,
	}, nil
}

// QueryPayment 按事务号主动查询通道侧状态
func (a *HTTPAdapter) QueryPayment(ctx context.Context, transactionID string) (*domain.ProviderResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/payments/"+transactionID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: provider %s: %v", ledger.ErrProviderTimeout, a.code, err)
		}
		return nil, fmt.Errorf("provider %s query failed: %w", a.code, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &domain.ProviderResult{Status: domain.ProviderStatusUnknown}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider %s query returned %d", a.code, resp.StatusCode)
	}

	var body paymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode provider %s query response: %w", a.code, err)
	}
	return &domain.ProviderResult{
		ProviderTransactionID: body.ProviderTransactionID,
		Status:                normalizeStatus(body.Status),
		FailureReason:         body.FailureReason,
	}, nil
}

type webhookPayload struct {
	ProviderTransactionID string          `json:"provider_transaction_id"`
	TransactionID         string          `json:"transaction_id"`
	Status                string          `json:"status"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	FailureReason         string          `json:"failure_reason"`
	Timestamp             time.Time       `json:"timestamp"`
}

// NormalizeWebhook 归一化通道回调
func (a *HTTPAdapter) NormalizeWebhook(payload []byte) (*domain.WebhookEvent, error) {
	var body webhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("malformed webhook from %s: %w", a.code, err)
	}
	if body.ProviderTransactionID == "" && body.TransactionID == "" {
		return nil, fmt.Errorf("webhook from %s missing transaction identifiers", a.code)
	}
	return &domain.WebhookEvent{
		ProviderCode:          a.code,
		ProviderTransactionID: body.ProviderTransactionID,
		TransactionID:         body.TransactionID,
		Status:                normalizeStatus(body.Status),
		Amount:                body.Amount,
		Currency:              ledger.Currency(body.Currency),
		FailureReason:         body.FailureReason,
		OccurredAt:            body.Timestamp,
	}, nil
}

func normalizeStatus(s string) domain.ProviderStatus {
	switch s {
	case "accepted", "ACCEPTED", "pending", "PENDING":
		return domain.ProviderStatusAccepted
	case "completed", "COMPLETED", "succeeded", "SUCCEEDED":
		return domain.ProviderStatusCompleted
	case "failed", "FAILED", "rejected", "REJECTED":
		return domain.ProviderStatusFailed
	default:
		return domain.ProviderStatusUnknown
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
