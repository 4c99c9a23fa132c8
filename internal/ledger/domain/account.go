package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus 账户状态
type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "ACTIVE"
	AccountStatusSuspended AccountStatus = "SUSPENDED"
	AccountStatusClosed    AccountStatus = "CLOSED"
)

// ComplianceStatus 合规状态，由外部合规系统维护，本服务只读
type ComplianceStatus string

const (
	ComplianceStatusClear  ComplianceStatus = "CLEAR"
	ComplianceStatusReview ComplianceStatus = "REVIEW"
	ComplianceStatusHold   ComplianceStatus = "HOLD"
)

// MovementLimits 单币种出入金限额
type MovementLimits struct {
	DailyDeposit      decimal.Decimal `json:"daily_deposit"`
	DailyWithdrawal   decimal.Decimal `json:"daily_withdrawal"`
	MonthlyDeposit    decimal.Decimal `json:"monthly_deposit"`
	MonthlyWithdrawal decimal.Decimal `json:"monthly_withdrawal"`
	MaxTotalBalance   decimal.Decimal `json:"max_total_balance"`
}

// Account 账户实体
// 余额按币种单独存储（Balance），账户本身只承载归属与配置
type Account struct {
	ID                  uint                        `json:"id"`
	CreatedAt           time.Time                   `json:"created_at"`
	UpdatedAt           time.Time                   `json:"updated_at"`
	AccountID           string                      `json:"account_id"`
	OwnerID             string                      `json:"owner_id"`
	Jurisdiction        string                      `json:"jurisdiction"`
	BaseCurrency        Currency                    `json:"base_currency"`
	SupportedCurrencies []Currency                  `json:"supported_currencies"`
	Limits              map[Currency]MovementLimits `json:"limits"`
	ComplianceStatus    ComplianceStatus            `json:"compliance_status"`
	Status              AccountStatus               `json:"status"`
}

// NewAccount 创建账户，余额由注册服务按支持币种零值初始化
func NewAccount(accountID, ownerID, jurisdiction string, baseCurrency Currency, supported []Currency, limits map[Currency]MovementLimits) *Account {
	now := time.Now()
	return &Account{
		AccountID:           accountID,
		OwnerID:             ownerID,
		Jurisdiction:        jurisdiction,
		BaseCurrency:        baseCurrency,
		SupportedCurrencies: supported,
		Limits:              limits,
		ComplianceStatus:    ComplianceStatusClear,
		Status:              AccountStatusActive,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// SupportsCurrency 账户是否支持指定币种
func (a *Account) SupportsCurrency(c Currency) bool {
	for _, sc := range a.SupportedCurrencies {
		if sc == c {
			return true
		}
	}
	return false
}

// LimitsFor 取指定币种限额，未配置时返回零值限额（全部放行交给上层判断）
func (a *Account) LimitsFor(c Currency) (MovementLimits, bool) {
	l, ok := a.Limits[c]
	return l, ok
}

// IsActive 账户是否可用
func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}
