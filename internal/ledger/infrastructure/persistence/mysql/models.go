package mysql

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/wyfcoding/brokerage/internal/ledger/domain"
)

// AccountModel 账户表
type AccountModel struct {
	gorm.Model
	AccountID           string `gorm:"uniqueIndex;size:64;not null"`
	OwnerID             string `gorm:"index;size:64;not null"`
	Jurisdiction        string `gorm:"size:8;not null"`
	BaseCurrency        string `gorm:"size:8;not null"`
	SupportedCurrencies string `gorm:"type:json"`
	Limits              string `gorm:"type:json"`
	ComplianceStatus    string `gorm:"size:16;not null;default:CLEAR"`
	Status              string `gorm:"size:16;not null;default:ACTIVE"`
}

func (AccountModel) TableName() string {
	return "accounts"
}

// BalanceModel 余额表，(account_id, currency) 唯一，version 列承载乐观锁
type BalanceModel struct {
	ID        uint            `gorm:"primarykey"`
	AccountID string          `gorm:"uniqueIndex:idx_account_currency;size:64;not null"`
	Currency  string          `gorm:"uniqueIndex:idx_account_currency;size:8;not null"`
	Available decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	Pending   decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	Reserved  decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	Version   int64           `gorm:"not null;default:1"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (BalanceModel) TableName() string {
	return "balances"
}

// LedgerEntryModel 台账分录表，operation_id 唯一索引保证幂等
type LedgerEntryModel struct {
	ID             uint            `gorm:"primarykey"`
	OperationID    string          `gorm:"uniqueIndex;size:128;not null"`
	AccountID      string          `gorm:"index:idx_entry_account;size:64;not null"`
	Currency       string          `gorm:"index:idx_entry_account;size:8;not null"`
	EntryType      string          `gorm:"size:32;not null"`
	AvailableDelta decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	PendingDelta   decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	ReservedDelta  decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	ReferenceID    string          `gorm:"index;size:128"`
	CreatedAt      time.Time
}

func (LedgerEntryModel) TableName() string {
	return "ledger_entries"
}

func toAccountModel(a *domain.Account) (*AccountModel, error) {
	supported, err := json.Marshal(a.SupportedCurrencies)
	if err != nil {
		return nil, err
	}
	limits, err := json.Marshal(a.Limits)
	if err != nil {
		return nil, err
	}
	m := &AccountModel{
		AccountID:           a.AccountID,
		OwnerID:             a.OwnerID,
		Jurisdiction:        a.Jurisdiction,
		BaseCurrency:        string(a.BaseCurrency),
		SupportedCurrencies: string(supported),
		Limits:              string(limits),
		ComplianceStatus:    string(a.ComplianceStatus),
		Status:              string(a.Status),
	}
	m.ID = a.ID
	return m, nil
}

func toAccountDomain(m *AccountModel) (*domain.Account, error) {
	var supported []domain.Currency
	if m.SupportedCurrencies != "" {
		if err := json.Unmarshal([]byte(m.SupportedCurrencies), &supported); err != nil {
			return nil, err
		}
	}
	limits := make(map[domain.Currency]domain.MovementLimits)
	if m.Limits != "" {
		if err := json.Unmarshal([]byte(m.Limits), &limits); err != nil {
			return nil, err
		}
	}
	return &domain.Account{
		ID:                  m.ID,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
		AccountID:           m.AccountID,
		OwnerID:             m.OwnerID,
		Jurisdiction:        m.Jurisdiction,
		BaseCurrency:        domain.Currency(m.BaseCurrency),
		SupportedCurrencies: supported,
		Limits:              limits,
		ComplianceStatus:    domain.ComplianceStatus(m.ComplianceStatus),
		Status:              domain.AccountStatus(m.Status),
	}, nil
}

func toBalanceModel(b *domain.Balance) *BalanceModel {
	return &BalanceModel{
		AccountID: b.AccountID,
		Currency:  string(b.Currency),
		Available: b.Available,
		Pending:   b.Pending,
		Reserved:  b.Reserved,
		Version:   b.Version,
		UpdatedAt: b.UpdatedAt,
	}
}

func toBalanceDomain(m *BalanceModel) *domain.Balance {
	return &domain.Balance{
		AccountID: m.AccountID,
		Currency:  domain.Currency(m.Currency),
		Available: m.Available,
		Pending:   m.Pending,
		Reserved:  m.Reserved,
		Version:   m.Version,
		UpdatedAt: m.UpdatedAt,
	}
}

func toEntryModel(e *domain.LedgerEntry) *LedgerEntryModel {
	return &LedgerEntryModel{
		OperationID:    e.OperationID,
		AccountID:      e.AccountID,
		Currency:       string(e.Currency),
		EntryType:      string(e.EntryType),
		AvailableDelta: e.AvailableDelta,
		PendingDelta:   e.PendingDelta,
		ReservedDelta:  e.ReservedDelta,
		ReferenceID:    e.ReferenceID,
		CreatedAt:      e.CreatedAt,
	}
}

func toEntryDomain(m *LedgerEntryModel) *domain.LedgerEntry {
	return &domain.LedgerEntry{
		ID:             m.ID,
		CreatedAt:      m.CreatedAt,
		OperationID:    m.OperationID,
		AccountID:      m.AccountID,
		Currency:       domain.Currency(m.Currency),
		EntryType:      domain.EntryType(m.EntryType),
		AvailableDelta: m.AvailableDelta,
		PendingDelta:   m.PendingDelta,
		ReservedDelta:  m.ReservedDelta,
		ReferenceID:    m.ReferenceID,
	}
}
