package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/idgen"

	"github.com/wyfcoding/brokerage/internal/ledger/domain"
)

// CreateAccountCommand 开户命令
type CreateAccountCommand struct {
	OwnerID             string
	Jurisdiction        string
	BaseCurrency        domain.Currency
	SupportedCurrencies []domain.Currency
}

// AccountService 账户注册应用服务。
// 开户按辖区套用默认限额，并为每个支持币种初始化零余额。
type AccountService struct {
	accounts domain.AccountRepository
	balances domain.BalanceRepository
	tx       domain.TxManager
	logger   *slog.Logger
}

func NewAccountService(accounts domain.AccountRepository, balances domain.BalanceRepository, tx domain.TxManager, logger *slog.Logger) *AccountService {
	return &AccountService{
		accounts: accounts,
		balances: balances,
		tx:       tx,
		logger:   logger,
	}
}

// CreateAccount 开户
func (s *AccountService) CreateAccount(ctx context.Context, cmd CreateAccountCommand) (*domain.Account, error) {
	if cmd.OwnerID == "" {
		return nil, fmt.Errorf("owner_id is required")
	}
	if !cmd.BaseCurrency.Valid() {
		return nil, fmt.Errorf("%w: %s", domain.ErrCurrencyNotSupported, cmd.BaseCurrency)
	}
	supported := cmd.SupportedCurrencies
	if len(supported) == 0 {
		supported = []domain.Currency{cmd.BaseCurrency}
	}
	if !containsCurrency(supported, cmd.BaseCurrency) {
		supported = append(supported, cmd.BaseCurrency)
	}
	for _, c := range supported {
		if !c.Valid() {
			return nil, fmt.Errorf("%w: %s", domain.ErrCurrencyNotSupported, c)
		}
	}
	jurisdiction, limits := jurisdictionLimits(cmd.Jurisdiction, supported)

	accountID := fmt.Sprintf("ACC-%d", idgen.GenID())
	account := domain.NewAccount(accountID, cmd.OwnerID, jurisdiction, cmd.BaseCurrency, supported, limits)

	err := s.tx.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.accounts.Save(txCtx, account); err != nil {
			return err
		}
		for _, currency := range supported {
			if err := s.balances.Create(txCtx, domain.NewBalance(accountID, currency)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create account for owner %s: %w", cmd.OwnerID, err)
	}
	s.logger.InfoContext(ctx, "account created",
		"account_id", accountID, "owner_id", cmd.OwnerID, "jurisdiction", jurisdiction,
		"currencies", len(supported))
	return account, nil
}

// GetAccount 查询账户
func (s *AccountService) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return s.accounts.FindByAccountID(ctx, accountID)
}

// ListAccounts 查询持有人名下账户
func (s *AccountService) ListAccounts(ctx context.Context, ownerID string) ([]*domain.Account, error) {
	return s.accounts.FindByOwnerID(ctx, ownerID)
}

// jurisdictionLimits 辖区默认限额
func jurisdictionLimits(jurisdiction string, supported []domain.Currency) (string, map[domain.Currency]domain.MovementLimits) {
	type tier struct {
		daily, monthly, maxBalance int64
	}
	tiers := map[string]tier{
		"US":   {daily: 50_000, monthly: 250_000, maxBalance: 5_000_000},
		"EU":   {daily: 40_000, monthly: 200_000, maxBalance: 4_000_000},
		"UK":   {daily: 40_000, monthly: 200_000, maxBalance: 4_000_000},
		"APAC": {daily: 30_000, monthly: 150_000, maxBalance: 3_000_000},
	}
	t, ok := tiers[jurisdiction]
	if !ok {
		jurisdiction = "US"
		t = tiers["US"]
	}
	limits := make(map[domain.Currency]domain.MovementLimits, len(supported))
	for _, c := range supported {
		limits[c] = domain.MovementLimits{
			DailyDeposit:      decimal.NewFromInt(t.daily),
			DailyWithdrawal:   decimal.NewFromInt(t.daily),
			MonthlyDeposit:    decimal.NewFromInt(t.monthly),
			MonthlyWithdrawal: decimal.NewFromInt(t.monthly),
			MaxTotalBalance:   decimal.NewFromInt(t.maxBalance),
		}
	}
	return jurisdiction, limits
}

func containsCurrency(list []domain.Currency, c domain.Currency) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}
