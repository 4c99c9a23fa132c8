package compliance

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/brokerage/internal/cash/domain"
	ledgerdomain "github.com/wyfcoding/brokerage/internal/ledger/domain"
)

// Accounts 账户查询依赖
type Accounts interface {
	FindByAccountID(ctx context.Context, accountID string) (*ledgerdomain.Account, error)
}

// AccountStatusChecker 以账户上的合规状态为准的检查器。
// 合规状态由外部系统写入账户，本服务只读取结论。
type AccountStatusChecker struct {
	accounts Accounts
}

func NewAccountStatusChecker(accounts Accounts) *AccountStatusChecker {
	return &AccountStatusChecker{accounts: accounts}
}

func (c *AccountStatusChecker) Check(ctx context.Context, accountID string, direction domain.Direction, currency ledgerdomain.Currency, amount decimal.Decimal) (bool, string, error) {
	account, err := c.accounts.FindByAccountID(ctx, accountID)
	if err != nil {
		return false, "", err
	}
	switch account.ComplianceStatus {
	case ledgerdomain.ComplianceStatusHold:
		return true, "account is under compliance hold", nil
	case ledgerdomain.ComplianceStatusReview:
		// 审查中只拦截出金，入金照常受理
		if direction == domain.DirectionWithdrawal {
			return true, "withdrawals suspended while account is under review", nil
		}
	}
	return false, "", nil
}
