package domain

import (
	"fmt"

	"github.com/shopspring/decimal"

	ledger "github.com/wyfcoding/brokerage/internal/ledger/domain"
)

// AssetClass 资产类别
type AssetClass string

const (
	AssetClassEquity AssetClass = "EQUITY"
	AssetClassETF    AssetClass = "ETF"
	AssetClassBond   AssetClass = "BOND"
	AssetClassOption AssetClass = "OPTION"
)

// FeeComponent 费用分项配置：按比例计费，带最低/最高收费夹取
type FeeComponent struct {
	Rate decimal.Decimal `json:"rate"`
	Min  decimal.Decimal `json:"min"`
	Max  decimal.Decimal `json:"max"`
}

// Apply 计算分项费用并按 Min/Max 夹取，Max 为零表示不设上限
func (c FeeComponent) Apply(amount decimal.Decimal) decimal.Decimal {
	fee := amount.Mul(c.Rate)
	if fee.LessThan(c.Min) {
		fee = c.Min
	}
	if c.Max.IsPositive() && fee.GreaterThan(c.Max) {
		fee = c.Max
	}
	return fee
}

// FeeSchedule 单一资产类别在单一币种下的费率表
type FeeSchedule struct {
	AssetClass AssetClass      `json:"asset_class"`
	Currency   ledger.Currency `json:"currency"`
	Commission FeeComponent    `json:"commission"`
	Taxes      FeeComponent    `json:"taxes"`
	Exchange   FeeComponent    `json:"exchange"`
	Regulatory FeeComponent    `json:"regulatory"`
}

// Breakdown 费用明细，Total 恒等于各分项之和
type Breakdown struct {
	Commission     decimal.Decimal `json:"commission"`
	Taxes          decimal.Decimal `json:"taxes"`
	ExchangeFees   decimal.Decimal `json:"exchange_fees"`
	RegulatoryFees decimal.Decimal `json:"regulatory_fees"`
	Total          decimal.Decimal `json:"total"`
}

// Calculate 按费率表计算费用明细。
// 相同输入恒产生相同输出，分项按币种最小单位精度舍入后再求和。
func (s *FeeSchedule) Calculate(amount decimal.Decimal) (*Breakdown, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("fee calculation requires a positive amount, got %s", amount)
	}
	exp := minorUnitExponent(s.Currency)
	commission := s.Commission.Apply(amount).Round(exp)
	taxes := s.Taxes.Apply(amount).Round(exp)
	exchange := s.Exchange.Apply(amount).Round(exp)
	regulatory := s.Regulatory.Apply(amount).Round(exp)
	return &Breakdown{
		Commission:     commission,
		Taxes:          taxes,
		ExchangeFees:   exchange,
		RegulatoryFees: regulatory,
		Total:          commission.Add(taxes).Add(exchange).Add(regulatory),
	}, nil
}

// minorUnitExponent 币种最小单位的小数位数，JPY 无小数位
func minorUnitExponent(c ledger.Currency) int32 {
	if c == ledger.CurrencyJPY {
		return 0
	}
	return 2
}
