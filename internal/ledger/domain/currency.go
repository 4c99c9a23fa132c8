// Package domain 账本服务的领域模型
package domain

import "fmt"

// Currency 币种枚举类型
// 余额按 (account_id, currency) 维度存储，币种为封闭集合，
// 避免用字符串拼接字段名带来的隐患
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyGBP Currency = "GBP"
	CurrencyJPY Currency = "JPY"
	CurrencyCHF Currency = "CHF"
	CurrencyCAD Currency = "CAD"
	CurrencyAUD Currency = "AUD"
)

// AllCurrencies 全部支持的币种
func AllCurrencies() []Currency {
	return []Currency{
		CurrencyUSD, CurrencyEUR, CurrencyGBP,
		CurrencyJPY, CurrencyCHF, CurrencyCAD, CurrencyAUD,
	}
}

// Valid 判断币种是否合法
func (c Currency) Valid() bool {
	switch c {
	case CurrencyUSD, CurrencyEUR, CurrencyGBP, CurrencyJPY, CurrencyCHF, CurrencyCAD, CurrencyAUD:
		return true
	}
	return false
}

func (c Currency) String() string {
	return string(c)
}

// ParseCurrency 解析币种字符串
func ParseCurrency(s string) (Currency, error) {
	c := Currency(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %s", ErrCurrencyNotSupported, s)
	}
	return c, nil
}
