package provider

import (
	"fmt"
	"time"

	"github.com/wyfcoding/brokerage/internal/cash/domain"
	"github.com/wyfcoding/brokerage/pkg/config"
)

// Registry 支付通道注册表，按通道编码与支付方式路由
type Registry struct {
	adapters map[string]domain.ProviderAdapter
	// routes[direction][method] 按配置顺序取第一个支持该方式的通道
	routes map[domain.Direction]map[domain.PaymentMethod]domain.ProviderAdapter
}

// NewRegistry 依据配置构建通道注册表
func NewRegistry(configs []config.ProviderConfig) (*Registry, error) {
	r := &Registry{
		adapters: make(map[string]domain.ProviderAdapter),
		routes: map[domain.Direction]map[domain.PaymentMethod]domain.ProviderAdapter{
			domain.DirectionDeposit:    {},
			domain.DirectionWithdrawal: {},
		},
	}
	for _, cfg := range configs {
		adapter := NewHTTPAdapter(cfg.Code, cfg.BaseURL, time.Duration(cfg.Timeout)*time.Second)
		if err := r.Register(adapter, cfg.Methods); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register 注册通道及其支持的支付方式
func (r *Registry) Register(adapter domain.ProviderAdapter, methods []string) error {
	code := adapter.Code()
	if _, exists := r.adapters[code]; exists {
		return fmt.Errorf("provider %s already registered", code)
	}
	r.adapters[code] = adapter
	for _, m := range methods {
		method := domain.PaymentMethod(m)
		for _, direction := range []domain.Direction{domain.DirectionDeposit, domain.DirectionWithdrawal} {
			if domain.ValidateMethod(direction, method) != nil {
				continue
			}
			if _, taken := r.routes[direction][method]; !taken {
				r.routes[direction][method] = adapter
			}
		}
	}
	return nil
}

// Get 按通道编码查找
func (r *Registry) Get(code string) (domain.ProviderAdapter, error) {
	adapter, ok := r.adapters[code]
	if !ok {
		return nil, fmt.Errorf("unknown payment provider %q", code)
	}
	return adapter, nil
}

// ForMethod 按方向与支付方式路由通道
func (r *Registry) ForMethod(direction domain.Direction, method domain.PaymentMethod) (domain.ProviderAdapter, error) {
	adapter, ok := r.routes[direction][method]
	if !ok {
		return nil, fmt.Errorf("no provider supports %s for %s", method, direction)
	}
	return adapter, nil
}
