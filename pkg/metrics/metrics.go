// Package metrics 提供 Prometheus helper，包含通用模板与账务业务指标
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wyfcoding/brokerage/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	// HTTP 请求计数
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTP 请求耗时
	HTTPRequestDuration prometheus.Histogram

	// 数据库查询计数
	DBQueriesTotal prometheus.Counter
	// 数据库查询耗时
	DBQueryDuration prometheus.Histogram

	// 账务指标
	// 预扣操作计数（label: currency, result）
	ReservationsTotal *prometheus.CounterVec
	// 交易结算计数（label: side, status）
	SettlementsTotal *prometheus.CounterVec
	// 出入金计数（label: direction, status）
	CashMovementsTotal *prometheus.CounterVec
	// Webhook 处理计数（label: result）
	WebhooksTotal *prometheus.CounterVec
	// 恢复扫描升级人工处理计数
	RecoveryEscalationsTotal prometheus.Counter
	// Outbox 消息发布计数
	OutboxPublishedTotal prometheus.Counter
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerage",
			Subsystem: serviceName,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "brokerage",
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		DBQueriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "brokerage",
			Subsystem: serviceName,
			Name:      "db_queries_total",
			Help:      "Total database queries",
		}),
		DBQueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "brokerage",
			Subsystem: serviceName,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		ReservationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerage",
			Subsystem: serviceName,
			Name:      "reservations_total",
			Help:      "Total balance reservation operations",
		}, []string{"currency", "result"}),
		SettlementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerage",
			Subsystem: serviceName,
			Name:      "settlements_total",
			Help:      "Total trade settlements",
		}, []string{"side", "status"}),
		CashMovementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerage",
			Subsystem: serviceName,
			Name:      "cash_movements_total",
			Help:      "Total cash movement transactions",
		}, []string{"direction", "status"}),
		WebhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerage",
			Subsystem: serviceName,
			Name:      "webhooks_total",
			Help:      "Total provider webhook callbacks",
		}, []string{"result"}),
		RecoveryEscalationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "brokerage",
			Subsystem: serviceName,
			Name:      "recovery_escalations_total",
			Help:      "Transactions escalated to manual review by the recovery sweep",
		}),
		OutboxPublishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "brokerage",
			Subsystem: serviceName,
			Name:      "outbox_published_total",
			Help:      "Outbox messages published to the broker",
		}),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DBQueriesTotal,
		m.DBQueryDuration,
		m.ReservationsTotal,
		m.SettlementsTotal,
		m.CashMovementsTotal,
		m.WebhooksTotal,
		m.RecoveryEscalationsTotal,
		m.OutboxPublishedTotal,
	}
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// ExposeHTTP 启动 /metrics HTTP 服务
func (m *Metrics) ExposeHTTP(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info(context.Background(), "Metrics server starting", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error(context.Background(), "Metrics server exited", "error", err)
	}
}
