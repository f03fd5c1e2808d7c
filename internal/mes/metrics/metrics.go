// Package metrics 扫码流转的 Prometheus 指标，通过 /metrics 暴露。
//
//	mes_transitions_total{operation,status}  流转结果计数
//	mes_transition_errors_total{kind}        按错误类型计数
//	mes_transition_retries_total{kind}       锁超时与版本冲突重试次数
//	mes_resolver_entries_total{outcome}      自动补完各条目结果
//	mes_transition_seconds{operation}        单次流转耗时
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector 方法对 nil 接收者安全，未启用指标时可直接传 nil
type Collector struct {
	transitions *prometheus.CounterVec
	errors      *prometheus.CounterVec
	retries     *prometheus.CounterVec
	resolver    *prometheus.CounterVec
	latency     *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewCollector reg 为 nil 时注册到默认 registry
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mes_transitions_total",
			Help: "Total number of successful scan transitions",
		}, []string{"operation", "status"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mes_transition_errors_total",
			Help: "Total number of failed scan transitions by error kind",
		}, []string{"kind"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mes_transition_retries_total",
			Help: "Total number of retried transactions by error kind",
		}, []string{"kind"}),
		resolver: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mes_resolver_entries_total",
			Help: "Auto-completed prerequisite entries by outcome",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mes_transition_seconds",
			Help:    "Scan transition latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	reg.MustRegister(c.transitions)
	reg.MustRegister(c.errors)
	reg.MustRegister(c.retries)
	reg.MustRegister(c.resolver)
	reg.MustRegister(c.latency)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

func (c *Collector) RecordTransition(operation, status string, seconds float64) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(operation, status).Inc()
	c.latency.WithLabelValues(operation).Observe(seconds)
}

func (c *Collector) RecordError(kind string) {
	if c == nil {
		return
	}
	c.errors.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordRetry(kind string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(kind).Inc()
}

// RecordResolver outcome: completed, failed_on_retry, skipped_already_committed, skipped_missing, failed
func (c *Collector) RecordResolver(outcome string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.resolver.WithLabelValues(outcome).Add(float64(n))
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
