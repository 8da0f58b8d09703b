package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector 账本引擎指标
type Collector struct {
	registry           *prometheus.Registry
	operationsTotal    *prometheus.CounterVec
	operationDuration  prometheus.Histogram
	idempotentReplays  prometheus.Counter
	expiredCredits     prometheus.Counter
	balanceDriftsFound prometheus.Counter
	lockTimeouts       prometheus.Counter
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	return &Collector{
		registry: registry,
		operationsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "credit_ledger_operations_total",
			Help: "Total ledger operations by type and result",
		}, []string{"type", "result", "error_code"}),
		operationDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "credit_ledger_operation_duration_seconds",
			Help:    "Time spent inside the per-account critical section",
			Buckets: prometheus.DefBuckets,
		}),
		idempotentReplays: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "credit_ledger_idempotent_replays_total",
			Help: "Operations answered from an existing transaction",
		}),
		expiredCredits: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "credit_ledger_expired_credits_total",
			Help: "Credits written off by the expiration engine",
		}),
		balanceDriftsFound: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "credit_ledger_balance_drifts_total",
			Help: "Balance drifts detected by the reconciler",
		}),
		lockTimeouts: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "credit_ledger_lock_timeouts_total",
			Help: "Account lock acquisitions that timed out",
		}),
	}
}

// ObserveOperation 记录一次账本操作
func (c *Collector) ObserveOperation(opType string, duration time.Duration, errorCode int) {
	if c == nil {
		return
	}
	result := "success"
	if errorCode != 0 {
		result = "failure"
	}
	c.operationsTotal.WithLabelValues(opType, result, strconv.Itoa(errorCode)).Inc()
	c.operationDuration.Observe(duration.Seconds())
}

func (c *Collector) ObserveReplay() {
	if c == nil {
		return
	}
	c.idempotentReplays.Inc()
}

func (c *Collector) ObserveExpired(amount int64) {
	if c == nil {
		return
	}
	c.expiredCredits.Add(float64(amount))
}

func (c *Collector) ObserveDrift() {
	if c == nil {
		return
	}
	c.balanceDriftsFound.Inc()
}

func (c *Collector) ObserveLockTimeout() {
	if c == nil {
		return
	}
	c.lockTimeouts.Inc()
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
