// Package metrics holds the Prometheus collectors for data sources,
// persistence units and transactions.
//
// Every method is safe on a nil *Collector so components can report
// unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "dbwire"

// Collector holds the dbwire metrics and the registry they live in.
type Collector struct {
	registry *prometheus.Registry

	DataSourcesCreated *prometheus.CounterVec
	DataSourcesFailed  *prometheus.CounterVec

	UnitsStarted *prometheus.CounterVec
	UnitsFailed  *prometheus.CounterVec
	UnitsStopped *prometheus.CounterVec

	TxBegun         prometheus.Counter
	TxCommitted     prometheus.Counter
	TxRolledBack    *prometheus.CounterVec
	TxCommitNothing prometheus.Counter
	TxLookupFailed  prometheus.Counter
	TxDuration      *prometheus.HistogramVec
}

// New creates a collector registered on a fresh registry.
func New() *Collector {
	registry := prometheus.NewRegistry()

	dsCreated := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "datasources_created_total",
			Help:      "Total number of pooled data sources built",
		},
		[]string{"jndi"},
	)

	dsFailed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "datasources_failed_total",
			Help:      "Total number of failed data source builds",
		},
		[]string{"jndi"},
	)

	unitsStarted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "units_started_total",
			Help:      "Total number of persistence services started",
		},
		[]string{"unit"},
	)

	unitsFailed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "units_failed_total",
			Help:      "Total number of persistence service start or stop failures",
		},
		[]string{"unit", "phase"},
	)

	unitsStopped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "units_stopped_total",
			Help:      "Total number of persistence services stopped",
		},
		[]string{"unit"},
	)

	txBegun := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transactions_begun_total",
			Help:      "Total number of transactions begun by the interceptor",
		},
	)

	txCommitted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transactions_committed_total",
			Help:      "Total number of transactions committed",
		},
	)

	txRolledBack := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transactions_rolled_back_total",
			Help:      "Total number of transactions rolled back, by reason",
		},
		[]string{"reason"},
	)

	txCommitNothing := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transactions_commit_nothing_total",
			Help:      "Total number of commits that found no active transaction",
		},
	)

	txLookupFailed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transaction_lookup_failures_total",
			Help:      "Total number of failed transaction context lookups",
		},
	)

	txDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "transactional_call_duration_seconds",
			Help:      "Duration of intercepted calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"attribute", "outcome"},
	)

	registry.MustRegister(
		dsCreated,
		dsFailed,
		unitsStarted,
		unitsFailed,
		unitsStopped,
		txBegun,
		txCommitted,
		txRolledBack,
		txCommitNothing,
		txLookupFailed,
		txDuration,
	)

	return &Collector{
		registry:           registry,
		DataSourcesCreated: dsCreated,
		DataSourcesFailed:  dsFailed,
		UnitsStarted:       unitsStarted,
		UnitsFailed:        unitsFailed,
		UnitsStopped:       unitsStopped,
		TxBegun:            txBegun,
		TxCommitted:        txCommitted,
		TxRolledBack:       txRolledBack,
		TxCommitNothing:    txCommitNothing,
		TxLookupFailed:     txLookupFailed,
		TxDuration:         txDuration,
	}
}

// Registry returns the registry the collectors are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) DataSourceCreated(jndi string) {
	if c == nil {
		return
	}
	c.DataSourcesCreated.WithLabelValues(jndi).Inc()
}

func (c *Collector) DataSourceFailed(jndi string) {
	if c == nil {
		return
	}
	c.DataSourcesFailed.WithLabelValues(jndi).Inc()
}

func (c *Collector) UnitStarted(unit string) {
	if c == nil {
		return
	}
	c.UnitsStarted.WithLabelValues(unit).Inc()
}

// UnitFailed records a failure in phase "start" or "stop".
func (c *Collector) UnitFailed(unit, phase string) {
	if c == nil {
		return
	}
	c.UnitsFailed.WithLabelValues(unit, phase).Inc()
}

func (c *Collector) UnitStopped(unit string) {
	if c == nil {
		return
	}
	c.UnitsStopped.WithLabelValues(unit).Inc()
}

func (c *Collector) TxBegin() {
	if c == nil {
		return
	}
	c.TxBegun.Inc()
}

func (c *Collector) TxCommit() {
	if c == nil {
		return
	}
	c.TxCommitted.Inc()
}

// TxRollback records a rollback; reason is "rule", "rollback-only" or "timeout".
func (c *Collector) TxRollback(reason string) {
	if c == nil {
		return
	}
	c.TxRolledBack.WithLabelValues(reason).Inc()
}

func (c *Collector) TxNothingToCommit() {
	if c == nil {
		return
	}
	c.TxCommitNothing.Inc()
}

func (c *Collector) TxLookupFailure() {
	if c == nil {
		return
	}
	c.TxLookupFailed.Inc()
}

// ObserveCall records the duration of an intercepted call.
func (c *Collector) ObserveCall(attribute, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.TxDuration.WithLabelValues(attribute, outcome).Observe(d.Seconds())
}

// Handler serves the metrics in g. A nil gatherer serves the default registry.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
