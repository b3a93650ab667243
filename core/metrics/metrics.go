// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package metrics exposes the proxy's prometheus metrics.

All methods are safe to call on a nil *Metrics, which simply records nothing.
This lets packages accept an optional metrics object.
*/
package metrics

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relabs-tech/dbrest/core/logger"
)

const namespace = "dbrest"

// Metrics holds the proxy's collectors and the registry they are registered with
type Metrics struct {
	Registry *prometheus.Registry

	statements *prometheus.CounterVec
	failures   *prometheus.CounterVec
	held       prometheus.Gauge
	reaped     prometheus.Counter
	conflicts  prometheus.Counter
	migrations *prometheus.CounterVec
}

// New creates a new registry with the Go and process collectors plus all proxy metrics
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		statements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "statements_total",
			Help:      "Number of executed SQL statements",
		}, []string{"target", "mode"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_failures_total",
			Help:      "Number of failed proxy requests by reason",
		}, []string{"reason"}),
		held: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "held_transactions",
			Help:      "Number of transactions held open across requests",
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_transactions_total",
			Help:      "Number of held transactions rolled back after their idle timeout",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Number of requests rejected because of a schema version mismatch",
		}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Number of schema migrations by result",
		}, []string{"result"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.statements,
		m.failures,
		m.held,
		m.reaped,
		m.conflicts,
		m.migrations,
	)
	return m
}

// StatementExecuted counts one statement for target ("configdb", "context", "pool"
// or "transaction") and mode ("query" or "update")
func (m *Metrics) StatementExecuted(target, mode string) {
	if m == nil {
		return
	}
	m.statements.WithLabelValues(target, mode).Inc()
}

// RequestFailed counts a failed request
func (m *Metrics) RequestFailed(reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(reason).Inc()
}

// SetHeldTransactions sets the number of currently held transactions
func (m *Metrics) SetHeldTransactions(n int) {
	if m == nil {
		return
	}
	m.held.Set(float64(n))
}

// TransactionReaped counts a transaction rolled back by the reaper
func (m *Metrics) TransactionReaped() {
	if m == nil {
		return
	}
	m.reaped.Inc()
}

// VersionConflict counts a rejected version check
func (m *Metrics) VersionConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// Migration counts a migration with its result ("success", "locked", "conflict" or "failed")
func (m *Metrics) Migration(result string) {
	if m == nil {
		return
	}
	m.migrations.WithLabelValues(result).Inc()
}

// Handler returns the http handler which serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
		ErrorLog:      logger.Default(),
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// HandleRoute adds a route /metrics GET to the router
func (m *Metrics) HandleRoute(router *mux.Router) {
	logger.Default().Debugln("metrics")
	logger.Default().Debugln("  handle metrics route: /metrics GET")
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
}
