package fetcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the fetcher.
type Metrics struct {
	Registry     *prometheus.Registry
	PagesTotal   *prometheus.CounterVec
	PageDuration prometheus.Histogram
	ItemsTotal   *prometheus.CounterVec
	RetriesTotal prometheus.Counter
	ErrorsTotal  *prometheus.CounterVec
	OpenSessions prometheus.Gauge
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	pages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetcher_pages_total",
			Help: "Total listing pages processed, by outcome.",
		},
		[]string{"outcome"},
	)
	pageDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fetcher_page_duration_seconds",
			Help:    "Wall time spent processing one listing page.",
			Buckets: prometheus.DefBuckets,
		},
	)
	items := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetcher_items_total",
			Help: "Total items handled, by outcome.",
		},
		[]string{"outcome"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fetcher_retries_total",
			Help: "Total page retry attempts scheduled.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetcher_errors_total",
			Help: "Total fetcher errors by type.",
		},
		[]string{"error_type"},
	)
	openSessions := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fetcher_open_sessions",
			Help: "Browser sessions currently open.",
		},
	)

	registry.MustRegister(pages, pageDuration, items, retries, errorsTotal, openSessions)

	return &Metrics{
		Registry:     registry,
		PagesTotal:   pages,
		PageDuration: pageDuration,
		ItemsTotal:   items,
		RetriesTotal: retries,
		ErrorsTotal:  errorsTotal,
		OpenSessions: openSessions,
	}
}

// IncPage increments the pages counter for an outcome label.
func (m *Metrics) IncPage(outcome string) {
	if m == nil {
		return
	}
	m.PagesTotal.WithLabelValues(outcome).Inc()
}

// ObservePageDuration records how long one page took end to end.
func (m *Metrics) ObservePageDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.PageDuration.Observe(d.Seconds())
}

// IncItem increments the items counter for an outcome label.
func (m *Metrics) IncItem(outcome string) {
	if m == nil {
		return
	}
	m.ItemsTotal.WithLabelValues(outcome).Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// SessionOpened bumps the open-sessions gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.OpenSessions.Inc()
}

// SessionClosed lowers the open-sessions gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.OpenSessions.Dec()
}
