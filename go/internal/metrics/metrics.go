// Package metrics collects engine and transport metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector defines the interface for collecting poll session metrics
type Collector interface {
	RecordRefresh(class string, success bool, duration time.Duration)
	RecordSessionOpened(role string)
	RecordSessionClosed(role string)
	RecordAction(action string, outcome string)
	RecordPollsExpired(count int64)
	RecordNotification(class string, success bool)
}

// NoOpCollector is a no-op implementation for when metrics aren't needed
type NoOpCollector struct{}

func (NoOpCollector) RecordRefresh(class string, success bool, duration time.Duration) {}
func (NoOpCollector) RecordSessionOpened(role string)                                 {}
func (NoOpCollector) RecordSessionClosed(role string)                                 {}
func (NoOpCollector) RecordAction(action string, outcome string)                      {}
func (NoOpCollector) RecordPollsExpired(count int64)                                  {}
func (NoOpCollector) RecordNotification(class string, success bool)                   {}

// PrometheusCollector implements Collector using Prometheus
type PrometheusCollector struct {
	refreshTotal    *prometheus.CounterVec   // class, result=success|failure
	refreshDuration *prometheus.HistogramVec // class
	sessionsOpen    *prometheus.GaugeVec     // role
	actionsTotal    *prometheus.CounterVec   // action, outcome=ok|validation|conflict|transient
	expiredTotal    prometheus.Counter
	notifyTotal     *prometheus.CounterVec // class, result
}

// NewPrometheusCollector creates the collectors and registers them with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	m := &PrometheusCollector{
		refreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pollsync_refresh_total",
				Help: "Projection refreshes by record class and result",
			},
			[]string{"class", "result"},
		),
		refreshDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pollsync_refresh_duration_seconds",
				Help:    "Latency of projection refreshes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
			},
			[]string{"class"},
		),
		sessionsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pollsync_sessions_open",
				Help: "Number of open engine sessions by role",
			},
			[]string{"role"},
		),
		actionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pollsync_actions_total",
				Help: "Engine actions by outcome",
			},
			[]string{"action", "outcome"},
		),
		expiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pollsync_polls_expired_total",
			Help: "Polls ended by the expiry sweeper",
		}),
		notifyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pollsync_notifications_total",
				Help: "Change notifications published by record class and result",
			},
			[]string{"class", "result"},
		),
	}

	reg.MustRegister(
		m.refreshTotal,
		m.refreshDuration,
		m.sessionsOpen,
		m.actionsTotal,
		m.expiredTotal,
		m.notifyTotal,
	)

	return m
}

func (m *PrometheusCollector) RecordRefresh(class string, success bool, duration time.Duration) {
	m.refreshTotal.WithLabelValues(class, result(success)).Inc()
	m.refreshDuration.WithLabelValues(class).Observe(duration.Seconds())
}

func (m *PrometheusCollector) RecordSessionOpened(role string) {
	m.sessionsOpen.WithLabelValues(role).Inc()
}

func (m *PrometheusCollector) RecordSessionClosed(role string) {
	m.sessionsOpen.WithLabelValues(role).Dec()
}

func (m *PrometheusCollector) RecordAction(action string, outcome string) {
	m.actionsTotal.WithLabelValues(action, outcome).Inc()
}

func (m *PrometheusCollector) RecordPollsExpired(count int64) {
	m.expiredTotal.Add(float64(count))
}

func (m *PrometheusCollector) RecordNotification(class string, success bool) {
	m.notifyTotal.WithLabelValues(class, result(success)).Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
