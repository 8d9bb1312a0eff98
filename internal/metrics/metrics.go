// Package metrics exposes the monitor's Prometheus instrumentation.
//
// Metrics are opt-in: nothing is registered until InitRegistry is called,
// and the Monitor constructor returns nil when metrics are disabled so the
// hot path pays nothing.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu       sync.Mutex
	registry *prometheus.Registry
)

// InitRegistry creates the process registry. Safe to call more than once.
func InitRegistry() {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return registry != nil
}

// GetRegistry returns the process registry, or nil when metrics are off.
func GetRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	return registry
}

// Serve starts the exposition endpoint on addr (e.g. ":9199") in a
// background goroutine. The returned server can be shut down by the caller.
func Serve(addr string) *http.Server {
	reg := GetRegistry()
	if reg == nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Monitor is the instrument set for the polling loop.
type Monitor struct {
	polls          *prometheus.CounterVec
	pollFailures   *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	availablePower prometheus.Gauge
	totalPower     prometheus.Gauge
	critical       *prometheus.GaugeVec
}

// NewMonitor creates the polling-loop metrics. Returns nil when metrics
// are not enabled; every method on a nil receiver is a no-op.
func NewMonitor() *Monitor {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &Monitor{
		polls: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "upsmon_polls_total",
				Help: "Total status polls per UPS",
			},
			[]string{"ups"},
		),
		pollFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "upsmon_poll_failures_total",
				Help: "Failed status polls per UPS and error kind",
			},
			[]string{"ups", "kind"},
		),
		notifications: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "upsmon_notifications_total",
				Help: "Notifications dispatched per event type",
			},
			[]string{"event"},
		),
		availablePower: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "upsmon_available_power",
				Help: "Sum of power values over non-critical UPSes",
			},
		),
		totalPower: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "upsmon_total_power_value",
				Help: "Sum of configured power values over all UPSes",
			},
		),
		critical: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "upsmon_ups_critical",
				Help: "1 when the UPS is currently evaluated as critical",
			},
			[]string{"ups"},
		),
	}
}

// RecordPoll counts one successful poll.
func (m *Monitor) RecordPoll(ups string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(ups).Inc()
}

// RecordPollFailure counts one failed poll with its error kind.
func (m *Monitor) RecordPollFailure(ups, kind string) {
	if m == nil {
		return
	}
	m.pollFailures.WithLabelValues(ups, kind).Inc()
}

// RecordNotification counts one dispatched notification.
func (m *Monitor) RecordNotification(event string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(event).Inc()
}

// SetAvailablePower records the aggregate power value of recalc.
func (m *Monitor) SetAvailablePower(v uint) {
	if m == nil {
		return
	}
	m.availablePower.Set(float64(v))
}

// SetTotalPower records the configured total power value.
func (m *Monitor) SetTotalPower(v uint) {
	if m == nil {
		return
	}
	m.totalPower.Set(float64(v))
}

// SetCritical records whether a UPS is currently critical.
func (m *Monitor) SetCritical(ups string, crit bool) {
	if m == nil {
		return
	}
	v := 0.0
	if crit {
		v = 1.0
	}
	m.critical.WithLabelValues(ups).Set(v)
}

// DropUPS removes the per-UPS series of a tracker deleted at reload.
func (m *Monitor) DropUPS(ups string) {
	if m == nil {
		return
	}
	m.polls.DeleteLabelValues(ups)
	m.critical.DeleteLabelValues(ups)
	m.pollFailures.DeletePartialMatch(prometheus.Labels{"ups": ups})
}
