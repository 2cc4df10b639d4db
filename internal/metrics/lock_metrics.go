package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LockMetrics implements the lock manager's Metrics interface on a dedicated
// prometheus registry.
type LockMetrics struct {
	registry         *prometheus.Registry
	acquireTotal     *prometheus.CounterVec
	releaseTotal     *prometheus.CounterVec
	reapedTotal      prometheus.Counter
	editBlockedTotal prometheus.Counter
}

// NewLockMetrics constructs and registers the lock operation counters.
func NewLockMetrics() *LockMetrics {
	registry := prometheus.NewRegistry()
	m := &LockMetrics{
		registry: registry,
		acquireTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casevault_lock_acquire_total",
			Help: "Lock acquisition attempts by outcome.",
		}, []string{"outcome"}),
		releaseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casevault_lock_release_total",
			Help: "Lock releases by prior state.",
		}, []string{"state"}),
		reapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casevault_locks_reaped_total",
			Help: "Expired locks reclaimed by sweeps.",
		}),
		editBlockedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casevault_edit_attempts_blocked_total",
			Help: "Record mutations denied by the edit gate.",
		}),
	}
	registry.MustRegister(m.acquireTotal, m.releaseTotal, m.reapedTotal, m.editBlockedTotal)
	return m
}

// ObserveAcquire counts one acquisition attempt.
func (m *LockMetrics) ObserveAcquire(outcome string) {
	m.acquireTotal.WithLabelValues(outcome).Inc()
}

// ObserveRelease counts one release.
func (m *LockMetrics) ObserveRelease(wasHeld bool) {
	state := "free"
	if wasHeld {
		state = "held"
	}
	m.releaseTotal.WithLabelValues(state).Inc()
}

// ObserveReaped counts reclaimed locks.
func (m *LockMetrics) ObserveReaped(count int) {
	m.reapedTotal.Add(float64(count))
}

// ObserveEditBlocked counts one denied mutation.
func (m *LockMetrics) ObserveEditBlocked() {
	m.editBlockedTotal.Inc()
}

// Handler serves the registry for scraping.
func (m *LockMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
