package locks

// Acquire outcomes reported to Metrics.
const (
	OutcomeGranted   = "granted"
	OutcomeConflict  = "conflict"
	OutcomeForbidden = "forbidden"
	OutcomeNotFound  = "not_found"
	OutcomeError     = "error"
)

// Metrics receives lock manager operation counts. Implementations must be
// safe for concurrent use.
type Metrics interface {
	ObserveAcquire(outcome string)
	ObserveRelease(wasHeld bool)
	ObserveReaped(count int)
	ObserveEditBlocked()
}

type noopMetrics struct{}

// NewNoopMetrics returns a Metrics implementation that discards everything.
func NewNoopMetrics() Metrics {
	return noopMetrics{}
}

func (noopMetrics) ObserveAcquire(string) {}
func (noopMetrics) ObserveRelease(bool)   {}
func (noopMetrics) ObserveReaped(int)     {}
func (noopMetrics) ObserveEditBlocked()   {}
