package runner

import (
	"maps"
	"sync"
)

// Reporting holds the end-of-run reporting state shared by an adapter and the sessions that drive it.
// While suppressed, adapters hold back their own summary output and record it with Defer instead.
// The deferred data is sent to the scheduler when the session closes.
type Reporting struct {
	mu         sync.Mutex
	suppressed bool
	deferred   map[string]any
}

func NewReporting() *Reporting {
	return &Reporting{deferred: map[string]any{}}
}

func (r *Reporting) Suppress() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suppressed = true
}

func (r *Reporting) Restore() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suppressed = false
}

func (r *Reporting) Suppressed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suppressed
}

// Defer records a value for the finish report, replacing any earlier value under key.
func (r *Reporting) Defer(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deferred == nil {
		r.deferred = map[string]any{}
	}
	r.deferred[key] = value
}

// Data returns a copy of the deferred values.
func (r *Reporting) Data() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	data := make(map[string]any, len(r.deferred))
	maps.Copy(data, r.deferred)
	return data
}

// Reset restores reporting and drops everything deferred.
func (r *Reporting) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suppressed = false
	r.deferred = map[string]any{}
}
