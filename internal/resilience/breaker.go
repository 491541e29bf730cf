package resilience

import (
	"sync"
	"time"

	"escrow-service/internal/util"
)

// breaker holds the advisory failure state for one external service. It is
// process-local and rebuilt on restart; it is never business state.
type breaker struct {
	mu       sync.Mutex
	name     string
	failures int
	open     bool
	probing  bool
	openedAt time.Time

	threshold    int
	openDuration time.Duration
	now          func() time.Time
}

func newBreaker(name string, threshold int, openDuration time.Duration, now func() time.Time) *breaker {
	return &breaker{
		name:         name,
		threshold:    threshold,
		openDuration: openDuration,
		now:          now,
	}
}

// allow reports whether a call may go through. When the breaker is open and
// the open window has elapsed, exactly one caller is admitted as the
// half-open probe; everyone else keeps short-circuiting until the probe
// resolves.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if b.probing {
		return false
	}
	if b.now().Sub(b.openedAt) >= b.openDuration {
		b.probing = true
		return true
	}
	return false
}

// recordSuccess closes the breaker and clears the failure count.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.open = false
	b.probing = false
	util.CircuitBreakerOpen.WithLabelValues(b.name).Set(0)
}

// recordFailure counts one failure. A failed probe reopens the breaker and
// restarts the open window; otherwise the breaker opens once the consecutive
// failure count reaches the threshold.
func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.probing {
		b.probing = false
		b.openedAt = b.now()
		util.CircuitBreakerOpen.WithLabelValues(b.name).Set(1)
		return
	}

	b.failures++
	if !b.open && b.failures >= b.threshold {
		b.open = true
		b.openedAt = b.now()
		util.CircuitBreakerOpen.WithLabelValues(b.name).Set(1)
	}
}

func (b *breaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// BreakerState is a read-only snapshot of one breaker for health reporting.
type BreakerState struct {
	Service     string    `json:"service"`
	Open        bool      `json:"open"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

func (b *breaker) snapshot() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerState{
		Service:     b.name,
		Open:        b.open,
		Failures:    b.failures,
		LastFailure: b.openedAt,
	}
}
