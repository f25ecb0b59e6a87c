// Package circuitbreaker stops calling a payment source's node after
// repeated transient failures and probes it again after a cool-off.
package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the breaker state for one payment source.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // a single probe is in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Adapter circuit breaker transitions by payment source, from-state and to-state.",
	}, []string{"source", "from_state", "to_state"})

	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowsync",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current adapter circuit state by payment source (0 closed, 1 open, 2 half-open).",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(stateTransitions, stateGauge)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
	trialAt  time.Time
}

// Breaker tracks consecutive failures per payment source.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	openDuration time.Duration
	now          func() time.Time
	onTransition func(source string, from, to State)
}

// New returns a breaker that opens after threshold consecutive failures and
// stays open for openDuration before allowing a probe.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		circuits:     make(map[string]*circuit),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// OnTransition registers a callback fired asynchronously on state changes.
func (b *Breaker) OnTransition(fn func(source string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a call for source may proceed. An open circuit whose
// cool-off has elapsed moves to half-open and admits one probe. A trial whose
// outcome is not recorded within the cool-off is abandoned and another is
// admitted.
func (b *Breaker) Allow(source string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[source]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.openDuration {
			return false
		}
		c.trialAt = b.now()
		b.move(source, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		if b.now().Sub(c.trialAt) < b.openDuration {
			return false
		}
		c.trialAt = b.now()
		return true
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[source]
	if !ok {
		return
	}
	c.failures = 0
	if c.state == StateHalfOpen {
		b.move(source, c, StateClosed)
	}
}

// RecordFailure counts a transient failure. A failed probe reopens the circuit.
func (b *Breaker) RecordFailure(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[source]
	if !ok {
		c = &circuit{}
		b.circuits[source] = c
	}
	c.failures++

	switch {
	case c.state == StateHalfOpen:
		c.openedAt = b.now()
		b.move(source, c, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		c.openedAt = b.now()
		b.move(source, c, StateOpen)
	}
}

// State returns the state for source; unknown sources are closed.
func (b *Breaker) State(source string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[source]; ok {
		return c.state
	}
	return StateClosed
}

// Open lists the sources whose circuit is not closed, sorted.
func (b *Breaker) Open() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for source, c := range b.circuits {
		if c.state != StateClosed {
			out = append(out, source)
		}
	}
	sort.Strings(out)
	return out
}

// move changes state. Caller holds b.mu.
func (b *Breaker) move(source string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	stateTransitions.WithLabelValues(source, from.String(), to.String()).Inc()
	stateGauge.WithLabelValues(source).Set(float64(to))
	if fn := b.onTransition; fn != nil {
		go fn(source, from, to)
	}
}
