package deliver

import (
	"sync"
	"time"
)

// BreakerState is the webhook circuit state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota // normal operation
	BreakerOpen                       // sends suspended, probes only
)

func (s BreakerState) String() string {
	if s == BreakerOpen {
		return "open"
	}
	return "closed"
}

// Breaker trips when a webhook keeps failing. A short burst of failures is
// not enough: the streak must also span more than the configured window,
// so one Discord hiccup does not suspend deliveries. While open, one probe
// send is allowed per probe interval; a single success closes the circuit.
type Breaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	firstFailure time.Time
	lastProbe    time.Time

	threshold  int
	span       time.Duration
	probeEvery time.Duration
	now        func() time.Time // injectable clock for testing
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerThreshold sets the consecutive-failure count needed to open.
func WithBreakerThreshold(n int) BreakerOption {
	return func(b *Breaker) { b.threshold = n }
}

// WithBreakerSpan sets how long a failure streak must last before the
// threshold opens the circuit.
func WithBreakerSpan(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.span = d }
}

// WithBreakerProbeInterval sets how often an open breaker lets a probe out.
func WithBreakerProbeInterval(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.probeEvery = d }
}

// WithBreakerClock sets a custom clock function (for testing).
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = fn }
}

// NewBreaker returns a breaker with the delivery defaults: 3 consecutive
// failures spanning more than 5 minutes open it, probes run every minute.
func NewBreaker(opts ...BreakerOption) *Breaker {
	b := &Breaker{
		threshold:  3,
		span:       5 * time.Minute,
		probeEvery: time.Minute,
		now:        time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a normal send may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == BreakerClosed
}

// AllowProbe reports whether an open breaker grants a probe send now. A
// granted probe consumes the interval whether or not it is used.
func (b *Breaker) AllowProbe() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return false
	}
	if b.now().Sub(b.lastProbe) < b.probeEvery {
		return false
	}
	b.lastProbe = b.now()
	return true
}

// RecordSuccess closes the circuit and resets the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
}

// RecordFailure extends the failure streak and opens the circuit once the
// streak is both long and old enough.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures == 0 {
		b.firstFailure = b.now()
	}
	b.failures++
	if b.state == BreakerClosed &&
		b.failures >= b.threshold &&
		b.now().Sub(b.firstFailure) > b.span {
		b.state = BreakerOpen
		b.lastProbe = b.now()
	}
}
