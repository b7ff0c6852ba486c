// Package circuitbreaker implements a per-provider circuit breaker with a
// sliding-window error rate detector. Real dispatches to a failing upstream
// short-circuit in nanoseconds instead of burning the full request timeout;
// decoy traffic never touches the breaker.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed   State = iota // all requests pass
	StateOpen                  // all requests rejected
	StateHalfOpen              // a single probe passes
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

// Config holds breaker parameters.
type Config struct {
	ErrorThreshold float64       // weighted error rate to trip
	MinSamples     int           // minimum requests before the breaker can open
	WindowSeconds  int           // sliding window duration
	OpenTimeout    time.Duration // time in OPEN before a probe is allowed
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold: 0.30,
		MinSamples:     10,
		WindowSeconds:  60,
		OpenTimeout:    30 * time.Second,
	}
}

// slot holds error and request counts for one second.
type slot struct {
	errors float64
	total  int
}

// window is a fixed ring of 1-second slots.
type window struct {
	slots    [60]slot
	size     int
	head     int
	headTime int64
}

func newWindow(seconds int) window {
	if seconds <= 0 || seconds > 60 {
		seconds = 60
	}
	return window{size: seconds}
}

func (w *window) advance(nowSec int64) {
	if w.headTime == 0 {
		w.headTime = nowSec
		return
	}
	gap := nowSec - w.headTime
	if gap <= 0 {
		return
	}
	expired := min(int(gap), w.size)
	for i := range expired {
		w.slots[(w.head+1+i)%w.size] = slot{}
	}
	w.head = (w.head + int(gap)) % w.size
	w.headTime = nowSec
}

func (w *window) record(weight float64, now time.Time) {
	w.advance(now.Unix())
	w.slots[w.head].total++
	w.slots[w.head].errors += weight
}

func (w *window) errorRate(now time.Time) (rate float64, samples int) {
	w.advance(now.Unix())
	var errs float64
	var total int
	for i := range w.size {
		errs += w.slots[i].errors
		total += w.slots[i].total
	}
	if total == 0 {
		return 0, 0
	}
	return errs / float64(total), total
}

func (w *window) reset() {
	for i := range w.size {
		w.slots[i] = slot{}
	}
	w.head = 0
	w.headTime = 0
}

// Breaker is one provider's state machine.
type Breaker struct {
	mu          sync.Mutex
	state       State
	window      window
	openedAt    time.Time
	lastUsed    time.Time
	probing     bool
	threshold   float64
	minSamples  int
	openTimeout time.Duration
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{
		state:       StateClosed,
		window:      newWindow(cfg.WindowSeconds),
		threshold:   cfg.ErrorThreshold,
		minSamples:  cfg.MinSamples,
		openTimeout: cfg.OpenTimeout,
		lastUsed:    time.Now(),
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a request may proceed. In OPEN past the timeout and
// in HALF_OPEN exactly one probe is let through.
func (b *Breaker) Allow() bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.openTimeout {
			b.state = StateHalfOpen
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		return false
	}
	return false
}

// RecordSuccess records a successful dispatch.
func (b *Breaker) RecordSuccess() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.window.record(0, now)

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probing = false
		b.window.reset()
	}
}

// RecordError records a failed dispatch with the given weight.
func (b *Breaker) RecordError(weight float64) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.window.record(weight, now)

	switch b.state {
	case StateClosed:
		rate, samples := b.window.errorRate(now)
		if samples >= b.minSamples && rate >= b.threshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
	}
}

// Registry manages per-provider breakers.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a registry with the given config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), config: cfg}
}

// GetOrCreate returns the breaker for a provider, creating one if needed.
func (r *Registry) GetOrCreate(provider string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[provider]; ok {
		return b
	}
	b = NewBreaker(r.config)
	r.breakers[provider] = b
	return b
}

// EvictStale removes breakers not used since cutoff.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, b := range r.breakers {
		b.mu.Lock()
		stale := b.lastUsed.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(r.breakers, k)
			evicted++
		}
	}
	return evicted
}
