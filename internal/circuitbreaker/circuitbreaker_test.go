package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	veil "github.com/openanonymity/veil/internal"
)

func testConfig() Config {
	return Config{
		ErrorThreshold: 0.5,
		MinSamples:     4,
		WindowSeconds:  60,
		OpenTimeout:    time.Millisecond,
	}
}

func TestBreakerTripsOnErrorRate(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig())
	if b.State() != StateClosed {
		t.Fatal("new breaker not closed")
	}

	b.RecordSuccess()
	b.RecordError(1.0)
	b.RecordError(1.0)
	if b.State() != StateClosed {
		t.Fatal("opened below min samples")
	}

	b.RecordError(1.0)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open at 75%% error rate", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker allowed a request")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig())
	for range 4 {
		b.RecordError(1.0)
	}
	if b.State() != StateOpen {
		t.Fatal("breaker never opened")
	}

	time.Sleep(2 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("probe rejected after open timeout")
	}
	if b.Allow() {
		t.Fatal("second concurrent probe allowed")
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %v after successful probe, want closed", b.State())
	}
	if !b.Allow() {
		t.Fatal("closed breaker rejected a request")
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig())
	for range 4 {
		b.RecordError(1.0)
	}
	time.Sleep(2 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("probe rejected")
	}
	b.RecordError(1.0)
	if b.State() != StateOpen {
		t.Fatalf("state = %v after failed probe, want open", b.State())
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testConfig())
	a := r.GetOrCreate("openai")
	if r.GetOrCreate("openai") != a {
		t.Fatal("same provider produced two breakers")
	}
	if r.GetOrCreate("anthropic") == a {
		t.Fatal("providers share a breaker")
	}

	a.mu.Lock()
	a.lastUsed = time.Now().Add(-time.Hour)
	a.mu.Unlock()
	if got := r.EvictStale(time.Now().Add(-30 * time.Minute)); got != 1 {
		t.Fatalf("evicted = %d, want 1", got)
	}
}

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("HTTP %d", int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want float64
	}{
		{name: "nil", err: nil, want: 0},
		{name: "timeout", err: context.DeadlineExceeded, want: 1.5},
		{name: "status 429", err: statusErr(429), want: 0.5},
		{name: "status 503", err: statusErr(503), want: 1.0},
		{name: "status 400", err: statusErr(400), want: 0},
		{name: "rate limit sentinel", err: fmt.Errorf("wrapped: %w", veil.ErrRateLimited), want: 0.5},
		{name: "bad request sentinel", err: veil.ErrBadRequest, want: 0},
		{name: "generic", err: errors.New("boom"), want: 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassifyError(tt.err); got != tt.want {
				t.Fatalf("ClassifyError = %v, want %v", got, tt.want)
			}
		})
	}
}
