package worker

import (
	"context"
	"log/slog"
	"time"

	veil "github.com/openanonymity/veil/internal"
)

const (
	usageChanSize   = 1000
	usageBatchKeys  = 100
	usageFlushEvery = 5 * time.Second
	usageDrainTime  = 30 * time.Second
)

// usageDelta is one dispatch's token count for a key.
type usageDelta struct {
	keyID  string
	tokens int64
}

// UsageReporter buffers per-key token counts and periodically reports them
// to the Key Allocator, collapsing many dispatches into one TrackUsage call
// per key. Reports are dropped if the channel is full (back-pressure on a
// slow allocator).
type UsageReporter struct {
	ch        chan usageDelta
	allocator veil.KeyAllocator
}

// NewUsageReporter creates a UsageReporter backed by the allocator.
func NewUsageReporter(allocator veil.KeyAllocator) *UsageReporter {
	return &UsageReporter{
		ch:        make(chan usageDelta, usageChanSize),
		allocator: allocator,
	}
}

// Name identifies the reporter in supervisor logs.
func (u *UsageReporter) Name() string { return "usage_reporter" }

// Report enqueues tokens for a key. It never blocks; drops on full channel.
// Zero and negative counts are ignored.
func (u *UsageReporter) Report(keyID string, tokens int64) {
	if keyID == "" || tokens <= 0 {
		return
	}
	select {
	case u.ch <- usageDelta{keyID: keyID, tokens: tokens}:
	default:
		slog.Warn("usage report dropped, channel full")
	}
}

// Run aggregates reports until ctx is cancelled, then drains what remains.
func (u *UsageReporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(usageFlushEvery)
	defer ticker.Stop()

	pending := make(map[string]int64, usageBatchKeys)

	for {
		select {
		case d := <-u.ch:
			pending[d.keyID] += d.tokens
			if len(pending) >= usageBatchKeys {
				u.flush(ctx, pending)
				clear(pending)
			}

		case <-ticker.C:
			if len(pending) > 0 {
				u.flush(ctx, pending)
				clear(pending)
			}

		case <-ctx.Done():
			u.drain(pending)
			return nil
		}
	}
}

func (u *UsageReporter) drain(pending map[string]int64) {
	ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
	defer cancel()

	for {
		select {
		case d := <-u.ch:
			pending[d.keyID] += d.tokens
		default:
			if len(pending) > 0 {
				u.flush(ctx, pending)
			}
			return
		}
	}
}

func (u *UsageReporter) flush(ctx context.Context, pending map[string]int64) {
	for keyID, tokens := range pending {
		if err := u.allocator.TrackUsage(ctx, keyID, tokens); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
				slog.Int64("tokens", tokens),
				slog.String("error", err.Error()),
			)
		}
	}
}
