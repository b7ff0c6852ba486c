// Package router dispatches queries to upstream providers. Every dispatch
// runs through temporal mixing: the real query is launched simultaneously
// with decoy queries in cryptographically shuffled order, each on a fresh
// driver instance, so upstream timing reveals nothing about which request
// carried user content. Only the real result is awaited; decoys complete in
// the background and their outcomes are discarded.
package router

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	veil "github.com/openanonymity/veil/internal"
	"github.com/openanonymity/veil/internal/circuitbreaker"
	"github.com/openanonymity/veil/internal/decoy"
	"github.com/openanonymity/veil/internal/provider/sseutil"
	"github.com/openanonymity/veil/internal/store"
	"github.com/openanonymity/veil/internal/telemetry"
	"github.com/openanonymity/veil/internal/tokencount"
)

// decoyTimeout bounds a background decoy dispatch. Decoys outlive their
// originating request but not the gateway.
const decoyTimeout = 3 * time.Minute

// UsageSink receives per-key token counts from finished dispatches.
type UsageSink interface {
	Report(keyID string, tokens int64)
}

// Options tune a single dispatch.
type Options struct {
	Streaming   bool
	DecoyCount  int // -1 selects the configured default; 0 disables mixing
	MaxTokens   int
	Temperature *float64
}

// Reply is the outcome of a routed query. Exactly one of Content or Stream
// is populated, matching Options.Streaming.
type Reply struct {
	TurnID       string
	Content      string
	Raw          []byte
	Stream       <-chan veil.Chunk
	Usage        *veil.Usage
	Endpoint     *veil.Endpoint
	Mixing       veil.MixingInfo
	Alternatives []veil.Candidate
}

// Router owns dispatch: driver minting, circuit breaking, temporal mixing,
// and usage reporting.
type Router struct {
	factory       veil.DriverFactory
	allocator     veil.KeyAllocator
	store         store.EndpointStore
	breakers      *circuitbreaker.Registry
	usage         UsageSink
	metrics       *telemetry.Metrics
	logger        *slog.Logger
	defaultDecoys int

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Router. usage and metrics may be nil; logger may be nil.
func New(factory veil.DriverFactory, allocator veil.KeyAllocator, st store.EndpointStore, breakers *circuitbreaker.Registry, usage UsageSink, metrics *telemetry.Metrics, logger *slog.Logger, defaultDecoys int) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if breakers == nil {
		breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Router{
		factory:       factory,
		allocator:     allocator,
		store:         st,
		breakers:      breakers,
		usage:         usage,
		metrics:       metrics,
		logger:        logger,
		defaultDecoys: defaultDecoys,
		bg:            bg,
		cancel:        cancel,
	}
}

// Close cancels background decoys and waits for them to drain.
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}

// RouteAdHoc serves a stateless query: a throwaway session id, one key per
// candidate model, a uniformly drawn endpoint with a short TTL, and a
// dispatch with decoy mixing. The reply lists the sibling endpoints that
// could have served the query.
func (r *Router) RouteAdHoc(ctx context.Context, userID int64, models []string, messages []veil.Message, opts Options) (*Reply, error) {
	tempSession := fmt.Sprintf("temp_%d_%d", userID, time.Now().UnixNano())

	keys, err := r.allocator.SelectKeys(ctx, tempSession, userID, models, 1)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	endpoints := make([]*veil.Endpoint, len(keys))
	alternatives := make([]veil.Candidate, len(keys))
	for i, k := range keys {
		endpoints[i] = &veil.Endpoint{
			ID:          veil.EndpointID(k.Provider, k.Model, k.KeyID, tempSession, now),
			SessionID:   tempSession,
			Provider:    k.Provider,
			Model:       k.Model,
			KeyID:       k.KeyID,
			APIKey:      k.APIKey,
			TokensHour:  k.TokensHour,
			TokensTotal: k.TokensTotal,
			Status:      k.Status,
			CreatedAt:   now.Unix(),
		}
		if err := r.store.PutEndpoint(ctx, endpoints[i], veil.StatelessEndpointTTL); err != nil {
			return nil, err
		}
		alternatives[i] = veil.Candidate{
			ID:               endpoints[i].ID,
			Name:             fmt.Sprintf("%s-%s-%d", k.Provider, k.Model, i+1),
			Provider:         k.Provider,
			ModelTag:         k.Model,
			ModelsAccessible: []string{k.Provider + "/" + k.Model},
			UsageLoad:        veil.UsageLoadFor(k.TokensHour),
			Status:           k.Status,
			TokenUsageHour:   k.TokensHour,
			TokenUsageTotal:  k.TokensTotal,
			APIKeyHash:       veil.KeyHash(k.KeyID, tempSession, now),
		}
	}

	pick, err := drawIndex(len(endpoints))
	if err != nil {
		return nil, err
	}

	reply, err := r.Dispatch(ctx, endpoints[pick], messages, opts)
	if err != nil {
		return nil, err
	}
	reply.Alternatives = alternatives
	return reply, nil
}

// Dispatch runs the mixing protocol against a concrete endpoint and awaits
// the real result. DecoyCount below zero selects the configured default.
func (r *Router) Dispatch(ctx context.Context, ep *veil.Endpoint, messages []veil.Message, opts Options) (*Reply, error) {
	decoyCount := opts.DecoyCount
	if decoyCount < 0 {
		decoyCount = r.defaultDecoys
	}

	br := r.breakers.GetOrCreate(ep.Provider)
	if !br.Allow() {
		return nil, fmt.Errorf("%w: %s circuit open", veil.ErrUnavailable, ep.Provider)
	}

	decoys, err := decoy.Generate(decoyCount)
	if err != nil {
		return nil, fmt.Errorf("generate decoys: %w", err)
	}

	// Slot 0 is the real query. The launch order is shuffled with
	// crypto/rand so the upstream cannot infer position from arrival.
	convs := make([][]veil.Message, 0, 1+len(decoys))
	convs = append(convs, messages)
	convs = append(convs, decoys...)
	order, err := shuffledIndices(len(convs))
	if err != nil {
		return nil, err
	}

	type realResult struct {
		completion *veil.Completion
		stream     <-chan veil.Chunk
		err        error
	}
	realCh := make(chan realResult, 1)

	for _, slot := range order {
		if slot == 0 {
			go func() {
				completion, stream, err := r.runReal(ctx, ep, messages, opts)
				realCh <- realResult{completion: completion, stream: stream, err: err}
			}()
			continue
		}
		r.launchDecoy(ep, convs[slot], opts)
	}

	res := <-realCh
	if res.err != nil {
		br.RecordError(circuitbreaker.ClassifyError(res.err))
		if r.metrics != nil {
			r.metrics.UpstreamErrors.WithLabelValues(ep.Provider).Inc()
		}
		return nil, res.err
	}
	br.RecordSuccess()
	if r.metrics != nil {
		r.metrics.MixingDispatches.WithLabelValues("real").Inc()
	}

	reply := &Reply{
		TurnID:   veil.NewTurnID(),
		Endpoint: ep,
		Mixing:   veil.MixingInfo{Active: len(decoys) > 0, TotalQueries: len(convs)},
	}
	if opts.Streaming {
		reply.Stream = r.meterStream(ep, messages, res.stream)
		return reply, nil
	}

	reply.Content = res.completion.Content
	reply.Raw = res.completion.Raw
	reply.Usage = res.completion.Usage
	if reply.Usage == nil {
		reply.Usage = tokencount.EstimateUsage(messages, reply.Content)
	}
	r.report(ep, reply.Usage)
	return reply, nil
}

// runReal executes the user's query on a fresh driver instance.
func (r *Router) runReal(ctx context.Context, ep *veil.Endpoint, messages []veil.Message, opts Options) (*veil.Completion, <-chan veil.Chunk, error) {
	drv, err := r.factory.New(ep.Provider, ep.Model, ep.APIKey)
	if err != nil {
		return nil, nil, err
	}
	req := &veil.ChatRequest{
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stream:      opts.Streaming,
	}

	start := time.Now()
	if opts.Streaming {
		stream, err := drv.Stream(ctx, req)
		r.observeUpstream(ep, start)
		return nil, stream, err
	}
	completion, err := drv.Complete(ctx, req)
	r.observeUpstream(ep, start)
	return completion, nil, err
}

// launchDecoy runs one decoy on its own driver instance under the router's
// background context. Failures are logged at debug and otherwise ignored;
// usage still counts against the key.
func (r *Router) launchDecoy(ep *veil.Endpoint, conv []veil.Message, opts Options) {
	if r.metrics != nil {
		r.metrics.BackgroundDecoys.Inc()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if r.metrics != nil {
				r.metrics.BackgroundDecoys.Dec()
			}
		}()

		ctx, cancel := context.WithTimeout(r.bg, decoyTimeout)
		defer cancel()

		drv, err := r.factory.New(ep.Provider, ep.Model, ep.APIKey)
		if err != nil {
			r.logger.LogAttrs(ctx, slog.LevelDebug, "decoy driver failed",
				slog.String("provider", ep.Provider),
				slog.String("error", err.Error()))
			return
		}
		req := &veil.ChatRequest{Messages: conv, MaxTokens: opts.MaxTokens, Stream: opts.Streaming}

		var usage *veil.Usage
		if opts.Streaming {
			// Streaming parity: decoys open the same kind of connection
			// the real query does.
			stream, err := drv.Stream(ctx, req)
			if err != nil {
				r.logger.LogAttrs(ctx, slog.LevelDebug, "decoy dispatch failed",
					slog.String("provider", ep.Provider),
					slog.String("error", err.Error()))
				return
			}
			var text strings.Builder
			for chunk := range stream {
				if chunk.Usage != nil {
					usage = chunk.Usage
				}
				if len(chunk.Data) > 0 {
					text.WriteString(sseutil.ExtractText(chunk.Data))
				}
			}
			if usage == nil {
				usage = tokencount.EstimateUsage(conv, text.String())
			}
		} else {
			completion, err := drv.Complete(ctx, req)
			if err != nil {
				r.logger.LogAttrs(ctx, slog.LevelDebug, "decoy dispatch failed",
					slog.String("provider", ep.Provider),
					slog.String("error", err.Error()))
				return
			}
			usage = completion.Usage
			if usage == nil {
				usage = tokencount.EstimateUsage(conv, completion.Content)
			}
		}

		if r.metrics != nil {
			r.metrics.MixingDispatches.WithLabelValues("decoy").Inc()
		}
		r.report(ep, usage)
	}()
}

// meterStream forwards the real stream to the caller while accumulating
// usage, reporting it when the stream ends.
func (r *Router) meterStream(ep *veil.Endpoint, messages []veil.Message, in <-chan veil.Chunk) <-chan veil.Chunk {
	out := make(chan veil.Chunk, 8)
	go func() {
		defer close(out)
		var usage *veil.Usage
		var text strings.Builder
		for chunk := range in {
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if len(chunk.Data) > 0 && !chunk.Done {
				text.WriteString(sseutil.ExtractText(chunk.Data))
			}
			out <- chunk
		}
		if usage == nil {
			usage = tokencount.EstimateUsage(messages, text.String())
		}
		r.report(ep, usage)
	}()
	return out
}

func (r *Router) report(ep *veil.Endpoint, usage *veil.Usage) {
	if usage == nil {
		return
	}
	if r.usage != nil {
		r.usage.Report(ep.KeyID, int64(usage.TotalTokens))
	}
	if r.metrics != nil {
		r.metrics.TokensProcessed.WithLabelValues(ep.Provider, "prompt").Add(float64(usage.PromptTokens))
		r.metrics.TokensProcessed.WithLabelValues(ep.Provider, "completion").Add(float64(usage.CompletionTokens))
	}
}

func (r *Router) observeUpstream(ep *veil.Endpoint, start time.Time) {
	if r.metrics != nil {
		r.metrics.UpstreamDuration.WithLabelValues(ep.Provider, ep.Model).Observe(time.Since(start).Seconds())
	}
}

func drawIndex(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("%w: no endpoints to draw from", veil.ErrNoKeys)
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("draw endpoint: %w", err)
	}
	return int(v.Int64()), nil
}

// shuffledIndices returns 0..n-1 in Fisher-Yates order from crypto/rand.
func shuffledIndices(n int) ([]int, error) {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	for i := n - 1; i > 0; i-- {
		v, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, fmt.Errorf("shuffle: %w", err)
		}
		j := int(v.Int64())
		idx[i], idx[j] = idx[j], idx[i]
	}
	return idx, nil
}
