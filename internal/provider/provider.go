// Package provider implements the upstream LLM driver adapters. Each driver
// instance is bound to exactly one API key for its lifetime; the Factory
// mints a fresh instance per dispatch, so concurrent queries never observe
// each other's identity. All instances share one pooled HTTP client -- the
// key travels in instance state, never in the transport chain.
package provider

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"

	veil "github.com/openanonymity/veil/internal"
)

// Default upstream endpoints. Together and xAI speak the OpenAI wire format.
const (
	openaiBaseURL    = "https://api.openai.com/v1"
	togetherBaseURL  = "https://api.together.xyz/v1"
	xaiBaseURL       = "https://api.x.ai/v1"
	anthropicBaseURL = "https://api.anthropic.com/v1"
	geminiBaseURL    = "https://generativelanguage.googleapis.com/v1beta"
)

// Factory builds single-key driver instances. It implements
// veil.DriverFactory.
type Factory struct {
	httpc    *http.Client
	baseURLs map[string]string // provider name -> base URL override
}

// NewFactory builds a Factory. baseURLs overrides upstream endpoints per
// provider (useful for xAI-compatible gateways and tests); httpc may be nil,
// in which case a default pooled client is used.
func NewFactory(baseURLs map[string]string, httpc *http.Client) *Factory {
	if httpc == nil {
		httpc = NewHTTPClient(nil, 180*time.Second)
	}
	normalized := make(map[string]string, len(baseURLs))
	for name, u := range baseURLs {
		normalized[canonicalName(name)] = strings.TrimRight(u, "/")
	}
	return &Factory{httpc: httpc, baseURLs: normalized}
}

// New implements veil.DriverFactory. The returned driver carries the secret
// for its whole lifetime and must not outlive the dispatch it was minted for.
func (f *Factory) New(providerName, model, secret string) (veil.Driver, error) {
	name := canonicalName(providerName)
	switch name {
	case "openai":
		return newOpenAICompat(name, model, f.base(name, openaiBaseURL), secret, f.httpc), nil
	case "together":
		return newOpenAICompat(name, model, f.base(name, togetherBaseURL), secret, f.httpc), nil
	case "xai":
		return newOpenAICompat(name, model, f.base(name, xaiBaseURL), secret, f.httpc), nil
	case "anthropic":
		return newAnthropic(model, f.base(name, anthropicBaseURL), secret, f.httpc), nil
	case "google":
		return newGemini(model, f.base(name, geminiBaseURL), secret, f.httpc), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", veil.ErrBadRequest, providerName)
	}
}

// Providers implements veil.DriverFactory.
func (f *Factory) Providers() []string {
	return []string{"anthropic", "google", "openai", "together", "xai"}
}

func (f *Factory) base(name, fallback string) string {
	if u, ok := f.baseURLs[name]; ok && u != "" {
		return u
	}
	return fallback
}

// canonicalName folds provider aliases onto the names the factory switches
// on. Catalog files and key files use mixed case ("OpenAI", "Google").
func canonicalName(provider string) string {
	name := strings.ToLower(strings.TrimSpace(provider))
	switch name {
	case "gemini":
		return "google"
	case "x-ai", "grok":
		return "xai"
	default:
		return name
	}
}

// NewHTTPClient returns a pooled client tuned for long-lived streaming calls
// to remote HTTPS APIs. If resolver is non-nil, dials go through cached DNS
// lookups.
func NewHTTPClient(resolver *dnscache.Resolver, timeout time.Duration) *http.Client {
	t := &http.Transport{
		MaxIdleConnsPerHost: 50,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return &http.Client{Transport: t, Timeout: timeout}
}
