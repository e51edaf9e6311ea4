package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/internal/resilience"
)

const (
	defaultModel      = "gpt-4o-realtime-preview-2024-10-01"
	defaultBaseURL    = "wss://api.openai.com/v1/realtime"
	defaultBetaHeader = "realtime=v1"
	defaultReadLimit  = 1 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// UpstreamOption is a functional option for configuring an [Upstream].
type UpstreamOption func(*Upstream)

// WithModel sets the model requested via the ?model= query parameter.
func WithModel(model string) UpstreamOption {
	return func(u *Upstream) { u.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) UpstreamOption {
	return func(u *Upstream) { u.baseURL = url }
}

// WithBetaHeader sets the OpenAI-Beta handshake header. An empty value
// omits the header.
func WithBetaHeader(v string) UpstreamOption {
	return func(u *Upstream) { u.beta = v }
}

// WithReadLimit sets the maximum size of a single upstream message.
// Audio deltas routinely exceed the library's 32 KiB default.
func WithReadLimit(n int64) UpstreamOption {
	return func(u *Upstream) {
		if n > 0 {
			u.readLimit = n
		}
	}
}

// WithHTTPClient sets the HTTP client used for the handshake.
func WithHTTPClient(c *http.Client) UpstreamOption {
	return func(u *Upstream) { u.client = c }
}

// ── Upstream ───────────────────────────────────────────────────────────────────

// Upstream dials the speech model's realtime WebSocket endpoint. It is
// safe for concurrent use; every Dial opens a fresh connection.
type Upstream struct {
	apiKey    string
	model     string
	baseURL   string
	beta      string
	readLimit int64
	client    *http.Client
}

var _ Dialer = (*Upstream)(nil)

// NewUpstream creates a dialer authenticating with apiKey.
func NewUpstream(apiKey string, opts ...UpstreamOption) *Upstream {
	u := &Upstream{
		apiKey:    apiKey,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		beta:      defaultBetaHeader,
		readLimit: defaultReadLimit,
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// URL returns the endpoint Dial connects to.
func (u *Upstream) URL() (string, error) {
	base, err := url.Parse(u.baseURL)
	if err != nil {
		return "", fmt.Errorf("relay: upstream url: %w", err)
	}
	q := base.Query()
	q.Set("model", u.model)
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// Dial opens a new upstream connection. The handshake carries the bearer
// token and the beta header.
func (u *Upstream) Dial(ctx context.Context) (Conn, error) {
	wsURL, err := u.URL()
	if err != nil {
		return nil, err
	}

	header := http.Header{"Authorization": []string{"Bearer " + u.apiKey}}
	if u.beta != "" {
		header.Set("OpenAI-Beta", u.beta)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: u.client,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay: dial upstream: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("relay: dial upstream: %w", err)
	}
	conn.SetReadLimit(u.readLimit)
	return conn, nil
}

// Guard wraps d so that dials fail fast with [resilience.ErrOpen] while b is
// open. Dials abandoned because the client left do not count as failures.
func Guard(d Dialer, b *resilience.Breaker) Dialer {
	return DialerFunc(func(ctx context.Context) (Conn, error) {
		if err := b.Allow(); err != nil {
			return nil, fmt.Errorf("relay: dial upstream: %w", err)
		}
		conn, err := d.Dial(ctx)
		if err != nil && ctx.Err() == context.Canceled {
			err = fmt.Errorf("%w: %w", context.Canceled, err)
		}
		b.Record(err)
		return conn, err
	})
}
