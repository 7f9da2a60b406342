// Package polyfetch is a transparent HTTP client core that negotiates
// HTTP/1.0, HTTP/1.1, or HTTP/2 over ALPN without the caller choosing a
// protocol, reuses per-origin connections and sessions, and applies a
// Fetch-style redirect contract above the transport.
package polyfetch

import (
	"context"
	"net/http"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"go.uber.org/zap"

	"github.com/polyfetch-go/polyfetch/transport"
	"github.com/polyfetch-go/polyfetch/transport/alpn"
	"github.com/polyfetch-go/polyfetch/transport/h1"
	"github.com/polyfetch-go/polyfetch/transport/h2"
	"github.com/polyfetch-go/polyfetch/transport/tlsconn"
)

// ALPN protocol tag constants.
const (
	ALPNHTTP2  = string(alpn.HTTP2)
	ALPNHTTP2C = string(alpn.HTTP2C)
	ALPNHTTP11 = string(alpn.HTTP11)
	ALPNHTTP10 = string(alpn.HTTP10)
)

const (
	defaultUserAgent    = "polyfetch/1"
	defaultALPNCacheTTL = time.Hour
	defaultALPNCacheLen = 100
)

var defaultALPNProtocols = []string{ALPNHTTP2, ALPNHTTP11, ALPNHTTP10}

// config accumulates Option applications before New builds a Context.
type config struct {
	userAgent          string
	overwriteUserAgent bool
	alpnProtocols      []string
	alpnCacheTTL       time.Duration
	alpnCacheSize      int
	h1                 h1.Options
	h2                 h2.Options
	clientHelloSpec    func() *utls.ClientHelloSpec
	logger             *zap.Logger
	proxy              ProxyFunc
	compress           bool
	jar                http.CookieJar
}

// Option configures a Context at construction time.
type Option func(*config)

// WithUserAgent sets the default User-Agent; default "polyfetch/1".
func WithUserAgent(ua string) Option { return func(c *config) { c.userAgent = ua } }

// WithOverwriteUserAgent, when true, replaces a caller-supplied
// User-Agent header rather than only filling one in when absent.
func WithOverwriteUserAgent(overwrite bool) Option {
	return func(c *config) { c.overwriteUserAgent = overwrite }
}

// WithALPNProtocols sets the ALPN protocol preference list offered
// during TLS handshakes; default [h2, http/1.1, http/1.0].
func WithALPNProtocols(protocols ...string) Option {
	return func(c *config) { c.alpnProtocols = protocols }
}

// WithALPNCache sets the ALPN cache's TTL and bounded size.
func WithALPNCache(ttl time.Duration, size int) Option {
	return func(c *config) { c.alpnCacheTTL = ttl; c.alpnCacheSize = size }
}

// WithH1 sets the H1 Transport's pool tunables.
func WithH1(opts h1.Options) Option { return func(c *config) { c.h1 = opts } }

// WithH2 sets the H2 Transport's session/push options.
func WithH2(opts h2.Options) Option { return func(c *config) { c.h2 = opts } }

// WithClientHelloSpec routes TLS handshakes through
// refraction-networking/utls with the given fingerprint instead of stock
// crypto/tls.
func WithClientHelloSpec(spec func() *utls.ClientHelloSpec) Option {
	return func(c *config) { c.clientHelloSpec = spec }
}

// WithLogger sets the structured logger used for session/connection
// lifecycle events; default discards everything.
func WithLogger(logger *zap.Logger) Option { return func(c *config) { c.logger = logger } }

// WithProxy sets a single proxy resolver for outgoing requests. Unset
// falls back to the environment (HTTP_PROXY/HTTPS_PROXY/NO_PROXY).
func WithProxy(fn ProxyFunc) Option { return func(c *config) { c.proxy = fn } }

// WithCompress sets the Context-wide default for the compress flag
// (default true); individual Fetch calls may override it with the
// RequestOption WithRequestCompress.
func WithCompress(compress bool) Option { return func(c *config) { c.compress = compress } }

// WithJar attaches a cookie jar: stored cookies are sent on matching
// outgoing requests, and Set-Cookie headers from responses are stored back
// into it. Unset by default — no cookie jar unless the caller opts in.
func WithJar(jar http.CookieJar) Option { return func(c *config) { c.jar = jar } }

// Context owns everything a set of Fetch calls shares: the ALPN cache,
// the H1 connection pools, the H2 session cache, and static options.
// Distinct Contexts are fully isolated from one another.
type Context struct {
	userAgent string
	compress  bool
	logger    *zap.Logger

	alpnCache  *alpn.Cache
	connector  *tlsconn.Connector
	h1         *h1.Transport
	h2         *h2.Transport
	dispatcher *transport.Dispatcher

	mu     sync.Mutex
	closed bool
}

// New returns an isolated Context; nothing is shared with any other
// Context created this way.
func New(opts ...Option) *Context {
	cfg := &config{
		userAgent:     defaultUserAgent,
		alpnProtocols: defaultALPNProtocols,
		alpnCacheTTL:  defaultALPNCacheTTL,
		alpnCacheSize: defaultALPNCacheLen,
		compress:      true,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	logger := cfg.logger
	if logger == nil {
		logger = newNopLogger()
	}

	proxy := cfg.proxy
	if proxy == nil {
		proxy = environmentProxy()
	}

	alpnCache := alpn.New(cfg.alpnCacheSize, cfg.alpnCacheTTL)
	connector := tlsconn.New()

	h1Opts := cfg.h1
	h1Opts.Proxy = proxy
	h1Opts.Logf = logf(logger)
	h1Transport := h1.New(h1Opts)

	h2Opts := cfg.h2
	h2Opts.Logf = logf(logger)
	h2Transport := h2.New(h2Opts)

	dispatcher := &transport.Dispatcher{
		ALPNCache:          alpnCache,
		ALPNProtocols:      cfg.alpnProtocols,
		Connector:          connector,
		H1:                 h1Transport,
		H2:                 h2Transport,
		ClientHelloSpec:    cfg.clientHelloSpec,
		UserAgent:          cfg.userAgent,
		OverwriteUserAgent: cfg.overwriteUserAgent,
		Logf:               logf(logger),
		Jar:                cfg.jar,
	}

	return &Context{
		userAgent:  cfg.userAgent,
		compress:   cfg.compress,
		logger:     logger,
		alpnCache:  alpnCache,
		connector:  connector,
		h1:         h1Transport,
		h2:         h2Transport,
		dispatcher: dispatcher,
	}
}

// Reset closes every pooled connection and H2 session and clears the
// ALPN cache. It is idempotent and safe to call while requests are in
// flight: those either complete or fail with a cancellation error.
func (c *Context) Reset(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.h1.CloseIdleConnections()
	if err := c.h2.Reset(ctx); err != nil {
		return err
	}
	c.alpnCache.Purge()
	return nil
}

var (
	defaultContext     *Context
	defaultContextOnce sync.Once
)

// Default returns a process-wide Context, created lazily on first use.
// It is offered purely as a convenience; prefer New for anything that
// cares about isolation.
func Default() *Context {
	defaultContextOnce.Do(func() { defaultContext = New() })
	return defaultContext
}
