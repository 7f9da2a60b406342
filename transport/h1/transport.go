// Package h1 issues one HTTP/1.x request over either a pre-negotiated
// socket or a pooled connection. The pool itself is net/http.Transport's
// own keep-alive pool; this package adds the handoff path the stock
// Transport has no hook for, and normalizes the result into a
// transport.Response.
package h1

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/polyfetch-go/polyfetch/transport"
)

// Scheduling selects the pool's eviction order for idle sockets.
type Scheduling string

const (
	FIFO Scheduling = "fifo"
	LIFO Scheduling = "lifo"
)

// Options configures a Transport's connection pool and dial behavior.
type Options struct {
	KeepAlive          bool
	KeepAliveMsecs     time.Duration
	MaxSockets         int // per host; 0 = unlimited
	MaxTotalSockets    int // 0 = unlimited
	MaxFreeSockets     int
	Timeout            time.Duration
	Scheduling         Scheduling
	RejectUnauthorized bool
	MaxCachedSessions  int
	DialContext        func(ctx context.Context, network, addr string) (net.Conn, error)
	Proxy              func(*http.Request) (*url.URL, error)

	// Logf receives a line when an option this backend cannot honor is
	// configured (net/http's pool is FIFO-only).
	Logf func(format string, args ...any)
}

func (o Options) logf(format string, args ...any) {
	if o.Logf != nil {
		o.Logf(format, args...)
	}
}

// handoffKey is the context key a caller uses to thread a pre-negotiated
// socket through to the one request that should reuse it.
type handoffKey struct{ origin string }

// WithHandoff returns a context carrying sock as the connection the next
// request to origin must reuse, bypassing the pool's own dial.
func WithHandoff(ctx context.Context, origin transport.Origin, sock net.Conn) context.Context {
	return context.WithValue(ctx, handoffKey{origin: origin.String()}, sock)
}

func handoffFrom(ctx context.Context, origin transport.Origin) net.Conn {
	v, _ := ctx.Value(handoffKey{origin: origin.String()}).(net.Conn)
	return v
}

// Transport issues HTTP/1.x requests, pooling sockets the way
// net/http.Transport already does. The owning Context keeps one Transport
// for every scheme; net/http.Transport keys its idle pool by scheme, host
// and port, so HTTP and HTTPS connections are never shared.
type Transport struct {
	opts Options

	mu   sync.Mutex
	rt   *http.Transport
	sem  map[string]chan struct{} // per-origin handoff slots, sized by MaxSockets
}

// New returns a Transport configured from opts. opts.DialContext, when
// nil, defaults to a plain net.Dialer.
func New(opts Options) *Transport {
	t := &Transport{opts: opts, sem: make(map[string]chan struct{})}
	if opts.Scheduling == LIFO {
		opts.logf("h1: scheduling=lifo requested but unsupported by the net/http backend; falling back to fifo")
	}

	dial := opts.DialContext
	if dial == nil {
		d := &net.Dialer{KeepAlive: opts.KeepAliveMsecs}
		dial = d.DialContext
	}

	t.rt = &http.Transport{
		Proxy:               opts.Proxy,
		MaxIdleConns:        opts.MaxTotalSockets,
		MaxIdleConnsPerHost: orDefault(opts.MaxFreeSockets, 2),
		MaxConnsPerHost:     opts.MaxSockets,
		IdleConnTimeout:     opts.KeepAliveMsecs,
		DisableKeepAlives:   !opts.KeepAlive,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: !opts.RejectUnauthorized}, //nolint:gosec // caller opt-in
		ResponseHeaderTimeout: opts.Timeout,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dial(ctx, network, addr)
		},
	}

	return t
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Request issues req over the pool, or over a handed-off socket for
// origin if one was attached to ctx via WithHandoff. Cancellation aborts
// the request and ensures the handed-off socket is not returned to any
// pool.
func (t *Transport) Request(ctx context.Context, origin transport.Origin, req *http.Request) (*transport.Response, error) {
	req = req.WithContext(ctx)

	if sock := handoffFrom(ctx, origin); sock != nil {
		return t.requestOverSocket(ctx, sock, req, origin)
	}

	res, err := t.rt.RoundTrip(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, transport.ErrCancelled(ctx.Err())
		}
		return nil, transport.ErrSystem(origin.String(), err)
	}
	return toTransportResponse(res), nil
}

// requestOverSocket writes req directly to sock and reads the response,
// reusing the exact connection the TLS Connector just negotiated instead
// of letting the pool redundantly dial a second one. The pool itself never
// sees this socket, so it is billed against MaxSockets through its own
// per-origin semaphore instead, keeping a burst of handed-off requests to
// one origin under the same ceiling as the pooled path.
func (t *Transport) requestOverSocket(ctx context.Context, sock net.Conn, req *http.Request, origin transport.Origin) (*transport.Response, error) {
	release, err := t.acquireSlot(ctx, origin.String())
	if err != nil {
		_ = sock.Close()
		return nil, transport.ErrCancelled(err)
	}
	defer release()

	done := make(chan struct{})
	var res *http.Response

	go func() {
		defer close(done)
		if writeErr := req.Write(sock); writeErr != nil {
			err = writeErr
			return
		}
		res, err = http.ReadResponse(newBufioReader(sock), req)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = sock.Close() // an aborted handoff socket must never return to a pool
		return nil, transport.ErrCancelled(ctx.Err())
	}

	if err != nil {
		_ = sock.Close()
		return nil, transport.ErrSystem(origin.String(), err)
	}
	return toTransportResponse(res), nil
}

// acquireSlot blocks until a handoff slot for origin is free, or ctx ends
// first. MaxSockets <= 0 means unlimited, so the returned release is a
// no-op and no slot is ever tracked.
func (t *Transport) acquireSlot(ctx context.Context, origin string) (func(), error) {
	if t.opts.MaxSockets <= 0 {
		return func() {}, nil
	}

	t.mu.Lock()
	ch, ok := t.sem[origin]
	if !ok {
		ch = make(chan struct{}, t.opts.MaxSockets)
		t.sem[origin] = ch
	}
	t.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newBufioReader(c net.Conn) *bufio.Reader { return bufio.NewReader(c) }

func toTransportResponse(res *http.Response) *transport.Response {
	return &transport.Response{
		StatusCode: res.StatusCode,
		Proto:      res.Proto,
		ProtoMajor: res.ProtoMajor,
		ProtoMinor: res.ProtoMinor,
		Header:     res.Header,
		Body:       res.Body,
	}
}

// CloseIdleConnections tears down every pooled idle socket; called from
// Context.Reset.
func (t *Transport) CloseIdleConnections() { t.rt.CloseIdleConnections() }
