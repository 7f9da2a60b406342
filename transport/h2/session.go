// Package h2 is the HTTP/2 transport: a per-origin session cache over
// golang.org/x/net/http2's Framer and hpack primitives, multiplexing
// requests onto one connection per origin and handling server push with
// per-stream idle eviction.
//
// golang.org/x/net/http2.Transport does not surface PUSH_PROMISE frames
// to callers at all (Go's client has never supported consuming server
// push), so the session/stream machinery here is written directly against
// the Framer/hpack layer instead of the stock Transport.
package h2

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/polyfetch-go/polyfetch/transport"
)

const (
	defaultInitialWindow     = 65535
	defaultMaxFrameSize      = 1 << 14
	defaultIdleSessionTO     = 300 * time.Second
	defaultPushIdleTO        = 5 * time.Second
)

// PushPromiseHandler is consulted synchronously when a PUSH_PROMISE frame
// arrives, before any response headers or body exist. Calling reject
// closes the pushed stream with CANCEL before anything is delivered.
type PushPromiseHandler func(url string, header http.Header, reject func())

// PushHandler receives the eventual pushed resource. It is responsible
// for consuming res.Body (which disarms the per-stream idle timer) or
// letting it be evicted.
type PushHandler func(url string, reqHeader http.Header, res *transport.Response)

// Options configures a Transport's session and push behavior.
type Options struct {
	IdleSessionTimeout       time.Duration
	PushedStreamIdleTimeout  time.Duration
	PushPromiseHandler       PushPromiseHandler
	PushHandler              PushHandler
	Logf                     func(format string, args ...any)
}

func (o Options) logf(format string, args ...any) {
	if o.Logf != nil {
		o.Logf(format, args...)
	}
}

func (o Options) idleSessionTimeout() time.Duration {
	if o.IdleSessionTimeout > 0 {
		return o.IdleSessionTimeout
	}
	return defaultIdleSessionTO
}

func (o Options) pushedStreamIdleTimeout() time.Duration {
	if o.PushedStreamIdleTimeout > 0 {
		return o.PushedStreamIdleTimeout
	}
	return defaultPushIdleTO
}

func (o Options) enablePush() bool {
	return o.PushPromiseHandler != nil || o.PushHandler != nil
}

// Transport is the H2 component: a per-origin session cache plus request
// multiplexing.
type Transport struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*session // keyed by transport.Origin.String()
}

// New returns a Transport with no sessions cached yet.
func New(opts Options) *Transport {
	return &Transport{opts: opts, sessions: make(map[string]*session)}
}

// Request sends req (pseudo-headers derived from it) over the session for
// origin, opening one if none is cached or the cached one has closed. If
// conn is non-nil it is the already ALPN-negotiated socket to seed a new
// session with; it is discarded if a session already exists.
func (t *Transport) Request(ctx context.Context, origin transport.Origin, conn net.Conn, req Request) (*transport.Response, error) {
	sess, err := t.acquireSession(origin, conn)
	if err != nil {
		return nil, err
	}
	res, err := sess.roundTrip(ctx, req)
	if err != nil {
		if sess.unusable() {
			t.evict(origin, sess)
		}
		return nil, err
	}
	return res, nil
}

func (t *Transport) acquireSession(origin transport.Origin, conn net.Conn) (*session, error) {
	key := origin.String()

	t.mu.Lock()
	if s, ok := t.sessions[key]; ok && !s.unusable() {
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close() // redundant: a session already exists for this origin
		}
		return s, nil
	}
	t.mu.Unlock()

	if conn == nil {
		return nil, transport.ErrConfiguration(fmt.Errorf("h2: no connection supplied for new session to %s", key))
	}

	s, err := newSession(origin, conn, t.opts)
	if err != nil {
		return nil, transport.ErrConnect(key, err)
	}

	t.mu.Lock()
	if existing, ok := t.sessions[key]; ok && !existing.unusable() {
		t.mu.Unlock()
		s.closeNow()
		return existing, nil
	}
	t.sessions[key] = s
	t.mu.Unlock()

	s.onClose(func() { t.evict(origin, s) })
	return s, nil
}

func (t *Transport) evict(origin transport.Origin, s *session) {
	key := origin.String()
	t.mu.Lock()
	if t.sessions[key] == s {
		delete(t.sessions, key)
	}
	t.mu.Unlock()
}

// Reset closes every cached session: pending pushed streams are cancelled
// first so Close cannot hang on them, with a bounded grace period forcing
// a second Close if the first hasn't finished in time.
func (t *Transport) Reset(ctx context.Context) error {
	t.mu.Lock()
	sessions := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.sessions = make(map[string]*session)
	t.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			s.closeGracefully(ctx)
		}(s)
	}
	wg.Wait()
	return nil
}

// session is one multiplexed HTTP/2 connection to an origin.
type session struct {
	origin transport.Origin
	conn   net.Conn
	opts   Options

	fr   *http2.Framer
	henc *hpack.Encoder
	hbuf bytes.Buffer

	writeMu sync.Mutex // serializes frame writes on the wire

	mu               sync.Mutex
	cond             *sync.Cond
	streams          map[uint32]*stream
	pushed           map[uint32]*pushedStream // keyed by promised stream id
	nextStreamID     uint32
	connSendWindow   flow
	connRecvWindow   flow
	peerMaxFrameSize uint32
	closed           bool
	closeListeners   []func()

	idleTimer *time.Timer
	idleMu    sync.Mutex

	goAway bool
}

func newSession(origin transport.Origin, conn net.Conn, opts Options) (*session, error) {
	// ReadMetaHeaders is deliberately left nil: readLoop decodes
	// HEADERS/PUSH_PROMISE/CONTINUATION frames itself so it can tell a
	// promised stream's header block apart from the promissory stream's
	// own, which *http2.MetaHeadersFrame's single coalesced view loses.
	fr := http2.NewFramer(conn, conn)

	s := &session{
		origin:           origin,
		conn:             conn,
		opts:             opts,
		fr:               fr,
		streams:          make(map[uint32]*stream),
		pushed:           make(map[uint32]*pushedStream),
		nextStreamID:     1,
		peerMaxFrameSize: defaultMaxFrameSize,
	}
	s.henc = hpack.NewEncoder(&s.hbuf)
	s.cond = sync.NewCond(&s.mu)
	s.connSendWindow.add(defaultInitialWindow)
	s.connRecvWindow.add(defaultInitialWindow)

	if _, err := conn.Write([]byte(http2.ClientPreface)); err != nil {
		return nil, err
	}

	settings := []http2.Setting{
		{ID: http2.SettingInitialWindowSize, Val: defaultInitialWindow},
		{ID: http2.SettingEnablePush, Val: boolSetting(opts.enablePush())},
	}
	if err := fr.WriteSettings(settings...); err != nil {
		return nil, err
	}
	if err := fr.WriteWindowUpdate(0, defaultInitialWindow); err != nil {
		return nil, err
	}

	s.armIdleTimer()
	go s.readLoop()
	return s, nil
}

func boolSetting(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func (s *session) armIdleTimer() {
	d := s.opts.idleSessionTimeout()
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(d, func() { s.closeNow() })
}

func (s *session) touchIdleTimer() { s.armIdleTimer() }

func (s *session) onClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.closeListeners = append(s.closeListeners, fn)
	s.mu.Unlock()
}

// unusable reports whether this session should no longer be handed out
// for new requests.
func (s *session) unusable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.goAway
}

// closeNow tears the session down immediately: every pending stream fails
// with a protocol error, the socket closes, and registered close
// listeners run so the Transport removes it from the cache.
func (s *session) closeNow() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := make([]*stream, 0, len(s.streams))
	for _, st := range s.streams {
		pending = append(pending, st)
	}
	listeners := s.closeListeners
	s.mu.Unlock()

	s.idleMu.Lock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleMu.Unlock()

	_ = s.conn.Close()
	for _, st := range pending {
		st.fail(transport.ErrProtocol(s.origin.String(), fmt.Errorf("session closed")))
	}
	for _, fn := range listeners {
		fn()
	}
	s.cond.Broadcast()
}

// closeGracefully cancels every outstanding pushed stream first (so Close
// can't hang on one a handler never consumed) and fails every other
// unfinished stream with a cancellation error, then closes, with ctx's
// deadline (or a 2s default) as the forced-destroy backstop.
func (s *session) closeGracefully(ctx context.Context) {
	s.mu.Lock()
	pushed := make([]*pushedStream, 0, len(s.pushed))
	for _, p := range s.pushed {
		pushed = append(pushed, p)
	}
	active := make([]*stream, 0, len(s.streams))
	for _, st := range s.streams {
		active = append(active, st)
	}
	s.mu.Unlock()

	for _, p := range pushed {
		p.cancel()
	}
	for _, st := range active {
		st.fail(transport.ErrCancelled(context.Canceled))
	}

	done := make(chan struct{})
	go func() {
		s.closeNow()
		close(done)
	}()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		grace = time.Until(dl)
	}
	select {
	case <-done:
	case <-time.After(grace):
		s.opts.logf("h2: forcing session close to %s after grace period", s.origin)
		s.closeNow() // idempotent
	}
}
