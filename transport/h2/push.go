package h2

import (
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/polyfetch-go/polyfetch/transport"
)

// PushedRequest is the promised request carried by a PUSH_PROMISE frame,
// delivered to the PushPromiseHandler before any response bytes exist.
type PushedRequest struct {
	Method string
	URL    *url.URL
	Header http.Header
}

// AdaptTwoArgPushPromiseHandler wraps the older (url, reject) handler
// shape in the three-argument PushPromiseHandler form, for callers
// migrating from it rather than writing new handlers against it.
func AdaptTwoArgPushPromiseHandler(fn func(url string, reject func())) PushPromiseHandler {
	return func(url string, _ http.Header, reject func()) { fn(url, reject) }
}

// pushedStream tracks a server-initiated stream from PUSH_PROMISE through
// to either consumption or idle eviction.
type pushedStream struct {
	id       uint32
	promised PushedRequest
	st       *stream

	sess *session

	// correlationID ties this pushed stream's log lines together; never
	// sent on the wire, purely for tracing a push through accept/evict.
	correlationID string

	idleMu    sync.Mutex
	idleTimer *time.Timer
	consumed  atomic.Bool
}

func newPushedStream(id uint32, promised PushedRequest, st *stream, sess *session) *pushedStream {
	return &pushedStream{id: id, promised: promised, st: st, sess: sess, correlationID: uuid.NewString()}
}

// armIdleEviction starts (or restarts) the countdown to discarding this
// pushed stream if nothing ever reads its body.
func (p *pushedStream) armIdleEviction(d time.Duration) {
	p.idleMu.Lock()
	defer p.idleMu.Unlock()
	if p.consumed.Load() {
		return
	}
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.idleTimer = time.AfterFunc(d, func() { p.evict() })
}

// disarm is called the moment a PushHandler begins reading the pushed
// body, cancelling the idle-eviction countdown for good.
func (p *pushedStream) disarm() {
	p.consumed.Store(true)
	p.idleMu.Lock()
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.idleMu.Unlock()
}

func (p *pushedStream) evict() {
	if p.consumed.Load() {
		return
	}
	p.sess.opts.logf("h2: push %s evicted (idle, never read): %s", p.correlationID, p.promised.URL)
	p.st.fail(transport.ErrCancelled(nil))
	p.sess.dropPushed(p.id)
	p.sess.resetStream(p.id, rstCancel)
}

func (p *pushedStream) cancel() {
	p.disarm()
	p.st.fail(transport.ErrCancelled(nil))
	p.sess.resetStream(p.id, rstCancel)
}

// deliverPushPromise runs the configured PushPromiseHandler/PushHandler pair for a
// promise that has just been decoded. Returns true if the push was
// accepted and should proceed to receive a response.
func (s *session) deliverPushPromise(p *pushedStream) (accepted bool) {
	if s.opts.PushPromiseHandler != nil {
		rejected := false
		s.opts.PushPromiseHandler(p.promised.URL.String(), p.promised.Header, func() { rejected = true })
		if rejected {
			s.opts.logf("h2: push %s rejected: %s", p.correlationID, p.promised.URL)
			return false
		}
	}
	s.opts.logf("h2: push %s accepted: %s", p.correlationID, p.promised.URL)

	if s.opts.PushHandler == nil {
		return true
	}
	go func() {
		res, err := p.st.awaitResponse(noCancelContext{})
		if err != nil {
			return
		}
		res.Body = &disarmingBody{inner: res.Body, p: p}
		s.opts.PushHandler(p.promised.URL.String(), p.promised.Header, res)
	}()
	return true
}

// disarmingBody wraps a pushed response body so the first Read disarms
// the stream's idle-eviction timer; Close only forwards.
type disarmingBody struct {
	inner interface {
		Read([]byte) (int, error)
		Close() error
	}
	p *pushedStream
}

func (d *disarmingBody) Read(b []byte) (int, error) {
	d.p.disarm()
	return d.inner.Read(b)
}
func (d *disarmingBody) Close() error { return d.inner.Close() }

// noCancelContext lets the push-delivery goroutine await a pushed
// response without tying its lifetime to any one caller's request
// context; eviction is governed by the idle timer instead.
type noCancelContext struct{}

func (noCancelContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (noCancelContext) Done() <-chan struct{}       { return nil }
func (noCancelContext) Err() error                  { return nil }
func (noCancelContext) Value(any) any               { return nil }
