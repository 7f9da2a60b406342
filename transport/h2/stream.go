package h2

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"golang.org/x/net/http2/hpack"

	"github.com/polyfetch-go/polyfetch/transport"
)

// Request is the minimal request shape the H2 transport needs; the
// dispatcher builds one from the caller's logical request.
type Request struct {
	Method string
	Path   string // :path pseudo-header, already includes query

	// Authority, if set, is used verbatim for the :authority
	// pseudo-header instead of the session's origin. Populated from a
	// caller-supplied Host header so a request for an origin fronted by
	// a load balancer can still advertise the name the caller intended.
	Authority string

	Header http.Header
	Body   io.Reader
}

// stream is one HTTP/2 request/response exchange multiplexed on a
// session.
type stream struct {
	id uint32

	sess *session

	headerOnce sync.Once
	headerCh   chan struct{}
	header     http.Header
	status     int

	bodyR *io.PipeReader
	bodyW *io.PipeWriter

	sendWindow flow
	recvWindow flow

	done    chan struct{}
	doneSet atomic.Bool
	err     error

	endStreamSent atomic.Bool
}

func newStream(id uint32, sess *session) *stream {
	pr, pw := io.Pipe()
	st := &stream{
		id:       id,
		sess:     sess,
		headerCh: make(chan struct{}),
		bodyR:    pr,
		bodyW:    pw,
		done:     make(chan struct{}),
	}
	st.sendWindow.add(defaultInitialWindow)
	st.recvWindow.add(defaultInitialWindow)
	return st
}

// receiveHeader is called once from the read loop when the final HEADERS
// (with END_HEADERS, possibly carrying END_STREAM) block decodes.
func (st *stream) receiveHeader(fields []hpack.HeaderField, endStream bool) {
	st.headerOnce.Do(func() {
		h := make(http.Header, len(fields))
		status := http.StatusOK
		for _, f := range fields {
			if f.Name == ":status" {
				if v, err := parseStatus(f.Value); err == nil {
					status = v
				}
				continue
			}
			if len(f.Name) > 0 && f.Name[0] == ':' {
				continue
			}
			h.Add(f.Name, f.Value)
		}
		st.header = h
		st.status = status
		close(st.headerCh)
	})
	if endStream {
		st.closeBody(nil)
	}
}

func parseStatus(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, io.ErrUnexpectedEOF
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

func (st *stream) receiveData(p []byte, endStream bool) {
	if len(p) > 0 {
		_, _ = st.bodyW.Write(p)
	}
	if endStream {
		st.closeBody(nil)
	}
}

func (st *stream) closeBody(err error) {
	_ = st.bodyW.CloseWithError(err)
	st.markDone(err)
}

func (st *stream) fail(err error) {
	st.headerOnce.Do(func() { close(st.headerCh) })
	_ = st.bodyW.CloseWithError(err)
	st.markDone(err)
}

func (st *stream) markDone(err error) {
	if st.doneSet.CompareAndSwap(false, true) {
		st.err = err
		close(st.done)
	}
}

// awaitResponse blocks until headers arrive, the stream fails, or ctx is
// cancelled, then returns a transport.Response whose Body streams DATA
// frames as they're received.
func (st *stream) awaitResponse(ctx context.Context) (*transport.Response, error) {
	select {
	case <-st.headerCh:
	case <-st.done:
		if st.err != nil {
			return nil, st.err
		}
	case <-ctx.Done():
		st.sess.cancelStream(st)
		return nil, transport.ErrCancelled(ctx.Err())
	}
	if st.header == nil && st.err != nil {
		return nil, st.err
	}
	return &transport.Response{
		StatusCode: st.status,
		Proto:      "HTTP/2.0",
		ProtoMajor: 2,
		ProtoMinor: 0,
		Header:     st.header,
		Body:       &ctxBody{r: st.bodyR, ctx: ctx, cancel: func() { st.sess.cancelStream(st) }},
	}, nil
}

// ctxBody cancels the owning stream if the consumer's context ends before
// the body is read to completion or explicitly closed.
type ctxBody struct {
	r      *io.PipeReader
	ctx    context.Context
	cancel func()
	once   sync.Once
}

func (b *ctxBody) Read(p []byte) (int, error) {
	if err := b.ctx.Err(); err != nil {
		b.closeOnce()
		return 0, err
	}
	return b.r.Read(p)
}

func (b *ctxBody) Close() error {
	b.closeOnce()
	return b.r.Close()
}

func (b *ctxBody) closeOnce() {
	b.once.Do(b.cancel)
}
