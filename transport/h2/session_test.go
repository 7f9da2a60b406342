package h2

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/polyfetch-go/polyfetch/transport"
)

// fakeH2Server drives the server side of the HTTP/2 preface/SETTINGS
// handshake over conn so tests can exercise session against a minimal,
// purpose-built peer instead of a real net/http server.
type fakeH2Server struct {
	t    *testing.T
	conn net.Conn
	fr   *http2.Framer
	enc  *hpack.Encoder
	buf  interface {
		Write([]byte) (int, error)
		Bytes() []byte
		Reset()
	}
}

func newFakeH2Server(t *testing.T, conn net.Conn) *fakeH2Server {
	t.Helper()
	buf := new(bytesBuf)
	fs := &fakeH2Server{
		t:    t,
		conn: conn,
		fr:   http2.NewFramer(conn, conn),
		enc:  hpack.NewEncoder(buf),
		buf:  buf,
	}

	preface := make([]byte, len(http2.ClientPreface))
	_, err := io.ReadFull(conn, preface)
	require.NoError(t, err)
	assert.Equal(t, http2.ClientPreface, string(preface))

	frame, err := fs.fr.ReadFrame()
	require.NoError(t, err)
	_, ok := frame.(*http2.SettingsFrame)
	require.True(t, ok, "expected client SETTINGS first")

	require.NoError(t, fs.fr.WriteSettings())
	require.NoError(t, fs.fr.WriteSettingsAck())

	return fs
}

// drainUntilHeaders consumes the frames the client sends right after the
// handshake (SETTINGS ACK, connection WINDOW_UPDATE) and returns the first
// HEADERS frame, so later ReadFrame calls line up after the request itself.
func (fs *fakeH2Server) drainUntilHeaders() *http2.HeadersFrame {
	for {
		frame, err := fs.fr.ReadFrame()
		require.NoError(fs.t, err)
		if hf, ok := frame.(*http2.HeadersFrame); ok {
			return hf
		}
	}
}

func (fs *fakeH2Server) writeResponse(streamID uint32, status string, body []byte) {
	fs.buf.Reset()
	require.NoError(fs.t, fs.enc.WriteField(hpack.HeaderField{Name: ":status", Value: status}))
	block := append([]byte(nil), fs.buf.Bytes()...)

	require.NoError(fs.t, fs.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: block,
		EndHeaders:    true,
		EndStream:     len(body) == 0,
	}))
	if len(body) > 0 {
		require.NoError(fs.t, fs.fr.WriteData(streamID, true, body))
	}
}

type bytesBuf struct{ b []byte }

func (b *bytesBuf) Write(p []byte) (int, error) { b.b = append(b.b, p...); return len(p), nil }
func (b *bytesBuf) Bytes() []byte               { return b.b }
func (b *bytesBuf) Reset()                      { b.b = b.b[:0] }

func TestSessionRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	origin := transport.Origin{Scheme: "https", Host: "example.test", Port: "443"}

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		fs := newFakeH2Server(t, serverConn)
		hf := fs.drainUntilHeaders()
		fs.writeResponse(hf.StreamID, "200", []byte("hello h2"))
	}()

	sess, err := newSession(origin, clientConn, Options{})
	require.NoError(t, err)
	defer sess.closeNow()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := sess.roundTrip(ctx, Request{Method: "GET", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)

	got, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello h2", string(got))

	<-serverDone
}

func TestSessionPushPromiseRejected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	origin := transport.Origin{Scheme: "https", Host: "example.test", Port: "443"}

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		fs := newFakeH2Server(t, serverConn)
		hf := fs.drainUntilHeaders()

		fs.buf.Reset()
		require.NoError(t, fs.enc.WriteField(hpack.HeaderField{Name: ":method", Value: "GET"}))
		require.NoError(t, fs.enc.WriteField(hpack.HeaderField{Name: ":scheme", Value: "https"}))
		require.NoError(t, fs.enc.WriteField(hpack.HeaderField{Name: ":authority", Value: "example.test"}))
		require.NoError(t, fs.enc.WriteField(hpack.HeaderField{Name: ":path", Value: "/pushed.css"}))
		pushBlock := append([]byte(nil), fs.buf.Bytes()...)
		require.NoError(t, fs.fr.WritePushPromise(http2.PushPromiseParam{
			StreamID:      hf.StreamID,
			PromiseID:     hf.StreamID + 1,
			BlockFragment: pushBlock,
			EndHeaders:    true,
		}))

		fs.writeResponse(hf.StreamID, "200", []byte("main"))

		// No push consumer is configured, so the session must RST_STREAM
		// the promised stream instead of leaving it dangling.
		frame, err := fs.fr.ReadFrame()
		require.NoError(t, err)
		rst, ok := frame.(*http2.RSTStreamFrame)
		require.True(t, ok, "expected client to cancel the unconsumed push")
		assert.Equal(t, hf.StreamID+1, rst.StreamID)
	}()

	sess, err := newSession(origin, clientConn, Options{})
	require.NoError(t, err)
	defer sess.closeNow()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := sess.roundTrip(ctx, Request{Method: "GET", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)

	<-serverDone
}

// TestPushIdleEvictionArmsOnOwnHeaders checks that the idle-eviction clock
// for an accepted push starts when the promised stream's own response
// HEADERS frame arrives, not when the PUSH_PROMISE itself is accepted: a
// delay between the two must not evict the push early.
func TestPushIdleEvictionArmsOnOwnHeaders(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	origin := transport.Origin{Scheme: "https", Host: "example.test", Port: "443"}

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		fs := newFakeH2Server(t, serverConn)
		hf := fs.drainUntilHeaders()

		fs.buf.Reset()
		require.NoError(t, fs.enc.WriteField(hpack.HeaderField{Name: ":method", Value: "GET"}))
		require.NoError(t, fs.enc.WriteField(hpack.HeaderField{Name: ":scheme", Value: "https"}))
		require.NoError(t, fs.enc.WriteField(hpack.HeaderField{Name: ":authority", Value: "example.test"}))
		require.NoError(t, fs.enc.WriteField(hpack.HeaderField{Name: ":path", Value: "/pushed.css"}))
		pushBlock := append([]byte(nil), fs.buf.Bytes()...)
		require.NoError(t, fs.fr.WritePushPromise(http2.PushPromiseParam{
			StreamID:      hf.StreamID,
			PromiseID:     hf.StreamID + 1,
			BlockFragment: pushBlock,
			EndHeaders:    true,
		}))

		fs.writeResponse(hf.StreamID, "200", []byte("main"))

		// The promise was just accepted, but its own response headers
		// haven't arrived yet; the idle timer must not be running.
		time.Sleep(30 * time.Millisecond)

		fs.writeResponse(hf.StreamID+1, "200", []byte("pushed body"))

		// Now the clock is running and nothing ever reads the pushed
		// body, so eviction must follow within the configured timeout.
		frame, err := fs.fr.ReadFrame()
		require.NoError(t, err)
		rst, ok := frame.(*http2.RSTStreamFrame)
		require.True(t, ok, "expected client to evict the unread push")
		assert.Equal(t, hf.StreamID+1, rst.StreamID)
	}()

	sess, err := newSession(origin, clientConn, Options{
		PushPromiseHandler:      func(string, http.Header, func()) {},
		PushedStreamIdleTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer sess.closeNow()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := sess.roundTrip(ctx, Request{Method: "GET", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)

	<-serverDone
}
