package h2

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/polyfetch-go/polyfetch/transport"
)

const (
	rstCancel        = http2.ErrCodeCancel
	rstNoError       = http2.ErrCodeNo
	maxHeaderListLen = 64 << 10
)

// roundTrip opens a new stream, writes req's headers (and body, if any),
// and waits for the response headers to arrive.
func (s *session) roundTrip(ctx context.Context, req Request) (*transport.Response, error) {
	if s.unusable() {
		return nil, transport.ErrProtocol(s.origin.String(), fmt.Errorf("session already closed"))
	}
	s.touchIdleTimer()

	st, err := s.openStream()
	if err != nil {
		return nil, transport.ErrProtocol(s.origin.String(), err)
	}

	if err := s.writeRequest(st, req); err != nil {
		s.mu.Lock()
		delete(s.streams, st.id)
		s.mu.Unlock()
		return nil, transport.ErrSystem(s.origin.String(), err)
	}

	res, err := st.awaitResponse(ctx)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *session) openStream() (*stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("session closed")
	}
	id := s.nextStreamID
	s.nextStreamID += 2
	st := newStream(id, s)
	s.streams[id] = st
	return st, nil
}

func (s *session) writeRequest(st *stream, req Request) error {
	fields := s.buildHeaderFields(req)

	s.hbuf.Reset()
	for _, f := range fields {
		if err := s.henc.WriteField(f); err != nil {
			return err
		}
	}
	block := append([]byte(nil), s.hbuf.Bytes()...)

	hasBody := req.Body != nil
	endStreamOnHeaders := !hasBody

	s.writeMu.Lock()
	if err := s.writeHeaderBlock(st.id, block, endStreamOnHeaders); err != nil {
		s.writeMu.Unlock()
		return err
	}
	s.writeMu.Unlock()

	if !hasBody {
		return nil
	}
	return s.writeBody(st, req.Body)
}

// writeHeaderBlock fragments block across HEADERS + CONTINUATION frames
// honoring the peer's advertised max frame size.
func (s *session) writeHeaderBlock(streamID uint32, block []byte, endStream bool) error {
	max := int(s.peerMaxFrameSize)
	if max <= 0 {
		max = defaultMaxFrameSize
	}

	first := block
	rest := []byte(nil)
	endHeaders := true
	if len(block) > max {
		first = block[:max]
		rest = block[max:]
		endHeaders = false
	}

	if err := s.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: first,
		EndStream:     endStream,
		EndHeaders:    endHeaders,
	}); err != nil {
		return err
	}

	for len(rest) > 0 {
		chunk := rest
		last := true
		if len(chunk) > max {
			chunk = rest[:max]
			last = false
		}
		if err := s.fr.WriteContinuation(streamID, last, chunk); err != nil {
			return err
		}
		rest = rest[len(chunk):]
	}
	return nil
}

func (s *session) writeBody(st *stream, body io.Reader) error {
	buf := make([]byte, defaultMaxFrameSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			s.writeMu.Lock()
			writeErr := s.fr.WriteData(st.id, false, buf[:n])
			s.writeMu.Unlock()
			if writeErr != nil {
				return writeErr
			}
		}
		if readErr == io.EOF {
			s.writeMu.Lock()
			err := s.fr.WriteData(st.id, true, nil)
			s.writeMu.Unlock()
			return err
		}
		if readErr != nil {
			return readErr
		}
	}
}

// buildHeaderFields assembles the pseudo-headers in the fixed order
// HTTP/2 requires, followed by regular headers sorted for a deterministic
// wire encoding.
func (s *session) buildHeaderFields(req Request) []hpack.HeaderField {
	authority := req.Authority
	if authority == "" {
		authority = s.origin.Host
		if s.origin.Port != "" && s.origin.Port != "443" && s.origin.Port != "80" {
			authority = s.origin.Addr()
		}
	}

	fields := []hpack.HeaderField{
		{Name: ":method", Value: req.Method},
		{Name: ":authority", Value: authority},
		{Name: ":scheme", Value: schemeFor(s.origin)},
		{Name: ":path", Value: pathFor(req)},
	}

	keys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		if isConnectionSpecific(k) || !httpguts.ValidHeaderFieldName(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range req.Header[k] {
			if !httpguts.ValidHeaderFieldValue(v) {
				continue
			}
			fields = append(fields, hpack.HeaderField{Name: strings.ToLower(k), Value: v})
		}
	}
	return fields
}

func schemeFor(o transport.Origin) string {
	if o.Scheme == "https" {
		return "https"
	}
	return "http"
}

func pathFor(req Request) string {
	if req.Path != "" {
		return req.Path
	}
	return "/"
}

// isConnectionSpecific drops hop-by-hop headers HTTP/2 forbids, per
// RFC 7540 §8.1.2.2.
func isConnectionSpecific(name string) bool {
	switch strings.ToLower(name) {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade", "host":
		return true
	}
	return false
}

func (s *session) cancelStream(st *stream) {
	s.writeMu.Lock()
	_ = s.fr.WriteRSTStream(st.id, rstCancel)
	s.writeMu.Unlock()
	s.mu.Lock()
	delete(s.streams, st.id)
	s.mu.Unlock()
}

func (s *session) resetStream(id uint32, code http2.ErrCode) {
	s.writeMu.Lock()
	_ = s.fr.WriteRSTStream(id, code)
	s.writeMu.Unlock()
}

func (s *session) dropPushed(id uint32) {
	s.mu.Lock()
	delete(s.pushed, id)
	delete(s.streams, id)
	s.mu.Unlock()
}

// readLoop owns the connection's read side for its whole lifetime,
// decoding frames and fanning them out to the stream/pushedStream they
// belong to. HPACK decoding state is connection-wide, so header blocks
// (HEADERS/PUSH_PROMISE plus any CONTINUATION) are fed into one shared
// decoder as their fragments arrive.
func (s *session) readLoop() {
	defer s.closeNow()

	var curFields []hpack.HeaderField
	var curStreamID uint32
	var curIsPush bool
	var curPromisedStreamID uint32
	var curEndStream bool
	var curPromisedReq PushedRequest

	dec := hpack.NewDecoder(4096, func(f hpack.HeaderField) {
		curFields = append(curFields, f)
	})

	finishHeaderBlock := func() {
		if curIsPush {
			s.onPushPromiseComplete(curPromisedStreamID, curPromisedReq, curFields)
		} else {
			s.onHeadersComplete(curStreamID, curFields, curEndStream)
		}
		curFields = nil
	}

	for {
		frame, err := s.fr.ReadFrame()
		if err != nil {
			return
		}

		switch f := frame.(type) {
		case *http2.SettingsFrame:
			s.onSettings(f)

		case *http2.WindowUpdateFrame:
			s.onWindowUpdate(f)

		case *http2.HeadersFrame:
			curStreamID = f.StreamID
			curIsPush = false
			curEndStream = f.StreamEnded()
			if _, err := dec.Write(f.HeaderBlockFragment()); err != nil {
				return
			}
			if f.HeadersEnded() {
				finishHeaderBlock()
			}

		case *http2.PushPromiseFrame:
			curStreamID = f.StreamID
			curIsPush = true
			curPromisedStreamID = f.PromiseID
			curPromisedReq = PushedRequest{Header: make(map[string][]string)}
			if _, err := dec.Write(f.HeaderBlockFragment()); err != nil {
				return
			}
			if f.HeadersEnded() {
				finishHeaderBlock()
			}

		case *http2.ContinuationFrame:
			if _, err := dec.Write(f.HeaderBlockFragment()); err != nil {
				return
			}
			if f.HeadersEnded() {
				finishHeaderBlock()
			}

		case *http2.DataFrame:
			s.onData(f)

		case *http2.RSTStreamFrame:
			s.onRSTStream(f)

		case *http2.GoAwayFrame:
			s.onGoAway(f)

		case *http2.PingFrame:
			if !f.IsAck() {
				s.writeMu.Lock()
				_ = s.fr.WritePing(true, f.Data)
				s.writeMu.Unlock()
			}
		}
	}
}

func (s *session) onSettings(f *http2.SettingsFrame) {
	if f.IsAck() {
		return
	}
	_ = f.ForeachSetting(func(setting http2.Setting) error {
		if setting.ID == http2.SettingMaxFrameSize {
			s.mu.Lock()
			s.peerMaxFrameSize = setting.Val
			s.mu.Unlock()
		}
		return nil
	})
	s.writeMu.Lock()
	_ = s.fr.WriteSettingsAck()
	s.writeMu.Unlock()
}

func (s *session) onWindowUpdate(f *http2.WindowUpdateFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.StreamID == 0 {
		s.connSendWindow.add(int32(f.Increment))
		s.cond.Broadcast()
		return
	}
	if st, ok := s.streams[f.StreamID]; ok {
		st.sendWindow.add(int32(f.Increment))
	}
}

func (s *session) onHeadersComplete(streamID uint32, fields []hpack.HeaderField, endStream bool) {
	s.mu.Lock()
	st, ok := s.streams[streamID]
	ps, isPushed := s.pushed[streamID]
	s.mu.Unlock()
	if !ok {
		return
	}
	st.receiveHeader(fields, endStream)
	if isPushed {
		// The promised stream's own response headers just arrived; start
		// the idle-eviction clock here rather than at promise-accept time,
		// so a slow-starting pushed response isn't evicted before its
		// first byte exists.
		ps.armIdleEviction(s.opts.pushedStreamIdleTimeout())
	}
}

func (s *session) onPushPromiseComplete(promisedStreamID uint32, req PushedRequest, fields []hpack.HeaderField) {
	var method, path, scheme, authority string
	for _, f := range fields {
		switch f.Name {
		case ":method":
			method = f.Value
		case ":path":
			path = f.Value
		case ":scheme":
			scheme = f.Value
		case ":authority":
			authority = f.Value
		default:
			req.Header.Add(f.Name, f.Value)
		}
	}
	req.Method = method
	req.URL = &url.URL{Scheme: scheme, Host: authority, Path: path}

	st := newStream(promisedStreamID, s)
	ps := newPushedStream(promisedStreamID, req, st, s)

	s.mu.Lock()
	if !s.opts.enablePush() {
		s.mu.Unlock()
		s.resetStream(promisedStreamID, rstCancel)
		return
	}
	s.streams[promisedStreamID] = st
	s.pushed[promisedStreamID] = ps
	s.mu.Unlock()

	if !s.deliverPushPromise(ps) {
		s.dropPushed(promisedStreamID)
		s.resetStream(promisedStreamID, rstCancel)
	}
}

func (s *session) onData(f *http2.DataFrame) {
	s.mu.Lock()
	st, ok := s.streams[f.StreamID]
	s.mu.Unlock()
	data := f.Data()
	if ok {
		st.receiveData(data, f.StreamEnded())
	}
	if len(data) > 0 {
		s.writeMu.Lock()
		_ = s.fr.WriteWindowUpdate(0, uint32(len(data)))
		_ = s.fr.WriteWindowUpdate(f.StreamID, uint32(len(data)))
		s.writeMu.Unlock()
	}
}

func (s *session) onRSTStream(f *http2.RSTStreamFrame) {
	s.mu.Lock()
	st, ok := s.streams[f.StreamID]
	delete(s.streams, f.StreamID)
	delete(s.pushed, f.StreamID)
	s.mu.Unlock()
	if ok {
		st.fail(transport.ErrProtocol(s.origin.String(), fmt.Errorf("stream reset: %s", f.ErrCode)))
	}
}

func (s *session) onGoAway(f *http2.GoAwayFrame) {
	s.mu.Lock()
	s.goAway = true
	var unprocessed []*stream
	for id, st := range s.streams {
		if id > f.LastStreamID {
			unprocessed = append(unprocessed, st)
		}
	}
	s.mu.Unlock()
	for _, st := range unprocessed {
		st.fail(transport.ErrProtocol(s.origin.String(), fmt.Errorf("goaway before stream processed")))
	}
}
