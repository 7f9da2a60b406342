package transport

import (
	"io"
	"net/http"
)

// Response is the transport-layer shape of an HTTP response: status,
// version, headers and a body stream that may already be
// wrapped by the decoder. Header keys are in http.Header's canonical form
// (for example "Content-Type"), not lowercased; Get and Values look them
// up case-insensitively. Request/Response value types the caller sees
// (Fetch-style headers/body helpers) are built on top of this one level
// up, in package polyfetch.
type Response struct {
	StatusCode int
	Proto      string // "HTTP/1.0", "HTTP/1.1", "HTTP/2.0"
	ProtoMajor int
	ProtoMinor int
	Header     http.Header
	Body       io.ReadCloser

	// disturbed is set the first time Body is read from or closed by the
	// caller of Dispatcher.Request; Request/Response wrappers use Disturbed
	// to refuse a second consume.
	disturbed bool
}

// Disturbed reports whether the body stream has been read from (even
// partially) or closed since WrapDisturbed installed its wrapper.
func (r *Response) Disturbed() bool { return r.disturbed }

// MarkDisturbed is called by whatever first consumes Body.
func (r *Response) MarkDisturbed() { r.disturbed = true }

// disturbedBody wraps a response body so the first Read/Close flips
// Response.disturbed, without requiring every transport to remember to
// call MarkDisturbed itself.
type disturbedBody struct {
	io.ReadCloser
	res *Response
}

func (b *disturbedBody) Read(p []byte) (int, error) {
	b.res.disturbed = true
	return b.ReadCloser.Read(p)
}

func (b *disturbedBody) Close() error {
	b.res.disturbed = true
	return b.ReadCloser.Close()
}

// WrapDisturbed installs the disturbed-tracking wrapper around res.Body.
func WrapDisturbed(res *Response) {
	if res.Body == nil {
		return
	}
	res.Body = &disturbedBody{ReadCloser: res.Body, res: res}
}
