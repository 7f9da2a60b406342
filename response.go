package polyfetch

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/polyfetch-go/polyfetch/transport"
)

// Response is the Fetch-style facade over transport.Response: a Body
// value with one-shot consume operations (buffer, text, json) plus the
// status/header fields callers expect.
type Response struct {
	StatusCode  int
	HTTPVersion string // "1.0", "1.1", "2.0"
	Header      http.Header
	URL         string
	Redirected  bool

	body *transport.Response
}

func newResponse(u string, redirected bool, tres *transport.Response) *Response {
	transport.WrapDisturbed(tres)
	return &Response{
		StatusCode:  tres.StatusCode,
		HTTPVersion: httpVersionOf(tres),
		Header:      tres.Header,
		URL:         u,
		Redirected:  redirected,
		body:        tres,
	}
}

func httpVersionOf(tres *transport.Response) string {
	switch {
	case tres.ProtoMajor == 2:
		return "2.0"
	case tres.ProtoMinor == 0:
		return "1.0"
	default:
		return "1.1"
	}
}

// OK reports whether StatusCode is in [200, 300), matching Fetch's
// response.ok.
func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Disturbed reports whether the body has already been consumed or closed.
func (r *Response) Disturbed() bool { return r.body.Disturbed() }

// Body returns the raw, possibly already content-decoded byte stream.
// Reading or closing it marks the response disturbed; a second call to
// Bytes/Text/JSON after that returns an error.
func (r *Response) Body() io.ReadCloser { return r.body.Body }

// Bytes reads the body to completion and returns it whole.
func (r *Response) Bytes() ([]byte, error) {
	if r.body.Disturbed() {
		return nil, fmt.Errorf("polyfetch: body already consumed")
	}
	defer r.body.Body.Close()
	return io.ReadAll(r.body.Body)
}

// Text reads the body to completion and returns it as a string.
func (r *Response) Text() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// JSON reads the body to completion and unmarshals it into v.
func (r *Response) JSON(v any) error {
	b, err := r.Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
