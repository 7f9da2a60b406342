package polyfetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"

	"github.com/polyfetch-go/polyfetch/transport"
)

// RedirectMode is one of Fetch's three redirect policies.
type RedirectMode string

const (
	RedirectFollow RedirectMode = "follow"
	RedirectManual RedirectMode = "manual"
	RedirectError  RedirectMode = "error"
)

const defaultFollow = 20

// requestConfig accumulates RequestOption applications. follow and
// followSet are separate so that "not called" (default 20) and
// "WithFollow(0)" (disable redirects) are distinguishable; a bare zero
// value can't carry that distinction on its own.
type requestConfig struct {
	method    string
	header    http.Header
	body      any
	redirect  RedirectMode
	follow    int
	followSet bool
	compress  bool
}

// RequestOption configures one Fetch call.
type RequestOption func(*requestConfig)

// WithMethod sets the request method; default GET.
func WithMethod(method string) RequestOption {
	return func(c *requestConfig) { c.method = method }
}

// WithHeader sets one request header.
func WithHeader(key, value string) RequestOption {
	return func(c *requestConfig) { c.header.Add(key, value) }
}

// WithHeaders merges h into the request's headers.
func WithHeaders(h http.Header) RequestOption {
	return func(c *requestConfig) {
		for k, vs := range h {
			for _, v := range vs {
				c.header.Add(k, v)
			}
		}
	}
}

// WithBody sets the request body. Accepted shapes: io.Reader, []byte,
// string, fmt.Stringer, url.Values, or any JSON-marshalable struct/map/
// slice/array.
func WithBody(body any) RequestOption {
	return func(c *requestConfig) { c.body = body }
}

// WithRedirect selects the redirect policy; default RedirectFollow.
func WithRedirect(mode RedirectMode) RequestOption {
	return func(c *requestConfig) { c.redirect = mode }
}

// WithFollow caps the number of redirects Fetch will follow; 0 disables
// redirects entirely. Unset defaults to 20.
func WithFollow(n int) RequestOption {
	return func(c *requestConfig) { c.follow = n; c.followSet = true }
}

// WithRequestCompress sets the compress flag for one Fetch call (default:
// the Context's WithCompress setting, true unless changed); when true and
// no accept-encoding header is present, the Dispatcher sets one.
func WithRequestCompress(compress bool) RequestOption {
	return func(c *requestConfig) { c.compress = compress }
}

// requestState carries the bookkeeping the redirect state machine needs
// across recursive dispatches of the same logical request, beyond what a
// plain *http.Request holds.
type requestState struct {
	redirect      RedirectMode
	follow        int
	redirectCount int
	compress      bool
	bodyIsStream  bool // true if Body was an io.Reader the caller supplied directly (unreplayable)
}

// buildRequest turns rawURL+opts into a normalized *http.Request plus the
// redirect bookkeeping the Fetch layer needs, applying the body-shape
// content-type hints while the body's pre-serialization shape (struct,
// url.Values, etc.) is still known, before it becomes an opaque io.Reader.
func buildRequest(ctx context.Context, rawURL string, defaultCompress bool, opts []RequestOption) (*http.Request, *requestState, error) {
	cfg := &requestConfig{
		header:   make(http.Header),
		redirect: RedirectFollow,
		compress: defaultCompress,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, transport.ErrConfiguration(fmt.Errorf("parse url %q: %w", rawURL, err))
	}

	method := cfg.method
	if method == "" {
		method = http.MethodGet
	}

	bodyReader, bodyIsStream, err := coerceBody(cfg.body, cfg.header)
	if err != nil {
		return nil, nil, transport.ErrConfiguration(err)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, nil, transport.ErrConfiguration(err)
	}
	req.Header = cfg.header

	follow := defaultFollow
	if cfg.followSet {
		follow = cfg.follow
	}

	state := &requestState{
		redirect:     cfg.redirect,
		follow:       follow,
		compress:     cfg.compress,
		bodyIsStream: bodyIsStream,
	}
	return req, state, nil
}

// coerceBody turns body into an io.Reader (struct/map/slice/array -> JSON,
// io.Reader passthrough, fmt.Stringer/string/[]byte -> buffer), setting an
// implicit content-type when the caller hasn't already set one.
func coerceBody(body any, header http.Header) (io.Reader, bool, error) {
	if body == nil {
		return http.NoBody, false, nil
	}

	switch v := body.(type) {
	case io.Reader:
		return v, true, nil
	case url.Values:
		setDefaultContentType(header, "application/x-www-form-urlencoded;charset=UTF-8")
		return strings.NewReader(v.Encode()), false, nil
	case []byte:
		return bytes.NewReader(v), false, nil
	case string:
		setDefaultContentType(header, "text/plain;charset=UTF-8")
		return strings.NewReader(v), false, nil
	case fmt.Stringer:
		setDefaultContentType(header, "text/plain;charset=UTF-8")
		return strings.NewReader(v.String()), false, nil
	default:
		kind := reflect.ValueOf(body).Kind()
		if kind != reflect.Struct && kind != reflect.Map && kind != reflect.Slice && kind != reflect.Array {
			return nil, false, fmt.Errorf("unsupported request body type %T", body)
		}
		j, err := json.Marshal(body)
		if err != nil {
			return nil, false, err
		}
		setDefaultContentType(header, "application/json")
		return bytes.NewReader(j), false, nil
	}
}

func setDefaultContentType(header http.Header, value string) {
	if header.Get("content-type") == "" {
		header.Set("content-type", value)
	}
}
