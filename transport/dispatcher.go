package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	utls "github.com/refraction-networking/utls"

	"github.com/polyfetch-go/polyfetch/transport/alpn"
	"github.com/polyfetch-go/polyfetch/transport/decode"
	"github.com/polyfetch-go/polyfetch/transport/h1"
	"github.com/polyfetch-go/polyfetch/transport/h2"
	"github.com/polyfetch-go/polyfetch/transport/tlsconn"
)

// Dispatcher normalizes a request, looks up (or negotiates) the origin's
// ALPN protocol, and delegates to the H1 or H2 transport with the freshly
// negotiated socket handed off rather than wasted.
type Dispatcher struct {
	ALPNCache          *alpn.Cache
	ALPNProtocols      []string
	Connector          *tlsconn.Connector
	H1                 *h1.Transport
	H2                 *h2.Transport
	ClientHelloSpec    func() *utls.ClientHelloSpec
	UserAgent          string
	OverwriteUserAgent bool
	Logf               func(format string, args ...any)

	// Jar, when non-nil, attaches stored cookies to outgoing requests and
	// stores Set-Cookie headers from responses. Off (nil) by default.
	Jar http.CookieJar
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.Logf != nil {
		d.Logf(format, args...)
	}
}

// normalize applies method-case canonicalization, a default Host,
// User-Agent policy, and an Accept-Encoding default. Body-shape
// content-type hints run one layer up where the body's pre-serialization
// shape (struct, url.Values, etc.) is still known, since by the time a
// request reaches here Body is already an opaque io.Reader.
func (d *Dispatcher) normalize(req *http.Request, compress bool) {
	req.Method = strings.ToUpper(req.Method)
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	if req.Header.Get("Host") == "" && req.Host == "" {
		req.Host = req.URL.Host
	}

	if d.UserAgent != "" {
		if d.OverwriteUserAgent || req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", d.UserAgent)
		}
	}

	if compress && req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "gzip,deflate,br")
	}
}

// Request normalizes req then dispatches it, picking (and if necessary
// negotiating) the protocol for its origin, and transparently decoding
// Content-Encoding on the way back out.
func (d *Dispatcher) Request(ctx context.Context, req *http.Request, compress bool) (*Response, error) {
	d.normalize(req, compress)
	d.attachCookies(req)

	res, err := d.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	d.storeCookies(req, res)

	body, err := decode.Decode(res.StatusCode, res.Header, res.Body)
	if err != nil {
		_ = res.Body.Close()
		return nil, ErrProtocol(OriginOf(req.URL).String(), err)
	}
	res.Body = body
	return res, nil
}

func (d *Dispatcher) attachCookies(req *http.Request) {
	if d.Jar == nil {
		return
	}
	for _, c := range d.Jar.Cookies(req.URL) {
		req.AddCookie(c)
	}
}

func (d *Dispatcher) storeCookies(req *http.Request, res *Response) {
	if d.Jar == nil {
		return
	}
	if cookies := (&http.Response{Header: res.Header}).Cookies(); len(cookies) > 0 {
		d.Jar.SetCookies(req.URL, cookies)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, req *http.Request) (*Response, error) {
	u := req.URL
	origin := OriginOf(u)

	switch u.Scheme {
	case "http":
		d.ALPNCache.Set(origin, alpn.HTTP11)
		return d.H1.Request(ctx, origin, req)

	case "h2c":
		// h2c is treated as http: with an ALPN-implied protocol; the
		// dispatcher rewrites the scheme before the transport ever sees it.
		req.URL = rewriteScheme(u, "http")
		d.ALPNCache.Set(origin, alpn.HTTP2C)
		return d.H2.Request(ctx, origin, nil, toH2Request(req))

	case "https":
		return d.dispatchTLS(ctx, origin, req)

	default:
		return nil, ErrConfiguration(fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
}

func rewriteScheme(u *url.URL, scheme string) *url.URL {
	cp := *u
	cp.Scheme = scheme
	return &cp
}

// dispatchTLS looks up the ALPN cache for origin; on a miss it performs a
// TLS+ALPN connect, caches the result, and hands the freshly negotiated
// socket to whichever transport the negotiated protocol selects so the
// connect isn't wasted.
func (d *Dispatcher) dispatchTLS(ctx context.Context, origin Origin, req *http.Request) (*Response, error) {
	if proto, ok := d.ALPNCache.Get(origin); ok {
		return d.dispatchByProtocol(ctx, origin, req, proto, nil)
	}

	sock, err := d.Connector.Connect(ctx, origin, tlsconn.Options{
		ServerName:      origin.Host,
		ALPNProtocols:   d.protocolList(),
		ClientHelloSpec: d.ClientHelloSpec,
	})
	if err != nil {
		return nil, err
	}

	proto := alpn.Protocol(sock.NegotiatedProtocol)
	if proto == "" {
		proto = alpn.HTTP11
	}
	d.ALPNCache.Set(origin, proto)

	return d.dispatchByProtocol(ctx, origin, req, proto, sock.Conn)
}

// dispatchByProtocol routes to H1 or H2 given an already-resolved
// protocol. conn, if non-nil, is a socket the dispatcher just negotiated
// and that the chosen transport should reuse instead of dialing again.
// The H2 transport discards it if a session already exists for origin;
// the H1 transport always sends the request over it.
func (d *Dispatcher) dispatchByProtocol(ctx context.Context, origin Origin, req *http.Request, proto alpn.Protocol, conn net.Conn) (*Response, error) {
	switch proto {
	case alpn.HTTP2, alpn.HTTP2C:
		return d.H2.Request(ctx, origin, conn, toH2Request(req))
	default:
		if conn != nil {
			ctx = h1.WithHandoff(ctx, origin, conn)
		}
		return d.H1.Request(ctx, origin, req)
	}
}

func (d *Dispatcher) protocolList() []string {
	if len(d.ALPNProtocols) > 0 {
		return d.ALPNProtocols
	}
	return []string{string(alpn.HTTP2), "http/1.1", "http/1.0"}
}

func toH2Request(req *http.Request) h2.Request {
	path := req.URL.Path
	if path == "" {
		path = "/"
	}
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}
	header := req.Header.Clone()
	authority := header.Get("Host")
	if authority == "" {
		authority = req.Host
	}
	header.Del("Host")
	return h2.Request{
		Method:    strings.ToUpper(req.Method),
		Path:      path,
		Authority: authority,
		Header:    header,
		Body:      req.Body,
	}
}
