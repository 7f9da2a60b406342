// Package tlsconn opens the single TLS connection a new origin needs:
// one handshake, SNI plus a configurable ALPN list, the negotiated
// protocol attached to the returned Socket. Concurrent callers for the
// same origin are collapsed onto one handshake via singleflight, so N
// simultaneous first-requests to an origin never open N connections.
package tlsconn

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/sync/singleflight"

	"github.com/polyfetch-go/polyfetch/transport"
)

// Socket is a connected, handshake-complete TLS connection plus the ALPN
// protocol the peer advertised ("" if none occurred, e.g. plain TCP).
type Socket struct {
	net.Conn
	NegotiatedProtocol string
	ConnectionState    tls.ConnectionState
}

// Options configure one Connect call.
type Options struct {
	ServerName         string
	ALPNProtocols      []string
	TLSConfig          *tls.Config // base config; NextProtos/ServerName are overridden
	HandshakeTimeout   time.Duration
	DialContext        func(ctx context.Context, network, addr string) (net.Conn, error)

	// ClientHelloSpec, when non-nil, routes the handshake through
	// refraction-networking/utls with this fingerprint instead of stock
	// crypto/tls.
	ClientHelloSpec func() *utls.ClientHelloSpec
}

// Connector serializes concurrent handshakes to the same origin behind a
// singleflight.Group so that N simultaneous first-requests to an origin
// open exactly one TLS connection, not N.
type Connector struct {
	group singleflight.Group
}

// New returns a ready Connector.
func New() *Connector { return &Connector{} }

// Connect opens (or joins an in-flight connect to) a TLS connection to
// origin. All callers sharing the connection lock receive the same
// *Socket, or the same error, once the handshake completes.
func (c *Connector) Connect(ctx context.Context, origin transport.Origin, opts Options) (*Socket, error) {
	v, err, _ := c.group.Do(origin.String(), func() (any, error) {
		return c.connect(ctx, origin, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Socket), nil
}

func (c *Connector) connect(ctx context.Context, origin transport.Origin, opts Options) (*Socket, error) {
	if opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.HandshakeTimeout)
		defer cancel()
	}

	dial := opts.DialContext
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	raw, err := dial(ctx, "tcp", origin.Addr())
	if err != nil {
		return nil, transport.ErrConnect(origin.String(), err)
	}

	serverName := opts.ServerName
	if serverName == "" {
		serverName = origin.Host
	}

	cfg := opts.TLSConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg.ServerName = serverName
	if len(opts.ALPNProtocols) > 0 {
		cfg.NextProtos = opts.ALPNProtocols
	}

	if opts.ClientHelloSpec != nil {
		return c.connectUTLS(ctx, raw, cfg, opts)
	}
	return c.connectStdlib(ctx, raw, cfg, origin)
}

func (c *Connector) connectStdlib(ctx context.Context, raw net.Conn, cfg *tls.Config, origin transport.Origin) (*Socket, error) {
	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, transport.ErrConnect(origin.String(), err)
	}
	state := conn.ConnectionState()
	return &Socket{Conn: conn, NegotiatedProtocol: state.NegotiatedProtocol, ConnectionState: state}, nil
}

// uTLSConnectionState adapts a utls.ConnectionState to crypto/tls's type so
// the rest of the transport core only ever deals with one TLS state shape.
func uTLSConnectionState(s utls.ConnectionState) tls.ConnectionState {
	return tls.ConnectionState{
		Version:                     s.Version,
		HandshakeComplete:           s.HandshakeComplete,
		DidResume:                   s.DidResume,
		CipherSuite:                 s.CipherSuite,
		NegotiatedProtocol:          s.NegotiatedProtocol,
		ServerName:                  s.ServerName,
		PeerCertificates:            s.PeerCertificates,
		VerifiedChains:              s.VerifiedChains,
		SignedCertificateTimestamps: s.SignedCertificateTimestamps,
		OCSPResponse:                s.OCSPResponse,
	}
}

func (c *Connector) connectUTLS(ctx context.Context, raw net.Conn, cfg *tls.Config, opts Options) (*Socket, error) {
	uCfg := &utls.Config{
		ServerName:         cfg.ServerName,
		NextProtos:         cfg.NextProtos,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // explicit opt-in only
	}
	conn := utls.UClient(raw, uCfg, utls.HelloCustom)
	if err := conn.ApplyPreset(opts.ClientHelloSpec()); err != nil {
		_ = raw.Close()
		return nil, transport.ErrConnect(cfg.ServerName, err)
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, transport.ErrConnect(cfg.ServerName, err)
	}
	state := conn.ConnectionState()
	return &Socket{Conn: conn, NegotiatedProtocol: state.NegotiatedProtocol, ConnectionState: uTLSConnectionState(state)}, nil
}
