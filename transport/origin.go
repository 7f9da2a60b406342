// Package transport implements the protocol-agnostic request dispatcher:
// it normalizes a logical request, picks a wire protocol via ALPN, and
// delegates to the h1 or h2 transport. The redirect state machine and the
// public Context/Fetch surface live one level up, in package polyfetch.
package transport

import (
	"net"
	"net/url"
)

// Origin is the (scheme, host, port) triple used as a cache and
// connection-pool key throughout the transport core.
type Origin struct {
	Scheme string
	Host   string
	Port   string
}

// OriginOf derives the Origin for u, defaulting the port from the scheme.
func OriginOf(u *url.URL) Origin {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https", "h2c-tls":
			port = "443"
		default:
			port = "80"
		}
	}
	return Origin{Scheme: u.Scheme, Host: host, Port: port}
}

// String renders the origin as a dial address plus scheme, suitable as a
// map key or singleflight key.
func (o Origin) String() string {
	return o.Scheme + "://" + net.JoinHostPort(o.Host, o.Port)
}

// Addr is the host:port pair used to dial the origin.
func (o Origin) Addr() string {
	return net.JoinHostPort(o.Host, o.Port)
}
