package polyfetch

import (
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/net/http/httpproxy"
)

// ProxyFunc resolves the proxy URL (if any) a request should be sent
// through, the same shape net/http.Transport.Proxy takes. A nil URL with
// a nil error means "no proxy for this request".
type ProxyFunc func(*http.Request) (*url.URL, error)

// RoundRobinProxy returns a ProxyFunc that cycles through proxies, one
// per call.
func RoundRobinProxy(logger *zap.Logger, proxies ...string) ProxyFunc {
	parsed := make([]*url.URL, 0, len(proxies))
	for _, raw := range proxies {
		u, err := url.Parse(raw)
		if err != nil {
			logger.Error("invalid proxy url", zap.String("url", raw), zap.Error(err))
			continue
		}
		parsed = append(parsed, u)
	}
	if len(parsed) == 0 {
		return func(*http.Request) (*url.URL, error) { return nil, nil }
	}

	var index uint32
	return func(*http.Request) (*url.URL, error) {
		i := atomic.AddUint32(&index, 1) - 1
		return parsed[i%uint32(len(parsed))], nil
	}
}

// environmentProxy resolves HTTP_PROXY/HTTPS_PROXY/NO_PROXY the way curl
// and Node do, via golang.org/x/net/http/httpproxy.
func environmentProxy() ProxyFunc {
	cfg := httpproxy.FromEnvironment()
	return func(req *http.Request) (*url.URL, error) {
		u, err := cfg.ProxyFunc()(req.URL)
		if err != nil {
			return nil, fmt.Errorf("resolve proxy for %s: %w", req.URL, err)
		}
		return u, nil
	}
}
