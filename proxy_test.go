package polyfetch

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRoundRobinProxyCycles(t *testing.T) {
	fn := RoundRobinProxy(zap.NewNop(), "http://proxy-a:8080", "http://proxy-b:8080")
	req, err := http.NewRequest(http.MethodGet, "http://example.com", nil)
	require.NoError(t, err)

	first, err := fn(req)
	require.NoError(t, err)
	second, err := fn(req)
	require.NoError(t, err)
	third, err := fn(req)
	require.NoError(t, err)

	assert.Equal(t, "proxy-a:8080", first.Host)
	assert.Equal(t, "proxy-b:8080", second.Host)
	assert.Equal(t, "proxy-a:8080", third.Host, "must cycle back to the first proxy")
}

func TestRoundRobinProxySkipsInvalidURLs(t *testing.T) {
	fn := RoundRobinProxy(zap.NewNop(), "://missing-scheme", "http://ok:8080")
	req, err := http.NewRequest(http.MethodGet, "http://example.com", nil)
	require.NoError(t, err)

	u, err := fn(req)
	require.NoError(t, err)
	assert.Equal(t, "ok:8080", u.Host)
}
