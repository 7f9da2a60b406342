package transport

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToH2RequestThreadsCustomHost(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "https://example.test/path?q=1", nil)
	require.NoError(t, err)
	req.Header.Set("Host", "virtual.example.test")

	h2req := toH2Request(req)

	assert.Equal(t, "virtual.example.test", h2req.Authority)
	assert.Empty(t, h2req.Header.Get("Host"), "Host must not be sent as a regular header")
}

func TestToH2RequestFallsBackToRequestHost(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "https://example.test/path", nil)
	require.NoError(t, err)
	req.Host = "lb.example.test"

	h2req := toH2Request(req)

	assert.Equal(t, "lb.example.test", h2req.Authority)
}

func TestToH2RequestNoCustomHost(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "https://example.test/path", nil)
	require.NoError(t, err)

	h2req := toH2Request(req)

	assert.Equal(t, "example.test", h2req.Authority, "no custom host means :authority is the URL's own host")
}
