package polyfetch

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRedirectStatus(t *testing.T) {
	for _, code := range []int{301, 302, 303, 307, 308} {
		assert.True(t, isRedirectStatus(code), "status %d should be treated as a redirect", code)
	}
	for _, code := range []int{200, 404, 500} {
		assert.False(t, isRedirectStatus(code))
	}
}

func TestResolveLocationRelative(t *testing.T) {
	base, err := url.Parse("https://example.com/a/b")
	require.NoError(t, err)

	resolved, err := resolveLocation(base, "/c")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/c", resolved)
}

func TestResolveLocationAbsolute(t *testing.T) {
	base, err := url.Parse("https://example.com/a/b")
	require.NoError(t, err)

	resolved, err := resolveLocation(base, "https://other.example/x")
	require.NoError(t, err)
	assert.Equal(t, "https://other.example/x", resolved)
}

func TestRedirectErrorIsMatchesReasonOnly(t *testing.T) {
	err := &RedirectError{Reason: ReasonMaxRedirect, URL: "https://example.com"}
	assert.True(t, IsRedirectError(err, ReasonMaxRedirect))
	assert.False(t, IsRedirectError(err, ReasonUnsupportedRedirect))

	var wrapped error = &RedirectError{Reason: ReasonNoRedirect}
	assert.False(t, wrapped.(*RedirectError).Is(&RedirectError{Reason: ReasonMaxRedirect}))
}

func TestDowngradeOn303(t *testing.T) {
	assert.True(t, downgradeFor(http.StatusSeeOther, http.MethodPost))
	assert.True(t, downgradeFor(http.StatusSeeOther, http.MethodGet))
}

func TestDowngradeOn302Post(t *testing.T) {
	assert.True(t, downgradeFor(http.StatusFound, http.MethodPost))
	assert.False(t, downgradeFor(http.StatusFound, http.MethodGet))
}

func TestNoDowngradeOn307(t *testing.T) {
	assert.False(t, downgradeFor(http.StatusTemporaryRedirect, http.MethodPost))
}
