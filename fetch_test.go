package polyfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchGET(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "polyfetch/1", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer ts.Close()

	ctx := New()
	res, err := ctx.Fetch(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.True(t, res.OK())

	body, err := res.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello", body)
}

func TestFetchAlreadyCancelled(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Fetch(ctx, "http://example.invalid")
	require.Error(t, err)
	assert.True(t, IsAbortError(err))
}

func TestFetchFollowsRedirect(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/end", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("landed"))
	}))
	defer ts.Close()

	c := New()
	res, err := c.Fetch(context.Background(), ts.URL+"/start")
	require.NoError(t, err)
	assert.True(t, res.Redirected)
	assert.Equal(t, ts.URL+"/end", res.URL)

	body, err := res.Text()
	require.NoError(t, err)
	assert.Equal(t, "landed", body)
}

func TestFetchRedirectErrorMode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusFound)
	}))
	defer ts.Close()

	c := New()
	_, err := c.Fetch(context.Background(), ts.URL, WithRedirect(RedirectError))
	require.Error(t, err)
	assert.True(t, IsRedirectError(err, ReasonNoRedirect))
}

func TestFetchRedirectManualMode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusFound)
	}))
	defer ts.Close()

	c := New()
	res, err := c.Fetch(context.Background(), ts.URL, WithRedirect(RedirectManual))
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.False(t, res.Redirected)
}

func TestFetchMaxRedirect(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path, http.StatusFound) // redirects to itself forever
	}))
	defer ts.Close()

	c := New()
	_, err := c.Fetch(context.Background(), ts.URL, WithFollow(2))
	require.Error(t, err)
	assert.True(t, IsRedirectError(err, ReasonMaxRedirect))
}
