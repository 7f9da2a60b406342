package alpn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyfetch-go/polyfetch/transport"
)

func origin(host string) transport.Origin {
	return transport.Origin{Scheme: "https", Host: host, Port: "443"}
}

func TestGetSetRoundTrip(t *testing.T) {
	c := New(10, time.Hour)

	_, ok := c.Get(origin("example.com"))
	assert.False(t, ok)

	c.Set(origin("example.com"), HTTP2)
	p, ok := c.Get(origin("example.com"))
	require.True(t, ok)
	assert.Equal(t, HTTP2, p)
}

func TestExpiry(t *testing.T) {
	c := New(10, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set(origin("example.com"), HTTP11)
	c.now = func() time.Time { return now.Add(2 * time.Minute) }

	_, ok := c.Get(origin("example.com"))
	assert.False(t, ok, "entry must not be returned once its TTL has elapsed")
}

func TestBoundedSize(t *testing.T) {
	c := New(2, time.Hour)
	c.Set(origin("a.com"), HTTP11)
	c.Set(origin("b.com"), HTTP11)
	c.Set(origin("c.com"), HTTP11)

	_, ok := c.Get(origin("a.com"))
	assert.False(t, ok, "least recently used entry should have been evicted")

	_, ok = c.Get(origin("c.com"))
	assert.True(t, ok)
}

func TestPurge(t *testing.T) {
	c := New(10, time.Hour)
	c.Set(origin("example.com"), HTTP2)
	c.Purge()

	_, ok := c.Get(origin("example.com"))
	assert.False(t, ok)
}
