// Package alpn implements the bounded, TTL'd cache mapping an origin to the
// wire protocol the peer has previously negotiated for it, so repeat
// requests skip the TLS handshake that would otherwise be needed just to
// learn which protocol to speak.
package alpn

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/polyfetch-go/polyfetch/transport"
)

// Protocol tags the wire protocol ALPN negotiated for an origin.
type Protocol string

const (
	HTTP2   Protocol = "h2"
	HTTP2C  Protocol = "h2c"
	HTTP11  Protocol = "http/1.1"
	HTTP10  Protocol = "http/1.0"
	Unknown Protocol = ""
)

type entry struct {
	protocol  Protocol
	expiresAt time.Time
}

// Cache is a bounded LRU keyed by transport.Origin, with a per-entry
// expiry layered on top since the underlying LRU has no native TTL
// (golang-lru/v2 only evicts by size, not by age).
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache[transport.Origin, entry]
	ttl time.Duration
	now func() time.Time
}

// New returns a Cache bounded to size entries, each valid for ttl.
func New(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 100
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	l, _ := lru.New[transport.Origin, entry](size)
	return &Cache{lru: l, ttl: ttl, now: time.Now}
}

// Get returns the cached protocol for origin, iff it has not expired.
// An expired entry is evicted and reported as a miss.
func (c *Cache) Get(origin transport.Origin) (Protocol, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(origin)
	if !ok {
		return Unknown, false
	}
	if c.now().After(e.expiresAt) {
		c.lru.Remove(origin)
		return Unknown, false
	}
	return e.protocol, true
}

// Set records protocol as the negotiated ALPN result for origin, valid
// for the cache's TTL from now.
func (c *Cache) Set(origin transport.Origin, protocol Protocol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(origin, entry{protocol: protocol, expiresAt: c.now().Add(c.ttl)})
}

// Purge clears every cached entry; called from Context.Reset.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
