package health

import (
	"context"
	"sync"
	"time"

	"github.com/jordanhubbard/keymux/internal/events"
)

// Status is the coarse health of a provider endpoint.
type Status string

const (
	StatusHealthy  Status = "healthy"  // 2xx from the provider
	StatusDegraded Status = "degraded" // 4xx other than auth failures
	StatusDown     Status = "down"     // timeout, network error, or 5xx
)

// DefaultTTL bounds how often a provider is actually probed.
const DefaultTTL = 60 * time.Second

// ProbeFunc performs one live health check against a provider.
type ProbeFunc func(ctx context.Context) Status

type cachedStatus struct {
	status    Status
	expiresAt time.Time
}

// Cache memoizes provider health probes with a TTL so that routing
// decisions do not hammer provider health endpoints. State changes are
// published as health_change events.
type Cache struct {
	ttl time.Duration
	bus *events.Bus

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time

	mu      sync.Mutex
	entries map[string]cachedStatus
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTL overrides the default probe TTL.
func WithTTL(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithEventBus publishes health_change events when a provider's cached
// status changes.
func WithEventBus(bus *events.Bus) CacheOption {
	return func(c *Cache) { c.bus = bus }
}

// WithNowFunc overrides the clock; test hook.
func WithNowFunc(fn func() time.Time) CacheOption {
	return func(c *Cache) { c.nowFunc = fn }
}

// NewCache creates a health cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		ttl:     DefaultTTL,
		nowFunc: time.Now,
		entries: make(map[string]cachedStatus),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached status for providerID, invoking probe only
// when the cached entry is missing or expired.
func (c *Cache) Get(ctx context.Context, providerID string, probe ProbeFunc) Status {
	c.mu.Lock()
	now := c.nowFunc()
	if e, ok := c.entries[providerID]; ok && now.Before(e.expiresAt) {
		c.mu.Unlock()
		return e.status
	}
	prev, hadPrev := c.entries[providerID]
	c.mu.Unlock()

	// Probe outside the lock; probes do network I/O.
	status := probe(ctx)

	c.mu.Lock()
	c.entries[providerID] = cachedStatus{status: status, expiresAt: c.nowFunc().Add(c.ttl)}
	c.mu.Unlock()

	if c.bus != nil && (!hadPrev || prev.status != status) {
		old := ""
		if hadPrev {
			old = string(prev.status)
		}
		c.bus.Publish(events.Event{
			Type:       events.EventHealthChange,
			ProviderID: providerID,
			OldState:   old,
			NewState:   string(status),
		})
	}
	return status
}

// Invalidate drops the cached entry for a provider so the next Get
// probes live.
func (c *Cache) Invalidate(providerID string) {
	c.mu.Lock()
	delete(c.entries, providerID)
	c.mu.Unlock()
}
