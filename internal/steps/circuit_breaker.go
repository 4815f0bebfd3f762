package steps

import (
	"net/url"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/covecrm/crmflow/internal/core"
)

const breakerFailureThreshold = 5
const breakerOpenDuration = time.Minute

// BreakerRegistry holds one circuit breaker per scheme+host, process-wide.
// Entries for hosts that have not been called in a while age out of the cache.
type BreakerRegistry struct {
	cache *ttlcache.Cache[string, *hostBreaker]
	clock core.Clock
}

func NewBreakerRegistry(clock core.Clock) *BreakerRegistry {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *hostBreaker](30 * time.Minute),
	)
	go cache.Start()
	return &BreakerRegistry{
		cache: cache,
		clock: clock,
	}
}

type hostBreaker struct {
	mu       sync.Mutex
	failures int
	openedAt time.Time
	probing  bool
}

func hostKey(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Scheme + "://" + u.Host
}

func (r *BreakerRegistry) breakerFor(endpoint string) *hostBreaker {
	key := hostKey(endpoint)
	item, _ := r.cache.GetOrSet(key, &hostBreaker{})
	return item.Value()
}

// Allow reports whether a call to the endpoint's host may proceed. While the
// breaker is open, calls are blocked for one minute from the trip; after the
// window exactly one half-open probe is let through until it reports back.
func (r *BreakerRegistry) Allow(endpoint string) bool {
	b := r.breakerFor(endpoint)
	now := r.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < breakerFailureThreshold {
		return true
	}
	if now.Sub(b.openedAt) < breakerOpenDuration {
		return false
	}
	if b.probing {
		return false
	}
	b.probing = true
	return true
}

// RecordSuccess closes the breaker for the endpoint's host.
func (r *BreakerRegistry) RecordSuccess(endpoint string) {
	b := r.breakerFor(endpoint)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.openedAt = time.Time{}
}

// RecordFailure counts a consecutive failure; the fifth trips the breaker
// open, and a failed half-open probe re-opens it for another window.
func (r *BreakerRegistry) RecordFailure(endpoint string) {
	b := r.breakerFor(endpoint)
	now := r.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.probing {
		b.probing = false
		b.openedAt = now
		return
	}
	b.failures++
	if b.failures == breakerFailureThreshold {
		b.openedAt = now
	}
}
