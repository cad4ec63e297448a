package mtasts

import (
	"context"
	"sync"
	"time"
)

// entry is one domain's cached policy.
type entry struct {
	policy *Policy
	expiry time.Time
}

// Fetcher matches Fetch's signature, overridable in tests.
type Fetcher func(ctx context.Context, domain string) (*Policy, error)

// PolicyCache caches MTA-STS policies per domain until their declared
// max-age, with single-flight semantics on refresh: concurrent callers
// for the same domain share one in-flight fetch, and a refresh in flight
// blocks other refreshes for the same key but not reads of the current
// value.
type PolicyCache struct {
	Fetch Fetcher

	mu      sync.Mutex
	entries map[string]entry
	flights map[string]*flight
}

type flight struct {
	done   chan struct{}
	policy *Policy
	err    error
}

// NewPolicyCache returns an empty PolicyCache using Fetch as its
// fetcher.
func NewPolicyCache() *PolicyCache {
	return &PolicyCache{
		Fetch:   Fetch,
		entries: make(map[string]entry),
		flights: make(map[string]*flight),
	}
}

// Get returns the cached policy for domain, fetching (and validating) it
// if absent or expired.
func (c *PolicyCache) Get(ctx context.Context, domain string) (*Policy, error) {
	c.mu.Lock()
	if e, ok := c.entries[domain]; ok && time.Now().Before(e.expiry) {
		c.mu.Unlock()
		return e.policy, nil
	}

	if f, ok := c.flights[domain]; ok {
		c.mu.Unlock()
		<-f.done
		return f.policy, f.err
	}

	f := &flight{done: make(chan struct{})}
	c.flights[domain] = f
	c.mu.Unlock()

	policy, err := c.Fetch(ctx, domain)

	c.mu.Lock()
	delete(c.flights, domain)
	if err == nil {
		c.entries[domain] = entry{policy: policy, expiry: time.Now().Add(policy.MaxAge)}
	}
	c.mu.Unlock()

	f.policy, f.err = policy, err
	close(f.done)
	return policy, err
}

// Invalidate drops the cached entry for domain, if any.
func (c *PolicyCache) Invalidate(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, domain)
}
