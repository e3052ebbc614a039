// Package dnscache implements a bounded LRU cache in front of a blocking
// hostname resolver. Lookups that miss the cache are answered straight from
// the resolver while a background worker stores the result for next time.
package dnscache

import (
	"context"
	"io"
	"net/netip"
	"slices"
	"sync"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"

	"github.com/Snawoot/hostrelay/pool"
	"github.com/Snawoot/hostrelay/resolver"
)

// ErrInvalidCapacity is returned for a non-positive explicit capacity.
const ErrInvalidCapacity errors.Error = "cache capacity must be positive"

// Stats is a snapshot of cache counters.
type Stats struct {
	Matched  uint64
	Missed   uint64
	Len      int
	Capacity int
}

// cacheState is the only mutable state of CachedDNS. The cache and both
// counters are touched with mux held and only for in-memory work. Pending
// insert jobs hold their own reference to it.
type cacheState struct {
	mux            sync.Mutex
	cache          *boundedCache
	totallyMatched uint64
	totallyMissed  uint64
}

// lookup consults the cache and accounts the result.
func (s *cacheState) lookup(host string) (addrs []netip.Addr, ok bool) {
	s.mux.Lock()
	addrs, ok = s.cache.get(host)
	if ok {
		s.totallyMatched++
	} else {
		s.totallyMissed++
	}
	matched, missed := s.totallyMatched, s.totallyMissed
	s.mux.Unlock()

	if ok {
		log.Debug("dnscache: matched %s", host)
	} else {
		log.Debug("dnscache: missed %s", host)
	}
	log.Debug("dnscache: matched: %d, missed: %d", matched, missed)

	return addrs, ok
}

func (s *cacheState) insert(host string, addrs []netip.Addr) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.cache.insert(host, addrs)
}

func (s *cacheState) stats() Stats {
	s.mux.Lock()
	defer s.mux.Unlock()
	return Stats{
		Matched:  s.totallyMatched,
		Missed:   s.totallyMissed,
		Len:      s.cache.len(),
		Capacity: s.cache.capacity,
	}
}

// CachedDNS resolves hostnames through an LRU cache. It is safe for
// concurrent use.
type CachedDNS struct {
	state   *cacheState
	lookup  LookupFunc
	pool    Pool
	ownPool *pool.WorkerPool
}

// type check
var _ io.Closer = (*CachedDNS)(nil)

// New creates a CachedDNS. A nil cfg or zero Capacity yields a cache of
// DefaultCapacity entries.
func New(cfg *Config) (*CachedDNS, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.populateDefaults()
	if cfg.Capacity < 0 {
		return nil, ErrInvalidCapacity
	}

	c := &CachedDNS{
		state: &cacheState{
			cache: newBoundedCache(cfg.Capacity),
		},
		lookup: cfg.Lookup,
		pool:   cfg.Pool,
	}
	if c.lookup == nil {
		c.lookup = resolver.System(nil)
	}
	if c.pool == nil {
		c.ownPool = pool.New(cfg.Workers)
		c.pool = c.ownPool
	}

	return c, nil
}

// WithCapacity creates a CachedDNS holding at most capacity hostnames.
// cfg.Capacity is ignored.
func WithCapacity(capacity int, cfg *Config) (*CachedDNS, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}

	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.Capacity = capacity

	return New(&c)
}

// Resolve returns addresses of host. Cached lists are returned as is;
// otherwise the resolver is asked and its answer is returned without waiting
// for it to be cached. ok is false if resolution failed; failures are logged
// and never cached.
func (c *CachedDNS) Resolve(ctx context.Context, host string) (addrs []netip.Addr, ok bool) {
	if addrs, ok = c.state.lookup(host); ok {
		return addrs, true
	}

	addrs, err := c.lookup(ctx, host)
	if err == nil && len(addrs) == 0 {
		err = resolver.ErrNoAddresses
	}
	if err != nil {
		log.Error("dnscache: failed to resolve %s: %s", host, err)
		return nil, false
	}

	st, cached := c.state, slices.Clone(addrs)
	c.pool.Submit(func() {
		st.insert(host, cached)
	})

	return addrs, true
}

// Stats returns current counters and cache occupancy.
func (c *CachedDNS) Stats() Stats {
	return c.state.stats()
}

// Close stops the pool created by New once queued insertions are done. A
// pool supplied via Config is not touched.
func (c *CachedDNS) Close() error {
	if c.ownPool != nil {
		c.ownPool.Close()
	}
	return nil
}
