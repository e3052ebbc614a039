package dnscache

import (
	"net/netip"
	"slices"

	"github.com/bluele/gcache"
)

// boundedCache is a fixed capacity LRU map from hostname to the address list
// the resolver returned for it. Exclusive access is provided by the owner:
// every call has to be made with cacheState.mux held.
type boundedCache struct {
	lru      gcache.Cache
	capacity int
}

func newBoundedCache(capacity int) *boundedCache {
	return &boundedCache{
		lru:      gcache.New(capacity).LRU().Build(),
		capacity: capacity,
	}
}

// get returns a copy of the list stored for host and marks it as most
// recently used.
func (c *boundedCache) get(host string) ([]netip.Addr, bool) {
	v, err := c.lru.Get(host)
	if err != nil {
		return nil, false
	}
	addrs, ok := v.([]netip.Addr)
	if !ok {
		// Unreachable.
		return nil, false
	}
	return slices.Clone(addrs), true
}

// insert stores addrs for host, taking ownership of the slice. The least
// recently used entry is evicted first if host is new and the cache is full.
func (c *boundedCache) insert(host string, addrs []netip.Addr) {
	// gcache only fails Set when a serialize func is configured.
	_ = c.lru.Set(host, addrs)
}

// has reports presence of host without touching its recency.
func (c *boundedCache) has(host string) bool {
	return c.lru.Has(host)
}

func (c *boundedCache) len() int {
	return c.lru.Len(false)
}

func (c *boundedCache) keys() []string {
	raw := c.lru.Keys(false)
	res := make([]string, 0, len(raw))
	for _, k := range raw {
		if s, ok := k.(string); ok {
			res = append(res, s)
		}
	}
	return res
}
