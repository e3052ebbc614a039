package dnscache

import (
	"context"
	"net/netip"
)

const (
	// DefaultCapacity is the number of hostnames kept by a cache constructed
	// without an explicit capacity.
	DefaultCapacity = 65536

	// DefaultWorkers is the size of the worker pool populating the cache.
	DefaultWorkers = 4
)

// LookupFunc resolves host into an ordered list of addresses. It may block
// for as long as the underlying resolver does.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Pool runs submitted jobs on some background worker. Submit must not
// wait for the job to finish.
type Pool interface {
	Submit(job func())
}

type Config struct {
	// Capacity is the maximum number of cached hostnames. Zero means
	// DefaultCapacity.
	Capacity int

	// Workers is the size of the pool created when Pool is nil. Zero means
	// DefaultWorkers.
	Workers int

	// Lookup is the resolver consulted on cache misses. The system resolver
	// is used if it is nil.
	Lookup LookupFunc

	// Pool executes cache insertions. If nil, CachedDNS starts its own pool
	// and stops it on Close.
	Pool Pool
}

func (cfg *Config) populateDefaults() {
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}
}
