package device

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Discovery is a cached interface listing of one device
type Discovery struct {
	Host       string
	Interfaces []Interface
	At         time.Time
}

// DiscoveryCache remembers the last interface listing per cell so a report
// can still name interfaces when the router stops answering. Entries expire
// after the TTL and are dropped when the cell's management host changes.
// Cached data is never used to decide allocations.
type DiscoveryCache struct {
	lru *expirable.LRU[string, Discovery]
}

// NewDiscoveryCache creates a cache holding at most size cells
func NewDiscoveryCache(size int, ttl time.Duration) *DiscoveryCache {
	if size <= 0 {
		size = 256
	}
	return &DiscoveryCache{lru: expirable.NewLRU[string, Discovery](size, nil, ttl)}
}

// Get returns the cached listing for cellID if it was taken from host
func (c *DiscoveryCache) Get(cellID, host string) (Discovery, bool) {
	d, ok := c.lru.Get(cellID)
	if !ok {
		return Discovery{}, false
	}
	if d.Host != host {
		c.lru.Remove(cellID)
		return Discovery{}, false
	}
	return d, true
}

// Put stores a fresh listing
func (c *DiscoveryCache) Put(cellID, host string, ifaces []Interface, at time.Time) {
	c.lru.Add(cellID, Discovery{Host: host, Interfaces: ifaces, At: at})
}

// Invalidate drops the entry of one cell
func (c *DiscoveryCache) Invalidate(cellID string) {
	c.lru.Remove(cellID)
}

// Len returns the number of cached cells
func (c *DiscoveryCache) Len() int {
	return c.lru.Len()
}
