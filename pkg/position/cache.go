package position

// Cache holds the latest estimate per tag for a single compute cycle.
// It is owned by one stream and is not safe for concurrent use.
type Cache struct {
	entries map[int64]Estimate
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[int64]Estimate)}
}

// Put stores the estimate for its tag, replacing any previous value.
func (c *Cache) Put(e Estimate) {
	c.entries[e.TagID] = e
}

// Get returns the estimate for a tag.
func (c *Cache) Get(tagID int64) (Estimate, bool) {
	e, ok := c.entries[tagID]
	return e, ok
}

// Len returns the number of tags in the cache.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Snapshot returns a copy of the cache contents keyed by tag id.
func (c *Cache) Snapshot() map[int64]Estimate {
	out := make(map[int64]Estimate, len(c.entries))
	for id, e := range c.entries {
		out[id] = e
	}
	return out
}

// Reset empties the cache for the next cycle.
func (c *Cache) Reset() {
	clear(c.entries)
}

// Counts returns how many cached estimates succeeded and failed.
func (c *Cache) Counts() (ok, failed int) {
	for _, e := range c.entries {
		if e.Status {
			ok++
		} else {
			failed++
		}
	}
	return ok, failed
}
