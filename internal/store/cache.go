package store

import (
	"github.com/starford/kalendae/internal/metrics"
	"github.com/starford/kalendae/internal/models"
)

// masterCache is the per-unit-of-work read cache in front of master
// lookups. It is owned by exactly one Tx, starts empty, is updated on every
// master write and is dropped when the Tx ends.
type masterCache struct {
	entries map[string]*models.Master
	hits    int
	misses  int
}

func newMasterCache() *masterCache {
	return &masterCache{entries: make(map[string]*models.Master)}
}

func (c *masterCache) get(id string) (*models.Master, bool) {
	m, ok := c.entries[id]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return m.Clone(), true
}

func (c *masterCache) put(m *models.Master) {
	c.entries[m.ID] = m.Clone()
}

func (c *masterCache) invalidate(id string) {
	delete(c.entries, id)
}

func (c *masterCache) flush() {
	metrics.RecordCacheLookups(c.hits, c.misses)
	c.entries = make(map[string]*models.Master)
	c.hits, c.misses = 0, 0
}
