package repo

import (
	"container/list"
	"sync"
	"time"

	"github.com/openfhir/fhirstore/internal/platform/fhir"
)

// Cache is an in-memory LRU for read results keyed by (type, id). It owns no
// canonical state: any entry may be evicted at any time, and the write path
// invalidates the key before its transaction commits so readers never observe
// a value from a rolled-back write.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	entries map[string]*list.Element
	order   *list.List
}

type cacheEntry struct {
	key      string
	resource fhir.Resource
	expires  time.Time
}

// NewCache creates a Cache holding at most maxSize entries. A zero ttl means
// entries never expire by age.
func NewCache(maxSize int, ttl time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Cache{
		maxSize: maxSize,
		ttl:     ttl,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func cacheKey(resourceType, id string) string {
	return resourceType + "/" + id
}

// Get returns a copy of the cached resource, if present and fresh.
func (c *Cache) Get(resourceType, id string) (fhir.Resource, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[cacheKey(resourceType, id)]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.ttl > 0 && time.Now().After(entry.expires) {
		c.removeLocked(elem)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return entry.resource.DeepCopy(), true
}

// Set stores a copy of the resource, evicting the least recently used entry
// when full.
func (c *Cache) Set(resourceType, id string, resource fhir.Resource) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(resourceType, id)
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.resource = resource.DeepCopy()
		entry.expires = time.Now().Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}
	for len(c.entries) >= c.maxSize {
		c.removeLocked(c.order.Back())
	}
	elem := c.order.PushFront(&cacheEntry{
		key:      key,
		resource: resource.DeepCopy(),
		expires:  time.Now().Add(c.ttl),
	})
	c.entries[key] = elem
}

// Invalidate drops the entry for (type, id).
func (c *Cache) Invalidate(resourceType, id string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[cacheKey(resourceType, id)]; ok {
		c.removeLocked(elem)
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	entry := elem.Value.(*cacheEntry)
	delete(c.entries, entry.key)
	c.order.Remove(elem)
}
