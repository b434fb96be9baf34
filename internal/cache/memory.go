package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

type entry struct {
	key  Identity
	resp *Response
	// pinned entries were written by PutAll and are never evicted.
	pinned bool
	prev   *entry
	next   *entry
}

// lruCache is one named cache in a MemoryStorage. Insertion order is kept
// as a doubly linked list so the least recently used unpinned entry is
// evicted once maxEntries is exceeded. Pinned entries do not count against
// maxEntries.
type lruCache struct {
	name       string
	mu         sync.Mutex
	items      map[Identity]*entry
	head       *entry
	tail       *entry
	pinned     int
	maxEntries int
}

func newLRUCache(name string, maxEntries int) *lruCache {
	return &lruCache{
		name:       name,
		items:      make(map[Identity]*entry),
		maxEntries: maxEntries,
	}
}

func (c *lruCache) Name() string {
	return c.name
}

func (c *lruCache) Match(ctx context.Context, id Identity) (*Response, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[id]
	if !ok {
		return nil, false, nil
	}
	c.moveToFront(e)
	return e.resp.Clone(), true, nil
}

func (c *lruCache) Put(ctx context.Context, id Identity, resp *Response) error {
	if err := ValidatePut(id, resp); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(id, resp, false)
	return nil
}

func (c *lruCache) PutAll(ctx context.Context, entries []Entry) error {
	for _, en := range entries {
		if err := ValidatePut(en.ID, en.Response); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, en := range entries {
		c.set(en.ID, en.Response, true)
	}
	return nil
}

func (c *lruCache) Keys(ctx context.Context) ([]Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]Identity, 0, len(c.items))
	for e := c.tail; e != nil; e = e.prev {
		keys = append(keys, e.key)
	}
	return keys, nil
}

func (c *lruCache) set(id Identity, resp *Response, pin bool) {
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}

	if e, ok := c.items[id]; ok {
		e.resp = stored
		if pin && !e.pinned {
			e.pinned = true
			c.pinned++
		}
		c.moveToFront(e)
		return
	}

	e := &entry{key: id, resp: stored, pinned: pin}
	c.items[id] = e
	c.addToFront(e)
	if pin {
		c.pinned++
		return
	}

	if c.maxEntries > 0 && len(c.items)-c.pinned > c.maxEntries {
		c.evictOldest()
	}
}

func (c *lruCache) addToFront(e *entry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache) moveToFront(e *entry) {
	if c.head == e {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *lruCache) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *lruCache) evictOldest() {
	for e := c.tail; e != nil; e = e.prev {
		if e.pinned {
			continue
		}
		c.remove(e)
		delete(c.items, e.key)
		return
	}
}

// MemoryStorage keeps named caches in process memory. Contents are lost
// when the process exits.
type MemoryStorage struct {
	mu         sync.Mutex
	caches     map[string]*lruCache
	maxEntries int
}

func NewMemoryStorage(maxEntries int) *MemoryStorage {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &MemoryStorage{
		caches:     make(map[string]*lruCache),
		maxEntries: maxEntries,
	}
}

func (s *MemoryStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.caches[name]
	if !ok {
		c = newLRUCache(name, s.maxEntries)
		s.caches[name] = c
	}
	return c, nil
}

func (s *MemoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.caches[name]
	return ok, nil
}

func (s *MemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caches[name]; !ok {
		return false, nil
	}
	delete(s.caches, name)
	return true, nil
}

func (s *MemoryStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}
