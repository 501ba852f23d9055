package memory

import (
	"container/list"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"conductor/internal/logging"
)

// =============================================================================
// L1: IN-MEMORY LRU
// =============================================================================

// l1Cache is a bounded in-memory LRU keyed by (domain, key), holding
// decrypted content. Only PUBLIC and INTERNAL plaintext lives here; the
// engine decides what is cacheable.
type l1Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // Front = most recent
	items    map[string]*list.Element

	hits   uint64
	misses uint64
}

type l1Entry struct {
	key     string
	content []byte
}

func newL1Cache(capacity int) *l1Cache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &l1Cache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *l1Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(elem)
	c.hits++
	return elem.Value.(*l1Entry).content, true
}

func (c *l1Cache) Put(key string, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*l1Entry).content = content
		c.order.MoveToFront(elem)
		return
	}
	c.items[key] = c.order.PushFront(&l1Entry{key: key, content: content})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*l1Entry).key)
	}
}

func (c *l1Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.order.Remove(elem)
		delete(c.items, key)
	}
}

// HitRatio returns hits/(hits+misses), or 0 before any lookup.
func (c *l1Cache) HitRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// =============================================================================
// L2: ON-DISK LRU
// =============================================================================

// l2Cache is a bounded on-disk LRU under <store>/cache/. Entries are the
// at-rest record form (still encrypted for INTERNAL and SECRET), named by
// sha256(domain|key) so key names never touch the filesystem.
type l2Cache struct {
	mu       sync.Mutex
	dir      string
	capacity int
	access   map[string]time.Time // Hashed name -> last access

	hits   uint64
	misses uint64
}

func newL2Cache(dir string, capacity int) (*l2Cache, error) {
	if capacity <= 0 {
		capacity = 10000
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	c := &l2Cache{dir: dir, capacity: capacity, access: make(map[string]time.Time)}

	// Rehydrate the access index from what survived the last run.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		c.access[e.Name()] = info.ModTime()
	}
	return c, nil
}

func (c *l2Cache) Get(hashed string, v interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(c.dir, hashed))
	if err != nil {
		c.misses++
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		// A torn cache entry is disposable; the backing store is truth.
		os.Remove(filepath.Join(c.dir, hashed))
		delete(c.access, hashed)
		c.misses++
		return false
	}
	c.access[hashed] = time.Now()
	c.hits++
	return true
}

func (c *l2Cache) Put(hashed string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.WriteFile(filepath.Join(c.dir, hashed), data, 0600); err != nil {
		logging.Get(logging.CategoryMemory).Warn("L2 cache write failed: %v", err)
		return
	}
	c.access[hashed] = time.Now()
	c.evictLocked()
}

func (c *l2Cache) Remove(hashed string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	os.Remove(filepath.Join(c.dir, hashed))
	delete(c.access, hashed)
}

// evictLocked removes oldest entries until the cache fits its capacity.
func (c *l2Cache) evictLocked() {
	if len(c.access) <= c.capacity {
		return
	}
	type aged struct {
		name string
		at   time.Time
	}
	all := make([]aged, 0, len(c.access))
	for name, at := range c.access {
		all = append(all, aged{name, at})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for _, victim := range all[:len(all)-c.capacity] {
		os.Remove(filepath.Join(c.dir, victim.name))
		delete(c.access, victim.name)
	}
}

// HitRatio returns hits/(hits+misses), or 0 before any lookup.
func (c *l2Cache) HitRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}
