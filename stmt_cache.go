package norm

import (
	"container/list"
	"database/sql"
	"sync"
	"sync/atomic"
)

// StmtCache is a thread-safe LRU cache for prepared statements. Attach one
// to a model with WithStmtCache to reuse prepared statements across query
// executions instead of re-preparing on every call.
type StmtCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*stmtCacheEntry
	lruList  *list.List
}

// stmtCacheEntry tracks a cached statement with its reference count so an
// evicted statement is only closed once its last user releases it.
type stmtCacheEntry struct {
	stmt     *sql.Stmt
	element  *list.Element
	refCount int32
	evicted  bool
	query    string
}

// NewStmtCache creates a statement cache with the given capacity. A
// capacity of zero or less defaults to 100.
func NewStmtCache(capacity int) *StmtCache {
	if capacity <= 0 {
		capacity = 100
	}
	return &StmtCache{
		capacity: capacity,
		items:    make(map[string]*stmtCacheEntry),
		lruList:  list.New(),
	}
}

// Get retrieves a cached statement for the query. The caller must invoke
// the returned release function when done with the statement. Returns
// nil, nil on a miss.
func (c *StmtCache) Get(query string) (*sql.Stmt, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.items[query]; exists {
		c.lruList.MoveToFront(entry.element)
		atomic.AddInt32(&entry.refCount, 1)
		return entry.stmt, func() {
			c.release(entry)
		}
	}

	return nil, nil
}

// Put stores a prepared statement, evicting the least recently used entry
// when at capacity. An existing entry for the same query is evicted first;
// updating it in place is unsafe while another caller holds it.
func (c *StmtCache) Put(query string, stmt *sql.Stmt) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.putLocked(query, stmt)
}

func (c *StmtCache) putLocked(query string, stmt *sql.Stmt) *stmtCacheEntry {
	if entry, exists := c.items[query]; exists {
		c.evictEntry(entry)
	}

	if len(c.items) >= c.capacity {
		c.evictLRU()
	}

	entry := &stmtCacheEntry{
		stmt:  stmt,
		query: query,
	}
	entry.element = c.lruList.PushFront(entry)
	c.items[query] = entry
	return entry
}

// PutAndGet atomically stores a statement and returns it with an
// incremented reference count, so the entry cannot be evicted between a
// separate Put and Get. The caller must invoke the release function.
func (c *StmtCache) PutAndGet(query string, stmt *sql.Stmt) (*sql.Stmt, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.putLocked(query, stmt)
	atomic.AddInt32(&entry.refCount, 1)
	return entry.stmt, func() {
		c.release(entry)
	}
}

func (c *StmtCache) evictLRU() {
	element := c.lruList.Back()
	if element == nil {
		return
	}
	c.evictEntry(element.Value.(*stmtCacheEntry))
}

// evictEntry removes the entry from the map and list. The statement is
// closed immediately only when nothing holds a reference; otherwise the
// last release closes it.
func (c *StmtCache) evictEntry(entry *stmtCacheEntry) {
	c.lruList.Remove(entry.element)
	delete(c.items, entry.query)
	entry.evicted = true

	if atomic.LoadInt32(&entry.refCount) == 0 && entry.stmt != nil {
		_ = entry.stmt.Close()
	}
}

// release decrements the reference count and closes the statement when it
// was evicted while in use.
func (c *StmtCache) release(entry *stmtCacheEntry) {
	newCount := atomic.AddInt32(&entry.refCount, -1)
	if newCount == 0 {
		c.mu.Lock()
		defer c.mu.Unlock()

		if entry.evicted && atomic.LoadInt32(&entry.refCount) == 0 && entry.stmt != nil {
			_ = entry.stmt.Close()
		}
	}
}

// Clear closes all unused cached statements and empties the cache.
// Statements still in use are closed by their release functions.
func (c *StmtCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.items {
		entry.evicted = true
		if atomic.LoadInt32(&entry.refCount) == 0 && entry.stmt != nil {
			_ = entry.stmt.Close()
		}
	}

	c.items = make(map[string]*stmtCacheEntry)
	c.lruList.Init()
}

// Close releases all cached statements.
func (c *StmtCache) Close() error {
	c.Clear()
	return nil
}

// Len returns the number of cached statements.
func (c *StmtCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
