package projection

import (
	"container/list"
	"sync"
)

// CacheStats describes the compiled-program cache of a Compiler.
type CacheStats struct {
	Entries   int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// programCache keeps the most recently compiled programs, keyed by their
// normalized expression. The list front is the most recently used program.
type programCache struct {
	mu       sync.Mutex
	capacity int
	recent   *list.List
	byExpr   map[string]*list.Element

	hits, misses, evictions uint64
}

func newProgramCache(capacity int) *programCache {
	return &programCache{
		capacity: capacity,
		recent:   list.New(),
		byExpr:   make(map[string]*list.Element, capacity),
	}
}

func (c *programCache) lookup(expression string) (*Program, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.byExpr[expression]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.recent.MoveToFront(el)
	return el.Value.(*Program), true
}

// store adds p, or returns the program already cached for the same
// expression when a concurrent Compile got there first.
func (c *programCache) store(p *Program) *Program {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.byExpr[p.expression]; ok {
		c.recent.MoveToFront(el)
		return el.Value.(*Program)
	}

	c.byExpr[p.expression] = c.recent.PushFront(p)
	for c.recent.Len() > c.capacity {
		oldest := c.recent.Remove(c.recent.Back()).(*Program)
		delete(c.byExpr, oldest.expression)
		c.evictions++
	}
	return p
}

func (c *programCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recent.Init()
	clear(c.byExpr)
}

func (c *programCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Entries:   c.recent.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
