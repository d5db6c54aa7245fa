package decomp

import (
	"container/list"
	"sync"
)

// ValueType is anything cacheable by PageCache; Size reports the
// number of bytes it counts against capacity.
type ValueType interface {
	Size() uint64
}

// page is one fixed-size cached window of a scratch file.
type page struct {
	entryIndex int
	pageNum    int64
	data       []byte
}

func (p *page) Size() uint64 { return uint64(len(p.data)) }

type pageKey struct {
	entryIndex int
	pageNum    int64
}

// PageCache is a process-wide bounded LRU of fixed-size scratch-file
// windows, shared by every Decoder (§4.5, §5 "Shared resources").
// Grounded on the shape of the teacher's internal lru cache (New,
// Insert, Erase, LookUp, CheckInvariants over a byte-size capacity),
// reimplemented here because that package is internal to the teacher
// module and not importable.
//
// mu guards ll/index/size only: distinct Decoders hold distinct
// entry-level locks and call into this cache concurrently, so its own
// membership updates need their own mutex (§5).
type PageCache struct {
	mu       sync.Mutex
	capacity uint64
	size     uint64
	ll       *list.List // front = most recently used
	index    map[pageKey]*list.Element
}

// NewPageCache creates a cache bounded at capacity bytes.
func NewPageCache(capacity uint64) *PageCache {
	return &PageCache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[pageKey]*list.Element),
	}
}

// LookUp returns the cached page for (entryIndex, pageNum), or nil.
func (c *PageCache) LookUp(entryIndex int, pageNum int64) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := pageKey{entryIndex, pageNum}
	el, ok := c.index[key]
	if !ok {
		return nil
	}
	c.ll.MoveToFront(el)
	return el.Value.(*page).data
}

// Insert adds or replaces a page, evicting least-recently-used pages
// until the cache is back under capacity.
func (c *PageCache) Insert(entryIndex int, pageNum int64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := pageKey{entryIndex, pageNum}
	if el, ok := c.index[key]; ok {
		c.size -= el.Value.(*page).Size()
		c.ll.Remove(el)
		delete(c.index, key)
	}

	p := &page{entryIndex: entryIndex, pageNum: pageNum, data: data}
	el := c.ll.PushFront(p)
	c.index[key] = el
	c.size += p.Size()

	for c.size > c.capacity && c.ll.Len() > 0 {
		back := c.ll.Back()
		if back == nil {
			break
		}
		bp := back.Value.(*page)
		c.ll.Remove(back)
		delete(c.index, pageKey{bp.entryIndex, bp.pageNum})
		c.size -= bp.Size()
	}
}

// EraseEntry drops every cached page belonging to entryIndex, used
// when a Decoder that reads through this cache is closed.
func (c *PageCache) EraseEntry(entryIndex int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.index {
		if key.entryIndex == entryIndex {
			c.ll.Remove(el)
			c.size -= el.Value.(*page).Size()
			delete(c.index, key)
		}
	}
}

// CheckInvariants verifies the cache's bookkeeping, for tests.
func (c *PageCache) CheckInvariants() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ll.Len() != len(c.index) {
		panic("decomp: page cache list/index length mismatch")
	}
	var total uint64
	for el := c.ll.Front(); el != nil; el = el.Next() {
		total += el.Value.(*page).Size()
	}
	if total != c.size {
		panic("decomp: page cache size accounting mismatch")
	}
}
