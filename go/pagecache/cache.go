// Package pagecache is the dirty-buffer pool of the storage engine: pages are
// mutated in memory and written back to the page store by flush-and-force,
// paced by an I/O controller.
package pagecache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/quarrydb/quarry/go/tracing"
)

// PageID addresses a fixed-size page within the page store file.
type PageID uint64

// StoreFileName is the page store within a database directory.
const StoreFileName = "pages.store"

// Cache is an in-memory page cache over a single page store file. Dirty
// pages accumulate in a table keyed by PageID; clean pages are retained in an
// LRU pool sized to the cache capacity.
type Cache struct {
	store      *os.File
	pageSize   int
	totalPages int64
	io         IOController

	mu    sync.Mutex
	dirty map[PageID]*page
	clean *lru.Cache[PageID, []byte]
}

type page struct {
	data []byte
	// Transaction id stamped by the writing context's version barrier.
	writeTxID uint64
}

// New opens (creating if absent) the page store in dir. totalPages is the
// cache capacity, reported against pages flushed for the flush ratio. Flush
// writes are paced by io.
func New(dir string, pageSize int, totalPages int, io IOController) (*Cache, error) {
	var path = filepath.Join(dir, StoreFileName)
	var store, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening page store %q: %w", path, err)
	}
	clean, err := lru.New[PageID, []byte](totalPages)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &Cache{
		store:      store,
		pageSize:   pageSize,
		totalPages: int64(totalPages),
		io:         io,
		dirty:      make(map[PageID]*page),
		clean:      clean,
	}, nil
}

// WritePage replaces the contents of the given page, marking it dirty. The
// page is stamped with the context's write barrier.
func (c *Cache) WritePage(id PageID, data []byte, cc *CursorContext) error {
	if len(data) != c.pageSize {
		return fmt.Errorf("page %d: got %d bytes, page size is %d", id, len(data), c.pageSize)
	}
	var copied = make([]byte, len(data))
	copy(copied, data)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty[id] = &page{data: copied, writeTxID: cc.VersionContext().WriteTxID()}
	c.clean.Remove(id)
	return nil
}

// ReadPage returns the current contents of the given page, faulting it from
// the page store if it is cached neither dirty nor clean.
func (c *Cache) ReadPage(id PageID, cc *CursorContext) ([]byte, error) {
	c.mu.Lock()
	if p, ok := c.dirty[id]; ok {
		c.mu.Unlock()
		return p.data, nil
	}
	if data, ok := c.clean.Get(id); ok {
		c.mu.Unlock()
		return data, nil
	}
	c.mu.Unlock()

	var data = make([]byte, c.pageSize)
	if _, err := c.store.ReadAt(data, int64(id)*int64(c.pageSize)); err != nil {
		return nil, fmt.Errorf("faulting page %d: %w", id, err)
	}
	c.mu.Lock()
	c.clean.Add(id, data)
	c.mu.Unlock()
	return data, nil
}

// DirtyPages returns the number of pages awaiting flush.
func (c *Cache) DirtyPages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dirty)
}

// FlushAndForce writes every dirty page to the page store and fsyncs it.
// Writes are paced by the cache's I/O controller; pages flushed, I/Os, and
// pauses are recorded into the flush event. New writes may land while a
// flush runs; they are picked up by the next flush.
func (c *Cache) FlushAndForce(event tracing.FlushEvent, cc *CursorContext) error {
	event.SetPagesTotal(c.totalPages)

	c.mu.Lock()
	var snapshot = make(map[PageID]*page, len(c.dirty))
	for id, p := range c.dirty {
		snapshot[id] = p
	}
	c.mu.Unlock()

	var ids = make([]PageID, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if paused := c.io.Pace(); paused > 0 {
			event.AddPause(paused)
		}
		var p = snapshot[id]
		if _, err := c.store.WriteAt(p.data, int64(id)*int64(c.pageSize)); err != nil {
			return fmt.Errorf("flushing page %d: %w", id, err)
		}
		event.AddPagesFlushed(1)
		event.AddIOs(1)
	}

	if err := c.store.Sync(); err != nil {
		return fmt.Errorf("forcing page store: %w", err)
	}
	event.AddIOs(1)

	// Retire flushed pages to the clean pool, unless re-dirtied meanwhile.
	c.mu.Lock()
	for _, id := range ids {
		if c.dirty[id] == snapshot[id] {
			c.clean.Add(id, snapshot[id].data)
			delete(c.dirty, id)
		}
	}
	c.mu.Unlock()
	return nil
}

// Close closes the page store without flushing.
func (c *Cache) Close() error { return c.store.Close() }
