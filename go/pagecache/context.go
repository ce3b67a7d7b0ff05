package pagecache

import "sync/atomic"

// VersionContext carries the read-consistency barrier of a cursor context.
// InitWrite latches the transaction id on whose behalf pages will be written;
// the cache stamps that id onto each page written under the context. Reads do
// not consult the stamp.
type VersionContext struct {
	writeTxID atomic.Uint64
}

// InitWrite latches the write barrier. Must be called before any flush work
// observes the owning context.
func (v *VersionContext) InitWrite(txID uint64) { v.writeTxID.Store(txID) }

// WriteTxID returns the latched barrier, zero if never initialised.
func (v *VersionContext) WriteTxID() uint64 { return v.writeTxID.Load() }

// CursorContext scopes a batch of page accesses under a diagnostic tag.
type CursorContext struct {
	tag     string
	version VersionContext
}

// Tag returns the diagnostic tag the context was created with.
func (c *CursorContext) Tag() string { return c.tag }

// VersionContext returns the context's write barrier.
func (c *CursorContext) VersionContext() *VersionContext { return &c.version }

// Close releases the context. Contexts are cheap value holders; Close exists
// so holders can pair every Create with a release on all exit paths.
func (c *CursorContext) Close() {}

// ContextFactory mints tagged cursor contexts.
type ContextFactory struct{}

func NewContextFactory() *ContextFactory { return &ContextFactory{} }

func (f *ContextFactory) Create(tag string) *CursorContext {
	return &CursorContext{tag: tag}
}
