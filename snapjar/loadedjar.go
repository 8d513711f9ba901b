package snapjar

import "sync/atomic"

// LoadedJar is the cached, reference-counted handle a SnapshotProvider
// hands to readers. Construction can fail on a corrupt file (see Open);
// once constructed, the Jar underneath is immutable for readers, since
// files only ever become visible via an atomic writer commit.
type LoadedJar struct {
	jar  *Jar
	refs int32
}

// NewLoadedJar wraps an already-opened Jar for caching.
func NewLoadedJar(jar *Jar) *LoadedJar {
	return &LoadedJar{jar: jar}
}

// Jar returns the underlying jar.
func (l *LoadedJar) Jar() *Jar { return l.jar }

// Acquire increments the reference count; callers must pair every
// Acquire with a Release. A cache eviction policy must never evict an
// entry while its reference count is above zero (invariant 3 in the
// data model).
func (l *LoadedJar) Acquire() {
	atomic.AddInt32(&l.refs, 1)
}

// Release decrements the reference count.
func (l *LoadedJar) Release() {
	atomic.AddInt32(&l.refs, -1)
}

// RefCount reports the current number of live references, for eviction
// policies to consult.
func (l *LoadedJar) RefCount() int32 {
	return atomic.LoadInt32(&l.refs)
}

// Close closes the underlying jar. Callers (i.e. the cache eviction
// policy) must ensure RefCount() == 0 first.
func (l *LoadedJar) Close() error {
	return l.jar.Close()
}
