package snapstore

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ethdata/snapstore/snapjar"
)

// jarEvictor is the optional, disabled-by-default bounded jar cache
// (Options.MaxCachedJars, spec.md §5/§9 Q3). It tracks cacheKey
// recency with an LRU and closes the least recently touched jar once
// the cache grows past its limit, unless that jar still has
// outstanding references, in which case eviction is refused and the
// jar is kept alive until its next touch.
type jarEvictor struct {
	p     *SnapshotProvider
	cache *lru.Cache

	mu      sync.Mutex
	pending []cacheKey
}

func newJarEvictor(p *SnapshotProvider, size int) (*jarEvictor, error) {
	e := &jarEvictor{p: p}
	cache, err := lru.NewWithEvict(size, e.onEvicted)
	if err != nil {
		return nil, err
	}
	e.cache = cache
	return e, nil
}

// touch records key as most-recently-used. lru.Cache.Add invokes
// onEvicted synchronously while holding its own lock, so a jar that
// can't be evicted is queued in pending rather than re-added
// immediately, and replayed here once that lock is released.
func (e *jarEvictor) touch(key cacheKey) {
	e.cache.Add(key, struct{}{})

	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, k := range pending {
		e.cache.Add(k, struct{}{})
	}
}

func (e *jarEvictor) onEvicted(key, _ interface{}) {
	ck := key.(cacheKey)
	v, ok := e.p.jars.Load(ck)
	if !ok {
		return
	}
	loaded := v.(*snapjar.LoadedJar)
	if loaded.RefCount() > 0 {
		e.mu.Lock()
		e.pending = append(e.pending, ck)
		e.mu.Unlock()
		return
	}
	e.p.jars.Delete(ck)
	loaded.Close()
}
