package snapstore

import "github.com/ethdata/snapstore/snaptype"

// Options configures a SnapshotProvider. Path is the only required
// field; the rest default sensibly for production use.
type Options struct {
	// Path is the directory all snapshot files of all segments live in.
	Path string

	// LoadFilters controls whether opening a jar also loads its
	// persisted hash filter into memory, enabling by_hash queries to
	// skip straight past jars that can't contain the hash. When false,
	// by_hash queries still work, by linearly scanning each jar's hash
	// column (see scenario S5).
	LoadFilters bool

	// BlocksPerSnapshot is the fixed block width of one on-disk file,
	// except possibly the newest file of a segment. Defaults to
	// snaptype.BlocksPerSnapshot.
	BlocksPerSnapshot uint64

	// MaxCachedJars bounds the number of LoadedJars kept open at once
	// using an LRU policy that never evicts a jar with outstanding
	// references (invariant 3). Zero (the default) disables eviction:
	// jars stay cached for the provider's lifetime, as in the base
	// design.
	MaxCachedJars int
}

func (o Options) blocksPerSnapshot() uint64 {
	if o.BlocksPerSnapshot == 0 {
		return snaptype.BlocksPerSnapshot
	}
	return o.BlocksPerSnapshot
}
