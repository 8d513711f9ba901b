package snapjar

import (
	"os"

	"github.com/steakknife/bloomfilter"
)

// hash64 adapts a 32-byte hash into the hash.Hash64 shape that
// bloomfilter.Filter.Add/Contains expect; only Sum64 is meaningful here,
// the rest of hash.Hash is satisfied trivially since the bloom filter
// package never calls Write/Sum/Reset on the value it's handed.
type hash64 uint64

func (h hash64) Write(p []byte) (int, error) { return len(p), nil }
func (h hash64) Sum(b []byte) []byte         { return b }
func (h hash64) Reset()                      {}
func (h hash64) Size() int                   { return 8 }
func (h hash64) BlockSize() int              { return 8 }
func (h hash64) Sum64() uint64               { return uint64(h) }

func toHash64(key []byte) hash64 {
	var v uint64
	for i := 0; i < len(key); i++ {
		v = v*31 + uint64(key[i])
	}
	return hash64(v)
}

// falsePositiveRate bounds the bloom filter's false positive rate; a
// false positive only costs an extra, eventually-negative column read,
// never incorrect results.
const falsePositiveRate = 0.01

// filter is a jar's optional in-memory hash index, letting by_hash
// queries skip straight past jars that provably don't contain the hash
// instead of linearly scanning their transaction/header columns.
type filter struct {
	bf *bloomfilter.Filter
}

// newFilter allocates an empty filter sized for n expected keys.
func newFilter(n uint64) (*filter, error) {
	if n == 0 {
		n = 1
	}
	bf, err := bloomfilter.NewOptimal(n, falsePositiveRate)
	if err != nil {
		return nil, err
	}
	return &filter{bf: bf}, nil
}

// Add indexes a 32-byte hash key (block hash or tx hash).
func (f *filter) Add(key []byte) {
	f.bf.Add(toHash64(key))
}

// Contains reports whether key is possibly present. A false return is
// authoritative; a true return must still be confirmed against the
// underlying column.
func (f *filter) Contains(key []byte) bool {
	return f.bf.Contains(toHash64(key))
}

// writeTo persists the filter to path, overwriting any existing file.
func (f *filter) writeTo(path string) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = f.bf.WriteTo(out)
	return err
}

// loadFilter reads a previously persisted filter back from path.
func loadFilter(path string) (*filter, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	bf, _, err := bloomfilter.ReadFrom(in)
	if err != nil {
		return nil, err
	}
	return &filter{bf: bf}, nil
}
