package snapstore

import (
	"os"
	"sort"

	"github.com/ethdata/snapstore/snapjar"
	"github.com/ethdata/snapstore/snaptype"
)

// txIndexEntry is one row of the per-segment "max tx -> owning block
// range" lookup. Entries for one segment are kept sorted by TxHi so
// provider_for_tx can binary search for the smallest TxHi >= the query,
// matching the corrected semantics from spec.md §9 Q1 (the original
// Rust source's range(..tx)+next_back() selected a TxHi strictly less
// than the query, which can never contain it).
type txIndexEntry struct {
	TxHi  uint64
	TxLo  uint64
	Block snaptype.BlockRange
}

// SegmentIndex is the two-map structure described in spec.md §3:
// max_block[segment] and an ordered tx_hi -> block_range lookup per
// segment. It is rebuilt wholesale by UpdateIndex and otherwise only
// ever read, so readers only ever need a read lock.
type SegmentIndex struct {
	maxBlock map[snaptype.Segment]uint64
	txIndex  map[snaptype.Segment][]txIndexEntry
}

func newSegmentIndex() *SegmentIndex {
	return &SegmentIndex{
		maxBlock: make(map[snaptype.Segment]uint64),
		txIndex:  make(map[snaptype.Segment][]txIndexEntry),
	}
}

// MaxBlock returns the highest block number covered by any on-disk file
// of the segment, if any file exists yet.
func (idx *SegmentIndex) MaxBlock(seg snaptype.Segment) (uint64, bool) {
	v, ok := idx.maxBlock[seg]
	return v, ok
}

// MaxTx returns the highest transaction number covered by any on-disk
// file of the segment, if any file exists yet.
func (idx *SegmentIndex) MaxTx(seg snaptype.Segment) (uint64, bool) {
	entries := idx.txIndex[seg]
	if len(entries) == 0 {
		return 0, false
	}
	return entries[len(entries)-1].TxHi, true
}

// rangeForBlock returns the aligned block range that would hold block,
// if the segment's on-disk set covers it yet.
func (idx *SegmentIndex) rangeForBlock(seg snaptype.Segment, blocksPerSnapshot, block uint64) (snaptype.BlockRange, bool) {
	max, ok := idx.maxBlock[seg]
	if !ok || max < block {
		return snaptype.BlockRange{}, false
	}
	return snaptype.FindFixedRange(blocksPerSnapshot, block), true
}

// rangeForTx implements the corrected get_segment_ranges_from_transaction:
// among entries with TxHi >= tx, pick the one with the smallest such
// TxHi (the tightest-covering file), then confirm tx >= its TxLo.
func (idx *SegmentIndex) rangeForTx(seg snaptype.Segment, tx uint64) (snaptype.BlockRange, bool) {
	entries := idx.txIndex[seg]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].TxHi >= tx })
	if i == len(entries) {
		return snaptype.BlockRange{}, false
	}
	e := entries[i]
	if tx < e.TxLo {
		return snaptype.BlockRange{}, false
	}
	return e.Block, true
}

// snapshotDirEntry is one parsed, on-disk jar directory discovered by a
// directory scan.
type snapshotDirEntry struct {
	Segment snaptype.Segment
	Block   snaptype.BlockRange
	Tx      snaptype.TxRange
	HasTx   bool
}

// iterSnapshots scans root for jar directories, ignoring any entry whose
// name doesn't parse per snaptype.ParseFilename (the directory may
// contain arbitrary other files). Results are grouped by segment and
// sorted by ascending block range, mirroring the upstream
// iter_snapshots contract.
func iterSnapshots(root string) (map[snaptype.Segment][]snapshotDirEntry, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return map[snaptype.Segment][]snapshotDirEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[snaptype.Segment][]snapshotDirEntry)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		seg, block, ok := snaptype.ParseFilename(e.Name())
		if !ok {
			continue
		}
		var tx snaptype.TxRange
		hasTx := seg.HasTxRange()
		if hasTx {
			t, ok, err := snapjar.ReadMeta(root, seg, block)
			if err != nil {
				return nil, err
			}
			if !ok {
				// A directory exists but was never finalized by a
				// writer (e.g. process crashed mid-write); skip it,
				// the next writer session will overwrite or resume it.
				continue
			}
			tx = t
		}
		out[seg] = append(out[seg], snapshotDirEntry{Segment: seg, Block: block, Tx: tx, HasTx: hasTx})
	}
	for seg := range out {
		sort.Slice(out[seg], func(i, j int) bool { return out[seg][i].Block.Lo < out[seg][j].Block.Lo })
	}
	return out, nil
}

// rebuildSegmentIndex scans root and returns a freshly populated SegmentIndex,
// without mutating any existing index (UpdateIndex swaps it in under a
// write lock).
func rebuildSegmentIndex(root string) (*SegmentIndex, error) {
	grouped, err := iterSnapshots(root)
	if err != nil {
		return nil, err
	}
	idx := newSegmentIndex()
	for seg, ranges := range grouped {
		if len(ranges) == 0 {
			continue
		}
		idx.maxBlock[seg] = ranges[len(ranges)-1].Block.Hi

		if !ranges[0].HasTx {
			continue
		}
		txEntries := make([]txIndexEntry, 0, len(ranges))
		for _, r := range ranges {
			txEntries = append(txEntries, txIndexEntry{TxHi: r.Tx.Hi, TxLo: r.Tx.Lo, Block: r.Block})
		}
		idx.txIndex[seg] = txEntries
	}
	return idx, nil
}
