// Package snapjar implements the on-disk columnar container ("jar")
// that backs one segment's one block range: a small set of append-only,
// snappy-compressed columns sharing one row numbering, plus an optional
// persisted bloom filter for hash lookups. It plays the role the
// specification treats as an external NippyJar primitive; here it is
// owned outright, built in the shape of go-ethereum's freezer tables.
package snapjar

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/ethdata/snapstore/snaptype"
)

// rangeMeta is the RLP-encoded sidecar recording a jar's transaction
// range, written once a writer finalizes the jar and read back by
// Open so a directory rescan can recover tx bounds without touching the
// data columns. Headers jars (HasTx == false) never write one.
type rangeMeta struct {
	TxLo uint64
	TxHi uint64
}

const metaFilename = "meta.rlp"

func writeRangeMeta(dir string, r snaptype.SnapshotRange) error {
	if !r.HasTx {
		return nil
	}
	enc, err := rlp.EncodeToBytes(&rangeMeta{TxLo: r.Tx.Lo, TxHi: r.Tx.Hi})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, metaFilename), enc, 0644)
}

func readRangeMeta(dir string) (snaptype.TxRange, bool, error) {
	raw, err := os.ReadFile(filepath.Join(dir, metaFilename))
	if os.IsNotExist(err) {
		return snaptype.TxRange{}, false, nil
	}
	if err != nil {
		return snaptype.TxRange{}, false, err
	}
	var m rangeMeta
	if err := rlp.DecodeBytes(raw, &m); err != nil {
		return snaptype.TxRange{}, false, err
	}
	return snaptype.TxRange{Lo: m.TxLo, Hi: m.TxHi}, true, nil
}

// Schema returns the ordered column names a jar of the given segment
// holds. Headers jars carry the header RLP, its total difficulty, and
// its hash (for by_hash scans); Transactions/Receipts jars carry their
// single RLP-encoded row plus, for Transactions, a hash column.
func Schema(seg snaptype.Segment) []string {
	switch seg {
	case snaptype.Headers:
		return []string{"header", "td", "hash"}
	case snaptype.Transactions:
		return []string{"tx", "hash"}
	case snaptype.Receipts:
		return []string{"receipt"}
	default:
		panic(fmt.Sprintf("snapjar: unknown segment %v", seg))
	}
}

// hashColumn returns the column name holding the 32-byte key a hash
// filter indexes for this segment, and whether one exists at all.
func hashColumn(seg snaptype.Segment) (string, bool) {
	switch seg {
	case snaptype.Headers, snaptype.Transactions:
		return "hash", true
	default:
		return "", false
	}
}

// Jar is one on-disk file set covering one segment's one aligned block
// range. Immutable for readers once opened; a Writer (see writer.go in
// package snapstore) is the only thing that appends to one under
// construction.
type Jar struct {
	dir     string
	Segment snaptype.Segment
	Range   snaptype.SnapshotRange

	columns map[string]*column
	order   []string

	filter *filter
}

func jarDir(root string, seg snaptype.Segment, r snaptype.BlockRange) string {
	return filepath.Join(root, seg.Filename(r))
}

// ReadMeta reads back a jar's persisted transaction range without
// opening any of its data columns, for cheap directory scans (index
// maintenance) that only need range metadata.
func ReadMeta(root string, seg snaptype.Segment, block snaptype.BlockRange) (snaptype.TxRange, bool, error) {
	if !seg.HasTxRange() {
		return snaptype.TxRange{}, false, nil
	}
	tx, ok, err := readRangeMeta(jarDir(root, seg, block))
	return tx, ok, err
}

// Create makes a brand new, empty jar directory for a writer starting
// at block range block and (for tx-ranged segments) first transaction
// number txStart.
func Create(root string, seg snaptype.Segment, block snaptype.BlockRange, txStart uint64) (*Jar, error) {
	dir := jarDir(root, seg, block)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	r := snaptype.SnapshotRange{Block: block, HasTx: seg.HasTxRange(), Tx: snaptype.TxRange{Lo: txStart, Hi: txStart}}
	return open(dir, seg, r, false)
}

// Open loads an existing, committed jar from disk, optionally loading
// its persisted hash filter into memory. The jar's transaction range
// (if any) is recovered from its persisted meta sidecar, not from the
// caller.
func Open(root string, seg snaptype.Segment, block snaptype.BlockRange, loadFilters bool) (*Jar, error) {
	dir := jarDir(root, seg, block)
	r := snaptype.SnapshotRange{Block: block, HasTx: seg.HasTxRange()}
	if r.HasTx {
		tx, ok, err := readRangeMeta(dir)
		if err != nil {
			return nil, fmt.Errorf("snapjar: reading meta for %s: %w", dir, err)
		}
		if ok {
			r.Tx = tx
		}
	}
	return open(dir, seg, r, loadFilters)
}

func open(dir string, seg snaptype.Segment, r snaptype.SnapshotRange, loadFilters bool) (*Jar, error) {
	names := Schema(seg)
	j := &Jar{
		dir:     dir,
		Segment: seg,
		Range:   r,
		columns: make(map[string]*column, len(names)),
		order:   names,
	}
	for _, name := range names {
		c, err := openColumn(dir, name)
		if err != nil {
			j.Close()
			return nil, err
		}
		j.columns[name] = c
	}
	if loadFilters {
		if name, ok := hashColumn(seg); ok {
			f, err := loadFilter(filepath.Join(dir, name+".filter"))
			if err == nil {
				j.filter = f
			}
			// A missing/corrupt filter file is not fatal: by_hash scans
			// degrade to a linear column scan (see spec scenario S5).
		}
	}
	return j, nil
}

// SetTxHi records the highest transaction number written so far, so it
// can be persisted to the meta sidecar at Finalize. Only meaningful for
// tx-ranged segments.
func (j *Jar) SetTxHi(hi uint64) {
	j.Range.Tx.Hi = hi
}

// Rows reports how many rows have been committed to the jar.
func (j *Jar) Rows() uint64 {
	if len(j.order) == 0 {
		return 0
	}
	return j.columns[j.order[0]].Items()
}

// AppendRow appends one row's column values, keyed by column name. Every
// schema column for the segment must be present. row must be the next
// sequential row index (0-based within the jar).
func (j *Jar) AppendRow(row uint64, values map[string][]byte) error {
	for _, name := range j.order {
		blob, ok := values[name]
		if !ok {
			return fmt.Errorf("snapjar: missing column %q for row %d", name, row)
		}
		if err := j.columns[name].Append(row, blob); err != nil {
			return err
		}
	}
	if name, ok := hashColumn(j.Segment); ok {
		if j.filter == nil {
			f, err := newFilter(estimatedRows(j.Segment, j.Range))
			if err != nil {
				return err
			}
			j.filter = f
		}
		j.filter.Add(values[name])
	}
	return nil
}

func estimatedRows(seg snaptype.Segment, r snaptype.SnapshotRange) uint64 {
	if seg.HasTxRange() {
		if r.Tx.Hi >= r.Tx.Lo {
			return r.Tx.Hi - r.Tx.Lo + 1
		}
		return 1
	}
	return r.Block.Hi - r.Block.Lo + 1
}

// Column retrieves one column's blob for the given row.
func (j *Jar) Column(name string, row uint64) ([]byte, error) {
	c, ok := j.columns[name]
	if !ok {
		return nil, fmt.Errorf("snapjar: unknown column %q", name)
	}
	return c.Retrieve(row)
}

// ContainsHash reports whether the jar's filter says key might be
// present. ok is false if the jar has no loaded filter for this
// segment, in which case callers must fall back to a linear scan.
func (j *Jar) ContainsHash(key []byte) (present, ok bool) {
	if j.filter == nil {
		return false, false
	}
	return j.filter.Contains(key), true
}

// Truncate discards committed rows beyond the given count, used to
// discard a writer's buffered rows if the writer is released without
// Commit.
func (j *Jar) Truncate(rows uint64) error {
	for _, c := range j.columns {
		if err := c.Truncate(rows); err != nil {
			return err
		}
	}
	return nil
}

// Sync flushes all columns (and, if present, the filter) to disk.
func (j *Jar) Sync() error {
	for _, c := range j.columns {
		if err := c.Sync(); err != nil {
			return err
		}
	}
	if j.filter != nil {
		if name, ok := hashColumn(j.Segment); ok {
			if err := j.filter.writeTo(filepath.Join(j.dir, name+".filter")); err != nil {
				return err
			}
		}
	}
	return nil
}

// Finalize persists the jar's current range metadata and flushes all
// columns and the filter to disk. It is the last step before a writer's
// Commit makes the jar's range discoverable by update_index.
func (j *Jar) Finalize() error {
	if err := writeRangeMeta(j.dir, j.Range); err != nil {
		return err
	}
	return j.Sync()
}

// Close releases every open file descriptor the jar holds.
func (j *Jar) Close() error {
	var errs []error
	for _, c := range j.columns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) != 0 {
		return fmt.Errorf("snapjar: jar close errors: %v", errs)
	}
	return nil
}
