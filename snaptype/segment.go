// Package snaptype defines the segment taxonomy and on-disk range
// addressing shared by the snapshot store: which kinds of chain data can
// be snapshotted, how a file's name encodes the block range it covers,
// and the fixed-width alignment every snapshot file obeys.
package snaptype

import (
	"fmt"
	"strconv"
	"strings"
)

// Segment enumerates the kinds of chain data the snapshot store can hold.
// Headers are indexed by block number; Transactions and Receipts are
// indexed by transaction number but still ship in block-numbered files.
type Segment uint8

const (
	Headers Segment = iota
	Transactions
	Receipts
)

// BlocksPerSnapshot is the default fixed block count covered by one
// on-disk file, except possibly the newest file of a segment, which may
// be partial. Callers that need a different width construct their own
// Options.BlocksPerSnapshot; this constant is only the default.
const BlocksPerSnapshot = 500_000

func (s Segment) String() string {
	switch s {
	case Headers:
		return "headers"
	case Transactions:
		return "transactions"
	case Receipts:
		return "receipts"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// HasTxRange reports whether files of this segment carry a transaction
// range in addition to their block range.
func (s Segment) HasTxRange() bool {
	return s == Transactions || s == Receipts
}

// ParseSegment parses the textual form produced by String.
func ParseSegment(s string) (Segment, bool) {
	switch s {
	case "headers":
		return Headers, true
	case "transactions":
		return Transactions, true
	case "receipts":
		return Receipts, true
	default:
		return 0, false
	}
}

// BlockRange is a closed inclusive block interval [Lo, Hi].
type BlockRange struct {
	Lo, Hi uint64
}

func (r BlockRange) String() string {
	return fmt.Sprintf("%d-%d", r.Lo, r.Hi)
}

// Contains reports whether block lies within [Lo, Hi].
func (r BlockRange) Contains(block uint64) bool {
	return block >= r.Lo && block <= r.Hi
}

// TxRange is a closed inclusive transaction-number interval [Lo, Hi].
type TxRange struct {
	Lo, Hi uint64
}

func (r TxRange) Contains(tx uint64) bool {
	return tx >= r.Lo && tx <= r.Hi
}

// SnapshotRange describes the contents of one on-disk file: the block
// range it was generated from, and, for Transactions/Receipts, the
// transaction range it carries. TxRange is the zero value (and must be
// ignored) for Headers.
type SnapshotRange struct {
	Block BlockRange
	Tx    TxRange
	HasTx bool
}

// FindFixedRange computes the canonical aligned block range that would
// hold the given block number, for a store using blocksPerSnapshot-wide
// files: [floor(block/n)*n, that+n-1].
func FindFixedRange(blocksPerSnapshot, block uint64) BlockRange {
	lo := (block / blocksPerSnapshot) * blocksPerSnapshot
	return BlockRange{Lo: lo, Hi: lo + blocksPerSnapshot - 1}
}

// Filename returns the canonical on-disk name for a file of this segment
// covering the given block range, e.g. "headers_0_499999".
func (s Segment) Filename(r BlockRange) string {
	return fmt.Sprintf("%s_%d_%d", s, r.Lo, r.Hi)
}

// ParseFilename parses a file basename of the form "{segment}_{lo}_{hi}"
// back into its segment and block range. It returns ok=false for any
// name that doesn't match exactly, so callers can silently skip
// unrelated files living in the same directory.
func ParseFilename(name string) (seg Segment, r BlockRange, ok bool) {
	parts := strings.Split(name, "_")
	if len(parts) != 3 {
		return 0, BlockRange{}, false
	}
	seg, ok = ParseSegment(parts[0])
	if !ok {
		return 0, BlockRange{}, false
	}
	lo, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, BlockRange{}, false
	}
	hi, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil || hi < lo {
		return 0, BlockRange{}, false
	}
	return seg, BlockRange{Lo: lo, Hi: hi}, true
}
