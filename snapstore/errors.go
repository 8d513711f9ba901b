package snapstore

import (
	"errors"
	"fmt"

	"github.com/ethdata/snapstore/snaptype"
)

// ErrUnsupportedProvider is returned by reader methods that exist only
// to satisfy a broader database-backed-provider interface but that the
// snapshot store can never answer (mutable chain tip data, per-block
// transaction assemblies, withdrawals, and the like).
var ErrUnsupportedProvider = errors.New("snapstore: operation not supported by snapshot provider")

// ErrSenderRecoveryError is returned when a transaction's signer could
// not be recovered from its signature while servicing senders_by_tx_range.
var ErrSenderRecoveryError = errors.New("snapstore: failed to recover transaction sender")

// MissingSnapshotBlockError reports that a requested block lies outside
// every snapshotted range of a segment.
type MissingSnapshotBlockError struct {
	Segment snaptype.Segment
	Block   uint64
}

func (e *MissingSnapshotBlockError) Error() string {
	return fmt.Sprintf("snapstore: missing snapshot for %s block %d", e.Segment, e.Block)
}

// MissingSnapshotTxError reports that a requested transaction number
// lies outside every snapshotted range of a segment.
type MissingSnapshotTxError struct {
	Segment snaptype.Segment
	Tx      uint64
}

func (e *MissingSnapshotTxError) Error() string {
	return fmt.Sprintf("snapstore: missing snapshot for %s tx %d", e.Segment, e.Tx)
}

// MissingSnapshotPathError reports that a caller-supplied path did not
// parse, or parsed to a different segment than requested.
type MissingSnapshotPathError struct {
	Segment snaptype.Segment
	Path    string
}

func (e *MissingSnapshotPathError) Error() string {
	return fmt.Sprintf("snapstore: path %q does not name a %s snapshot", e.Path, e.Segment)
}

// ErrNonContiguousTargets is the precondition-violation error kind:
// Snapshotter.Run was asked to promote a range that doesn't immediately
// follow the segment's current highest snapshotted block.
var ErrNonContiguousTargets = errors.New("snapstore: snapshot targets are not contiguous with the highest snapshots")
