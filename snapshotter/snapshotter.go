// Package snapshotter drives periodic promotion of contiguous,
// finalized block ranges out of the mutable chain database into the
// immutable snapshot store.
package snapshotter

import (
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethdata/snapstore/chaindb"
	"github.com/ethdata/snapstore/snapstore"
	"github.com/ethdata/snapstore/snaptype"
)

// SnapshotTargets describes, per segment, the inclusive block range a
// Run should promote. A nil pointer means "nothing to do for this
// segment this run".
type SnapshotTargets struct {
	Headers      *snaptype.BlockRange
	Receipts     *snaptype.BlockRange
	Transactions *snaptype.BlockRange
}

// Any reports whether at least one segment has a target.
func (t SnapshotTargets) Any() bool {
	return t.Headers != nil || t.Receipts != nil || t.Transactions != nil
}

func (t SnapshotTargets) get(seg snaptype.Segment) *snaptype.BlockRange {
	switch seg {
	case snaptype.Headers:
		return t.Headers
	case snaptype.Receipts:
		return t.Receipts
	case snaptype.Transactions:
		return t.Transactions
	default:
		return nil
	}
}

// IsContiguousToHighestSnapshots checks the precondition run requires:
// for every segment, either there's no target, or the provider has no
// prior snapshot and the target starts at block 0, or the target
// starts immediately after the provider's current highest snapshotted
// block.
func (t SnapshotTargets) IsContiguousToHighestSnapshots(p *snapstore.SnapshotProvider) bool {
	for _, seg := range []snaptype.Segment{snaptype.Headers, snaptype.Receipts, snaptype.Transactions} {
		target := t.get(seg)
		if target == nil {
			continue
		}
		highest, ok := p.HighestSnapshotBlock(seg)
		if !ok {
			if target.Lo != 0 {
				return false
			}
			continue
		}
		if target.Lo != highest+1 {
			return false
		}
	}
	return true
}

// Snapshotter periodically promotes finalized chain history from a
// chaindb.Reader into a snapstore.SnapshotProvider.
type Snapshotter struct {
	db      chaindb.Reader
	sp      *snapstore.SnapshotProvider
	tracker *snapstore.HighestTracker
	log     log.Logger
}

// New returns a Snapshotter reading from db and writing through sp. If
// tracker is non-nil, it is published to after every successful Run
// (see HighestTracker).
func New(db chaindb.Reader, sp *snapstore.SnapshotProvider, tracker *snapstore.HighestTracker) *Snapshotter {
	return &Snapshotter{db: db, sp: sp, tracker: tracker, log: log.New("component", "snapshotter")}
}

// GetSnapshotTargets returns the contiguous ranges that would bring
// every segment up to finalizedBlock, omitting segments already
// current.
func (s *Snapshotter) GetSnapshotTargets(finalizedBlock uint64) SnapshotTargets {
	var t SnapshotTargets
	for _, seg := range []snaptype.Segment{snaptype.Headers, snaptype.Receipts, snaptype.Transactions} {
		lo := uint64(0)
		if highest, ok := s.sp.HighestSnapshotBlock(seg); ok {
			if highest >= finalizedBlock {
				continue
			}
			lo = highest + 1
		}
		r := snaptype.BlockRange{Lo: lo, Hi: finalizedBlock}
		switch seg {
		case snaptype.Headers:
			t.Headers = &r
		case snaptype.Receipts:
			t.Receipts = &r
		case snaptype.Transactions:
			t.Transactions = &r
		}
	}
	return t
}

// Run promotes targets into the snapshot store: headers, receipts and
// transactions are all driven uniformly (this repo's resolution of the
// upstream TODO that only ever handled transactions). It asserts the
// contiguity precondition before doing any work, so a failed
// precondition leaves no partial visible state.
func (s *Snapshotter) Run(targets SnapshotTargets) error {
	if !targets.Any() {
		return nil
	}
	if !targets.IsContiguousToHighestSnapshots(s.sp) {
		return snapstore.ErrNonContiguousTargets
	}

	if targets.Headers != nil {
		if err := s.runHeaders(*targets.Headers); err != nil {
			return fmt.Errorf("snapshotter: headers: %w", err)
		}
	}
	if targets.Receipts != nil {
		if err := s.runReceipts(*targets.Receipts); err != nil {
			return fmt.Errorf("snapshotter: receipts: %w", err)
		}
	}
	if targets.Transactions != nil {
		if err := s.runTransactions(*targets.Transactions); err != nil {
			return fmt.Errorf("snapshotter: transactions: %w", err)
		}
	}

	if err := s.sp.Commit(); err != nil {
		return fmt.Errorf("snapshotter: commit: %w", err)
	}
	if err := s.sp.UpdateIndex(); err != nil {
		return fmt.Errorf("snapshotter: update index: %w", err)
	}
	s.publishHighest()
	s.log.Info("snapshotter run complete", "headers", targets.Headers, "receipts", targets.Receipts, "transactions", targets.Transactions)
	return nil
}

// publishHighest pushes the provider's current per-segment highest
// snapshotted blocks to the configured tracker. No-op if none was
// given to New.
func (s *Snapshotter) publishHighest() {
	if s.tracker == nil {
		return
	}
	var h snapstore.HighestSnapshots
	if v, ok := s.sp.HighestSnapshotBlock(snaptype.Headers); ok {
		h.Headers = &v
	}
	if v, ok := s.sp.HighestSnapshotBlock(snaptype.Receipts); ok {
		h.Receipts = &v
	}
	if v, ok := s.sp.HighestSnapshotBlock(snaptype.Transactions); ok {
		h.Transactions = &v
	}
	s.tracker.Publish(h)
}

func (s *Snapshotter) runHeaders(r snaptype.BlockRange) error {
	w, err := s.sp.Writer(snaptype.Headers, r.Lo)
	if err != nil {
		return err
	}
	for block := r.Lo; block <= r.Hi; block++ {
		header, td, err := s.db.Header(block)
		if err != nil {
			return fmt.Errorf("reading header %d: %w", block, err)
		}
		if err := w.AppendHeader(block, td, header.Hash(), header); err != nil {
			return fmt.Errorf("appending header %d: %w", block, err)
		}
	}
	return nil
}

func (s *Snapshotter) runReceipts(r snaptype.BlockRange) error {
	w, err := s.sp.Writer(snaptype.Receipts, r.Lo)
	if err != nil {
		return err
	}
	for block := r.Lo; block <= r.Hi; block++ {
		idx, err := s.db.BodyIndex(block)
		if err != nil {
			return fmt.Errorf("reading body index %d: %w", block, err)
		}
		lo, hi := idx.TxNumRange()
		for txNum := lo; txNum < hi; txNum++ {
			receipt, err := s.db.Receipt(txNum)
			if err != nil {
				return fmt.Errorf("reading receipt %d: %w", txNum, err)
			}
			if err := w.AppendReceipt(block, txNum, receipt); err != nil {
				return fmt.Errorf("appending receipt %d: %w", txNum, err)
			}
		}
	}
	return nil
}

func (s *Snapshotter) runTransactions(r snaptype.BlockRange) error {
	w, err := s.sp.Writer(snaptype.Transactions, r.Lo)
	if err != nil {
		return err
	}
	for block := r.Lo; block <= r.Hi; block++ {
		idx, err := s.db.BodyIndex(block)
		if err != nil {
			return fmt.Errorf("reading body index %d: %w", block, err)
		}
		lo, hi := idx.TxNumRange()
		for txNum := lo; txNum < hi; txNum++ {
			tx, err := s.db.Transaction(txNum)
			if err != nil {
				return fmt.Errorf("reading tx %d: %w", txNum, err)
			}
			if err := w.AppendTransaction(block, txNum, tx); err != nil {
				return fmt.Errorf("appending tx %d: %w", txNum, err)
			}
		}
	}
	return nil
}
