package snapstore

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/ethdata/snapstore/snapjar"
	"github.com/ethdata/snapstore/snaptype"
)

// SnapshotProviderRW is the append-only writer for exactly one segment
// and exactly one aligned block range at a time. Obtained from a
// SnapshotProvider's writer table (one active writer per segment);
// rows are buffered in the underlying jar until Commit makes them
// visible.
type SnapshotProviderRW struct {
	mu sync.Mutex

	provider *SnapshotProvider
	segment  snaptype.Segment
	log      log.Logger

	jar         *snapjar.Jar
	blocksPer   uint64
	lastBlock   uint64
	haveBlock   bool
	lastTx      uint64
	haveTx      bool
	appendCount uint64
}

// Writer returns the active writer for segment, starting a new one at
// startBlock if none exists yet.
func (p *SnapshotProvider) Writer(seg snaptype.Segment, startBlock uint64) (*SnapshotProviderRW, error) {
	if v, ok := p.writers.Load(seg); ok {
		return v.(*SnapshotProviderRW), nil
	}

	blocksPer := p.opts.blocksPerSnapshot()
	blockRange := snaptype.FindFixedRange(blocksPer, startBlock)

	txStart := uint64(0)
	if seg.HasTxRange() {
		if hi, ok := p.HighestSnapshotTx(seg); ok {
			txStart = hi + 1
		}
	}

	jar, err := snapjar.Create(p.opts.Path, seg, blockRange, txStart)
	if err != nil {
		return nil, fmt.Errorf("snapstore: creating writer jar: %w", err)
	}

	w := &SnapshotProviderRW{
		provider:  p,
		segment:   seg,
		log:       log.New("component", "snapstore.writer", "segment", seg.String()),
		jar:       jar,
		blocksPer: blocksPer,
	}
	actual, loaded := p.writers.LoadOrStore(seg, w)
	if loaded {
		jar.Close()
		return actual.(*SnapshotProviderRW), nil
	}
	return w, nil
}

// LatestWriter returns the writer for segment continuing from its
// current highest snapshotted block (or 0 if none exists yet).
func (p *SnapshotProvider) LatestWriter(seg snaptype.Segment) (*SnapshotProviderRW, error) {
	start := uint64(0)
	if hi, ok := p.HighestSnapshotBlock(seg); ok {
		start = hi + 1
	}
	return p.Writer(seg, start)
}

func (w *SnapshotProviderRW) rolloverIfNeeded(block uint64) error {
	if w.jar.Range.Block.Contains(block) {
		return nil
	}
	oldJar := w.jar
	if err := w.commitLocked(); err != nil {
		return err
	}
	if err := oldJar.Close(); err != nil {
		return fmt.Errorf("snapstore: closing rolled-over jar: %w", err)
	}
	blockRange := snaptype.FindFixedRange(w.blocksPer, block)
	txStart := uint64(0)
	if w.segment.HasTxRange() {
		txStart = w.lastTx + 1
		if !w.haveTx {
			txStart = 0
		}
	}
	jar, err := snapjar.Create(w.provider.opts.Path, w.segment, blockRange, txStart)
	if err != nil {
		return fmt.Errorf("snapstore: rolling over writer jar: %w", err)
	}
	w.jar = jar
	return nil
}

// AppendHeader appends a header row. block must be strictly greater
// than the previously appended block.
func (w *SnapshotProviderRW) AppendHeader(block uint64, td *big.Int, hash common.Hash, header *types.Header) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.haveBlock && block <= w.lastBlock {
		return fmt.Errorf("snapstore: non-monotonic header append: block %d after %d", block, w.lastBlock)
	}
	if err := w.rolloverIfNeeded(block); err != nil {
		return err
	}

	headerBlob, err := rlp.EncodeToBytes(header)
	if err != nil {
		return err
	}
	tdBlob, err := rlp.EncodeToBytes(td)
	if err != nil {
		return err
	}

	row := block - w.jar.Range.Block.Lo
	if err := w.jar.AppendRow(row, map[string][]byte{
		"header": headerBlob,
		"td":     tdBlob,
		"hash":   hash.Bytes(),
	}); err != nil {
		return err
	}
	w.lastBlock = block
	w.haveBlock = true
	w.appendCount++
	return nil
}

// AppendTransaction appends a transaction row at transaction number
// txNum, carrying block for tx-range bookkeeping. txNum must be
// strictly greater than the previously appended transaction number.
func (w *SnapshotProviderRW) AppendTransaction(block, txNum uint64, tx *types.Transaction) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendTxSegment(block, txNum, func(row uint64) error {
		blob, err := rlp.EncodeToBytes(tx)
		if err != nil {
			return err
		}
		return w.jar.AppendRow(row, map[string][]byte{
			"tx":   blob,
			"hash": tx.Hash().Bytes(),
		})
	})
}

// AppendReceipt appends a receipt row at transaction number txNum,
// carrying block for tx-range bookkeeping.
func (w *SnapshotProviderRW) AppendReceipt(block, txNum uint64, receipt *types.Receipt) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendTxSegment(block, txNum, func(row uint64) error {
		blob, err := rlp.EncodeToBytes(receipt)
		if err != nil {
			return err
		}
		return w.jar.AppendRow(row, map[string][]byte{"receipt": blob})
	})
}

func (w *SnapshotProviderRW) appendTxSegment(block, txNum uint64, appendFn func(row uint64) error) error {
	if w.haveTx && txNum <= w.lastTx {
		return fmt.Errorf("snapstore: non-monotonic tx append: tx %d after %d", txNum, w.lastTx)
	}
	if err := w.rolloverIfNeeded(block); err != nil {
		return err
	}
	if !w.haveTx {
		w.jar.Range.Tx.Lo = txNum
	}
	row := w.jar.Rows()
	if err := appendFn(row); err != nil {
		return err
	}
	w.lastTx = txNum
	w.haveTx = true
	w.jar.SetTxHi(txNum)
	w.appendCount++
	return nil
}

// Commit flushes the writer's pending rows to disk and finalizes the jar
// (making its range discoverable by a subsequent UpdateIndex). The
// writer stays in the provider's table, so a later Writer call for the
// segment returns it and further appends continue in the same jar (or
// roll over to the next one). Idempotent if nothing was appended since
// the last commit.
func (w *SnapshotProviderRW) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.commitLocked()
}

func (w *SnapshotProviderRW) commitLocked() error {
	if w.appendCount == 0 {
		return nil
	}
	if err := w.jar.Finalize(); err != nil {
		return fmt.Errorf("snapstore: committing writer: %w", err)
	}
	w.appendCount = 0
	return nil
}

// ReleaseWithoutCommit discards the writer's pending buffered rows
// (truncating the jar back to empty) without making them visible, and
// removes the writer from the provider's table.
func (w *SnapshotProviderRW) ReleaseWithoutCommit() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.provider.writers.Delete(w.segment)
	if err := w.jar.Truncate(0); err != nil {
		return err
	}
	return w.jar.Close()
}

// Commit flushes every active writer of every segment, matching the
// upstream SnapshotWriter.commit contract used at the end of a
// Snapshotter run.
func (p *SnapshotProvider) Commit() error {
	var err error
	p.writers.Range(func(_, v interface{}) bool {
		if e := v.(*SnapshotProviderRW).Commit(); e != nil {
			err = e
			return false
		}
		return true
	})
	return err
}
