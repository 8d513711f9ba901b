package snapstore

import (
	"fmt"
	"math/big"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/ethdata/snapstore/snapjar"
	"github.com/ethdata/snapstore/snaptype"
)

var (
	jarCacheHitMeter  = metrics.NewRegisteredMeter("snapstore/jarcache/hit", nil)
	jarCacheMissMeter = metrics.NewRegisteredMeter("snapstore/jarcache/miss", nil)
)

// cacheKey identifies one cached LoadedJar: the segment and the upper
// bound of its aligned block range, mirroring the (b_hi, segment) key
// spec.md's jar cache uses.
type cacheKey struct {
	segment snaptype.Segment
	blockHi uint64
}

// SnapshotProvider is the concurrent reader half of the snapshot store:
// it resolves (segment, block|tx) lookups to cached LoadedJars and
// exposes typed reads over headers, transactions and receipts.
type SnapshotProvider struct {
	opts Options
	log  log.Logger

	jars    sync.Map // cacheKey -> *snapjar.LoadedJar
	group   singleflight.Group
	writers sync.Map // snaptype.Segment -> *SnapshotProviderRW

	mu    sync.RWMutex
	index *SegmentIndex

	evict *jarEvictor
}

// NewSnapshotProvider opens a provider rooted at opts.Path. It does not
// scan the directory itself; callers must call UpdateIndex once before
// relying on reads (mirroring the upstream constructor + first
// update_index call).
func NewSnapshotProvider(opts Options) (*SnapshotProvider, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("snapstore: Options.Path is required")
	}
	p := &SnapshotProvider{
		opts:  opts,
		log:   log.New("component", "snapstore"),
		index: newSegmentIndex(),
	}
	if opts.MaxCachedJars > 0 {
		evict, err := newJarEvictor(p, opts.MaxCachedJars)
		if err != nil {
			return nil, fmt.Errorf("snapstore: building jar evictor: %w", err)
		}
		p.evict = evict
	}
	return p, nil
}

// Directory returns the configured snapshot directory root.
func (p *SnapshotProvider) Directory() string {
	return p.opts.Path
}

// UpdateIndex rescans the snapshot directory and atomically swaps in a
// freshly rebuilt SegmentIndex. Safe to call concurrently with readers,
// which only ever take the read lock.
func (p *SnapshotProvider) UpdateIndex() error {
	idx, err := rebuildSegmentIndex(p.opts.Path)
	if err != nil {
		return fmt.Errorf("snapstore: update index: %w", err)
	}
	p.mu.Lock()
	p.index = idx
	p.mu.Unlock()
	return nil
}

// HighestSnapshotBlock reports the highest block number covered by an
// on-disk file of the segment, if any.
func (p *SnapshotProvider) HighestSnapshotBlock(seg snaptype.Segment) (uint64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.index.MaxBlock(seg)
}

// HighestSnapshotTx reports the highest transaction number covered by
// an on-disk file of the segment, if any.
func (p *SnapshotProvider) HighestSnapshotTx(seg snaptype.Segment) (uint64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.index.MaxTx(seg)
}

// ProviderForBlock resolves the jar covering block in segment.
func (p *SnapshotProvider) ProviderForBlock(seg snaptype.Segment, block uint64) (*snapjar.LoadedJar, error) {
	p.mu.RLock()
	r, ok := p.index.rangeForBlock(seg, p.opts.blocksPerSnapshot(), block)
	p.mu.RUnlock()
	if !ok {
		return nil, &MissingSnapshotBlockError{Segment: seg, Block: block}
	}
	return p.getOrCreateJar(seg, r)
}

// ProviderForTx resolves the jar covering transaction tx in segment,
// using the corrected smallest-tx_hi>=tx semantics (spec.md §9 Q1).
func (p *SnapshotProvider) ProviderForTx(seg snaptype.Segment, tx uint64) (*snapjar.LoadedJar, error) {
	p.mu.RLock()
	r, ok := p.index.rangeForTx(seg, tx)
	p.mu.RUnlock()
	if !ok {
		return nil, &MissingSnapshotTxError{Segment: seg, Tx: tx}
	}
	return p.getOrCreateJar(seg, r)
}

// ProviderFromPath resolves the jar named by a caller-supplied path,
// verifying the parsed segment matches the requested one.
func (p *SnapshotProvider) ProviderFromPath(seg snaptype.Segment, path string) (*snapjar.LoadedJar, error) {
	parsedSeg, r, ok := snaptype.ParseFilename(filepath.Base(path))
	if !ok || parsedSeg != seg {
		return nil, &MissingSnapshotPathError{Segment: seg, Path: path}
	}
	return p.getOrCreateJar(seg, r)
}

// getOrCreateJar returns the cached LoadedJar for (segment, range), or
// opens it for the first time. Concurrent callers racing on the same
// key are funneled through a singleflight.Group so the jar is opened
// exactly once.
func (p *SnapshotProvider) getOrCreateJar(seg snaptype.Segment, r snaptype.BlockRange) (*snapjar.LoadedJar, error) {
	key := cacheKey{segment: seg, blockHi: r.Hi}
	if v, ok := p.jars.Load(key); ok {
		jarCacheHitMeter.Mark(1)
		if p.evict != nil {
			p.evict.touch(key)
		}
		return v.(*snapjar.LoadedJar), nil
	}
	jarCacheMissMeter.Mark(1)

	sfKey := fmt.Sprintf("%d:%d", seg, r.Hi)
	v, err, _ := p.group.Do(sfKey, func() (interface{}, error) {
		if v, ok := p.jars.Load(key); ok {
			return v.(*snapjar.LoadedJar), nil
		}
		jar, err := snapjar.Open(p.opts.Path, seg, r, p.opts.LoadFilters)
		if err != nil {
			return nil, fmt.Errorf("snapstore: opening jar %s: %w", seg.Filename(r), err)
		}
		loaded := snapjar.NewLoadedJar(jar)
		actual, _ := p.jars.LoadOrStore(key, loaded)
		return actual.(*snapjar.LoadedJar), nil
	})
	if err != nil {
		return nil, err
	}
	if p.evict != nil {
		p.evict.touch(key)
	}
	return v.(*snapjar.LoadedJar), nil
}

// findSnapshot implements the hash-keyed search contract: starting from
// the aligned range covering the segment's highest snapshotted block,
// step downward by BLOCKS_PER_SNAPSHOT invoking fn on each jar until it
// returns a non-nil result, or the range is exhausted.
func (p *SnapshotProvider) findSnapshot(seg snaptype.Segment, fn func(*snapjar.LoadedJar) (interface{}, error)) (interface{}, error) {
	highest, ok := p.HighestSnapshotBlock(seg)
	if !ok {
		return nil, nil
	}
	step := p.opts.blocksPerSnapshot()
	r := snaptype.FindFixedRange(step, highest)
	for r.Hi > 0 {
		jar, err := p.getOrCreateJar(seg, r)
		if err != nil {
			return nil, err
		}
		res, err := fn(jar)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
		r = saturatingStep(r, step)
		if r.Lo == 0 && r.Hi == 0 {
			break
		}
	}
	return nil, nil
}

func saturatingStep(r snaptype.BlockRange, step uint64) snaptype.BlockRange {
	lo := uint64(0)
	if r.Lo > step {
		lo = r.Lo - step
	}
	hi := uint64(0)
	if r.Hi > step {
		hi = r.Hi - step
	}
	return snaptype.BlockRange{Lo: lo, Hi: hi}
}

// fetchRange implements the cross-file scan contract: resolve the
// provider for range[0], retrieve each number via getFn, and when it
// reports the number isn't in the current jar, re-resolve the provider
// at that number and retry. predicate stops the scan early (exclusive)
// the moment it rejects a value.
func fetchRange[T any](
	p *SnapshotProvider,
	seg snaptype.Segment,
	lo, hi uint64,
	byTx bool,
	getFn func(jar *snapjar.LoadedJar, number uint64) (T, bool, error),
	predicate func(T) bool,
) ([]T, error) {
	capHint := hi - lo
	if capHint > 100 {
		capHint = 100
	}
	result := make([]T, 0, capHint)
	if lo >= hi {
		return result, nil
	}

	resolve := func(number uint64) (*snapjar.LoadedJar, error) {
		if byTx {
			return p.ProviderForTx(seg, number)
		}
		return p.ProviderForBlock(seg, number)
	}

	jar, err := resolve(lo)
	if err != nil {
		return nil, err
	}
	for number := lo; number < hi; {
		v, ok, err := getFn(jar, number)
		if err != nil {
			return nil, err
		}
		if !ok {
			jar, err = resolve(number)
			if err != nil {
				return nil, err
			}
			continue
		}
		if !predicate(v) {
			break
		}
		result = append(result, v)
		number++
	}
	return result, nil
}

// --- Headers ---

// HeaderByNumber returns the header at block number n, or
// MissingSnapshotBlockError if n lies outside the snapshotted range.
func (p *SnapshotProvider) HeaderByNumber(n uint64) (*types.Header, error) {
	jar, err := p.ProviderForBlock(snaptype.Headers, n)
	if err != nil {
		return nil, err
	}
	jar.Acquire()
	defer jar.Release()
	return decodeHeaderRow(jar.Jar(), n-jar.Jar().Range.Block.Lo)
}

// HeaderByHash scans segments from highest to lowest for a header whose
// hash column matches hash.
func (p *SnapshotProvider) HeaderByHash(hash common.Hash) (*types.Header, error) {
	res, err := p.findSnapshot(snaptype.Headers, func(jar *snapjar.LoadedJar) (interface{}, error) {
		jar.Acquire()
		defer jar.Release()
		rows := jar.Jar().Rows()
		for row := uint64(0); row < rows; row++ {
			h, err := jar.Jar().Column("hash", row)
			if err != nil {
				return nil, err
			}
			if common.BytesToHash(h) == hash {
				hdr, err := decodeHeaderRow(jar.Jar(), row)
				if err != nil {
					return nil, err
				}
				return hdr, nil
			}
		}
		return nil, nil
	})
	if err != nil || res == nil {
		return nil, err
	}
	return res.(*types.Header), nil
}

// HeaderTD returns the total difficulty recorded alongside the header
// at block number n.
func (p *SnapshotProvider) HeaderTD(n uint64) (*big.Int, error) {
	jar, err := p.ProviderForBlock(snaptype.Headers, n)
	if err != nil {
		return nil, err
	}
	jar.Acquire()
	defer jar.Release()
	blob, err := jar.Jar().Column("td", n-jar.Jar().Range.Block.Lo)
	if err != nil {
		return nil, err
	}
	td := new(big.Int)
	if err := rlp.DecodeBytes(blob, td); err != nil {
		return nil, fmt.Errorf("snapstore: decoding td for block %d: %w", n, err)
	}
	return td, nil
}

// HeadersRange returns headers for [lo, hi) in ascending order.
func (p *SnapshotProvider) HeadersRange(lo, hi uint64) ([]*types.Header, error) {
	return fetchRange(p, snaptype.Headers, lo, hi, false,
		func(jar *snapjar.LoadedJar, number uint64) (*types.Header, bool, error) {
			jar.Acquire()
			defer jar.Release()
			j := jar.Jar()
			if !j.Range.Block.Contains(number) {
				return nil, false, nil
			}
			h, err := decodeHeaderRow(j, number-j.Range.Block.Lo)
			if err != nil {
				return nil, false, err
			}
			return h, true, nil
		},
		func(*types.Header) bool { return true },
	)
}

// HeadersWhile returns headers for [lo, hi) in ascending order, stopping
// as soon as predicate rejects one (the rejecting header is excluded).
func (p *SnapshotProvider) HeadersWhile(lo, hi uint64, predicate func(*types.Header) bool) ([]*types.Header, error) {
	return fetchRange(p, snaptype.Headers, lo, hi, false,
		func(jar *snapjar.LoadedJar, number uint64) (*types.Header, bool, error) {
			jar.Acquire()
			defer jar.Release()
			j := jar.Jar()
			if !j.Range.Block.Contains(number) {
				return nil, false, nil
			}
			h, err := decodeHeaderRow(j, number-j.Range.Block.Lo)
			if err != nil {
				return nil, false, err
			}
			return h, true, nil
		},
		predicate,
	)
}

// BlockHash returns the canonical hash of block number n.
func (p *SnapshotProvider) BlockHash(n uint64) (common.Hash, error) {
	jar, err := p.ProviderForBlock(snaptype.Headers, n)
	if err != nil {
		return common.Hash{}, err
	}
	jar.Acquire()
	defer jar.Release()
	blob, err := jar.Jar().Column("hash", n-jar.Jar().Range.Block.Lo)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(blob), nil
}

// CanonicalHashesRange returns the canonical hash column for [lo, hi).
func (p *SnapshotProvider) CanonicalHashesRange(lo, hi uint64) ([]common.Hash, error) {
	return fetchRange(p, snaptype.Headers, lo, hi, false,
		func(jar *snapjar.LoadedJar, number uint64) (common.Hash, bool, error) {
			jar.Acquire()
			defer jar.Release()
			j := jar.Jar()
			if !j.Range.Block.Contains(number) {
				return common.Hash{}, false, nil
			}
			blob, err := j.Column("hash", number-j.Range.Block.Lo)
			if err != nil {
				return common.Hash{}, false, err
			}
			return common.BytesToHash(blob), true, nil
		},
		func(common.Hash) bool { return true },
	)
}

func decodeHeaderRow(jar *snapjar.Jar, row uint64) (*types.Header, error) {
	blob, err := jar.Column("header", row)
	if err != nil {
		return nil, err
	}
	var h types.Header
	if err := rlp.DecodeBytes(blob, &h); err != nil {
		return nil, fmt.Errorf("snapstore: decoding header row %d: %w", row, err)
	}
	return &h, nil
}

// --- Receipts ---

// Receipt returns the receipt for transaction number txNum.
func (p *SnapshotProvider) Receipt(txNum uint64) (*types.Receipt, error) {
	jar, err := p.ProviderForTx(snaptype.Receipts, txNum)
	if err != nil {
		return nil, err
	}
	jar.Acquire()
	defer jar.Release()
	return decodeReceiptRow(jar.Jar(), txNum-jar.Jar().Range.Tx.Lo)
}

// ReceiptByHash resolves hash to a transaction number via the
// transactions segment, then returns its receipt.
func (p *SnapshotProvider) ReceiptByHash(hash common.Hash) (*types.Receipt, error) {
	txNum, ok, err := p.TransactionID(hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return p.Receipt(txNum)
}

// ReceiptsByTxRange returns receipts for transaction numbers [lo, hi).
func (p *SnapshotProvider) ReceiptsByTxRange(lo, hi uint64) ([]*types.Receipt, error) {
	return fetchRange(p, snaptype.Receipts, lo, hi, true,
		func(jar *snapjar.LoadedJar, number uint64) (*types.Receipt, bool, error) {
			jar.Acquire()
			defer jar.Release()
			j := jar.Jar()
			if !j.Range.Tx.Contains(number) {
				return nil, false, nil
			}
			r, err := decodeReceiptRow(j, number-j.Range.Tx.Lo)
			if err != nil {
				return nil, false, err
			}
			return r, true, nil
		},
		func(*types.Receipt) bool { return true },
	)
}

func decodeReceiptRow(jar *snapjar.Jar, row uint64) (*types.Receipt, error) {
	blob, err := jar.Column("receipt", row)
	if err != nil {
		return nil, err
	}
	var r types.Receipt
	if err := rlp.DecodeBytes(blob, &r); err != nil {
		return nil, fmt.Errorf("snapstore: decoding receipt row %d: %w", row, err)
	}
	return &r, nil
}

// --- Transactions ---

// TransactionID resolves a transaction hash to its transaction number
// by scanning the Transactions segment from highest to lowest.
func (p *SnapshotProvider) TransactionID(hash common.Hash) (uint64, bool, error) {
	res, err := p.findSnapshot(snaptype.Transactions, func(jar *snapjar.LoadedJar) (interface{}, error) {
		jar.Acquire()
		defer jar.Release()
		j := jar.Jar()
		if present, ok := j.ContainsHash(hash.Bytes()); ok && !present {
			return nil, nil
		}
		rows := j.Rows()
		for row := uint64(0); row < rows; row++ {
			h, err := j.Column("hash", row)
			if err != nil {
				return nil, err
			}
			if common.BytesToHash(h) == hash {
				return j.Range.Tx.Lo + row, nil
			}
		}
		return nil, nil
	})
	if err != nil || res == nil {
		return 0, false, err
	}
	return res.(uint64), true, nil
}

// TransactionByID returns the transaction at transaction number txNum.
func (p *SnapshotProvider) TransactionByID(txNum uint64) (*types.Transaction, error) {
	jar, err := p.ProviderForTx(snaptype.Transactions, txNum)
	if err != nil {
		return nil, err
	}
	jar.Acquire()
	defer jar.Release()
	return decodeTxRow(jar.Jar(), txNum-jar.Jar().Range.Tx.Lo)
}

// TransactionByHash scans segments from highest to lowest for a
// transaction whose hash column matches hash.
func (p *SnapshotProvider) TransactionByHash(hash common.Hash) (*types.Transaction, error) {
	txNum, ok, err := p.TransactionID(hash)
	if err != nil || !ok {
		return nil, err
	}
	return p.TransactionByID(txNum)
}

// TransactionHashesByRange returns (hash, txNum) pairs for [lo, hi).
func (p *SnapshotProvider) TransactionHashesByRange(lo, hi uint64) ([]TxHashNum, error) {
	return fetchRange(p, snaptype.Transactions, lo, hi, true,
		func(jar *snapjar.LoadedJar, number uint64) (TxHashNum, bool, error) {
			jar.Acquire()
			defer jar.Release()
			j := jar.Jar()
			if !j.Range.Tx.Contains(number) {
				return TxHashNum{}, false, nil
			}
			blob, err := j.Column("hash", number-j.Range.Tx.Lo)
			if err != nil {
				return TxHashNum{}, false, err
			}
			return TxHashNum{Hash: common.BytesToHash(blob), TxNum: number}, true, nil
		},
		func(TxHashNum) bool { return true },
	)
}

// TransactionsByTxRange returns transactions for [lo, hi).
func (p *SnapshotProvider) TransactionsByTxRange(lo, hi uint64) ([]*types.Transaction, error) {
	return fetchRange(p, snaptype.Transactions, lo, hi, true,
		func(jar *snapjar.LoadedJar, number uint64) (*types.Transaction, bool, error) {
			jar.Acquire()
			defer jar.Release()
			j := jar.Jar()
			if !j.Range.Tx.Contains(number) {
				return nil, false, nil
			}
			tx, err := decodeTxRow(j, number-j.Range.Tx.Lo)
			if err != nil {
				return nil, false, err
			}
			return tx, true, nil
		},
		func(*types.Transaction) bool { return true },
	)
}

// SendersByTxRange recovers the sender address of every transaction in
// [lo, hi), using types.LatestSignerForChainID(nil), which is the
// Homestead signer: only legacy transactions without a chain ID
// recover, and any other transaction fails the call with
// ErrSenderRecoveryError.
func (p *SnapshotProvider) SendersByTxRange(lo, hi uint64) ([]common.Address, error) {
	txs, err := p.TransactionsByTxRange(lo, hi)
	if err != nil {
		return nil, err
	}
	signer := types.LatestSignerForChainID(nil)
	out := make([]common.Address, len(txs))
	for i, tx := range txs {
		addr, err := types.Sender(signer, tx)
		if err != nil {
			return nil, ErrSenderRecoveryError
		}
		out[i] = addr
	}
	return out, nil
}

func decodeTxRow(jar *snapjar.Jar, row uint64) (*types.Transaction, error) {
	blob, err := jar.Column("tx", row)
	if err != nil {
		return nil, err
	}
	var tx types.Transaction
	if err := rlp.DecodeBytes(blob, &tx); err != nil {
		return nil, fmt.Errorf("snapstore: decoding tx row %d: %w", row, err)
	}
	return &tx, nil
}

// TxHashNum pairs a transaction hash with its transaction number, the
// result element of TransactionHashesByRange.
type TxHashNum struct {
	Hash  common.Hash
	TxNum uint64
}

// --- Unsupported operations ---
//
// These exist only so SnapshotProvider can satisfy the same broad
// reader interface as a database-backed provider; the snapshot store
// never holds mutable chain-tip data.

// PendingBlock always fails: snapshots never hold the mutable chain tip.
func (p *SnapshotProvider) PendingBlock() (*types.Block, error) {
	return nil, ErrUnsupportedProvider
}

// TransactionByHashWithMeta always fails: block metadata for a
// transaction is not retained in snapshots.
func (p *SnapshotProvider) TransactionByHashWithMeta(common.Hash) (*types.Transaction, uint64, error) {
	return nil, 0, ErrUnsupportedProvider
}

// TransactionBlock always fails: the owning block of a transaction
// number is not retained in snapshots.
func (p *SnapshotProvider) TransactionBlock(uint64) (uint64, error) {
	return 0, ErrUnsupportedProvider
}

// TransactionsByBlock always fails: per-block transaction assemblies
// are not retained in snapshots.
func (p *SnapshotProvider) TransactionsByBlock(uint64) ([]*types.Transaction, error) {
	return nil, ErrUnsupportedProvider
}

// TransactionsByBlockRange always fails: per-block transaction
// assemblies are not retained in snapshots.
func (p *SnapshotProvider) TransactionsByBlockRange(uint64, uint64) ([][]*types.Transaction, error) {
	return nil, ErrUnsupportedProvider
}

// ReceiptsByBlock always fails: receipts are indexed by transaction
// number in snapshots, not grouped by block.
func (p *SnapshotProvider) ReceiptsByBlock(uint64) ([]*types.Receipt, error) {
	return nil, ErrUnsupportedProvider
}

// Close releases every cached jar handle. The provider must not be used
// afterward.
func (p *SnapshotProvider) Close() error {
	var errs []error
	p.jars.Range(func(_, v interface{}) bool {
		if err := v.(*snapjar.LoadedJar).Close(); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	if len(errs) != 0 {
		return fmt.Errorf("snapstore: close errors: %v", errs)
	}
	return nil
}
