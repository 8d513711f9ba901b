package snapshotter_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/ethdata/snapstore/chaindb"
	"github.com/ethdata/snapstore/snapshotter"
	"github.com/ethdata/snapstore/snapstore"
	"github.com/ethdata/snapstore/snaptype"
)

// insertBlocks populates db with blocks [lo, hi], each carrying
// txsPerBlock signed transactions and a receipt apiece, numbering the
// transactions from *nextTxNum and advancing it past the last one.
func insertBlocks(t *testing.T, db *chaindb.Database, lo, hi uint64, txsPerBlock int, nextTxNum *uint64) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	var parent common.Hash
	if lo > 0 {
		h, _, err := db.Header(lo - 1)
		if err == nil {
			parent = h.Hash()
		}
	}

	for block := lo; block <= hi; block++ {
		h := &types.Header{
			ParentHash: parent,
			Number:     big.NewInt(int64(block)),
			Extra:      []byte{},
			Difficulty: big.NewInt(1),
			Time:       block,
		}
		require.NoError(t, db.PutHeader(block, h, big.NewInt(int64(block)+1)))
		parent = h.Hash()

		base := *nextTxNum
		for i := 0; i < txsPerBlock; i++ {
			tx := types.NewTx(&types.LegacyTx{
				Nonce:    *nextTxNum,
				To:       &common.Address{0x02},
				Value:    big.NewInt(1),
				Gas:      21000,
				GasPrice: big.NewInt(1),
			})
			signed, err := types.SignTx(tx, types.HomesteadSigner{}, key)
			require.NoError(t, err)
			require.NoError(t, db.PutTransaction(*nextTxNum, signed))
			require.NoError(t, db.PutReceipt(*nextTxNum, &types.Receipt{
				Status: types.ReceiptStatusSuccessful,
				TxHash: signed.Hash(),
			}))
			*nextTxNum++
		}
		require.NoError(t, db.PutBodyIndex(block, chaindb.BodyIndex{BaseTxNum: base, TxCount: uint64(txsPerBlock)}))
	}
}

// S1 — initial snapshot. Insert blocks 0..=1 (2 blocks, 2 txs each).
// get_snapshot_targets(1) must request [0,1] for every segment; after
// Run + UpdateIndex, max_block[Transactions] == 1 and
// transaction_by_id(3) returns the last-inserted transaction.
func TestScenarioS1InitialSnapshot(t *testing.T) {
	db, err := chaindb.NewMemDatabase()
	require.NoError(t, err)
	defer db.Close()

	var nextTx uint64
	insertBlocks(t, db, 0, 1, 2, &nextTx)

	sp, err := snapstore.NewSnapshotProvider(snapstore.Options{Path: t.TempDir()})
	require.NoError(t, err)
	defer sp.Close()

	tracker := snapstore.NewHighestTracker()
	s := snapshotter.New(db, sp, tracker)
	targets := s.GetSnapshotTargets(1)
	require.NotNil(t, targets.Headers)
	require.Equal(t, snaptype.BlockRange{Lo: 0, Hi: 1}, *targets.Headers)
	require.Equal(t, snaptype.BlockRange{Lo: 0, Hi: 1}, *targets.Receipts)
	require.Equal(t, snaptype.BlockRange{Lo: 0, Hi: 1}, *targets.Transactions)

	require.NoError(t, s.Run(targets))

	max, ok := sp.HighestSnapshotBlock(snaptype.Transactions)
	require.True(t, ok)
	require.Equal(t, uint64(1), max)

	last, err := sp.TransactionByID(3)
	require.NoError(t, err)
	require.Equal(t, uint64(3), last.Nonce())

	// A successful Run must publish the new highs to the tracker.
	current := tracker.Current()
	require.NotNil(t, current.Transactions)
	require.Equal(t, uint64(1), *current.Transactions)
	require.NotNil(t, current.Headers)
	require.Equal(t, uint64(1), *current.Headers)
}

// S2 — incremental snapshot (adapted): after S1 writes headers,
// receipts and transactions uniformly through block 1 (this repo's
// fix for the upstream headers/receipts TODO, see SPEC_FULL.md §9 Q2),
// every segment's highest snapshotted block is 1, so a second run's
// targets all start at block 2 rather than the split 2-vs-1 start the
// unfixed original produces.
func TestScenarioS2IncrementalSnapshot(t *testing.T) {
	db, err := chaindb.NewMemDatabase()
	require.NoError(t, err)
	defer db.Close()

	var nextTx uint64
	insertBlocks(t, db, 0, 1, 2, &nextTx)

	sp, err := snapstore.NewSnapshotProvider(snapstore.Options{Path: t.TempDir()})
	require.NoError(t, err)
	defer sp.Close()

	s := snapshotter.New(db, sp, nil)
	require.NoError(t, s.Run(s.GetSnapshotTargets(1)))

	insertBlocks(t, db, 2, 3, 2, &nextTx)

	targets := s.GetSnapshotTargets(3)
	require.Equal(t, snaptype.BlockRange{Lo: 2, Hi: 3}, *targets.Headers)
	require.Equal(t, snaptype.BlockRange{Lo: 2, Hi: 3}, *targets.Receipts)
	require.Equal(t, snaptype.BlockRange{Lo: 2, Hi: 3}, *targets.Transactions)

	require.NoError(t, s.Run(targets))

	max, ok := sp.HighestSnapshotBlock(snaptype.Headers)
	require.True(t, ok)
	require.Equal(t, uint64(3), max)
}

// S6 — contiguity assertion: Run must reject non-contiguous targets
// without mutating any visible state.
func TestScenarioS6ContiguityAssertion(t *testing.T) {
	db, err := chaindb.NewMemDatabase()
	require.NoError(t, err)
	defer db.Close()

	var nextTx uint64
	insertBlocks(t, db, 0, 2, 2, &nextTx)

	sp, err := snapstore.NewSnapshotProvider(snapstore.Options{Path: t.TempDir()})
	require.NoError(t, err)
	defer sp.Close()

	s := snapshotter.New(db, sp, nil)
	require.NoError(t, s.Run(s.GetSnapshotTargets(2)))

	gap := snaptype.BlockRange{Lo: 5, Hi: 10}
	err = s.Run(snapshotter.SnapshotTargets{Transactions: &gap})
	require.ErrorIs(t, err, snapstore.ErrNonContiguousTargets)

	max, _ := sp.HighestSnapshotBlock(snaptype.Transactions)
	require.Equal(t, uint64(2), max)
}

// Property 1: contiguity across repeated runs.
func TestContiguityAcrossRuns(t *testing.T) {
	db, err := chaindb.NewMemDatabase()
	require.NoError(t, err)
	defer db.Close()

	sp, err := snapstore.NewSnapshotProvider(snapstore.Options{Path: t.TempDir(), BlocksPerSnapshot: 2})
	require.NoError(t, err)
	defer sp.Close()

	s := snapshotter.New(db, sp, nil)

	var nextTx uint64
	finalized := uint64(0)
	for round := 0; round < 3; round++ {
		lo := finalized
		if round > 0 {
			lo = finalized + 1
		}
		hi := lo + 1
		insertBlocks(t, db, lo, hi, 1, &nextTx)
		finalized = hi

		require.NoError(t, s.Run(s.GetSnapshotTargets(finalized)))
	}

	max, ok := sp.HighestSnapshotBlock(snaptype.Headers)
	require.True(t, ok)
	require.Equal(t, finalized, max)
}
