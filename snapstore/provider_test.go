package snapstore_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/ethdata/snapstore/snapstore"
	"github.com/ethdata/snapstore/snaptype"
)

// S3 — missing block: with only blocks 0..=1 snapshotted,
// header_by_number(5) must fail with MissingSnapshotBlockError.
func TestHeaderByNumberMissingBlock(t *testing.T) {
	p := newProvider(t, snapstore.Options{})
	w, err := p.Writer(snaptype.Headers, 0)
	require.NoError(t, err)

	var parent common.Hash
	for n := uint64(0); n <= 1; n++ {
		h := header(n, parent)
		require.NoError(t, w.AppendHeader(n, big.NewInt(1), h.Hash(), h))
		parent = h.Hash()
	}
	require.NoError(t, w.Commit())
	require.NoError(t, p.UpdateIndex())

	_, err = p.HeaderByNumber(5)
	require.Error(t, err)
	var missing *snapstore.MissingSnapshotBlockError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, uint64(5), missing.Block)
}

// S4 — unsupported: pending_block() must fail with ErrUnsupportedProvider.
func TestPendingBlockUnsupported(t *testing.T) {
	p := newProvider(t, snapstore.Options{})
	_, err := p.PendingBlock()
	require.ErrorIs(t, err, snapstore.ErrUnsupportedProvider)
}

func TestUnsupportedFamilyReturnsErrUnsupportedProvider(t *testing.T) {
	p := newProvider(t, snapstore.Options{})

	_, _, err := p.TransactionByHashWithMeta(common.Hash{})
	require.ErrorIs(t, err, snapstore.ErrUnsupportedProvider)

	_, err = p.TransactionBlock(0)
	require.ErrorIs(t, err, snapstore.ErrUnsupportedProvider)

	_, err = p.TransactionsByBlock(0)
	require.ErrorIs(t, err, snapstore.ErrUnsupportedProvider)

	_, err = p.TransactionsByBlockRange(0, 1)
	require.ErrorIs(t, err, snapstore.ErrUnsupportedProvider)

	_, err = p.ReceiptsByBlock(0)
	require.ErrorIs(t, err, snapstore.ErrUnsupportedProvider)
}

// S5 — hash lookup with filters off: transaction_by_hash must still
// work via linear scan when LoadFilters is false.
func TestTransactionByHashWithoutFilters(t *testing.T) {
	p := newProvider(t, snapstore.Options{LoadFilters: false})
	key := testKey(t)

	w, err := p.Writer(snaptype.Transactions, 0)
	require.NoError(t, err)

	var target *commonTxPair
	for i := uint64(0); i < 3; i++ {
		tx := signedTx(t, key, i)
		require.NoError(t, w.AppendTransaction(0, i, tx))
		if i == 1 {
			target = &commonTxPair{hash: tx.Hash()}
		}
	}
	require.NoError(t, w.Commit())
	require.NoError(t, p.UpdateIndex())

	got, err := p.TransactionByHash(target.hash)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, target.hash, got.Hash())
}

type commonTxPair struct {
	hash common.Hash
}

// Property 5: fetch_range stops exactly at the first rejected element.
func TestHeadersWhileEarlyStop(t *testing.T) {
	p := newProvider(t, snapstore.Options{})
	w, err := p.Writer(snaptype.Headers, 0)
	require.NoError(t, err)

	var parent common.Hash
	for n := uint64(0); n <= 5; n++ {
		h := header(n, parent)
		require.NoError(t, w.AppendHeader(n, big.NewInt(1), h.Hash(), h))
		parent = h.Hash()
	}
	require.NoError(t, w.Commit())
	require.NoError(t, p.UpdateIndex())

	got, err := p.HeadersWhile(0, 6, func(h *types.Header) bool { return h.Time < 3 })
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, h := range got {
		require.Equal(t, uint64(i), h.Time)
	}

	full, err := p.HeadersRange(0, 6)
	require.NoError(t, err)
	require.Len(t, full, 6)
}

// Property 6: a range spanning two files returns the concatenation of
// their in-range rows in ascending order.
func TestTransactionsByTxRangeCrossFile(t *testing.T) {
	p := newProvider(t, snapstore.Options{BlocksPerSnapshot: 2})
	key := testKey(t)

	w, err := p.Writer(snaptype.Transactions, 0)
	require.NoError(t, err)

	txs := make([]common.Hash, 0, 6)
	for block := uint64(0); block < 3; block++ {
		for j := 0; j < 2; j++ {
			txNum := block*2 + uint64(j)
			tx := signedTx(t, key, txNum)
			require.NoError(t, w.AppendTransaction(block, txNum, tx))
			txs = append(txs, tx.Hash())
		}
	}
	require.NoError(t, w.Commit())
	require.NoError(t, p.UpdateIndex())

	got, err := p.TransactionsByTxRange(0, 6)
	require.NoError(t, err)
	require.Len(t, got, 6)
	for i, tx := range got {
		require.Equal(t, txs[i], tx.Hash())
	}
}
