package snapstore_test

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/ethdata/snapstore/snapstore"
	"github.com/ethdata/snapstore/snaptype"
)

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func signedTx(t *testing.T, key *ecdsa.PrivateKey, nonce uint64) *types.Transaction {
	t.Helper()
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &common.Address{0x01},
		Value:    big.NewInt(int64(nonce) + 1),
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})
	signed, err := types.SignTx(tx, types.HomesteadSigner{}, key)
	require.NoError(t, err)
	return signed
}

func header(num uint64, parent common.Hash) *types.Header {
	return &types.Header{
		ParentHash: parent,
		Number:     big.NewInt(int64(num)),
		Time:       num,
		Extra:      []byte{},
		Difficulty: big.NewInt(1),
	}
}

func newProvider(t *testing.T, opts snapstore.Options) *snapstore.SnapshotProvider {
	t.Helper()
	if opts.Path == "" {
		opts.Path = t.TempDir()
	}
	p, err := snapstore.NewSnapshotProvider(opts)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestWriterHeaderRoundTrip(t *testing.T) {
	p := newProvider(t, snapstore.Options{})

	w, err := p.Writer(snaptype.Headers, 0)
	require.NoError(t, err)

	var parent common.Hash
	for n := uint64(0); n <= 3; n++ {
		h := header(n, parent)
		require.NoError(t, w.AppendHeader(n, big.NewInt(int64(n)+1), h.Hash(), h))
		parent = h.Hash()
	}
	require.NoError(t, w.Commit())
	require.NoError(t, p.UpdateIndex())

	max, ok := p.HighestSnapshotBlock(snaptype.Headers)
	require.True(t, ok)
	require.Equal(t, uint64(3), max)

	got, err := p.HeaderByNumber(2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Time)
}

func TestWriterRejectsNonMonotonicBlock(t *testing.T) {
	p := newProvider(t, snapstore.Options{})
	w, err := p.Writer(snaptype.Headers, 0)
	require.NoError(t, err)

	h0 := header(0, common.Hash{})
	require.NoError(t, w.AppendHeader(0, big.NewInt(1), h0.Hash(), h0))
	h0Again := header(0, common.Hash{})
	err = w.AppendHeader(0, big.NewInt(1), h0Again.Hash(), h0Again)
	require.Error(t, err)
}

func TestWriterTransactionAndReceiptRoundTrip(t *testing.T) {
	p := newProvider(t, snapstore.Options{LoadFilters: true})
	key := testKey(t)

	txw, err := p.Writer(snaptype.Transactions, 0)
	require.NoError(t, err)
	rw, err := p.Writer(snaptype.Receipts, 0)
	require.NoError(t, err)

	txs := make([]*types.Transaction, 0, 4)
	for i := uint64(0); i < 4; i++ {
		tx := signedTx(t, key, i)
		txs = append(txs, tx)
		require.NoError(t, txw.AppendTransaction(0, i, tx))
		require.NoError(t, rw.AppendReceipt(0, i, &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash()}))
	}
	require.NoError(t, txw.Commit())
	require.NoError(t, rw.Commit())
	require.NoError(t, p.UpdateIndex())

	got, err := p.TransactionByID(2)
	require.NoError(t, err)
	require.Equal(t, txs[2].Hash(), got.Hash())

	byHash, err := p.TransactionByHash(txs[3].Hash())
	require.NoError(t, err)
	require.NotNil(t, byHash)
	require.Equal(t, txs[3].Hash(), byHash.Hash())

	rcpt, err := p.Receipt(1)
	require.NoError(t, err)
	require.Equal(t, txs[1].Hash(), rcpt.TxHash)

	all, err := p.TransactionsByTxRange(0, 4)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, tx := range all {
		require.Equal(t, txs[i].Hash(), tx.Hash())
	}
}

func TestWriterReleaseWithoutCommitDiscardsRows(t *testing.T) {
	p := newProvider(t, snapstore.Options{})
	w, err := p.Writer(snaptype.Headers, 0)
	require.NoError(t, err)

	h := header(0, common.Hash{})
	require.NoError(t, w.AppendHeader(0, big.NewInt(1), h.Hash(), h))
	require.NoError(t, w.ReleaseWithoutCommit())
	require.NoError(t, p.UpdateIndex())

	_, ok := p.HighestSnapshotBlock(snaptype.Headers)
	require.False(t, ok)
}
