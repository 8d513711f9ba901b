package snapstore

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/ethdata/snapstore/snaptype"
)

// Property 2: running UpdateIndex twice yields identical max_block maps
// (only a Headers jar is written, so tx_index stays empty here).
func TestUpdateIndexIdempotent(t *testing.T) {
	p, err := NewSnapshotProvider(Options{Path: t.TempDir()})
	require.NoError(t, err)
	defer p.Close()

	w, err := p.Writer(snaptype.Headers, 0)
	require.NoError(t, err)
	var parent common.Hash
	for n := uint64(0); n <= 2; n++ {
		h := &types.Header{ParentHash: parent, Number: big.NewInt(int64(n)), Extra: []byte{}, Difficulty: big.NewInt(1), Time: n}
		require.NoError(t, w.AppendHeader(n, big.NewInt(1), h.Hash(), h))
		parent = h.Hash()
	}
	require.NoError(t, w.Commit())

	require.NoError(t, p.UpdateIndex())
	first := snapshotIndexMaxBlocks(p)

	require.NoError(t, p.UpdateIndex())
	second := snapshotIndexMaxBlocks(p)

	require.Equal(t, first, second)
}

func snapshotIndexMaxBlocks(p *SnapshotProvider) map[snaptype.Segment]uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[snaptype.Segment]uint64, len(p.index.maxBlock))
	for k, v := range p.index.maxBlock {
		out[k] = v
	}
	return out
}

func TestRangeForTxCorrectedSemantics(t *testing.T) {
	idx := newSegmentIndex()
	idx.txIndex[snaptype.Transactions] = []txIndexEntry{
		{TxHi: 3, TxLo: 0, Block: snaptype.BlockRange{Lo: 0, Hi: 1}},
		{TxHi: 7, TxLo: 4, Block: snaptype.BlockRange{Lo: 2, Hi: 3}},
	}

	r, ok := idx.rangeForTx(snaptype.Transactions, 5)
	require.True(t, ok)
	require.Equal(t, snaptype.BlockRange{Lo: 2, Hi: 3}, r)

	// tx 8 lies beyond every file's tx_hi.
	_, ok = idx.rangeForTx(snaptype.Transactions, 8)
	require.False(t, ok)

	// The buggy original semantics would have picked the file with the
	// greatest tx_hi strictly less than the query; tx 3 must resolve to
	// the file actually containing it, not the one before it.
	r, ok = idx.rangeForTx(snaptype.Transactions, 3)
	require.True(t, ok)
	require.Equal(t, snaptype.BlockRange{Lo: 0, Hi: 1}, r)
}
