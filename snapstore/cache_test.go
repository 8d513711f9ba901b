package snapstore_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/ethdata/snapstore/snapstore"
	"github.com/ethdata/snapstore/snaptype"
)

// Property 3 (extension): bounded eviction never closes a jar with an
// outstanding reference, even while newer jars push the cache past its
// limit.
func TestJarEvictorRespectsReferences(t *testing.T) {
	p := newProvider(t, snapstore.Options{BlocksPerSnapshot: 1, MaxCachedJars: 1})

	w, err := p.Writer(snaptype.Headers, 0)
	require.NoError(t, err)
	var parent common.Hash
	for n := uint64(0); n <= 2; n++ {
		h := header(n, parent)
		require.NoError(t, w.AppendHeader(n, big.NewInt(1), h.Hash(), h))
		parent = h.Hash()
	}
	require.NoError(t, w.Commit())
	require.NoError(t, p.UpdateIndex())

	held, err := p.ProviderForBlock(snaptype.Headers, 0)
	require.NoError(t, err)
	held.Acquire()
	defer held.Release()

	_, err = p.ProviderForBlock(snaptype.Headers, 1)
	require.NoError(t, err)
	_, err = p.ProviderForBlock(snaptype.Headers, 2)
	require.NoError(t, err)

	// held's underlying file must still be usable: RefCount stayed above
	// zero throughout, so the evictor must never have closed it.
	require.Greater(t, held.RefCount(), int32(0))
	got, err := p.HeaderByNumber(0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), got.Time)
}
