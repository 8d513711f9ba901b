package chaindb

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// Key prefixes for the small slice of the mutable chain database this
// package needs: enough to let a Snapshotter walk finalized history in
// block and transaction order. Mirrors the prefixed-key convention
// go-ethereum's own core/rawdb schema uses, trimmed to this store's
// needs.
var (
	headerPrefix  = []byte("h") // headerPrefix + num (8 bytes) -> headerRecord RLP (header, TD)
	bodyIdxPrefix = []byte("b") // bodyIdxPrefix + num (8 bytes) -> (baseTxNum, txCount)
	txPrefix      = []byte("t") // txPrefix + txNum (8 bytes) -> transaction RLP
	receiptPrefix = []byte("r") // receiptPrefix + txNum (8 bytes) -> receipt RLP
)

func encodeNum(num uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, num)
	return buf
}

func headerKey(num uint64) []byte {
	return append(append([]byte{}, headerPrefix...), encodeNum(num)...)
}

func bodyIndexKey(num uint64) []byte {
	return append(append([]byte{}, bodyIdxPrefix...), encodeNum(num)...)
}

func txKey(txNum uint64) []byte {
	return append(append([]byte{}, txPrefix...), encodeNum(txNum)...)
}

func receiptKey(txNum uint64) []byte {
	return append(append([]byte{}, receiptPrefix...), encodeNum(txNum)...)
}

// BodyIndex records, for one block, the transaction-number range its
// body occupies: [BaseTxNum, BaseTxNum+TxCount).
type BodyIndex struct {
	BaseTxNum uint64
	TxCount   uint64
}

// headerRecord is the stored form of a header entry: the header itself
// plus its cumulative total difficulty, which the header RLP alone
// does not carry.
type headerRecord struct {
	Header *types.Header
	TD     *big.Int
}

// TxNumRange returns the half-open transaction-number range the block
// occupies.
func (b BodyIndex) TxNumRange() (lo, hi uint64) {
	return b.BaseTxNum, b.BaseTxNum + b.TxCount
}
