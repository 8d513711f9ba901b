// Package chaindb is the mutable key-value database the Snapshotter
// promotes finalized chain history out of. It is the "external
// collaborator" spec.md treats as assumed: a small, LevelDB-backed
// store of headers, body indices, transactions and receipts, keyed the
// way go-ethereum's own core/rawdb schema keys them, trimmed to what a
// Snapshotter run needs to read.
package chaindb

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// Database wraps a goleveldb instance with the typed Reader/Writer
// surface the Snapshotter and its tests need.
type Database struct {
	ldb *leveldb.DB
	log log.Logger
}

// NewDatabase opens (creating if necessary) a LevelDB database at path.
func NewDatabase(path string) (*Database, error) {
	ldb, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("chaindb: opening %s: %w", path, err)
	}
	return &Database{ldb: ldb, log: log.New("component", "chaindb")}, nil
}

// NewMemDatabase opens an in-memory LevelDB instance, for tests.
func NewMemDatabase() (*Database, error) {
	ldb, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("chaindb: opening memory storage: %w", err)
	}
	return &Database{ldb: ldb, log: log.New("component", "chaindb")}, nil
}

// Close releases the underlying LevelDB handle.
func (db *Database) Close() error {
	return db.ldb.Close()
}

// Reader is the read half of Database; Database is its only
// implementation in this package.
type Reader interface {
	Header(num uint64) (*types.Header, *big.Int, error)
	BodyIndex(num uint64) (BodyIndex, error)
	Transaction(txNum uint64) (*types.Transaction, error)
	Receipt(txNum uint64) (*types.Receipt, error)
}

// Writer is the write half used by test harnesses and ingestion code
// populating the mutable database ahead of a Snapshotter run.
type Writer interface {
	PutHeader(num uint64, header *types.Header, td *big.Int) error
	PutBodyIndex(num uint64, idx BodyIndex) error
	PutTransaction(txNum uint64, tx *types.Transaction) error
	PutReceipt(txNum uint64, receipt *types.Receipt) error
}

// Header returns the header at block num along with its cumulative
// total difficulty.
func (db *Database) Header(num uint64) (*types.Header, *big.Int, error) {
	blob, err := db.ldb.Get(headerKey(num), nil)
	if err != nil {
		return nil, nil, wrapNotFound(err)
	}
	var rec headerRecord
	if err := rlp.DecodeBytes(blob, &rec); err != nil {
		return nil, nil, fmt.Errorf("chaindb: decoding header %d: %w", num, err)
	}
	return rec.Header, rec.TD, nil
}

func (db *Database) BodyIndex(num uint64) (BodyIndex, error) {
	blob, err := db.ldb.Get(bodyIndexKey(num), nil)
	if err != nil {
		return BodyIndex{}, wrapNotFound(err)
	}
	var idx BodyIndex
	if err := rlp.DecodeBytes(blob, &idx); err != nil {
		return BodyIndex{}, fmt.Errorf("chaindb: decoding body index %d: %w", num, err)
	}
	return idx, nil
}

func (db *Database) Transaction(txNum uint64) (*types.Transaction, error) {
	blob, err := db.ldb.Get(txKey(txNum), nil)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	var tx types.Transaction
	if err := rlp.DecodeBytes(blob, &tx); err != nil {
		return nil, fmt.Errorf("chaindb: decoding tx %d: %w", txNum, err)
	}
	return &tx, nil
}

func (db *Database) Receipt(txNum uint64) (*types.Receipt, error) {
	blob, err := db.ldb.Get(receiptKey(txNum), nil)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	var r types.Receipt
	if err := rlp.DecodeBytes(blob, &r); err != nil {
		return nil, fmt.Errorf("chaindb: decoding receipt %d: %w", txNum, err)
	}
	return &r, nil
}

func (db *Database) PutHeader(num uint64, header *types.Header, td *big.Int) error {
	blob, err := rlp.EncodeToBytes(&headerRecord{Header: header, TD: td})
	if err != nil {
		return err
	}
	return db.ldb.Put(headerKey(num), blob, nil)
}

func (db *Database) PutBodyIndex(num uint64, idx BodyIndex) error {
	blob, err := rlp.EncodeToBytes(&idx)
	if err != nil {
		return err
	}
	return db.ldb.Put(bodyIndexKey(num), blob, nil)
}

func (db *Database) PutTransaction(txNum uint64, tx *types.Transaction) error {
	blob, err := rlp.EncodeToBytes(tx)
	if err != nil {
		return err
	}
	return db.ldb.Put(txKey(txNum), blob, nil)
}

func (db *Database) PutReceipt(txNum uint64, receipt *types.Receipt) error {
	blob, err := rlp.EncodeToBytes(receipt)
	if err != nil {
		return err
	}
	return db.ldb.Put(receiptKey(txNum), blob, nil)
}

// Batch buffers writes for one atomic commit.
type Batch struct {
	db    *Database
	batch *leveldb.Batch
}

// NewBatch returns a new write batch over db.
func (db *Database) NewBatch() *Batch {
	return &Batch{db: db, batch: new(leveldb.Batch)}
}

func (b *Batch) PutHeader(num uint64, header *types.Header, td *big.Int) error {
	blob, err := rlp.EncodeToBytes(&headerRecord{Header: header, TD: td})
	if err != nil {
		return err
	}
	b.batch.Put(headerKey(num), blob)
	return nil
}

func (b *Batch) PutBodyIndex(num uint64, idx BodyIndex) error {
	blob, err := rlp.EncodeToBytes(&idx)
	if err != nil {
		return err
	}
	b.batch.Put(bodyIndexKey(num), blob)
	return nil
}

func (b *Batch) PutTransaction(txNum uint64, tx *types.Transaction) error {
	blob, err := rlp.EncodeToBytes(tx)
	if err != nil {
		return err
	}
	b.batch.Put(txKey(txNum), blob)
	return nil
}

func (b *Batch) PutReceipt(txNum uint64, receipt *types.Receipt) error {
	blob, err := rlp.EncodeToBytes(receipt)
	if err != nil {
		return err
	}
	b.batch.Put(receiptKey(txNum), blob)
	return nil
}

// Write commits every buffered op atomically.
func (b *Batch) Write() error {
	return b.db.ldb.Write(b.batch, nil)
}

func wrapNotFound(err error) error {
	if err == errors.ErrNotFound {
		return fmt.Errorf("chaindb: %w", ErrNotFound)
	}
	return err
}

// ErrNotFound is returned (wrapped) when a requested row does not
// exist in the database.
var ErrNotFound = fmt.Errorf("not found")
