// Copyright 2018 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package snapjar

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/golang/snappy"
)

// offsetSize is the width, in bytes, of one entry in a column's offsets
// file: a 2 byte data-file number plus an 8 byte byte offset into it.
const offsetSize = 10

// rowOffset locates one row's end within a column: which data file it
// lives in, and the byte offset of its end within that file.
type rowOffset struct {
	filenum uint16
	offset  uint64
}

func (o *rowOffset) unmarshalBinary(b []byte) {
	o.filenum = binary.BigEndian.Uint16(b[:2])
	o.offset = binary.BigEndian.Uint64(b[2:10])
}

func (o *rowOffset) marshalBinary() []byte {
	b := make([]byte, offsetSize)
	binary.BigEndian.PutUint16(b[:2], o.filenum)
	binary.BigEndian.PutUint64(b[2:10], o.offset)
	return b
}

// column is a single append-only, snappy-compressed blob store, exactly
// in the shape of a go-ethereum freezer table: a head data file plus an
// offsets file of fixed-width rowOffset entries. A Jar is a set of
// columns sharing one row numbering.
type column struct {
	head  *os.File
	files map[uint16]*os.File
	id    uint16

	offsets *os.File

	items uint64
	bytes uint64

	name string
	path string

	readMeter  metrics.Meter
	writeMeter metrics.Meter

	logger log.Logger
	lock   sync.RWMutex

	maxFileSize uint64
}

const defaultMaxColumnFileSize = 2 * 1000 * 1000 * 1000

// openColumn opens (creating if absent) one column of a jar, repairing
// any head/offsets desync left behind by a crash.
func openColumn(path, name string) (*column, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}
	offsets, err := os.OpenFile(filepath.Join(path, name+".idx"), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	c := &column{
		offsets:     offsets,
		files:       make(map[uint16]*os.File),
		name:        name,
		path:        path,
		readMeter:   metrics.NewRegisteredMeter(fmt.Sprintf("snapjar/%s/read", name), nil),
		writeMeter:  metrics.NewRegisteredMeter(fmt.Sprintf("snapjar/%s/write", name), nil),
		logger:      log.New("column", name, "path", path),
		maxFileSize: defaultMaxColumnFileSize,
	}
	if err := c.repair(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *column) repair() error {
	buf := make([]byte, offsetSize)

	stat, err := c.offsets.Stat()
	if err != nil {
		return err
	}
	if stat.Size() == 0 {
		if _, err := c.offsets.Write(buf); err != nil {
			return err
		}
	}
	if overflow := stat.Size() % offsetSize; overflow != 0 {
		if err := c.offsets.Truncate(stat.Size() - overflow); err != nil {
			return err
		}
	}
	if stat, err = c.offsets.Stat(); err != nil {
		return err
	}
	offsetsSize := stat.Size()

	var last rowOffset
	if _, err := c.offsets.ReadAt(buf, offsetsSize-offsetSize); err != nil {
		return err
	}
	last.unmarshalBinary(buf)

	c.head, err = c.dataFile(last.filenum, os.O_RDWR|os.O_CREATE)
	if err != nil {
		return err
	}
	c.id = last.filenum

	stat, err = c.head.Stat()
	if err != nil {
		return err
	}
	contentSize := uint64(stat.Size())
	contentExp := last.offset

	for contentExp != contentSize {
		if contentExp < contentSize {
			c.logger.Warn("Truncating dangling column head", "indexed", common.StorageSize(contentExp), "stored", common.StorageSize(contentSize))
			if err := c.head.Truncate(int64(contentExp)); err != nil {
				return err
			}
			contentSize = contentExp
			continue
		}
		// contentExp > contentSize: offsets ran ahead of the data file.
		c.logger.Warn("Truncating dangling column offsets", "indexed", common.StorageSize(contentExp), "stored", common.StorageSize(contentSize))
		if err := c.offsets.Truncate(offsetsSize - offsetSize); err != nil {
			return err
		}
		offsetsSize -= offsetSize
		if _, err := c.offsets.ReadAt(buf, offsetsSize-offsetSize); err != nil {
			return err
		}
		var prev rowOffset
		prev.unmarshalBinary(buf)
		if prev.filenum != last.filenum {
			if c.head, err = c.dataFile(prev.filenum, os.O_RDWR|os.O_CREATE); err != nil {
				return err
			}
			c.id = prev.filenum
			if stat, err = c.head.Stat(); err != nil {
				return err
			}
			contentSize = uint64(stat.Size())
		}
		last = prev
		contentExp = last.offset
	}
	if err := c.offsets.Sync(); err != nil {
		return err
	}
	if err := c.head.Sync(); err != nil {
		return err
	}

	c.items = uint64(offsetsSize/offsetSize) - 1
	c.bytes = contentSize
	return nil
}

func (c *column) dataFile(num uint16, flag int) (*os.File, error) {
	if f, ok := c.files[num]; ok {
		return f, nil
	}
	f, err := os.OpenFile(filepath.Join(c.path, fmt.Sprintf("%s.%d.cdat", c.name, num)), flag, 0644)
	if err != nil {
		return nil, err
	}
	c.files[num] = f
	return f, nil
}

// Items reports the number of rows committed to this column so far.
func (c *column) Items() uint64 {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.items
}

// Append writes the next row of the column. row must equal the current
// item count; anything else indicates a caller bug (non-monotonic
// append), which this mirrors the teacher's freezer table in treating as
// a programming error.
func (c *column) Append(row uint64, blob []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.offsets == nil || c.head == nil {
		return errClosed
	}
	if c.items != row {
		panic(fmt.Sprintf("snapjar: appending unexpected row: want %d, have %d", c.items, row))
	}
	enc := snappy.Encode(nil, blob)
	if c.bytes+uint64(len(enc)) > c.maxFileSize {
		next := c.id + 1
		f, err := c.dataFile(next, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return err
		}
		c.head, c.bytes, c.id = f, 0, next
	}
	if _, err := c.head.Write(enc); err != nil {
		return err
	}
	c.bytes += uint64(len(enc))
	off := rowOffset{filenum: c.id, offset: c.bytes}
	if _, err := c.offsets.Write(off.marshalBinary()); err != nil {
		return err
	}
	c.writeMeter.Mark(int64(len(enc) + offsetSize))
	c.items++
	return nil
}

func (c *column) boundaries(row uint64) (start, end rowOffset, err error) {
	buf := make([]byte, offsetSize)
	if _, err = c.offsets.ReadAt(buf, int64(row*offsetSize)); err != nil {
		return
	}
	start.unmarshalBinary(buf)
	if _, err = c.offsets.ReadAt(buf, int64((row+1)*offsetSize)); err != nil {
		return
	}
	end.unmarshalBinary(buf)
	if start.filenum != end.filenum {
		start = rowOffset{filenum: end.filenum, offset: 0}
	}
	return
}

// Retrieve decompresses and returns the blob stored at row.
func (c *column) Retrieve(row uint64) ([]byte, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	if c.offsets == nil || c.head == nil {
		return nil, errClosed
	}
	if row >= c.items {
		return nil, errOutOfBounds
	}
	start, end, err := c.boundaries(row)
	if err != nil {
		return nil, err
	}
	f, err := c.dataFile(start.filenum, os.O_RDONLY)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, end.offset-start.offset)
	if _, err := f.ReadAt(raw, int64(start.offset)); err != nil {
		return nil, err
	}
	c.readMeter.Mark(int64(len(raw) + 2*offsetSize))
	return snappy.Decode(nil, raw)
}

// Truncate discards rows above the given count, used when a writer is
// released without committing appended-but-unflushed data.
func (c *column) Truncate(items uint64) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.items <= items {
		return nil
	}
	if err := c.offsets.Truncate(int64(items+1) * offsetSize); err != nil {
		return err
	}
	buf := make([]byte, offsetSize)
	if _, err := c.offsets.ReadAt(buf, int64(items)*offsetSize); err != nil {
		return err
	}
	var last rowOffset
	last.unmarshalBinary(buf)
	if err := c.head.Truncate(int64(last.offset)); err != nil {
		return err
	}
	c.items, c.bytes, c.id = items, last.offset, last.filenum
	return nil
}

// Sync flushes the column's file descriptors to stable storage.
func (c *column) Sync() error {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if err := c.offsets.Sync(); err != nil {
		return err
	}
	return c.head.Sync()
}

// Close releases all open file descriptors held by the column.
func (c *column) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	var errs []error
	if c.offsets != nil {
		if err := c.offsets.Close(); err != nil {
			errs = append(errs, err)
		}
		c.offsets = nil
	}
	for _, f := range c.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.files = make(map[uint16]*os.File)
	c.head = nil

	if len(errs) != 0 {
		return fmt.Errorf("snapjar: close errors: %v", errs)
	}
	return nil
}
