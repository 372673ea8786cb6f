/*
Copyright 2024 The Flowdag Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package aggregator

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/flowproj/flowdag/pkg/memory/binarystorage"
)

// A spilled run is a sorted sequence of key groups:
//
//	keyLen     uint32
//	valueCount uint32
//	key        keyLen bytes
//	valueCount times:
//	  valueLen uint32
//	  value    valueLen bytes
//
// Runs are written once, sequentially, and read back once by the merge
// cursor.

// spillWriter writes one run file through a buffer, flushing whenever a
// chunk's worth of bytes has accumulated.
type spillWriter struct {
	f            *os.File
	w            *bufio.Writer
	order        binary.ByteOrder
	chunkSize    int
	sinceFlush   int
	scratch      [4]byte
	bytesWritten int64
}

func newSpillWriter(dir string, seq int, order binary.ByteOrder, bufferSize, chunkSize int) (*spillWriter, error) {
	f, err := os.Create(filepath.Join(dir, fmt.Sprintf("run-%04d.spill", seq)))
	if err != nil {
		return nil, fmt.Errorf("failed to create spill file: %w", err)
	}
	return &spillWriter{
		f:         f,
		w:         bufio.NewWriterSize(f, bufferSize),
		order:     order,
		chunkSize: chunkSize,
	}, nil
}

func (sw *spillWriter) writeUint32(v uint32) error {
	sw.order.PutUint32(sw.scratch[:], v)
	return sw.write(sw.scratch[:])
}

func (sw *spillWriter) write(p []byte) error {
	if _, err := sw.w.Write(p); err != nil {
		return err
	}
	sw.sinceFlush += len(p)
	sw.bytesWritten += int64(len(p))
	if sw.sinceFlush >= sw.chunkSize {
		sw.sinceFlush = 0
		return sw.w.Flush()
	}
	return nil
}

// writeGroup writes one key and its values.
func (sw *spillWriter) writeGroup(key []byte, values [][]byte) error {
	if err := sw.writeUint32(uint32(len(key))); err != nil {
		return err
	}
	if err := sw.writeUint32(uint32(len(values))); err != nil {
		return err
	}
	if err := sw.write(key); err != nil {
		return err
	}
	for _, v := range values {
		if err := sw.writeUint32(uint32(len(v))); err != nil {
			return err
		}
		if err := sw.write(v); err != nil {
			return err
		}
	}
	return nil
}

func (sw *spillWriter) close() error {
	if err := sw.w.Flush(); err != nil {
		_ = sw.f.Close()
		return err
	}
	return sw.f.Close()
}

func (sw *spillWriter) name() string { return sw.f.Name() }

// spillReader streams one run back, one key group at a time.
type spillReader struct {
	f      *os.File
	r      *bufio.Reader
	order  binary.ByteOrder
	key    []byte
	values [][]byte
	done   bool
}

func newSpillReader(path string, order binary.ByteOrder, bufferSize int) (*spillReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spill file: %w", err)
	}
	return &spillReader{f: f, r: bufio.NewReaderSize(f, bufferSize), order: order}, nil
}

func (sr *spillReader) readUint32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(sr.r, buf[:]); err != nil {
		return 0, err
	}
	return sr.order.Uint32(buf[:]), nil
}

// advance reads the next key group. It returns false at end of run.
func (sr *spillReader) advance() (bool, error) {
	if sr.done {
		return false, nil
	}
	keyLen, err := sr.readUint32()
	if err == io.EOF {
		sr.done = true
		return false, nil
	}
	if err != nil {
		return false, err
	}
	valueCount, err := sr.readUint32()
	if err != nil {
		return false, err
	}
	sr.key = make([]byte, keyLen)
	if _, err := io.ReadFull(sr.r, sr.key); err != nil {
		return false, err
	}
	sr.values = make([][]byte, valueCount)
	for i := range sr.values {
		valueLen, err := sr.readUint32()
		if err != nil {
			return false, err
		}
		sr.values[i] = make([]byte, valueLen)
		if _, err := io.ReadFull(sr.r, sr.values[i]); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (sr *spillReader) close() error { return sr.f.Close() }

func removeRun(path string) error { return os.Remove(path) }

// spillPartition sorts the partition, writes it out as one run and resets
// the in-memory state.
func spillPartition(s *binarystorage.Storage, cmp binarystorage.Comparator, sortOrder binarystorage.SortOrder,
	dir string, seq int, order binary.ByteOrder, bufferSize, chunkSize int) (string, error) {
	slots := sortSlots(s, cmp, sortOrder, nil)
	sw, err := newSpillWriter(dir, seq, order, bufferSize, chunkSize)
	if err != nil {
		return "", err
	}
	var values [][]byte
	for _, head := range slots {
		values = values[:0]
		for slot := head; slot != binarystorage.NilSlot; slot = s.NextOf(slot) {
			values = append(values, s.ValueAt(slot))
		}
		if err := sw.writeGroup(s.KeyAt(head), values); err != nil {
			_ = sw.close()
			return "", fmt.Errorf("failed to write spill run: %w", err)
		}
	}
	name := sw.name()
	if err := sw.close(); err != nil {
		return "", fmt.Errorf("failed to close spill run: %w", err)
	}
	s.Reset()
	return name, nil
}
