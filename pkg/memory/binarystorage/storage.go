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

package binarystorage

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"

	"github.com/flowproj/flowdag/pkg/memory"
)

// Record layout within a block:
//
//	keyLen   uint32 (high bit marks a dead record)
//	valueLen uint32
//	next     uint64 (slot address of the next record with the same key)
//	key      keyLen bytes
//	value    valueLen bytes
//
// Records are append-only. A value update that does not fit in place
// appends a replacement record and marks the old one dead; committed
// bytes are never moved, so scan positions stay valid.
const (
	recordHeaderLen = 16
	nextOffset      = 8
	deadBit         = uint32(1) << 31
)

// Storage is one partition's worth of records: a chain of blocks plus the
// hash index over them. It is single-threaded, owned by one tasklet.
type Storage struct {
	mctx      *memory.Context
	rule      memory.ChainingRule
	order     binary.ByteOrder
	blocks    []*memory.Block
	index     hashIndex
	records   int
	bytesUsed int
}

// NewStorage creates an empty storage drawing blocks from mctx under the
// given chaining rule.
func NewStorage(mctx *memory.Context, rule memory.ChainingRule, order binary.ByteOrder) *Storage {
	return &Storage{
		mctx:  mctx,
		rule:  rule,
		order: order,
		index: newHashIndex(),
	}
}

// Put appends a record. A record with an equal key already present makes
// the new one join that key's chain, after the existing ones.
func (s *Storage) Put(key, value []byte) error {
	hash := murmur3.Sum64(key)
	pos, found := s.index.find(hash, key, s)
	slot, err := s.appendRecord(key, value)
	if err != nil {
		return err
	}
	if !found {
		s.index.insert(pos, hash, slot)
		return nil
	}
	e := &s.index.entries[pos]
	s.setNext(e.tail, slot)
	e.tail = slot
	return nil
}

// PutAccumulate folds the value into the key's single accumulator record.
// The first value of a key is stored as-is; subsequent ones are combined
// with the stored serialization. The combined value is written in place
// when its length is unchanged, otherwise a replacement record is
// appended and the chain is pointed at it.
func (s *Storage) PutAccumulate(key, value []byte, acc Accumulator) error {
	hash := murmur3.Sum64(key)
	pos, found := s.index.find(hash, key, s)
	if !found {
		slot, err := s.appendRecord(key, value)
		if err != nil {
			return err
		}
		s.index.insert(pos, hash, slot)
		return nil
	}
	e := &s.index.entries[pos]
	existing := s.valueAt(e.head)
	updated := acc.CombineSerialized(existing, value)
	if len(updated) == len(existing) {
		copy(existing, updated)
		return nil
	}
	slot, err := s.appendRecord(key, updated)
	if err != nil {
		return err
	}
	s.markDead(e.head)
	e.head = slot
	e.tail = slot
	return nil
}

// Lookup returns the head slot of the key's record chain.
func (s *Storage) Lookup(key []byte) (Slot, bool) {
	pos, found := s.index.find(murmur3.Sum64(key), key, s)
	if !found {
		return NilSlot, false
	}
	return s.index.entries[pos].head, true
}

// KeyAt returns the key bytes of the record at slot. The returned slice
// aliases block memory and must not be modified.
func (s *Storage) KeyAt(slot Slot) []byte { return s.keyAt(slot) }

// ValueAt returns the value bytes of the record at slot, aliasing block
// memory. In-place accumulator updates write through this slice.
func (s *Storage) ValueAt(slot Slot) []byte { return s.valueAt(slot) }

// NextOf returns the next record in the slot's key chain, or NilSlot.
func (s *Storage) NextOf(slot Slot) Slot {
	buf := s.blocks[slot.blockIdx()].Bytes()
	return Slot(s.order.Uint64(buf[slot.offset()+nextOffset:]))
}

// HeadSlots appends the chain-head slot of every distinct key to dst and
// returns it. The order is the index's internal order; callers that need
// a particular order sort the result.
func (s *Storage) HeadSlots(dst []Slot) []Slot {
	for i := range s.index.entries {
		if e := &s.index.entries[i]; e.head != NilSlot {
			dst = append(dst, e.head)
		}
	}
	return dst
}

// KeyCount returns the number of distinct keys.
func (s *Storage) KeyCount() int { return s.index.count }

// RecordCount returns the number of live records.
func (s *Storage) RecordCount() int { return s.records }

// IsEmpty reports whether no live record is stored.
func (s *Storage) IsEmpty() bool { return s.records == 0 }

// ByteUsage returns the bytes consumed by live records.
func (s *Storage) ByteUsage() int { return s.bytesUsed }

// Scan returns an iterator over the live records in block order, which
// for never-replaced records is insertion order.
func (s *Storage) Scan() *ScanIterator {
	return &ScanIterator{s: s}
}

// Reset releases every block back to its pool and empties the index. The
// storage remains usable; fresh puts acquire fresh blocks.
func (s *Storage) Reset() {
	for _, b := range s.blocks {
		s.mctx.Release(b)
	}
	s.blocks = nil
	s.index = newHashIndex()
	s.records = 0
	s.bytesUsed = 0
}

// Dispose releases all resources. The storage must not be used afterwards.
func (s *Storage) Dispose() {
	s.Reset()
}

func (s *Storage) keyAt(slot Slot) []byte {
	buf := s.blocks[slot.blockIdx()].Bytes()
	off := slot.offset()
	keyLen := s.order.Uint32(buf[off:]) &^ deadBit
	return buf[off+recordHeaderLen : off+recordHeaderLen+keyLen]
}

func (s *Storage) valueAt(slot Slot) []byte {
	buf := s.blocks[slot.blockIdx()].Bytes()
	off := slot.offset()
	keyLen := s.order.Uint32(buf[off:]) &^ deadBit
	valueLen := s.order.Uint32(buf[off+4:])
	start := off + recordHeaderLen + keyLen
	return buf[start : start+valueLen]
}

func (s *Storage) setNext(slot, next Slot) {
	buf := s.blocks[slot.blockIdx()].Bytes()
	s.order.PutUint64(buf[slot.offset()+nextOffset:], uint64(next))
}

func (s *Storage) markDead(slot Slot) {
	buf := s.blocks[slot.blockIdx()].Bytes()
	off := slot.offset()
	keyLen := s.order.Uint32(buf[off:])
	valueLen := s.order.Uint32(buf[off+4:])
	s.order.PutUint32(buf[off:], keyLen|deadBit)
	s.records--
	s.bytesUsed -= recordHeaderLen + int(keyLen&^deadBit) + int(valueLen)
}

// appendRecord writes a fresh record and returns its slot.
func (s *Storage) appendRecord(key, value []byte) (Slot, error) {
	size := recordHeaderLen + len(key) + len(value)
	blockIdx := len(s.blocks) - 1
	var offset int
	var ok bool
	if blockIdx >= 0 {
		offset, ok = s.blocks[blockIdx].Allocate(size)
	}
	if !ok {
		b := s.mctx.Acquire(s.rule)
		if b == nil {
			return NilSlot, memory.OutOfMemoryErr{Requested: size, BlockSize: blockSizeOf(s.blocks), Rule: s.rule}
		}
		s.blocks = append(s.blocks, b)
		blockIdx = len(s.blocks) - 1
		offset, ok = b.Allocate(size)
		if !ok {
			// the record does not fit even in an empty block
			return NilSlot, memory.OutOfMemoryErr{Requested: size, BlockSize: b.Cap(), Rule: s.rule}
		}
	}
	buf := s.blocks[blockIdx].Bytes()
	s.order.PutUint32(buf[offset:], uint32(len(key)))
	s.order.PutUint32(buf[offset+4:], uint32(len(value)))
	s.order.PutUint64(buf[offset+nextOffset:], uint64(NilSlot))
	copy(buf[offset+recordHeaderLen:], key)
	copy(buf[offset+recordHeaderLen+len(key):], value)
	s.records++
	s.bytesUsed += size
	return makeSlot(uint32(blockIdx), uint32(offset)), nil
}

func blockSizeOf(blocks []*memory.Block) int {
	if len(blocks) == 0 {
		return 0
	}
	return blocks[0].Cap()
}

// ScanIterator walks the committed region of every block in order,
// skipping dead records.
type ScanIterator struct {
	s        *Storage
	blockIdx int
	offset   int
	key      []byte
	value    []byte
}

// Advance moves to the next live record. It returns false when the store
// is exhausted.
func (it *ScanIterator) Advance() bool {
	s := it.s
	for it.blockIdx < len(s.blocks) {
		b := s.blocks[it.blockIdx]
		if it.offset >= b.Used() {
			it.blockIdx++
			it.offset = 0
			continue
		}
		buf := b.Bytes()
		rawKeyLen := s.order.Uint32(buf[it.offset:])
		keyLen := int(rawKeyLen &^ deadBit)
		valueLen := int(s.order.Uint32(buf[it.offset+4:]))
		start := it.offset + recordHeaderLen
		dead := rawKeyLen&deadBit != 0
		it.key = buf[start : start+keyLen]
		it.value = buf[start+keyLen : start+keyLen+valueLen]
		it.offset = start + keyLen + valueLen
		if !dead {
			return true
		}
	}
	return false
}

// Key returns the current record's key. Valid until the store is reset.
func (it *ScanIterator) Key() []byte { return it.key }

// Value returns the current record's value.
func (it *ScanIterator) Value() []byte { return it.value }
