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

import "bytes"

const (
	initialIndexCapacity = 1 << 10
	// grow when count/capacity reaches 3/4
	loadFactorNum = 3
	loadFactorDen = 4
)

// indexEntry is one occupied position of the open-addressed table. head
// and tail delimit the record chain of a single distinct key; duplicates
// are linked through the records' next pointers, so the table itself
// stays one entry per key.
type indexEntry struct {
	hash uint64
	head Slot
	tail Slot
}

// hashIndex is an open-addressed table with linear probing over compact
// slot addresses. Distinct keys never share an entry; a hash collision
// just probes on.
type hashIndex struct {
	entries []indexEntry
	count   int
}

func newHashIndex() hashIndex {
	return hashIndex{entries: emptyEntries(initialIndexCapacity)}
}

func emptyEntries(n int) []indexEntry {
	entries := make([]indexEntry, n)
	for i := range entries {
		entries[i].head = NilSlot
	}
	return entries
}

// find locates the entry for the key, or the position where it would be
// inserted. Key bytes are resolved through the store since the table only
// holds addresses.
func (ix *hashIndex) find(hash uint64, key []byte, s *Storage) (pos int, found bool) {
	mask := len(ix.entries) - 1
	for i := int(hash) & mask; ; i = (i + 1) & mask {
		e := &ix.entries[i]
		if e.head == NilSlot {
			return i, false
		}
		if e.hash == hash && bytes.Equal(s.keyAt(e.head), key) {
			return i, true
		}
	}
}

// insert claims the position returned by find and grows the table when
// the load factor is reached.
func (ix *hashIndex) insert(pos int, hash uint64, slot Slot) {
	ix.entries[pos] = indexEntry{hash: hash, head: slot, tail: slot}
	ix.count++
	if ix.count*loadFactorDen >= len(ix.entries)*loadFactorNum {
		ix.grow()
	}
}

func (ix *hashIndex) grow() {
	old := ix.entries
	ix.entries = emptyEntries(len(old) * 2)
	mask := len(ix.entries) - 1
	for _, e := range old {
		if e.head == NilSlot {
			continue
		}
		i := int(e.hash) & mask
		for ix.entries[i].head != NilSlot {
			i = (i + 1) & mask
		}
		ix.entries[i] = e
	}
}
