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

/*
Package binarystorage lays out key/value records in memory blocks and
indexes them by key hash. Records are addressed by compact slot addresses
(block index and offset packed into a uint64) rather than pointers, so the
hash table and the sorter work on plain integer arrays while the payloads
stay in place.
*/
package binarystorage

import "math"

// Slot addresses one record: the owning block's index in the store's
// chain in the high 32 bits, the byte offset within the block in the low
// 32 bits.
type Slot uint64

// NilSlot terminates a record chain.
const NilSlot Slot = math.MaxUint64

func makeSlot(blockIdx, offset uint32) Slot {
	return Slot(uint64(blockIdx)<<32 | uint64(offset))
}

func (s Slot) blockIdx() uint32 {
	return uint32(s >> 32)
}

func (s Slot) offset() uint32 {
	return uint32(s)
}
