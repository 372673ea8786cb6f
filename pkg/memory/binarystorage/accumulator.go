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

import "encoding/binary"

// Accumulator folds the serialized values of equal keys into one running
// value. The store applies it pairwise in insertion order; only
// associative accumulators give an order-independent result, which is the
// caller's contract to honor.
type Accumulator interface {
	// CombineSerialized combines the existing stored value with an
	// incoming one and returns the updated serialization. The result may
	// alias existing when the update fits in place.
	CombineSerialized(existing, incoming []byte) []byte
}

// IntSumAccumulator sums 4-byte integer values.
type IntSumAccumulator struct {
	Order binary.ByteOrder
}

func (a IntSumAccumulator) CombineSerialized(existing, incoming []byte) []byte {
	sum := a.Order.Uint32(existing) + a.Order.Uint32(incoming)
	a.Order.PutUint32(existing, sum)
	return existing
}

// LongMaxAccumulator keeps the larger of two 8-byte integer values.
type LongMaxAccumulator struct {
	Order binary.ByteOrder
}

func (a LongMaxAccumulator) CombineSerialized(existing, incoming []byte) []byte {
	if int64(a.Order.Uint64(incoming)) > int64(a.Order.Uint64(existing)) {
		copy(existing, incoming)
	}
	return existing
}
