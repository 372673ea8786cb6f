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

package dag

import (
	"github.com/spaolacci/murmur3"

	"github.com/flowproj/flowdag/pkg/flow"
)

// ForwardPattern decides which downstream instance(s) of the destination
// vertex an item emitted on an edge is delivered to.
type ForwardPattern int

const (
	// Unicast delivers each item to exactly one downstream instance,
	// round-robin.
	Unicast ForwardPattern = iota
	// Broadcast delivers each item to every downstream instance.
	Broadcast
	// Partitioned delivers each item to the instance owning the item's
	// key partition.
	Partitioned
	// AllToOne funnels every item to instance 0.
	AllToOne
)

func (p ForwardPattern) String() string {
	switch p {
	case Unicast:
		return "Unicast"
	case Broadcast:
		return "Broadcast"
	case Partitioned:
		return "Partitioned"
	case AllToOne:
		return "AllToOne"
	default:
		return "Unknown"
	}
}

// KeyFn extracts the partitioning key bytes from an item.
type KeyFn func(item flow.Item) []byte

// PartitionFn maps key bytes to an instance index in [0, n).
type PartitionFn func(key []byte, n int) int

// DefaultPartitionFn hashes the key bytes with murmur3.
func DefaultPartitionFn(key []byte, n int) int {
	return int(murmur3.Sum64(key) % uint64(n))
}
