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
	"container/heap"

	"github.com/flowproj/flowdag/pkg/memory/binarystorage"
)

// mergeSource is one sorted run feeding the k-way merge: an in-memory
// partition or a spilled file. A source is positioned on one key group at
// a time.
type mergeSource interface {
	key() []byte
	values() [][]byte
	advance() (bool, error)
	close() error
}

// memorySource iterates a sorted partition. Keys and values alias block
// memory, which stays put until the aggregator is disposed.
type memorySource struct {
	s      *binarystorage.Storage
	slots  []binarystorage.Slot
	idx    int
	curVal [][]byte
}

func (m *memorySource) key() []byte {
	return m.s.KeyAt(m.slots[m.idx-1])
}

func (m *memorySource) values() [][]byte { return m.curVal }

func (m *memorySource) advance() (bool, error) {
	if m.idx >= len(m.slots) {
		return false, nil
	}
	head := m.slots[m.idx]
	m.idx++
	m.curVal = m.curVal[:0]
	for slot := head; slot != binarystorage.NilSlot; slot = m.s.NextOf(slot) {
		m.curVal = append(m.curVal, m.s.ValueAt(slot))
	}
	return true, nil
}

func (m *memorySource) close() error { return nil }

// spillSource adapts a spillReader.
type spillSource struct {
	r *spillReader
}

func (s *spillSource) key() []byte            { return s.r.key }
func (s *spillSource) values() [][]byte       { return s.r.values }
func (s *spillSource) advance() (bool, error) { return s.r.advance() }
func (s *spillSource) close() error           { return s.r.close() }

// rankedSource ties a source to its insertion rank. Spilled runs rank
// before the in-memory partitions they were drained from, which keeps the
// merge stable: equal keys come out in insertion order.
type rankedSource struct {
	src mergeSource
	seq int
}

type sourceHeap struct {
	sources []*rankedSource
	cmp     binarystorage.Comparator
	desc    bool
}

func (h *sourceHeap) Len() int { return len(h.sources) }

func (h *sourceHeap) Less(i, j int) bool {
	c := h.cmp.Compare(h.sources[i].src.key(), h.sources[j].src.key())
	if h.desc {
		c = -c
	}
	if c != 0 {
		return c < 0
	}
	return h.sources[i].seq < h.sources[j].seq
}

func (h *sourceHeap) Swap(i, j int) { h.sources[i], h.sources[j] = h.sources[j], h.sources[i] }

func (h *sourceHeap) Push(x any) { h.sources = append(h.sources, x.(*rankedSource)) }

func (h *sourceHeap) Pop() any {
	n := len(h.sources)
	s := h.sources[n-1]
	h.sources = h.sources[:n-1]
	return s
}

type pendingPair struct {
	key   []byte
	value []byte
}

// PairCursor is the forward-only ordered view over the aggregated set. It
// merges the sorted in-memory partitions with any spilled runs; with an
// accumulator configured, equal keys from different runs are combined on
// the way out.
type PairCursor struct {
	h       sourceHeap
	acc     binarystorage.Accumulator
	pending []pendingPair
	cur     pendingPair
	err     error
	group   []*rankedSource
}

func newPairCursor(a *SortedAggregator) (*PairCursor, error) {
	c := &PairCursor{
		h:   sourceHeap{cmp: a.comparator, desc: a.opts.sortOrder == binarystorage.Desc},
		acc: a.opts.accumulator,
	}
	seq := 0
	for _, name := range a.spilledRuns {
		r, err := newSpillReader(name, a.opts.byteOrder, a.opts.spillingBufferSize)
		if err != nil {
			return nil, err
		}
		if err := c.offer(&rankedSource{src: &spillSource{r: r}, seq: seq}); err != nil {
			return nil, err
		}
		seq++
	}
	for i := 0; i < a.store.PartitionCount(); i++ {
		if len(a.sorted[i]) == 0 {
			continue
		}
		src := &memorySource{s: a.store.Partition(i), slots: a.sorted[i]}
		if err := c.offer(&rankedSource{src: src, seq: seq}); err != nil {
			return nil, err
		}
		seq++
	}
	heap.Init(&c.h)
	return c, nil
}

// offer advances the source onto its first group and adds it when it has
// one.
func (c *PairCursor) offer(rs *rankedSource) error {
	ok, err := rs.src.advance()
	if err != nil {
		return err
	}
	if !ok {
		return rs.src.close()
	}
	c.h.sources = append(c.h.sources, rs)
	return nil
}

// Advance moves to the next pair. It returns false when the cursor is
// exhausted or failed; check Err afterwards.
func (c *PairCursor) Advance() bool {
	if c.err != nil {
		return false
	}
	if len(c.pending) > 0 {
		c.cur = c.pending[0]
		c.pending = c.pending[1:]
		return true
	}
	if c.h.Len() == 0 {
		return false
	}
	// pop the full equal-key group; the seq tie-break makes the pops come
	// out in insertion-rank order
	c.group = c.group[:0]
	first := heap.Pop(&c.h).(*rankedSource)
	c.group = append(c.group, first)
	for c.h.Len() > 0 && c.h.cmp.Compare(c.h.sources[0].src.key(), first.src.key()) == 0 {
		c.group = append(c.group, heap.Pop(&c.h).(*rankedSource))
	}
	key := first.src.key()
	if c.acc != nil {
		combined := append([]byte(nil), first.src.values()[0]...)
		for _, rs := range c.group[1:] {
			combined = c.acc.CombineSerialized(combined, rs.src.values()[0])
		}
		c.pending = append(c.pending, pendingPair{key: key, value: combined})
	} else {
		for _, rs := range c.group {
			for _, v := range rs.src.values() {
				c.pending = append(c.pending, pendingPair{key: rs.src.key(), value: v})
			}
		}
	}
	for _, rs := range c.group {
		ok, err := rs.src.advance()
		if err != nil {
			c.err = err
			return false
		}
		if ok {
			heap.Push(&c.h, rs)
		} else if err := rs.src.close(); err != nil {
			c.err = err
			return false
		}
	}
	c.cur = c.pending[0]
	c.pending = c.pending[1:]
	return true
}

// Key returns the current pair's key.
func (c *PairCursor) Key() []byte { return c.cur.key }

// Value returns the current pair's value.
func (c *PairCursor) Value() []byte { return c.cur.value }

// Err returns the first failure encountered while merging.
func (c *PairCursor) Err() error { return c.err }

// Close releases any sources not yet exhausted.
func (c *PairCursor) Close() error {
	var firstErr error
	for _, rs := range c.h.sources {
		if err := rs.src.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.h.sources = nil
	return firstErr
}
