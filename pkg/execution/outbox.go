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

package execution

import (
	"fmt"
	"time"

	"github.com/flowproj/flowdag/pkg/dag"
	"github.com/flowproj/flowdag/pkg/execution/conveyor"
	"github.com/flowproj/flowdag/pkg/flow"
)

// edgeWriter is the producer end of one outbound edge for one producer
// instance: the per-downstream-instance queues plus the forwarding state.
type edgeWriter struct {
	edge        *dag.Edge
	queues      []*conveyor.Queue
	partitioner dag.PartitionFn
	roundRobin  int
}

func newEdgeWriter(e *dag.Edge, queues []*conveyor.Queue) *edgeWriter {
	p := e.Partitioner
	if p == nil {
		p = dag.DefaultPartitionFn
	}
	return &edgeWriter{edge: e, queues: queues, partitioner: p}
}

// bucket is one outbox bucket: a bounded FIFO staging area in front of an
// edge writer. Broadcast delivery of the head item may be partial across
// flushes; sentTo remembers which destinations already have it.
type bucket struct {
	writer *edgeWriter
	items  []flow.Item
	sentTo []bool
}

// Outbox is the per-tasklet set of output buckets, one per outbound edge.
// Control items (watermarks, end-of-data) go to every downstream instance
// regardless of the edge's forwarding pattern.
type Outbox struct {
	buckets []*bucket
	limit   int
}

// NewOutbox creates an outbox over the given writers, with each bucket
// holding at most limit items.
func NewOutbox(writers []*edgeWriter, limit int) *Outbox {
	buckets := make([]*bucket, len(writers))
	for i, w := range writers {
		buckets[i] = &bucket{writer: w, sentTo: make([]bool, len(w.queues))}
	}
	return &Outbox{buckets: buckets, limit: limit}
}

// BucketCount returns the number of buckets.
func (o *Outbox) BucketCount() int { return len(o.buckets) }

// Add places the item in the bucket with the given ordinal; ordinal -1
// places it in every bucket. The limit is advisory: a bucket accepts up to
// half the limit again as slack, and adding to a bucket that already holds
// limit + limit/2 items is a contract violation by the processor and
// panics.
func (o *Outbox) Add(ordinal int, item flow.Item) {
	if ordinal == -1 {
		for i := range o.buckets {
			o.addTo(i, item)
		}
		return
	}
	o.addTo(ordinal, item)
}

func (o *Outbox) addTo(i int, item flow.Item) {
	b := o.buckets[i]
	if len(b.items) >= o.limit+o.limit/2 {
		panic(fmt.Sprintf("outbox bucket %d overflowed: processor keeps adding past the limit", i))
	}
	b.items = append(b.items, item)
}

// HasReachedLimit reports whether the bucket with the given ordinal is at
// its limit; ordinal -1 asks whether any bucket is.
func (o *Outbox) HasReachedLimit(ordinal int) bool {
	if ordinal == -1 {
		for i := range o.buckets {
			if len(o.buckets[i].items) >= o.limit {
				return true
			}
		}
		return false
	}
	return len(o.buckets[ordinal].items) >= o.limit
}

// Flush moves staged items into the destination queues, respecting each
// edge's forwarding pattern, until everything moved or a destination
// queue is full. It reports MadeProgress or NoProgress; emptiness is
// asked through IsEmpty.
func (o *Outbox) Flush() conveyor.ProgressState {
	made := false
	for _, b := range o.buckets {
		if b.flush() {
			made = true
		}
	}
	if made {
		return conveyor.MadeProgress
	}
	return conveyor.NoProgress
}

// IsEmpty reports whether every bucket has been fully flushed.
func (o *Outbox) IsEmpty() bool {
	for _, b := range o.buckets {
		if len(b.items) > 0 {
			return false
		}
	}
	return true
}

// autoFlushOutbox is handed to non-cooperative processors: every Add
// immediately pushes into the downstream queues, blocking until they
// accept. The limit never bites, so such processors may produce freely.
type autoFlushOutbox struct {
	*Outbox
}

func (o *autoFlushOutbox) Add(ordinal int, item flow.Item) {
	o.Outbox.Add(ordinal, item)
	for !o.Outbox.IsEmpty() {
		if o.Outbox.Flush() == conveyor.NoProgress {
			time.Sleep(50 * time.Microsecond)
		}
	}
}

func (o *autoFlushOutbox) HasReachedLimit(int) bool { return false }

func (b *bucket) flush() (madeProgress bool) {
	for len(b.items) > 0 {
		if !b.offerHead() {
			return madeProgress
		}
		b.items = b.items[1:]
		for i := range b.sentTo {
			b.sentTo[i] = false
		}
		madeProgress = true
	}
	return madeProgress
}

// offerHead tries to deliver the head item to its destination(s).
func (b *bucket) offerHead() bool {
	item := b.items[0]
	w := b.writer
	if flow.IsControl(item) || w.edge.Pattern == dag.Broadcast {
		delivered := true
		for i, q := range w.queues {
			if b.sentTo[i] {
				continue
			}
			if q.Offer(item) {
				b.sentTo[i] = true
			} else {
				delivered = false
			}
		}
		return delivered
	}
	var target int
	switch w.edge.Pattern {
	case dag.Unicast:
		target = w.roundRobin % len(w.queues)
	case dag.Partitioned:
		target = w.partitioner(w.edge.Key(item), len(w.queues))
	case dag.AllToOne:
		target = 0
	}
	if !w.queues[target].Offer(item) {
		return false
	}
	if w.edge.Pattern == dag.Unicast {
		w.roundRobin++
	}
	return true
}
