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
Package processor defines the SPI implemented by the user computations that
run on the vertices of the dataflow graph. A processor consumes items and
watermarks from its inbound edges and produces to its outbound edges
through the outbox handed to it at Init time.

Every TryX method returns a bool: false means "I could not make use of the
input right now, re-present the same input later". This is the cooperative
backpressure protocol; a cooperative processor must never block inside a
TryX call.
*/
package processor

import (
	"go.uber.org/zap"

	"github.com/flowproj/flowdag/pkg/flow"
)

// Outbox is the data sink for a Processor. It consists of individual
// output buckets, one per outbound edge of the vertex the processor runs
// on. A cooperative processor should check HasReachedLimit regularly and
// refrain from adding more items when it returns true; the tasklet will
// not flush the outbox until the processing call returns.
type Outbox interface {
	// BucketCount returns the number of buckets in this outbox.
	BucketCount() int
	// Add adds the item to the bucket with the given ordinal.
	// Ordinal -1 adds the item to every bucket.
	Add(ordinal int, item flow.Item)
	// HasReachedLimit returns true if the bucket with the given ordinal
	// has reached its limit. Ordinal -1 asks whether any bucket has.
	HasReachedLimit(ordinal int) bool
}

// Context carries the execution-scoped facts a processor may need.
type Context struct {
	// JobID is the unique id of this job execution.
	JobID string
	// VertexName is the name of the vertex this processor instance runs on.
	VertexName string
	// GlobalParallelism is the total number of instances of this vertex
	// across the whole job.
	GlobalParallelism int
	// LocalParallelism is the number of instances on this member.
	LocalParallelism int
	// InstanceIndex is the index of this instance, 0 <= InstanceIndex < LocalParallelism.
	InstanceIndex int
	// Logger is the job logger, already tagged with vertex and instance.
	Logger *zap.SugaredLogger
}

// Processor is a single-threaded unit of computation. All methods are
// invoked by at most one tasklet at a time.
type Processor interface {
	// Init is called once before any item is processed.
	Init(outbox Outbox, pctx Context) error
	// TryProcess is offered an item from the inbound edge with the given
	// ordinal. Returning false means the item must be offered again later.
	TryProcess(ordinal int, item flow.Item) bool
	// TryProcessWatermark is offered a coalesced watermark from the
	// inbound edge with the given ordinal.
	TryProcessWatermark(ordinal int, wm flow.Watermark) bool
	// Complete is called after all inbound edges are exhausted, repeatedly
	// until it returns true.
	Complete() bool
	// Cooperative tells whether this processor obeys the cooperative
	// contract. Non-cooperative processors get a dedicated thread and an
	// auto-flushing outbox, and may block.
	Cooperative() bool
	// Close releases processor resources. Called exactly once.
	Close() error
}

// Factory creates one Processor instance. It is called Parallelism times
// per vertex.
type Factory func() Processor

// Base provides default implementations of the rarely customized parts of
// the SPI. Embed it and override what the processor actually does.
type Base struct {
	Out  Outbox
	Pctx Context
}

func (b *Base) Init(outbox Outbox, pctx Context) error {
	b.Out = outbox
	b.Pctx = pctx
	return nil
}

// TryProcessWatermark forwards the watermark to every outbound bucket.
func (b *Base) TryProcessWatermark(_ int, wm flow.Watermark) bool {
	if b.Out.HasReachedLimit(-1) {
		return false
	}
	b.Out.Add(-1, wm)
	return true
}

func (b *Base) Complete() bool { return true }

func (b *Base) Cooperative() bool { return true }

func (b *Base) Close() error { return nil }
