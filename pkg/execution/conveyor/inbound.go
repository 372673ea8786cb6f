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

package conveyor

import (
	"github.com/flowproj/flowdag/pkg/flow"
)

// InboundEdgeStream aggregates the 1-to-1 queues of every upstream
// producer contributing to one inbound edge, and aligns their watermarks:
// a watermark crosses the edge only once every live producer has emitted
// it, and all producers must emit the same watermark sequence in the same
// order.
type InboundEdgeStream struct {
	name     string
	ordinal  int
	priority int
	queues   []*Queue
	tracker  ProgressTracker

	pendingWatermark *flow.Watermark
	watermarkFound   []bool
	liveCount        int
}

// NewInboundEdgeStream creates the consumer end of one inbound edge.
// name labels errors; one queue per upstream producer instance.
func NewInboundEdgeStream(name string, ordinal, priority int, queues []*Queue) *InboundEdgeStream {
	qs := make([]*Queue, len(queues))
	copy(qs, queues)
	return &InboundEdgeStream{
		name:           name,
		ordinal:        ordinal,
		priority:       priority,
		queues:         qs,
		watermarkFound: make([]bool, len(queues)),
		liveCount:      len(queues),
	}
}

// Ordinal returns the destination ordinal of the edge.
func (s *InboundEdgeStream) Ordinal() int { return s.ordinal }

// Priority returns the edge priority; lower drains first.
func (s *InboundEdgeStream) Priority() int { return s.priority }

// DrainTo polls items from all producers into dst. Data items interleave
// arbitrarily across producers; watermarks are withheld until every live
// producer has reported the same one, then delivered exactly once, in
// order, relative to the items around them. A producer's end-of-data
// marker removes it from the active set and counts as agreement with any
// pending watermark.
func (s *InboundEdgeStream) DrainTo(dst func(flow.Item)) (ProgressState, error) {
	s.tracker.Reset()
	for i := 0; i < len(s.queues); i++ {
		q := s.queues[i]
		if q == nil {
			continue
		}
		if s.pendingWatermark != nil && s.watermarkFound[i] {
			// this producer already delivered the pending watermark; do
			// not read past the barrier
			s.tracker.MarkNotDone()
			continue
		}
		state, err := s.drainProducer(i, dst)
		if err != nil {
			return NoProgress, err
		}
		s.tracker.Merge(state)
		if s.aligned() {
			dst(*s.pendingWatermark)
			s.pendingWatermark = nil
			for j := range s.watermarkFound {
				s.watermarkFound[j] = false
			}
			// restart the scan: the barrier is gone, every producer may
			// have more to give in this same call
			s.tracker.MarkProgress()
			i = -1
		}
	}
	if s.liveCount == 0 {
		return Done, nil
	}
	return s.tracker.ToState(), nil
}

// drainProducer polls one producer until its queue runs dry, a watermark
// is hit, or the producer finishes.
func (s *InboundEdgeStream) drainProducer(i int, dst func(flow.Item)) (ProgressState, error) {
	q := s.queues[i]
	state := NoProgress
	for {
		item, ok := q.Poll()
		if !ok {
			return state, nil
		}
		state = MadeProgress
		switch it := item.(type) {
		case flow.Watermark:
			if s.pendingWatermark != nil && *s.pendingWatermark != it {
				return NoProgress, flow.WatermarkMisorderErr{Edge: s.name, Pending: *s.pendingWatermark, Seen: it}
			}
			s.pendingWatermark = &it
			s.watermarkFound[i] = true
			return state, nil
		default:
			if item == flow.EndOfData {
				s.queues[i] = nil
				s.liveCount--
				return Done, nil
			}
			dst(item)
		}
	}
}

// aligned reports whether a watermark is pending and every live producer
// has found it.
func (s *InboundEdgeStream) aligned() bool {
	if s.pendingWatermark == nil {
		return false
	}
	for i, q := range s.queues {
		if q != nil && !s.watermarkFound[i] {
			return false
		}
	}
	return true
}
