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

	"go.uber.org/zap"

	"github.com/flowproj/flowdag/pkg/execution/conveyor"
	"github.com/flowproj/flowdag/pkg/flow"
	"github.com/flowproj/flowdag/pkg/processor"
)

// queuedItem is one drained item tagged with the inbound ordinal it came
// from, so a refused item is re-presented with the same ordinal.
type queuedItem struct {
	ordinal int
	item    flow.Item
}

// ProcessorTasklet drives one processor instance: drain inbound streams,
// feed the processor, flush the outbox, and run completion. Call is the
// only suspension point; the tasklet never blocks inside it.
type ProcessorTasklet struct {
	name     string
	proc     processor.Processor
	inbound  []*conveyor.InboundEdgeStream // sorted by priority
	inDone   []bool
	outbox   *Outbox
	pctx     processor.Context
	local    []queuedItem
	tracker  conveyor.ProgressTracker
	logger   *zap.SugaredLogger
	complete bool
	eosSent  bool

	// idleStreak is touched only by the worker currently running the
	// tasklet; a tasklet is run by at most one worker at a time.
	idleStreak int
}

func newProcessorTasklet(proc processor.Processor, inbound []*conveyor.InboundEdgeStream,
	outbox *Outbox, pctx processor.Context) *ProcessorTasklet {
	return &ProcessorTasklet{
		name:    fmt.Sprintf("%s/%d", pctx.VertexName, pctx.InstanceIndex),
		proc:    proc,
		inbound: inbound,
		inDone:  make([]bool, len(inbound)),
		outbox:  outbox,
		pctx:    pctx,
		logger:  pctx.Logger,
	}
}

// Name identifies the tasklet in logs.
func (t *ProcessorTasklet) Name() string { return t.name }

// Call runs one cooperative slice of work. A panic escaping the
// processor is recovered and surfaced as a ProcessorFailureErr.
func (t *ProcessorTasklet) Call() (state conveyor.ProgressState, err error) {
	defer func() {
		if r := recover(); r != nil {
			cause, ok := r.(error)
			if !ok {
				cause = fmt.Errorf("%v", r)
			}
			state = conveyor.NoProgress
			err = ProcessorFailureErr{Vertex: t.pctx.VertexName, Instance: t.pctx.InstanceIndex, Cause: cause}
		}
	}()
	t.tracker.Reset()
	if err := t.drainInbound(); err != nil {
		return conveyor.NoProgress, err
	}
	t.processLocal()
	if fs := t.outbox.Flush(); fs == conveyor.MadeProgress {
		t.tracker.MarkProgress()
	}
	if !t.inboundExhausted() || len(t.local) > 0 {
		t.tracker.MarkNotDone()
		return t.tracker.ToState(), nil
	}
	if !t.complete {
		t.tracker.MarkNotDone()
		if !t.proc.Complete() {
			if fs := t.outbox.Flush(); fs == conveyor.MadeProgress {
				t.tracker.MarkProgress()
			}
			return t.tracker.ToState(), nil
		}
		t.complete = true
		t.tracker.MarkProgress()
	}
	if !t.eosSent {
		t.outbox.Add(-1, flow.EndOfData)
		t.eosSent = true
	}
	if fs := t.outbox.Flush(); fs == conveyor.MadeProgress {
		t.tracker.MarkProgress()
	}
	if !t.outbox.IsEmpty() {
		t.tracker.MarkNotDone()
		return t.tracker.ToState(), nil
	}
	return conveyor.Done, nil
}

// drainInbound pulls from the streams of the lowest not-yet-done
// priority; higher-priority (numerically lower) edges are exhausted
// before later ones contribute.
func (t *ProcessorTasklet) drainInbound() error {
	if len(t.local) > 0 {
		// a refused item is still waiting; do not grow the backlog
		t.tracker.MarkNotDone()
		return nil
	}
	currentPriority, any := t.activePriority()
	if !any {
		return nil
	}
	for i, s := range t.inbound {
		if t.inDone[i] || s.Priority() != currentPriority {
			if !t.inDone[i] {
				t.tracker.MarkNotDone()
			}
			continue
		}
		ordinal := s.Ordinal()
		state, err := s.DrainTo(func(item flow.Item) {
			t.local = append(t.local, queuedItem{ordinal: ordinal, item: item})
		})
		if err != nil {
			return err
		}
		if state == conveyor.Done {
			t.inDone[i] = true
			t.tracker.MarkProgress()
		} else {
			t.tracker.Merge(state)
		}
	}
	return nil
}

// activePriority returns the lowest priority value among streams that are
// not yet done.
func (t *ProcessorTasklet) activePriority() (int, bool) {
	found := false
	best := 0
	for i, s := range t.inbound {
		if t.inDone[i] {
			continue
		}
		if !found || s.Priority() < best {
			best = s.Priority()
			found = true
		}
	}
	return best, found
}

// processLocal feeds drained items to the processor, stopping at the
// first refusal so the item is re-presented next call.
func (t *ProcessorTasklet) processLocal() {
	for len(t.local) > 0 {
		qi := t.local[0]
		var accepted bool
		if wm, isWM := qi.item.(flow.Watermark); isWM {
			accepted = t.proc.TryProcessWatermark(qi.ordinal, wm)
		} else {
			accepted = t.proc.TryProcess(qi.ordinal, qi.item)
		}
		if !accepted {
			t.tracker.MarkNotDone()
			return
		}
		t.local = t.local[1:]
		t.tracker.MarkProgress()
		itemsProcessedCount.WithLabelValues(t.pctx.JobID, t.pctx.VertexName).Inc()
	}
}

func (t *ProcessorTasklet) inboundExhausted() bool {
	for _, done := range t.inDone {
		if !done {
			return false
		}
	}
	return true
}

// closeProcessor is invoked exactly once by the executor during teardown.
func (t *ProcessorTasklet) closeProcessor() error {
	return t.proc.Close()
}
