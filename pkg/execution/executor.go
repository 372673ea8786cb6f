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
Package execution runs a validated dataflow graph: it instantiates the
processors, wires every edge as a set of 1-to-1 queues, and pumps the
resulting tasklets over a small worker pool until all of them report
done. Cooperative tasklets share the pool and yield between calls;
non-cooperative ones get a dedicated goroutine and may block.
*/
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowproj/flowdag/pkg/dag"
	"github.com/flowproj/flowdag/pkg/execution/conveyor"
	"github.com/flowproj/flowdag/pkg/processor"
	"github.com/flowproj/flowdag/pkg/shared/logging"
)

// Executor owns the worker pool configuration; one Executor can run any
// number of jobs, one Run per job execution.
type Executor struct {
	opts *options
}

// NewExecutor creates an executor.
func NewExecutor(opts ...Option) (*Executor, error) {
	options := defaultOptions()
	for _, o := range opts {
		if err := o(options); err != nil {
			return nil, err
		}
	}
	return &Executor{opts: options}, nil
}

// Run validates the graph, instantiates it and pumps it to completion.
// It returns when every tasklet is done, the context is cancelled, or
// the job fails.
func (e *Executor) Run(ctx context.Context, g *dag.DAG) error {
	if err := g.Validate(); err != nil {
		return err
	}
	logger := e.opts.logger
	if logger == nil {
		logger = logging.FromContext(ctx)
	}
	jobID := uuid.New().String()
	log := logger.With("job", jobID)

	tasklets, err := e.instantiate(g, jobID, log)
	if err != nil {
		return err
	}
	if len(tasklets) == 0 {
		return nil
	}
	log.Infow("Starting job", "tasklets", len(tasklets), "workers", e.opts.workerCount)

	runErr := e.pump(ctx, log, tasklets)

	var closeErr error
	for _, t := range tasklets {
		if err := t.closeProcessor(); err != nil {
			log.Errorw("Failed to close processor", "tasklet", t.Name(), zap.Error(err))
			closeErr = multierr.Append(closeErr, err)
		}
	}
	if runErr != nil {
		log.Errorw("Job failed", zap.Error(runErr))
		return runErr
	}
	log.Infow("Job finished")
	return closeErr
}

// instantiate builds the queue matrices, outboxes, inbound streams and
// tasklets, and inits every processor.
func (e *Executor) instantiate(g *dag.DAG, jobID string, log *zap.SugaredLogger) ([]*ProcessorTasklet, error) {
	// one SPSC queue per (producer instance, consumer instance) pair per edge
	queues := make(map[*dag.Edge][][]*conveyor.Queue)
	for _, edge := range g.Edges() {
		from := g.Vertex(edge.From)
		to := g.Vertex(edge.To)
		m := make([][]*conveyor.Queue, from.Parallelism)
		for i := range m {
			m[i] = make([]*conveyor.Queue, to.Parallelism)
			for j := range m[i] {
				m[i][j] = conveyor.NewQueue(e.opts.queueSize)
			}
		}
		queues[edge] = m
	}

	var tasklets []*ProcessorTasklet
	for _, v := range g.Vertices() {
		outEdges := g.OutEdges(v.Name)
		inEdges := g.InEdges(v.Name)
		for idx := 0; idx < v.Parallelism; idx++ {
			writers := make([]*edgeWriter, len(outEdges))
			for k, edge := range outEdges {
				writers[k] = newEdgeWriter(edge, queues[edge][idx])
			}
			outbox := NewOutbox(writers, e.opts.outboxLimit)
			streams := make([]*conveyor.InboundEdgeStream, len(inEdges))
			for k, edge := range inEdges {
				column := make([]*conveyor.Queue, len(queues[edge]))
				for i := range queues[edge] {
					column[i] = queues[edge][i][idx]
				}
				streams[k] = conveyor.NewInboundEdgeStream(edge.String(), edge.DestOrdinal, edge.Priority, column)
			}
			pctx := processor.Context{
				JobID:             jobID,
				VertexName:        v.Name,
				GlobalParallelism: v.Parallelism,
				LocalParallelism:  v.Parallelism,
				InstanceIndex:     idx,
				Logger:            log.With("vertex", v.Name, "replica", idx),
			}
			proc := v.Factory()
			t := newProcessorTasklet(proc, streams, outbox, pctx)
			var out processor.Outbox = outbox
			if !proc.Cooperative() {
				out = &autoFlushOutbox{Outbox: outbox}
			}
			if err := proc.Init(out, pctx); err != nil {
				for _, done := range tasklets {
					_ = done.closeProcessor()
				}
				_ = proc.Close()
				return nil, fmt.Errorf("failed to init processor %s/%d: %w", v.Name, idx, err)
			}
			tasklets = append(tasklets, t)
		}
	}
	return tasklets, nil
}

// pump drives the tasklets until all report done, an error surfaces, or
// the context is cancelled.
func (e *Executor) pump(ctx context.Context, log *zap.SugaredLogger, tasklets []*ProcessorTasklet) error {
	var cooperative, dedicated []*ProcessorTasklet
	for _, t := range tasklets {
		if t.proc.Cooperative() {
			cooperative = append(cooperative, t)
		} else {
			dedicated = append(dedicated, t)
		}
	}

	remaining := atomic.NewInt64(int64(len(tasklets)))
	runnable := make(chan *ProcessorTasklet, len(tasklets))
	for _, t := range cooperative {
		runnable <- t
	}
	var finishOnce sync.Once
	finish := func() { finishOnce.Do(func() { close(runnable) }) }

	grp, gctx := errgroup.WithContext(ctx)
	for w := 0; w < e.opts.workerCount; w++ {
		grp.Go(func() error { return e.workerLoop(gctx, runnable, remaining, finish) })
	}
	for _, t := range dedicated {
		t := t
		grp.Go(func() error { return e.dedicatedLoop(gctx, t, remaining, finish) })
	}
	return grp.Wait()
}

// workerLoop pulls runnable tasklets off the shared queue. A tasklet that
// made progress is immediately re-enqueued; one that did not burns
// through a bounded spin budget and is then parked briefly.
func (e *Executor) workerLoop(ctx context.Context, runnable chan *ProcessorTasklet,
	remaining *atomic.Int64, finish func()) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-runnable:
			if !ok {
				return nil
			}
			state, err := t.Call()
			taskletCallsCount.WithLabelValues(t.pctx.JobID, t.pctx.VertexName).Inc()
			if err != nil {
				return err
			}
			switch state {
			case conveyor.Done:
				if remaining.Dec() == 0 {
					finish()
				}
			case conveyor.MadeProgress:
				t.idleStreak = 0
				runnable <- t
			default:
				t.idleStreak++
				if t.idleStreak >= e.opts.idleSpinLimit {
					t.idleStreak = 0
					taskletParkedCount.WithLabelValues(t.pctx.JobID, t.pctx.VertexName).Inc()
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(e.opts.parkDuration):
					}
				}
				runnable <- t
			}
		}
	}
}

// dedicatedLoop runs one non-cooperative tasklet on its own goroutine.
func (e *Executor) dedicatedLoop(ctx context.Context, t *ProcessorTasklet,
	remaining *atomic.Int64, finish func()) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		state, err := t.Call()
		taskletCallsCount.WithLabelValues(t.pctx.JobID, t.pctx.VertexName).Inc()
		if err != nil {
			return err
		}
		switch state {
		case conveyor.Done:
			if remaining.Dec() == 0 {
				finish()
			}
			return nil
		case conveyor.NoProgress:
			time.Sleep(e.opts.parkDuration)
		}
	}
}
