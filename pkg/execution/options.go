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
	"runtime"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultQueueSize is the default capacity of one edge queue.
	DefaultQueueSize = 1024
	// DefaultOutboxLimit is the default high-water mark of one outbox
	// bucket.
	DefaultOutboxLimit = 512
	// DefaultParkDuration is how long an idle tasklet is parked after its
	// spin budget runs out.
	DefaultParkDuration = 100 * time.Microsecond
	// DefaultIdleSpinLimit is the number of no-progress calls before a
	// tasklet is parked.
	DefaultIdleSpinLimit = 64
)

type options struct {
	workerCount   int
	queueSize     int
	outboxLimit   int
	parkDuration  time.Duration
	idleSpinLimit int
	logger        *zap.SugaredLogger
}

func defaultOptions() *options {
	workers := runtime.NumCPU()
	if workers > 4 {
		workers = 4
	}
	return &options{
		workerCount:   workers,
		queueSize:     DefaultQueueSize,
		outboxLimit:   DefaultOutboxLimit,
		parkDuration:  DefaultParkDuration,
		idleSpinLimit: DefaultIdleSpinLimit,
	}
}

// Option customizes an Executor.
type Option func(*options) error

// WithWorkerCount sets the number of cooperative worker threads.
func WithWorkerCount(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return fmt.Errorf("worker count must be >= 1, got %d", n)
		}
		o.workerCount = n
		return nil
	}
}

// WithQueueSize sets the edge queue capacity (rounded up to a power of
// two).
func WithQueueSize(n int) Option {
	return func(o *options) error {
		if n < 2 {
			return fmt.Errorf("queue size must be >= 2, got %d", n)
		}
		o.queueSize = n
		return nil
	}
}

// WithOutboxLimit sets the outbox bucket high-water mark.
func WithOutboxLimit(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return fmt.Errorf("outbox limit must be >= 1, got %d", n)
		}
		o.outboxLimit = n
		return nil
	}
}

// WithParkDuration sets how long an idle tasklet parks.
func WithParkDuration(d time.Duration) Option {
	return func(o *options) error {
		o.parkDuration = d
		return nil
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *options) error {
		o.logger = logger
		return nil
	}
}
