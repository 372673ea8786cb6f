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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	metricspkg "github.com/flowproj/flowdag/pkg/metrics"
)

// itemsProcessedCount counts items accepted by processors.
var itemsProcessedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "executor",
	Name:      "items_processed_total",
	Help:      "Total number of items accepted by processors",
}, []string{metricspkg.LabelJob, metricspkg.LabelVertex})

// taskletCallsCount counts tasklet calls, cooperative and dedicated.
var taskletCallsCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "executor",
	Name:      "tasklet_calls_total",
	Help:      "Total number of tasklet calls",
}, []string{metricspkg.LabelJob, metricspkg.LabelVertex})

// taskletParkedCount counts the times a tasklet was parked after making
// no progress.
var taskletParkedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "executor",
	Name:      "tasklet_parked_total",
	Help:      "Total number of times a tasklet was parked for lack of progress",
}, []string{metricspkg.LabelJob, metricspkg.LabelVertex})
