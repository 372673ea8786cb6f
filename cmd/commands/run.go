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

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flowproj/flowdag/pkg/dag"
	"github.com/flowproj/flowdag/pkg/execution"
	"github.com/flowproj/flowdag/pkg/flow"
	"github.com/flowproj/flowdag/pkg/processor"
	"github.com/flowproj/flowdag/pkg/shared/logging"
	"github.com/flowproj/flowdag/pkg/windowing"
)

// NewRunCommand runs the demo pipeline: a generator source feeding a
// session-window vertex feeding a logging sink.
func NewRunCommand() *cobra.Command {
	var configFile string

	command := &cobra.Command{
		Use:   "run",
		Short: "Run the demo session-window pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			v.SetDefault("gap", int64(10))
			v.SetDefault("keys", 4)
			v.SetDefault("bursts", 8)
			v.SetDefault("burst-length", 5)
			v.SetDefault("window-parallelism", 2)
			v.SetDefault("workers", 2)
			v.SetEnvPrefix("FLOWDAG")
			v.AutomaticEnv()
			if configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read config %q: %w", configFile, err)
				}
			}

			log := logging.NewLogger().Named("run")
			ctx := logging.WithLogger(context.Background(), log)

			gap := v.GetInt64("gap")
			g := dag.New()
			g.AddVertex("generator", func() processor.Processor {
				return newDemoGenerator(v.GetInt("keys"), v.GetInt("bursts"), v.GetInt("burst-length"), gap)
			}, 1)
			g.AddVertex("session-window", func() processor.Processor {
				return windowing.NewSessionOperator(gap,
					func(item flow.Item) int64 { return item.(demoEvent).ts },
					func(item flow.Item) string { return item.(demoEvent).key },
					countingCollector())
			}, v.GetInt("window-parallelism"))
			g.AddVertex("sink", func() processor.Processor {
				return &demoSink{log: log}
			}, 1)
			g.AddEdge(dag.Edge{
				From: "generator", To: "session-window",
				Pattern: dag.Partitioned,
				Key:     func(item flow.Item) []byte { return []byte(item.(demoEvent).key) },
			})
			g.AddEdge(dag.Edge{From: "session-window", To: "sink", Pattern: dag.Unicast})

			e, err := execution.NewExecutor(
				execution.WithWorkerCount(v.GetInt("workers")),
				execution.WithLogger(log),
			)
			if err != nil {
				return err
			}
			return e.Run(ctx, g)
		},
	}
	command.Flags().StringVar(&configFile, "config", "", "Path to an optional YAML config file")
	return command
}

func countingCollector() windowing.Collector {
	return windowing.Collector{
		Supplier:   func() any { return new(int64) },
		Accumulate: func(acc any, _ flow.Item) { *acc.(*int64)++ },
		Combine: func(a, b any) any {
			*a.(*int64) += *b.(*int64)
			return a
		},
		Finish: func(acc any) any { return *acc.(*int64) },
	}
}

// demoEvent is one synthetic keyed event.
type demoEvent struct {
	key string
	ts  int64
}

// demoGenerator emits bursts of events per key with gaps wider than the
// session gap in between, plus a watermark after every burst.
type demoGenerator struct {
	processor.Base
	items []flow.Item
	pos   int
}

func newDemoGenerator(keys, bursts, burstLength int, gap int64) *demoGenerator {
	var items []flow.Item
	ts := int64(1)
	for b := 0; b < bursts; b++ {
		for o := 0; o < burstLength; o++ {
			for k := 0; k < keys; k++ {
				items = append(items, demoEvent{key: fmt.Sprintf("key-%d", k), ts: ts + int64(o)})
			}
		}
		ts += int64(burstLength) + 2*gap
		items = append(items, flow.Watermark{Seq: ts - 1})
	}
	return &demoGenerator{items: items}
}

func (g *demoGenerator) TryProcess(_ int, _ flow.Item) bool { return true }

func (g *demoGenerator) Complete() bool {
	for g.pos < len(g.items) {
		if g.Out.HasReachedLimit(-1) {
			return false
		}
		g.Out.Add(-1, g.items[g.pos])
		g.pos++
	}
	return true
}

// demoSink logs every closed session.
type demoSink struct {
	processor.Base
	log interface {
		Infow(msg string, keysAndValues ...interface{})
	}
	sessions int
}

func (s *demoSink) TryProcess(_ int, item flow.Item) bool {
	if sess, ok := item.(windowing.Session); ok {
		s.sessions++
		s.log.Infow("Session closed", "key", sess.Key, "start", sess.Start, "beyondEnd", sess.BeyondEnd, "result", sess.Result)
	}
	return true
}

func (s *demoSink) Complete() bool {
	s.log.Infow("Pipeline drained", "sessions", s.sessions)
	return true
}
