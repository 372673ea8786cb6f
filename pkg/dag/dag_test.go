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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowproj/flowdag/pkg/processor"
)

func noopFactory() processor.Processor { return nil }

func TestValidateAcceptsSimpleChain(t *testing.T) {
	g := New()
	g.AddVertex("source", noopFactory, 1)
	g.AddVertex("map", noopFactory, 2)
	g.AddVertex("sink", noopFactory, 1)
	g.AddEdge(Edge{From: "source", To: "map"})
	g.AddEdge(Edge{From: "map", To: "sink"})
	assert.NoError(t, g.Validate())

	order := g.Vertices()
	assert.Len(t, order, 3)
	assert.Equal(t, "source", order[0].Name)
	assert.Equal(t, "sink", order[2].Name)
}

func TestValidateRejectsDuplicateName(t *testing.T) {
	g := New()
	g.AddVertex("v", noopFactory, 1)
	g.AddVertex("v", noopFactory, 1)
	err := g.Validate()
	assert.Error(t, err)
	assert.IsType(t, InvalidErr{}, err)
	assert.Contains(t, err.Error(), "duplicate vertex name")
}

func TestValidateRejectsCycle(t *testing.T) {
	g := New()
	g.AddVertex("a", noopFactory, 1)
	g.AddVertex("b", noopFactory, 1)
	g.AddEdge(Edge{From: "a", To: "b"})
	g.AddEdge(Edge{From: "b", To: "a"})
	err := g.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidateRejectsDanglingEdge(t *testing.T) {
	g := New()
	g.AddVertex("a", noopFactory, 1)
	g.AddEdge(Edge{From: "a", To: "ghost"})
	err := g.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown vertex")
}

func TestValidateRejectsDuplicateOrdinalPair(t *testing.T) {
	g := New()
	g.AddVertex("a", noopFactory, 1)
	g.AddVertex("b", noopFactory, 1)
	g.AddEdge(Edge{From: "a", To: "b"})
	g.AddEdge(Edge{From: "a", To: "b"})
	err := g.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate edge")
}

func TestValidateRejectsPartitionedEdgeWithoutKey(t *testing.T) {
	g := New()
	g.AddVertex("a", noopFactory, 1)
	g.AddVertex("b", noopFactory, 2)
	g.AddEdge(Edge{From: "a", To: "b", Pattern: Partitioned})
	err := g.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no key function")
}

func TestValidateRejectsBadParallelism(t *testing.T) {
	g := New()
	g.AddVertex("a", noopFactory, 0)
	err := g.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "parallelism")
}

func TestValidateRejectsSparseOrdinals(t *testing.T) {
	g := New()
	g.AddVertex("a", noopFactory, 1)
	g.AddVertex("b", noopFactory, 1)
	g.AddVertex("c", noopFactory, 1)
	g.AddEdge(Edge{From: "a", To: "b", SourceOrdinal: 0})
	g.AddEdge(Edge{From: "a", To: "c", SourceOrdinal: 2})
	err := g.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "contiguous")
}

func TestInEdgesOrderedByPriority(t *testing.T) {
	g := New()
	g.AddVertex("a", noopFactory, 1)
	g.AddVertex("b", noopFactory, 1)
	g.AddVertex("join", noopFactory, 1)
	g.AddEdge(Edge{From: "a", To: "join", DestOrdinal: 0, Priority: 5})
	g.AddEdge(Edge{From: "b", To: "join", DestOrdinal: 1, Priority: 1})
	assert.NoError(t, g.Validate())

	in := g.InEdges("join")
	assert.Equal(t, "b", in[0].From)
	assert.Equal(t, "a", in[1].From)
}

func TestDefaultPartitionFnSpreadsKeys(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 100; i++ {
		p := DefaultPartitionFn([]byte{byte(i), byte(i >> 3)}, 4)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 4)
		seen[p] = true
	}
	assert.Len(t, seen, 4)
}
