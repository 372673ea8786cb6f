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
Package dag models the directed acyclic graph submitted for execution:
named vertices holding processor factories, and edges carrying the
forwarding pattern, ordinals and priority. The model is mutable while
being built and is validated (and thereby frozen) before the executor
instantiates it.
*/
package dag

import (
	"fmt"
	"sort"

	"github.com/flowproj/flowdag/pkg/processor"
)

// Vertex is one node of the graph. Immutable after Validate.
type Vertex struct {
	// Name uniquely identifies the vertex within the graph.
	Name string
	// Factory creates the processor instances for this vertex.
	Factory processor.Factory
	// Parallelism is the number of instances, >= 1.
	Parallelism int
}

// Edge is a directed connection between two vertices.
type Edge struct {
	From string
	To   string
	// SourceOrdinal identifies the edge among the outbound edges of From.
	SourceOrdinal int
	// DestOrdinal identifies the edge among the inbound edges of To.
	DestOrdinal int
	// Priority orders inbound edges during the drain; lower is drained first.
	Priority int
	// Pattern decides which downstream instances an item goes to.
	Pattern ForwardPattern
	// Key extracts the partitioning key; required for Partitioned edges.
	Key KeyFn
	// Partitioner maps a key to a downstream instance; nil selects the
	// default murmur3 partitioner.
	Partitioner PartitionFn
	// Distributed marks an edge that routes through the cluster transport.
	// The core executor still wires it locally; the flag is carried for
	// the transport layer sitting above.
	Distributed bool
}

func (e *Edge) String() string {
	return fmt.Sprintf("%s/%d -> %s/%d (%s)", e.From, e.SourceOrdinal, e.To, e.DestOrdinal, e.Pattern)
}

// DAG is the graph being assembled. Not safe for concurrent mutation.
type DAG struct {
	vertices map[string]*Vertex
	names    []string
	edges    []*Edge
}

// New returns an empty graph.
func New() *DAG {
	return &DAG{vertices: make(map[string]*Vertex)}
}

// AddVertex adds a named vertex and returns it. Duplicate names and bad
// parallelism are reported at Validate time.
func (d *DAG) AddVertex(name string, factory processor.Factory, parallelism int) *Vertex {
	v := &Vertex{Name: name, Factory: factory, Parallelism: parallelism}
	if _, dup := d.vertices[name]; !dup {
		d.vertices[name] = v
	}
	d.names = append(d.names, name)
	return v
}

// AddEdge adds an edge to the graph and returns it.
func (d *DAG) AddEdge(e Edge) *Edge {
	added := e
	d.edges = append(d.edges, &added)
	return &added
}

// Vertex returns the vertex with the given name, or nil.
func (d *DAG) Vertex(name string) *Vertex {
	return d.vertices[name]
}

// Vertices returns all vertices in topological order. Validate must have
// succeeded.
func (d *DAG) Vertices() []*Vertex {
	order, _ := d.topoOrder()
	return order
}

// Edges returns all edges in insertion order.
func (d *DAG) Edges() []*Edge {
	return d.edges
}

// OutEdges returns the outbound edges of a vertex, ordered by source ordinal.
func (d *DAG) OutEdges(name string) []*Edge {
	var out []*Edge
	for _, e := range d.edges {
		if e.From == name {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceOrdinal < out[j].SourceOrdinal })
	return out
}

// InEdges returns the inbound edges of a vertex, ordered by priority, then
// destination ordinal.
func (d *DAG) InEdges(name string) []*Edge {
	var in []*Edge
	for _, e := range d.edges {
		if e.To == name {
			in = append(in, e)
		}
	}
	sort.Slice(in, func(i, j int) bool {
		if in[i].Priority != in[j].Priority {
			return in[i].Priority < in[j].Priority
		}
		return in[i].DestOrdinal < in[j].DestOrdinal
	})
	return in
}

// Validate checks the structural rules: unique vertex names, parallelism
// >= 1, edges connecting existing vertices, no duplicate ordinal pairs
// between the same two vertices, partitioned edges carrying a key
// function, and acyclicity.
func (d *DAG) Validate() error {
	seen := make(map[string]bool)
	for _, name := range d.names {
		if seen[name] {
			return InvalidErr{Reason: fmt.Sprintf("duplicate vertex name %q", name)}
		}
		seen[name] = true
	}
	for _, v := range d.vertices {
		if v.Parallelism < 1 {
			return InvalidErr{Reason: fmt.Sprintf("vertex %q has parallelism %d, must be >= 1", v.Name, v.Parallelism)}
		}
		if v.Factory == nil {
			return InvalidErr{Reason: fmt.Sprintf("vertex %q has no processor factory", v.Name)}
		}
	}
	type ordinalPair struct {
		from, to string
		src, dst int
	}
	pairs := make(map[ordinalPair]bool)
	for _, e := range d.edges {
		if d.vertices[e.From] == nil {
			return InvalidErr{Reason: fmt.Sprintf("edge %s references unknown vertex %q", e, e.From)}
		}
		if d.vertices[e.To] == nil {
			return InvalidErr{Reason: fmt.Sprintf("edge %s references unknown vertex %q", e, e.To)}
		}
		p := ordinalPair{e.From, e.To, e.SourceOrdinal, e.DestOrdinal}
		if pairs[p] {
			return InvalidErr{Reason: fmt.Sprintf("duplicate edge %s", e)}
		}
		pairs[p] = true
		if e.Pattern == Partitioned && e.Key == nil {
			return InvalidErr{Reason: fmt.Sprintf("partitioned edge %s has no key function", e)}
		}
	}
	if err := d.validateOrdinals(); err != nil {
		return err
	}
	if _, err := d.topoOrder(); err != nil {
		return err
	}
	return nil
}

// validateOrdinals checks that each vertex's outbound edges use source
// ordinals 0..n-1 and its inbound edges dest ordinals 0..n-1; the outbox
// and inbox buckets are addressed by those ordinals.
func (d *DAG) validateOrdinals() error {
	for name := range d.vertices {
		out := d.OutEdges(name)
		for i, e := range out {
			if e.SourceOrdinal != i {
				return InvalidErr{Reason: fmt.Sprintf("vertex %q outbound ordinals must be contiguous from 0, edge %s", name, e)}
			}
		}
		in := d.InEdges(name)
		seen := make(map[int]bool, len(in))
		for _, e := range in {
			if e.DestOrdinal < 0 || e.DestOrdinal >= len(in) || seen[e.DestOrdinal] {
				return InvalidErr{Reason: fmt.Sprintf("vertex %q inbound ordinals must be contiguous from 0, edge %s", name, e)}
			}
			seen[e.DestOrdinal] = true
		}
	}
	return nil
}

// topoOrder runs Kahn's algorithm. An incomplete order means a cycle.
func (d *DAG) topoOrder() ([]*Vertex, error) {
	indegree := make(map[string]int, len(d.vertices))
	for name := range d.vertices {
		indegree[name] = 0
	}
	for _, e := range d.edges {
		indegree[e.To]++
	}
	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready) // deterministic order for equal ranks
	var order []*Vertex
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, d.vertices[name])
		var next []string
		for _, e := range d.edges {
			if e.From != name {
				continue
			}
			indegree[e.To]--
			if indegree[e.To] == 0 {
				next = append(next, e.To)
			}
		}
		sort.Strings(next)
		ready = append(ready, next...)
	}
	if len(order) != len(d.vertices) {
		return nil, InvalidErr{Reason: "graph contains a cycle"}
	}
	return order, nil
}
