// Package graph turns job definitions into a validated dependency graph of
// matrix-expanded job instances.
//
// A Graph is immutable after Build and safe for concurrent reads.
package graph

import "sort"

// Graph is a validated DAG whose nodes are instance IDs and whose edges point
// from dependency to dependent.
type Graph struct {
	jobs      []ConcreteJob
	byID      map[string]int
	instances map[string][]string // job ID → instance IDs in expansion order

	edges []Edge // sorted
	out   map[string][]string
	in    map[string][]string

	order       []string
	depth       map[string]int
	fingerprint string
}

// Len returns the number of instances.
func (g *Graph) Len() int { return len(g.jobs) }

// Job returns the instance with the given ID.
func (g *Graph) Job(instanceID string) (ConcreteJob, bool) {
	i, ok := g.byID[instanceID]
	if !ok {
		return ConcreteJob{}, false
	}
	return g.jobs[i], true
}

// Jobs returns every instance in topological order.
func (g *Graph) Jobs() []ConcreteJob {
	out := make([]ConcreteJob, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.jobs[g.byID[id]])
	}
	return out
}

// JobIDs returns the base job IDs, sorted.
func (g *Graph) JobIDs() []string {
	out := make([]string, 0, len(g.instances))
	for id := range g.instances {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Instances returns the instance IDs of jobID in expansion order.
func (g *Graph) Instances(jobID string) []string {
	return append([]string(nil), g.instances[jobID]...)
}

// Dependencies returns the instances instanceID depends on, sorted.
func (g *Graph) Dependencies(instanceID string) []string {
	return append([]string(nil), g.in[instanceID]...)
}

// Dependents returns the instances that depend on instanceID, sorted.
func (g *Graph) Dependents(instanceID string) []string {
	return append([]string(nil), g.out[instanceID]...)
}

// Edges returns every edge sorted by (From, To).
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// TopologicalOrder returns instance IDs so that every dependency precedes its
// dependents. Ties are broken lexically, so the order is stable across runs.
func (g *Graph) TopologicalOrder() []string {
	return append([]string(nil), g.order...)
}

// Depth returns the length of the longest dependency chain ending at instanceID.
func (g *Graph) Depth(instanceID string) (int, bool) {
	d, ok := g.depth[instanceID]
	return d, ok
}

// Stages groups instances by depth. Instances within a stage have no
// dependencies on each other.
func (g *Graph) Stages() [][]string {
	var stages [][]string
	for _, id := range g.order {
		d := g.depth[id]
		for len(stages) <= d {
			stages = append(stages, nil)
		}
		stages[d] = append(stages[d], id)
	}
	for _, s := range stages {
		sort.Strings(s)
	}
	return stages
}

// Fingerprint identifies the normalized graph, definitions included, as blake3:<hex>.
func (g *Graph) Fingerprint() string { return g.fingerprint }

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.byID))
	for id := range g.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
