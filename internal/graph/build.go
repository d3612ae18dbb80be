package graph

import (
	"container/heap"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Build expands every job's matrix, wires dependency edges, and validates the
// result. A graph is only returned when it is complete and acyclic.
func Build(defs []JobDefinition) (*Graph, error) {
	sorted := make([]JobDefinition, len(defs))
	copy(sorted, defs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	g := &Graph{
		byID:      make(map[string]int),
		instances: make(map[string][]string),
		out:       make(map[string][]string),
		in:        make(map[string][]string),
	}

	for i, def := range sorted {
		id := strings.TrimSpace(def.ID)
		if id == "" {
			return nil, invalidf("jobs[%d]: id is required", i)
		}
		if id != def.ID {
			return nil, invalidf("job %q: id has surrounding whitespace", def.ID)
		}
		if _, exists := g.instances[id]; exists {
			return nil, invalidf("duplicate job id %q", id)
		}
		if _, err := json.Marshal(def.Definition); err != nil {
			return nil, invalidf("job %q: definition is not encodable: %v", id, err)
		}

		expanded, err := Expand(def)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(expanded))
		for _, cj := range expanded {
			if _, exists := g.byID[cj.InstanceID]; exists {
				return nil, invalidf("job %q: instance id %q collides with another job", id, cj.InstanceID)
			}
			g.byID[cj.InstanceID] = len(g.jobs)
			g.jobs = append(g.jobs, cj)
			ids = append(ids, cj.InstanceID)
		}
		g.instances[id] = ids
	}

	seen := make(map[Edge]struct{})
	for _, def := range sorted {
		for _, need := range def.Needs {
			deps, ok := g.instances[need]
			if !ok {
				return nil, &MissingDependencyError{Job: def.ID, Missing: need}
			}
			for _, to := range g.instances[def.ID] {
				for _, from := range deps {
					e := Edge{From: from, To: to}
					if _, dup := seen[e]; dup {
						continue
					}
					seen[e] = struct{}{}
					g.edges = append(g.edges, e)
					g.out[from] = append(g.out[from], to)
					g.in[to] = append(g.in[to], from)
				}
			}
		}
	}

	sort.Slice(g.edges, func(i, j int) bool {
		if g.edges[i].From == g.edges[j].From {
			return g.edges[i].To < g.edges[j].To
		}
		return g.edges[i].From < g.edges[j].From
	})
	for _, adj := range []map[string][]string{g.out, g.in} {
		for k := range adj {
			sort.Strings(adj[k])
		}
	}

	if cycles := g.findCycles(); len(cycles) > 0 {
		return nil, &CycleError{Cycles: cycles}
	}

	g.order = g.kahn()
	g.depth = g.computeDepth()

	fp, err := g.computeFingerprint()
	if err != nil {
		return nil, err
	}
	g.fingerprint = fp
	return g, nil
}

// Expand returns the concrete instances of one job. Dimensions are taken in
// key order; within a dimension values keep their declared order, and the
// first dimension varies slowest.
func Expand(def JobDefinition) ([]ConcreteJob, error) {
	if len(def.Matrix) == 0 {
		return []ConcreteJob{{
			JobID:      def.ID,
			InstanceID: def.ID,
			Providers:  def.Providers,
			Definition: def.Definition,
		}}, nil
	}

	keys := make([]string, 0, len(def.Matrix))
	for k := range def.Matrix {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	combos := [][]string{{}}
	for _, k := range keys {
		values := def.Matrix[k]
		if len(values) == 0 {
			return nil, invalidf("job %q: matrix dimension %q has no values", def.ID, k)
		}
		next := make([][]string, 0, len(combos)*len(values))
		for _, combo := range combos {
			for _, v := range values {
				c := make([]string, len(combo), len(combo)+1)
				copy(c, combo)
				next = append(next, append(c, v))
			}
		}
		combos = next
	}

	out := make([]ConcreteJob, 0, len(combos))
	for _, combo := range combos {
		matrix := make(map[string]string, len(keys))
		for i, k := range keys {
			matrix[k] = combo[i]
		}
		out = append(out, ConcreteJob{
			JobID:      def.ID,
			InstanceID: def.ID + "-" + strings.Join(combo, "-"),
			Matrix:     matrix,
			Providers:  def.Providers,
			Definition: def.Definition,
		})
	}
	return out, nil
}

// findCycles runs Tarjan's algorithm over the instance graph.
func (g *Graph) findCycles() [][]string {
	index := make(map[string]int, len(g.jobs))
	low := make(map[string]int, len(g.jobs))
	onStack := make(map[string]bool, len(g.jobs))
	var stack []string
	var cycles [][]string
	next := 0

	var strongconnect func(v string)
	strongconnect = func(v string) {
		index[v] = next
		low[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.out[v] {
			if _, visited := index[w]; !visited {
				strongconnect(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}

		if low[v] != index[v] {
			return
		}
		var scc []string
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		if len(scc) > 1 || g.hasEdge(v, v) {
			sort.Strings(scc)
			cycles = append(cycles, scc)
		}
	}

	for _, id := range g.sortedIDs() {
		if _, visited := index[id]; !visited {
			strongconnect(id)
		}
	}

	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })
	return cycles
}

func (g *Graph) hasEdge(from, to string) bool {
	for _, w := range g.out[from] {
		if w == to {
			return true
		}
	}
	return false
}

type minHeap []string

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(string)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// kahn returns the topological order, always picking the lexically smallest ready instance.
func (g *Graph) kahn() []string {
	indeg := make(map[string]int, len(g.jobs))
	for _, cj := range g.jobs {
		indeg[cj.InstanceID] = len(g.in[cj.InstanceID])
	}

	h := &minHeap{}
	for id, d := range indeg {
		if d == 0 {
			*h = append(*h, id)
		}
	}
	heap.Init(h)

	order := make([]string, 0, len(g.jobs))
	for h.Len() > 0 {
		v := heap.Pop(h).(string)
		order = append(order, v)
		for _, w := range g.out[v] {
			indeg[w]--
			if indeg[w] == 0 {
				heap.Push(h, w)
			}
		}
	}
	return order
}

// computeDepth is the longest path from any source to each instance.
func (g *Graph) computeDepth() map[string]int {
	depth := make(map[string]int, len(g.order))
	for _, v := range g.order {
		d := 0
		for _, p := range g.in[v] {
			if depth[p]+1 > d {
				d = depth[p] + 1
			}
		}
		depth[v] = d
	}
	return depth
}

func (g *Graph) computeFingerprint() (string, error) {
	type instanceShape struct {
		ID         string            `json:"id"`
		Job        string            `json:"job"`
		Matrix     map[string]string `json:"matrix,omitempty"`
		Providers  []string          `json:"providers,omitempty"`
		Definition map[string]any    `json:"definition,omitempty"`
	}
	type fingerprintShape struct {
		Instances []instanceShape `json:"instances"`
		Edges     []Edge          `json:"edges"`
	}

	shape := fingerprintShape{Edges: g.edges}
	for _, id := range g.sortedIDs() {
		cj := g.jobs[g.byID[id]]
		shape.Instances = append(shape.Instances, instanceShape{
			ID:         cj.InstanceID,
			Job:        cj.JobID,
			Matrix:     cj.Matrix,
			Providers:  cj.Providers,
			Definition: cj.Definition,
		})
	}

	body, err := json.Marshal(shape)
	if err != nil {
		return "", fmt.Errorf("marshal graph fingerprint input: %w", err)
	}
	sum := blake3.Sum256(body)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}
