// ════════════════════════════════════════════════════════════════════════════════════════════════
// Dynamic Data Dependence Graph - Node Arena and Weighted Edges
// ────────────────────────────────────────────────────────────────────────────────────────────────
//
// One node per retained trace entry, numbered 0..N-1 in execution order.
// Nodes are never deleted: a "removed" node is isolated (zero degree) and
// every later phase skips it, so dense per-node arrays stay valid.
//
// EDGE WEIGHTS:
// ─────────────
// Edges carry two numbers:
//
//	Param   operand position of the consumer (1-based), or one of the
//	        sentinels EdgeControl / EdgeOrdering
//	Weight  the producer's latency once AssignLatencies has run,
//	        0 for control edges; equal to Param before that
//
// Edges added after AssignLatencies are weighted on insertion, so passes
// that run late (tree-height reduction, disambiguation) never leave an
// unconverted operand position behind.
//
// ADJACENCY:
// ──────────
// Successor and predecessor lists are kept sorted by node id. Every walk
// over the graph therefore visits neighbours in the same order on every run.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package dddg

import (
	"container/heap"
	"sort"

	"linanalyzer/proto/opcode"
)

const (
	// EdgeControl marks a control dependence.
	EdgeControl uint64 = 200
	// EdgeOrdering marks a memory ordering edge inserted by disambiguation.
	EdgeOrdering uint64 = 255
)

// Edge is one dependence from a producer to a consumer.
type Edge struct {
	From, To int
	Param    uint64
	Weight   uint64
	Control  bool
}

type edgeKey struct{ from, to int }

// Graph is the mutable DDDG.
type Graph struct {
	orig []opcode.Opcode
	ops  []opcode.Opcode

	succ  [][]int
	pred  [][]int
	edges map[edgeKey]*Edge

	latency func(opcode.Opcode) uint64
}

// New creates a graph with one node per opcode and no edges.
func New(ops []opcode.Opcode) *Graph {
	n := len(ops)
	g := &Graph{
		orig:  append([]opcode.Opcode(nil), ops...),
		ops:   append([]opcode.Opcode(nil), ops...),
		succ:  make([][]int, n),
		pred:  make([][]int, n),
		edges: make(map[edgeKey]*Edge),
	}
	return g
}

// Clone returns a deep copy. Latency assignment state is shared.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		orig:    append([]opcode.Opcode(nil), g.orig...),
		ops:     append([]opcode.Opcode(nil), g.ops...),
		succ:    make([][]int, len(g.succ)),
		pred:    make([][]int, len(g.pred)),
		edges:   make(map[edgeKey]*Edge, len(g.edges)),
		latency: g.latency,
	}
	for i := range g.succ {
		c.succ[i] = append([]int(nil), g.succ[i]...)
		c.pred[i] = append([]int(nil), g.pred[i]...)
	}
	for k, e := range g.edges {
		cp := *e
		c.edges[k] = &cp
	}
	return c
}

func (g *Graph) NumNodes() int { return len(g.ops) }
func (g *Graph) NumEdges() int { return len(g.edges) }

// Op is the effective opcode of n.
func (g *Graph) Op(n int) opcode.Opcode { return g.ops[n] }

// OriginalOp is the opcode n had when the graph was built.
func (g *Graph) OriginalOp(n int) opcode.Opcode { return g.orig[n] }

// SetOp rewrites the effective opcode of n.
func (g *Graph) SetOp(n int, op opcode.Opcode) { g.ops[n] = op }

// Ops returns a copy of the effective opcodes.
func (g *Graph) Ops() []opcode.Opcode { return append([]opcode.Opcode(nil), g.ops...) }

func (g *Graph) check(n int) {
	if n < 0 || n >= len(g.ops) {
		Fatalf("node %d out of range [0,%d)", n, len(g.ops))
	}
}

// Weighted reports whether AssignLatencies has run.
func (g *Graph) Weighted() bool { return g.latency != nil }

// AddEdge inserts from→to. Self loops and duplicate pairs are ignored and
// report false.
func (g *Graph) AddEdge(from, to int, param uint64) bool {
	g.check(from)
	g.check(to)
	if from == to {
		return false
	}
	k := edgeKey{from, to}
	if _, ok := g.edges[k]; ok {
		return false
	}

	e := &Edge{From: from, To: to, Param: param, Weight: param, Control: param == EdgeControl}
	if g.latency != nil {
		e.Weight = g.weightOf(e)
	}
	g.edges[k] = e
	g.succ[from] = insertSorted(g.succ[from], to)
	g.pred[to] = insertSorted(g.pred[to], from)
	return true
}

func (g *Graph) weightOf(e *Edge) uint64 {
	if e.Control {
		return 0
	}
	return g.latency(g.ops[e.From])
}

// HasEdge reports whether from→to exists.
func (g *Graph) HasEdge(from, to int) bool {
	_, ok := g.edges[edgeKey{from, to}]
	return ok
}

// Edge returns a copy of from→to.
func (g *Graph) Edge(from, to int) (Edge, bool) {
	e, ok := g.edges[edgeKey{from, to}]
	if !ok {
		return Edge{}, false
	}
	return *e, true
}

// Weight returns the weight of from→to, or 0 when absent.
func (g *Graph) Weight(from, to int) uint64 {
	if e, ok := g.edges[edgeKey{from, to}]; ok {
		return e.Weight
	}
	return 0
}

// RemoveEdge deletes from→to if present.
func (g *Graph) RemoveEdge(from, to int) bool {
	k := edgeKey{from, to}
	if _, ok := g.edges[k]; !ok {
		return false
	}
	delete(g.edges, k)
	g.succ[from] = removeSorted(g.succ[from], to)
	g.pred[to] = removeSorted(g.pred[to], from)
	return true
}

// Isolate removes every edge touching n.
func (g *Graph) Isolate(n int) {
	g.check(n)
	for _, c := range g.Succs(n) {
		g.RemoveEdge(n, c)
	}
	for _, p := range g.Preds(n) {
		g.RemoveEdge(p, n)
	}
}

// Succs returns the children of n in id order. The slice is a copy.
func (g *Graph) Succs(n int) []int { return append([]int(nil), g.succ[n]...) }

// Preds returns the parents of n in id order. The slice is a copy.
func (g *Graph) Preds(n int) []int { return append([]int(nil), g.pred[n]...) }

func (g *Graph) InDegree(n int) int  { return len(g.pred[n]) }
func (g *Graph) OutDegree(n int) int { return len(g.succ[n]) }
func (g *Graph) Degree(n int) int    { return len(g.pred[n]) + len(g.succ[n]) }

// Connected reports whether n still takes part in the graph.
func (g *Graph) Connected(n int) bool { return g.Degree(n) > 0 }

// Edges returns every edge ordered by (from, to).
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for from, cs := range g.succ {
		for _, to := range cs {
			out = append(out, *g.edges[edgeKey{from, to}])
		}
	}
	return out
}

// AssignLatencies converts every edge weight from operand position to the
// producer's latency and keeps converting edges added later. It reports
// whether any edge ended up with a non-zero weight.
func (g *Graph) AssignLatencies(latency func(opcode.Opcode) uint64) bool {
	g.latency = latency
	nonZero := false
	for _, e := range g.edges {
		e.Weight = g.weightOf(e)
		if e.Weight != 0 {
			nonZero = true
		}
	}
	return nonZero
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// TOPOLOGICAL ORDER
// ════════════════════════════════════════════════════════════════════════════════════════════════

type idHeap []int

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *idHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// TopoOrder returns every node in dependence order, breaking ties by the
// smallest id. A cycle is fatal.
func (g *Graph) TopoOrder() []int {
	n := len(g.ops)
	pending := make([]int, n)
	h := make(idHeap, 0, n)
	for i := 0; i < n; i++ {
		pending[i] = len(g.pred[i])
		if pending[i] == 0 {
			h = append(h, i)
		}
	}
	heap.Init(&h)

	order := make([]int, 0, n)
	for h.Len() > 0 {
		v := heap.Pop(&h).(int)
		order = append(order, v)
		for _, c := range g.succ[v] {
			pending[c]--
			if pending[c] == 0 {
				heap.Push(&h, c)
			}
		}
	}

	if len(order) != n {
		Fatalf("graph has a cycle: %d of %d nodes ordered", len(order), n)
	}
	return order
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// HELPERS
// ════════════════════════════════════════════════════════════════════════════════════════════════

func insertSorted(s []int, v int) []int {
	i := sort.SearchInts(s, v)
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeSorted(s []int, v int) []int {
	i := sort.SearchInts(s, v)
	if i < len(s) && s[i] == v {
		return append(s[:i], s[i+1:]...)
	}
	return s
}
