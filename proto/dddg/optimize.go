// ════════════════════════════════════════════════════════════════════════════════════════════════
// Graph Optimizer - HLS-Style Rewrite Passes
// ────────────────────────────────────────────────────────────────────────────────────────────────
//
// Each pass mirrors a transformation a high-level synthesis compiler applies
// before scheduling. Passes never delete nodes: they rewrite opcodes, add
// edges and isolate nodes that no longer take part.
//
// PASS ORDER:
// ───────────
// Before latency assignment (edge weights are operand positions):
//
//	RemoveInductionDependencies  address arithmetic leaves the ALUs
//	RemovePhiNodes               PHI and bitcast nodes become wires
//	EnableStoreBuffer            store→load forwarding
//
// After ASAP/ALAP (edge weights are latencies), driven by Optimizer:
//
//	PerformMemoryDisambiguation  must precede the two memory passes below
//	RemoveSharedLoads
//	RemoveRepeatedStores
//	ReduceTreeHeight(int)
//	ReduceTreeHeight(float)
//
// The Optimizer order is a contract. Disambiguation marks instructions as
// dynamic and the repeated-store pass relies on those marks.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package dddg

import (
	"strings"

	"linanalyzer/proto/opcode"
)

// inductionMarker tags instruction ids that LLVM derived from an induction
// variable.
const inductionMarker = "indvars"

// RemoveInductionDependencies reclassifies integer add/sub nodes that
// compute induction variables, or that consume one, as index arithmetic.
// It returns the number of nodes reclassified.
func RemoveInductionDependencies(g *Graph, ctx *Context) int {
	changed := 0
	reclassify := func(n int) {
		switch g.Op(n) {
		case opcode.Add:
			g.SetOp(n, opcode.IndexAdd)
			changed++
		case opcode.Sub:
			g.SetOp(n, opcode.IndexSub)
			changed++
		}
	}

	for _, n := range g.TopoOrder() {
		if strings.Contains(ctx.InstID[n], inductionMarker) {
			reclassify(n)
			continue
		}
		for _, p := range g.pred[n] {
			if opcode.IsBranch(g.Op(p)) {
				continue
			}
			if strings.Contains(ctx.InstID[p], inductionMarker) || opcode.IsIndex(g.Op(p)) {
				reclassify(n)
				break
			}
		}
	}
	return changed
}

// RemovePhiNodes replaces every PHI and bitcast node by direct edges from
// each of its parents to each of its children. The child's operand position
// is kept. Nodes are handled in id order and each substitution is applied
// before the next node is examined, so chains of PHIs collapse fully.
// It returns the number of nodes removed.
func RemovePhiNodes(g *Graph) int {
	removed := 0
	for n := 0; n < g.NumNodes(); n++ {
		op := g.Op(n)
		if !opcode.IsPhi(op) && !opcode.IsBitCast(op) {
			continue
		}
		if !g.Connected(n) {
			continue
		}

		type sub struct {
			to    int
			param uint64
		}
		var add []sub
		for _, c := range g.succ[n] {
			add = append(add, sub{c, g.edges[edgeKey{n, c}].Param})
		}
		parents := g.Preds(n)

		g.Isolate(n)
		removed++

		for _, p := range parents {
			for _, s := range add {
				g.AddEdge(p, s.to, s.param)
			}
		}
	}
	return removed
}

// EnableStoreBuffer forwards stored values to the loads that read them back.
// For every store not flagged dynamic, its load children that are not flagged
// dynamic (and read the same address when both addresses are known) are
// bypassed: their children are wired to the store's value operand and the
// loads are isolated. It returns the number of loads removed.
func EnableStoreBuffer(g *Graph, ctx *Context) int {
	type pending struct {
		from, to int
		param    uint64
	}
	var add []pending
	var drop []int

	for n := 0; n < g.NumNodes(); n++ {
		if !g.Connected(n) || !opcode.IsStore(g.Op(n)) || ctx.IsDynamic(n) {
			continue
		}

		var loads []int
		for _, c := range g.succ[n] {
			if !opcode.IsLoad(g.Op(c)) || ctx.IsDynamic(c) {
				continue
			}
			if !sameAddress(ctx, n, c) {
				continue
			}
			loads = append(loads, c)
		}
		if len(loads) == 0 {
			continue
		}

		value := -1
		for _, p := range g.pred[n] {
			if g.edges[edgeKey{p, n}].Param == 1 {
				value = p
				break
			}
		}
		if value < 0 {
			continue
		}

		for _, l := range loads {
			drop = append(drop, l)
			for _, c := range g.succ[l] {
				add = append(add, pending{value, c, g.edges[edgeKey{l, c}].Param})
			}
		}
	}

	for _, e := range add {
		g.AddEdge(e.from, e.to, e.param)
	}
	removed := 0
	for _, l := range drop {
		if g.Connected(l) {
			g.Isolate(l)
			removed++
		}
	}
	return removed
}

func sameAddress(ctx *Context, a, b int) bool {
	ma, okA := ctx.Memory[a]
	mb, okB := ctx.Memory[b]
	if !okA || !okB {
		return true
	}
	return ma.Address == mb.Address
}

// PerformMemoryDisambiguation pairs every load with the stores that feed it
// in the same dynamic function. A load instruction paired with more than one
// store instruction is ambiguous: an ordering edge from the latest instance of
// each candidate store is inserted and both instructions are flagged dynamic.
// Isolated nodes take no part. It returns the number of ordering edges
// inserted.
func PerformMemoryDisambiguation(g *Graph, ctx *Context) int {
	if ctx.Dynamic == nil {
		ctx.Dynamic = make(map[string]bool)
	}

	pairs := make(map[string][]string)
	paired := make(map[string]bool)

	for _, n := range g.TopoOrder() {
		if !g.Connected(n) || !opcode.IsStore(g.Op(n)) {
			continue
		}
		for _, c := range g.succ[n] {
			if !opcode.IsLoad(g.Op(c)) || ctx.FuncID[n] != ctx.FuncID[c] {
				continue
			}
			store, load := ctx.UniqueID(n), ctx.UniqueID(c)
			paired[store] = true

			known := false
			for _, s := range pairs[load] {
				if s == store {
					known = true
					break
				}
			}
			if !known {
				pairs[load] = append(pairs[load], store)
			}
		}
	}
	if len(pairs) == 0 {
		return 0
	}

	type pending struct{ from, to int }
	var add []pending
	lastStore := make(map[string]int)

	for n := 0; n < g.NumNodes(); n++ {
		op := g.Op(n)
		if !g.Connected(n) || !opcode.IsMemory(op) {
			continue
		}
		id := ctx.UniqueID(n)

		if opcode.IsStore(op) {
			if paired[id] {
				lastStore[id] = n
			}
			continue
		}

		stores := pairs[id]
		if len(stores) < 2 {
			continue
		}
		for _, s := range stores {
			prev, ok := lastStore[s]
			if !ok || g.HasEdge(prev, n) {
				continue
			}
			add = append(add, pending{prev, n})
			ctx.Dynamic[s] = true
			ctx.Dynamic[id] = true
		}
	}

	added := 0
	for _, e := range add {
		if g.AddEdge(e.from, e.to, EdgeOrdering) {
			added++
		}
	}
	return added
}

// RemoveSharedLoads turns a load of an address that is still held by an
// earlier load into a Move: its children are wired to the earlier load and
// its own edges are dropped. A store to the address ends the sharing.
// It returns the number of loads rewritten.
func RemoveSharedLoads(g *Graph, ctx *Context) int {
	loaded := make(map[int64]int)
	shared := 0

	for n := 0; n < g.NumNodes(); n++ {
		op := g.Op(n)
		if !g.Connected(n) || !opcode.IsMemory(op) {
			continue
		}
		acc, ok := ctx.Memory[n]
		if !ok {
			Fatalf("memory node %d has no memory trace entry", n)
		}

		prev, isLoaded := loaded[acc.Address]
		switch {
		case isLoaded && opcode.IsStore(op):
			delete(loaded, acc.Address)
		case isLoaded:
			shared++
			g.SetOp(n, opcode.Move)
			for _, c := range g.Succs(n) {
				g.AddEdge(prev, c, g.edges[edgeKey{n, c}].Param)
			}
			g.Isolate(n)
		case opcode.IsLoad(op):
			loaded[acc.Address] = n
		}
	}
	return shared
}

// RemoveRepeatedStores scans stores from last to first. An earlier store to
// an address written again later, with no consumers and not flagged dynamic,
// becomes a SilentStore. It returns the number of stores downgraded.
func RemoveRepeatedStores(g *Graph, ctx *Context) int {
	seen := make(map[int64]bool)
	silenced := 0

	for n := g.NumNodes() - 1; n >= 0; n-- {
		if !g.Connected(n) || !opcode.IsStore(g.Op(n)) {
			continue
		}
		acc, ok := ctx.Memory[n]
		if !ok {
			Fatalf("store node %d has no memory trace entry", n)
		}

		if !seen[acc.Address] {
			seen[acc.Address] = true
			continue
		}
		if !ctx.IsDynamic(n) && g.OutDegree(n) == 0 {
			g.SetOp(n, opcode.SilentStore)
			silenced++
		}
	}
	return silenced
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// TREE-HEIGHT REDUCTION
// ════════════════════════════════════════════════════════════════════════════════════════════════

// ReduceTreeHeight rebuilds maximal chains of an associative opcode class as
// balanced trees. A chain grows upwards from a root through parents of the
// same class that have exactly one data consumer; every chain node must have
// exactly two non-branch parents. Chains of fewer than three nodes, and
// chains where one leaf feeds more than one chain node, are left alone.
// Leaves and partial results are combined lowest rank first, rank being the
// depth of the subtree. It returns the number of chains rebuilt.
func ReduceTreeHeight(g *Graph, assoc func(opcode.Opcode) bool) int {
	n := g.NumNodes()
	visited := NewBitset(n)

	var drop [][2]int
	type pending struct{ from, to int }
	var add []pending
	rebuilt := 0

	for root := n - 1; root >= 0; root-- {
		if !g.Connected(root) || visited.Has(root) || !assoc(g.Op(root)) {
			continue
		}
		visited.Set(root)

		var nodes []int // deepest first
		var leaves []int
		var cut [][2]int

		chain := []int{root}
		for i := 0; i < len(chain); i++ {
			cn := chain[i]
			if !assoc(g.Op(cn)) {
				leaves = append(leaves, cn)
				continue
			}
			visited.Set(cn)

			parents := 0
			for _, p := range g.pred[cn] {
				if !opcode.IsBranch(g.Op(p)) {
					parents++
				}
			}
			if parents != 2 {
				leaves = append(leaves, cn)
				continue
			}

			nodes = append([]int{cn}, nodes...)
			for _, p := range g.pred[cn] {
				if opcode.IsBranch(g.Op(p)) {
					continue
				}
				if p > cn {
					Fatalf("parent %d has a larger id than its child %d", p, cn)
				}
				cut = append(cut, [2]int{p, cn})
				visited.Set(p)

				if assoc(g.Op(p)) && dataChildren(g, p) == 1 {
					chain = append(chain, p)
				} else {
					leaves = append(leaves, p)
				}
			}
		}

		if len(nodes) < 3 {
			continue
		}

		// A leaf shared by two chain nodes would have to feed both
		distinct := make(map[int]bool, len(leaves))
		for _, l := range leaves {
			distinct[l] = true
		}
		if len(distinct) != len(nodes)+1 {
			continue
		}
		rebuilt++
		drop = append(drop, cut...)

		rank := newRankMap()
		for _, l := range leaves {
			rank.set(l, 0)
		}
		for _, cn := range nodes {
			a, b := rank.minPair()
			add = append(add, pending{a, cn}, pending{b, cn})
			rank.set(cn, max(rank.get(a), rank.get(b))+1)
			rank.remove(a)
			rank.remove(b)
		}
	}

	for _, e := range drop {
		g.RemoveEdge(e[0], e[1])
	}
	for _, e := range add {
		g.AddEdge(e.from, e.to, 1)
	}
	return rebuilt
}

func dataChildren(g *Graph, n int) int {
	count := 0
	for _, c := range g.succ[n] {
		if !g.edges[edgeKey{n, c}].Control {
			count++
		}
	}
	return count
}

// rankMap is a small id-ordered map used to pick the two lowest-rank
// operands. Ties go to the smaller id.
type rankMap struct {
	ids  []int
	rank map[int]int
}

func newRankMap() *rankMap { return &rankMap{rank: make(map[int]int)} }

func (r *rankMap) set(id, rank int) {
	if _, ok := r.rank[id]; !ok {
		r.ids = insertSorted(r.ids, id)
	}
	r.rank[id] = rank
}

func (r *rankMap) get(id int) int { return r.rank[id] }

func (r *rankMap) remove(id int) {
	delete(r.rank, id)
	r.ids = removeSorted(r.ids, id)
}

func (r *rankMap) minPair() (int, int) {
	if len(r.ids) < 2 {
		Fatalf("tree-height reduction ran out of operands")
	}
	first, second := -1, -1
	for _, id := range r.ids {
		if first < 0 || r.rank[id] < r.rank[first] {
			first = id
		}
	}
	for _, id := range r.ids {
		if id != first && (second < 0 || r.rank[id] < r.rank[second]) {
			second = id
		}
	}
	return first, second
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// OPTIMIZER PIPELINE
// ════════════════════════════════════════════════════════════════════════════════════════════════

// Options enables the post-ALAP passes.
type Options struct {
	MemoryDisambiguation bool
	SharedLoads          bool
	RepeatedStores       bool
	TreeHeightInt        bool
	TreeHeightFloat      bool
}

// Optimizer runs the enabled post-ALAP passes in their fixed order and keeps
// the counts the report needs.
type Optimizer struct {
	Options

	OrderingEdges         int
	SharedLoadsRemoved    int
	RepeatedStoresRemoved int
	ChainsRebuilt         int
}

func NewOptimizer(opts Options) *Optimizer { return &Optimizer{Options: opts} }

func (o *Optimizer) Run(g *Graph, ctx *Context) {
	if o.MemoryDisambiguation {
		o.OrderingEdges = PerformMemoryDisambiguation(g, ctx)
	}
	if o.SharedLoads {
		o.SharedLoadsRemoved = RemoveSharedLoads(g, ctx)
	}
	if o.RepeatedStores {
		o.RepeatedStoresRemoved = RemoveRepeatedStores(g, ctx)
	}
	if o.TreeHeightInt {
		o.ChainsRebuilt += ReduceTreeHeight(g, opcode.IsAssociative)
	}
	if o.TreeHeightFloat {
		o.ChainsRebuilt += ReduceTreeHeight(g, opcode.IsFAssociative)
	}
}
