package dddg

import (
	"errors"
	"testing"

	"linanalyzer/proto/opcode"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// Graph Optimizer - Test Suite
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// Every pass must preserve the value computed by the kernel while reshaping
// the graph. The scenarios below build small traces by hand, run one pass
// and check both the shape and (where it matters) the evaluated result.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// newContext builds trace annotations where every node lives in function
// "f", block "bb" and carries its own instruction id.
func newContext(n int) *Context {
	ctx := &Context{
		FuncID: make([]string, n),
		InstID: make([]string, n),
		PrevBB: make([]string, n),
		CurrBB: make([]string, n),
		Memory: make(map[int]Access),
		GEP:    make(map[int]BaseAddress),
	}
	for i := 0; i < n; i++ {
		ctx.FuncID[i] = "f"
		ctx.InstID[i] = "i" + string(rune('a'+i))
		ctx.PrevBB[i] = "bb"
		ctx.CurrBB[i] = "bb"
	}
	return ctx
}

func TestOptimize_PhiRemoval(t *testing.T) {
	// WHAT: A PHI with 2 parents and 3 children becomes 2×3 direct edges
	// WHY:  PHIs are wires in hardware; the pre-existing 0→3 edge is not doubled
	g := New([]opcode.Opcode{opcode.Load, opcode.Load, opcode.PHI, opcode.Add, opcode.Add, opcode.Add})
	g.AddEdge(0, 2, 1)
	g.AddEdge(1, 2, 2)
	g.AddEdge(2, 3, 1)
	g.AddEdge(2, 4, 2)
	g.AddEdge(2, 5, 1)
	g.AddEdge(0, 3, 2)

	if removed := RemovePhiNodes(g); removed != 1 {
		t.Errorf("RemovePhiNodes = %d, want 1", removed)
	}
	if g.Degree(2) != 0 {
		t.Errorf("PHI still has %d edges", g.Degree(2))
	}
	// 1 pre-existing + 6 substitutes - 1 duplicate
	if g.NumEdges() != 6 {
		t.Errorf("NumEdges = %d, want 6", g.NumEdges())
	}
	for _, p := range []int{0, 1} {
		for _, c := range []int{3, 4, 5} {
			if !g.HasEdge(p, c) {
				t.Errorf("missing substitute edge %d→%d", p, c)
			}
		}
	}
	if e, _ := g.Edge(1, 4); e.Param != 2 {
		t.Errorf("child operand position lost: %d", e.Param)
	}
	if e, _ := g.Edge(0, 3); e.Param != 2 {
		t.Errorf("pre-existing edge overwritten: %d", e.Param)
	}
}

func TestOptimize_PhiChainAndChildless(t *testing.T) {
	g := New([]opcode.Opcode{opcode.Load, opcode.PHI, opcode.BitCast, opcode.Add, opcode.PHI})
	g.AddEdge(0, 1, 1)
	g.AddEdge(1, 2, 1)
	g.AddEdge(2, 3, 2)
	g.AddEdge(3, 4, 1) // childless PHI

	RemovePhiNodes(g)

	if !g.HasEdge(0, 3) {
		t.Errorf("PHI→bitcast chain did not collapse to 0→3")
	}
	if e, _ := g.Edge(0, 3); e.Param != 2 {
		t.Errorf("operand position = %d, want 2", e.Param)
	}
	for _, n := range []int{1, 2, 4} {
		if g.Connected(n) {
			t.Errorf("node %d still connected", n)
		}
	}
}

func TestOptimize_InductionReclassification(t *testing.T) {
	// 0: indvars add   1: add(0)   2: sub(1)   3: mul(1)   4: add(load)
	g := New([]opcode.Opcode{opcode.Add, opcode.Add, opcode.Sub, opcode.Mul, opcode.Add, opcode.Load})
	g.AddEdge(0, 1, 1)
	g.AddEdge(1, 2, 1)
	g.AddEdge(1, 3, 1)
	g.AddEdge(5, 4, 1)
	ctx := newContext(6)
	ctx.InstID[0] = "indvars.iv.next"

	if n := RemoveInductionDependencies(g, ctx); n != 3 {
		t.Errorf("reclassified %d nodes, want 3", n)
	}
	want := []opcode.Opcode{opcode.IndexAdd, opcode.IndexAdd, opcode.IndexSub, opcode.Mul, opcode.Add}
	for i, op := range want {
		if g.Op(i) != op {
			t.Errorf("node %d = %v, want %v", i, g.Op(i), op)
		}
		if g.OriginalOp(i) == opcode.IndexAdd {
			t.Errorf("original opcode of %d was rewritten", i)
		}
	}
}

func TestOptimize_StoreBufferForwarding(t *testing.T) {
	// WHAT: value→store→load→use becomes value→use (Scenario B)
	//
	//	0 fadd (value)   1 gep (address)
	//	2 store(0, 1)    3 load(1) after 2
	//	4 fmul(3)
	g := New([]opcode.Opcode{opcode.FAdd, opcode.GetElementPtr, opcode.Store, opcode.Load, opcode.FMul})
	g.AddEdge(0, 2, 1)
	g.AddEdge(1, 2, 2)
	g.AddEdge(1, 3, 1)
	g.AddEdge(2, 3, EdgeOrdering)
	g.AddEdge(3, 4, 2)
	ctx := newContext(5)
	ctx.Memory[2] = Access{Address: 0x100, SizeBits: 32}
	ctx.Memory[3] = Access{Address: 0x100, SizeBits: 32}

	if n := EnableStoreBuffer(g, ctx); n != 1 {
		t.Fatalf("EnableStoreBuffer = %d, want 1", n)
	}
	if g.Connected(3) {
		t.Errorf("forwarded load still connected")
	}
	if e, ok := g.Edge(0, 4); !ok || e.Param != 2 {
		t.Errorf("value producer not wired to the load's consumer: %+v %v", e, ok)
	}
	if !g.HasEdge(0, 2) || !g.HasEdge(1, 2) {
		t.Errorf("the store itself must stay")
	}
}

func TestOptimize_StoreBufferRespectsAmbiguity(t *testing.T) {
	build := func() (*Graph, *Context) {
		g := New([]opcode.Opcode{opcode.FAdd, opcode.Store, opcode.Load, opcode.FMul})
		g.AddEdge(0, 1, 1)
		g.AddEdge(1, 2, EdgeOrdering)
		g.AddEdge(2, 3, 1)
		return g, newContext(4)
	}

	g, ctx := build()
	ctx.Dynamic = map[string]bool{ctx.UniqueID(1): true}
	if n := EnableStoreBuffer(g, ctx); n != 0 || !g.Connected(2) {
		t.Errorf("dynamic store was forwarded")
	}

	g, ctx = build()
	ctx.Memory[1] = Access{Address: 0x10}
	ctx.Memory[2] = Access{Address: 0x20}
	if n := EnableStoreBuffer(g, ctx); n != 0 {
		t.Errorf("load from a different address was forwarded")
	}
}

func TestOptimize_MemoryDisambiguation(t *testing.T) {
	// Two store instructions feed instances of the same load instruction
	//
	//	0 store S1   1 store S2   2 load L (after S1)   3 load L (after S2)
	g := New([]opcode.Opcode{opcode.Store, opcode.Store, opcode.Load, opcode.Load})
	g.AddEdge(0, 2, EdgeOrdering)
	g.AddEdge(1, 3, EdgeOrdering)
	ctx := newContext(4)
	ctx.InstID = []string{"s1", "s2", "l", "l"}
	g.AssignLatencies(unitLatency)

	if n := PerformMemoryDisambiguation(g, ctx); n != 2 {
		t.Fatalf("ordering edges = %d, want 2", n)
	}
	if !g.HasEdge(1, 2) || !g.HasEdge(0, 3) {
		t.Errorf("missing ordering edges from the latest candidate stores")
	}
	if g.Weight(1, 2) != 1 {
		t.Errorf("ordering edge weight = %d, want the store latency 1", g.Weight(1, 2))
	}
	for n := 0; n < 4; n++ {
		if !ctx.IsDynamic(n) {
			t.Errorf("node %d not flagged dynamic", n)
		}
	}
}

func TestOptimize_DisambiguationSinglePair(t *testing.T) {
	g := New([]opcode.Opcode{opcode.Store, opcode.Load, opcode.Store, opcode.Load})
	g.AddEdge(0, 1, EdgeOrdering)
	g.AddEdge(2, 3, EdgeOrdering)
	ctx := newContext(4)
	ctx.InstID = []string{"s", "l", "s", "l"}

	if n := PerformMemoryDisambiguation(g, ctx); n != 0 {
		t.Errorf("unambiguous pair produced %d edges", n)
	}
	if ctx.IsDynamic(1) {
		t.Errorf("unambiguous load flagged dynamic")
	}
}

func TestOptimize_DisambiguationSkipsForwardedLoads(t *testing.T) {
	// WHAT: A load removed by store forwarding shares its static id with loads
	//       fed by two store instructions; disambiguation must not reconnect it
	// WHY:  Removed nodes have no base address and would abort scheduling
	//
	//	0 fadd   1 store s1 → 2 load l (forwarded) → 3 fmul
	//	         4 store s1 → 5 load l
	//	         6 store s2 → 7 load l
	g := New([]opcode.Opcode{
		opcode.FAdd, opcode.Store, opcode.Load, opcode.FMul,
		opcode.Store, opcode.Load, opcode.Store, opcode.Load,
	})
	g.AddEdge(0, 1, 1)
	g.AddEdge(1, 2, EdgeOrdering)
	g.AddEdge(2, 3, 1)
	g.AddEdge(0, 4, 1)
	g.AddEdge(4, 5, EdgeOrdering)
	g.AddEdge(0, 6, 1)
	g.AddEdge(6, 7, EdgeOrdering)
	ctx := newContext(8)
	ctx.InstID = []string{"v", "s1", "l", "m", "s1", "l", "s2", "l"}
	ctx.Memory[1] = Access{Address: 0x100}
	ctx.Memory[2] = Access{Address: 0x100}
	ctx.Memory[4] = Access{Address: 0x104}
	ctx.Memory[5] = Access{Address: 0x108}
	ctx.Memory[6] = Access{Address: 0x10c}
	ctx.Memory[7] = Access{Address: 0x110}

	if n := EnableStoreBuffer(g, ctx); n != 1 || g.Connected(2) {
		t.Fatalf("EnableStoreBuffer = %d, load 2 connected %v; want 1 and isolated", n, g.Connected(2))
	}
	g.AssignLatencies(unitLatency)

	if n := PerformMemoryDisambiguation(g, ctx); n != 1 {
		t.Errorf("ordering edges = %d, want 1", n)
	}
	if g.Connected(2) {
		t.Errorf("forwarded load reconnected: preds %v", g.Preds(2))
	}
	if !g.HasEdge(4, 7) {
		t.Errorf("missing ordering edge 4->7 from the latest s1")
	}
}

func TestOptimize_SharedLoadsIdempotent(t *testing.T) {
	// 0 load X → 2    1 load X → 3    3 → 4 store X    5 load X → 6
	g := New([]opcode.Opcode{opcode.Load, opcode.Load, opcode.FAdd, opcode.FAdd, opcode.Store, opcode.Load, opcode.FAdd})
	g.AddEdge(0, 2, 1)
	g.AddEdge(1, 3, 2)
	g.AddEdge(3, 4, 1)
	g.AddEdge(5, 6, 1)
	ctx := newContext(7)
	for _, n := range []int{0, 1, 4, 5} {
		ctx.Memory[n] = Access{Address: 0x40, SizeBits: 32}
	}

	if n := RemoveSharedLoads(g, ctx); n != 1 {
		t.Fatalf("first pass found %d shared loads, want 1", n)
	}
	if g.Op(1) != opcode.Move || g.Connected(1) {
		t.Errorf("shared load not rewritten to an isolated move")
	}
	if e, ok := g.Edge(0, 3); !ok || e.Param != 2 {
		t.Errorf("consumer not rewired to the first load")
	}
	if g.Op(5) != opcode.Load {
		t.Errorf("load after an intervening store must stay")
	}

	if n := RemoveSharedLoads(g, ctx); n != 0 {
		t.Errorf("second pass found %d more shared loads", n)
	}
}

func TestOptimize_SharedLoadsMissingTrace(t *testing.T) {
	g := New([]opcode.Opcode{opcode.Load, opcode.FAdd})
	g.AddEdge(0, 1, 1)
	err := catchFatal(func() { RemoveSharedLoads(g, newContext(2)) })
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Errorf("load without a memory trace entry should be fatal")
	}
}

func TestOptimize_RepeatedStores(t *testing.T) {
	// 0 value   1 store X   2 store X   3 store Y   4 store X → 5
	g := New([]opcode.Opcode{opcode.FAdd, opcode.Store, opcode.Store, opcode.Store, opcode.Store, opcode.Load})
	for _, s := range []int{1, 2, 3, 4} {
		g.AddEdge(0, s, 1)
	}
	g.AddEdge(2, 5, EdgeOrdering)
	ctx := newContext(6)
	ctx.Memory[1] = Access{Address: 0x0}
	ctx.Memory[2] = Access{Address: 0x0}
	ctx.Memory[3] = Access{Address: 0x8}
	ctx.Memory[4] = Access{Address: 0x0}

	if n := RemoveRepeatedStores(g, ctx); n != 1 {
		t.Fatalf("silenced %d stores, want 1", n)
	}
	if g.Op(1) != opcode.SilentStore {
		t.Errorf("store 1 = %v, want silentstore", g.Op(1))
	}
	if g.Op(2) != opcode.Store {
		t.Errorf("store 2 has a consumer and must stay")
	}
	if g.Op(3) != opcode.Store || g.Op(4) != opcode.Store {
		t.Errorf("last store to each address must stay")
	}
	if !g.Connected(1) {
		t.Errorf("silent store keeps its slot in the graph")
	}

	g.SetOp(1, opcode.Store)
	ctx.Dynamic = map[string]bool{ctx.UniqueID(1): true}
	if n := RemoveRepeatedStores(g, ctx); n != 0 {
		t.Errorf("dynamic store silenced")
	}
}

// ───────────────────────────────────────────────────────────────────────────────────────────────
// Tree-height reduction
// ───────────────────────────────────────────────────────────────────────────────────────────────

// addChain builds leaves 0..leaves-1 followed by a left-leaning chain of adds
// and a final store consuming the last add.
func addChain(leaves int) *Graph {
	ops := make([]opcode.Opcode, 0, 2*leaves)
	for i := 0; i < leaves; i++ {
		ops = append(ops, opcode.Load)
	}
	for i := 0; i < leaves-1; i++ {
		ops = append(ops, opcode.Add)
	}
	ops = append(ops, opcode.Store)
	g := New(ops)

	g.AddEdge(0, leaves, 1)
	g.AddEdge(1, leaves, 2)
	for i := 1; i < leaves-1; i++ {
		g.AddEdge(leaves+i-1, leaves+i, 1)
		g.AddEdge(i+1, leaves+i, 2)
	}
	g.AddEdge(2*leaves-2, 2*leaves-1, 1)
	return g
}

// addDepth is the longest path to n counted in add nodes.
func addDepth(g *Graph, n int) int {
	depth := make([]int, g.NumNodes())
	for _, v := range g.TopoOrder() {
		d := 0
		for _, p := range g.Preds(v) {
			d = max(d, depth[p])
		}
		if g.Op(v) == opcode.Add {
			d++
		}
		depth[v] = d
	}
	return depth[n]
}

// evaluate sums the parents of every add; leaves hold 1..k.
func evaluate(g *Graph, n int) int {
	val := make([]int, g.NumNodes())
	for _, v := range g.TopoOrder() {
		if g.Op(v) != opcode.Add {
			val[v] = v + 1
			continue
		}
		for _, p := range g.Preds(v) {
			val[v] += val[p]
		}
	}
	return val[n]
}

func TestOptimize_TreeHeightReduction(t *testing.T) {
	// WHAT: 7 chained adds over 8 leaves collapse from depth 7 to depth 3
	// WHY:  Balanced trees expose the parallelism of associative reductions
	g := addChain(8)
	root := 14
	before := evaluate(g, root)
	if d := addDepth(g, root); d != 7 {
		t.Fatalf("initial depth = %d, want 7", d)
	}

	g.AssignLatencies(unitLatency)
	if n := ReduceTreeHeight(g, opcode.IsAssociative); n != 1 {
		t.Fatalf("rebuilt %d chains, want 1", n)
	}

	if d := addDepth(g, root); d != 3 {
		t.Errorf("reduced depth = %d, want 3", d)
	}
	if after := evaluate(g, root); after != before {
		t.Errorf("reduced tree computes %d, original %d", after, before)
	}
	for n := 8; n <= 14; n++ {
		if g.InDegree(n) != 2 {
			t.Errorf("add %d has %d operands", n, g.InDegree(n))
		}
	}
	if g.Weight(0, 8) != 2 {
		t.Errorf("rebuilt edge weight = %d, want the load latency 2", g.Weight(0, 8))
	}
	if !g.HasEdge(14, 15) {
		t.Errorf("root lost its consumer")
	}
}

func TestOptimize_TreeHeightShortChainSkipped(t *testing.T) {
	g := addChain(3) // two adds
	edges := g.Edges()
	if n := ReduceTreeHeight(g, opcode.IsAssociative); n != 0 {
		t.Errorf("chain of 2 rebuilt")
	}
	if len(g.Edges()) != len(edges) {
		t.Errorf("short chain was modified")
	}
}

func TestOptimize_TreeHeightRepeatedLeafSkipped(t *testing.T) {
	// WHAT: (x+y)+x+z reuses leaf x in two chain nodes and is left alone
	// WHY:  A balanced tree would need x twice; the chain has one operand short
	//
	//	0 x  1 y  2 z   3 = 0+1   4 = 3+0   5 = 4+2   6 store 5
	g := New([]opcode.Opcode{opcode.Load, opcode.Load, opcode.Load, opcode.Add, opcode.Add, opcode.Add, opcode.Store})
	g.AddEdge(0, 3, 1)
	g.AddEdge(1, 3, 2)
	g.AddEdge(3, 4, 1)
	g.AddEdge(0, 4, 2)
	g.AddEdge(4, 5, 1)
	g.AddEdge(2, 5, 2)
	g.AddEdge(5, 6, 1)
	g.AssignLatencies(unitLatency)
	edges := g.NumEdges()
	before := evaluate(g, 5)

	var rebuilt int
	err := catchFatal(func() { rebuilt = ReduceTreeHeight(g, opcode.IsAssociative) })
	if err != nil {
		t.Fatalf("ReduceTreeHeight: %v", err)
	}
	if rebuilt != 0 {
		t.Errorf("rebuilt %d chains, want 0", rebuilt)
	}
	if g.NumEdges() != edges || !g.HasEdge(0, 4) || !g.HasEdge(3, 4) {
		t.Errorf("chain with a repeated leaf was modified")
	}
	if after := evaluate(g, 5); after != before {
		t.Errorf("chain computes %d, want %d", after, before)
	}
}

func TestOptimize_OptimizerOrder(t *testing.T) {
	g := addChain(4)
	ctx := newContext(g.NumNodes())
	ctx.Memory[0] = Access{Address: 0x0}
	ctx.Memory[1] = Access{Address: 0x0}
	ctx.Memory[2] = Access{Address: 0x4}
	ctx.Memory[3] = Access{Address: 0x8}
	ctx.Memory[7] = Access{Address: 0xc}

	o := NewOptimizer(Options{MemoryDisambiguation: true, SharedLoads: true, RepeatedStores: true, TreeHeightInt: true})
	o.Run(g, ctx)

	if o.SharedLoadsRemoved != 1 {
		t.Errorf("SharedLoadsRemoved = %d, want 1", o.SharedLoadsRemoved)
	}
	if o.RepeatedStoresRemoved != 0 {
		t.Errorf("RepeatedStoresRemoved = %d, want 0", o.RepeatedStoresRemoved)
	}
}

// ───────────────────────────────────────────────────────────────────────────────────────────────
// Base addresses and partitions
// ───────────────────────────────────────────────────────────────────────────────────────────────

type fakeBanks map[string]uint64

func (f fakeBanks) Partitioned(array string) bool {
	_, ok := f[array]
	return ok
}

func (f fakeBanks) PartitionOf(array string, offset uint64) string {
	return array + "-" + string(rune('0'+offset/4%f[array]))
}

func TestOptimize_BaseAddressesAndPartitions(t *testing.T) {
	// 0 gep a   1 load(0)   2 fadd(1)   3 gep b   4 store(2, 3)   5 alloca c   6 load(5)
	g := New([]opcode.Opcode{
		opcode.GetElementPtr, opcode.Load, opcode.FAdd,
		opcode.GetElementPtr, opcode.Store, opcode.Alloca, opcode.Load,
	})
	g.AddEdge(0, 1, 1)
	g.AddEdge(1, 2, 1)
	g.AddEdge(2, 4, 1)
	g.AddEdge(3, 4, 2)
	g.AddEdge(5, 6, 1)
	ctx := newContext(7)
	ctx.GEP[0] = BaseAddress{Label: "a", Base: 0x1000}
	ctx.GEP[3] = BaseAddress{Label: "b", Base: 0x2000}
	ctx.GEP[5] = BaseAddress{Label: "c", Base: 0x3000}
	ctx.Memory[1] = Access{Address: 0x1008, SizeBits: 32}
	ctx.Memory[4] = Access{Address: 0x2004, SizeBits: 32}
	ctx.Memory[6] = Access{Address: 0x3000, SizeBits: 32}

	ResolveBaseAddresses(g, ctx)
	for n, want := range map[int]string{1: "a", 4: "b", 6: "c"} {
		if got := ctx.Base[n].Label; got != want {
			t.Errorf("base of %d = %q, want %q", n, got, want)
		}
	}

	AssignPartitions(g, ctx, fakeBanks{"a": 2})
	if got := ctx.Base[1].Label; got != "a-0" {
		t.Errorf("partition of 1 = %q, want a-0", got)
	}
	if got := ctx.Base[4].Label; got != "b" {
		t.Errorf("unpartitioned array relabelled: %q", got)
	}
}

func TestOptimize_MissingBaseAddressIsFatal(t *testing.T) {
	g := New([]opcode.Opcode{opcode.FAdd, opcode.Store})
	g.AddEdge(0, 1, 1)
	err := catchFatal(func() { ResolveBaseAddresses(g, newContext(2)) })
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Errorf("store without a base address should be fatal, got %v", err)
	}
}
