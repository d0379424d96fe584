package dddg

import "linanalyzer/proto/opcode"

// Access is one entry of the memory trace: the absolute address touched by a
// load or store and the access width in bits.
type Access struct {
	Address  int64
	SizeBits uint64
}

// BaseAddress names the array (or array partition) a memory node touches
// and the address the array starts at.
type BaseAddress struct {
	Label string
	Base  int64
}

// Context is the read-mostly trace data the rewrite passes consult. The
// per-node slices are aligned with the graph's node ids.
//
// Base and Dynamic are written by ResolveBaseAddresses/AssignPartitions and
// PerformMemoryDisambiguation respectively.
type Context struct {
	FuncID []string
	InstID []string
	PrevBB []string
	CurrBB []string

	Memory map[int]Access
	GEP    map[int]BaseAddress

	Base    map[int]BaseAddress
	Dynamic map[string]bool
}

// UniqueID identifies the static memory instruction behind node n within
// its dynamic function instance.
func (c *Context) UniqueID(n int) string {
	return c.FuncID[n] + "-" + c.InstID[n] + "-" + c.PrevBB[n]
}

// IsDynamic reports whether disambiguation flagged node n's instruction.
func (c *Context) IsDynamic(n int) bool { return c.Dynamic[c.UniqueID(n)] }

// ════════════════════════════════════════════════════════════════════════════════════════════════
// BASE ADDRESSES
// ════════════════════════════════════════════════════════════════════════════════════════════════

// addressOperand reports whether param is the pointer operand of op.
func addressOperand(op opcode.Opcode, param uint64) bool {
	switch {
	case opcode.IsLoad(op), op == opcode.GetElementPtr:
		return param == 1
	case opcode.IsStore(op):
		return param == 2
	}
	return false
}

// ResolveBaseAddresses labels every connected load and store with the array
// it accesses. The pointer operand is followed upwards through GEPs and
// loads until an alloca or the top of the chain is reached; the last entry
// found in the GEP table wins. A memory node with no entry is fatal.
func ResolveBaseAddresses(g *Graph, ctx *Context) {
	ctx.Base = make(map[int]BaseAddress)

	for n := 0; n < g.NumNodes(); n++ {
		if !g.Connected(n) || !opcode.IsMemory(g.Op(n)) {
			continue
		}

		var base BaseAddress
		found := false
		lookup := func(id int) {
			b, ok := ctx.GEP[id]
			if !ok {
				Fatalf("node %d (%v) has no base address entry", id, g.Op(id))
			}
			base, found = b, true
		}

		cur := n
	walk:
		for {
			for _, p := range g.pred[cur] {
				e := g.edges[edgeKey{p, cur}]
				if !addressOperand(g.ops[cur], e.Param) {
					continue
				}
				switch pop := g.ops[p]; {
				case pop == opcode.GetElementPtr || opcode.IsLoad(pop):
					lookup(p)
					cur = p
					continue walk
				case pop == opcode.Alloca:
					lookup(p)
					break walk
				}
			}
			break
		}

		if !found {
			lookup(n)
		}
		ctx.Base[n] = base
	}
}

// Banker maps array offsets to partition labels.
type Banker interface {
	// Partitioned reports whether array is split into block or cyclic banks.
	Partitioned(array string) bool
	// PartitionOf returns the label of the bank holding byte offset.
	PartitionOf(array string, offset uint64) string
}

// AssignPartitions rewrites the label of every memory node on a block or
// cyclic partitioned array to the bank it touches.
func AssignPartitions(g *Graph, ctx *Context, banks Banker) {
	for n := 0; n < g.NumNodes(); n++ {
		if !opcode.IsMemory(g.Op(n)) {
			continue
		}
		base, ok := ctx.Base[n]
		if !ok || !banks.Partitioned(base.Label) {
			continue
		}

		acc, ok := ctx.Memory[n]
		if !ok {
			Fatalf("memory node %d has no memory trace entry", n)
		}
		if acc.Address < base.Base {
			Fatalf("memory node %d accesses %#x below base %#x of %q", n, acc.Address, base.Base, base.Label)
		}
		base.Label = banks.PartitionOf(base.Label, uint64(acc.Address-base.Base))
		ctx.Base[n] = base
	}
}
