// ════════════════════════════════════════════════════════════════════════════════════════════════
// Schedulers - ASAP/ALAP Bounds, Resource- and Timing-Constrained List Scheduling
// ────────────────────────────────────────────────────────────────────────────────────────────────
//
// Every function in this package reads a weighted dependence graph: after
// dddg.Graph.AssignLatencies each edge carries the latency of its producer.
//
//	ASAP          forward sweep, earliest start per node
//	ALAP          backward sweep seeded with the last ASAP start
//	CriticalPath  connected nodes without slack
//	RCScheduler   tick-by-tick list scheduling against a resource profile
//	ResIIMem      II bound of the array partition ports
//	RecII         II bound of the loop-carried recurrence
//	LoopLatency   total cycles of the loop nest
//
// Schedule arrays are dense and indexed by node id. Isolated nodes keep
// their zero entries and are skipped by every phase.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package sched

import (
	"slices"

	"linanalyzer/proto/dddg"
	"linanalyzer/proto/opcode"
)

// ASAPResult is the outcome of the forward sweep.
type ASAPResult struct {
	Times []uint64

	// Latency is the ideal iteration latency: the last start time plus the
	// widest latency among the nodes starting then, minus one cycle unless
	// the extra scalar cycle is counted.
	Latency uint64

	// MaxStart is the latest start time of any node. ALAP is seeded with it.
	MaxStart uint64
}

func requireWeighted(g *dddg.Graph, phase string) {
	if !g.Weighted() {
		dddg.Fatalf("%s on a graph without latencies", phase)
	}
}

// ASAP computes the earliest start of every node. A cyclic graph is fatal.
func ASAP(g *dddg.Graph, latency func(opcode.Opcode) uint64, extraScalar bool) ASAPResult {
	requireWeighted(g, "ASAP")

	times := make([]uint64, g.NumNodes())
	var maxStart uint64
	atTime := make(map[uint64][]int)

	for _, n := range g.TopoOrder() {
		if g.InDegree(n) == 0 {
			continue
		}
		var start uint64
		for _, p := range g.Preds(n) {
			start = max(start, times[p]+g.Weight(p, n))
		}
		times[n] = start
		maxStart = max(maxStart, start)
		atTime[start] = append(atTime[start], n)
	}

	var widest uint64
	for _, n := range atTime[maxStart] {
		widest = max(widest, latency(g.Op(n)))
	}

	total := maxStart + widest
	if !extraScalar && total > 0 {
		total--
	}
	return ASAPResult{Times: times, Latency: total, MaxStart: maxStart}
}

// Sizer receives the ALAP concurrency histogram for area-driven unit sizing.
type Sizer interface {
	CalculateRequiredResources(buckets [][]opcode.Opcode)
}

// ALAP computes the latest start of every node given the ASAP result. Sinks
// start at asap.MaxStart, the last ASAP start, not at asap.Latency; the
// critical path relies on that. When sizer is non-nil it receives the opcodes
// of the connected nodes grouped by ALAP time, earliest bucket first.
func ALAP(g *dddg.Graph, asap ASAPResult, sizer Sizer) []uint64 {
	requireWeighted(g, "ALAP")

	order := g.TopoOrder()
	times := make([]uint64, g.NumNodes())
	atTime := make(map[uint64][]int)

	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		start := asap.MaxStart
		for _, c := range g.Succs(n) {
			start = min(start, times[c]-g.Weight(n, c))
		}
		times[n] = start
		if g.Connected(n) {
			atTime[start] = append(atTime[start], n)
		}
	}

	if sizer != nil {
		keys := make([]uint64, 0, len(atTime))
		for t := range atTime {
			keys = append(keys, t)
		}
		slices.Sort(keys)

		buckets := make([][]opcode.Opcode, 0, len(keys))
		for _, t := range keys {
			ids := atTime[t]
			slices.Sort(ids)
			ops := make([]opcode.Opcode, len(ids))
			for i, n := range ids {
				ops[i] = g.Op(n)
			}
			buckets = append(buckets, ops)
		}
		sizer.CalculateRequiredResources(buckets)
	}
	return times
}

// CriticalPath lists, in id order, the connected nodes whose ASAP and ALAP
// times coincide.
func CriticalPath(g *dddg.Graph, asap, alap []uint64) []int {
	if len(asap) != g.NumNodes() || len(alap) != g.NumNodes() {
		dddg.Fatalf("critical path needs ASAP and ALAP times for all %d nodes", g.NumNodes())
	}
	var out []int
	for n := 0; n < g.NumNodes(); n++ {
		if g.Connected(n) && asap[n] == alap[n] {
			out = append(out, n)
		}
	}
	return out
}
