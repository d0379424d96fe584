package sched

import (
	"slices"

	"linanalyzer/proto/dddg"
	"linanalyzer/proto/opcode"
	"linanalyzer/proto/profile"
)

// ════════════════════════════════════════════════════════════════════════════════════════════════
// INITIATION INTERVAL AND LOOP LATENCY
// ════════════════════════════════════════════════════════════════════════════════════════════════
//
//	II = max(resII(mem), resII(op), recII)
//
// resII(op) comes from the profile's unit counts. The other two bounds and
// the total cycle count of the loop nest are derived here.

// EnterExitLatency is the overhead of entering and leaving one loop level.
const EnterExitLatency = 2

// PortBudget reports the read and write ports of an array partition.
type PortBudget interface {
	Ports(partition string) (read, write uint64)
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// ResIIMem bounds II by the ports of every array partition:
//
//	readII  = ceil(reads / readPorts)
//	writeII = ceil(writes × minWriteGap / writePorts)
//
// minWriteGap is the smallest distance between consecutive distinct write
// cycles, 1 when all writes share a cycle. Completely partitioned arrays are
// skipped. Ties go to the partition name that sorts first. ("none", 1) when
// no partition bounds II above 1.
func ResIIMem(g *dddg.Graph, rc []uint64, base map[int]dddg.BaseAddress, arrays profile.ArrayConfig, ports PortBudget) (string, uint64) {
	owner := make(map[string]string)
	for _, name := range arrays.Names() {
		a := arrays[name]
		if a.Partition == profile.PartitionComplete {
			continue
		}
		for i := uint64(0); i < max(a.Banks(), 1); i++ {
			owner[a.PartitionName(i)] = name
		}
	}

	var nodes []int
	for n := 0; n < g.NumNodes(); n++ {
		if g.Connected(n) && opcode.IsMemory(g.Op(n)) {
			nodes = append(nodes, n)
		}
	}
	slices.SortStableFunc(nodes, func(a, b int) int {
		switch {
		case rc[a] < rc[b]:
			return -1
		case rc[a] > rc[b]:
			return 1
		}
		return 0
	})

	reads := make(map[string]uint64)
	writes := make(map[string]uint64)
	lastWrite := make(map[string]uint64)
	minGap := make(map[string]uint64)

	for _, n := range nodes {
		b, ok := base[n]
		if !ok {
			dddg.Fatalf("memory node %d has no partition label", n)
		}
		label := b.Label
		if _, known := owner[label]; !known {
			if isCompletePartition(arrays, label) {
				continue
			}
			dddg.Fatalf("partition %q of node %d belongs to no configured array", label, n)
		}

		if opcode.IsLoad(g.Op(n)) {
			reads[label]++
			continue
		}

		writes[label]++
		if prev, seen := lastWrite[label]; seen && prev != rc[n] {
			gap := rc[n] - prev
			if cur, ok := minGap[label]; !ok || gap < cur {
				minGap[label] = gap
			}
		}
		lastWrite[label] = rc[n]
	}

	labels := make([]string, 0, len(owner))
	for l := range owner {
		labels = append(labels, l)
	}
	slices.Sort(labels)

	worst, ii := "none", uint64(0)
	for _, l := range labels {
		readPorts, writePorts := ports.Ports(l)
		readII := ceilDiv(reads[l], readPorts)
		gap, ok := minGap[l]
		if !ok {
			gap = 1
		}
		writeII := ceilDiv(writes[l]*gap, writePorts)

		if v := max(readII, writeII); v > ii {
			worst, ii = l, v
		}
	}

	if ii <= 1 {
		return "none", 1
	}
	return worst, ii
}

func isCompletePartition(arrays profile.ArrayConfig, label string) bool {
	a, ok := arrays[label]
	return ok && a.Partition == profile.PartitionComplete
}

// RecII bounds II by the loop-carried recurrence. currLatency and
// nextLatency are the ideal latencies of one and of one more iteration. A
// distance above one cycle is shortened by every window step on the
// critical path that holds a floating-point op, since pipelining removes
// the registers between float cores. A negative distance is fatal.
func RecII(g *dddg.Graph, asap []uint64, critical []int, latency func(opcode.Opcode) uint64, currLatency, nextLatency uint64) uint64 {
	if nextLatency < currLatency {
		dddg.Fatalf("recurrence distance is negative: %d after %d", nextLatency, currLatency)
	}
	sub := nextLatency - currLatency
	if sub <= 1 {
		return 1
	}

	atTime := make(map[uint64][]int)
	for _, n := range critical {
		atTime[asap[n]] = append(atTime[asap[n]], n)
	}

	var ts uint64
	if currLatency > sub {
		ts = currLatency - sub
	}

	var floatSteps uint64
	for ts <= currLatency {
		nodes, ok := atTime[ts]
		for !ok && ts < currLatency {
			ts++
			nodes, ok = atTime[ts]
		}
		if !ok {
			break
		}

		step, found := uint64(1), false
		for _, n := range nodes {
			op := g.Op(n)
			if !opcode.IsFloat(op) {
				continue
			}
			step = max(step, latency(op))
			found = true
		}
		if found {
			floatSteps++
		}
		ts += step
	}

	if floatSteps > sub {
		dddg.Fatalf("recurrence distance %d is negative after removing %d float stages", sub, floatSteps)
	}
	return sub - floatSteps + 1
}

// LoopNest describes the loop being estimated. Slices are indexed by
// nesting level minus one, outermost first; Level is the deepest level
// covered by the analysed graph.
type LoopNest struct {
	Level     int
	Bounds    []uint64
	Unroll    []uint64
	Perfect   []bool
	Pipelined bool
}

// LoopLatency is the total cycle count of the loop nest given the
// per-iteration latency and II.
//
// Pipelined:
//
//	(II × (iterations − 1) + iterLatency + 2) × outerIterations
//
// where iterations folds in every perfectly nested outer level.
//
// Not pipelined: each level multiplies the inner latency by its trip count
// and adds the enter/exit overhead. Unrolled copies of an inner loop share
// one overhead cycle between each consecutive pair.
func LoopLatency(nest LoopNest, iterLatency, ii uint64) uint64 {
	lvl := nest.Level
	if lvl < 1 || lvl > len(nest.Bounds) || lvl > len(nest.Unroll) {
		dddg.Fatalf("loop level %d outside the %d configured levels", lvl, len(nest.Bounds))
	}
	for i := 0; i < lvl; i++ {
		if nest.Bounds[i] == 0 || nest.Unroll[i] == 0 {
			dddg.Fatalf("loop level %d has bound %d and unroll factor %d", i+1, nest.Bounds[i], nest.Unroll[i])
		}
	}
	trips := func(i int) uint64 { return nest.Bounds[i] / nest.Unroll[i] }

	if nest.Pipelined {
		iters := max(trips(lvl-1), 1)
		i := lvl - 2
		for ; i >= 0; i-- {
			if i >= len(nest.Perfect) || !nest.Perfect[i] {
				break
			}
			iters *= nest.Bounds[i]
		}
		outer := uint64(1)
		for ; i >= 0; i-- {
			outer *= nest.Bounds[i]
		}
		return (ii*(iters-1) + iterLatency + EnterExitLatency) * outer
	}

	var total uint64
	for i := lvl - 1; i >= 0; i-- {
		switch {
		case i == lvl-1:
			total = iterLatency*trips(i) + EnterExitLatency
		case i > 0:
			total = total*trips(i) + EnterExitLatency
		default:
			total *= trips(i)
		}

		if i > 0 {
			upper := nest.Unroll[i-1]
			total = total*upper - (upper - 1)
		}
	}
	return total
}
