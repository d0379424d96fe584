package sched

import (
	"linanalyzer/proto/dddg"
	"linanalyzer/proto/opcode"
)

// ════════════════════════════════════════════════════════════════════════════════════════════════
// TIMING-CONSTRAINED SUB-SCHEDULER
// ════════════════════════════════════════════════════════════════════════════════════════════════
//
// Tracks the combinational paths formed inside one clock tick. A node that
// depends on the tail of a path extends it. A node that depends on an interior
// node forks a new path from the prefix ending at that node. Anything else
// starts a path of its own.
//
//	path A: ld(1.23) → add(1.78)         = 3.01 ns
//	mul depends on ld:  fork → ld → mul  = 4.65 ns
//
// The ledger is cleared at the start of every tick.

type combPath struct {
	delay float64
	nodes []int
}

// TimingScheduler bounds the in-cycle delay of chained operations.
type TimingScheduler struct {
	g      *dddg.Graph
	delay  func(opcode.Opcode) float64
	period float64
	paths  []combPath
}

// NewTimingScheduler builds a ledger for g. delay is the in-cycle delay of an
// opcode and period the effective clock period, both in ns.
func NewTimingScheduler(g *dddg.Graph, delay func(opcode.Opcode) float64, period float64) *TimingScheduler {
	return &TimingScheduler{g: g, delay: delay, period: period}
}

func (t *TimingScheduler) Clear() { t.paths = t.paths[:0] }

// TryAllocate places node n on the ledger. With check set the placement is
// refused when any path it extends or forks would exceed the effective
// period; nothing changes on refusal. A node with no connection to any path
// always fits.
func (t *TimingScheduler) TryAllocate(n int, check bool) bool {
	d := t.delay(t.g.Op(n))

	var extend []int
	var forks []combPath
	for i, p := range t.paths {
		for j, m := range p.nodes {
			if !t.g.HasEdge(m, n) {
				continue
			}
			if j == len(p.nodes)-1 {
				extend = append(extend, i)
				continue
			}
			f := combPath{nodes: append([]int(nil), p.nodes[:j+1]...)}
			for _, k := range f.nodes {
				f.delay += t.delay(t.g.Op(k))
			}
			forks = append(forks, f)
		}
	}

	if len(extend) == 0 && len(forks) == 0 {
		t.paths = append(t.paths, combPath{delay: d, nodes: []int{n}})
		return true
	}

	if check {
		for _, i := range extend {
			if t.paths[i].delay+d > t.period {
				return false
			}
		}
		for _, f := range forks {
			if f.delay+d > t.period {
				return false
			}
		}
	}

	for _, i := range extend {
		t.paths[i].delay += d
		t.paths[i].nodes = append(t.paths[i].nodes, n)
	}
	for _, f := range forks {
		f.delay += d
		f.nodes = append(f.nodes, n)
		t.paths = append(t.paths, f)
	}
	return true
}

// CriticalPath is the longest path delay on the ledger, or -1 when empty.
func (t *TimingScheduler) CriticalPath() float64 {
	worst := -1.0
	for _, p := range t.paths {
		worst = max(worst, p.delay)
	}
	return worst
}
