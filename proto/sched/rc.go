package sched

import (
	"bufio"
	"fmt"
	"io"
	"sort"

	"linanalyzer/proto/dddg"
	"linanalyzer/proto/opcode"
	"linanalyzer/proto/profile"
)

// ════════════════════════════════════════════════════════════════════════════════════════════════
// RESOURCE-CONSTRAINED LIST SCHEDULER
// ════════════════════════════════════════════════════════════════════════════════════════════════
//
// NODE LIFECYCLE:
// ───────────────
//
//	NotReady → Ready → Selected → Executing → Scheduled
//
// Root nodes become Ready when their ALAP time (pulled in by the ALAP shift)
// arrives. Every other node becomes Ready the moment its last parent is
// Scheduled.
//
// ONE TICK:
// ─────────
//  1. Promote root nodes whose ALAP time has arrived
//  2. Timing mode: charge the ledger with every executing node
//  3. Select: zero-latency nodes drain; every other lane grants units to its
//     most urgent Ready nodes until the first refusal
//  4. Execute: latency ≤ 1 completes now, longer ops start counting down
//  5. Release: each executing node counts down once per tick
//  6. Timing mode: repeat 3-5 while the Ready set keeps changing. A critical
//     node granted during a repeat bumps the ALAP shift
//  7. Free pipelined units and advance
//
// Pipelined units are returned in bulk at the end of the tick they were
// granted in. Non-pipelined units are returned when the op completes.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

// Class is a scheduling lane. The unit classes share the order of profile.Unit.
type Class uint8

const (
	ClassFAdd Class = iota
	ClassFSub
	ClassFMul
	ClassFDiv
	ClassFCmp
	ClassLoad
	ClassStore
	ClassIntOp
	ClassCall
	ClassOther

	numClasses
)

// ClassOf maps an opcode to its lane.
func ClassOf(op opcode.Opcode) Class {
	if u, ok := profile.UnitOf(op); ok {
		return Class(u)
	}
	return ClassOther
}

// Resources is the profile surface the scheduler draws on.
type Resources interface {
	Latency(op opcode.Opcode) uint64
	InCycleLatency(op opcode.Opcode) float64
	IsPipelined(op opcode.Opcode) bool
	EffectivePeriod() float64

	TryAllocate(u profile.Unit, commit bool) bool
	Release(u profile.Unit)
	TryAllocateInt(op opcode.Opcode, commit bool) bool
	ReleaseInt(op opcode.Opcode)
	TryAllocateLoad(partition string, commit bool) bool
	ReleaseLoad(partition string)
	TryAllocateStore(partition string, commit bool) bool
	ReleaseStore(partition string)
	PipelinedRelease()
}

// ────────────────────────────────────────────────────────────────────────────────────────────────
// Allocators
// ────────────────────────────────────────────────────────────────────────────────────────────────

type allocator interface {
	try(n int, commit bool) bool
	release(n int)
}

type unitAlloc struct {
	res Resources
	u   profile.Unit
}

func (a unitAlloc) try(_ int, commit bool) bool { return a.res.TryAllocate(a.u, commit) }
func (a unitAlloc) release(int)                 { a.res.Release(a.u) }

type intAlloc struct {
	res Resources
	g   *dddg.Graph
}

func (a intAlloc) try(n int, commit bool) bool { return a.res.TryAllocateInt(a.g.Op(n), commit) }
func (a intAlloc) release(n int)               { a.res.ReleaseInt(a.g.Op(n)) }

type memAlloc struct {
	res    Resources
	labels map[int]string
	store  bool
}

func (a memAlloc) try(n int, commit bool) bool {
	if a.store {
		return a.res.TryAllocateStore(a.labels[n], commit)
	}
	return a.res.TryAllocateLoad(a.labels[n], commit)
}

func (a memAlloc) release(n int) {
	if a.store {
		a.res.ReleaseStore(a.labels[n])
		return
	}
	a.res.ReleaseLoad(a.labels[n])
}

type freeAlloc struct{}

func (freeAlloc) try(int, bool) bool { return true }
func (freeAlloc) release(int)        {}

// ────────────────────────────────────────────────────────────────────────────────────────────────
// Lanes
// ────────────────────────────────────────────────────────────────────────────────────────────────

type countdown struct {
	node int
	left uint64
}

type lane struct {
	class     Class
	alloc     allocator
	ready     []int
	selected  []int
	executing []countdown // ordered by node id
}

func (l *lane) startExecuting(n int, latency uint64) {
	i := sort.Search(len(l.executing), func(i int) bool { return l.executing[i].node >= n })
	l.executing = append(l.executing, countdown{})
	copy(l.executing[i+1:], l.executing[i:])
	l.executing[i] = countdown{node: n, left: latency}
}

// ────────────────────────────────────────────────────────────────────────────────────────────────
// Scheduler
// ────────────────────────────────────────────────────────────────────────────────────────────────

// Options controls one RC scheduling run.
type Options struct {
	TimingConstrained bool
	ExtraScalar       bool

	// Trace receives the tick-by-tick scheduling report when non-nil.
	Trace          io.Writer
	LoopName       string
	FrequencyMHz   float64
	UncertaintyPct float64
}

// RCResult is the outcome of a run.
type RCResult struct {
	Times []uint64

	// Cycles is the resource-constrained iteration latency.
	Cycles uint64

	// AchievedPeriod is the worst in-cycle path seen, in ns. Zero without
	// timing-constrained scheduling.
	AchievedPeriod float64

	AlapShift  uint64
	NullCycles uint64
}

type pendingRelease struct {
	l *lane
	n int
}

// RCScheduler runs the list scheduler over one graph.
type RCScheduler struct {
	g    *dddg.Graph
	res  Resources
	asap []uint64
	alap []uint64
	opts Options
	tc   *TimingScheduler

	lanes    [numClasses]*lane
	pending  []int
	starting []int
	rc       []uint64

	total, scheduled int
	tick, shift      uint64
	processed        dddg.Bitset
	deferred         []pendingRelease

	readyChanged    bool
	criticalGranted bool
	nullCycle       bool
	progress        bool
	achieved        float64
	nullCycles      uint64

	out *bufio.Writer
}

// NewRCScheduler prepares a run. base holds the partition label of every
// connected load and store; a memory node without one is fatal.
func NewRCScheduler(g *dddg.Graph, res Resources, base map[int]dddg.BaseAddress, asap, alap []uint64, opts Options) *RCScheduler {
	requireWeighted(g, "RC scheduling")
	if len(asap) != g.NumNodes() || len(alap) != g.NumNodes() {
		dddg.Fatalf("RC scheduling needs ASAP and ALAP times for all %d nodes", g.NumNodes())
	}

	s := &RCScheduler{
		g:         g,
		res:       res,
		asap:      asap,
		alap:      alap,
		opts:      opts,
		tc:        NewTimingScheduler(g, res.InCycleLatency, res.EffectivePeriod()),
		pending:   make([]int, g.NumNodes()),
		rc:        make([]uint64, g.NumNodes()),
		processed: dddg.NewBitset(g.NumNodes()),
	}

	labels := make(map[int]string)
	for n := 0; n < g.NumNodes(); n++ {
		if !g.Connected(n) {
			continue
		}
		if opcode.IsMemory(g.Op(n)) {
			b, ok := base[n]
			if !ok {
				dddg.Fatalf("memory node %d has no partition label", n)
			}
			labels[n] = b.Label
		}
		s.total++
		s.pending[n] = g.InDegree(n)
		if s.pending[n] == 0 {
			s.starting = append(s.starting, n)
		}
	}
	sort.SliceStable(s.starting, func(i, j int) bool { return alap[s.starting[i]] < alap[s.starting[j]] })

	for c := Class(0); c < numClasses; c++ {
		l := &lane{class: c}
		switch c {
		case ClassLoad:
			l.alloc = memAlloc{res: res, labels: labels}
		case ClassStore:
			l.alloc = memAlloc{res: res, labels: labels, store: true}
		case ClassIntOp:
			l.alloc = intAlloc{res: res, g: g}
		case ClassOther:
			l.alloc = freeAlloc{}
		default:
			l.alloc = unitAlloc{res: res, u: profile.Unit(c)}
		}
		s.lanes[c] = l
	}

	if opts.Trace != nil {
		s.out = bufio.NewWriter(opts.Trace)
	}
	return s
}

func (s *RCScheduler) tracef(format string, args ...any) {
	if s.out != nil {
		fmt.Fprintf(s.out, format, args...)
	}
}

func (s *RCScheduler) writeHeader() {
	if s.out == nil {
		return
	}
	f, u := s.opts.FrequencyMHz, s.opts.UncertaintyPct
	s.tracef("================================================\n")
	s.tracef("Lin-analyzer scheduling report file\n")
	s.tracef("Loop name: %s\n", s.opts.LoopName)
	if !s.opts.TimingConstrained {
		s.tracef("Time-constrained scheduling disabled\n")
	}
	s.tracef("Target clock: %f MHz\n", f)
	s.tracef("Clock uncertainty: %f %%\n", u)
	if f > 0 {
		s.tracef("Target clock period: %f ns\n", 1000/f)
		s.tracef("Effective clock period: %f ns\n", profile.EffectivePeriod(f, u))
	}
	s.tracef("------------------------------------------------\n")
}

// Schedule runs ticks until every connected node is scheduled. A tick that
// makes no progress while nothing executes and no root waits is fatal.
func (s *RCScheduler) Schedule() RCResult {
	s.writeHeader()
	tcs := s.opts.TimingConstrained

	for s.tick = 0; s.scheduled != s.total; s.tick++ {
		s.tracef("[TICK] %d\n", s.tick)
		s.nullCycle = true
		s.progress = false

		if len(s.starting) > 0 {
			s.promote()
		}

		if tcs {
			s.tc.Clear()
			for _, l := range s.lanes {
				for _, e := range l.executing {
					s.tc.TryAllocate(e.node, false)
				}
			}
		}

		s.processed.Reset()
		s.readyChanged = false
		s.pass()

		if tcs {
			for s.readyChanged {
				s.criticalGranted = false
				s.readyChanged = false
				s.pass()

				if s.criticalGranted {
					s.shift++
					if len(s.starting) > 0 {
						s.promote()
					}
				}
			}
		}

		for _, r := range s.deferred {
			r.l.alloc.release(r.n)
		}
		s.deferred = s.deferred[:0]
		s.res.PipelinedRelease()

		if tcs {
			cp := s.tc.CriticalPath()
			s.achieved = max(s.achieved, cp)
			s.tracef("[TICK] Critical path for this tick: %f ns", cp)
		} else {
			s.tracef("[TICK]")
		}
		if s.nullCycle {
			s.nullCycles++
			s.tracef(" (null cycle)\n\n")
		} else {
			s.tracef("\n\n")
		}

		if !s.progress && len(s.starting) == 0 && !s.executing() {
			s.flush()
			dddg.Fatalf("scheduling stalled at tick %d with %d of %d nodes scheduled", s.tick, s.scheduled, s.total)
		}
	}

	s.tracef("================================================\n")
	s.flush()

	cycles := s.tick
	if s.opts.ExtraScalar {
		cycles++
	}
	return RCResult{
		Times:          s.rc,
		Cycles:         cycles,
		AchievedPeriod: s.achieved,
		AlapShift:      s.shift,
		NullCycles:     s.nullCycles,
	}
}

func (s *RCScheduler) flush() {
	if s.out != nil {
		s.out.Flush()
	}
}

func (s *RCScheduler) executing() bool {
	for _, l := range s.lanes {
		if len(l.executing) > 0 {
			return true
		}
	}
	return false
}

func (s *RCScheduler) pass() {
	s.selectReady()
	s.execute()
	s.release()
}

// promote moves roots whose shifted ALAP time has arrived into Ready.
func (s *RCScheduler) promote() {
	for len(s.starting) > 0 {
		n := s.starting[0]
		if s.alap[n] > s.tick+s.shift {
			break
		}
		s.push(n)
		s.starting = s.starting[1:]
	}
}

func (s *RCScheduler) push(n int) {
	s.readyChanged = true
	l := s.lanes[ClassOf(s.g.Op(n))]
	l.ready = append(l.ready, n)
	s.tracef("\t[READY] Node %d (%v)\n", n, s.g.Op(n))
}

// complete marks n scheduled and readies the children it was the last
// parent of.
func (s *RCScheduler) complete(n int) {
	s.scheduled++
	s.progress = true
	for _, c := range s.g.Succs(n) {
		s.pending[c]--
		if s.pending[c] == 0 {
			s.push(c)
		}
	}
}

func (s *RCScheduler) selectReady() {
	others := s.lanes[ClassOther]
	for len(others.ready) > 0 {
		n := others.ready[0]
		if s.opts.TimingConstrained && !s.tc.TryAllocate(n, true) {
			break
		}
		others.alloc.try(n, true)
		s.tracef("\t[RELEASED] [0/%d] Node %d (%v)\n", s.res.Latency(s.g.Op(n)), n, s.g.Op(n))

		s.readyChanged = true
		others.ready = others.ready[1:]
		s.rc[n] = s.tick
		s.complete(n)
	}

	for c := Class(0); c < ClassOther; c++ {
		s.trySelect(s.lanes[c])
	}
}

// trySelect grants units to the most urgent Ready nodes of l. The first
// refusal, by resources or by timing, ends the lane for this pass.
func (s *RCScheduler) trySelect(l *lane) {
	if len(l.ready) == 0 {
		return
	}
	sort.SliceStable(l.ready, func(i, j int) bool { return s.alap[l.ready[i]] < s.alap[l.ready[j]] })

	tcs := s.opts.TimingConstrained
	for len(l.ready) > 0 {
		n := l.ready[0]
		if !l.alloc.try(n, !tcs) {
			break
		}
		if tcs {
			if !s.tc.TryAllocate(n, true) {
				break
			}
			l.alloc.try(n, true)
		}

		if s.asap[n] == s.alap[n] {
			s.criticalGranted = true
		}
		l.selected = append(l.selected, n)
		l.ready = l.ready[1:]
		s.readyChanged = true
		s.progress = true
		s.rc[n] = s.tick
	}
}

func (s *RCScheduler) execute() {
	for c := Class(0); c < ClassOther; c++ {
		l := s.lanes[c]
		for _, n := range l.selected {
			op := s.g.Op(n)
			latency := s.res.Latency(op)
			if latency > 1 {
				l.startExecuting(n, latency)
				continue
			}

			s.nullCycle = false
			s.tracef("\t[RELEASED] [1/%d] Node %d (%v)\n", latency, n, op)
			s.complete(n)
			if !s.res.IsPipelined(op) {
				s.deferred = append(s.deferred, pendingRelease{l: l, n: n})
			}
		}
		l.selected = l.selected[:0]
	}
}

// release counts every executing node down once per tick.
func (s *RCScheduler) release() {
	for c := Class(0); c < ClassOther; c++ {
		l := s.lanes[c]
		kept := l.executing[:0]
		for _, e := range l.executing {
			if s.processed.Has(e.node) {
				kept = append(kept, e)
				continue
			}
			s.processed.Set(e.node)
			s.nullCycle = false

			op := s.g.Op(e.node)
			e.left--
			if e.left > 0 {
				s.tracef("\t[ALLOCATED] [%d/%d] Node %d (%v)\n", e.left+1, s.res.Latency(op), e.node, op)
				kept = append(kept, e)
				continue
			}

			s.tracef("\t[RELEASED] [1/%d] Node %d (%v)\n", s.res.Latency(op), e.node, op)
			s.complete(e.node)
			if !s.res.IsPipelined(op) {
				l.alloc.release(e.node)
			}
		}
		l.executing = kept
	}
}
