// ════════════════════════════════════════════════════════════════════════════════════════════════
// Lin-Analyzer Datapath - Pre-RTL Latency Estimation for One Loop Kernel
// ────────────────────────────────────────────────────────────────────────────────────────────────
//
// A Datapath owns the dynamic data dependence graph of one loop body, the
// resource profile it is scheduled against and the per-node schedule
// arrays. Estimate runs every phase in a fixed order:
//
//	PHASE                          PACKAGE        EDGE WEIGHTS
//	─────────────────────────────  ─────────────  ──────────────────
//	 1. induction reclassification  dddg           operand positions
//	 2. PHI / bitcast removal       dddg           operand positions
//	 3. store buffer (optional)     dddg           operand positions
//	 4. latency assignment          dddg           latencies from here
//	 5. ASAP                        sched
//	 6. ALAP + float core sizing    sched/profile
//	 7. critical path               sched
//	 8. base addresses, partitions  dddg
//	 9. post-ALAP optimizer         dddg
//	10. port budgets                profile
//	11. RC list scheduling          sched
//	12. resII(mem), resII(op), recII
//	13. II and loop latency         sched
//	14. report                      report
//
// A graph whose edges all carry zero latency stops after phase 4 with an
// all-zero result.
//
// FAILURE MODEL:
// ──────────────
// Inconsistent graphs or lookup tables raise dddg.Fatalf deep inside a phase.
// Estimate and RecurrenceLatency recover them and return them as errors.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package linanalyzer

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"linanalyzer/proto/dddg"
	"linanalyzer/proto/opcode"
	"linanalyzer/proto/profile"
	"linanalyzer/proto/report"
	"linanalyzer/proto/sched"
)

// ════════════════════════════════════════════════════════════════════════════════════════════════
// INPUTS
// ════════════════════════════════════════════════════════════════════════════════════════════════

// Edge is one dependence read from the trace. Param is the consumer's operand
// position (1-based) or one of dddg.EdgeControl / dddg.EdgeOrdering.
type Edge struct {
	From, To int
	Param    uint64
}

// Trace is the dynamic trace of one loop body. Ops and the string slices are
// aligned by node id; nil string slices are treated as all empty. Memory and
// GEP are sparse and keyed by node id.
type Trace struct {
	Ops    []opcode.Opcode
	FuncID []string
	InstID []string
	PrevBB []string
	CurrBB []string

	Memory map[int]dddg.Access
	GEP    map[int]dddg.BaseAddress
	Edges  []Edge
}

// LoopContext describes the loop nest the trace was taken from. Slices are
// indexed by nesting level minus one, outermost first.
type LoopContext struct {
	Name      string
	Level     int
	Unroll    []uint64
	Bounds    []uint64
	Perfect   []bool
	Pipelined bool

	// NextIterationLatency is the ideal latency of the same body with one
	// more iteration appended, obtained with RecurrenceLatency on that
	// longer trace. Required when Pipelined.
	NextIterationLatency uint64

	// BBDepth maps a basic block to its loop nesting level for graph dumps.
	BBDepth map[string]int

	Arrays profile.ArrayConfig
}

// SharedLoadsMode selects when the shared-load pass runs.
type SharedLoadsMode uint8

const (
	// SharedLoadsAuto runs the pass when the innermost loop is fully unrolled.
	SharedLoadsAuto SharedLoadsMode = iota
	SharedLoadsOn
	SharedLoadsOff
)

// Config selects the target and the optional passes.
type Config struct {
	Platform       profile.Platform
	FrequencyMHz   float64
	UncertaintyPct float64

	TimingConstrained bool
	ExtraScalar       bool

	StoreBuffer          bool
	SharedLoads          SharedLoadsMode
	RepeatedStores       bool
	TreeHeightInt        bool
	TreeHeightFloat      bool
	MemoryDisambiguation bool

	// FPUThreshold sizes float cores under the platform's DSP budget.
	// Without it float cores are unlimited.
	FPUThreshold bool

	FixedUnits map[profile.Unit]uint64
	Pipelined  map[profile.Unit]bool

	// Verbose receives one progress line per phase when non-nil.
	Verbose io.Writer
	// ScheduleTrace receives the tick-by-tick RC scheduling report.
	ScheduleTrace io.Writer
}

func DefaultConfig() Config {
	return Config{
		Platform:          profile.ZC702,
		FrequencyMHz:      100,
		UncertaintyPct:    27,
		TimingConstrained: true,
		FPUThreshold:      true,
	}
}

func (c Config) profileConfig() profile.Config {
	return profile.Config{
		Platform:       c.Platform,
		FrequencyMHz:   c.FrequencyMHz,
		UncertaintyPct: c.UncertaintyPct,
		AreaSizing:     c.FPUThreshold,
		FixedUnits:     c.FixedUnits,
		Pipelined:      c.Pipelined,
	}
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// RESULT
// ════════════════════════════════════════════════════════════════════════════════════════════════

// Result is the outcome of Estimate.
type Result struct {
	// Cycles is the total latency of the loop nest.
	Cycles uint64

	IdealLatency     uint64 // ASAP iteration latency
	IterationLatency uint64 // resource-constrained iteration latency
	AchievedPeriod   float64

	II         uint64
	ResIIMem   uint64
	ResIIMemBy string
	ResIIOp    uint64
	ResIIOpBy  string
	RecII      uint64

	SharedLoads    int
	RepeatedStores int

	Pack *report.Pack
}

// LimitedBy names the bound that sets II. A bound limits only when it is
// strictly the largest and above 1.
func (r Result) LimitedBy() string {
	switch {
	case r.ResIIMem > r.ResIIOp && r.ResIIMem > r.RecII && r.ResIIMem > 1:
		return "memory, array name: " + r.ResIIMemBy
	case r.ResIIOp > r.ResIIMem && r.ResIIOp > r.RecII && r.ResIIOp > 1:
		return "floating point operation: " + r.ResIIOpBy
	case r.RecII > r.ResIIMem && r.RecII > r.ResIIOp && r.RecII > 1:
		return "loop-carried dependency"
	}
	return "none"
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// DATAPATH
// ════════════════════════════════════════════════════════════════════════════════════════════════

var errAlreadyRun = errors.New("linanalyzer: datapath already run")

// Datapath is single use: Estimate or RecurrenceLatency consumes it.
type Datapath struct {
	loop LoopContext
	cfg  Config

	g       *dddg.Graph
	initial *dddg.Graph
	ctx     *dddg.Context
	prof    *profile.Profile

	asap     sched.ASAPResult
	alap     []uint64
	rc       []uint64
	critical []int

	ran       bool
	estimated bool
	result    Result
}

// New builds the graph of trace. Malformed input is reported here rather
// than as a fatal error later.
func New(trace Trace, loop LoopContext, cfg Config) (*Datapath, error) {
	n := len(trace.Ops)

	aligned := func(name string, s []string) ([]string, error) {
		if s == nil {
			return make([]string, n), nil
		}
		if len(s) != n {
			return nil, fmt.Errorf("linanalyzer: %s has %d entries for %d nodes", name, len(s), n)
		}
		return s, nil
	}
	ctx := &dddg.Context{Memory: trace.Memory, GEP: trace.GEP}
	var err error
	if ctx.FuncID, err = aligned("FuncID", trace.FuncID); err != nil {
		return nil, err
	}
	if ctx.InstID, err = aligned("InstID", trace.InstID); err != nil {
		return nil, err
	}
	if ctx.PrevBB, err = aligned("PrevBB", trace.PrevBB); err != nil {
		return nil, err
	}
	if ctx.CurrBB, err = aligned("CurrBB", trace.CurrBB); err != nil {
		return nil, err
	}

	if err := validateLoop(loop); err != nil {
		return nil, err
	}

	prof, err := profile.New(cfg.profileConfig())
	if err != nil {
		return nil, fmt.Errorf("linanalyzer: %w", err)
	}

	g := dddg.New(trace.Ops)
	for i, e := range trace.Edges {
		if e.From < 0 || e.From >= n || e.To < 0 || e.To >= n {
			return nil, fmt.Errorf("linanalyzer: edge %d (%d->%d) outside %d nodes", i, e.From, e.To, n)
		}
		g.AddEdge(e.From, e.To, e.Param)
	}

	return &Datapath{loop: loop, cfg: cfg, g: g, ctx: ctx, prof: prof}, nil
}

func validateLoop(loop LoopContext) error {
	if loop.Level < 1 || loop.Level > len(loop.Bounds) || loop.Level > len(loop.Unroll) {
		return fmt.Errorf("linanalyzer: loop %q level %d needs bounds and unroll factors for every level, got %d and %d",
			loop.Name, loop.Level, len(loop.Bounds), len(loop.Unroll))
	}
	if loop.Pipelined && loop.NextIterationLatency == 0 {
		return fmt.Errorf("linanalyzer: loop %q is pipelined but has no next-iteration latency", loop.Name)
	}
	return nil
}

// Graph exposes the graph in its current state.
func (d *Datapath) Graph() *dddg.Graph { return d.g }

// Profile exposes the resource profile in its current state.
func (d *Datapath) Profile() *profile.Profile { return d.prof }

func (d *Datapath) verbosef(format string, args ...any) {
	if d.cfg.Verbose != nil {
		fmt.Fprintf(d.cfg.Verbose, format, args...)
	}
}

func (d *Datapath) start() error {
	if d.ran {
		return errAlreadyRun
	}
	d.ran = true
	d.initial = d.g.Clone()
	return nil
}

// prepare runs phases 1-4. It reports false for a graph without latency.
func (d *Datapath) prepare() bool {
	d.verbosef("\tRemoving induction dependencies\n")
	dddg.RemoveInductionDependencies(d.g, d.ctx)

	d.verbosef("\tRemoving PHI nodes\n")
	dddg.RemovePhiNodes(d.g)

	if d.cfg.StoreBuffer {
		d.verbosef("\tOptimising store buffers\n")
		dddg.EnableStoreBuffer(d.g, d.ctx)
	}

	d.verbosef("\tUpdating DDDG edges with operation latencies according to selected hardware\n")
	if !d.g.AssignLatencies(d.prof.Latency) {
		d.verbosef("\tThis DDDG has no latency\n")
		return false
	}
	return true
}

// RecurrenceLatency runs the ideal schedule only and returns the ASAP
// iteration latency. Run it on the trace extended by one iteration to
// obtain LoopContext.NextIterationLatency.
func (d *Datapath) RecurrenceLatency() (latency uint64, err error) {
	if err := d.start(); err != nil {
		return 0, err
	}
	defer dddg.Recover(&err)

	d.verbosef("\tStarting RecII calculation\n")
	if !d.prepare() {
		return 0, nil
	}
	d.verbosef("\tStarting ASAP scheduling\n")
	d.asap = sched.ASAP(d.g, d.prof.Latency, d.cfg.ExtraScalar)
	return d.asap.Latency, nil
}

func (d *Datapath) sharedLoads() bool {
	switch d.cfg.SharedLoads {
	case SharedLoadsOn:
		return true
	case SharedLoadsOff:
		return false
	}
	inner := d.loop.Level - 1
	return d.loop.Unroll[inner] == d.loop.Bounds[inner]
}

// Estimate runs every phase and fills the report.
func (d *Datapath) Estimate() (res Result, err error) {
	if err := d.start(); err != nil {
		return Result{}, err
	}
	defer dddg.Recover(&err)

	d.verbosef("\tStarting IL and II calculation\n")
	if !d.prepare() {
		d.result = Result{Pack: report.New()}
		d.estimated = true
		return d.result, nil
	}

	d.verbosef("\tStarting ASAP scheduling\n")
	d.asap = sched.ASAP(d.g, d.prof.Latency, d.cfg.ExtraScalar)

	d.verbosef("\tStarting ALAP scheduling\n")
	var sizer sched.Sizer
	if d.cfg.FPUThreshold {
		sizer = d.prof
	}
	d.alap = sched.ALAP(d.g, d.asap, sizer)

	d.verbosef("\tIdentifying critical paths\n")
	d.critical = sched.CriticalPath(d.g, d.asap.Times, d.alap)

	dddg.ResolveBaseAddresses(d.g, d.ctx)
	dddg.AssignPartitions(d.g, d.ctx, d.loop.Arrays)

	opt := dddg.NewOptimizer(dddg.Options{
		MemoryDisambiguation: d.cfg.MemoryDisambiguation,
		SharedLoads:          d.sharedLoads(),
		RepeatedStores:       d.cfg.RepeatedStores,
		TreeHeightInt:        d.cfg.TreeHeightInt,
		TreeHeightFloat:      d.cfg.TreeHeightFloat,
	})
	opt.Run(d.g, d.ctx)

	d.prof.ConstrainHardware(d.loop.Arrays)

	d.verbosef("\tStarting resource-constrained scheduling\n")
	rc := sched.NewRCScheduler(d.g, d.prof, d.ctx.Base, d.asap.Times, d.alap, sched.Options{
		TimingConstrained: d.cfg.TimingConstrained,
		ExtraScalar:       d.cfg.ExtraScalar,
		Trace:             d.cfg.ScheduleTrace,
		LoopName:          d.loop.Name,
		FrequencyMHz:      d.cfg.FrequencyMHz,
		UncertaintyPct:    d.cfg.UncertaintyPct,
	}).Schedule()
	d.rc = rc.Times

	r := Result{
		IdealLatency:     d.asap.Latency,
		IterationLatency: rc.Cycles,
		AchievedPeriod:   rc.AchievedPeriod,
		SharedLoads:      opt.SharedLoadsRemoved,
		RepeatedStores:   opt.RepeatedStoresRemoved,
	}

	d.verbosef("\tGetting memory-constrained II\n")
	r.ResIIMemBy, r.ResIIMem = sched.ResIIMem(d.g, d.rc, d.ctx.Base, d.loop.Arrays, d.prof)

	d.verbosef("\tGetting hardware-constrained II\n")
	r.ResIIOpBy, r.ResIIOp = d.prof.ResIIOp()

	d.verbosef("\tGetting recurrence-constrained II\n")
	r.RecII = 1
	if d.loop.Pipelined {
		r.RecII = sched.RecII(d.g, d.asap.Times, d.critical, d.prof.Latency, d.asap.Latency, d.loop.NextIterationLatency)
	}

	r.II = max(r.ResIIMem, r.ResIIOp, r.RecII)
	r.Cycles = sched.LoopLatency(d.nest(), r.IterationLatency, r.II)

	d.verbosef("\n\tAchieved period: %f\n", r.AchievedPeriod)
	d.verbosef("\tIL: %d\n", r.IterationLatency)
	d.verbosef("\tII: %d\n", r.II)
	d.verbosef("\tRecII: %d\n", r.RecII)
	d.verbosef("\tResII: %d\n", max(r.ResIIMem, r.ResIIOp))
	d.verbosef("\tResIIMem: %d constrained by: %s\n", r.ResIIMem, r.ResIIMemBy)
	d.verbosef("\tResIIOp: %d constrained by: %s\n", r.ResIIOp, r.ResIIOpBy)

	r.Pack = d.fillPack(r)
	d.result = r
	d.estimated = true
	return r, nil
}

func (d *Datapath) nest() sched.LoopNest {
	return sched.LoopNest{
		Level:     d.loop.Level,
		Bounds:    d.loop.Bounds,
		Unroll:    d.loop.Unroll,
		Perfect:   d.loop.Perfect,
		Pipelined: d.loop.Pipelined,
	}
}

func (d *Datapath) fillPack(r Result) *report.Pack {
	pk := report.New()
	d.prof.FillPack(pk)

	pk.AddDescriptor("Achieved period", report.MergeMax, report.Float)
	pk.AddFloat("Achieved period", r.AchievedPeriod)
	pk.AddDescriptor("Number of shared loads detected", report.MergeSum, report.Unsigned)
	pk.AddUnsigned("Number of shared loads detected", uint64(r.SharedLoads))
	pk.AddDescriptor("Number of repeated stores detected", report.MergeSum, report.Unsigned)
	pk.AddUnsigned("Number of repeated stores detected", uint64(r.RepeatedStores))

	if d.cfg.FPUThreshold {
		pk.AddDescriptor("Units limited by DSP usage", report.MergeSet, report.String)
		for _, u := range d.prof.ConstrainedUnits() {
			pk.AddString("Units limited by DSP usage", u.String())
		}
	}
	return pk
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// OUTPUTS
// ════════════════════════════════════════════════════════════════════════════════════════════════

// DumpGraph writes the graph as DOT. The unoptimised graph is the one built
// from the trace; the optimised graph is the one the list scheduler ran on
// and needs a completed Estimate.
func (d *Datapath) DumpGraph(w io.Writer, optimised bool) error {
	g := d.g
	if optimised {
		if !d.estimated {
			return errors.New("linanalyzer: optimised graph requested before Estimate")
		}
	} else if d.initial != nil {
		g = d.initial
	}

	level := func(n int) (int, bool) {
		lvl, ok := d.loop.BBDepth[d.ctx.CurrBB[n]]
		return lvl, ok
	}
	return g.WriteDOT(w, level)
}

// Times returns the ASAP, ALAP and RC start of every node after Estimate.
func (d *Datapath) Times() (asap, alap, rc []uint64) {
	return d.asap.Times, d.alap, d.rc
}

// CriticalPath returns the nodes on the critical path after Estimate.
func (d *Datapath) CriticalPath() []int { return d.critical }

const (
	summaryRule = "================================================\n"
	sectionRule = "------------------------------------------------\n"
)

// WriteSummary prints the human-readable estimation summary.
func (d *Datapath) WriteSummary(w io.Writer) error {
	if !d.estimated {
		return errors.New("linanalyzer: summary requested before Estimate")
	}
	r := d.result
	f, u := d.cfg.FrequencyMHz, d.cfg.UncertaintyPct

	bw := bufio.NewWriter(w)
	fmt.Fprint(bw, summaryRule)
	if !d.cfg.TimingConstrained {
		fmt.Fprint(bw, "Time-constrained scheduling disabled\n")
	}
	fmt.Fprintf(bw, "Target clock: %f MHz\n", f)
	fmt.Fprintf(bw, "Clock uncertainty: %f %%\n", u)
	fmt.Fprintf(bw, "Target clock period: %f ns\n", 1000/f)
	fmt.Fprintf(bw, "Effective clock period: %f ns\n", profile.EffectivePeriod(f, u))
	fmt.Fprintf(bw, "Achieved clock period: %f ns\n", r.AchievedPeriod)
	fmt.Fprintf(bw, "Loop name: %s\n", d.loop.Name)
	fmt.Fprintf(bw, "Loop level: %d\n", d.loop.Level)
	fmt.Fprintf(bw, "Loop unrolling factor: %d\n", d.loop.Unroll[d.loop.Level-1])
	fmt.Fprintf(bw, "Loop pipelining enabled? %s\n", yesNo(d.loop.Pipelined))
	fmt.Fprintf(bw, "Total cycles: %d\n", r.Cycles)
	fmt.Fprint(bw, sectionRule)

	if r.SharedLoads > 0 {
		fmt.Fprintf(bw, "Number of shared loads detected: %d\n", r.SharedLoads)
	}
	if r.RepeatedStores > 0 {
		fmt.Fprintf(bw, "Number of repeated stores detected: %d\n", r.RepeatedStores)
	}
	if r.SharedLoads > 0 || r.RepeatedStores > 0 {
		fmt.Fprint(bw, sectionRule)
	}

	fmt.Fprintf(bw, "Ideal iteration latency (ASAP): %d\n", r.IdealLatency)
	fmt.Fprintf(bw, "Constrained iteration latency: %d\n", r.IterationLatency)
	fmt.Fprintf(bw, "Initiation interval (if applicable): %d\n", r.II)
	fmt.Fprintf(bw, "resII (mem): %d\n", r.ResIIMem)
	fmt.Fprintf(bw, "resII (op): %d\n", r.ResIIOp)
	fmt.Fprintf(bw, "recII: %d\n", r.RecII)
	fmt.Fprintf(bw, "Limited by %s\n", r.LimitedBy())
	fmt.Fprint(bw, sectionRule)

	if d.cfg.FPUThreshold {
		units := "none"
		if r.Pack != nil {
			if s := r.Pack.Format("Units limited by DSP usage"); s != "" {
				units = s
			}
		}
		fmt.Fprintf(bw, "Units limited by DSP usage: %s\n", units)
		fmt.Fprint(bw, sectionRule)
	}

	if err := bw.Flush(); err != nil {
		return err
	}
	if r.Pack == nil {
		return nil
	}
	_, err := r.Pack.WriteTo(w)
	return err
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
