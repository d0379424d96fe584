// ════════════════════════════════════════════════════════════════════════════════════════════════
// Hardware Resource Profile - FPGA Functional Units and Memory Ports
// ────────────────────────────────────────────────────────────────────────────────────────────────
//
// The profile is the single source of truth for "what hardware exists" while
// a loop kernel is scheduled:
//
//	Latency / InCycleLatency   per-opcode cycles and combinational delay (ns)
//	TryAllocate* / Release*    trial-or-commit unit and port reservation
//	CalculateRequiredResources area-driven sizing of the floating-point cores
//	ConstrainHardware          array partitions, port budgets, BRAM usage
//	ResIIOp                    II bound imposed by the float unit counts
//
// ALLOCATION PROTOCOL:
// ────────────────────
// Every TryAllocate takes a commit flag. With commit=false the call only
// answers "would this succeed", which lets the timing-constrained scheduler
// veto a grant before any counter moves. inUse never exceeds capacity.
//
// Pipelined classes are occupied for the tick they are selected in and are
// freed in bulk by PipelinedRelease at the end of that tick. Non-pipelined
// classes are held until the scheduler calls the matching Release.
//
// PLATFORMS:
// ──────────
//
//	          DSP     FF       LUT      BRAM18k
//	VC707     2800    607200   303600   2060
//	ZC702     220     106400   53200    280
//	ZCU102    2520    548160   274080   1824
//	ZCU104    1728    460800   230400   624
//
// ZCU parts pick the float core latency from the effective clock period:
// the shortest core whose in-cycle delay still fits.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package profile

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"linanalyzer/proto/dddg"
	"linanalyzer/proto/opcode"
	"linanalyzer/proto/report"
)

// Infinite is the capacity of classes that are never a bottleneck.
const Infinite = 999999999

// BRAM18kBits is the capacity of one 18k block RAM.
const BRAM18kBits = 18432

const (
	readPortsPerPartition  = 2
	writePortsPerPartition = 1
)

// ════════════════════════════════════════════════════════════════════════════════════════════════
// UNIT CLASSES
// ════════════════════════════════════════════════════════════════════════════════════════════════

// Unit is a functional-unit class.
type Unit uint8

const (
	FAdd Unit = iota
	FSub
	FMul
	FDiv
	FCmp
	Load
	Store
	IntOp
	Call

	numUnits
)

var unitNames = [numUnits]string{"fadd", "fsub", "fmul", "fdiv", "fcmp", "load", "store", "intop", "call"}

func (u Unit) String() string {
	if u < numUnits {
		return unitNames[u]
	}
	return "unknown"
}

// ParseUnit is the inverse of Unit.String.
func ParseUnit(name string) (Unit, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for u := Unit(0); u < numUnits; u++ {
		if unitNames[u] == name {
			return u, nil
		}
	}
	return 0, fmt.Errorf("profile: unknown unit class %q", name)
}

// UnitOf maps an opcode to the class of unit that executes it.
func UnitOf(op opcode.Opcode) (Unit, bool) {
	switch {
	case opcode.IsFAdd(op):
		return FAdd, true
	case opcode.IsFSub(op):
		return FSub, true
	case opcode.IsFMul(op):
		return FMul, true
	case opcode.IsFDiv(op):
		return FDiv, true
	case opcode.IsFCmp(op):
		return FCmp, true
	case opcode.IsLoad(op):
		return Load, true
	case opcode.IsStore(op):
		return Store, true
	case opcode.IsIntOp(op):
		return IntOp, true
	case opcode.IsCall(op):
		return Call, true
	}
	return 0, false
}

// sized lists the classes whose counts come from area-driven sizing.
var sized = [...]Unit{FAdd, FSub, FMul, FDiv}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// PLATFORMS
// ════════════════════════════════════════════════════════════════════════════════════════════════

type Platform uint8

const (
	ZC702 Platform = iota
	VC707
	ZCU102
	ZCU104
)

type limits struct {
	dsp, ff, lut, bram uint64
}

var platforms = [...]struct {
	name string
	max  limits
	zcu  bool
}{
	ZC702:  {"ZC702", limits{220, 106400, 53200, 280}, false},
	VC707:  {"VC707", limits{2800, 607200, 303600, 2060}, false},
	ZCU102: {"ZCU102", limits{2520, 548160, 274080, 1824}, true},
	ZCU104: {"ZCU104", limits{1728, 460800, 230400, 624}, true},
}

func (p Platform) String() string {
	if int(p) < len(platforms) {
		return platforms[p].name
	}
	return "unknown"
}

func ParsePlatform(name string) (Platform, error) {
	for i, pl := range platforms {
		if strings.EqualFold(pl.name, strings.TrimSpace(name)) {
			return Platform(i), nil
		}
	}
	return 0, fmt.Errorf("profile: unknown platform %q", name)
}

// Area cost of one float core.
var unitCost = [...]limits{
	FAdd: {dsp: 2, ff: 205, lut: 390},
	FSub: {dsp: 2, ff: 205, lut: 390},
	FMul: {dsp: 3, ff: 143, lut: 321},
	FDiv: {dsp: 0, ff: 761, lut: 994},
}

// coreTiming is one float core implementation: cycles to completion and the
// combinational delay left inside a cycle.
type coreTiming struct {
	latency uint64
	delay   float64
}

// Sorted by latency.
var zcuCores = map[Unit][]coreTiming{
	FAdd: {{1, 8.80}, {2, 5.60}, {3, 4.43}, {4, 3.60}, {5, 2.78}, {7, 2.11}, {11, 1.20}},
	FSub: {{1, 8.80}, {2, 5.60}, {3, 4.43}, {4, 3.60}, {5, 2.78}, {7, 2.11}, {11, 1.20}},
	FMul: {{1, 7.60}, {2, 4.40}, {3, 3.20}, {4, 2.32}, {6, 1.80}},
	FDiv: {{4, 9.20}, {8, 6.10}, {12, 3.30}, {16, 2.50}, {28, 1.60}},
}

// pickCore returns the fastest core that fits in period, or the slowest one
// when none does.
func pickCore(cores []coreTiming, period float64) coreTiming {
	for _, c := range cores {
		if c.delay <= period {
			return c
		}
	}
	return cores[len(cores)-1]
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// ARRAYS
// ════════════════════════════════════════════════════════════════════════════════════════════════

type PartitionKind uint8

const (
	PartitionNone PartitionKind = iota
	PartitionBlock
	PartitionCyclic
	PartitionComplete
)

func (k PartitionKind) String() string {
	switch k {
	case PartitionBlock:
		return "block"
	case PartitionCyclic:
		return "cyclic"
	case PartitionComplete:
		return "complete"
	}
	return "none"
}

// Array describes one static array and how it is split into banks.
type Array struct {
	Name       string
	TotalBytes uint64
	WordBytes  uint64
	Partition  PartitionKind
	Factor     uint64
}

// Banks is the number of port-limited partitions the array is split into.
func (a Array) Banks() uint64 {
	switch a.Partition {
	case PartitionBlock, PartitionCyclic:
		return a.Factor
	case PartitionComplete:
		return 0
	}
	return 1
}

// BankOf maps a byte offset inside the array to its bank index.
func (a Array) BankOf(offset uint64) uint64 {
	if a.WordBytes == 0 || a.Factor == 0 {
		return 0
	}
	word := offset / a.WordBytes
	switch a.Partition {
	case PartitionCyclic:
		return word % a.Factor
	case PartitionBlock:
		words := a.TotalBytes / a.WordBytes
		per := (words + a.Factor - 1) / a.Factor
		if per == 0 {
			return 0
		}
		return min(word/per, a.Factor-1)
	}
	return 0
}

// PartitionName is the label of bank i.
func (a Array) PartitionName(bank uint64) string {
	if a.Partition == PartitionBlock || a.Partition == PartitionCyclic {
		return a.Name + "-" + strconv.FormatUint(bank, 10)
	}
	return a.Name
}

// ArrayConfig indexes the static arrays of a kernel by name.
type ArrayConfig map[string]Array

// Names returns the array names in lexical order.
func (c ArrayConfig) Names() []string {
	names := make([]string, 0, len(c))
	for n := range c {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Partitioned reports whether array is split into block or cyclic banks.
func (c ArrayConfig) Partitioned(array string) bool {
	a, ok := c[array]
	return ok && (a.Partition == PartitionBlock || a.Partition == PartitionCyclic)
}

// PartitionOf returns the bank label holding byte offset of array.
func (c ArrayConfig) PartitionOf(array string, offset uint64) string {
	a := c[array]
	return a.PartitionName(a.BankOf(offset))
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// PROFILE
// ════════════════════════════════════════════════════════════════════════════════════════════════

// Config selects the target and overrides the default unit model.
type Config struct {
	Platform       Platform
	FrequencyMHz   float64
	UncertaintyPct float64

	// AreaSizing sizes the float cores from the ALAP demand histogram under
	// the platform's DSP/FF/LUT ceilings. Without it float cores are unlimited.
	AreaSizing bool

	// FixedUnits pins the count of a class. Load and Store are ignored.
	FixedUnits map[Unit]uint64

	// Pipelined overrides the default pipelining of a class.
	Pipelined map[Unit]bool
}

func DefaultConfig() Config {
	return Config{
		Platform:       ZC702,
		FrequencyMHz:   100,
		UncertaintyPct: 27,
		AreaSizing:     true,
	}
}

type counter struct {
	capacity uint64
	inUse    uint64
}

func (c *counter) try(commit bool) bool {
	if c.inUse >= c.capacity {
		return false
	}
	if commit {
		c.inUse++
	}
	return true
}

func (c *counter) release(what string) {
	if c.inUse == 0 {
		dddg.Fatalf("profile: release of idle %s", what)
	}
	c.inUse--
}

type partition struct {
	read  counter
	write counter
}

// Profile is the mutable resource state of one scheduling run.
type Profile struct {
	cfg       Config
	max       limits
	period    float64
	pipelined [numUnits]bool
	cores     map[Unit]coreTiming

	units         [numUnits]counter
	intOps        map[opcode.Opcode]*counter
	unconstrained [numUnits]uint64
	limited       map[Unit]bool
	used          limits

	partitions   map[string]*partition
	complete     map[string]bool
	arrays       ArrayConfig
	bramPerArray map[string]uint64
}

// New builds a cleared profile for cfg.
func New(cfg Config) (*Profile, error) {
	if int(cfg.Platform) >= len(platforms) {
		return nil, fmt.Errorf("profile: unknown platform %d", cfg.Platform)
	}
	if cfg.FrequencyMHz <= 0 {
		return nil, fmt.Errorf("profile: frequency must be positive, got %v", cfg.FrequencyMHz)
	}
	if cfg.UncertaintyPct < 0 || cfg.UncertaintyPct >= 100 {
		return nil, fmt.Errorf("profile: uncertainty must be in [0,100), got %v", cfg.UncertaintyPct)
	}

	p := &Profile{
		cfg:    cfg,
		max:    platforms[cfg.Platform].max,
		period: EffectivePeriod(cfg.FrequencyMHz, cfg.UncertaintyPct),
		cores:  make(map[Unit]coreTiming),
	}

	// Float cores hold their unit for the full latency unless told otherwise
	for u := Unit(0); u < numUnits; u++ {
		p.pipelined[u] = !(u == FAdd || u == FSub || u == FMul || u == FDiv)
		if v, ok := cfg.Pipelined[u]; ok {
			p.pipelined[u] = v
		}
	}

	if platforms[cfg.Platform].zcu {
		for u, cores := range zcuCores {
			p.cores[u] = pickCore(cores, p.period)
		}
	}

	p.Clear()
	return p, nil
}

// EffectivePeriod is the target period minus the uncertainty margin, in ns.
func EffectivePeriod(freqMHz, uncertaintyPct float64) float64 {
	return 1000/freqMHz - 10*uncertaintyPct/freqMHz
}

func (p *Profile) EffectivePeriod() float64 { return p.period }
func (p *Profile) Platform() Platform       { return p.cfg.Platform }

// Clear returns the profile to its unsized, unallocated state.
func (p *Profile) Clear() {
	for u := Unit(0); u < numUnits; u++ {
		p.units[u] = counter{capacity: Infinite}
		p.unconstrained[u] = 0
	}
	for _, u := range sized {
		p.units[u].capacity = 0
		if !p.cfg.AreaSizing {
			p.units[u].capacity = Infinite
		}
	}
	for u, n := range p.cfg.FixedUnits {
		if u < numUnits {
			p.units[u].capacity = n
		}
	}

	p.intOps = make(map[opcode.Opcode]*counter)
	for _, op := range []opcode.Opcode{opcode.Add, opcode.Sub, opcode.Mul, opcode.UDiv, opcode.SDiv} {
		p.intOps[op] = &counter{capacity: p.units[IntOp].capacity}
	}

	p.limited = make(map[Unit]bool)
	p.used = limits{}
	p.partitions = make(map[string]*partition)
	p.complete = make(map[string]bool)
	p.arrays = nil
	p.bramPerArray = make(map[string]uint64)
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// TIMING
// ════════════════════════════════════════════════════════════════════════════════════════════════

// Latency is the number of cycles op takes to complete.
func (p *Profile) Latency(op opcode.Opcode) uint64 {
	if u, ok := UnitOf(op); ok {
		if c, ok := p.cores[u]; ok {
			return c.latency
		}
	}

	switch op {
	case opcode.Load:
		return 2
	case opcode.Store, opcode.Add, opcode.Sub, opcode.FCmp, opcode.Call:
		return 1
	case opcode.Mul:
		return 6
	case opcode.UDiv, opcode.SDiv:
		return 36
	case opcode.FAdd, opcode.FSub:
		return 5
	case opcode.FMul:
		return 4
	case opcode.FDiv:
		return 16
	}
	return 0
}

// InCycleLatency is the combinational delay op contributes inside a cycle, in ns.
func (p *Profile) InCycleLatency(op opcode.Opcode) float64 {
	if u, ok := UnitOf(op); ok {
		if c, ok := p.cores[u]; ok {
			return c.delay
		}
	}

	switch op {
	case opcode.Load, opcode.Store:
		return 1.23
	case opcode.Add, opcode.Sub:
		return 1.78
	case opcode.Mul:
		return 3.42
	case opcode.FAdd, opcode.FSub:
		return 2.78
	case opcode.FMul:
		return 2.32
	case opcode.FDiv:
		return 2.50
	case opcode.FCmp:
		return 3.47
	}
	return 0
}

// IsPipelined reports whether the unit executing op accepts a new operation
// every cycle. Opcodes that use no unit count as pipelined.
func (p *Profile) IsPipelined(op opcode.Opcode) bool {
	u, ok := UnitOf(op)
	if !ok {
		return true
	}
	return p.pipelined[u]
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// SIZING
// ════════════════════════════════════════════════════════════════════════════════════════════════

// CalculateRequiredResources sizes the float cores from a histogram of
// operations that may run concurrently. Each bucket holds the opcodes that
// share one ALAP start time. The per-class peak is the unconstrained demand;
// cores are added one at a time until the demand is met or an area ceiling
// is hit, in which case the class is recorded as area-constrained.
func (p *Profile) CalculateRequiredResources(buckets [][]opcode.Opcode) {
	for _, u := range sized {
		p.unconstrained[u] = 0
	}
	for _, bucket := range buckets {
		var demand [numUnits]uint64
		for _, op := range bucket {
			if u, ok := UnitOf(op); ok {
				demand[u]++
			}
		}
		for u := range demand {
			p.unconstrained[u] = max(p.unconstrained[u], demand[u])
		}
	}

	if !p.cfg.AreaSizing {
		return
	}

	p.used.dsp, p.used.ff, p.used.lut = 0, 0, 0
	for _, u := range sized {
		if _, fixed := p.cfg.FixedUnits[u]; fixed {
			p.chargeArea(u, p.units[u].capacity)
			continue
		}

		p.units[u].capacity = 0
		delete(p.limited, u)
		for p.units[u].capacity < p.unconstrained[u] {
			if !p.addUnit(u) {
				p.limited[u] = true
				break
			}
		}

		// A class in use always gets one core
		if p.units[u].capacity == 0 && p.unconstrained[u] > 0 {
			p.chargeArea(u, 1)
			p.units[u].capacity = 1
		}
	}
}

func (p *Profile) addUnit(u Unit) bool {
	c := unitCost[u]
	if p.used.dsp+c.dsp > p.max.dsp || p.used.ff+c.ff > p.max.ff || p.used.lut+c.lut > p.max.lut {
		return false
	}
	p.chargeArea(u, 1)
	p.units[u].capacity++
	return true
}

func (p *Profile) chargeArea(u Unit, n uint64) {
	c := unitCost[u]
	p.used.dsp += c.dsp * n
	p.used.ff += c.ff * n
	p.used.lut += c.lut * n
}

// ConstrainHardware registers the array partitions of the kernel with their
// port budgets and accounts for their block RAM usage. Completely
// partitioned arrays become registers with unlimited ports.
func (p *Profile) ConstrainHardware(arrays ArrayConfig) {
	p.arrays = arrays
	p.partitions = make(map[string]*partition)
	p.complete = make(map[string]bool)
	p.bramPerArray = make(map[string]uint64)
	p.used.bram = 0

	for _, name := range arrays.Names() {
		a := arrays[name]
		if a.Partition == PartitionComplete {
			p.complete[name] = true
			p.bramPerArray[name] = 0
			continue
		}

		banks := a.Banks()
		if banks == 0 {
			dddg.Fatalf("profile: array %q is %v partitioned with factor 0", name, a.Partition)
		}
		bankBits := (a.TotalBytes + banks - 1) / banks * 8
		perBank := (bankBits + BRAM18kBits - 1) / BRAM18kBits

		for i := uint64(0); i < banks; i++ {
			p.partitions[a.PartitionName(i)] = &partition{
				read:  counter{capacity: readPortsPerPartition},
				write: counter{capacity: writePortsPerPartition},
			}
		}
		p.bramPerArray[name] = perBank * banks
		p.used.bram += perBank * banks
	}
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// ALLOCATION
// ════════════════════════════════════════════════════════════════════════════════════════════════

// TryAllocate reserves one unit of a class that is counted as a whole.
// Load, Store and IntOp have their own entry points.
func (p *Profile) TryAllocate(u Unit, commit bool) bool {
	return p.units[u].try(commit)
}

func (p *Profile) Release(u Unit) {
	p.units[u].release(u.String())
}

// TryAllocateInt reserves an integer unit for op. Each integer opcode has its
// own pool.
func (p *Profile) TryAllocateInt(op opcode.Opcode, commit bool) bool {
	c, ok := p.intOps[op]
	if !ok {
		dddg.Fatalf("profile: %v is not an integer unit opcode", op)
	}
	return c.try(commit)
}

func (p *Profile) ReleaseInt(op opcode.Opcode) {
	c, ok := p.intOps[op]
	if !ok {
		dddg.Fatalf("profile: %v is not an integer unit opcode", op)
	}
	c.release(op.String())
}

// lookup resolves a partition label. A nil partition with ok=true is a
// register file.
func (p *Profile) lookup(name string) *partition {
	if part, ok := p.partitions[name]; ok {
		return part
	}
	if p.complete[name] {
		return nil
	}
	dddg.Fatalf("profile: array partition %q is not registered", name)
	return nil
}

func (p *Profile) TryAllocateLoad(partitionName string, commit bool) bool {
	part := p.lookup(partitionName)
	if part == nil {
		return true
	}
	return part.read.try(commit)
}

func (p *Profile) TryAllocateStore(partitionName string, commit bool) bool {
	part := p.lookup(partitionName)
	if part == nil {
		return true
	}
	return part.write.try(commit)
}

func (p *Profile) ReleaseLoad(partitionName string) {
	if part := p.lookup(partitionName); part != nil {
		part.read.release(partitionName + " read port")
	}
}

func (p *Profile) ReleaseStore(partitionName string) {
	if part := p.lookup(partitionName); part != nil {
		part.write.release(partitionName + " write port")
	}
}

// PipelinedRelease frees every pipelined class. Called once at the end of
// each scheduling tick.
func (p *Profile) PipelinedRelease() {
	for u := Unit(0); u < numUnits; u++ {
		if p.pipelined[u] {
			p.units[u].inUse = 0
		}
	}
	if p.pipelined[IntOp] {
		for _, c := range p.intOps {
			c.inUse = 0
		}
	}
	for _, part := range p.partitions {
		if p.pipelined[Load] {
			part.read.inUse = 0
		}
		if p.pipelined[Store] {
			part.write.inUse = 0
		}
	}
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// QUERIES
// ════════════════════════════════════════════════════════════════════════════════════════════════

func (p *Profile) Capacity(u Unit) uint64 { return p.units[u].capacity }
func (p *Profile) InUse(u Unit) uint64    { return p.units[u].inUse }

// IntInUse is the number of integer units of class op currently held.
func (p *Profile) IntInUse(op opcode.Opcode) uint64 {
	if c, ok := p.intOps[op]; ok {
		return c.inUse
	}
	return 0
}

// PortsInUse reports the read and write ports held on a partition.
func (p *Profile) PortsInUse(partitionName string) (read, write uint64) {
	if part := p.lookup(partitionName); part != nil {
		return part.read.inUse, part.write.inUse
	}
	return 0, 0
}

// Ports reports the read and write port budget of a partition. Register
// partitions report Infinite.
func (p *Profile) Ports(partitionName string) (read, write uint64) {
	if part := p.lookup(partitionName); part != nil {
		return part.read.capacity, part.write.capacity
	}
	return Infinite, Infinite
}

// IsCompletelyPartitioned reports whether array lives in registers.
func (p *Profile) IsCompletelyPartitioned(array string) bool { return p.complete[array] }

// Unconstrained is the peak demand of a class seen by the last sizing.
func (p *Profile) Unconstrained(u Unit) uint64 { return p.unconstrained[u] }

// ConstrainedUnits lists the classes that could not reach their demand
// because of the area ceilings, in class order.
func (p *Profile) ConstrainedUnits() []Unit {
	var out []Unit
	for _, u := range sized {
		if p.limited[u] {
			out = append(out, u)
		}
	}
	return out
}

// ResIIOp is the II imposed by float unit counts: the worst ratio of peak
// demand to available cores over the classes that fell short. Ties keep the
// first class. ("none", 1) when no class is short.
func (p *Profile) ResIIOp() (string, uint64) {
	name, ii := "none", uint64(1)
	for _, u := range sized {
		have := p.units[u].capacity
		need := p.unconstrained[u]
		if have == 0 || have >= need {
			continue
		}
		if r := uint64(math.Ceil(float64(need) / float64(have))); r > ii {
			name, ii = u.String(), r
		}
	}
	return name, ii
}

// FillPack exports unit counts and area usage.
func (p *Profile) FillPack(pk *report.Pack) {
	pk.AddDescriptor("DSPs", report.MergeMax, report.Unsigned)
	pk.AddUnsigned("DSPs", p.used.dsp)
	pk.AddDescriptor("FFs", report.MergeMax, report.Unsigned)
	pk.AddUnsigned("FFs", p.used.ff)
	pk.AddDescriptor("LUTs", report.MergeMax, report.Unsigned)
	pk.AddUnsigned("LUTs", p.used.lut)
	pk.AddDescriptor("BRAM18k", report.MergeMax, report.Unsigned)
	pk.AddUnsigned("BRAM18k", p.used.bram)

	for _, u := range sized {
		key := u.String() + " units"
		pk.AddDescriptor(key, report.MergeMax, report.Unsigned)
		pk.AddUnsigned(key, p.units[u].capacity)
	}

	for _, name := range p.arrays.Names() {
		key := "Number of partitions for array \"" + name + "\""
		pk.AddDescriptor(key, report.MergeMax, report.Unsigned)
		pk.AddUnsigned(key, p.arrays[name].Banks())
		key = "Used BRAM18k for array \"" + name + "\""
		pk.AddDescriptor(key, report.MergeMax, report.Unsigned)
		pk.AddUnsigned(key, p.bramPerArray[name])
	}
}

// Area reports the DSP, FF, LUT and BRAM18k currently charged.
func (p *Profile) Area() (dsp, ff, lut, bram uint64) {
	return p.used.dsp, p.used.ff, p.used.lut, p.used.bram
}
