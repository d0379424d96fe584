package sched

import (
	"testing"

	"linanalyzer/proto/dddg"
	"linanalyzer/proto/opcode"
	"linanalyzer/proto/profile"
)

func memoryGraph() (*dddg.Graph, map[int]dddg.BaseAddress) {
	// 0-2 load a, 3-4 store b, 5 load c (registers), 6 sink
	g := dddg.New([]opcode.Opcode{
		opcode.Load, opcode.Load, opcode.Load, opcode.Store, opcode.Store, opcode.Load, opcode.Move,
	})
	for i := 0; i < 6; i++ {
		g.AddEdge(i, 6, 1)
	}
	base := map[int]dddg.BaseAddress{
		0: {Label: "a"}, 1: {Label: "a"}, 2: {Label: "a"},
		3: {Label: "b"}, 4: {Label: "b"},
		5: {Label: "c"},
	}
	return g, base
}

func memoryArrays() profile.ArrayConfig {
	return profile.ArrayConfig{
		"a": {Name: "a", TotalBytes: 64, WordBytes: 4},
		"b": {Name: "b", TotalBytes: 64, WordBytes: 4},
		"c": {Name: "c", TotalBytes: 16, WordBytes: 4, Partition: profile.PartitionComplete},
	}
}

func TestResIIMem_PortPressure(t *testing.T) {
	// WHAT: 3 reads over 2 ports give 2; 2 writes 3 cycles apart over 1 port give 6
	// WHY:  The write gap models the port being busy between successive writes
	p := newProfile(t, nil)
	arrays := memoryArrays()
	p.ConstrainHardware(arrays)
	g, base := memoryGraph()
	rc := []uint64{0, 0, 1, 0, 3, 0, 4}

	name, ii := ResIIMem(g, rc, base, arrays, p)
	if name != "b" || ii != 6 {
		t.Errorf("ResIIMem = (%q, %d), want (\"b\", 6)", name, ii)
	}
}

func TestResIIMem_NoneWhenUnbounded(t *testing.T) {
	p := newProfile(t, nil)
	arrays := memoryArrays()
	p.ConstrainHardware(arrays)

	g := dddg.New([]opcode.Opcode{opcode.Load, opcode.Load, opcode.Move})
	g.AddEdge(0, 2, 1)
	g.AddEdge(1, 2, 2)
	base := map[int]dddg.BaseAddress{0: {Label: "a"}, 1: {Label: "c"}}

	name, ii := ResIIMem(g, []uint64{0, 0, 2}, base, arrays, p)
	if name != "none" || ii != 1 {
		t.Errorf("ResIIMem = (%q, %d), want (\"none\", 1)", name, ii)
	}
}

func TestResIIMem_TieKeepsFirstName(t *testing.T) {
	p := newProfile(t, nil)
	arrays := memoryArrays()
	p.ConstrainHardware(arrays)

	g := dddg.New([]opcode.Opcode{opcode.Store, opcode.Store, opcode.Store, opcode.Store, opcode.Move})
	for i := 0; i < 4; i++ {
		g.AddEdge(i, 4, 1)
	}
	base := map[int]dddg.BaseAddress{0: {Label: "b"}, 1: {Label: "b"}, 2: {Label: "a"}, 3: {Label: "a"}}

	name, ii := ResIIMem(g, []uint64{0, 0, 0, 0, 1}, base, arrays, p)
	if name != "a" || ii != 2 {
		t.Errorf("ResIIMem = (%q, %d), want (\"a\", 2)", name, ii)
	}
}

func TestResIIMem_UnknownPartitionIsFatal(t *testing.T) {
	p := newProfile(t, nil)
	arrays := memoryArrays()
	p.ConstrainHardware(arrays)

	g := dddg.New([]opcode.Opcode{opcode.Load, opcode.Move})
	g.AddEdge(0, 1, 1)
	base := map[int]dddg.BaseAddress{0: {Label: "z"}}

	err := catchFatal(func() { ResIIMem(g, []uint64{0, 2}, base, arrays, p) })
	if !isFatal(err) {
		t.Errorf("unknown partition should be fatal, got %v", err)
	}
}

func fmulChain(p *profile.Profile) (*dddg.Graph, ASAPResult, []int) {
	g := dddg.New([]opcode.Opcode{opcode.FMul, opcode.FMul, opcode.FMul})
	g.AddEdge(0, 1, 1)
	g.AddEdge(1, 2, 1)
	g.AssignLatencies(p.Latency)
	asap := ASAP(g, p.Latency, false)
	alap := ALAP(g, asap, nil)
	return g, asap, CriticalPath(g, asap.Times, alap)
}

func TestRecII(t *testing.T) {
	// WHAT: The recurrence distance loses one cycle per float stage in its window
	// WHY:  Pipelining removes the registers between chained float cores
	p := newProfile(t, nil)
	g, asap, crit := fmulChain(p)

	// asap 0,4,8; one iteration takes 8+4-1 = 11 cycles
	if asap.Latency != 11 {
		t.Fatalf("chain latency = %d, want 11", asap.Latency)
	}

	tests := []struct {
		next uint64
		want uint64
	}{
		{11, 1},
		{12, 1},
		{15, 4},  // window 7..11 holds the fmul at 8
		{21, 9},  // window 1..11 holds the fmuls at 4 and 8
		{23, 10}, // window 0..11 holds all three
	}
	for _, tt := range tests {
		if got := RecII(g, asap.Times, crit, p.Latency, asap.Latency, tt.next); got != tt.want {
			t.Errorf("RecII(next=%d) = %d, want %d", tt.next, got, tt.want)
		}
	}

	err := catchFatal(func() { RecII(g, asap.Times, crit, p.Latency, asap.Latency, 10) })
	if !isFatal(err) {
		t.Errorf("shorter next iteration should be fatal, got %v", err)
	}
}

func TestLoopLatency(t *testing.T) {
	tests := []struct {
		name string
		nest LoopNest
		il   uint64
		ii   uint64
		want uint64
	}{
		{
			name: "pipelined perfect nest",
			nest: LoopNest{Level: 2, Bounds: []uint64{10, 100}, Unroll: []uint64{1, 4}, Perfect: []bool{true, true}, Pipelined: true},
			il:   20, ii: 2,
			want: (2*249 + 20 + 2) * 1,
		},
		{
			name: "pipelined imperfect nest",
			nest: LoopNest{Level: 2, Bounds: []uint64{10, 100}, Unroll: []uint64{1, 4}, Perfect: []bool{false, true}, Pipelined: true},
			il:   20, ii: 2,
			want: (2*24 + 20 + 2) * 10,
		},
		{
			name: "sequential single level",
			nest: LoopNest{Level: 1, Bounds: []uint64{8}, Unroll: []uint64{2}},
			il:   5,
			want: 5*4 + 2,
		},
		{
			name: "sequential two levels",
			nest: LoopNest{Level: 2, Bounds: []uint64{10, 100}, Unroll: []uint64{1, 4}},
			il:   20,
			want: (20*25 + 2) * 10,
		},
		{
			name: "sequential with unrolled outer level",
			nest: LoopNest{Level: 2, Bounds: []uint64{10, 100}, Unroll: []uint64{2, 4}},
			il:   20,
			// inner copies share one overhead cycle
			want: ((20*25+2)*2 - 1) * 5,
		},
	}
	for _, tt := range tests {
		if got := LoopLatency(tt.nest, tt.il, tt.ii); got != tt.want {
			t.Errorf("%s: LoopLatency = %d, want %d", tt.name, got, tt.want)
		}
	}

	err := catchFatal(func() { LoopLatency(LoopNest{Level: 1, Bounds: []uint64{0}, Unroll: []uint64{1}}, 1, 1) })
	if !isFatal(err) {
		t.Errorf("zero trip count should be fatal, got %v", err)
	}
}
