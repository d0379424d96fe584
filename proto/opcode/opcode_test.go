package opcode

import "testing"

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// Opcode classifier - Test Suite
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestOpcode_StringParseRoundTrip(t *testing.T) {
	// WHAT: Every named opcode parses back to itself
	// WHY: Trace ingestion and graph dumps both rely on the mnemonic table

	for op := Opcode(1); op < numOpcodes; op++ {
		if got := Parse(op.String()); got != op {
			t.Errorf("Parse(%q) = %v, want %v", op.String(), got, op)
		}
	}

	if Parse("  FAdd ") != FAdd {
		t.Errorf("Parse should ignore case and surrounding space")
	}
	if Parse("nope") != Invalid {
		t.Errorf("unknown mnemonic should map to Invalid")
	}
	if Opcode(250).String() != "unknown" {
		t.Errorf("out of range opcode should print as unknown")
	}
}

func TestOpcode_MemoryClasses(t *testing.T) {
	if !IsMemory(Load) || !IsMemory(Store) {
		t.Errorf("load and store are memory ops")
	}
	// A silent store is scheduled as a zero-cost op, not as a port user
	if IsStore(SilentStore) || IsMemory(SilentStore) {
		t.Errorf("silent store must not be classified as a store")
	}
	if IsMemory(Move) {
		t.Errorf("move is not a memory op")
	}
}

func TestOpcode_Groups(t *testing.T) {
	cases := []struct {
		name string
		pred func(Opcode) bool
		in   []Opcode
		out  []Opcode
	}{
		{"branch", IsBranch, []Opcode{Br, Switch, Ret}, []Opcode{Add, Call, PHI}},
		{"float", IsFloat, []Opcode{FAdd, FSub, FMul, FDiv, FCmp}, []Opcode{Add, FRem, Load}},
		{"intop", IsIntOp, []Opcode{Add, Sub, Mul, UDiv, SDiv}, []Opcode{IndexAdd, IndexSub, Shl}},
		{"index", IsIndex, []Opcode{IndexAdd, IndexSub}, []Opcode{Add, Sub}},
		{"bit", IsBit, []Opcode{Shl, LShr, AShr, And, Or, Xor}, []Opcode{Add}},
		{"assoc", IsAssociative, []Opcode{Add}, []Opcode{Sub, FAdd}},
		{"fassoc", IsFAssociative, []Opcode{FAdd}, []Opcode{FSub, Add}},
	}

	for _, c := range cases {
		for _, op := range c.in {
			if !c.pred(op) {
				t.Errorf("%s: %v should match", c.name, op)
			}
		}
		for _, op := range c.out {
			if c.pred(op) {
				t.Errorf("%s: %v should not match", c.name, op)
			}
		}
	}
}
