// ════════════════════════════════════════════════════════════════════════════════════════════════
// Instruction Classes - DDDG Node Opcodes
// ────────────────────────────────────────────────────────────────────────────────────────────────
//
// Every node of the dynamic dependence graph carries one of these opcodes.
// The set mirrors the LLVM IR instruction classes that show up in a dynamic
// trace plus four pseudo-ops produced by the graph optimizer:
//
//	IndexAdd / IndexSub  address arithmetic (induction variables)
//	Move                 a load that was proven redundant
//	SilentStore          a store overwritten later without being observed
//
// The predicates below are pure and are the only place where opcode groups
// are defined. Everything else asks these functions.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package opcode

import "strings"

// Opcode identifies the instruction class of one DDDG node.
type Opcode uint8

const (
	Invalid Opcode = iota

	// Terminators
	Ret
	Br
	Switch
	IndirectBr
	Invoke
	Unreachable

	// Binary
	Add
	FAdd
	Sub
	FSub
	Mul
	FMul
	UDiv
	SDiv
	FDiv
	URem
	SRem
	FRem

	// Bitwise
	Shl
	LShr
	AShr
	And
	Or
	Xor

	// Memory
	Alloca
	Load
	Store
	GetElementPtr
	Fence

	// Casts
	Trunc
	ZExt
	SExt
	FPToUI
	FPToSI
	UIToFP
	SIToFP
	FPTrunc
	FPExt
	PtrToInt
	IntToPtr
	BitCast
	AddrSpaceCast

	// Other
	ICmp
	FCmp
	PHI
	Call
	Select
	ExtractElement
	InsertElement
	ShuffleVector
	ExtractValue
	InsertValue

	// Pseudo-ops introduced by graph rewriting
	Move
	IndexAdd
	IndexSub
	SilentStore

	numOpcodes
)

var names = [numOpcodes]string{
	Invalid:        "invalid",
	Ret:            "ret",
	Br:             "br",
	Switch:         "switch",
	IndirectBr:     "indirectbr",
	Invoke:         "invoke",
	Unreachable:    "unreachable",
	Add:            "add",
	FAdd:           "fadd",
	Sub:            "sub",
	FSub:           "fsub",
	Mul:            "mul",
	FMul:           "fmul",
	UDiv:           "udiv",
	SDiv:           "sdiv",
	FDiv:           "fdiv",
	URem:           "urem",
	SRem:           "srem",
	FRem:           "frem",
	Shl:            "shl",
	LShr:           "lshr",
	AShr:           "ashr",
	And:            "and",
	Or:             "or",
	Xor:            "xor",
	Alloca:         "alloca",
	Load:           "load",
	Store:          "store",
	GetElementPtr:  "getelementptr",
	Fence:          "fence",
	Trunc:          "trunc",
	ZExt:           "zext",
	SExt:           "sext",
	FPToUI:         "fptoui",
	FPToSI:         "fptosi",
	UIToFP:         "uitofp",
	SIToFP:         "sitofp",
	FPTrunc:        "fptrunc",
	FPExt:          "fpext",
	PtrToInt:       "ptrtoint",
	IntToPtr:       "inttoptr",
	BitCast:        "bitcast",
	AddrSpaceCast:  "addrspacecast",
	ICmp:           "icmp",
	FCmp:           "fcmp",
	PHI:            "phi",
	Call:           "call",
	Select:         "select",
	ExtractElement: "extractelement",
	InsertElement:  "insertelement",
	ShuffleVector:  "shufflevector",
	ExtractValue:   "extractvalue",
	InsertValue:    "insertvalue",
	Move:           "move",
	IndexAdd:       "indexadd",
	IndexSub:       "indexsub",
	SilentStore:    "silentstore",
}

func (op Opcode) String() string {
	if op < numOpcodes {
		return names[op]
	}
	return "unknown"
}

// Parse maps an LLVM-style mnemonic to its opcode. Unknown names yield Invalid.
func Parse(name string) Opcode {
	name = strings.ToLower(strings.TrimSpace(name))
	for op := Opcode(1); op < numOpcodes; op++ {
		if names[op] == name {
			return op
		}
	}
	return Invalid
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// PREDICATES
// ════════════════════════════════════════════════════════════════════════════════════════════════

func IsLoad(op Opcode) bool   { return op == Load }
func IsStore(op Opcode) bool  { return op == Store }
func IsMemory(op Opcode) bool { return op == Load || op == Store }

// IsBranch reports control-transfer classes. Edges leaving these nodes are
// ordering-only and never take part in value chains.
func IsBranch(op Opcode) bool {
	switch op {
	case Ret, Br, Switch, IndirectBr, Invoke, Unreachable:
		return true
	}
	return false
}

func IsCall(op Opcode) bool    { return op == Call }
func IsPhi(op Opcode) bool     { return op == PHI }
func IsBitCast(op Opcode) bool { return op == BitCast }

func IsFAdd(op Opcode) bool { return op == FAdd }
func IsFSub(op Opcode) bool { return op == FSub }
func IsFMul(op Opcode) bool { return op == FMul }
func IsFDiv(op Opcode) bool { return op == FDiv }
func IsFCmp(op Opcode) bool { return op == FCmp }

// IsFloat reports the classes that are mapped to floating-point cores.
func IsFloat(op Opcode) bool {
	switch op {
	case FAdd, FSub, FMul, FDiv, FCmp:
		return true
	}
	return false
}

func IsAdd(op Opcode) bool { return op == Add }
func IsMul(op Opcode) bool { return op == Mul }

func IsIndex(op Opcode) bool { return op == IndexAdd || op == IndexSub }

func IsBit(op Opcode) bool {
	switch op {
	case Shl, LShr, AShr, And, Or, Xor:
		return true
	}
	return false
}

// IsIntOp reports the integer classes that compete for integer functional
// units in the list scheduler. Index arithmetic is deliberately absent.
func IsIntOp(op Opcode) bool {
	switch op {
	case Add, Sub, Mul, UDiv, SDiv:
		return true
	}
	return false
}

// IsAssociative selects the integer classes eligible for tree-height reduction.
func IsAssociative(op Opcode) bool { return op == Add }

// IsFAssociative selects the floating-point classes eligible for tree-height
// reduction.
func IsFAssociative(op Opcode) bool { return op == FAdd }
