package dddg

import (
	"bufio"
	"fmt"
	"io"

	"linanalyzer/proto/opcode"
)

// depthColors colours nodes by the nesting level of the loop their basic
// block belongs to.
var depthColors = [...]string{"red", "green", "blue", "cyan", "gold", "hotpink", "navy", "orange", "olivedrab", "magenta"}

func depthColor(level int) string {
	if level >= 0 && level < len(depthColors) {
		return depthColors[level]
	}
	return "black"
}

// nodeStyle returns the DOT attributes for one node.
func nodeStyle(id int, op opcode.Opcode, color string) string {
	c := "color=" + color
	switch {
	case opcode.IsBranch(op):
		return fmt.Sprintf(`[style=filled %s label="{%d | br}"]`, c, id)
	case opcode.IsLoad(op):
		return fmt.Sprintf(`[shape=polygon sides=5 peripheries=2 %s label="{%d | ld}"]`, c, id)
	case opcode.IsStore(op):
		return fmt.Sprintf(`[shape=polygon sides=4 peripheries=2 %s label="{%d | st}"]`, c, id)
	case opcode.IsAdd(op):
		return fmt.Sprintf(`[%s label="{%d | add}"]`, c, id)
	case opcode.IsMul(op):
		return fmt.Sprintf(`[%s label="{%d | mul}"]`, c, id)
	case opcode.IsIndex(op):
		return fmt.Sprintf(`[%s label="{%d | index}"]`, c, id)
	case opcode.IsFloat(op):
		return fmt.Sprintf(`[shape=diamond %s label="{%d | %v}"]`, c, id, op)
	case opcode.IsPhi(op):
		return fmt.Sprintf(`[shape=polygon sides=4 style=filled color=gold label="{%d | phi}"]`, id)
	case opcode.IsBit(op):
		return fmt.Sprintf(`[%s label="{%d | bit}"]`, c, id)
	case opcode.IsCall(op):
		return fmt.Sprintf(`[%s label="{%d | call}"]`, c, id)
	}
	return fmt.Sprintf(`[%s label="{%d | %v}"]`, c, id, op)
}

// WriteDOT serialises the graph for Graphviz. level reports the loop nesting
// level of a node; nodes without one are emitted unstyled. Control edges are
// drawn red. Edge labels carry the current weight.
func (g *Graph) WriteDOT(w io.Writer, level func(n int) (int, bool)) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "digraph G {")

	for n := 0; n < g.NumNodes(); n++ {
		lvl, ok := -1, false
		if level != nil {
			lvl, ok = level(n)
		}
		if !ok {
			fmt.Fprintf(bw, "%d;\n", n)
			continue
		}
		fmt.Fprintf(bw, "%d%s;\n", n, nodeStyle(n, g.ops[n], depthColor(lvl)))
	}

	for _, e := range g.Edges() {
		color := "black"
		if e.Control {
			color = "red"
		}
		fmt.Fprintf(bw, "%d->%d [color=%s label=%d];\n", e.From, e.To, color, e.Weight)
	}

	fmt.Fprintln(bw, "}")
	return bw.Flush()
}
