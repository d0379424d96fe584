// ════════════════════════════════════════════════════════════════════════════════════════════════
// Report Pack - Generic Key/Value Estimation Results
// ────────────────────────────────────────────────────────────────────────────────────────────────
//
// A Pack is the hand-off between the estimator and whatever writes reports.
// Each entry is described once (name, merge policy, type tag) and then holds
// one or more values of that type. Entries keep their declaration order so
// two runs over the same input print identical reports.
//
// MERGE POLICIES:
// ───────────────
// Independent loop analyses each produce a Pack. Merging two packs combines
// values entry by entry:
//
//	MergeNone   values are appended
//	MergeMax    element-wise maximum
//	MergeMin    element-wise minimum
//	MergeSum    element-wise sum
//	MergeSet    union, first occurrence order kept
//	MergeEqual  values must match, mismatch is an error
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package report

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type Merge uint8

const (
	MergeNone Merge = iota
	MergeMax
	MergeMin
	MergeSum
	MergeSet
	MergeEqual
)

type Kind uint8

const (
	Unsigned Kind = iota
	Signed
	Float
	String
)

func (k Kind) String() string {
	switch k {
	case Unsigned:
		return "unsigned"
	case Signed:
		return "signed"
	case Float:
		return "float"
	case String:
		return "string"
	}
	return "unknown"
}

// Descriptor declares one entry of a Pack.
type Descriptor struct {
	Name  string
	Merge Merge
	Kind  Kind
}

// Pack is an ordered collection of typed, named value lists.
type Pack struct {
	order []Descriptor
	index map[string]int

	unsigned map[string][]uint64
	signed   map[string][]int64
	float    map[string][]float64
	str      map[string][]string
}

func New() *Pack {
	p := &Pack{}
	p.Clear()
	return p
}

// Clear drops every descriptor and value.
func (p *Pack) Clear() {
	p.order = nil
	p.index = make(map[string]int)
	p.unsigned = make(map[string][]uint64)
	p.signed = make(map[string][]int64)
	p.float = make(map[string][]float64)
	p.str = make(map[string][]string)
}

// AddDescriptor declares an entry. Re-declaring with the same kind is a no-op;
// re-declaring with a different kind panics.
func (p *Pack) AddDescriptor(name string, merge Merge, kind Kind) {
	if i, ok := p.index[name]; ok {
		if p.order[i].Kind != kind {
			panic(fmt.Sprintf("report: %q redeclared as %v (was %v)", name, kind, p.order[i].Kind))
		}
		return
	}
	p.index[name] = len(p.order)
	p.order = append(p.order, Descriptor{Name: name, Merge: merge, Kind: kind})
}

func (p *Pack) mustKind(name string, kind Kind) {
	i, ok := p.index[name]
	if !ok {
		panic(fmt.Sprintf("report: %q has no descriptor", name))
	}
	if p.order[i].Kind != kind {
		panic(fmt.Sprintf("report: %q holds %v values, not %v", name, p.order[i].Kind, kind))
	}
}

func (p *Pack) AddUnsigned(name string, v uint64) {
	p.mustKind(name, Unsigned)
	p.unsigned[name] = append(p.unsigned[name], v)
}

func (p *Pack) AddSigned(name string, v int64) {
	p.mustKind(name, Signed)
	p.signed[name] = append(p.signed[name], v)
}

func (p *Pack) AddFloat(name string, v float64) {
	p.mustKind(name, Float)
	p.float[name] = append(p.float[name], v)
}

func (p *Pack) AddString(name string, v string) {
	p.mustKind(name, String)
	p.str[name] = append(p.str[name], v)
}

// Structure returns the descriptors in declaration order.
func (p *Pack) Structure() []Descriptor {
	out := make([]Descriptor, len(p.order))
	copy(out, p.order)
	return out
}

// Lookup returns the descriptor of name.
func (p *Pack) Lookup(name string) (Descriptor, bool) {
	i, ok := p.index[name]
	if !ok {
		return Descriptor{}, false
	}
	return p.order[i], true
}

func (p *Pack) Unsigneds(name string) []uint64 { return p.unsigned[name] }
func (p *Pack) Signeds(name string) []int64    { return p.signed[name] }
func (p *Pack) Floats(name string) []float64   { return p.float[name] }
func (p *Pack) Strings(name string) []string   { return p.str[name] }

// Format renders the values of one entry as a comma separated list.
func (p *Pack) Format(name string) string {
	d, ok := p.Lookup(name)
	if !ok {
		return ""
	}

	var parts []string
	switch d.Kind {
	case Unsigned:
		for _, v := range p.unsigned[name] {
			parts = append(parts, strconv.FormatUint(v, 10))
		}
	case Signed:
		for _, v := range p.signed[name] {
			parts = append(parts, strconv.FormatInt(v, 10))
		}
	case Float:
		for _, v := range p.float[name] {
			parts = append(parts, strconv.FormatFloat(v, 'f', 6, 64))
		}
	case String:
		parts = append(parts, p.str[name]...)
	}
	return strings.Join(parts, ", ")
}

// WriteTo prints "name: values" lines in declaration order.
func (p *Pack) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var total int64
	for _, d := range p.order {
		n, err := fmt.Fprintf(bw, "%s: %s\n", d.Name, p.Format(d.Name))
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, bw.Flush()
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// MERGING
// ════════════════════════════════════════════════════════════════════════════════════════════════

// Merge folds other into p following each entry's merge policy. Entries only
// present in other are copied. Policy or kind disagreements are errors.
func (p *Pack) Merge(other *Pack) error {
	for _, d := range other.order {
		mine, ok := p.Lookup(d.Name)
		if !ok {
			p.AddDescriptor(d.Name, d.Merge, d.Kind)
			p.unsigned[d.Name] = append([]uint64(nil), other.unsigned[d.Name]...)
			p.signed[d.Name] = append([]int64(nil), other.signed[d.Name]...)
			p.float[d.Name] = append([]float64(nil), other.float[d.Name]...)
			p.str[d.Name] = append([]string(nil), other.str[d.Name]...)
			continue
		}
		if mine.Kind != d.Kind || mine.Merge != d.Merge {
			return fmt.Errorf("report: cannot merge %q: descriptors differ", d.Name)
		}

		var err error
		switch d.Kind {
		case Unsigned:
			p.unsigned[d.Name], err = mergeOrdered(d, p.unsigned[d.Name], other.unsigned[d.Name])
		case Signed:
			p.signed[d.Name], err = mergeOrdered(d, p.signed[d.Name], other.signed[d.Name])
		case Float:
			p.float[d.Name], err = mergeOrdered(d, p.float[d.Name], other.float[d.Name])
		case String:
			p.str[d.Name], err = mergeStrings(d, p.str[d.Name], other.str[d.Name])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

type number interface {
	~uint64 | ~int64 | ~float64
}

func mergeOrdered[T number](d Descriptor, a, b []T) ([]T, error) {
	switch d.Merge {
	case MergeNone:
		return append(a, b...), nil
	case MergeSet:
		for _, v := range b {
			found := false
			for _, u := range a {
				if u == v {
					found = true
					break
				}
			}
			if !found {
				a = append(a, v)
			}
		}
		return a, nil
	case MergeEqual:
		if len(a) != len(b) {
			return nil, fmt.Errorf("report: %q differs between packs", d.Name)
		}
		for i := range a {
			if a[i] != b[i] {
				return nil, fmt.Errorf("report: %q differs between packs", d.Name)
			}
		}
		return a, nil
	}

	for i, v := range b {
		if i >= len(a) {
			a = append(a, v)
			continue
		}
		switch d.Merge {
		case MergeMax:
			a[i] = max(a[i], v)
		case MergeMin:
			a[i] = min(a[i], v)
		case MergeSum:
			a[i] += v
		}
	}
	return a, nil
}

func mergeStrings(d Descriptor, a, b []string) ([]string, error) {
	switch d.Merge {
	case MergeEqual:
		if strings.Join(a, "\x00") != strings.Join(b, "\x00") {
			return nil, fmt.Errorf("report: %q differs between packs", d.Name)
		}
		return a, nil
	case MergeNone:
		return append(a, b...), nil
	}
	// Every other policy degrades to a set union for strings
	for _, v := range b {
		found := false
		for _, u := range a {
			if u == v {
				found = true
				break
			}
		}
		if !found {
			a = append(a, v)
		}
	}
	return a, nil
}
