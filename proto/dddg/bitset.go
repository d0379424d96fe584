package dddg

import "math/bits"

// Bitset is a dense set of node ids, one bit per node.
type Bitset []uint64

func NewBitset(n int) Bitset { return make(Bitset, (n+63)/64) }

func (b Bitset) Set(i int)      { b[i>>6] |= 1 << (uint(i) & 63) }
func (b Bitset) Unset(i int)    { b[i>>6] &^= 1 << (uint(i) & 63) }
func (b Bitset) Has(i int) bool { return b[i>>6]&(1<<(uint(i)&63)) != 0 }

// Reset clears every bit.
func (b Bitset) Reset() {
	for i := range b {
		b[i] = 0
	}
}

// Count returns the number of members.
func (b Bitset) Count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

// Each calls fn for every member in increasing order.
func (b Bitset) Each(fn func(int)) {
	for wi, w := range b {
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			fn(wi<<6 | tz)
			w &= w - 1
		}
	}
}
