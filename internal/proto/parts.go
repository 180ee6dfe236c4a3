package proto

import "math/bits"

// Parts is a 42-bit bitmap over the parts of one block, LSB of byte 0 being
// part 0.
type Parts [PartsBitmapLen]byte

func (p *Parts) Set(i int) {
	if i < 0 || i >= PartsPerBlock {
		return
	}
	p[i/8] |= 1 << (i % 8)
}

func (p Parts) Has(i int) bool {
	if i < 0 || i >= PartsPerBlock {
		return false
	}
	return p[i/8]&(1<<(i%8)) != 0
}

// Count returns how many of the 42 parts are marked.
func (p Parts) Count() int {
	n := 0
	for i, b := range p {
		if i == PartsBitmapLen-1 {
			b &= 0x03 // parts 40 and 41 only
		}
		n += bits.OnesCount8(b)
	}
	return n
}

func (p Parts) Complete() bool {
	return p.Count() == PartsPerBlock
}

// Missing returns the complement of p restricted to valid parts. It is what
// goes into a BlockRequest.
func (p Parts) Missing() Parts {
	var m Parts
	for i := 0; i < PartsPerBlock; i++ {
		if !p.Has(i) {
			m.Set(i)
		}
	}
	return m
}
