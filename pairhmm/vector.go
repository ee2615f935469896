// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pairhmm

// lanes is the Vector Backend capability: a B-lane vector of signed 16-bit
// integers, each lane normally holding a packed (score, predecessor-tag)
// value (see codec.go). B is fixed per backend (8 or 16, selected once at
// process startup by vector_amd64.go / vector_generic.go) and never varies
// within a single lanes value's lifetime.
//
// All operations are pure and allocate a fresh lanes value; none retains a
// reference to its inputs. This mirrors biosimd's "no memory ordering
// concerns, no faults on any defined input" contract, traded for simplicity
// over in-place mutation since pairhmm's hot loop works one row of B-wide
// batches at a time rather than streaming gigabytes of sequence data.
type lanes struct {
	v []int16
}

func newLanes(b int) lanes {
	return lanes{v: make([]int16, b)}
}

func (l lanes) width() int { return len(l.v) }

func (l lanes) clone() lanes {
	out := newLanes(len(l.v))
	copy(out.v, l.v)
	return out
}

// broadcast returns a lanes value with every lane set to x.
func broadcast(b int, x int16) lanes {
	out := newLanes(b)
	for i := range out.v {
		out.v[i] = x
	}
	return out
}

// loadReverse returns lanes holding ptr[b-1], ptr[b-2], ..., ptr[0]: the
// truth window is kept reversed so that "advance truth" is a lane shift in
// a single direction.
func loadReverse(b int, ptr []int16) lanes {
	out := newLanes(b)
	for i := 0; i < b; i++ {
		out.v[i] = ptr[b-1-i]
	}
	return out
}

// loadReverseShifted is loadReverse with every lane additionally left-shifted
// by s bits, used to pre-pack gO/gE windows at the codec's trace-bit offset.
func loadReverseShifted(b int, ptr []int16, s uint) lanes {
	out := loadReverse(b, ptr)
	for i := range out.v {
		out.v[i] <<= s
	}
	return out
}

// zeroWithLast returns lanes 0,0,...,0,x (x in the last lane).
func zeroWithLast(b int, x int16) lanes {
	out := newLanes(b)
	out.v[b-1] = x
	return out
}

func (l lanes) extract(i int) int16 { return l.v[i] }

func (l lanes) insert(i int, x int16) lanes {
	out := l.clone()
	out.v[i] = x
	return out
}

func add(a, b lanes) lanes {
	out := newLanes(len(a.v))
	for i := range out.v {
		out.v[i] = a.v[i] + b.v[i]
	}
	return out
}

func and(a, b lanes) lanes {
	out := newLanes(len(a.v))
	for i := range out.v {
		out.v[i] = a.v[i] & b.v[i]
	}
	return out
}

// andNot returns (^a) & b per lane, the PANDN convention a mask/value pair
// relies on: where mask's bits are set the result is zero, elsewhere the
// result is value.
func andNot(a, b lanes) lanes {
	out := newLanes(len(a.v))
	for i := range out.v {
		out.v[i] = ^a.v[i] & b.v[i]
	}
	return out
}

func or(a, b lanes) lanes {
	out := newLanes(len(a.v))
	for i := range out.v {
		out.v[i] = a.v[i] | b.v[i]
	}
	return out
}

// cmpEq returns all-ones (-1) in a lane where a==b, zero otherwise.
func cmpEq(a, b lanes) lanes {
	out := newLanes(len(a.v))
	for i := range out.v {
		if a.v[i] == b.v[i] {
			out.v[i] = -1
		}
	}
	return out
}

func minLanes(a, b lanes) lanes {
	out := newLanes(len(a.v))
	for i := range out.v {
		if a.v[i] < b.v[i] {
			out.v[i] = a.v[i]
		} else {
			out.v[i] = b.v[i]
		}
	}
	return out
}

func maxLanes(a, b lanes) lanes {
	out := newLanes(len(a.v))
	for i := range out.v {
		if a.v[i] > b.v[i] {
			out.v[i] = a.v[i]
		} else {
			out.v[i] = b.v[i]
		}
	}
	return out
}

// shiftRightBytes shifts the whole register right by k/2 lanes (k is a
// multiple of 2, the score byte size), zero-filling from the left. This
// moves data across lanes, e.g. to slide a window forward.
func shiftRightBytes(v lanes, k int) lanes {
	n := k / 2
	b := len(v.v)
	out := newLanes(b)
	for i := n; i < b; i++ {
		out.v[i] = v.v[i-n]
	}
	return out
}

// shiftLeftBytes shifts the whole register left by k/2 lanes, zero-filling
// from the right.
func shiftLeftBytes(v lanes, k int) lanes {
	n := k / 2
	b := len(v.v)
	out := newLanes(b)
	for i := 0; i+n < b; i++ {
		out.v[i] = v.v[i+n]
	}
	return out
}

// shiftLeftBits shifts every lane left by k bits independently.
func shiftLeftBits(v lanes, k uint) lanes {
	out := newLanes(len(v.v))
	for i := range out.v {
		out.v[i] = v.v[i] << k
	}
	return out
}

// shiftRightBits arithmetic-shifts every lane right by k bits independently.
func shiftRightBits(v lanes, k uint) lanes {
	out := newLanes(len(v.v))
	for i := range out.v {
		out.v[i] = v.v[i] >> k
	}
	return out
}
