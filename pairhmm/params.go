// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pairhmm

// GapVector is either a single penalty broadcast across every truth
// position, or a per-position penalty of length equal to the truth
// sequence, matching how gap-open and gap-extend costs are supplied.
type GapVector struct {
	scalar   int8
	perPos   []int8
	isScalar bool
}

// ConstGap returns a GapVector that applies the same penalty at every truth
// position.
func ConstGap(v int8) GapVector {
	return GapVector{scalar: v, isScalar: true}
}

// PerPositionGap returns a GapVector giving an independent penalty for each
// truth position. len(v) must equal the truth sequence length passed to the
// Aligner.
func PerPositionGap(v []int8) GapVector {
	return GapVector{perPos: v}
}

func (g GapVector) length() int {
	if g.isScalar {
		return -1
	}
	return len(g.perPos)
}

// at returns the penalty for truth position idx, clamping idx into range for
// per-position vectors so that boundary cells (an insertion before any truth
// has been consumed, or after all of it has) still resolve to a defined
// penalty instead of panicking.
func (g GapVector) at(idx int) int16 {
	if g.isScalar {
		return int16(g.scalar)
	}
	if idx < 0 {
		idx = 0
	}
	if idx >= len(g.perPos) {
		idx = len(g.perPos) - 1
	}
	return int16(g.perPos[idx])
}

// Params is the penalty source for an Aligner call: how mismatches, gap
// opens/extends and insertions are charged.
type Params struct {
	// GapOpen is charged the first time a deletion or insertion run opens.
	GapOpen GapVector
	// GapExtend is charged for every subsequent base of an open gap run.
	GapExtend GapVector
	// NucPrior is added once per inserted target base, on top of GapOpen/
	// GapExtend, modelling the prior probability of a spurious insertion.
	NucPrior int16
	// NScore caps the emission penalty charged when the truth base is N:
	// min(quality, NScore) rather than the full quality-weighted mismatch
	// penalty.
	NScore int16
}

// DefaultParams returns Params with NScore set to a small, non-quality-
// weighted constant and zero-cost gaps/prior; callers normally override
// GapOpen, GapExtend and NucPrior for their own error model.
func DefaultParams() Params {
	return Params{
		GapOpen:   ConstGap(0),
		GapExtend: ConstGap(0),
		NucPrior:  0,
		NScore:    1,
	}
}
