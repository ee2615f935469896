// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pairhmm

import (
	"fmt"

	"github.com/grailbio/base/log"
	"github.com/octopus-caller/bio/interval"
)

// Aligner is a reusable, immutable configuration of which Vector Backend
// (lane width B) to use. A single Aligner value is safe to call from
// multiple goroutines concurrently, as long as each call's input slices are
// not mutated by another goroutine while the call is in flight.
type Aligner struct {
	b int
}

// NewAligner returns an Aligner using the widest Vector Backend available on
// this process.
func NewAligner() *Aligner {
	a := &Aligner{b: defaultLaneWidth}
	log.Debug.Printf("pairhmm: selected %d-lane backend", a.b)
	return a
}

// NewAlignerWithBand returns an Aligner pinned to a specific band size B (8
// or 16). It panics if b is not a band size this package implements a
// backend for.
func NewAlignerWithBand(b int) *Aligner {
	if b != 8 && b != 16 {
		panic(fmt.Sprintf("pairhmm: unsupported band size %d (want 8 or 16)", b))
	}
	return &Aligner{b: b}
}

// BandSize returns the aligner's Vector Backend lane width B.
func (a *Aligner) BandSize() int { return a.b }

// validate enforces the shape invariant between truth, target and quality,
// panicking on a contract violation rather than returning a nominal-looking
// score.
func (a *Aligner) validate(truth, target []byte, quality []int8, p Params) {
	b := a.b
	if len(truth) <= b {
		panic(fmt.Sprintf("pairhmm: len(truth)=%d must be > band size %d", len(truth), b))
	}
	if len(truth) != len(target)+2*b-1 {
		panic(fmt.Sprintf("pairhmm: len(truth)=%d must equal len(target)+2*%d-1=%d",
			len(truth), b, len(target)+2*b-1))
	}
	if len(quality) != len(target) {
		panic(fmt.Sprintf("pairhmm: len(quality)=%d must equal len(target)=%d", len(quality), len(target)))
	}
	if l := p.GapOpen.length(); l >= 0 && l != len(truth) {
		panic(fmt.Sprintf("pairhmm: len(GapOpen)=%d must equal len(truth)=%d", l, len(truth)))
	}
	if l := p.GapExtend.length(); l >= 0 && l != len(truth) {
		panic(fmt.Sprintf("pairhmm: len(GapExtend)=%d must equal len(truth)=%d", l, len(truth)))
	}
	if p.NucPrior < 0 {
		panic("pairhmm: NucPrior must be non-negative")
	}
}

// ScoreOnly returns the minimum score of any global alignment of target
// against truth within the anti-diagonal band, without recovering the
// alignment itself. It is side-effect free; it allocates its O(len(truth))
// working rows and per-chunk lane temporaries on the heap.
//
// ScoreOnly panics if the inputs violate the shape invariant between truth,
// target and quality.
func (a *Aligner) ScoreOnly(truth, target []byte, quality []int8, p Params) int {
	a.validate(truth, target, quality, p)
	r := runBand(truth, target, quality, p, a.b, false)
	return int(r.score)
}

// AlignResult is the output of Aligner.ScoreAndAlign.
type AlignResult struct {
	// Score is the minimum alignment score, or -1 if the band could not
	// reach a valid alignment (score overflow).
	Score int
	// FirstPos is the 0-based offset in truth where the alignment begins,
	// or -1 if Score is -1.
	FirstPos interval.PosType
	// Truth and Query are the gapped alignment strings ('-' marks a gap),
	// both the same length, or empty if Score is -1.
	Truth, Query string
}

// ScoreAndAlign additionally recovers the gapped alignment of the covered
// truth and query substrings. It panics under the same conditions as
// ScoreOnly; a score overflow during reconstruction is reported through
// AlignResult, not a panic.
func (a *Aligner) ScoreAndAlign(truth, target []byte, quality []int8, p Params) AlignResult {
	a.validate(truth, target, quality, p)
	r := runBand(truth, target, quality, p, a.b, true)
	if !r.ok {
		return AlignResult{Score: -1, FirstPos: -1}
	}
	alignTruth, alignQuery, firstPos, ok := reconstruct(truth, target, r)
	if !ok {
		return AlignResult{Score: -1, FirstPos: -1}
	}
	return AlignResult{
		Score:    int(r.score),
		FirstPos: interval.PosType(firstPos),
		Truth:    string(alignTruth),
		Query:    string(alignQuery),
	}
}
