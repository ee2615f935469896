// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pairhmm

// predecessors records, for one DP cell, which state (TagMatch, TagInsert or
// TagDelete) produced the winning M, I and D value respectively. This is a
// logical back-pointer table kept as a plain 2D array rather than a literal
// reinterpreted vector buffer; observable behaviour is identical either way.
type predecessors struct {
	m, i, d int16
}

// bandResult is everything the Public Aligner needs from one run of the Band
// Engine: the best (lowest) score, the truth column it was attained at, and
// -- in alignment mode -- the full back-pointer table for the Reconstructor
// to walk.
type bandResult struct {
	score   int16 // true score units, not packed
	col     int   // truth column (0-based count of truth bases consumed)
	ok      bool
	tags    [][]predecessors // tags[i][j], nil unless alignment was requested
	nTarget int
	nTruth  int
}

// min3 and min2 are the scalar equivalent of the Vector Backend's min() used
// directly on packed codec words: because every operand already self-
// identifies with its own canonical tag in its low two bits (codec.go), a
// plain integer minimum of packed words both picks the lowest true score and
// -- on a tie -- prefers the operand with the smaller tag.
func min3(a, b, c int16) int16 {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

func min2(a, b int16) int16 {
	if a < b {
		return a
	}
	return b
}

// computeEmissionChunk returns the emission penalty against one B-wide,
// reverse-ordered window of truth positions (lane k holding the penalty for
// truthWin's lane k, i.e. column j = lo+b-1-k): 0 on a match, otherwise
// min(quality, TnQ), where TnQ caps the penalty at nScore when the truth base
// is N. This has no intra-row recurrence dependency, so it runs as a single
// batch through the Vector Backend rather than cell-by-cell.
func computeEmissionChunk(b int, targetBase, quality int16, truthWin lanes, nScore int16) lanes {
	tbV := broadcast(b, targetBase)
	qV := broadcast(b, quality)
	eq := cmpEq(tbV, truthWin)
	tnq := newLanes(b)
	for k := 0; k < b; k++ {
		if truthWin.extract(k) == int16('N') {
			tnq = tnq.insert(k, nScore)
		} else {
			tnq = tnq.insert(k, Infinity)
		}
	}
	return minLanes(andNot(eq, qV), tnq)
}

// runBand executes the banded affine-gap recurrence over the full
// caller-supplied truth window, which the shape invariant already sizes to
// exactly the band a literal antidiagonal sweep would visit (DESIGN.md Open
// Question 2). wantAlign controls whether the back-pointer table is retained
// for a later Reconstructor walk.
//
// Each row is swept in B-wide chunks through the Vector Backend: the M
// three-way min and its emission add, and the I extend/open candidates, have
// no intra-row dependency and are computed a full chunk at a time in packed
// codec form (DESIGN.md Open Question 2). D's extend candidate is a true
// intra-row chain (curD[j] depends on curD[j-1] of the SAME row) and is
// walked scalar within the chunk, the same "lazy" correction every striped
// affine-gap SIMD scheme (e.g. Farrar's striped Smith-Waterman) carries; only
// its openD candidate -- built from this row's just-computed M/I chunk still
// live in registers -- is produced by the Vector Backend, via a one-lane
// shiftLeftBytes that turns "column j-1" into "column j" without a memory
// round trip.
func runBand(truth, target []byte, quality []int8, p Params, b int, wantAlign bool) bandResult {
	n := len(target)
	m := len(truth)

	// Truth, the per-position gap vectors and the DP rows are all padded out
	// to a whole number of B-wide chunks so every chunk -- including the
	// last -- has exactly B lanes; padding columns (j>m) are computed but
	// never read back by the bestScore scan or the Reconstructor.
	mPadded := ((m + b - 1) / b) * b
	size := mPadded + 1 + b

	prevM := make([]int16, size)
	prevI := make([]int16, size)
	prevD := make([]int16, size)
	curM := make([]int16, size)
	curI := make([]int16, size)
	curD := make([]int16, size)

	for j := 0; j < size; j++ {
		prevM[j] = packScore(0, TagMatch)
		prevI[j] = Infinity | TagInsert
		prevD[j] = Infinity | TagDelete
	}

	truthPadded := make([]int16, size)
	for j := 0; j < m; j++ {
		truthPadded[j] = int16(truth[j])
	}

	gOArr := make([]int16, size)
	gEArr := make([]int16, size)
	for idx := 0; idx < size; idx++ {
		gOArr[idx] = p.GapOpen.at(idx)
		gEArr[idx] = p.GapExtend.at(idx)
	}

	var tags [][]predecessors
	if wantAlign {
		tags = make([][]predecessors, n+1)
		for i := range tags {
			tags[i] = make([]predecessors, mPadded+1)
		}
	}

	tagMaskVec := broadcast(b, tagMask)
	tagInsertVec := broadcast(b, TagInsert)
	numChunks := mPadded / b

	for i := 1; i <= n; i++ {
		curM[0] = Infinity | TagMatch
		curD[0] = Infinity | TagDelete
		{
			extend := packScore(scoreOf(prevI[0])+gEArr[0], TagInsert)
			open := packScore(scoreOf(prevM[0])+gOArr[0], TagMatch)
			winner := min2(extend, open)
			curI[0] = packScore(scoreOf(winner)+p.NucPrior, TagInsert)
			if wantAlign {
				tags[i][0] = predecessors{m: TagMatch, i: tagOf(winner), d: TagDelete}
			}
		}

		targetBase := int16(target[i-1])
		qual := int16(quality[i-1])
		nucPriorPacked := shiftLeftBits(broadcast(b, p.NucPrior), 2)

		for c := 0; c < numChunks; c++ {
			lo := c*b + 1

			a := loadReverse(b, prevM[lo-1:lo-1+b])
			ib := loadReverse(b, prevI[lo-1:lo-1+b])
			d := loadReverse(b, prevD[lo-1:lo-1+b])
			pm := loadReverse(b, prevM[lo:lo+b])
			pi := loadReverse(b, prevI[lo:lo+b])
			truthWin := loadReverse(b, truthPadded[lo-1:lo-1+b])

			emission := computeEmissionChunk(b, targetBase, qual, truthWin, p.NScore)
			mWinner := minLanes(minLanes(a, ib), d)
			curMChunk := add(andNot(tagMaskVec, mWinner), shiftLeftBits(emission, 2))

			gOChunk := loadReverseShifted(b, gOArr[lo:lo+b], 2)
			gEChunk := loadReverseShifted(b, gEArr[lo:lo+b], 2)
			extendI := or(add(andNot(tagMaskVec, pi), gEChunk), tagInsertVec)
			openI := add(andNot(tagMaskVec, pm), gOChunk)
			iWinner := minLanes(extendI, openI)
			curIChunk := or(add(andNot(tagMaskVec, iWinner), nucPriorPacked), tagInsertVec)

			for k := 0; k < b; k++ {
				j := lo + b - 1 - k
				curM[j] = curMChunk.extract(k)
				curI[j] = curIChunk.extract(k)
			}

			// openD[t] needs column j-1 of this row's own M/I chunk, still
			// live here: in the reversed-lane layout that is lane k+1 of the
			// chunk just built, i.e. a one-lane shiftLeftBytes, with the
			// vacated last lane filled from the cross-chunk boundary value
			// already flushed to memory by the previous chunk (or by the
			// column-0 handling above, for the first chunk).
			mShifted := or(shiftLeftBytes(curMChunk, 2), zeroWithLast(b, curM[lo-1]))
			iShifted := or(shiftLeftBytes(curIChunk, 2), zeroWithLast(b, curI[lo-1]))
			openDChunk := minLanes(mShifted, iShifted)

			for t := 0; t < b; t++ {
				j := lo + t
				k := b - 1 - t
				gDel := j - 1
				od := openDChunk.extract(k)
				extendDCandidate := packScore(scoreOf(curD[j-1])+gEArr[gDel], TagDelete)
				openDCandidate := packScore(scoreOf(od)+gOArr[gDel], tagOf(od))
				dWinner := min2(extendDCandidate, openDCandidate)
				curD[j] = packScore(scoreOf(dWinner), TagDelete)

				if wantAlign {
					tags[i][j] = predecessors{
						m: tagOf(mWinner.extract(k)),
						i: tagOf(iWinner.extract(k)),
						d: tagOf(dWinner),
					}
				}
			}
		}

		prevM, curM = curM, prevM
		prevI, curI = curI, prevI
		prevD, curD = curD, prevD
	}

	bestCol := 0
	bestScore := scoreOf(prevM[0])
	for j := 1; j <= m; j++ {
		if s := scoreOf(prevM[j]); s < bestScore {
			bestScore = s
			bestCol = j
		}
	}

	return bandResult{
		score:   bestScore,
		col:     bestCol,
		ok:      bestScore < Infinity>>2,
		tags:    tags,
		nTarget: n,
		nTruth:  m,
	}
}
