// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pairhmm

// reconstruct walks a bandResult's back-pointer table backwards from its
// best-scoring cell to recover a gapped alignment. It returns the gapped
// truth and query strings and the 0-based truth offset the alignment begins
// at, or ok=false if the table is internally inconsistent (an out-of-range
// row/column at any step, treated as a symptom of score overflow).
func reconstruct(truth, target []byte, r bandResult) (alignTruth, alignQuery []byte, firstPos int, ok bool) {
	if !r.ok {
		return nil, nil, -1, false
	}

	i, j := r.nTarget, r.col
	state := TagMatch

	var truthRunes, queryRunes []byte
	for i > 0 {
		if i < 0 || i > r.nTarget || j < 0 || j > r.nTruth {
			return nil, nil, -1, false
		}
		cell := r.tags[i][j]
		switch state {
		case TagMatch:
			if j == 0 {
				return nil, nil, -1, false
			}
			truthRunes = append(truthRunes, truth[j-1])
			queryRunes = append(queryRunes, target[i-1])
			state = cell.m
			i--
			j--
		case TagInsert:
			truthRunes = append(truthRunes, '-')
			queryRunes = append(queryRunes, target[i-1])
			state = cell.i
			i--
		case TagDelete:
			if j == 0 {
				return nil, nil, -1, false
			}
			truthRunes = append(truthRunes, truth[j-1])
			queryRunes = append(queryRunes, '-')
			state = cell.d
			j--
		default:
			return nil, nil, -1, false
		}
	}

	reverseBytes(truthRunes)
	reverseBytes(queryRunes)
	return truthRunes, queryRunes, j, true
}

func reverseBytes(b []byte) {
	for l, r := 0, len(b)-1; l < r; l, r = l+1, r-1 {
		b[l], b[r] = b[r], b[l]
	}
}
