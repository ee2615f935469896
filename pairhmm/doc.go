// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package pairhmm implements a banded pair Hidden Markov Model aligner for
// scoring, and optionally tracing back, the alignment of a short target
// sequence (a sequencing read) against a longer truth sequence (a candidate
// haplotype) under a position-dependent affine-gap error model.
//
// Each call allocates its own working rows and lane temporaries on the heap,
// plus a back-pointer table in alignment mode; score-only mode is not
// allocation-free. A call never blocks and touches no shared mutable state,
// so an Aligner value may be shared across goroutines once constructed.
//
// See base/simd/doc.go for the general design this package's lane
// abstraction borrows from.
package pairhmm
