// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// +build amd64,!appengine

package pairhmm

import "golang.org/x/sys/cpu"

// defaultLaneWidth is the Vector Backend's lane count B, selected once at
// process startup. 16 lanes (a 256-bit AVX2-width register) are used when
// available; otherwise the portable 8-lane (128-bit-width) backend is used.
// Both widths run identical scalar Go arithmetic (vector.go) and are
// therefore bit-identical to each other's scores for the same B.
var defaultLaneWidth = 8

func init() {
	if cpu.X86.HasAVX2 {
		defaultLaneWidth = 16
	}
}

// AvailableBackends reports the lane widths (B) this process can select
// between, widest first.
func AvailableBackends() []int {
	if cpu.X86.HasAVX2 {
		return []int{16, 8}
	}
	return []int{8}
}
