// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// +build !amd64 appengine

package pairhmm

// defaultLaneWidth is the Vector Backend's lane count B on platforms with no
// wider backend available. Only the portable 8-lane backend is offered here;
// it runs the same scalar Go arithmetic as the amd64 16-lane backend.
var defaultLaneWidth = 8

// AvailableBackends reports the lane widths (B) this process can select
// between, widest first.
func AvailableBackends() []int {
	return []int{8}
}
