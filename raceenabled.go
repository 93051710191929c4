// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build race

package rmux

func init() {
	// race detector can only handle max of 8192 goroutines,
	// stress tests scale down their concurrent exchanges.
	raceEnabled = true
}
