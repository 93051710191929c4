// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

// sanity check the configuration
func init() {
	if FrameMaxSize < FrameHeaderSize+60 {
		panic("FrameMaxSize < FrameHeaderSize+60")
	}
	if FrameMaxSize > FrameHeaderSize+0xffff {
		panic("FrameMaxSize > FrameHeaderSize+0xffff")
	}
	if DefaultInitialCredit < 1 || DefaultInitialCredit > MaxCredit {
		panic("DefaultInitialCredit out of range")
	}
	if MaxStreamID > 0x7fffffff {
		panic("MaxStreamID > 0x7fffffff")
	}
	if DefaultKeepaliveMissed < 1 {
		panic("DefaultKeepaliveMissed < 1")
	}
	if cap(frameDataPool) < 1 {
		panic("frameDataPool has no capacity")
	}
}
