// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

// Provides a buffer of allocated but unused FrameData.
var frameDataPool chan FrameData

func init() {
	frameDataPool = make(chan FrameData, (FrameDataPoolSizeInMB*1024*1024)/FrameMaxSize)
}

// FrameDataAlloc allocates an empty FrameData, without a FrameHeader.
func FrameDataAlloc() FrameData {
	select {
	case fd := <-frameDataPool:
		fd.Clear()
		return fd
	default:
		return NewFrameData()
	}
}

// FrameDataAllocID allocates a FrameData with a FrameHeader for the given stream and type.
func FrameDataAllocID(id StreamID, ft FrameType) FrameData {
	select {
	case fd := <-frameDataPool:
		fd.ClearID(id, ft)
		return fd
	default:
		return NewFrameDataID(id, ft)
	}
}

// FrameDataFree releases a FrameData. Buffers that grew beyond
// FrameMaxSize are not retained.
func FrameDataFree(fd FrameData) {
	if fd != nil && cap(fd) == FrameMaxSize {
		select {
		case frameDataPool <- fd:
		default:
		}
	}
}
