// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

import (
	"encoding/binary"
	"fmt"
)

/*

FrameHeader is 64 bits:

* 32 bits big-endian stream ID, the high bit is reserved and must be zero
* 8 bits frame type
* 8 bits flags
* 16 bits big-endian Size value, the number of payload bytes following the header

Stream ID 0 is reserved for SETUP, KEEPALIVE and connection-level ERROR frames.

The flags are:

* Metadata - the payload starts with a varint metadata length and the metadata
* Complete - the sender's leg of the exchange is complete
* Next     - the frame carries an item (PAYLOAD frames only)
* Respond  - the receiver must answer (KEEPALIVE frames only)

*/
type FrameHeader []byte

// FrameFlag enumerates the flags used in the frame header.
type FrameFlag byte

const (
	// FrameFlagMetadata signals that the payload carries metadata.
	FrameFlagMetadata FrameFlag = 0x80
	// FrameFlagComplete signals the end of the sender's leg.
	FrameFlagComplete FrameFlag = 0x40
	// FrameFlagNext signals that a PAYLOAD frame carries an item.
	FrameFlagNext FrameFlag = 0x20
	// FrameFlagRespond asks for a KEEPALIVE in response.
	FrameFlagRespond FrameFlag = 0x10
	// FrameFlagMask is a byte mask of the defined flag bits.
	FrameFlagMask = byte(FrameFlagMetadata | FrameFlagComplete | FrameFlagNext | FrameFlagRespond)
)

func (ff FrameFlag) String() string {
	b := []byte("....")
	if ff&FrameFlagMetadata != 0 {
		b[0] = 'M'
	}
	if ff&FrameFlagComplete != 0 {
		b[1] = 'C'
	}
	if ff&FrameFlagNext != 0 {
		b[2] = 'N'
	}
	if ff&FrameFlagRespond != 0 {
		b[3] = 'R'
	}
	return string(b)
}

func (fh FrameHeader) String() string {
	return fmt.Sprintf("[FrameHeader %v %v %v %d (%d)]", fh.StreamID(), fh.Type(), fh.Flags(), fh.SizeValue(), len(fh))
}

// StreamID returns the stream ID of the frame.
func (fh FrameHeader) StreamID() StreamID {
	return StreamID(binary.BigEndian.Uint32(fh[0:4]))
}

// SetStreamID sets the stream ID.
func (fh FrameHeader) SetStreamID(id StreamID) {
	if id > MaxStreamID {
		panic("SetStreamID(): id > MaxStreamID")
	}
	binary.BigEndian.PutUint32(fh[0:4], uint32(id))
}

// Type returns the frame type.
func (fh FrameHeader) Type() FrameType {
	return FrameType(fh[4])
}

// SetType sets the frame type.
func (fh FrameHeader) SetType(ft FrameType) {
	fh[4] = byte(ft)
}

// Flags returns the flag bits.
func (fh FrameHeader) Flags() FrameFlag {
	return FrameFlag(fh[5])
}

// HasFlag returns true if all bits in ff are set.
func (fh FrameHeader) HasFlag(ff FrameFlag) bool {
	return FrameFlag(fh[5])&ff == ff
}

// SetFlag sets the bits in ff.
func (fh FrameHeader) SetFlag(ff FrameFlag) {
	fh[5] |= byte(ff)
}

// HasMetadata returns true if the Metadata flag is set.
func (fh FrameHeader) HasMetadata() bool {
	return fh.HasFlag(FrameFlagMetadata)
}

// HasComplete returns true if the Complete flag is set.
func (fh FrameHeader) HasComplete() bool {
	return fh.HasFlag(FrameFlagComplete)
}

// HasNext returns true if the Next flag is set.
func (fh FrameHeader) HasNext() bool {
	return fh.HasFlag(FrameFlagNext)
}

// HasRespond returns true if the Respond flag is set.
func (fh FrameHeader) HasRespond() bool {
	return fh.HasFlag(FrameFlagRespond)
}

// SizeValue returns the Size value of the frame.
func (fh FrameHeader) SizeValue() int {
	return int(binary.BigEndian.Uint16(fh[6:8]))
}

// SetSizeValue sets the Size value of the header.
func (fh FrameHeader) SetSizeValue(n int) {
	binary.BigEndian.PutUint16(fh[6:8], uint16(n))
}

// HasPayload returns true if the frame has payload bytes.
func (fh FrameHeader) HasPayload() bool {
	return fh.SizeValue() > 0
}

// IsConnControl returns true if the frame is addressed to the connection
// rather than an exchange.
func (fh FrameHeader) IsConnControl() bool {
	return fh.StreamID() == 0
}

// Clear zeroes out the frameheader bytes.
func (fh FrameHeader) Clear() {
	for i := 0; i < FrameHeaderSize; i++ {
		fh[i] = 0
	}
}

// ClearID zeroes out the frameheader bytes and sets the stream ID and type.
func (fh FrameHeader) ClearID(id StreamID, ft FrameType) {
	fh.Clear()
	fh.SetStreamID(id)
	fh.SetType(ft)
}

// AppendFrameHeader appends a header for the given stream and type to b.
func AppendFrameHeader(b []byte, id StreamID, ft FrameType) []byte {
	b = append(b, make([]byte, FrameHeaderSize)...)
	FrameHeader(b[len(b)-FrameHeaderSize:]).ClearID(id, ft)
	return b
}
