// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

// Package rmux implements a reactive exchange multiplexer.
package rmux

import "time"

const (
	// FrameHeaderSize is the number of bytes in a frame header.
	FrameHeaderSize = 8
	// FrameMaxPayloadSize is the maximum number of bytes in a frame payload.
	FrameMaxPayloadSize = 0xffff
	// FrameMaxSize is the largest buffer size allowed for a full frame.
	FrameMaxSize = FrameHeaderSize + FrameMaxPayloadSize
	// FrameDataPoolSizeInMB bounds the memory retained by the frame pool.
	FrameDataPoolSizeInMB = 64
	// MaxStreamID is the highest stream identifier a Muxer may allocate.
	MaxStreamID = StreamID(0x7fffffff)
	// MaxCredit is the largest credit a single REQUEST_N frame may carry.
	// Sending it means the demand is effectively unbounded.
	MaxCredit = 0x7fffffff
	// ProtocolVersion is sent in the SETUP frame.
	ProtocolVersion = "1.0"
	// DefaultInitialCredit is the credit granted when the caller doesn't choose one.
	DefaultInitialCredit = 256
	// DefaultDrainTimeout is how long a requester with outstanding demand
	// waits for the peer before failing the exchange.
	DefaultDrainTimeout = time.Second * 30
	// DefaultKeepaliveInterval is how often a Muxer sends KEEPALIVE frames.
	DefaultKeepaliveInterval = time.Second * 20
	// DefaultKeepaliveMissed is how many keepalive intervals may pass
	// without any inbound frame before the transport is considered dead.
	DefaultKeepaliveMissed = 3
)
