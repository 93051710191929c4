// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

import "fmt"

// StreamID identifies an exchange within a Muxer. Stream zero is used for
// connection-level frames.
type StreamID uint32

func (id StreamID) String() string {
	return fmt.Sprintf("[ID %08x]", uint32(id))
}

// FrameType enumerates the frame types.
type FrameType byte

const (
	// FrameTypeSetup is the first frame a client sends on stream 0.
	FrameTypeSetup FrameType = 0x01
	// FrameTypeKeepalive is a liveness probe on stream 0.
	FrameTypeKeepalive FrameType = 0x03
	// FrameTypeRequestResponse opens a request-response exchange.
	FrameTypeRequestResponse FrameType = 0x04
	// FrameTypeRequestStream opens a request-stream exchange.
	FrameTypeRequestStream FrameType = 0x06
	// FrameTypeRequestChannel opens a request-channel exchange.
	FrameTypeRequestChannel FrameType = 0x07
	// FrameTypeRequestN grants the receiver more credit.
	FrameTypeRequestN FrameType = 0x08
	// FrameTypeCancel terminates an exchange from the requester side.
	FrameTypeCancel FrameType = 0x09
	// FrameTypePayload carries an item and/or completion.
	FrameTypePayload FrameType = 0x0a
	// FrameTypeError terminates an exchange, or the connection if on stream 0.
	FrameTypeError FrameType = 0x0b
)

var frameTypeTexts = map[FrameType]string{
	FrameTypeSetup:           "SETUP",
	FrameTypeKeepalive:       "KEEPALIVE",
	FrameTypeRequestResponse: "REQUEST_RESPONSE",
	FrameTypeRequestStream:   "REQUEST_STREAM",
	FrameTypeRequestChannel:  "REQUEST_CHANNEL",
	FrameTypeRequestN:        "REQUEST_N",
	FrameTypeCancel:          "CANCEL",
	FrameTypePayload:         "PAYLOAD",
	FrameTypeError:           "ERROR",
}

func (ft FrameType) String() string {
	if s, ok := frameTypeTexts[ft]; ok {
		return s
	}
	return fmt.Sprintf("FrameType(0x%02x)", byte(ft))
}

// IsRequest returns true if the frame type opens an exchange.
func (ft FrameType) IsRequest() bool {
	return ft == FrameTypeRequestResponse || ft == FrameTypeRequestStream || ft == FrameTypeRequestChannel
}

// Model returns the InteractionModel a request frame type opens, or zero.
func (ft FrameType) Model() InteractionModel {
	switch ft {
	case FrameTypeRequestResponse:
		return RequestResponse
	case FrameTypeRequestStream:
		return RequestStream
	case FrameTypeRequestChannel:
		return RequestChannel
	}
	return 0
}

func requestFrameType(m InteractionModel) FrameType {
	switch m {
	case RequestResponse:
		return FrameTypeRequestResponse
	case RequestStream:
		return FrameTypeRequestStream
	case RequestChannel:
		return FrameTypeRequestChannel
	}
	panic(fmt.Sprintf("rmux: no request frame type for %v", m))
}
