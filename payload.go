// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

import (
	"encoding/hex"
	"fmt"
)

// Payload is an immutable unit of data and optional metadata exchanged in
// either direction. The byte slices returned by Data and Metadata must not
// be modified; use Clone to retain a private copy.
type Payload struct {
	data     []byte
	metadata []byte // nil means no metadata
}

// NewPayload returns a Payload holding copies of data and metadata.
// A nil metadata means the Payload carries no metadata.
func NewPayload(data, metadata []byte) Payload {
	p := Payload{data: append([]byte(nil), data...)}
	if metadata != nil {
		p.metadata = append(make([]byte, 0, len(metadata)), metadata...)
	}
	return p
}

// PayloadString returns a Payload with the given data and no metadata.
func PayloadString(data string) Payload {
	return Payload{data: []byte(data)}
}

// Data returns the data bytes.
func (p Payload) Data() []byte {
	return p.data
}

// DataString returns the data bytes as a string.
func (p Payload) DataString() string {
	return string(p.data)
}

// Metadata returns the metadata bytes, or nil if there are none.
func (p Payload) Metadata() []byte {
	return p.metadata
}

// HasMetadata returns true if the Payload carries metadata, even if empty.
func (p Payload) HasMetadata() bool {
	return p.metadata != nil
}

// Clone returns a deep copy of the Payload.
func (p Payload) Clone() Payload {
	return NewPayload(p.data, p.metadata)
}

// Size returns the number of bytes the Payload needs in a frame.
func (p Payload) Size() (n int) {
	n = len(p.data)
	if p.metadata != nil {
		n += uvarintLen(uint64(len(p.metadata))) + len(p.metadata)
	}
	return
}

func (p Payload) String() string {
	data := p.data
	suffix := ""
	if len(data) > 32 {
		data = data[:32]
		suffix = "..."
	}
	if p.metadata == nil {
		return fmt.Sprintf("[Payload %d %s%s]", len(p.data), hex.EncodeToString(data), suffix)
	}
	return fmt.Sprintf("[Payload %d+%d %s%s]", len(p.data), len(p.metadata), hex.EncodeToString(data), suffix)
}

func uvarintLen(x uint64) (n int) {
	for n = 1; x >= 0x80; n++ {
		x >>= 7
	}
	return
}
