// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// FrameParser implements reading frame payload from a byte slice.
// All read methods return ErrFrameMalformed if the data is truncated.
type FrameParser []byte

// NewFrameParser returns a FrameParser from a FrameData
func NewFrameParser(fd FrameData) FrameParser {
	return fd.Payload()
}

func (fp FrameParser) String() string {
	switch {
	case len(fp) < 1:
		return "[FrameParser 0]"
	case len(fp) < 32:
		return fmt.Sprintf("[FrameParser %v %v]", len(fp), hex.EncodeToString(fp))
	default:
		return fmt.Sprintf("[FrameParser %v %v...]", len(fp), hex.EncodeToString(fp[:32]))
	}
}

func malformed(what string) error {
	return errors.Wrap(ErrFrameMalformed, what)
}

// ReadUint64 reads an uint64
func (fp *FrameParser) ReadUint64() (x uint64, err error) {
	var s uint
	for i, b := range *fp {
		if b < 0x80 {
			if i > 9 || i == 9 && b > 1 {
				return 0, malformed("uint64 overflow")
			}
			*fp = (*fp)[i+1:]
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, malformed("unterminated uint64")
}

// ReadInt64 reads an int64
func (fp *FrameParser) ReadInt64() (x int64, err error) {
	var ux uint64
	if ux, err = fp.ReadUint64(); err == nil {
		x = int64(ux >> 1)
		if (ux & 1) != 0 {
			x = ^x
		}
	}
	return
}

// ReadLen reads a length value
func (fp *FrameParser) ReadLen() (n int, err error) {
	if len(*fp) < 1 {
		return 0, malformed("missing length")
	}
	n = int((*fp)[0])
	if n < 0x80 {
		(*fp) = (*fp)[1:]
		return
	}
	if len(*fp) < 2 {
		return 0, malformed("truncated length")
	}
	n = (n&0x7f)<<8 | int((*fp)[1])
	(*fp) = (*fp)[2:]
	return
}

// ReadString reads a length-prefixed string
func (fp *FrameParser) ReadString() (s string, err error) {
	var n int
	if n, err = fp.ReadLen(); err == nil {
		if n > len(*fp) {
			return "", malformed("truncated string")
		}
		s = string((*fp)[:n])
		(*fp) = (*fp)[n:]
	}
	return
}

// ReadPayload consumes the rest of the frame as a Payload. The bytes are
// copied, so the Payload remains valid after the frame is freed.
func (fp *FrameParser) ReadPayload(hasMetadata bool) (p Payload, err error) {
	var md []byte
	if hasMetadata {
		var n uint64
		if n, err = fp.ReadUint64(); err != nil {
			return
		}
		if n > uint64(len(*fp)) {
			return p, malformed("truncated metadata")
		}
		md = (*fp)[:n]
		(*fp) = (*fp)[n:]
	}
	p = NewPayload(*fp, md)
	(*fp) = (*fp)[len(*fp):]
	return
}

// ReadRequest reads the body of a request frame of type ft.
func (fp *FrameParser) ReadRequest(ft FrameType, hasMetadata bool) (initialN uint32, route string, p Payload, err error) {
	if ft != FrameTypeRequestResponse {
		var n uint64
		if n, err = fp.ReadUint64(); err != nil {
			return
		}
		if n > MaxCredit {
			n = MaxCredit
		}
		initialN = uint32(n)
	}
	if route, err = fp.ReadString(); err == nil {
		p, err = fp.ReadPayload(hasMetadata)
	}
	return
}

// ReadRequestN reads the body of a REQUEST_N frame.
func (fp *FrameParser) ReadRequestN() (n uint32, err error) {
	var x uint64
	if x, err = fp.ReadUint64(); err == nil {
		if x > MaxCredit {
			x = MaxCredit
		}
		n = uint32(x)
	}
	return
}

// ReadError reads the body of an ERROR frame.
func (fp *FrameParser) ReadError() (rerr *RemoteError, err error) {
	var code uint64
	if code, err = fp.ReadUint64(); err != nil {
		return
	}
	var msg string
	if msg, err = fp.ReadString(); err != nil {
		return
	}
	return &RemoteError{Code: ErrorCode(code), Message: msg}, nil
}

// ReadSetup reads the body of a SETUP frame.
func (fp *FrameParser) ReadSetup(hasMetadata bool) (info *SetupInfo, err error) {
	info = &SetupInfo{}
	if info.Version, err = fp.ReadString(); err != nil {
		return nil, err
	}
	var ms uint64
	if ms, err = fp.ReadUint64(); err != nil {
		return nil, err
	}
	info.KeepaliveInterval = time.Duration(ms) * time.Millisecond
	if info.DataMimeType, err = fp.ReadString(); err != nil {
		return nil, err
	}
	if info.MetadataMimeType, err = fp.ReadString(); err != nil {
		return nil, err
	}
	if info.Payload, err = fp.ReadPayload(hasMetadata); err != nil {
		return nil, err
	}
	return
}
