// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

var (
	// ErrLengthNegative is returned for strings with negative length.
	ErrLengthNegative = errors.New("length negative")
	// ErrLengthOverflow is returned for strings longer than 32K.
	ErrLengthOverflow = errors.New("length overflow")
)

// FrameData is a byte array used as a network data frame.
type FrameData []byte

// NewFrameData allocates a new FrameData.
func NewFrameData() FrameData {
	return FrameData(make([]byte, 0, FrameMaxSize))
}

// NewFrameDataID allocates a new FrameData with a header for the given stream and type.
func NewFrameDataID(id StreamID, ft FrameType) (fd FrameData) {
	fd = NewFrameData()
	fd.WriteHeader(id, ft)
	return
}

// Clear removes everything in a frame
func (fd *FrameData) Clear() {
	*fd = (*fd)[:0]
}

// ClearID removes everything in a frame and writes a new header.
func (fd *FrameData) ClearID(id StreamID, ft FrameType) {
	fd.WriteHeader(id, ft)
}

func (fd FrameData) String() string {
	if len(fd) < FrameHeaderSize {
		return fmt.Sprintf("[FrameData (%d)]", len(fd))
	}
	var contents string
	if len(fd) > FrameHeaderSize+32 {
		contents = hex.EncodeToString(fd[FrameHeaderSize:FrameHeaderSize+32]) + "..."
	} else {
		contents = hex.EncodeToString(fd[FrameHeaderSize:])
	}
	return fmt.Sprintf("[FrameData %v %v]", fd.Header(), contents)
}

// Header returns the FrameHeader part of a FrameData.
func (fd FrameData) Header() FrameHeader {
	return FrameHeader(fd[:FrameHeaderSize])
}

// Payload returns the payload of a FrameData as a byte slice.
func (fd FrameData) Payload() []byte {
	return fd[FrameHeaderSize:]
}

// Available returns number of free bytes in the FrameData.
func (fd FrameData) Available() int {
	return FrameMaxSize - len(fd)
}

// Write implements io.Writer for FrameData.
func (fd *FrameData) Write(p []byte) (n int, err error) {
	*fd = append(*fd, p...)
	return len(p), nil
}

// WriteHeader initializes the frame header.
func (fd *FrameData) WriteHeader(id StreamID, ft FrameType) {
	*fd = AppendFrameHeader((*fd)[:0], id, ft)
}

// WriteUint64 writes an uint64 to a FrameData using a portable encoding.
func (fd *FrameData) WriteUint64(x uint64) {
	for x >= 0x80 {
		*fd = append(*fd, byte(x)|0x80)
		x >>= 7
	}
	*fd = append(*fd, byte(x))
}

// WriteInt64 writes an int64 to a FrameData using a portable encoding.
func (fd *FrameData) WriteInt64(x int64) {
	ux := uint64(x) << 1
	if x < 0 {
		ux = ^ux
	}
	fd.WriteUint64(ux)
}

// WriteLen writes a nonnegative integer less than 0x8000 to a FrameData
// using a portable encoding.
func (fd *FrameData) WriteLen(x int) error {
	switch {
	case x < 0:
		return ErrLengthNegative
	case x < 0x80:
		*fd = append(*fd, byte(x))
	case x <= 0x7fff:
		*fd = append(*fd, byte(x>>8)|0x80, byte(x))
	default:
		return ErrLengthOverflow
	}
	return nil
}

// WriteString writes a string to a FrameData. The string must be
// less than 0x8000 bytes long.
func (fd *FrameData) WriteString(s string) (err error) {
	if err = fd.WriteLen(len(s)); err == nil {
		*fd = append(*fd, s...)
	}
	return
}

// WriteByte appends a single byte.
func (fd *FrameData) WriteByte(b byte) error {
	*fd = append(*fd, b)
	return nil
}

// WritePayload writes p as the remainder of the frame, setting the
// Metadata flag if p carries metadata.
func (fd *FrameData) WritePayload(p Payload) error {
	if p.HasMetadata() {
		fd.Header().SetFlag(FrameFlagMetadata)
		fd.WriteUint64(uint64(len(p.metadata)))
		*fd = append(*fd, p.metadata...)
	}
	*fd = append(*fd, p.data...)
	return fd.checkSize()
}

func (fd FrameData) checkSize() error {
	if len(fd) > FrameMaxSize {
		return errors.WithStack(ErrFrameTooBig)
	}
	return nil
}

// ReadFrom reads a complete FrameData from an io.Reader.
// Implements io.ReaderFrom interface for FrameData.
func (fd *FrameData) ReadFrom(r io.Reader) (n int64, err error) {
	var num int
	if cap(*fd) < FrameMaxSize {
		*fd = make([]byte, 0, FrameMaxSize)
	}
	if len(*fd) < FrameHeaderSize {
		num, err = io.ReadFull(r, (*fd)[len(*fd):FrameHeaderSize])
		*fd = (*fd)[:len(*fd)+num]
		n = int64(num)
		if len(*fd) < FrameHeaderSize {
			return
		}
	}
	if err == nil && fd.Header().HasPayload() {
		num, err = io.ReadFull(r, (*fd)[len(*fd):FrameHeaderSize+fd.Header().SizeValue()])
		*fd = (*fd)[:len(*fd)+num]
		n += int64(num)
	}
	return
}

// WriteTo implements io.WriterTo for FrameData.
func (fd FrameData) WriteTo(w io.Writer) (int64, error) {
	if len(fd) < FrameHeaderSize {
		panic("FrameData.WriteTo(): frame has incomplete header")
	}
	payloadLength := len(fd) - FrameHeaderSize
	if payloadLength > FrameMaxPayloadSize {
		return 0, errors.WithStack(ErrFrameTooBig)
	}
	fd.Header().SetSizeValue(payloadLength)
	n := 0
	for n < len(fd) {
		m, err := w.Write(fd[n:])
		n += m
		if err != nil {
			return int64(n), err
		}
	}
	return int64(n), nil
}

// WriteRequest writes the body of a request frame. The header type must
// already be one of the request frame types.
func (fd *FrameData) WriteRequest(initialN uint32, route string, p Payload) error {
	if fd.Header().Type() != FrameTypeRequestResponse {
		fd.WriteUint64(uint64(initialN))
	}
	if err := fd.WriteString(route); err != nil {
		return errors.WithStack(err)
	}
	return fd.WritePayload(p)
}

// WriteNext writes a PAYLOAD frame body carrying p.
func (fd *FrameData) WriteNext(p Payload, complete bool) error {
	fd.Header().SetFlag(FrameFlagNext)
	if complete {
		fd.Header().SetFlag(FrameFlagComplete)
	}
	return fd.WritePayload(p)
}

// WriteRequestN writes a REQUEST_N frame body.
func (fd *FrameData) WriteRequestN(n uint32) {
	fd.WriteUint64(uint64(n))
}

// WriteError writes an ERROR frame body. Messages too long for a
// frame are truncated.
func (fd *FrameData) WriteError(code ErrorCode, msg string) {
	fd.WriteUint64(uint64(code))
	if len(msg) > 0x7fff {
		msg = msg[:0x7fff]
	}
	fd.WriteString(msg)
}

// WriteSetup writes a SETUP frame body.
func (fd *FrameData) WriteSetup(info *SetupInfo) error {
	if err := fd.WriteString(info.Version); err != nil {
		return errors.WithStack(err)
	}
	fd.WriteUint64(uint64(info.KeepaliveInterval.Milliseconds()))
	if err := fd.WriteString(info.DataMimeType); err != nil {
		return errors.WithStack(err)
	}
	if err := fd.WriteString(info.MetadataMimeType); err != nil {
		return errors.WithStack(err)
	}
	return fd.WritePayload(info.Payload)
}
