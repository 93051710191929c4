// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

import (
	"io"
	"net"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func Test_Payload_copies(t *testing.T) {
	data := []byte("data")
	md := []byte("md")
	p := NewPayload(data, md)
	data[0] = 'X'
	md[0] = 'X'
	assert.Equal(t, "data", p.DataString())
	assert.Equal(t, []byte("md"), p.Metadata())
	assert.True(t, p.HasMetadata())
	assert.Equal(t, 4+1+2, p.Size())
	assert.Equal(t, "[Payload 4+2 64617461]", p.String())

	c := p.Clone()
	assert.Equal(t, p, c)
}

func Test_Payload_no_metadata(t *testing.T) {
	p := PayloadString("hi")
	assert.False(t, p.HasMetadata())
	assert.Nil(t, p.Metadata())
	assert.Equal(t, 2, p.Size())
	assert.Equal(t, "[Payload 2 6869]", p.String())

	p = NewPayload(nil, []byte{})
	assert.True(t, p.HasMetadata())
	assert.Equal(t, 1, p.Size())
}

func Test_uvarintLen(t *testing.T) {
	assert.Equal(t, 1, uvarintLen(0))
	assert.Equal(t, 1, uvarintLen(0x7f))
	assert.Equal(t, 2, uvarintLen(0x80))
	assert.Equal(t, 3, uvarintLen(0x4000))
	fd := NewFrameDataID(1, FrameTypePayload)
	fd.WriteUint64(0x4000)
	assert.Equal(t, FrameHeaderSize+3, len(fd))
}

func Test_Errors_classify(t *testing.T) {
	assert.True(t, IsRouteNotFound(errors.WithStack(RouteNotFoundError{Route: "x"})))
	assert.True(t, IsRouteNotFound(&RemoteError{Code: ErrorCodeInvalid}))
	assert.False(t, IsRouteNotFound(&RemoteError{Code: ErrorCodeRejected}))
	assert.True(t, IsUnauthorized(errors.WithStack(UnauthorizedError{Route: "x"})))
	assert.True(t, IsUnauthorized(errors.WithStack(&RemoteError{Code: ErrorCodeRejected})))
	assert.True(t, IsCancelled(errors.WithStack(ErrCancelled)))
	assert.False(t, IsCancelled(ErrMuxerClosed))
	assert.True(t, IsTransportFailure(errors.WithStack(&TransportFailure{Err: io.EOF})))
	assert.False(t, IsTransportFailure(io.EOF))

	assert.True(t, isClosedError(io.EOF))
	assert.True(t, isClosedError(errors.WithStack(io.ErrClosedPipe)))
	assert.True(t, isClosedError(&net.OpError{Op: "read", Err: net.ErrClosed}))
	assert.False(t, isClosedError(ErrDrainTimeout))
}

func Test_Errors_text(t *testing.T) {
	assert.Equal(t, "REJECTED", ErrorCodeRejected.String())
	assert.Equal(t, "0x0999", ErrorCode(0x999).String())
	assert.Equal(t, `route not found: "x"`, RouteNotFoundError{Route: "x"}.Error())
	assert.Equal(t, `unauthorized: "x"`, UnauthorizedError{Route: "x"}.Error())
	assert.Equal(t, "invalid credit request: 0", InvalidCreditRequestError{}.Error())
	assert.Equal(t, "remote error APPLICATION_ERROR: boom", (&RemoteError{Code: ErrorCodeApplicationError, Message: "boom"}).Error())
	assert.Equal(t, "transport failure", (&TransportFailure{}).Error())
	assert.Equal(t, "transport failure: EOF", (&TransportFailure{Err: io.EOF}).Error())
	hf := &HandlerFailure{Route: "error", Err: io.ErrUnexpectedEOF}
	assert.Equal(t, io.ErrUnexpectedEOF, errors.Unwrap(hf))
	assert.Equal(t, "unexpected EOF", errorMessage(errors.WithStack(hf)))

	var ne net.Error
	assert.True(t, errors.As(ErrDrainTimeout, &ne))
	assert.True(t, ne.Timeout())
}
