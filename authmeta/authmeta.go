// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

// Package authmeta encodes and checks username/password credentials carried
// in request or SETUP metadata.
package authmeta

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/linkdata/rmux"
)

// MimeType is the metadata MIME type for authentication metadata.
const MimeType = "message/x.rsocket.authentication.v0"

// AuthTypeSimple is the first byte of simple authentication metadata:
// the well-known type ID 0 with the high bit set.
const AuthTypeSimple = byte(0x80)

// ErrMalformed is returned when metadata does not decode as credentials.
var ErrMalformed = errors.New("malformed authentication metadata")

// ErrBadCredentials is returned when the username or password is wrong.
var ErrBadCredentials = errors.New("bad credentials")

// Credentials are a username and password, and the roles the holder is
// expected to have once authenticated.
type Credentials struct {
	Username string
	Password string
	Roles    []string
}

func (c Credentials) String() string {
	return fmt.Sprintf("[Credentials %s]", c.Username)
}

// Metadata returns the credentials encoded as simple authentication metadata.
func (c Credentials) Metadata() []byte {
	return EncodeSimple(c.Username, c.Password)
}

// Principal returns the Principal the credentials are expected to
// authenticate as. A requester uses it to authorize locally.
func (c Credentials) Principal() *rmux.Principal {
	return rmux.NewPrincipal(c.Username, c.Roles...)
}

// Payload returns a Payload with the given data and the credentials as metadata.
func (c Credentials) Payload(data []byte) rmux.Payload {
	return rmux.NewPayload(data, c.Metadata())
}

// EncodeSimple returns simple authentication metadata. The layout is the
// type byte, the username length as a big-endian uint16, the username and
// then the password.
func EncodeSimple(username, password string) []byte {
	if len(username) > 0xffff {
		username = username[:0xffff]
	}
	b := make([]byte, 0, 3+len(username)+len(password))
	b = append(b, AuthTypeSimple)
	b = binary.BigEndian.AppendUint16(b, uint16(len(username)))
	b = append(b, username...)
	b = append(b, password...)
	return b
}

// DecodeSimple decodes metadata produced by EncodeSimple.
func DecodeSimple(md []byte) (username, password string, err error) {
	if len(md) < 3 || md[0] != AuthTypeSimple {
		return "", "", errors.WithStack(ErrMalformed)
	}
	n := int(binary.BigEndian.Uint16(md[1:3]))
	if len(md) < 3+n {
		return "", "", errors.WithStack(ErrMalformed)
	}
	return string(md[3 : 3+n]), string(md[3+n:]), nil
}
