// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

import (
	"fmt"
	"time"
)

// SetupInfo is the content of the SETUP frame a client sends first on a
// new connection.
type SetupInfo struct {
	Version           string
	KeepaliveInterval time.Duration
	DataMimeType      string
	MetadataMimeType  string
	Payload           Payload // the metadata may carry connection credentials
}

// DefaultSetupInfo returns the SetupInfo a client Muxer sends if none is given.
func DefaultSetupInfo() *SetupInfo {
	return &SetupInfo{
		Version:           ProtocolVersion,
		KeepaliveInterval: DefaultKeepaliveInterval,
		DataMimeType:      "application/json",
		MetadataMimeType:  "message/x.rsocket.authentication.v0",
	}
}

func (info *SetupInfo) String() string {
	return fmt.Sprintf("[SetupInfo %s %v %s %s %v]", info.Version, info.KeepaliveInterval,
		info.DataMimeType, info.MetadataMimeType, info.Payload)
}

// Acceptor decides whether to accept a new connection, given its SETUP.
// It returns the Responder to serve the connection's requests with and an
// optional connection-wide Principal used for requests that carry no
// credentials of their own. Returning an error rejects the connection.
type Acceptor interface {
	Accept(info *SetupInfo, mux *Muxer) (Responder, *Principal, error)
}

// AcceptorFunc adapts a function to the Acceptor interface.
type AcceptorFunc func(info *SetupInfo, mux *Muxer) (Responder, *Principal, error)

// Accept calls fn(info, mux).
func (fn AcceptorFunc) Accept(info *SetupInfo, mux *Muxer) (Responder, *Principal, error) {
	return fn(info, mux)
}
