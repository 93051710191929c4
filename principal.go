// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

import (
	"fmt"
	"strings"
)

// Principal is an authenticated identity. It is attached to a single
// Exchange and lives no longer than it.
type Principal struct {
	Identity string
	Roles    []string
}

// NewPrincipal returns a Principal with the given identity and roles.
func NewPrincipal(identity string, roles ...string) *Principal {
	return &Principal{Identity: identity, Roles: append([]string(nil), roles...)}
}

// HasRole returns true if p is not nil and holds role.
func (p *Principal) HasRole(role string) bool {
	if p != nil {
		for _, r := range p.Roles {
			if r == role {
				return true
			}
		}
	}
	return false
}

func (p *Principal) String() string {
	if p == nil {
		return "[Principal anonymous]"
	}
	return fmt.Sprintf("[Principal %s %s]", p.Identity, strings.Join(p.Roles, ","))
}

// Authenticator resolves request or setup metadata to a Principal.
// It returns nil and no error if the metadata carries no credentials,
// and an error if it carries credentials that are not valid.
type Authenticator interface {
	Authenticate(metadata []byte) (*Principal, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(metadata []byte) (*Principal, error)

// Authenticate calls fn(metadata).
func (fn AuthenticatorFunc) Authenticate(metadata []byte) (*Principal, error) {
	return fn(metadata)
}
