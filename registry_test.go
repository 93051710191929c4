// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func echoHandler(ctx context.Context, req *Request) (Payload, error) {
	return req.Payload, nil
}

func Test_Registry_Register(t *testing.T) {
	reg := NewRegistry()
	rt := reg.Register("echo", ResponseHandler(echoHandler))
	assert.Equal(t, "echo", rt.Name)
	assert.Equal(t, RequestResponse, rt.Model)
	assert.Equal(t, `[Route "echo" REQUEST_RESPONSE]`, rt.String())

	got, err := reg.Lookup("echo")
	assert.NoError(t, err)
	assert.Equal(t, rt, got)

	assert.Panics(t, func() { reg.Register("nil", nil) })
}

func Test_Registry_models(t *testing.T) {
	reg := NewRegistry()
	reg.Register("s", StreamHandler(func(ctx context.Context, req *Request, sink Sink) error { return nil }))
	reg.Register("c", ChannelHandler(func(ctx context.Context, req *Request, src Source, sink Sink) error { return nil }))
	s, _ := reg.Lookup("s")
	c, _ := reg.Lookup("c")
	assert.Equal(t, RequestStream, s.Model)
	assert.Equal(t, RequestChannel, c.Model)
	assert.Equal(t, "InteractionModel(9)", InteractionModel(9).String())
}

func Test_Registry_last_writer_wins(t *testing.T) {
	reg := NewRegistry()
	first := reg.Register("echo", ResponseHandler(echoHandler))
	second := reg.Register("echo", ResponseHandler(echoHandler), RequireAuthentication())
	got, err := reg.Lookup("echo")
	assert.NoError(t, err)
	assert.True(t, got == second)
	assert.False(t, got == first)
	assert.Len(t, reg.Routes(), 1)
}

func Test_Registry_Lookup_not_found(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Lookup("missing")
	assert.True(t, IsRouteNotFound(err))
	var rnf RouteNotFoundError
	assert.True(t, errors.As(err, &rnf))
	assert.Equal(t, "missing", rnf.Route)

	var nilReg *Registry
	_, err = nilReg.Lookup("missing")
	assert.True(t, IsRouteNotFound(err))
}

func Test_Registry_Declare(t *testing.T) {
	reg := NewRegistry()
	rt := reg.Declare("greetings", RequestStream, RequireAuthentication())
	assert.Nil(t, rt.Handler)
	assert.True(t, rt.RequiresAuthentication)
	assert.Equal(t, `[Route "greetings" REQUEST_STREAM AUTH]`, rt.String())
}

func Test_Registry_Authorize(t *testing.T) {
	reg := NewRegistry()
	reg.Declare("open", RequestStream)
	reg.Declare("auth", RequestStream, RequireAuthentication())
	reg.Declare("admin", RequestStream, RequireRole("ADMIN"))
	reg.Declare("custom", RequestStream, WithAuthorizer(func(p *Principal) bool {
		return p != nil && p.Identity == "bob"
	}))

	user := NewPrincipal("user", "USER")
	admin := NewPrincipal("admin", "ADMIN", "USER")
	bob := NewPrincipal("bob")

	cases := []struct {
		route     string
		principal *Principal
		ok        bool
	}{
		{"open", nil, true},
		{"open", user, true},
		{"auth", nil, false},
		{"auth", user, true},
		{"admin", nil, false},
		{"admin", user, false},
		{"admin", admin, true},
		{"custom", nil, false},
		{"custom", user, false},
		{"custom", bob, true},
	}
	for _, c := range cases {
		rt, err := reg.Authorize(c.route, c.principal)
		if c.ok {
			assert.NoError(t, err, "%s %v", c.route, c.principal)
			assert.Equal(t, c.route, rt.Name)
		} else {
			assert.True(t, IsUnauthorized(err), "%s %v", c.route, c.principal)
			assert.Nil(t, rt)
		}
	}

	_, err := reg.Authorize("missing", admin)
	assert.True(t, IsRouteNotFound(err))
}

func Test_Registry_Routes_sorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"c", "a", "b"} {
		reg.Declare(name, RequestResponse)
	}
	var names []string
	for _, rt := range reg.Routes() {
		names = append(names, rt.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func Test_Principal(t *testing.T) {
	var p *Principal
	assert.False(t, p.HasRole("USER"))
	assert.Equal(t, "[Principal anonymous]", p.String())
	roles := []string{"USER"}
	p = NewPrincipal("user", roles...)
	roles[0] = "ADMIN"
	assert.True(t, p.HasRole("USER"))
	assert.False(t, p.HasRole("ADMIN"))
	assert.Equal(t, "[Principal user USER]", p.String())
}
