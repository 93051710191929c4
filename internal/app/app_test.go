// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package app

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/linkdata/rmux"
	"github.com/linkdata/rmux/internal/config"
	"github.com/linkdata/rmux/internal/greeting"
)

func newTestApp(t *testing.T) *App {
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.GreetInterval = time.Millisecond
	cfg.KeepaliveInterval = -1
	cfg.MetricsLogInterval = time.Millisecond
	cfg.PingInterval = time.Millisecond
	cfg.PingCount = 3
	a, err := New(cfg, bcrypt.MinCost)
	require.NoError(t, err)
	return a
}

func localListener(t *testing.T) net.Listener {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

type serving struct {
	cancel context.CancelFunc
	done   chan error
}

func (s *serving) stop(t *testing.T) {
	s.cancel()
	select {
	case err := <-s.done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		assert.Fail(t, "did not stop")
	}
}

func (a *App) testServe(ln, wsln net.Listener) *serving {
	ctx, cancel := context.WithCancel(context.Background())
	s := &serving{cancel: cancel, done: make(chan error, 1)}
	go func() { s.done <- a.Serve(ctx, ln, wsln) }()
	return s
}

func Test_New(t *testing.T) {
	a := newTestApp(t)
	assert.Equal(t, []string{"admin", "user"}, a.Users.Usernames())
	assert.Len(t, a.Routes.Routes(), 5)
	assert.Len(t, a.Catalog.Routes(), 5)
	rt, err := a.Catalog.Lookup(greeting.RouteGreetings)
	require.NoError(t, err)
	assert.Nil(t, rt.Handler)

	creds := a.GatewayCredentials()
	assert.Equal(t, "user", creds.Username)
	assert.Equal(t, []string{"USER"}, creds.Roles)
	p, err := a.Users.Authenticate(creds.Metadata())
	require.NoError(t, err)
	assert.Equal(t, "user", p.Identity)

	a.Config.InitialCredit = 0
	_, err = New(a.Config, bcrypt.MinCost)
	assert.Error(t, err)
}

func Test_App_Serve(t *testing.T) {
	a := newTestApp(t)
	ln, wsln := localListener(t), localListener(t)
	s := a.testServe(ln, wsln)

	for _, addr := range []string{
		ln.Addr().String(),
		"ws://" + wsln.Addr().String() + WebsocketPath,
	} {
		c := a.NewClient(addr)
		p, err := greeting.Encode(greeting.Request{Name: "Bob"}, nil)
		require.NoError(t, err)
		p, err = c.RequestResponse(context.Background(), greeting.RouteGreet, p, nil)
		require.NoError(t, err, addr)
		resp, err := greeting.DecodeResponse(p)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(resp.Greeting, "Hello Bob @ "), resp.Greeting)

		creds := a.GatewayCredentials()
		e, err := c.RequestStream(context.Background(), greeting.RouteGreetings, creds.Payload(nil), creds.Principal())
		require.NoError(t, err)
		p, err = e.Next(context.Background())
		require.NoError(t, err)
		resp, err = greeting.DecodeResponse(p)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(resp.Greeting, "Hello user @ "), resp.Greeting)
		e.Cancel()
		c.Close()
	}

	assert.NotZero(t, a.Metrics.Opened(rmux.RequestResponse))
	s.stop(t)
	assert.Zero(t, a.Server.ActiveMuxers())
}

func Test_App_Ping(t *testing.T) {
	a := newTestApp(t)
	ln := localListener(t)
	s := a.testServe(ln, nil)
	defer s.stop(t)

	a.Config.UpstreamAddr = ln.Addr().String()
	var replies []string
	err := a.Ping(context.Background(), func(reply string) { replies = append(replies, reply) })
	assert.NoError(t, err)
	assert.Equal(t, []string{"pong", "pong", "pong"}, replies)
}

func Test_App_ServeGateway(t *testing.T) {
	a := newTestApp(t)
	ln := localListener(t)
	s := a.testServe(ln, nil)
	defer s.stop(t)

	c := a.NewClient(ln.Addr().String())
	defer c.Close()
	gwln := localListener(t)
	ctx, cancel := context.WithCancel(context.Background())
	gwDone := make(chan error, 1)
	go func() { gwDone <- a.ServeGateway(ctx, gwln, c) }()

	resp, err := http.Get("http://" + gwln.Addr().String() + "/greet/Ada")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Hello Ada @ ")

	resp, err = http.Get("http://" + gwln.Addr().String() + "/error")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), greeting.RecoveredGreeting)

	cancel()
	assert.NoError(t, <-gwDone)
}

func Test_App_ListenAndServe_bad_addr(t *testing.T) {
	a := newTestApp(t)
	a.Config.ListenAddr = "127.0.0.1:-1"
	assert.Error(t, a.ListenAndServe(context.Background()))
	a.Config.GatewayAddr = "127.0.0.1:-1"
	assert.Error(t, a.ListenAndServeGateway(context.Background()))
}
