// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package greeting

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/linkdata/rmux"
	"github.com/linkdata/rmux/authmeta"
)

var testTime = time.Date(2018, 3, 4, 5, 6, 7, 8, time.UTC)

type rwcPipe struct {
	io.ReadCloser
	io.WriteCloser
}

func (rwcp *rwcPipe) Close() error {
	rwcp.WriteCloser.Close()
	return rwcp.ReadCloser.Close()
}

type pairTester struct {
	t          *testing.T
	svc        *Service
	users      *authmeta.UserStore
	client     *rmux.Muxer
	server     *rmux.Muxer
	clientDone chan struct{}
	serverDone chan struct{}
}

func newPairTester(t *testing.T) *pairTester {
	ra, wa := io.Pipe()
	rb, wb := io.Pipe()

	svc := NewService(time.Millisecond)
	svc.Now = func() time.Time { return testTime }
	routes := rmux.NewRegistry()
	svc.Register(routes)
	catalog := rmux.NewRegistry()
	Declare(catalog)

	users := authmeta.NewUserStore()
	users.Cost = bcrypt.MinCost
	require.NoError(t, users.Add("user", "pw", "USER"))

	pt := &pairTester{
		t:          t,
		svc:        svc,
		users:      users,
		client:     rmux.NewMuxer(&rwcPipe{ReadCloser: rb, WriteCloser: wa}, rmux.RoleClient, catalog),
		server:     rmux.NewMuxer(&rwcPipe{ReadCloser: ra, WriteCloser: wb}, rmux.RoleServer, routes),
		clientDone: make(chan struct{}),
		serverDone: make(chan struct{}),
	}
	pt.client.KeepaliveInterval = 0
	pt.server.KeepaliveInterval = 0
	pt.server.Authenticator = users
	go func() {
		pt.client.Serve()
		close(pt.clientDone)
	}()
	go func() {
		pt.server.Serve()
		close(pt.serverDone)
	}()
	return pt
}

func (pt *pairTester) Close() {
	pt.client.Close()
	pt.server.Close()
	<-pt.clientDone
	<-pt.serverDone
}

func request(t *testing.T, name string) rmux.Payload {
	p, err := Encode(Request{Name: name}, nil)
	require.NoError(t, err)
	return p
}

func nextGreeting(t *testing.T, e *rmux.Exchange) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := e.Next(ctx)
	require.NoError(t, err)
	resp, err := DecodeResponse(p)
	require.NoError(t, err)
	return resp.Greeting
}

func Test_Reply(t *testing.T) {
	out, err := Reply("ping")
	assert.NoError(t, err)
	assert.Equal(t, "pong", out)
	out, err = Reply("PONG")
	assert.NoError(t, err)
	assert.Equal(t, "ping", out)
	_, err = Reply("pang")
	assert.Error(t, err)
}

func Test_Service_Greet(t *testing.T) {
	svc := NewService(time.Second)
	svc.Now = func() time.Time { return testTime }
	assert.Equal(t, "Hello Bob @ 2018-03-04T05:06:07.000000008Z", svc.Greet("Bob").Greeting)
	svc.Now = nil
	assert.Contains(t, svc.Greet("Bob").Greeting, "Hello Bob @ ")
}

func Test_DecodeRequest(t *testing.T) {
	req, err := DecodeRequest(rmux.Payload{})
	assert.NoError(t, err)
	assert.Empty(t, req.Name)
	req, err = DecodeRequest(rmux.PayloadString(`{"name":"Ada"}`))
	assert.NoError(t, err)
	assert.Equal(t, "Ada", req.Name)
	_, err = DecodeRequest(rmux.PayloadString("Ada"))
	assert.Error(t, err)
}

func Test_greet(t *testing.T) {
	defer leaktest.Check(t)()
	pt := newPairTester(t)
	defer pt.Close()

	e, err := pt.client.OpenExchange(context.Background(), RouteGreet, request(t, "Bob"), nil)
	require.NoError(t, err)
	p, err := e.Response(context.Background())
	require.NoError(t, err)
	resp, err := DecodeResponse(p)
	require.NoError(t, err)
	assert.Equal(t, pt.svc.Greet("Bob"), resp)
	<-e.Done()
	assert.Equal(t, rmux.Completed, e.State())
	assert.Zero(t, pt.client.ProtocolViolations())
	assert.Zero(t, pt.server.ProtocolViolations())
}

func Test_greet_bad_request(t *testing.T) {
	defer leaktest.Check(t)()
	pt := newPairTester(t)
	defer pt.Close()

	_, err := pt.client.RequestResponse(context.Background(), RouteGreet, rmux.PayloadString("Bob"), nil)
	var re *rmux.RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, rmux.ErrorCodeApplicationError, re.Code)
}

func Test_greetings_unauthorized(t *testing.T) {
	defer leaktest.Check(t)()
	pt := newPairTester(t)
	defer pt.Close()

	e, err := pt.client.OpenExchange(context.Background(), RouteGreetings, rmux.Payload{}, nil)
	assert.Nil(t, e)
	assert.True(t, rmux.IsUnauthorized(err))
	assert.Zero(t, pt.client.ActiveExchanges())
	assert.Zero(t, pt.server.ActiveExchanges())
}

func Test_greetings_authenticated(t *testing.T) {
	defer leaktest.Check(t)()
	pt := newPairTester(t)
	defer pt.Close()

	creds := authmeta.Credentials{Username: "user", Password: "pw", Roles: []string{"USER"}}
	e, err := pt.client.OpenExchange(context.Background(), RouteGreetings, creds.Payload(nil), creds.Principal())
	require.NoError(t, err)
	assert.Equal(t, pt.svc.Greet("user").Greeting, nextGreeting(t, e))
	e.Cancel()

	// the server checks the password even if the requester believes it is authorized
	creds.Password = "wrong"
	e, err = pt.client.OpenExchange(context.Background(), RouteGreetings, creds.Payload(nil), creds.Principal())
	require.NoError(t, err)
	_, err = e.Next(context.Background())
	assert.True(t, rmux.IsUnauthorized(err))
}

func Test_greet_stream_credit(t *testing.T) {
	defer leaktest.Check(t)()
	pt := newPairTester(t)
	defer pt.Close()

	e, err := pt.client.OpenExchangeCredit(context.Background(), RouteGreetStream, request(t, "Ada"), nil, 3)
	require.NoError(t, err)
	want := "Hello Ada @ 2018-03-04T05:06:07.000000008Z"
	for i := 0; i < 3; i++ {
		assert.Equal(t, want, nextGreeting(t, e))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err = e.Next(ctx)
	cancel()
	assert.Equal(t, context.DeadlineExceeded, errors.Cause(err))
	assert.Equal(t, int64(3), e.Demand().Produced())

	require.NoError(t, e.Request(2))
	for i := 0; i < 2; i++ {
		assert.Equal(t, want, nextGreeting(t, e))
	}
	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err = e.Next(ctx)
	cancel()
	assert.Equal(t, context.DeadlineExceeded, errors.Cause(err))
	assert.Equal(t, int64(5), e.Demand().Produced())

	e.Cancel()
	assert.Equal(t, rmux.Cancelled, e.State())
}

func Test_error_recovers(t *testing.T) {
	defer leaktest.Check(t)()
	pt := newPairTester(t)
	defer pt.Close()

	e, err := pt.client.RequestStream(context.Background(), RouteError, request(t, "x"), nil)
	require.NoError(t, err)
	assert.Equal(t, RecoveredGreeting, nextGreeting(t, e))
	_, err = e.Next(context.Background())
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, rmux.Completed, e.State())
}

func Test_ping_pong_alternating(t *testing.T) {
	defer leaktest.Check(t)()
	pt := newPairTester(t)
	defer pt.Close()

	ctx := context.Background()
	e, err := pt.client.RequestChannel(ctx, RoutePingPong, rmux.PayloadString("ping"), nil)
	require.NoError(t, err)
	words := []string{"ping", "pong"}
	var replies []string
	for i := 0; i < 10; i++ {
		if i > 0 {
			require.NoError(t, e.Send(ctx, rmux.PayloadString(words[i%2])))
		}
		p, err := e.Next(ctx)
		require.NoError(t, err)
		replies = append(replies, p.DataString())
	}
	for i, reply := range replies {
		assert.Equal(t, words[(i+1)%2], reply)
	}

	assert.Equal(t, 1, pt.server.ActiveExchanges())
	e.Cancel()
	assert.Equal(t, rmux.Cancelled, e.State())
	deadline := time.Now().Add(5 * time.Second)
	for pt.server.ActiveExchanges() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Zero(t, pt.server.ActiveExchanges())
}

func Test_ping_pong_bad_input(t *testing.T) {
	defer leaktest.Check(t)()
	pt := newPairTester(t)
	defer pt.Close()

	e, err := pt.client.RequestChannel(context.Background(), RoutePingPong, rmux.PayloadString("pang"), nil)
	require.NoError(t, err)
	_, err = e.Next(context.Background())
	var re *rmux.RemoteError
	require.True(t, errors.As(err, &re))
	assert.Contains(t, re.Message, "pang")
}

func Test_Ping(t *testing.T) {
	defer leaktest.Check(t)()
	pt := newPairTester(t)
	defer pt.Close()

	var replies []string
	err := Ping(context.Background(), pt.client, time.Millisecond, 3, func(s string) {
		replies = append(replies, s)
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"pong", "pong", "pong"}, replies)
}
