// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const srvAddr = "127.0.0.1:0"

type srvTester struct {
	t         *testing.T
	isClosed  bool
	srv       *Server
	results   chan error
	serveDone chan struct{}
	serveErr  error
}

func newSrvTester(t *testing.T) *srvTester {
	results := make(chan error, 16)
	st := &srvTester{
		t: t,
		srv: &Server{
			Routes:            newTestRoutes(results),
			KeepaliveInterval: -1,
		},
		results:   results,
		serveDone: make(chan struct{}),
	}
	ln, lnerr := st.srv.Listen(srvAddr)
	require.NoError(t, lnerr)
	require.NotNil(t, ln)
	go st.Serve(ln)
	return st
}

func (st *srvTester) Serve(ln net.Listener) {
	st.serveErr = st.srv.Serve(ln)
	assert.Equal(st.t, ErrServerClosed, errors.Cause(st.serveErr))
	close(st.serveDone)
}

func (st *srvTester) Close() {
	if !st.isClosed {
		st.isClosed = true
		st.srv.Close()
		<-st.serveDone
	}
}

func (st *srvTester) client() *Client {
	c := NewClient(st.srv.Addr, newTestRoutes(nil))
	c.DialTimeout = time.Second
	c.KeepaliveInterval = -1
	return c
}

func Test_Server_support_functions(t *testing.T) {
	srv := &Server{}
	assert.Equal(t, ":7000", srv.DefaultListenAddr())
	assert.Equal(t, ":7000", srv.getListenAddr(""))
	assert.Equal(t, ":1234", srv.getListenAddr(":1234"))
	assert.Equal(t, DefaultDrainTimeout, durationSetting(0, DefaultDrainTimeout))
	assert.Equal(t, time.Duration(0), durationSetting(-1, DefaultDrainTimeout))
	assert.Equal(t, time.Second, durationSetting(time.Second, DefaultDrainTimeout))
	assert.Zero(t, srv.ActiveMuxers())
	assert.Zero(t, srv.BytesRead())
	assert.Zero(t, srv.BytesWritten())
	assert.NotNil(t, srv.Metrics)
}

func Test_Server_request_response(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second*5)()
	st := newSrvTester(t)
	defer st.Close()
	c := st.client()
	defer c.Close()

	p, err := c.RequestResponse(context.Background(), "echo", PayloadString("hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", p.DataString())
	assert.Equal(t, 1, st.srv.ActiveMuxers())
	waitFor(t, "metrics", func() bool { return st.srv.Metrics.Finished(Completed) == 1 })
	assert.Equal(t, int64(1), st.srv.Metrics.Opened(RequestResponse))

	e, err := c.RequestStream(context.Background(), "count", PayloadString("3"), nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.Equal(t, string(rune('0'+i)), nextString(t, e))
	}
	assert.NoError(t, <-st.results)

	c.Close()
	waitFor(t, "muxer gone", func() bool { return st.srv.ActiveMuxers() == 0 })
	assert.NotZero(t, st.srv.BytesRead())
	assert.NotZero(t, st.srv.BytesWritten())
}

func Test_Server_serve_errors(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second*5)()
	st := newSrvTester(t)
	defer st.Close()

	conn, err := net.Dial("tcp", st.srv.Addr)
	require.NoError(t, err)
	defer conn.Close()
	fd := NewFrameDataID(1, FrameTypeRequestResponse)
	require.NoError(t, fd.WriteRequest(0, "echo", PayloadString("x")))
	_, err = fd.WriteTo(conn)
	require.NoError(t, err)

	reply := FrameData(nil)
	_, err = reply.ReadFrom(conn)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeError, reply.Header().Type())

	waitFor(t, "serve error", func() bool { return len(st.srv.ServeErrors()) == 1 })
	for k, v := range st.srv.ServeErrors() {
		assert.True(t, strings.HasPrefix(k, "protocol violation"), k)
		assert.Equal(t, 1, v)
	}
}

func Test_Server_Shutdown(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second*5)()
	st := newSrvTester(t)
	c := st.client()
	defer c.Close()

	e, err := c.RequestStream(context.Background(), "count", PayloadString("2"), nil)
	require.NoError(t, err)
	assert.Equal(t, "0", nextString(t, e))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- st.srv.Shutdown(ctx) }()

	assert.Equal(t, "1", nextString(t, e))
	assert.NoError(t, <-shutdownErr)
	<-st.serveDone
	st.isClosed = true
	assert.Zero(t, st.srv.ActiveMuxers())
}

func Test_Server_Serve_after_Close(t *testing.T) {
	srv := &Server{}
	srv.Close()
	ln, err := net.Listen("tcp", srvAddr)
	require.NoError(t, err)
	assert.Equal(t, ErrServerClosed, errors.Cause(srv.Serve(ln)))
}

func Test_Server_websocket(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second*5)()
	srv := &Server{Routes: newTestRoutes(nil), KeepaliveInterval: -1}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Close()

	c := NewClient("ws"+strings.TrimPrefix(ts.URL, "http"), newTestRoutes(nil))
	c.KeepaliveInterval = -1
	defer c.Close()

	e, err := c.RequestChannel(context.Background(), "upper", PayloadString("abc"), nil)
	require.NoError(t, err)
	assert.Equal(t, "ABC", nextString(t, e))
	assert.NoError(t, e.Send(context.Background(), PayloadString("def")))
	assert.Equal(t, "DEF", nextString(t, e))
	assert.NoError(t, e.CloseSend())
	<-e.Done()
	assert.Equal(t, Completed, e.State())
	assert.Equal(t, 1, srv.ActiveMuxers())
}

func Test_Server_NetLog(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second*5)()
	st := newSrvTester(t)
	defer st.Close()
	st.srv.NetLog(true)
	c := st.client()
	defer c.Close()
	mux, err := c.Muxer()
	require.NoError(t, err)
	mux.Ping()
	waitFor(t, "muxer", func() bool { return st.srv.ActiveMuxers() == 1 })
	st.srv.mu.Lock()
	for m := range st.srv.activeMuxer {
		assert.True(t, m.isNetLog())
	}
	st.srv.mu.Unlock()
	st.srv.NetLog(false)
}
