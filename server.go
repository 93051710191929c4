// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type serverClosedError struct{}

func (serverClosedError) Error() string { return "server closed" }

// ErrServerClosed is returned by Serve after the Server is closed.
var ErrServerClosed error = serverClosedError{}

// Server listens for incoming network connections and serves a Muxer on
// each of them. Connections arrive either on a TCP listener or as
// WebSocket upgrades through ServeHTTP.
type Server struct {
	Addr              string        // TCP address to listen on, ":7000" if empty
	Routes            *Registry     // routes served to every connection
	Authenticator     Authenticator // resolves request and SETUP metadata (optional)
	Acceptor          Acceptor      // decides on SETUP (optional)
	MaxMuxers         int           // maximum number of concurrent Muxers, unlimited if < 1
	InitialCredit     uint32        // zero means DefaultInitialCredit
	DrainTimeout      time.Duration // zero means DefaultDrainTimeout, negative disables
	KeepaliveInterval time.Duration // zero means DefaultKeepaliveInterval, negative disables
	Metrics           *Metrics      // created on first use if nil
	Upgrader          websocket.Upgrader

	listeners     map[net.Listener]struct{}
	mu            sync.Mutex
	serveErrorsMu sync.Mutex
	serveErrors   map[string]int
	muxerLimiter  chan struct{}
	doneChan      chan struct{}
	activeMuxer   map[*Muxer]struct{}
	wg            sync.WaitGroup
	netLog        bool
}

// tcpKeepAliveListener sets TCP keep-alive timeouts on accepted
// network connections, so dead network connections eventually go away.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (c net.Conn, err error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}

// Listen announces on the local network address.
func (srv *Server) Listen(address string) (net.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err == nil {
		srv.mu.Lock()
		srv.Addr = ln.Addr().String()
		srv.mu.Unlock()
		ln = tcpKeepAliveListener{ln.(*net.TCPListener)}
	}
	return ln, err
}

// DefaultListenAddr returns the default address:port to listen on.
func (srv *Server) DefaultListenAddr() string {
	return ":7000"
}

func (srv *Server) getListenAddr(addr string) string {
	if addr == "" {
		return srv.DefaultListenAddr()
	}
	return addr
}

// ListenAndServe listens on the TCP network address srv.Addr and then calls
// Serve to handle incoming connections.
func (srv *Server) ListenAndServe() (err error) {
	listener, err := srv.Listen(srv.getListenAddr(srv.Addr))
	if err == nil {
		err = srv.Serve(listener)
	}
	return
}

// Serve accepts incoming network connections on the Listener l, serving
// a Muxer on each in its own goroutine.
func (srv *Server) Serve(l net.Listener) error {
	defer l.Close()
	var tempDelay time.Duration // how long to sleep on accept failure

	if err := func() error {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		select {
		case <-srv.getDoneChanLocked():
			return errors.WithStack(ErrServerClosed)
		default:
		}
		srv.trackListenerLocked(l, true)
		return nil
	}(); err != nil {
		return err
	}
	defer srv.trackListener(l, false)

	for {
		rwc, err := l.Accept()
		if err != nil {
			select {
			case <-srv.getDoneChan():
				return errors.WithStack(ErrServerClosed)
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		srv.wg.Add(1)
		go func(rwc io.ReadWriteCloser) {
			defer srv.wg.Done()
			srv.ServeConn(rwc)
		}(rwc)
	}
}

// ServeHTTP upgrades the request to a WebSocket and serves a Muxer on it.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	srv.wg.Add(1)
	defer srv.wg.Done()
	srv.ServeConn(NewWebsocketConn(conn))
}

// ServeConn serves a Muxer on rwc until the connection ends.
func (srv *Server) ServeConn(rwc io.ReadWriteCloser) {
	limiter := srv.getMuxerLimiter()
	if limiter != nil {
		select {
		case limiter <- struct{}{}:
			defer func() { <-limiter }()
		case <-srv.getDoneChan():
			rwc.Close()
			return
		}
	}

	mux := srv.newMuxer(rwc)
	if !srv.trackMuxer(mux, true) {
		mux.Close()
		return
	}
	defer srv.trackMuxer(mux, false)

	if err := mux.Serve(); err != nil && !isClosedError(err) {
		mux.logger(nil).WithError(err).Info("muxer stopped")
		srv.serveErrorsMu.Lock()
		if srv.serveErrors == nil {
			srv.serveErrors = make(map[string]int)
		}
		srv.serveErrors[errors.Cause(err).Error()]++
		srv.serveErrorsMu.Unlock()
	}
}

func (srv *Server) newMuxer(rwc io.ReadWriteCloser) *Muxer {
	mux := NewMuxer(rwc, RoleServer, srv.Routes)
	mux.Authenticator = srv.Authenticator
	mux.Acceptor = srv.Acceptor
	mux.StatsCollector = srv.getMetrics()
	if srv.InitialCredit > 0 {
		mux.InitialCredit = srv.InitialCredit
	}
	mux.DrainTimeout = durationSetting(srv.DrainTimeout, DefaultDrainTimeout)
	mux.KeepaliveInterval = durationSetting(srv.KeepaliveInterval, DefaultKeepaliveInterval)
	srv.mu.Lock()
	mux.NetLog(srv.netLog)
	srv.mu.Unlock()
	return mux
}

// durationSetting maps zero to the default and negative values to zero.
func durationSetting(d, dflt time.Duration) time.Duration {
	switch {
	case d == 0:
		return dflt
	case d < 0:
		return 0
	}
	return d
}

// NetLog enables or disables logging of network frames at debug level.
func (srv *Server) NetLog(state bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.netLog = state
	for mux := range srv.activeMuxer {
		mux.NetLog(state)
	}
}

// ServeErrors returns a copy of the serve errors map
func (srv *Server) ServeErrors() map[string]int {
	srv.serveErrorsMu.Lock()
	defer srv.serveErrorsMu.Unlock()
	m := make(map[string]int)
	for k, v := range srv.serveErrors {
		m[k] = v
	}
	return m
}

func (srv *Server) trackListener(ln net.Listener, add bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.trackListenerLocked(ln, add)
}

func (srv *Server) trackListenerLocked(ln net.Listener, add bool) {
	if srv.listeners == nil {
		srv.listeners = make(map[net.Listener]struct{})
	}
	if add {
		// a Server reused after Close gets a new doneChan
		if len(srv.listeners) == 0 && len(srv.activeMuxer) == 0 {
			srv.doneChan = nil
		}
		srv.listeners[ln] = struct{}{}
	} else {
		delete(srv.listeners, ln)
	}
}

// trackMuxer adds or removes mux from the active set. Adding fails if the
// Server is closed.
func (srv *Server) trackMuxer(mux *Muxer, add bool) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.activeMuxer == nil {
		srv.activeMuxer = make(map[*Muxer]struct{})
	}
	if add {
		select {
		case <-srv.getDoneChanLocked():
			return false
		default:
		}
		srv.activeMuxer[mux] = struct{}{}
	} else {
		delete(srv.activeMuxer, mux)
	}
	srv.getMetricsLocked().setMuxers(len(srv.activeMuxer))
	return true
}

func (srv *Server) getDoneChan() <-chan struct{} {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.getDoneChanLocked()
}

func (srv *Server) getDoneChanLocked() chan struct{} {
	if srv.doneChan == nil {
		srv.doneChan = make(chan struct{})
	}
	return srv.doneChan
}

func (srv *Server) closeDoneChanLocked() {
	ch := srv.getDoneChanLocked()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (srv *Server) getMuxerLimiter() chan struct{} {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.muxerLimiter == nil && srv.MaxMuxers > 0 {
		srv.muxerLimiter = make(chan struct{}, srv.MaxMuxers)
	}
	return srv.muxerLimiter
}

func (srv *Server) getMetrics() *Metrics {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.getMetricsLocked()
}

func (srv *Server) getMetricsLocked() *Metrics {
	if srv.Metrics == nil {
		srv.Metrics = NewMetrics(nil)
	}
	return srv.Metrics
}

func (srv *Server) closeListenersLocked() error {
	var err error
	for ln := range srv.listeners {
		if cerr := ln.Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(srv.listeners, ln)
	}
	return err
}

// Close immediately closes all listeners and active Muxers, and waits
// for their goroutines to finish.
func (srv *Server) Close() error {
	srv.mu.Lock()
	srv.closeDoneChanLocked()
	err := srv.closeListenersLocked()
	active := make([]*Muxer, 0, len(srv.activeMuxer))
	for mux := range srv.activeMuxer {
		active = append(active, mux)
	}
	srv.mu.Unlock()
	for _, mux := range active {
		mux.Close()
	}
	srv.wg.Wait()
	return err
}

// Shutdown closes the listeners, then lets every active Muxer finish its
// exchanges before closing it. If ctx is done first, the remaining Muxers
// are closed immediately.
func (srv *Server) Shutdown(ctx context.Context) (err error) {
	srv.mu.Lock()
	srv.closeDoneChanLocked()
	err = srv.closeListenersLocked()
	active := make([]*Muxer, 0, len(srv.activeMuxer))
	for mux := range srv.activeMuxer {
		active = append(active, mux)
	}
	srv.mu.Unlock()

	var wg sync.WaitGroup
	var errMu sync.Mutex
	for _, mux := range active {
		wg.Add(1)
		go func(mux *Muxer) {
			defer wg.Done()
			if shutErr := mux.Shutdown(ctx); shutErr != nil {
				errMu.Lock()
				if err == nil {
					err = shutErr
				}
				errMu.Unlock()
			}
		}(mux)
	}
	wg.Wait()
	srv.wg.Wait()
	return
}

// ActiveMuxers returns the number of active Muxers.
func (srv *Server) ActiveMuxers() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.activeMuxer)
}

// BytesWritten returns the current number of bytes written.
func (srv *Server) BytesWritten() int64 {
	return srv.getMetrics().BytesWritten()
}

// BytesRead returns the current number of bytes read.
func (srv *Server) BytesRead() int64 {
	return srv.getMetrics().BytesRead()
}
