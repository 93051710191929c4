// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Client dials a Server and maintains a Muxer to it, dialing again when
// the connection is lost.
type Client struct {
	Addr              string        // host:port for TCP, or a ws:// or wss:// URL
	Routes            *Registry     // routes the client may request, and serves to the server
	Setup             *SetupInfo    // sent on every new connection, DefaultSetupInfo() if nil
	DialTimeout       time.Duration // dialing timeout
	InitialCredit     uint32        // zero means DefaultInitialCredit
	DrainTimeout      time.Duration // zero means DefaultDrainTimeout, negative disables
	KeepaliveInterval time.Duration // zero means DefaultKeepaliveInterval, negative disables
	Metrics           *Metrics      // optional
	mu                sync.Mutex    // protects those below
	mux               *Muxer
	lastError         error
	lastAttempt       time.Time
	firstAttempt      time.Time
	closed            bool
	wg                sync.WaitGroup
}

// NewClient returns a Client for the Server at addr. No network connection
// is made until the first request.
func NewClient(addr string, routes *Registry) *Client {
	return &Client{
		Addr:        addr,
		Routes:      routes,
		DialTimeout: time.Second * 60,
	}
}

// Close closes the current Muxer and waits for it to stop.
func (c *Client) Close() (err error) {
	c.mu.Lock()
	c.closed = true
	mux := c.mux
	c.mux = nil
	c.mu.Unlock()
	if mux != nil {
		err = mux.Close()
	}
	c.wg.Wait()
	return
}

func (c *Client) dial() (io.ReadWriteCloser, error) {
	if strings.HasPrefix(c.Addr, "ws://") || strings.HasPrefix(c.Addr, "wss://") {
		dialer := websocket.Dialer{HandshakeTimeout: c.DialTimeout}
		conn, _, err := dialer.Dial(c.Addr, nil)
		if err != nil {
			return nil, err
		}
		return NewWebsocketConn(conn), nil
	}
	return net.DialTimeout("tcp", c.Addr, c.DialTimeout)
}

// dialLocked connects a new Muxer to the server.
// Must run with the mutex locked.
func (c *Client) dialLocked() *Muxer {
	rwc, err := c.dial()
	if err != nil {
		c.lastError = err
		c.lastAttempt = time.Now()
		if c.firstAttempt.IsZero() {
			c.firstAttempt = c.lastAttempt
		}
		return nil
	}
	c.lastError = nil
	c.lastAttempt = time.Time{}
	c.firstAttempt = time.Time{}

	mux := NewMuxer(rwc, RoleClient, c.Routes)
	mux.Setup = c.Setup
	if c.Metrics != nil {
		mux.StatsCollector = c.Metrics
	}
	if c.InitialCredit > 0 {
		mux.InitialCredit = c.InitialCredit
	}
	mux.DrainTimeout = durationSetting(c.DrainTimeout, DefaultDrainTimeout)
	mux.KeepaliveInterval = durationSetting(c.KeepaliveInterval, DefaultKeepaliveInterval)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := mux.Serve(); err != nil {
			mux.logger(nil).WithError(err).Info("client muxer stopped")
			c.mu.Lock()
			c.lastError = err
			c.mu.Unlock()
		}
	}()
	return mux
}

func (c *Client) offlineError() (err error) {
	if err = c.lastError; err == nil {
		err = fmt.Errorf("server unresponsive")
	}
	if c.firstAttempt != c.lastAttempt {
		err = fmt.Errorf("%v; no response for %v", err, time.Since(c.firstAttempt))
	}
	return
}

// Muxer returns the connected Muxer, dialing if there is none or the
// previous one has stopped.
func (c *Client) Muxer() (*Muxer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.WithStack(ErrMuxerClosed)
	}
	if c.mux != nil && !c.mux.isClosed() {
		return c.mux, nil
	}
	if c.mux = c.dialLocked(); c.mux == nil {
		return nil, c.offlineError()
	}
	return c.mux, nil
}

// OpenExchange opens an exchange on the current Muxer.
func (c *Client) OpenExchange(ctx context.Context, route string, p Payload, principal *Principal) (*Exchange, error) {
	mux, err := c.Muxer()
	if err != nil {
		return nil, err
	}
	return mux.OpenExchange(ctx, route, p, principal)
}

// RequestResponse sends p to a request-response route and waits for the response.
func (c *Client) RequestResponse(ctx context.Context, route string, p Payload, principal *Principal) (Payload, error) {
	mux, err := c.Muxer()
	if err != nil {
		return Payload{}, err
	}
	return mux.RequestResponse(ctx, route, p, principal)
}

// RequestStream opens a request-stream exchange on the current Muxer.
func (c *Client) RequestStream(ctx context.Context, route string, p Payload, principal *Principal) (*Exchange, error) {
	mux, err := c.Muxer()
	if err != nil {
		return nil, err
	}
	return mux.RequestStream(ctx, route, p, principal)
}

// RequestChannel opens a request-channel exchange on the current Muxer.
func (c *Client) RequestChannel(ctx context.Context, route string, p Payload, principal *Principal) (*Exchange, error) {
	mux, err := c.Muxer()
	if err != nil {
		return nil, err
	}
	return mux.RequestChannel(ctx, route, p, principal)
}
