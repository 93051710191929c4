// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

// Package app wires the greeting service, the user store, the server,
// the client and the HTTP gateway together from a config.Config.
package app

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/linkdata/rmux"
	"github.com/linkdata/rmux/authmeta"
	"github.com/linkdata/rmux/internal/config"
	"github.com/linkdata/rmux/internal/gateway"
	"github.com/linkdata/rmux/internal/greeting"
)

// WebsocketPath is where the server accepts WebSocket connections.
const WebsocketPath = "/rsocket"

// ShutdownTimeout bounds how long Serve waits for live exchanges when stopping.
var ShutdownTimeout = 5 * time.Second

// DefaultUsers are the accounts known to the server.
var DefaultUsers = []authmeta.Credentials{
	{Username: "user", Password: "pw", Roles: []string{"USER"}},
	{Username: "admin", Password: "pw", Roles: []string{"ADMIN", "USER"}},
}

// App holds the components built from a Config.
type App struct {
	Config  *config.Config
	Service *greeting.Service
	Routes  *rmux.Registry      // routes served by Server
	Catalog *rmux.Registry      // routes known to clients
	Users   *authmeta.UserStore // authenticates request metadata
	Metrics *rmux.Metrics
	Server  *rmux.Server
}

// New builds an App. The users are hashed with bcryptCost, or
// bcrypt.DefaultCost if it is zero.
func New(cfg *config.Config, bcryptCost int) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		Config:  cfg,
		Service: greeting.NewService(cfg.GreetInterval),
		Routes:  rmux.NewRegistry(),
		Catalog: rmux.NewRegistry(),
		Users:   authmeta.NewUserStore(),
		Metrics: rmux.NewMetrics(nil),
	}
	a.Service.Register(a.Routes)
	greeting.Declare(a.Catalog)

	a.Users.Cost = bcryptCost
	for _, c := range DefaultUsers {
		if err := a.Users.AddCredentials(c); err != nil {
			return nil, err
		}
	}

	a.Server = &rmux.Server{
		Addr:              cfg.ListenAddr,
		Routes:            a.Routes,
		Authenticator:     a.Users,
		InitialCredit:     cfg.InitialCredit,
		DrainTimeout:      cfg.DrainTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
		Metrics:           a.Metrics,
	}
	a.Server.NetLog(cfg.NetLog)
	return a, nil
}

// NewClient returns a Client for the server at addr, configured like the App.
func (a *App) NewClient(addr string) *rmux.Client {
	c := rmux.NewClient(addr, a.Catalog)
	c.Setup = rmux.DefaultSetupInfo()
	c.InitialCredit = a.Config.InitialCredit
	c.DrainTimeout = a.Config.DrainTimeout
	c.KeepaliveInterval = a.Config.KeepaliveInterval
	c.Metrics = rmux.NewMetrics(nil)
	return c
}

// GatewayCredentials returns the credentials the gateway uses for
// protected routes.
func (a *App) GatewayCredentials() authmeta.Credentials {
	creds := authmeta.Credentials{Username: a.Config.GatewayUser, Password: a.Config.GatewayPassword}
	for _, c := range DefaultUsers {
		if c.Username == creds.Username {
			creds.Roles = c.Roles
		}
	}
	return creds
}

func listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	return ln, errors.Wrapf(err, "listening on %s", addr)
}

// ListenAndServe listens on the configured addresses and calls Serve.
func (a *App) ListenAndServe(ctx context.Context) error {
	ln, err := listen(a.Config.ListenAddr)
	if err != nil {
		return err
	}
	var wsln net.Listener
	if a.Config.WebsocketAddr != "" {
		if wsln, err = listen(a.Config.WebsocketAddr); err != nil {
			ln.Close()
			return err
		}
	}
	return a.Serve(ctx, ln, wsln)
}

// Serve runs the server on ln, and on wsln for WebSockets if it is not nil,
// until ctx is done. Live exchanges are then given ShutdownTimeout to finish.
func (a *App) Serve(ctx context.Context, ln, wsln net.Listener) error {
	eg, egctx := errgroup.WithContext(ctx)

	log.WithField("addr", ln.Addr().String()).Info("rmux server listening")
	eg.Go(func() error {
		if err := a.Server.Serve(ln); errors.Cause(err) != rmux.ErrServerClosed {
			return err
		}
		return nil
	})

	var hs *http.Server
	if wsln != nil {
		mux := http.NewServeMux()
		mux.Handle(WebsocketPath, a.Server)
		hs = &http.Server{Handler: mux}
		log.WithField("addr", wsln.Addr().String()).Info("rmux websocket listening")
		eg.Go(func() error {
			if err := hs.Serve(wsln); err != http.ErrServerClosed {
				return errors.WithStack(err)
			}
			return nil
		})
	}

	if a.Config.MetricsLogInterval > 0 {
		eg.Go(func() error {
			a.logMetrics(egctx, a.Config.MetricsLogInterval)
			return nil
		})
	}

	eg.Go(func() error {
		<-egctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if hs != nil {
			hs.Close()
		}
		if err := a.Server.Shutdown(sctx); err != nil {
			log.WithError(err).Warn("server shutdown")
		}
		return nil
	})

	return eg.Wait()
}

func (a *App) logMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := a.Metrics.Snapshot()
			if err != nil {
				log.WithError(err).Warn("metrics snapshot")
				continue
			}
			log.WithFields(log.Fields(snap)).Info("metrics")
		}
	}
}

// ListenAndServeGateway listens on the configured gateway address and
// calls ServeGateway with a Client for the upstream address.
func (a *App) ListenAndServeGateway(ctx context.Context) error {
	ln, err := listen(a.Config.GatewayAddr)
	if err != nil {
		return err
	}
	c := a.NewClient(a.Config.UpstreamAddr)
	defer c.Close()
	return a.ServeGateway(ctx, ln, c)
}

// ServeGateway serves the HTTP gateway on ln until ctx is done, relaying
// requests through r.
func (a *App) ServeGateway(ctx context.Context, ln net.Listener, r gateway.Requester) error {
	hs := &http.Server{Handler: gateway.NewGateway(r, a.GatewayCredentials())}
	log.WithField("addr", ln.Addr().String()).Info("rmux gateway listening")

	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := hs.Serve(ln); err != http.ErrServerClosed {
			return errors.WithStack(err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := hs.Shutdown(sctx); err != nil {
			hs.Close()
		}
		return nil
	})
	return eg.Wait()
}

// Ping connects to the configured upstream address and runs the ping-pong
// channel, calling onReply with each reply.
func (a *App) Ping(ctx context.Context, onReply func(string)) error {
	c := a.NewClient(a.Config.UpstreamAddr)
	defer c.Close()
	return greeting.Ping(ctx, c, a.Config.PingInterval, a.Config.PingCount, onReply)
}
