// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/linkdata/rmux/internal/app"
	"github.com/linkdata/rmux/internal/config"
)

func main() {
	var configFile string
	cmd := &cobra.Command{
		Use:   "rmuxgateway [upstream]",
		Short: "Serve the greeting routes over HTTP, relayed to an rmux server",
		Long: `Serve the greeting routes over HTTP:

  GET /greet/{name}       JSON greeting
  GET /greet/sse/{name}   greetings as server-sent events
  GET /greetings          greetings for the gateway user, as server-sent events
  GET /error              the error route, as server-sent events

The upstream rmux server address may be given as an argument, a
host:port for TCP or a ws:// URL.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			if len(args) > 0 {
				cfg.UpstreamAddr = args[0]
			}
			cfg.ApplyLogging()
			a, err := app.New(cfg, 0)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.ListenAndServeGateway(ctx)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	fs.String("gateway-addr", ":8080", "HTTP address to listen on")
	fs.String("upstream-addr", "localhost:7000", "address of the rmux server")
	fs.String("gateway-user", "user", "username for protected routes")
	fs.String("gateway-password", "pw", "password for protected routes")
	fs.String("log-level", "info", "log level")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
