// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"

	"github.com/linkdata/rmux/internal/app"
	"github.com/linkdata/rmux/internal/config"
)

func main() {
	var configFile string
	var withProfile bool
	cmd := &cobra.Command{
		Use:   "rmuxserver",
		Short: "Serve the greeting routes over rmux",
		Long: `Serve the greeting routes over TCP, and over WebSockets at /rsocket
if --websocket-addr is given.

Settings may also be given as RMUX_ environment variables, for example
RMUX_LISTEN_ADDR=:7000, or in the file named by --config.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			cfg.ApplyLogging()
			if withProfile {
				defer profile.Start(profile.NoShutdownHook).Stop()
			}
			a, err := app.New(cfg, 0)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.ListenAndServe(ctx)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	fs.String("listen-addr", ":7000", "TCP address to listen on")
	fs.String("websocket-addr", "", "HTTP address to accept WebSockets on")
	fs.Duration("greet-interval", time.Second, "delay between streamed greetings")
	fs.Duration("metrics-log-interval", 0, "log metrics this often, zero disables")
	fs.String("log-level", "info", "log level")
	fs.Bool("net-log", false, "log every frame at debug level")
	fs.BoolVar(&withProfile, "profile", false, "write a CPU profile to a temporary directory")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
