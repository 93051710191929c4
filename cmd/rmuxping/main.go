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

	"github.com/spf13/cobra"

	"github.com/linkdata/rmux/internal/app"
	"github.com/linkdata/rmux/internal/config"
)

func main() {
	var configFile string
	cmd := &cobra.Command{
		Use:          "rmuxping [upstream]",
		Short:        "Play ping-pong with an rmux server",
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
			out := cmd.OutOrStdout()
			return a.Ping(ctx, func(reply string) {
				fmt.Fprintln(out, reply)
			})
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	fs.String("upstream-addr", "localhost:7000", "address of the rmux server")
	fs.Duration("ping-interval", time.Second, "delay between pings")
	fs.Int("ping-count", 10, "number of replies to wait for")
	fs.String("log-level", "info", "log level")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
