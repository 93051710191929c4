// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkdata/rmux"
)

func Test_Load_defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Empty(t, cfg.WebsocketAddr)
	assert.Equal(t, ":8080", cfg.GatewayAddr)
	assert.Equal(t, "localhost:7000", cfg.UpstreamAddr)
	assert.Equal(t, rmux.DefaultDrainTimeout, cfg.DrainTimeout)
	assert.Equal(t, rmux.DefaultKeepaliveInterval, cfg.KeepaliveInterval)
	assert.Equal(t, uint32(rmux.DefaultInitialCredit), cfg.InitialCredit)
	assert.Equal(t, time.Second, cfg.GreetInterval)
	assert.Equal(t, 10, cfg.PingCount)
	assert.Equal(t, "user", cfg.GatewayUser)
	assert.Zero(t, cfg.MetricsLogInterval)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.False(t, cfg.NetLog)
}

func Test_Load_sources(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "rmux.yaml")
	require.NoError(t, os.WriteFile(fn, []byte("listen_addr: \":7100\"\ngreet_interval: 250ms\nping_count: 3\n"), 0o600))
	t.Setenv("RMUX_PING_COUNT", "4")
	t.Setenv("RMUX_NET_LOG", "true")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("listen-addr", ":7000", "")
	fs.Int("ping-count", 10, "")
	fs.Duration("drain-timeout", rmux.DefaultDrainTimeout, "")
	require.NoError(t, fs.Parse([]string{"--drain-timeout=5s"}))

	cfg, err := Load(fn, fs)
	require.NoError(t, err)
	assert.Equal(t, ":7100", cfg.ListenAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.GreetInterval)
	assert.Equal(t, 4, cfg.PingCount)
	assert.True(t, cfg.NetLog)
	assert.Equal(t, 5*time.Second, cfg.DrainTimeout)

	require.NoError(t, fs.Parse([]string{"--ping-count=7"}))
	cfg, err = Load(fn, fs)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.PingCount)
}

func Test_Load_missing_file(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func Test_Load_invalid(t *testing.T) {
	t.Setenv("RMUX_INITIAL_CREDIT", "0")
	_, err := Load("", nil)
	assert.Error(t, err)
}

func Test_Config_Validate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("", nil)
		require.NoError(t, err)
		return cfg
	}
	assert.NoError(t, valid().Validate())

	for name, mutate := range map[string]func(*Config){
		"greet_interval": func(cfg *Config) { cfg.GreetInterval = 0 },
		"ping_interval":  func(cfg *Config) { cfg.PingInterval = -time.Second },
		"ping_count":     func(cfg *Config) { cfg.PingCount = 0 },
		"log_level":      func(cfg *Config) { cfg.LogLevel = "loud" },
		"log_format":     func(cfg *Config) { cfg.LogFormat = "xml" },
		"initial_credit": func(cfg *Config) { cfg.InitialCredit = rmux.MaxCredit + 1 },
	} {
		cfg := valid()
		mutate(cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func Test_Config_ApplyLogging(t *testing.T) {
	level := log.GetLevel()
	defer log.SetLevel(level)
	defer log.SetFormatter(&log.TextFormatter{})

	cfg := &Config{LogLevel: "debug", LogFormat: "json"}
	cfg.ApplyLogging()
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	assert.IsType(t, &log.JSONFormatter{}, log.StandardLogger().Formatter)

	cfg = &Config{LogLevel: "warn", LogFormat: "text"}
	cfg.ApplyLogging()
	assert.Equal(t, log.WarnLevel, log.GetLevel())
	assert.IsType(t, &log.TextFormatter{}, log.StandardLogger().Formatter)
}
