// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

// Package config loads the settings shared by the rmux commands. Values
// come from defaults, an optional config file, RMUX_ environment variables
// and command line flags, in increasing order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/linkdata/rmux"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "RMUX"

// Config holds the settings for the server, gateway and ping commands.
type Config struct {
	ListenAddr         string        // TCP address the server listens on
	WebsocketAddr      string        // HTTP address the server accepts WebSockets on, disabled if empty
	GatewayAddr        string        // HTTP address the gateway listens on
	UpstreamAddr       string        // address of the server, for the gateway and ping client
	DrainTimeout       time.Duration // negative disables
	KeepaliveInterval  time.Duration // negative disables
	InitialCredit      uint32
	GreetInterval      time.Duration // delay between streamed greetings
	PingInterval       time.Duration
	PingCount          int
	GatewayUser        string // credentials the gateway uses for protected routes
	GatewayPassword    string
	MetricsLogInterval time.Duration // zero disables
	LogLevel           string
	LogFormat          string // "text" or "json"
	NetLog             bool
}

// SetDefaults sets the default value of every key in v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":7000")
	v.SetDefault("websocket_addr", "")
	v.SetDefault("gateway_addr", ":8080")
	v.SetDefault("upstream_addr", "localhost:7000")
	v.SetDefault("drain_timeout", rmux.DefaultDrainTimeout)
	v.SetDefault("keepalive_interval", rmux.DefaultKeepaliveInterval)
	v.SetDefault("initial_credit", rmux.DefaultInitialCredit)
	v.SetDefault("greet_interval", time.Second)
	v.SetDefault("ping_interval", time.Second)
	v.SetDefault("ping_count", 10)
	v.SetDefault("gateway_user", "user")
	v.SetDefault("gateway_password", "pw")
	v.SetDefault("metrics_log_interval", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("net_log", false)
}

// Load reads the configuration. If configFile is not empty it must exist.
// Flags in fs, if any, override the other sources; a flag named
// "listen-addr" sets the key "listen_addr".
func Load(configFile string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading %s", configFile)
		}
	}

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if bindErr == nil {
				bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
			}
		})
		if bindErr != nil {
			return nil, errors.WithStack(bindErr)
		}
	}

	return FromViper(v)
}

// FromViper builds a Config from the keys in v.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ListenAddr:         v.GetString("listen_addr"),
		WebsocketAddr:      v.GetString("websocket_addr"),
		GatewayAddr:        v.GetString("gateway_addr"),
		UpstreamAddr:       v.GetString("upstream_addr"),
		DrainTimeout:       v.GetDuration("drain_timeout"),
		KeepaliveInterval:  v.GetDuration("keepalive_interval"),
		InitialCredit:      v.GetUint32("initial_credit"),
		GreetInterval:      v.GetDuration("greet_interval"),
		PingInterval:       v.GetDuration("ping_interval"),
		PingCount:          v.GetInt("ping_count"),
		GatewayUser:        v.GetString("gateway_user"),
		GatewayPassword:    v.GetString("gateway_password"),
		MetricsLogInterval: v.GetDuration("metrics_log_interval"),
		LogLevel:           v.GetString("log_level"),
		LogFormat:          v.GetString("log_format"),
		NetLog:             v.GetBool("net_log"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that have a restricted range.
func (cfg *Config) Validate() error {
	if cfg.InitialCredit < 1 || cfg.InitialCredit > rmux.MaxCredit {
		return errors.Errorf("initial_credit %d out of range", cfg.InitialCredit)
	}
	if cfg.GreetInterval <= 0 {
		return errors.Errorf("greet_interval %v must be positive", cfg.GreetInterval)
	}
	if cfg.PingInterval <= 0 {
		return errors.Errorf("ping_interval %v must be positive", cfg.PingInterval)
	}
	if cfg.PingCount < 1 {
		return errors.Errorf("ping_count %d must be positive", cfg.PingCount)
	}
	if _, err := log.ParseLevel(cfg.LogLevel); err != nil {
		return errors.WithStack(err)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return errors.Errorf("log_format %q is not text or json", cfg.LogFormat)
	}
	return nil
}

// ApplyLogging configures the standard logrus logger.
func (cfg *Config) ApplyLogging() {
	if level, err := log.ParseLevel(cfg.LogLevel); err != nil {
		log.WithError(err).Warn("couldn't parse log level")
	} else {
		log.SetLevel(level)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
