// File: server/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server configuration: defaults, YAML file, HSOCKETS_* environment and flags.

package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/momentics/hsockets/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. HSOCKETS_LISTEN_ADDR.
const EnvPrefix = "HSOCKETS"

// Config holds all configurable parameters for Server.
type Config struct {
	ListenAddr       string         `mapstructure:"listen_addr"`
	RetryOnBusy      bool           `mapstructure:"retry_on_busy"`
	MaxFramePayload  int64          `mapstructure:"max_frame_payload"`
	HandshakeTimeout time.Duration  `mapstructure:"handshake_timeout"`
	KeepAlive        time.Duration  `mapstructure:"keep_alive"`
	ReuseAddr        bool           `mapstructure:"reuse_addr"`
	ReusePort        bool           `mapstructure:"reuse_port"`
	NoDelay          bool           `mapstructure:"no_delay"`
	RegistryShards   int            `mapstructure:"registry_shards"`
	Log              logging.Config `mapstructure:"log"`
}

// DefaultConfig returns a baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:       ":8953",
		RetryOnBusy:      true,
		MaxFramePayload:  16 << 20,
		HandshakeTimeout: 10 * time.Second,
		KeepAlive:        0,
		ReuseAddr:        true,
		ReusePort:        false,
		NoDelay:          true,
		RegistryShards:   16,
		Log:              logging.DefaultConfig(),
	}
}

// flag name -> config key
var flagKeys = map[string]string{
	"listen":            "listen_addr",
	"retry-on-busy":     "retry_on_busy",
	"max-frame-payload": "max_frame_payload",
	"handshake-timeout": "handshake_timeout",
	"keep-alive":        "keep_alive",
	"log-level":         "log.level",
	"log-format":        "log.format",
	"log-file":          "log.file",
}

// RegisterFlags defines the command-line flags understood by LoadConfig.
func RegisterFlags(fs *pflag.FlagSet) {
	def := DefaultConfig()
	fs.String("config", "", "path to a YAML configuration file")
	fs.String("listen", def.ListenAddr, "TCP address to listen on")
	fs.Bool("retry-on-busy", def.RetryOnBusy, "queue sends issued while a write is in flight")
	fs.Int64("max-frame-payload", def.MaxFramePayload, "largest accepted inbound frame payload in bytes")
	fs.Duration("handshake-timeout", def.HandshakeTimeout, "deadline for reading the upgrade request")
	fs.Duration("keep-alive", def.KeepAlive, "ping interval, 0 disables the heartbeat")
	fs.String("log-level", def.Log.Level, "log level (debug, info, warn, error)")
	fs.String("log-format", def.Log.Format, "log encoding (console, json)")
	fs.String("log-file", def.Log.File, "rotate logs into this file")
}

// LoadConfig builds a Config from defaults, then the YAML file at path (if
// any), then HSOCKETS_* variables, then flags changed on the command line.
// flags may be nil.
func LoadConfig(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, val := range defaultValues(DefaultConfig()) {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if path == "" {
			if f := flags.Lookup("config"); f != nil {
				path = f.Value.String()
			}
		}
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func defaultValues(c *Config) map[string]any {
	return map[string]any{
		"listen_addr":       c.ListenAddr,
		"retry_on_busy":     c.RetryOnBusy,
		"max_frame_payload": c.MaxFramePayload,
		"handshake_timeout": c.HandshakeTimeout,
		"keep_alive":        c.KeepAlive,
		"reuse_addr":        c.ReuseAddr,
		"reuse_port":        c.ReusePort,
		"no_delay":          c.NoDelay,
		"registry_shards":   c.RegistryShards,
		"log.level":         c.Log.Level,
		"log.format":        c.Log.Format,
		"log.file":          c.Log.File,
		"log.max_size_mb":   c.Log.MaxSizeMB,
		"log.max_backups":   c.Log.MaxBackups,
		"log.console":       c.Log.Console,
	}
}
