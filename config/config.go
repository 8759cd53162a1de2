// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package config defines the configuration file format for chord nodes.
//
// A configuration is written in TOML. Every setting is optional; settings not
// given in the file keep the values from [Default]:
//
//	[node]
//	addr = "0.0.0.0:7400"
//	id = "5e1f..."          # hex; empty means generate a random key
//	key_size = 20
//	bootstrap = ["10.0.0.1:7400"]
//	timeout = "2s"
//	refresh_interval = "1m"
//
//	[wheel]
//	tick = "10ms"
//	steps = 64
//	stages = 3
//
//	[transport]
//	mtu = 1200
//	max_message = 1048576
//	reassembly_timeout = "5s"
//
//	[store]
//	capacity = 10000        # 0 disables storage
//
//	[log]
//	level = "info"
//	development = false
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/chord"
	"github.com/creachadair/chord/key"
	"github.com/creachadair/chord/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the configuration for a chord node.
type Config struct {
	Node      Node      `toml:"node"`
	Wheel     Wheel     `toml:"wheel"`
	Transport Transport `toml:"transport"`
	Store     Store     `toml:"store"`
	Log       Log       `toml:"log"`
}

// Node holds the identity and protocol settings of a node.
type Node struct {
	Addr            string        `toml:"addr"`
	ID              string        `toml:"id"`
	KeySize         int           `toml:"key_size"`
	Bootstrap       []string      `toml:"bootstrap"`
	Timeout         time.Duration `toml:"timeout"`
	RefreshInterval time.Duration `toml:"refresh_interval"`
}

// Wheel holds the geometry of the timer wheel.
type Wheel struct {
	Tick   time.Duration `toml:"tick"`
	Steps  int           `toml:"steps"`
	Stages int           `toml:"stages"`
}

// Transport holds the limits of the datagram transport.
type Transport struct {
	MTU               int           `toml:"mtu"`
	MaxMessage        int           `toml:"max_message"`
	ReassemblyTimeout time.Duration `toml:"reassembly_timeout"`
}

// Store holds the settings of the in-memory key/value store.
type Store struct {
	Capacity int `toml:"capacity"`
}

// Log holds the settings of the diagnostic log.
type Log struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Default returns a configuration with default settings.
func Default() *Config {
	return &Config{
		Node: Node{
			Addr:    "0.0.0.0:7400",
			KeySize: key.DefaultSize,
			Timeout: 2 * time.Second,
		},
		Wheel: Wheel{
			Tick:   10 * time.Millisecond,
			Steps:  64,
			Stages: 3,
		},
		Transport: Transport{
			MTU:               1200,
			MaxMessage:        1 << 20,
			ReassemblyTimeout: 5 * time.Second,
		},
		Store: Store{Capacity: 10000},
		Log:   Log{Level: "info"},
	}
}

// Load reads and validates the configuration file at path. Settings not given
// in the file have their default values.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return c.finish(md)
}

// Parse parses and validates a configuration from TOML text.
func Parse(text string) (*Config, error) {
	c := Default()
	md, err := toml.Decode(text, c)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return c.finish(md)
}

func (c *Config) finish(md toml.MetaData) (*Config, error) {
	if extra := md.Undecoded(); len(extra) != 0 {
		names := make([]string, len(extra))
		for i, k := range extra {
			names[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(names, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports all the problems with the settings of c, or nil.
func (c *Config) Validate() error {
	var err error
	check := func(ok bool, msg string, args ...any) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf(msg, args...))
		}
	}
	check(c.Node.KeySize > 0 && c.Node.KeySize <= 64, "node.key_size %d out of range 1..64", c.Node.KeySize)
	if c.Node.ID != "" {
		k, kerr := key.Parse(c.Node.ID)
		if kerr != nil {
			check(false, "node.id: %v", kerr)
		} else {
			check(k.Size() == c.Node.KeySize, "node.id has %d bytes, want %d", k.Size(), c.Node.KeySize)
		}
	}
	if _, aerr := netip.ParseAddrPort(c.Node.Addr); aerr != nil {
		check(false, "node.addr: %v", aerr)
	}
	if _, serr := c.Seeds(); serr != nil {
		err = multierr.Append(err, serr)
	}
	check(c.Node.Timeout > 0, "node.timeout must be positive")
	check(c.Node.RefreshInterval >= 0, "node.refresh_interval must not be negative")
	check(c.Wheel.Tick > 0, "wheel.tick must be positive")
	check(c.Wheel.Steps > 1, "wheel.steps must be at least 2")
	check(c.Wheel.Stages > 0, "wheel.stages must be positive")
	check(c.Transport.MTU > 8, "transport.mtu %d is too small", c.Transport.MTU)
	check(c.Transport.MaxMessage > 0, "transport.max_message must be positive")
	check(c.Transport.ReassemblyTimeout > 0, "transport.reassembly_timeout must be positive")
	check(c.Store.Capacity >= 0, "store.capacity must not be negative")
	if _, lerr := zapcore.ParseLevel(c.Log.Level); lerr != nil {
		check(false, "log.level: %v", lerr)
	}
	return err
}

// Identity returns the node key given by c, or a new random key of the
// configured size if c does not specify one.
func (c *Config) Identity() (key.Key, error) {
	if c.Node.ID == "" {
		return key.Generate(c.Node.KeySize)
	}
	return key.Parse(c.Node.ID)
}

// Seeds parses the bootstrap addresses of c.
func (c *Config) Seeds() ([]netip.AddrPort, error) {
	var out []netip.AddrPort
	var err error
	for _, s := range c.Node.Bootstrap {
		ap, perr := netip.ParseAddrPort(s)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("node.bootstrap: %w", perr))
			continue
		}
		out = append(out, ap)
	}
	return out, err
}

// Logger constructs a logger for the log settings of c.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Options returns runner options for the settings of c, logging to log.
func (c *Config) Options(log *zap.Logger) *chord.Options {
	opts := &chord.Options{
		Timeout:           c.Node.Timeout,
		TickInterval:      c.Wheel.Tick,
		WheelSteps:        c.Wheel.Steps,
		WheelStages:       c.Wheel.Stages,
		MTU:               c.Transport.MTU,
		MaxMessage:        c.Transport.MaxMessage,
		ReassemblyTimeout: c.Transport.ReassemblyTimeout,
		RefreshInterval:   c.Node.RefreshInterval,
		Logger:            log,
	}
	if c.Store.Capacity > 0 {
		opts.Storage = store.NewMemory(c.Store.Capacity)
	}
	return opts
}
