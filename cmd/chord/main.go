// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Program chord is a command-line utility for running and interacting with
// chord overlay nodes.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/creachadair/chord"
	"github.com/creachadair/chord/config"
	"github.com/creachadair/chord/key"
	"github.com/creachadair/chord/node"
	"github.com/creachadair/chord/store"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"go.uber.org/zap"
)

var runFlags struct {
	Config    string `flag:"config,Configuration file (TOML)"`
	Addr      string `flag:"addr,Listen address (overrides config)"`
	ID        string `flag:"id,Node key in hex (overrides config)"`
	Bootstrap string `flag:"bootstrap,Address of a node to join through (overrides config)"`
	Debug     bool   `flag:"debug,Enable debug logging"`
}

var clientFlags struct {
	KeySize int           `flag:"key-size,default=20,Key size in bytes"`
	Timeout time.Duration `flag:"timeout,default=2s,Request timeout"`
	Hash    bool          `flag:"hash,Hash key arguments instead of parsing them as hex"`
	Debug   bool          `flag:"debug,Enable debug logging"`
}

var keygenFlags struct {
	Size int    `flag:"size,default=20,Key size in bytes"`
	Hash string `flag:"hash,Hash this text instead of generating a random key"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for running and interacting with chord nodes.",
		Commands: []*command.C{
			{
				Name:  "run",
				Usage: "[flags]",
				Help: `Run a chord node until interrupted.

Settings are read from the configuration file given by --config, if any, and
then overridden by the other flags. If a bootstrap node is given, the node
joins the overlay through it; otherwise it starts a new overlay.`,
				SetFlags: command.Flags(flax.MustBind, &runFlags),
				Run:      runNode,
			},
			{
				Name:     "ping",
				Usage:    "<addr>",
				Help:     "Ping the node at the given address and print the round-trip time.",
				SetFlags: command.Flags(flax.MustBind, &clientFlags),
				Run:      runPing,
			},
			{
				Name:  "route",
				Usage: "<seed-addr> <key>",
				Help: `Find the owner of a key.

The client joins the overlay through the seed node, and routes to the key.`,
				SetFlags: command.Flags(flax.MustBind, &clientFlags),
				Run:      runRoute,
			},
			{
				Name:     "get",
				Usage:    "<seed-addr> <key>",
				Help:     "Fetch the value stored for a key, and print it to stdout.",
				SetFlags: command.Flags(flax.MustBind, &clientFlags),
				Run:      runGet,
			},
			{
				Name:     "set",
				Usage:    "<seed-addr> <key> <value>",
				Help:     "Store a value for a key at its owner.",
				SetFlags: command.Flags(flax.MustBind, &clientFlags),
				Run:      runSet,
			},
			{
				Name:  "sim",
				Usage: "[flags]",
				Help: `Simulate an overlay of local nodes.

Start a ring of nodes on the loopback interface, store and fetch a number of
random values, and report how often routes found the true owner of a key.`,
				SetFlags: command.Flags(flax.MustBind, &simFlags),
				Run:      runSim,
			},
			{
				Name:     "keygen",
				Usage:    "[flags]",
				Help:     "Print a new random key, or the hash of a string, in hex.",
				SetFlags: command.Flags(flax.MustBind, &keygenFlags),
				Run: func(env *command.Env) error {
					var k key.Key
					var err error
					if keygenFlags.Hash != "" {
						k, err = key.Hash([]byte(keygenFlags.Hash), keygenFlags.Size)
					} else {
						k, err = key.Generate(keygenFlags.Size)
					}
					if err != nil {
						return err
					}
					fmt.Println(k)
					return nil
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runNode(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	cfg := config.Default()
	if runFlags.Config != "" {
		var err error
		cfg, err = config.Load(runFlags.Config)
		if err != nil {
			return err
		}
	}
	if runFlags.Addr != "" {
		cfg.Node.Addr = runFlags.Addr
	}
	if runFlags.ID != "" {
		cfg.Node.ID = runFlags.ID
	}
	if runFlags.Bootstrap != "" {
		cfg.Node.Bootstrap = []string{runFlags.Bootstrap}
	}
	if runFlags.Debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer log.Sync()
	id, err := cfg.Identity()
	if err != nil {
		return err
	}
	seeds, err := cfg.Seeds()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	r, err := chord.Listen(cfg.Node.Addr, id, cfg.Options(log))
	if err != nil {
		return err
	}
	log.Info("node listening", zap.Stringer("id", id), zap.Stringer("addr", r.Addr()))

	if len(seeds) != 0 {
		var joined bool
		for _, seed := range seeds {
			if err := r.Bootstrap(ctx, seed); err != nil {
				log.Warn("bootstrap failed", zap.Stringer("seed", seed), zap.Error(err))
				continue
			}
			joined = true
			break
		}
		if !joined {
			r.Stop()
			return errors.New("unable to join through any bootstrap node")
		}
	}

	go func() { <-ctx.Done(); r.Stop() }()
	err = r.Wait()
	log.Info("node exited", zap.Stringer("metrics", r.Metrics()), zap.Int("cached", r.Cache().Len()))
	return err
}

// client starts a runner for a one-shot client command. The caller must stop
// the runner when finished.
func client() (*chord.Runner, error) {
	log := zap.NewNop()
	if clientFlags.Debug {
		var err error
		log, err = zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
	}
	id, err := key.Generate(clientFlags.KeySize)
	if err != nil {
		return nil, err
	}
	return chord.Listen(":0", id, &chord.Options{
		Timeout: clientFlags.Timeout,
		Storage: store.NewMemory(1000),
		Logger:  log,
	})
}

// join starts a client runner and joins the overlay through seed.
func join(ctx context.Context, seed string) (*chord.Runner, error) {
	addr, err := parseAddr(seed)
	if err != nil {
		return nil, err
	}
	r, err := client()
	if err != nil {
		return nil, err
	}
	if err := r.Bootstrap(ctx, addr); err != nil {
		r.Stop()
		return nil, fmt.Errorf("bootstrap %v: %w", addr, err)
	}
	return r, nil
}

func parseKey(s string) (key.Key, error) {
	if clientFlags.Hash {
		return key.Hash([]byte(s), clientFlags.KeySize)
	}
	k, err := key.Parse(s)
	if err != nil {
		return key.Key{}, err
	} else if k.Size() != clientFlags.KeySize {
		return key.Key{}, fmt.Errorf("key has %d bytes, want %d", k.Size(), clientFlags.KeySize)
	}
	return k, nil
}

func runPing(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("missing peer address")
	}
	addr, err := parseAddr(env.Args[0])
	if err != nil {
		return err
	}
	r, err := client()
	if err != nil {
		return err
	}
	defer r.Stop()

	rtt, err := r.Ping(context.Background(), addr)
	if err != nil {
		return err
	}
	peer := node.Node{Addr: addr}
	for _, n := range r.Cache().Peers() {
		if n.Addr == addr {
			peer = n
		}
	}
	fmt.Printf("%v: %v\n", peer, rtt)
	return nil
}

// parseAddr parses a UDP endpoint, resolving host names if necessary.
func parseAddr(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	ua, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ap := ua.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

func runRoute(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("need a seed address and a key")
	}
	k, err := parseKey(env.Args[1])
	if err != nil {
		return err
	}
	ctx := context.Background()
	r, err := join(ctx, env.Args[0])
	if err != nil {
		return err
	}
	defer r.Stop()

	owner, err := r.Route(ctx, k)
	if err != nil {
		return err
	}
	fmt.Println(owner)
	return nil
}

func runGet(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("need a seed address and a key")
	}
	k, err := parseKey(env.Args[1])
	if err != nil {
		return err
	}
	ctx := context.Background()
	r, err := join(ctx, env.Args[0])
	if err != nil {
		return err
	}
	defer r.Stop()

	data, ok, err := r.Get(ctx, k)
	if err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("key %v not found", k.Short())
	}
	os.Stdout.Write(data)
	return nil
}

func runSet(env *command.Env) error {
	if len(env.Args) != 3 {
		return env.Usagef("need a seed address, a key, and a value")
	}
	k, err := parseKey(env.Args[1])
	if err != nil {
		return err
	}
	ctx := context.Background()
	r, err := join(ctx, env.Args[0])
	if err != nil {
		return err
	}
	defer r.Stop()

	owner, err := r.Route(ctx, k)
	if err != nil {
		return err
	} else if owner.ID == r.ID() {
		return fmt.Errorf("key %v falls to the client; try again with a different client key", k.Short())
	}
	if err := r.Set(ctx, k, []byte(env.Args[2])); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "stored %d bytes at %v\n", len(env.Args[2]), owner)
	return nil
}
