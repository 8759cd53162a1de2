// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"bytes"
	"context"
	"expvar"
	"fmt"
	"math/rand/v2"
	"os"
	"text/tabwriter"

	"github.com/creachadair/chord"
	"github.com/creachadair/chord/key"
	"github.com/creachadair/chord/peers"
	"github.com/creachadair/chord/store"
	"github.com/creachadair/command"
	"go.uber.org/zap"
)

var simFlags struct {
	Nodes   int  `flag:"nodes,default=16,Number of nodes in the ring"`
	Values  int  `flag:"values,default=100,Number of values to store"`
	KeySize int  `flag:"key-size,default=8,Key size in bytes"`
	Refresh bool `flag:"refresh,Refresh all nodes again before storing values"`
	Debug   bool `flag:"debug,Enable debug logging"`
}

func runSim(env *command.Env) error {
	if simFlags.Nodes < 1 || simFlags.Values < 0 {
		return env.Usagef("invalid ring size or value count")
	}
	log := zap.NewNop()
	if simFlags.Debug {
		var err error
		if log, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}
	ids, err := peers.Keys(simFlags.Nodes, simFlags.KeySize)
	if err != nil {
		return err
	}
	ctx := context.Background()
	ring, err := peers.Start(ctx, ids, func(i int) *chord.Options {
		return &chord.Options{
			Storage: store.NewMemory(simFlags.Values + 1),
			Logger:  log.With(zap.Int("runner", i)),
		}
	})
	if err != nil {
		return err
	}
	defer ring.Stop()
	if simFlags.Refresh {
		if err := ring.Refresh(ctx); err != nil {
			return err
		}
	}

	var stats struct {
		routed, correct, stored, fetched, matched int
	}
	pick := func() *chord.Runner { return ring.Runners[rand.IntN(len(ring.Runners))] }
	for i := range simFlags.Values {
		k, err := key.Generate(simFlags.KeySize)
		if err != nil {
			return err
		}
		src := pick()
		owner, err := src.Route(ctx, k)
		if err != nil {
			log.Warn("route failed", zap.Stringer("key", k), zap.Error(err))
			continue
		}
		stats.routed++
		if owner.ID == ring.Runners[ring.Owner(k)].ID() {
			stats.correct++
		}

		val := fmt.Appendf(nil, "value %d", i)
		if err := src.Set(ctx, k, val); err != nil {
			log.Warn("set failed", zap.Stringer("key", k), zap.Error(err))
			continue
		}
		stats.stored++
		got, ok, err := pick().Get(ctx, k)
		if err != nil {
			log.Warn("get failed", zap.Stringer("key", k), zap.Error(err))
			continue
		}
		stats.fetched++
		if ok && bytes.Equal(got, val) {
			stats.matched++
		}
	}

	var hops, sent, cached int64
	for _, r := range ring.Runners {
		m := r.Metrics()
		hops += m.Get("route_hops").(*expvar.Int).Value()
		sent += m.Get("messages_sent").(*expvar.Int).Value()
		cached += int64(r.Cache().Len())
	}
	tw := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "nodes\t%d\n", len(ring.Runners))
	fmt.Fprintf(tw, "mean cache size\t%.1f\n", float64(cached)/float64(len(ring.Runners)))
	fmt.Fprintf(tw, "routes\t%d/%d correct\n", stats.correct, stats.routed)
	fmt.Fprintf(tw, "values\t%d stored, %d fetched, %d matched\n", stats.stored, stats.fetched, stats.matched)
	fmt.Fprintf(tw, "route hops\t%d\n", hops)
	fmt.Fprintf(tw, "messages sent\t%d\n", sent)
	return tw.Flush()
}
