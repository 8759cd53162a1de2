// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for running and testing local rings of
// chord runners.
package peers

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/creachadair/chord"
	"github.com/creachadair/chord/key"
	"github.com/creachadair/chord/node"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"go.uber.org/multierr"
)

// LoopbackAddr is the listen address used for the runners of a ring.
const LoopbackAddr = "127.0.0.1:0"

// A Ring is a collection of runners listening on the loopback interface, all
// joined to the same overlay.
type Ring struct {
	Runners []*chord.Runner
}

// Keys returns n distinct random keys of the given size.
func Keys(n, size int) ([]key.Key, error) {
	seen := mapset.New[key.Key]()
	out := make([]key.Key, 0, n)
	for len(out) < n {
		k, err := key.Generate(size)
		if err != nil {
			return nil, err
		}
		if !seen.Has(k) {
			seen.Add(k)
			out = append(out, k)
		}
	}
	return out, nil
}

// Start starts a runner for each of ids on a loopback socket. Each runner
// after the first bootstraps through the first, and then every runner
// refreshes its cache so that it learns of the runners that joined after it.
//
// If opts != nil, it is called to obtain the options for the runner with the
// given index. If Start fails, any runners it started are stopped.
func Start(ctx context.Context, ids []key.Key, opts func(i int) *chord.Options) (_ *Ring, err error) {
	if len(ids) == 0 {
		return nil, errors.New("no runner ids")
	}
	ring := new(Ring)
	defer func() {
		if err != nil {
			err = multierr.Append(err, ring.Stop())
		}
	}()
	for i, id := range ids {
		var o *chord.Options
		if opts != nil {
			o = opts(i)
		}
		r, err := chord.Listen(LoopbackAddr, id, o)
		if err != nil {
			return nil, fmt.Errorf("runner %d: %w", i, err)
		}
		ring.Runners = append(ring.Runners, r)
	}

	seed := ring.Runners[0].Addr()
	for i, r := range ring.Runners[1:] {
		if err := r.Bootstrap(ctx, seed); err != nil {
			return nil, fmt.Errorf("bootstrap runner %d: %w", i+1, err)
		}
	}
	if err := ring.Refresh(ctx); err != nil {
		return nil, err
	}
	return ring, nil
}

// Refresh refreshes the caches of all the runners in r concurrently, and
// reports the first error.
func (r *Ring) Refresh(ctx context.Context) error {
	g := taskgroup.New(nil)
	for i, run := range r.Runners {
		g.Go(func() error {
			if err := run.Refresh(ctx); err != nil {
				return fmt.Errorf("refresh runner %d: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Stop stops all the runners in r and blocks until they have exited. It
// reports the combined errors of the runners, if any.
func (r *Ring) Stop() error {
	var err error
	for _, run := range r.Runners {
		err = multierr.Append(err, run.Stop())
	}
	return err
}

// Nodes returns the local nodes of the runners in r, in order.
func (r *Ring) Nodes() []node.Node {
	out := make([]node.Node, len(r.Runners))
	for i, run := range r.Runners {
		out[i] = run.Self()
	}
	return out
}

// Addrs returns the addresses of the runners in r, in order.
func (r *Ring) Addrs() []netip.AddrPort {
	out := make([]netip.AddrPort, len(r.Runners))
	for i, run := range r.Runners {
		out[i] = run.Addr()
	}
	return out
}

// Owner returns the index of the runner in r that owns k: the runner whose key
// is the closest strict predecessor of k on the ring.
func (r *Ring) Owner(k key.Key) int {
	best, dist := -1, key.Key{}
	for i, run := range r.Runners {
		d := run.ID().Distance(k)
		if d.IsZero() {
			continue // a key does not own itself
		}
		if best < 0 || d.Less(dist) {
			best, dist = i, d
		}
	}
	if best < 0 {
		return 0 // a single runner owns everything
	}
	return best
}
