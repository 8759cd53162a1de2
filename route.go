// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package chord

import (
	"context"
	"net/netip"

	"github.com/creachadair/chord/key"
	"github.com/creachadair/chord/node"
	"github.com/creachadair/chord/report"
	"github.com/creachadair/mds/mapset"
	"go.uber.org/zap"
)

// Route finds the owner of target: the node whose key is the closest strict
// predecessor of target on the ring. Routing to the local key returns the
// local node immediately, without network I/O.
//
// Route starts from the best predecessor in the local cache and queries each
// node in turn for a better one, until a node names itself. Every node
// learned along the way is added to the cache.
func (r *Runner) Route(ctx context.Context, target key.Key) (node.Node, error) {
	s, err := r.session()
	if err != nil {
		return node.Node{}, err
	}
	if target.Size() != r.id.Size() {
		return node.Node{}, report.New(report.InvalidArgument, "target key has %d bytes, want %d", target.Size(), r.id.Size())
	}
	if target == s.self.ID {
		return s.self, nil
	}
	r.metrics.routes.Add(1)

	cur := s.cache.Resolve(target)
	seen := mapset.New(s.self.ID)
	for hops := 0; cur.ID != s.self.ID; hops++ {
		if hops >= target.Bits() {
			return node.Node{}, report.New(report.InvalidResponse, "route to %s exceeded %d hops", target.Short(), hops)
		}
		r.metrics.routeHops.Add(1)
		seen.Add(cur.ID)

		next, err := s.query(ctx, cur.Addr, target)
		if err != nil {
			return node.Node{}, err
		}
		if next.ID == cur.ID {
			return next, nil // fixed point: cur owns target
		}
		if next.ID == s.self.ID {
			return node.Node{}, report.New(report.InvalidResponse, "%v routed %s back to origin", cur, target.Short())
		}
		if seen.Has(next.ID) || !next.ID.Distance(target).Less(cur.ID.Distance(target)) {
			return node.Node{}, report.New(report.InvalidResponse, "%v answered %v, which is not closer to %s", cur, next, target.Short())
		}
		s.cache.Add(next)
		cur = next
	}
	return s.self, nil
}

// Bootstrap joins the overlay known to the peer at seed. It pings the seed to
// learn its identity, routes through it to the critical neighbor of the local
// key (the farthest neighbor that does not wrap past zero), and then refreshes
// the cache.
func (r *Runner) Bootstrap(ctx context.Context, seed netip.AddrPort) error {
	if _, err := r.Ping(ctx, seed); err != nil {
		return err
	}
	if _, err := r.Route(ctx, r.id.Neighbor(r.id.Critical())); err != nil {
		return err
	}
	r.log.Info("bootstrapped", zap.Stringer("seed", seed))
	return r.Refresh(ctx)
}

// Refresh repopulates the cache by routing to the local key's neighbors.
//
// It first routes to the key just below the local key, which finds the peer
// farthest from us (our predecessor on the ring). Thereafter, if the last
// peer found lies in neighborhood n, it routes to the neighbor 2^(n-1) past
// the local key, whose owner lies in a strictly smaller neighborhood. Refresh
// stops when the owner found is the local node.
func (r *Runner) Refresh(ctx context.Context) error {
	s, err := r.session()
	if err != nil {
		return err
	}
	self := s.self.ID
	one := key.FromUint64(1, self.Size())

	pred, err := r.Route(ctx, self.Sub(one))
	if err != nil {
		return err
	}
	for last := s.cache.NeighborHood(pred.ID) + 1; pred.ID != self; {
		n := s.cache.NeighborHood(pred.ID)
		if n >= last {
			break
		}
		last = n
		if pred, err = r.Route(ctx, self.Neighbor(n)); err != nil {
			return err
		}
	}
	r.log.Debug("refresh complete", zap.Int("cached", s.cache.Len()))
	return nil
}
