// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package chord

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/creachadair/chord/handler"
	"github.com/creachadair/chord/key"
	"github.com/creachadair/chord/node"
	"github.com/creachadair/chord/report"
	"go.uber.org/zap"
)

// exchange sends a request to peer and blocks until its single completion.
// If parse != nil it is called with the response message, and its error
// becomes the result of the exchange. If ctx ends first, the request is
// cancelled and exchange reports the error from ctx.
func (s *session) exchange(ctx context.Context, peer netip.AddrPort, op Opcode, body []byte, parse func(Message) error) (err error) {
	m := s.r.metrics
	m.reqOut.Add(1)
	defer func() {
		if err != nil {
			m.reqOutErr.Add(1)
		}
	}()

	done := make(chan error, 1)
	h := &handler.Handle{
		Peer:   peer,
		Expire: s.r.clk.Now().Add(s.r.opts.Timeout),
		Callback: func(payload []byte) error {
			rsp, err := DecodeMessage(payload, s.self.ID.Size())
			if err != nil {
				return report.New(report.InvalidResponse, "%v", err)
			}
			if parse == nil {
				return nil
			}
			return parse(rsp)
		},
		End: func(err error) { done <- err },
	}
	if err := s.reg.Put(h); err != nil {
		return err
	}
	m.reqPending.Add(1)
	defer m.reqPending.Add(-1)

	if err := s.send(peer, op, body); err != nil {
		s.reg.Cancel(h, err)
		return <-done
	}

	select {
	case err = <-done:
	case <-ctx.Done():
		s.reg.Cancel(h, ctx.Err())
		err = <-done // the request may have completed concurrently
	}
	if report.CodeOf(err) == report.TimeOut && ctx.Err() == nil {
		m.timeouts.Add(1)
		if n := s.cache.Evict(peer); n > 0 {
			s.r.log.Debug("evicted unresponsive peer", zap.Stringer("peer", peer))
		}
	}
	return err
}

// invalid returns an InvalidResponse report for a malformed reply to op.
func invalid(op Opcode, err error) error {
	return report.New(report.InvalidResponse, "%v reply: %v", op, err)
}

// Fire sends a message with the given opcode and body to peer without waiting
// for, or expecting, a reply.
func (r *Runner) Fire(peer netip.AddrPort, op Opcode, body []byte) error {
	s, err := r.session()
	if err != nil {
		return err
	}
	return s.send(peer, op, body)
}

// Ping checks that peer is responsive, and reports the round-trip time.
func (r *Runner) Ping(ctx context.Context, peer netip.AddrPort) (time.Duration, error) {
	s, err := r.session()
	if err != nil {
		return 0, err
	}
	start := r.clk.Now()
	if err := s.exchange(ctx, peer, OpPing, nil, nil); err != nil {
		return 0, err
	}
	return r.clk.Since(start), nil
}

// Query asks peer for the closest predecessor of target that it knows. If the
// peer names itself, the result carries the address the reply came from.
func (r *Runner) Query(ctx context.Context, peer netip.AddrPort, target key.Key) (node.Node, error) {
	s, err := r.session()
	if err != nil {
		return node.Node{}, err
	}
	if target.Size() != r.id.Size() {
		return node.Node{}, report.New(report.InvalidArgument, "target key has %d bytes, want %d", target.Size(), r.id.Size())
	}
	return s.query(ctx, peer, target)
}

func (s *session) query(ctx context.Context, peer netip.AddrPort, target key.Key) (node.Node, error) {
	var out node.Node
	err := s.exchange(ctx, peer, OpQuery, encodeKey(target), func(m Message) error {
		n, err := decodeNode(m.Body, s.self.ID.Size())
		if err != nil {
			return invalid(OpQuery, err)
		}
		if n.ID == m.Sender || !n.Addr.IsValid() || n.Addr.Addr().IsUnspecified() {
			n.Addr = peer
		}
		out = n
		return nil
	})
	return out, err
}

// Keys asks peer for the keys it stores.
func (r *Runner) Keys(ctx context.Context, peer netip.AddrPort) ([]key.Key, error) {
	s, err := r.session()
	if err != nil {
		return nil, err
	}
	var out []key.Key
	err = s.exchange(ctx, peer, OpKeys, nil, func(m Message) error {
		keys, err := decodeKeys(m.Body, s.self.ID.Size())
		if err != nil {
			return invalid(OpKeys, err)
		}
		out = keys
		return nil
	})
	return out, err
}

// Get fetches the value stored for k by its owner, and reports whether it was
// found. If r owns k, the value is read from its own storage.
func (r *Runner) Get(ctx context.Context, k key.Key) ([]byte, bool, error) {
	s, owner, err := r.owner(ctx, k)
	if err != nil {
		return nil, false, err
	}
	if owner.ID == s.self.ID {
		data, ok := r.opts.Storage.Get(k)
		return bytes.Clone(data), ok, nil
	}

	var data []byte
	var found bool
	err = s.exchange(ctx, owner.Addr, OpGet, encodeKey(k), func(m Message) error {
		v, ok, err := decodeValue(m.Body)
		if err != nil {
			return invalid(OpGet, err)
		}
		data, found = bytes.Clone(v), ok
		return nil
	})
	return data, found, err
}

// Set stores data for k at its owner. If r owns k, the value is written to its
// own storage.
func (r *Runner) Set(ctx context.Context, k key.Key, data []byte) error {
	s, owner, err := r.owner(ctx, k)
	if err != nil {
		return err
	}
	if owner.ID == s.self.ID {
		r.opts.Storage.Set(k, bytes.Clone(data))
		return nil
	}
	return s.exchange(ctx, owner.Addr, OpSet, encodeSet(k, data), nil)
}

// owner routes to the owner of k, for a request that requires storage.
func (r *Runner) owner(ctx context.Context, k key.Key) (*session, node.Node, error) {
	s, err := r.session()
	if err != nil {
		return nil, node.Node{}, err
	}
	if r.opts.Storage == nil {
		return nil, node.Node{}, report.New(report.InvalidArgument, "no storage")
	}
	n, err := r.Route(ctx, k)
	if err != nil {
		return nil, node.Node{}, fmt.Errorf("route %s: %w", k.Short(), err)
	}
	return s, n, nil
}

// Data sends application data to peer. It does not wait for delivery.
func (r *Runner) Data(peer netip.AddrPort, data []byte) error { return r.Fire(peer, OpData, data) }

// Flood sends application data to every peer in the cache, and returns the
// number of peers it was sent to.
func (r *Runner) Flood(data []byte) int {
	return r.SendWhere(func(node.Node) bool { return true }, data)
}

// SendWhere sends application data to each cached peer for which keep returns
// true, and returns the number of peers it was sent to.
func (r *Runner) SendWhere(keep func(node.Node) bool, data []byte) int {
	s, err := r.session()
	if err != nil {
		return 0
	}
	var nsent int
	for _, n := range s.cache.Peers() {
		if keep(n) && s.send(n.Addr, OpData, data) == nil {
			nsent++
		}
	}
	return nsent
}
