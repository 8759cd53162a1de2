// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package handler implements a registry of pending requests, keyed by the
// endpoint of the peer that is expected to answer.
//
// At most one request may be pending for a given peer. Every request carries a
// deadline, and the registry keeps a single timer on a [timewheel.Wheel] armed
// for the soonest of them. Each [Handle] ends exactly once: its End callback
// runs when a response arrives, when its deadline passes, or when it is
// aborted or cancelled, whichever happens first.
package handler

import (
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/creachadair/chord/report"
	"github.com/creachadair/chord/timewheel"
	"go.uber.org/zap"
)

// A Handle is a request awaiting a response from Peer.
type Handle struct {
	Peer   netip.AddrPort
	Expire time.Time

	// Callback, if set, is called with the response payload if it arrives
	// before Expire. Its error is passed to End.
	Callback func(data []byte) error

	// End is called exactly once with the final status of the request: nil
	// for success, or an error. It must not block.
	End func(error)
}

func (h *Handle) finish(err error) {
	if h.End != nil {
		h.End(err)
	}
}

// A Registry tracks pending requests. It is safe for concurrent use.
// Callbacks are invoked without any lock held, so they may issue new requests.
type Registry struct {
	wheel *timewheel.Wheel
	clk   clock.Clock
	log   *zap.Logger

	μ       sync.Mutex
	pending map[netip.AddrPort]*Handle
	timer   *timewheel.Entry // armed for due, or nil
	due     time.Time
	err     error // set when the registry is closed
}

// New constructs an empty registry whose deadlines are scheduled on w and
// measured by clk. If log == nil, logging is discarded.
func New(w *timewheel.Wheel, clk clock.Clock, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		wheel:   w,
		clk:     clk,
		log:     log,
		pending: make(map[netip.AddrPort]*Handle),
	}
}

// Put registers h. It reports an error without registering h if a request
// for h.Peer is already pending (Occupied) or the registry is closed.
func (r *Registry) Put(h *Handle) error {
	r.μ.Lock()
	defer r.μ.Unlock()
	if r.err != nil {
		return r.err
	} else if _, ok := r.pending[h.Peer]; ok {
		return report.New(report.Occupied, "peer %v", h.Peer)
	}
	r.pending[h.Peer] = h
	if r.timer == nil || h.Expire.Before(r.due) {
		r.rescheduleLocked()
	}
	return nil
}

// Take completes the request pending for peer with the response data. It
// reports false if no request was pending. If the request had already expired
// it ends with TimeOut and its Callback is not called.
func (r *Registry) Take(peer netip.AddrPort, data []byte) bool {
	h := r.remove(peer, nil)
	if h == nil {
		return false
	}
	if r.clk.Now().After(h.Expire) {
		h.finish(report.New(report.TimeOut, "late response from %v", peer))
		return true
	}
	var err error
	if h.Callback != nil {
		err = h.Callback(data)
	}
	h.finish(err)
	return true
}

// Abort ends the request pending for peer with err, and reports whether one
// was pending.
func (r *Registry) Abort(peer netip.AddrPort, err error) bool {
	h := r.remove(peer, nil)
	if h == nil {
		return false
	}
	h.finish(err)
	return true
}

// Cancel ends h with err if h is still pending, and reports whether it was.
// Unlike Abort, Cancel has no effect if a different request is now pending for
// the same peer.
func (r *Registry) Cancel(h *Handle, err error) bool {
	if r.remove(h.Peer, h) == nil {
		return false
	}
	h.finish(err)
	return true
}

// Clean ends every request whose deadline has passed with TimeOut, and re-arms
// the timer for the soonest remaining deadline. It is called by the timer, and
// returns the number of requests expired.
func (r *Registry) Clean() int {
	now := r.clk.Now()

	r.μ.Lock()
	var expired []*Handle
	for peer, h := range r.pending {
		if !h.Expire.After(now) {
			expired = append(expired, h)
			delete(r.pending, peer)
		}
	}
	r.timer = nil
	r.rescheduleLocked()
	r.μ.Unlock()

	for _, h := range expired {
		r.log.Debug("request timed out", zap.Stringer("peer", h.Peer))
		h.finish(report.New(report.TimeOut, "no response from %v", h.Peer))
	}
	return len(expired)
}

// Close ends all pending requests with err and rejects further requests. If
// err == nil, a generic error is used. Close is idempotent.
func (r *Registry) Close(err error) {
	if err == nil {
		err = report.New(report.InvalidArgument, "registry closed")
	}
	r.μ.Lock()
	if r.err != nil {
		r.μ.Unlock()
		return
	}
	r.err = err
	hs := make([]*Handle, 0, len(r.pending))
	for _, h := range r.pending {
		hs = append(hs, h)
	}
	clear(r.pending)
	r.wheel.Remove(r.timer)
	r.timer = nil
	r.μ.Unlock()

	for _, h := range hs {
		h.finish(err)
	}
}

// Len reports the number of pending requests.
func (r *Registry) Len() int {
	r.μ.Lock()
	defer r.μ.Unlock()
	return len(r.pending)
}

// remove unregisters the handle for peer, if it matches want (or if want is
// nil), and returns it. It returns nil if there was no such handle.
func (r *Registry) remove(peer netip.AddrPort, want *Handle) *Handle {
	r.μ.Lock()
	defer r.μ.Unlock()
	h, ok := r.pending[peer]
	if !ok || (want != nil && h != want) {
		return nil
	}
	delete(r.pending, peer)
	if len(r.pending) == 0 {
		r.wheel.Remove(r.timer)
		r.timer = nil
	}
	return h
}

// rescheduleLocked arms the timer for the soonest pending deadline, or
// disarms it if nothing is pending. The caller must hold r.μ.
func (r *Registry) rescheduleLocked() {
	var next time.Time
	for _, h := range r.pending {
		if next.IsZero() || h.Expire.Before(next) {
			next = h.Expire
		}
	}
	if r.timer != nil {
		if next.Equal(r.due) {
			return
		}
		r.wheel.Remove(r.timer)
		r.timer = nil
	}
	if next.IsZero() {
		return
	}
	r.due = next
	r.timer = r.wheel.Add(next.Sub(r.clk.Now()), func() { r.Clean() })
}
