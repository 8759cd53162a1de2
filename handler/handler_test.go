// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package handler_test

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/creachadair/chord/handler"
	"github.com/creachadair/chord/report"
	"github.com/creachadair/chord/timewheel"
	"go.uber.org/zap/zaptest"
)

const interval = 10 * time.Millisecond

type harness struct {
	clk   *clock.Mock
	wheel *timewheel.Wheel
	reg   *handler.Registry
}

func newHarness(t *testing.T) *harness {
	clk := clock.NewMock()
	w := timewheel.New(interval, 16, 3)
	return &harness{clk: clk, wheel: w, reg: handler.New(w, clk, zaptest.NewLogger(t))}
}

// advance moves the mock clock forward by d, ticking the wheel once per
// interval as a transport would.
func (h *harness) advance(d time.Duration) {
	for ; d > 0; d -= interval {
		h.clk.Add(interval)
		h.wheel.Tick()
	}
}

// ends records the statuses delivered to End callbacks.
type ends struct{ errs []error }

func (e *ends) handle(h *harness, peer string, timeout time.Duration) *handler.Handle {
	return &handler.Handle{
		Peer:   netip.MustParseAddrPort(peer),
		Expire: h.clk.Now().Add(timeout),
		End:    func(err error) { e.errs = append(e.errs, err) },
	}
}

func TestTake(t *testing.T) {
	h := newHarness(t)
	var e ends
	var got string
	hd := e.handle(h, "127.0.0.1:1", time.Second)
	hd.Callback = func(data []byte) error { got = string(data); return nil }

	if err := h.reg.Put(hd); err != nil {
		t.Fatalf("Put: unexpected error: %v", err)
	}
	if err := h.reg.Put(e.handle(h, "127.0.0.1:1", time.Second)); !errors.Is(err, report.ErrOccupied) {
		t.Errorf("Put duplicate: got %v, want %v", err, report.ErrOccupied)
	}
	if n := h.reg.Len(); n != 1 {
		t.Errorf("Len: got %d, want 1", n)
	}
	if !h.reg.Take(hd.Peer, []byte("hello")) {
		t.Fatal("Take: reported no pending request")
	}
	if h.reg.Take(hd.Peer, []byte("again")) {
		t.Error("Take again: reported a pending request")
	}
	if got != "hello" {
		t.Errorf("Callback data: got %q, want hello", got)
	}
	if len(e.errs) != 1 || e.errs[0] != nil {
		t.Errorf("End: got %v, want [nil]", e.errs)
	}
	if n := h.wheel.Len(); n != 0 {
		t.Errorf("Wheel Len after Take: got %d, want 0", n)
	}
}

func TestCallbackError(t *testing.T) {
	h := newHarness(t)
	var e ends
	bad := errors.New("bad response")
	hd := e.handle(h, "127.0.0.1:2", time.Second)
	hd.Callback = func([]byte) error { return bad }
	if err := h.reg.Put(hd); err != nil {
		t.Fatalf("Put: %v", err)
	}
	h.reg.Take(hd.Peer, nil)
	if len(e.errs) != 1 || e.errs[0] != bad {
		t.Errorf("End: got %v, want [%v]", e.errs, bad)
	}
}

func TestTimeout(t *testing.T) {
	h := newHarness(t)
	var fast, slow ends
	if err := h.reg.Put(slow.handle(h, "127.0.0.1:3", 500*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	// A sooner deadline re-arms the shared timer.
	if err := h.reg.Put(fast.handle(h, "127.0.0.1:4", 100*time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	h.advance(90 * time.Millisecond)
	if len(fast.errs) != 0 {
		t.Fatalf("Fast request ended early: %v", fast.errs)
	}
	h.advance(20 * time.Millisecond)
	if len(fast.errs) != 1 || !errors.Is(fast.errs[0], report.ErrTimeOut) {
		t.Errorf("Fast request: got %v, want one TimeOut", fast.errs)
	}
	if len(slow.errs) != 0 {
		t.Errorf("Slow request ended early: %v", slow.errs)
	}
	if n := h.reg.Len(); n != 1 {
		t.Errorf("Len: got %d, want 1", n)
	}

	h.advance(time.Second)
	if len(slow.errs) != 1 || !errors.Is(slow.errs[0], report.ErrTimeOut) {
		t.Errorf("Slow request: got %v, want one TimeOut", slow.errs)
	}
	if n := h.reg.Len(); n != 0 {
		t.Errorf("Len: got %d, want 0", n)
	}
	if n := h.wheel.Len(); n != 0 {
		t.Errorf("Wheel Len: got %d, want 0", n)
	}
}

func TestLateResponse(t *testing.T) {
	h := newHarness(t)
	var e ends
	called := false
	hd := e.handle(h, "127.0.0.1:5", 50*time.Millisecond)
	hd.Callback = func([]byte) error { called = true; return nil }
	if err := h.reg.Put(hd); err != nil {
		t.Fatal(err)
	}

	// Move the clock past the deadline without ticking the wheel.
	h.clk.Add(time.Second)
	if !h.reg.Take(hd.Peer, []byte("late")) {
		t.Fatal("Take: reported no pending request")
	}
	if called {
		t.Error("Callback was called for a late response")
	}
	if len(e.errs) != 1 || !errors.Is(e.errs[0], report.ErrTimeOut) {
		t.Errorf("End: got %v, want one TimeOut", e.errs)
	}
}

func TestCancelAbort(t *testing.T) {
	h := newHarness(t)
	var a, b ends
	ha := a.handle(h, "127.0.0.1:6", time.Second)
	if err := h.reg.Put(ha); err != nil {
		t.Fatal(err)
	}
	stop := errors.New("stop")
	if !h.reg.Abort(ha.Peer, stop) {
		t.Error("Abort: reported no pending request")
	}
	if h.reg.Cancel(ha, stop) {
		t.Error("Cancel after Abort: reported pending")
	}

	// Cancel must not disturb a newer request for the same peer.
	hb := b.handle(h, "127.0.0.1:6", time.Second)
	if err := h.reg.Put(hb); err != nil {
		t.Fatal(err)
	}
	if h.reg.Cancel(ha, stop) {
		t.Error("Cancel of a stale handle: reported pending")
	}
	if !h.reg.Cancel(hb, stop) {
		t.Error("Cancel: reported not pending")
	}
	h.advance(2 * time.Second)

	if len(a.errs) != 1 || a.errs[0] != stop {
		t.Errorf("First request: got %v, want [%v]", a.errs, stop)
	}
	if len(b.errs) != 1 || b.errs[0] != stop {
		t.Errorf("Second request: got %v, want [%v]", b.errs, stop)
	}
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	var e ends
	for _, p := range []string{"127.0.0.1:7", "127.0.0.1:8", "[::1]:9"} {
		if err := h.reg.Put(e.handle(h, p, time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	done := errors.New("runner stopped")
	h.reg.Close(done)
	h.reg.Close(errors.New("ignored"))
	if len(e.errs) != 3 {
		t.Fatalf("End calls: got %d, want 3", len(e.errs))
	}
	for i, err := range e.errs {
		if err != done {
			t.Errorf("End %d: got %v, want %v", i, err, done)
		}
	}
	if err := h.reg.Put(e.handle(h, "127.0.0.1:7", time.Second)); err != done {
		t.Errorf("Put after Close: got %v, want %v", err, done)
	}
	if n := h.wheel.Len(); n != 0 {
		t.Errorf("Wheel Len: got %d, want 0", n)
	}
}
