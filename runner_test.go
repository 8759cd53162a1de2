// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package chord_test

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/chord"
	"github.com/creachadair/chord/key"
	"github.com/creachadair/chord/node"
	"github.com/creachadair/chord/peers"
	"github.com/creachadair/chord/report"
	"github.com/creachadair/chord/store"
	"github.com/creachadair/chord/transport"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"
)

func testOptions(t *testing.T) *chord.Options {
	return &chord.Options{
		Storage: store.NewMemory(100),
		Logger:  zaptest.NewLogger(t),
	}
}

// startRunner starts a runner with the given hex id on the loopback.
func startRunner(t *testing.T, id string, opts *chord.Options) *chord.Runner {
	t.Helper()
	r, err := chord.Listen(peers.LoopbackAddr, key.MustParse(id), opts)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Logf("Runner %v listening at %v", r.ID(), r.Addr())
	return r
}

func stopRunner(t *testing.T, r *chord.Runner) {
	t.Helper()
	if err := r.Stop(); err != nil {
		t.Errorf("Stop %v: %v", r.ID(), err)
	}
	checkZero(t, r.Metrics(), "requests_pending")
}

func startRing(t *testing.T, opts func(int) *chord.Options, ids ...string) *peers.Ring {
	t.Helper()
	keys := make([]key.Key, len(ids))
	for i, id := range ids {
		keys[i] = key.MustParse(id)
	}
	ring, err := peers.Start(t.Context(), keys, opts)
	if err != nil {
		t.Fatalf("Start ring: %v", err)
	}
	return ring
}

func stopRing(t *testing.T, ring *peers.Ring) {
	t.Helper()
	if err := ring.Stop(); err != nil {
		t.Errorf("Stop ring: %v", err)
	}
	for _, r := range ring.Runners {
		checkZero(t, r.Metrics(), "requests_pending")
	}
}

func metric(m *expvar.Map, name string) int64 { return m.Get(name).(*expvar.Int).Value() }

func checkZero(t *testing.T, m *expvar.Map, name string) {
	t.Helper()
	if v := metric(m, name); v != 0 {
		t.Errorf("Metric %q = %d, want 0", name, v)
	}
}

// waitFor polls cond until it is true or the test context ends.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	for !cond() {
		select {
		case <-ctx.Done():
			t.Fatalf("Timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// deadPeer returns the address of a UDP socket that never replies.
func deadPeer(t *testing.T) (*net.UDPConn, netip.AddrPort) {
	t.Helper()
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.MustParseAddrPort(peers.LoopbackAddr)))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func TestBootstrap(t *testing.T) {
	defer leaktest.Check(t)()

	a := startRunner(t, "10", testOptions(t))
	defer stopRunner(t, a)
	b := startRunner(t, "a0", testOptions(t))
	defer stopRunner(t, b)

	if err := a.Bootstrap(t.Context(), b.Addr()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	ac := a.Cache()
	i := ac.NeighborHood(b.ID())
	if want := b.ID().Sub(a.ID()).MSNB(); i != want {
		t.Errorf("NeighborHood(%v): got %d, want %d", b.ID(), i, want)
	}
	if got, ok := ac.Lookup(i); !ok || got != b.Self() {
		t.Errorf("A cache bucket %d: got (%v, %v), want %v", i, got, ok, b.Self())
	}

	// The seed learned about the joining node from its messages.
	bc := b.Cache()
	if got, ok := bc.Lookup(bc.NeighborHood(a.ID())); !ok || got != a.Self() {
		t.Errorf("B cache: got (%v, %v), want %v", got, ok, a.Self())
	}
	if got, ok := ac.Lookup(0); !ok || got != a.Self() {
		t.Errorf("A cache bucket 0: got (%v, %v), want %v", got, ok, a.Self())
	}
}

func TestBootstrapCritical(t *testing.T) {
	defer leaktest.Check(t)()

	a := startRunner(t, "20", testOptions(t))
	defer stopRunner(t, a)
	b := startRunner(t, "60", testOptions(t))
	defer stopRunner(t, b)

	var μ sync.Mutex
	var targets []string
	a.LogMessages(func(m chord.MessageInfo) {
		if m.Sent && m.Op == chord.OpQuery {
			μ.Lock()
			defer μ.Unlock()
			targets = append(targets, key.New(m.Body).String())
		}
	})
	if err := a.Bootstrap(t.Context(), b.Addr()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	// The first query seeks the critical neighbor 20 + 2^7, and the refresh
	// then seeks the key just below 20.
	μ.Lock()
	defer μ.Unlock()
	if len(targets) < 2 || targets[0] != "a0" || targets[1] != "1f" {
		t.Errorf("Query targets: got %q, want [a0 1f ...]", targets)
	}
}

func TestPing(t *testing.T) {
	defer leaktest.Check(t)()

	a := startRunner(t, "10", testOptions(t))
	defer stopRunner(t, a)
	b := startRunner(t, "a0", testOptions(t))
	defer stopRunner(t, b)

	var nsent, nrecv atomic.Int64
	a.LogMessages(func(m chord.MessageInfo) {
		t.Logf("A: %v", m)
		if m.Sent {
			nsent.Add(1)
		} else {
			nrecv.Add(1)
		}
	})

	rtt, err := a.Ping(t.Context(), b.Addr())
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if rtt < 0 {
		t.Errorf("Ping: got negative RTT %v", rtt)
	}
	t.Logf("Ping %v: %v", b.Addr(), rtt)

	if s, r := nsent.Load(), nrecv.Load(); s != 1 || r != 1 {
		t.Errorf("Message log: got %d sent, %d received; want 1, 1", s, r)
	}
	am, bm := a.Metrics(), b.Metrics()
	if v := metric(am, "requests_out"); v != 1 {
		t.Errorf("A requests_out: got %d, want 1", v)
	}
	if v := metric(bm, "requests_in"); v != 1 {
		t.Errorf("B requests_in: got %d, want 1", v)
	}
	checkZero(t, am, "requests_failed")
	checkZero(t, am, "requests_pending")
}

func TestRouteSelf(t *testing.T) {
	defer leaktest.Check(t)()

	ring := startRing(t, func(int) *chord.Options { return testOptions(t) }, "10", "50", "a0")
	defer stopRing(t, ring)

	for _, r := range ring.Runners {
		m := r.Metrics()
		sent, recv := metric(m, "messages_sent"), metric(m, "messages_received")

		got, err := r.Route(t.Context(), r.ID())
		if err != nil {
			t.Fatalf("Route(%v): %v", r.ID(), err)
		}
		if got != r.Self() {
			t.Errorf("Route(%v): got %v, want %v", r.ID(), got, r.Self())
		}
		if s, v := metric(m, "messages_sent"), metric(m, "messages_received"); s != sent || v != recv {
			t.Errorf("Route(self) did I/O: sent %d → %d, received %d → %d", sent, s, recv, v)
		}
	}
}

func TestRouteBadKey(t *testing.T) {
	defer leaktest.Check(t)()

	a := startRunner(t, "10", testOptions(t))
	defer stopRunner(t, a)

	bad := key.MustParse("0102")
	if got, err := a.Route(t.Context(), bad); !errors.Is(err, report.ErrInvalidArgument) {
		t.Errorf("Route(%v): got (%v, %v), want %v", bad, got, err, report.ErrInvalidArgument)
	}
	if got, err := a.Query(t.Context(), a.Addr(), bad); !errors.Is(err, report.ErrInvalidArgument) {
		t.Errorf("Query(%v): got (%v, %v), want %v", bad, got, err, report.ErrInvalidArgument)
	}
}

func TestSetGet(t *testing.T) {
	defer leaktest.Check(t)()

	ring := startRing(t, func(int) *chord.Options { return testOptions(t) }, "10", "50", "a0")
	defer stopRing(t, ring)

	large := bytes.Repeat([]byte("0123456789abcdef"), 1000) // several datagrams
	values := map[string][]byte{
		"05": []byte("early"),
		"30": []byte("apple"),
		"77": []byte("pear"),
		"f0": []byte("plum"),
		"a8": large,
	}
	for i, r := range ring.Runners {
		for id, want := range values {
			k := key.MustParse(id)
			val := append([]byte{byte(i)}, want...)
			if err := r.Set(t.Context(), k, val); err != nil {
				t.Fatalf("Runner %d: Set(%v): %v", i, k, err)
			}

			// Every runner agrees on the value.
			for j, q := range ring.Runners {
				got, ok, err := q.Get(t.Context(), k)
				if err != nil {
					t.Fatalf("Runner %d: Get(%v): %v", j, k, err)
				}
				if !ok || !bytes.Equal(got, val) {
					t.Errorf("Runner %d: Get(%v): got (%d bytes, %v), want %d bytes", j, k, len(got), ok, len(val))
				}
			}
		}
	}

	// Each value is stored at its owner.
	addrs := ring.Addrs()
	held := make(map[int][]string)
	for id := range values {
		i := ring.Owner(key.MustParse(id))
		held[i] = append(held[i], id)
	}
	for i, r := range ring.Runners {
		keys, err := ring.Runners[(i+1)%len(ring.Runners)].Keys(t.Context(), addrs[i])
		if err != nil {
			t.Fatalf("Keys(%v): %v", r.ID(), err)
		}
		var got []string
		for _, k := range keys {
			got = append(got, k.String())
		}
		slices.Sort(got)
		want := held[i]
		slices.Sort(want)
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("Keys(%v) (-got, +want):\n%s", r.ID(), diff)
		}
	}

	// A key nobody stored is reported missing.
	if got, ok, err := ring.Runners[0].Get(t.Context(), key.MustParse("c3")); err != nil || ok {
		t.Errorf("Get(c3): got (%q, %v, %v), want not found", got, ok, err)
	}
}

func TestSetGetRandom(t *testing.T) {
	defer leaktest.Check(t)()

	for trial := range 10 {
		ids, err := peers.Keys(3, key.DefaultSize)
		if err != nil {
			t.Fatalf("Keys: %v", err)
		}
		ring, err := peers.Start(t.Context(), ids, func(int) *chord.Options { return testOptions(t) })
		if err != nil {
			t.Fatalf("Trial %d: start ring: %v", trial, err)
		}
		for range 5 {
			k, err := key.Generate(key.DefaultSize)
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			owner := ring.Runners[ring.Owner(k)].Self()
			for i, r := range ring.Runners {
				if got, err := r.Route(t.Context(), k); err != nil || got != owner {
					t.Errorf("Trial %d: runner %d: Route(%v): got (%v, %v), want %v", trial, i, k, got, err, owner)
				}

				val := []byte(fmt.Sprintf("%d:%v", i, k))
				if err := r.Set(t.Context(), k, val); err != nil {
					t.Fatalf("Trial %d: runner %d: Set(%v): %v", trial, i, k, err)
				}
				for j, q := range ring.Runners {
					got, ok, err := q.Get(t.Context(), k)
					if err != nil {
						t.Fatalf("Trial %d: runner %d: Get(%v): %v", trial, j, k, err)
					}
					if !ok || !bytes.Equal(got, val) {
						t.Errorf("Trial %d: runner %d: Get(%v): got (%q, %v), want %q", trial, j, k, got, ok, val)
					}
				}
			}
		}
		if err := ring.Stop(); err != nil {
			t.Errorf("Trial %d: stop ring: %v", trial, err)
		}
	}
}

func TestInvalid(t *testing.T) {
	defer leaktest.Check(t)()

	a := startRunner(t, "10", testOptions(t))
	defer stopRunner(t, a)
	b := startRunner(t, "a0", &chord.Options{Logger: zaptest.NewLogger(t)}) // no storage
	defer stopRunner(t, b)

	if err := a.Bootstrap(t.Context(), b.Addr()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	t.Run("Local", func(t *testing.T) {
		_, _, err := b.Get(t.Context(), key.MustParse("30"))
		if !errors.Is(err, report.ErrInvalidArgument) {
			t.Errorf("Get without storage: got %v, want %v", err, report.ErrInvalidArgument)
		}
	})

	t.Run("Remote", func(t *testing.T) {
		// B owns keys after a0, but has no storage and rejects the request.
		err := a.Set(t.Context(), key.MustParse("b0"), []byte("ok"))
		if !errors.Is(err, report.ErrInvalidArgument) {
			t.Errorf("Set at B: got %v, want %v", err, report.ErrInvalidArgument)
		}
		if _, err := a.Keys(t.Context(), b.Addr()); !errors.Is(err, report.ErrInvalidArgument) {
			t.Errorf("Keys at B: got %v, want %v", err, report.ErrInvalidArgument)
		}
		if v := metric(b.Metrics(), "requests_in_failed"); v != 2 {
			t.Errorf("B requests_in_failed: got %d, want 2", v)
		}
	})

	t.Run("Unknown", func(t *testing.T) {
		// An unsolicited rejection is dropped.
		before := metric(a.Metrics(), "messages_dropped")
		if err := a.Fire(b.Addr(), chord.Opcode(99), nil); err != nil {
			t.Fatalf("Fire: %v", err)
		}
		waitFor(t, "rejection", func() bool {
			return metric(a.Metrics(), "messages_dropped") > before
		})
	})
}

func TestOccupied(t *testing.T) {
	defer leaktest.Check(t)()

	a := startRunner(t, "10", &chord.Options{
		Timeout: time.Minute,
		Logger:  zaptest.NewLogger(t),
	})
	defer stopRunner(t, a)
	_, dead := deadPeer(t)

	ctx, cancel := context.WithCancel(t.Context())
	first := taskgroup.Go(func() error {
		_, err := a.Ping(ctx, dead)
		return err
	})
	waitFor(t, "pending request", func() bool {
		return metric(a.Metrics(), "requests_pending") == 1
	})

	if _, err := a.Ping(t.Context(), dead); !errors.Is(err, report.ErrOccupied) {
		t.Errorf("Second ping: got %v, want %v", err, report.ErrOccupied)
	}

	cancel()
	if err := first.Wait(); !errors.Is(err, context.Canceled) {
		t.Errorf("First ping: got %v, want %v", err, context.Canceled)
	}
	checkZero(t, a.Metrics(), "timeouts")
}

func TestTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	data := make(chan node.Node, 1)
	a := startRunner(t, "10", &chord.Options{
		Timeout: 100 * time.Millisecond,
		Logger:  zaptest.NewLogger(t),
	}).HandleData(func(from node.Node, _ []byte) { data <- from })
	defer stopRunner(t, a)

	// Introduce a peer to A that will not answer.
	conn, dead := deadPeer(t)
	msg := chord.Message{Sender: key.MustParse("80"), Op: chord.OpData, Body: []byte("hello")}
	if _, err := conn.WriteToUDPAddrPort(transport.Frame(msg.Encode()), a.Addr()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	from := <-data
	if want := (node.Node{ID: msg.Sender, Addr: dead}); from != want {
		t.Errorf("Data from: got %v, want %v", from, want)
	}
	if n := a.Cache().Len(); n != 2 {
		t.Fatalf("Cache size: got %d, want 2", n)
	}

	if _, err := a.Ping(t.Context(), dead); !errors.Is(err, report.ErrTimeOut) {
		t.Errorf("Ping: got %v, want %v", err, report.ErrTimeOut)
	}
	if n := a.Cache().Len(); n != 1 {
		t.Errorf("Cache size after timeout: got %d, want 1", n)
	}
	if v := metric(a.Metrics(), "timeouts"); v != 1 {
		t.Errorf("Metric timeouts: got %d, want 1", v)
	}
}

func TestIncompleteResponse(t *testing.T) {
	defer leaktest.Check(t)()

	const requestTimeout = 10 * time.Second
	data := make(chan node.Node, 1)
	a := startRunner(t, "10", &chord.Options{
		Timeout:           requestTimeout,
		ReassemblyTimeout: 100 * time.Millisecond,
		Logger:            zaptest.NewLogger(t),
	}).HandleData(func(from node.Node, _ []byte) { data <- from })
	defer stopRunner(t, a)

	conn, peer := deadPeer(t)
	msg := chord.Message{Sender: key.MustParse("80"), Op: chord.OpData, Body: []byte("hello")}
	if _, err := conn.WriteToUDPAddrPort(transport.Frame(msg.Encode()), a.Addr()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	<-data
	if n := a.Cache().Len(); n != 2 {
		t.Fatalf("Cache size: got %d, want 2", n)
	}

	// The peer answers the ping with only the first datagram of a response.
	reply := taskgroup.Go(func() error {
		buf := make([]byte, 2048)
		_, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return err
		}
		rsp := chord.Message{Sender: key.MustParse("80"), Op: chord.OpResponse, Body: make([]byte, 500)}
		_, err = conn.WriteToUDPAddrPort(transport.Split(transport.Frame(rsp.Encode()), 100)[0], from)
		return err
	})

	start := time.Now()
	if _, err := a.Ping(t.Context(), peer); !errors.Is(err, report.ErrTimeOut) {
		t.Errorf("Ping: got %v, want %v", err, report.ErrTimeOut)
	}
	if err := reply.Wait(); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= requestTimeout/2 {
		t.Errorf("Ping took %v, want well under the request timeout", elapsed)
	}
	if n := a.Cache().Len(); n != 1 {
		t.Errorf("Cache size after timeout: got %d, want 1", n)
	}
	if v := metric(a.Metrics(), "timeouts"); v != 1 {
		t.Errorf("Metric timeouts: got %d, want 1", v)
	}
	st := a.Metrics().Get("transport").(expvar.Func)().(transport.Stats)
	if st.Timeouts != 1 {
		t.Errorf("Transport timeouts: got %d, want 1", st.Timeouts)
	}
}

func TestData(t *testing.T) {
	defer leaktest.Check(t)()

	type delivery struct {
		to   int
		from key.Key
		data string
	}
	got := make(chan delivery, 10)
	ring := startRing(t, func(int) *chord.Options { return testOptions(t) }, "10", "50", "a0")
	defer stopRing(t, ring)
	for i, r := range ring.Runners {
		r.HandleData(func(from node.Node, data []byte) {
			got <- delivery{to: i, from: from.ID, data: string(data)}
		})
	}
	a := ring.Runners[0]
	addrs := ring.Addrs()

	collect := func(n int) []delivery {
		var out []delivery
		for range n {
			out = append(out, <-got)
		}
		slices.SortFunc(out, func(a, b delivery) int { return a.to - b.to })
		return out
	}
	opt := cmp.Comparer(key.Key.Equal)

	if err := a.Data(addrs[1], []byte("one")); err != nil {
		t.Fatalf("Data: %v", err)
	}
	if diff := cmp.Diff(collect(1), []delivery{{1, a.ID(), "one"}}, opt, cmp.AllowUnexported(delivery{})); diff != "" {
		t.Errorf("Data (-got, +want):\n%s", diff)
	}

	if n := a.Flood([]byte("all")); n != 2 {
		t.Errorf("Flood: sent to %d peers, want 2", n)
	}
	if diff := cmp.Diff(collect(2), []delivery{
		{1, a.ID(), "all"}, {2, a.ID(), "all"},
	}, opt, cmp.AllowUnexported(delivery{})); diff != "" {
		t.Errorf("Flood (-got, +want):\n%s", diff)
	}

	last := ring.Runners[2].ID()
	if n := a.SendWhere(func(n node.Node) bool { return n.ID == last }, []byte("some")); n != 1 {
		t.Errorf("SendWhere: sent to %d peers, want 1", n)
	}
	if diff := cmp.Diff(collect(1), []delivery{{2, a.ID(), "some"}}, opt, cmp.AllowUnexported(delivery{})); diff != "" {
		t.Errorf("SendWhere (-got, +want):\n%s", diff)
	}
}

func TestLifecycle(t *testing.T) {
	defer leaktest.Check(t)()

	r := chord.NewRunner(key.MustParse("10"), &chord.Options{
		Timeout: time.Minute,
		Logger:  zaptest.NewLogger(t),
	})
	if _, err := r.Ping(t.Context(), netip.MustParseAddrPort("127.0.0.1:1")); !errors.Is(err, chord.ErrStopped) {
		t.Errorf("Ping before start: got %v, want %v", err, chord.ErrStopped)
	}
	if c := r.Cache(); c != nil {
		t.Errorf("Cache before start: got %v, want nil", c)
	}
	if r.Addr().IsValid() {
		t.Errorf("Addr before start: got %v, want invalid", r.Addr())
	}

	exited := make(chan error, 2)
	r.OnExit(func(err error) { exited <- err })

	for range 2 {
		conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.MustParseAddrPort(peers.LoopbackAddr)))
		if err != nil {
			t.Fatalf("Listen: %v", err)
		}
		r.Start(conn)
		if !r.Addr().IsValid() {
			t.Error("Addr after start is invalid")
		}

		// A request pending at exit reports that the runner stopped.
		_, dead := deadPeer(t)
		pending := taskgroup.Go(func() error {
			_, err := r.Ping(t.Context(), dead)
			return err
		})
		waitFor(t, "pending request", func() bool {
			return metric(r.Metrics(), "requests_pending") == 1
		})
		if err := r.Stop(); err != nil {
			t.Errorf("Stop: unexpected error: %v", err)
		}
		if err := pending.Wait(); !errors.Is(err, chord.ErrStopped) {
			t.Errorf("Pending ping: got %v, want %v", err, chord.ErrStopped)
		}
		if err := <-exited; err != nil {
			t.Errorf("OnExit: got %v, want nil", err)
		}
		if err := r.Wait(); err != nil {
			t.Errorf("Wait: unexpected error: %v", err)
		}
	}
	if c := r.Cache(); c == nil || c.Len() != 1 {
		t.Errorf("Cache after stop: got %v, want self only", c)
	}
	checkZero(t, r.Metrics(), "requests_pending")
}
