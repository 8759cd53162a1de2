// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package chord_test

import (
	"context"
	"testing"

	"github.com/creachadair/chord"
	"github.com/creachadair/chord/key"
	"github.com/creachadair/chord/peers"
	"github.com/creachadair/chord/store"
)

func benchRing(b *testing.B, n int) *peers.Ring {
	b.Helper()
	ids, err := peers.Keys(n, key.DefaultSize)
	if err != nil {
		b.Fatalf("Keys: %v", err)
	}
	ring, err := peers.Start(context.Background(), ids, func(int) *chord.Options {
		return &chord.Options{Storage: store.NewMemory(1000)}
	})
	if err != nil {
		b.Fatalf("Start ring: %v", err)
	}
	b.Cleanup(func() {
		if err := ring.Stop(); err != nil {
			b.Errorf("Stop ring: %v", err)
		}
	})
	return ring
}

func BenchmarkPing(b *testing.B) {
	ring := benchRing(b, 2)
	a, peer := ring.Runners[0], ring.Runners[1].Addr()
	ctx := context.Background()

	for b.Loop() {
		if _, err := a.Ping(ctx, peer); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRoute(b *testing.B) {
	ring := benchRing(b, 16)
	ctx := context.Background()

	var hops int64
	for i := 0; b.Loop(); i++ {
		r := ring.Runners[i%len(ring.Runners)]
		k, err := key.Hash([]byte{byte(i), byte(i >> 8)}, key.DefaultSize)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := r.Route(ctx, k); err != nil {
			b.Fatal(err)
		}
	}
	for _, r := range ring.Runners {
		hops += metric(r.Metrics(), "route_hops")
	}
	b.ReportMetric(float64(hops)/float64(b.N), "hops/op")
}

func BenchmarkSetGet(b *testing.B) {
	ring := benchRing(b, 4)
	ctx := context.Background()
	data := []byte("fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?")

	for i := 0; b.Loop(); i++ {
		r := ring.Runners[i%len(ring.Runners)]
		k, err := key.Hash([]byte{byte(i)}, key.DefaultSize)
		if err != nil {
			b.Fatal(err)
		}
		if err := r.Set(ctx, k, data); err != nil {
			b.Fatal(err)
		}
		if _, _, err := r.Get(ctx, k); err != nil {
			b.Fatal(err)
		}
	}
}
