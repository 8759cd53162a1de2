// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package timewheel implements a hierarchical timer wheel.
//
// A wheel has a number of stages, each with the same number of slots ("steps").
// A slot of stage s spans interval·steps^s of time. Entries are filed in the
// coarsest stage that distinguishes their deadline from the current time, and
// are cascaded into finer stages as the coarser cursors roll over. Insertion,
// removal and the amortized cost of a tick are O(1) in the number of entries.
//
// The wheel does not keep time by itself: the owner calls [Wheel.Tick] once per
// interval, or runs [Wheel.Run] to drive ticks from a clock.
package timewheel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// An Entry is a callback scheduled on a [Wheel].
type Entry struct {
	fn     func()
	target uint64 // absolute tick at which fn runs

	// Intrusive bucket membership; b == nil when the entry is not scheduled.
	b          *bucket
	prev, next *Entry
}

type bucket struct{ head Entry }

func (b *bucket) init() { b.head.prev, b.head.next = &b.head, &b.head }

func (b *bucket) push(e *Entry) {
	e.b, e.prev, e.next = b, b.head.prev, &b.head
	b.head.prev.next = e
	b.head.prev = e
}

func (b *bucket) take() []*Entry {
	var out []*Entry
	for e := b.head.next; e != &b.head; {
		next := e.next
		e.b, e.prev, e.next = nil, nil, nil
		out = append(out, e)
		e = next
	}
	b.init()
	return out
}

func (e *Entry) unlink() {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.b, e.prev, e.next = nil, nil, nil
}

// A Wheel is a hierarchical timer wheel. It is safe for concurrent use.
// Callbacks run on the goroutine that calls Tick, without any lock held.
type Wheel struct {
	interval time.Duration
	steps    uint64
	span     []uint64 // span[s] = steps^s ticks, for 0 ≤ s ≤ stages

	μ       sync.Mutex
	now     uint64   // ticks elapsed since construction
	buckets []bucket // stage-major: stage s slot i is buckets[s*steps+i]
	count   int
}

// New constructs a wheel that ticks every interval, with the given number of
// steps per stage and stages. It panics if interval ≤ 0, steps < 2, stages < 1,
// or the wheel would span more than 2^32 ticks.
func New(interval time.Duration, steps, stages int) *Wheel {
	if interval <= 0 || steps < 2 || stages < 1 {
		panic(fmt.Sprintf("invalid wheel geometry: interval=%v steps=%d stages=%d", interval, steps, stages))
	}
	span := make([]uint64, stages+1)
	span[0] = 1
	for s := 1; s <= stages; s++ {
		span[s] = span[s-1] * uint64(steps)
		if span[s] > 1<<32 {
			panic(fmt.Sprintf("wheel too large: %d^%d ticks", steps, stages))
		}
	}
	w := &Wheel{
		interval: interval,
		steps:    uint64(steps),
		span:     span,
		buckets:  make([]bucket, steps*stages),
	}
	for i := range w.buckets {
		w.buckets[i].init()
	}
	return w
}

// Interval reports the tick interval of w.
func (w *Wheel) Interval() time.Duration { return w.interval }

// MaxDelay reports the longest delay w can represent. Longer delays passed to
// Add are clamped to this value.
func (w *Wheel) MaxDelay() time.Duration {
	return time.Duration(w.span[len(w.span)-1]-1) * w.interval
}

// Ticks reports the number of ticks needed to cover d: ceil(d/interval),
// clamped to the range the wheel can represent.
func (w *Wheel) Ticks(d time.Duration) uint64 {
	limit := w.span[len(w.span)-1] - 1
	if d <= w.interval {
		return 1
	}
	n := uint64((d + w.interval - 1) / w.interval)
	return min(n, limit)
}

// Add schedules fn to be called on the first tick at which at least d has
// elapsed in tick time, and returns its entry. Delays shorter than one
// interval fire on the next tick.
func (w *Wheel) Add(d time.Duration, fn func()) *Entry {
	e := &Entry{fn: fn}
	n := w.Ticks(d)

	w.μ.Lock()
	defer w.μ.Unlock()
	e.target = w.now + n
	w.place(e)
	w.count++
	return e
}

// Remove unschedules e, and reports whether it was pending. After Remove
// returns true the callback of e will not run.
func (w *Wheel) Remove(e *Entry) bool {
	if e == nil {
		return false
	}
	w.μ.Lock()
	defer w.μ.Unlock()
	if e.b == nil {
		return false
	}
	e.unlink()
	w.count--
	return true
}

// Len reports the number of pending entries.
func (w *Wheel) Len() int {
	w.μ.Lock()
	defer w.μ.Unlock()
	return w.count
}

// Tick advances the wheel by one interval, cascades any coarser stages whose
// cursors moved, and runs every entry that falls due. It returns the number of
// callbacks run.
func (w *Wheel) Tick() int {
	w.μ.Lock()
	w.now++
	for s := len(w.span) - 2; s >= 1; s-- {
		if w.now%w.span[s] == 0 {
			for _, e := range w.slot(s, w.now).take() {
				w.place(e)
			}
		}
	}
	due := w.slot(0, w.now).take()
	w.count -= len(due)
	w.μ.Unlock()

	for _, e := range due {
		e.fn()
	}
	return len(due)
}

// Run calls Tick once per interval of clk until ctx ends, and then returns
// the error from ctx.
func (w *Wheel) Run(ctx context.Context, clk clock.Clock) error {
	t := clk.Ticker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.Tick()
		}
	}
}

// slot returns the bucket of stage s whose cursor position covers tick t.
// The caller must hold w.μ.
func (w *Wheel) slot(s int, t uint64) *bucket {
	i := (t / w.span[s]) % w.steps
	return &w.buckets[uint64(s)*w.steps+i]
}

// place files e in the coarsest stage that separates its target from the
// current tick. Stages above the top one are folded into it, since the top
// stage revisits each slot once per revolution and the delay is always less
// than a full revolution. An entry that is already due lands in the current
// stage-0 slot. The caller must hold w.μ.
func (w *Wheel) place(e *Entry) {
	for s := len(w.span) - 2; s > 0; s-- {
		if e.target/w.span[s] != w.now/w.span[s] {
			w.slot(s, e.target).push(e)
			return
		}
	}
	w.slot(0, e.target).push(e)
}
