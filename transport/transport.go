// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package transport implements a message transport over a UDP socket.
//
// Each message is framed with a fixed header, the 4-byte magic string "CHRD"
// followed by the total framed length as a big-endian uint32, and split into
// datagrams of at most MTU bytes. The receiver reassembles the datagrams of
// one message per peer endpoint, and the datagrams may be of any size, even
// shorter than the header. A peer must not interleave the fragments of
// two messages.
//
// A [Transport] is driven by [Transport.Run], which owns the socket for the
// duration of the call. Run also ticks the [timewheel.Wheel] that carries the
// reassembly deadlines, so that every timer scheduled on the wheel fires on
// the reactor goroutine.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/creachadair/chord/packet"
	"github.com/creachadair/chord/timewheel"
	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

// Magic is the string that begins every framed message.
const Magic = "CHRD"

// HeaderLen is the length in bytes of the frame header.
const HeaderLen = 8

const (
	// DefaultMTU is the default maximum datagram size.
	DefaultMTU = 1200

	// DefaultMaxMessage is the default limit on the framed size of a message.
	DefaultMaxMessage = 1 << 20

	// DefaultReassemblyTimeout is the default time allowed for all the
	// datagrams of a message to arrive.
	DefaultReassemblyTimeout = 5 * time.Second

	// DefaultBatchSize is the default number of datagrams per batched read or
	// write.
	DefaultBatchSize = 16

	maxDatagram = 65535
)

// A Receiver handles the events delivered by a [Transport]. Its methods are
// called from the reactor goroutine, and must not block.
type Receiver interface {
	// HandleMessage is called with each complete message payload from a peer.
	// The receiver takes ownership of payload.
	HandleMessage(from netip.AddrPort, payload []byte)

	// HandleTimeout is called once when the reassembly of a message from a
	// peer does not complete in time.
	HandleTimeout(from netip.AddrPort)
}

// Options are settings for a [Transport]. A nil *Options provides defaults.
type Options struct {
	// The maximum size of an outbound datagram. Default: DefaultMTU.
	MTU int

	// The maximum framed size of a message in either direction.
	// Default: DefaultMaxMessage.
	MaxMessage int

	// How long a partial message may wait for its remaining datagrams.
	// Default: DefaultReassemblyTimeout.
	ReassemblyTimeout time.Duration

	// The number of datagrams per batched read or write.
	// Default: DefaultBatchSize.
	BatchSize int

	// The clock that drives wheel ticks. Default: the system clock.
	Clock clock.Clock

	// Where to write diagnostic logs. Default: discard.
	Logger *zap.Logger
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.MTU <= HeaderLen {
		out.MTU = DefaultMTU
	}
	if out.MaxMessage <= HeaderLen {
		out.MaxMessage = DefaultMaxMessage
	}
	if out.ReassemblyTimeout <= 0 {
		out.ReassemblyTimeout = DefaultReassemblyTimeout
	}
	if out.BatchSize <= 0 {
		out.BatchSize = DefaultBatchSize
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Stats are cumulative counters maintained by a [Transport].
type Stats struct {
	MessagesSent     int64 // complete messages queued for sending
	MessagesReceived int64 // complete messages delivered
	DatagramsSent    int64
	DatagramsRecv    int64
	Dropped          int64 // datagrams discarded as malformed or undeliverable
	Timeouts         int64 // reassemblies that expired
}

type datagram struct {
	addr netip.AddrPort
	data []byte
}

type reassembly struct {
	total int // 0 until the header is complete
	buf   []byte
	timer *timewheel.Entry
}

// A Transport sends and receives framed messages over a UDP socket.
type Transport struct {
	conn  *net.UDPConn
	batch *ipv4.PacketConn // nil unless conn is bound to an IPv4 address
	wheel *timewheel.Wheel
	opts  Options
	log   *zap.Logger

	outμ    sync.Mutex
	out     queue.Queue[datagram]
	closed  bool
	wake    chan struct{}
	sending []datagram     // reactor only: the batch in progress
	msgs    []ipv4.Message // reactor only: scratch for WriteBatch

	inμ     sync.Mutex
	partial map[netip.AddrPort]*reassembly

	rbuf  []byte         // reader only
	rmsgs []ipv4.Message // reader only

	msgSent, msgRecv, dgSent, dgRecv, dropped, timeouts atomic.Int64
}

// New constructs a transport that communicates over conn, using w for
// reassembly deadlines. The transport takes ownership of conn.
func New(conn *net.UDPConn, w *timewheel.Wheel, opts *Options) *Transport {
	o := opts.withDefaults()
	t := &Transport{
		conn:    conn,
		wheel:   w,
		opts:    o,
		log:     o.Logger,
		wake:    make(chan struct{}, 1),
		partial: make(map[netip.AddrPort]*reassembly),
	}
	if isIPv4(conn) {
		t.batch = ipv4.NewPacketConn(conn)
	}
	return t
}

// isIPv4 reports whether conn is bound to a specific IPv4 address. Wildcard
// sockets may be dual-stack, and their peers are handled per datagram.
func isIPv4(conn *net.UDPConn) bool {
	ua, ok := conn.LocalAddr().(*net.UDPAddr)
	return ok && ua.IP.To4() != nil && !ua.IP.IsUnspecified()
}

// LocalAddr reports the local endpoint of the transport.
func (t *Transport) LocalAddr() netip.AddrPort {
	if ua, ok := t.conn.LocalAddr().(*net.UDPAddr); ok {
		return unmap(ua.AddrPort())
	}
	return netip.AddrPort{}
}

// Frame returns the framed encoding of payload.
func Frame(payload []byte) []byte {
	n := HeaderLen + len(payload)
	return packet.NewBuilder(n).Text(Magic).Uint32(uint32(n)).Raw(payload).Bytes()
}

// Split divides a framed message into datagrams of at most mtu bytes. The
// results alias frame.
func Split(frame []byte, mtu int) [][]byte {
	var out [][]byte
	for len(frame) > mtu {
		out = append(out, frame[:mtu:mtu])
		frame = frame[mtu:]
	}
	return append(out, frame)
}

// Send frames payload and queues it for delivery to peer. It does not wait for
// the datagrams to be written. Send is safe for concurrent use.
func (t *Transport) Send(peer netip.AddrPort, payload []byte) error {
	if n := HeaderLen + len(payload); n > t.opts.MaxMessage {
		return fmt.Errorf("message too large (%d > %d bytes)", n, t.opts.MaxMessage)
	}
	parts := Split(Frame(payload), t.opts.MTU)

	t.outμ.Lock()
	if t.closed {
		t.outμ.Unlock()
		return net.ErrClosed
	}
	for _, p := range parts {
		t.out.Add(datagram{addr: peer, data: p})
	}
	t.outμ.Unlock()
	t.msgSent.Add(1)
	t.signal()
	return nil
}

func (t *Transport) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Close closes the socket, causing Run to return. It is safe to call Close
// more than once.
func (t *Transport) Close() error {
	t.outμ.Lock()
	defer t.outμ.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// Stats returns a snapshot of the transport counters.
func (t *Transport) Stats() Stats {
	return Stats{
		MessagesSent:     t.msgSent.Load(),
		MessagesReceived: t.msgRecv.Load(),
		DatagramsSent:    t.dgSent.Load(),
		DatagramsRecv:    t.dgRecv.Load(),
		Dropped:          t.dropped.Load(),
		Timeouts:         t.timeouts.Load(),
	}
}

// Run services the transport until ctx ends or the socket fails, delivering
// inbound messages and reassembly timeouts to rcv. Run closes the socket
// before returning. It reports nil if ctx ended or the socket was closed, and
// otherwise the read error that stopped it.
func (t *Transport) Run(ctx context.Context, rcv Receiver) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan []datagram)
	g := taskgroup.New(nil)
	g.Go(func() error {
		defer close(in)
		return t.readLoop(ctx, in)
	})

	ticker := t.opts.Clock.Ticker(t.wheel.Interval())
	defer ticker.Stop()

	t.log.Debug("transport running", zap.Stringer("addr", t.LocalAddr()), zap.Bool("batch", t.batch != nil))
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ds, ok := <-in:
			if !ok {
				break loop
			}
			for _, d := range ds {
				t.receive(d, rcv)
			}
		case <-t.wake:
			t.flush()
		case <-ticker.C:
			t.wheel.Tick()
		}
	}
	t.Close()
	cancel()
	return g.Wait()
}

func (t *Transport) readLoop(ctx context.Context, in chan<- []datagram) error {
	for {
		ds, err := t.read()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			} else if isTransient(err) {
				t.log.Debug("transient read error", zap.Error(err))
				continue
			}
			t.log.Error("read failed", zap.Error(err))
			return err
		}
		select {
		case in <- ds:
		case <-ctx.Done():
			return nil
		}
	}
}

func isTransient(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EMSGSIZE)
}

// read reads one or more datagrams from the socket. Each result owns its data.
func (t *Transport) read() ([]datagram, error) {
	if t.batch == nil {
		if t.rbuf == nil {
			t.rbuf = make([]byte, maxDatagram)
		}
		n, addr, err := t.conn.ReadFromUDPAddrPort(t.rbuf)
		if err != nil {
			return nil, err
		}
		return []datagram{{addr: unmap(addr), data: bytes.Clone(t.rbuf[:n])}}, nil
	}

	if t.rmsgs == nil {
		t.rmsgs = make([]ipv4.Message, t.opts.BatchSize)
		for i := range t.rmsgs {
			t.rmsgs[i].Buffers = [][]byte{make([]byte, maxDatagram)}
		}
	}
	n, err := t.batch.ReadBatch(t.rmsgs, 0)
	if err != nil {
		return nil, err
	}
	out := make([]datagram, 0, n)
	for _, m := range t.rmsgs[:n] {
		ua, ok := m.Addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		out = append(out, datagram{addr: unmap(ua.AddrPort()), data: bytes.Clone(m.Buffers[0][:m.N])})
	}
	return out, nil
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// receive handles one inbound datagram on the reactor goroutine.
func (t *Transport) receive(d datagram, rcv Receiver) {
	t.dgRecv.Add(1)

	t.inμ.Lock()
	r, ok := t.partial[d.addr]
	if ok {
		r.buf = append(r.buf, d.data...)
	} else {
		// The datagram is a private copy, and grows as fragments arrive.
		r = &reassembly{buf: d.data}
	}
	var err error
	if r.total == 0 {
		r.total, err = t.checkHeader(r.buf)
	} else if len(r.buf) > r.total {
		err = fmt.Errorf("fragment overflows message (%d > %d bytes)", len(r.buf), r.total)
	}
	if err != nil {
		if ok {
			delete(t.partial, d.addr)
			t.wheel.Remove(r.timer)
		}
		t.inμ.Unlock()
		t.drop(d.addr, err)
		return
	}
	if r.total == 0 || len(r.buf) < r.total {
		if !ok {
			peer := d.addr
			r.timer = t.wheel.Add(t.opts.ReassemblyTimeout, func() { t.expire(peer, r, rcv) })
			t.partial[peer] = r
		}
		t.inμ.Unlock()
		return
	}
	if ok {
		delete(t.partial, d.addr)
		t.wheel.Remove(r.timer)
	}
	t.inμ.Unlock()
	t.deliver(d.addr, r.buf[HeaderLen:], rcv)
}

// checkHeader validates the frame header at the start of data and returns the
// declared total length. It returns 0 without error if data is a valid prefix
// of a header that has not fully arrived.
func (t *Transport) checkHeader(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, errors.New("empty datagram")
	} else if len(data) < HeaderLen {
		if n := min(len(data), len(Magic)); string(data[:n]) != Magic[:n] {
			return 0, fmt.Errorf("bad magic %q", data[:n])
		}
		return 0, nil
	}
	s := packet.NewScanner(data)
	magic, err := s.Raw(len(Magic))
	if err != nil {
		return 0, err
	} else if string(magic) != Magic {
		return 0, fmt.Errorf("bad magic %q", magic)
	}
	v, err := s.Uint32()
	if err != nil {
		return 0, err
	}
	total := int(v)
	if total < HeaderLen || total > t.opts.MaxMessage {
		return 0, fmt.Errorf("invalid message length %d", total)
	} else if len(data) > total {
		return 0, fmt.Errorf("datagram exceeds message (%d > %d bytes)", len(data), total)
	}
	return total, nil
}

func (t *Transport) deliver(from netip.AddrPort, payload []byte, rcv Receiver) {
	t.msgRecv.Add(1)
	rcv.HandleMessage(from, payload)
}

func (t *Transport) drop(from netip.AddrPort, err error) {
	t.dropped.Add(1)
	t.log.Debug("dropped datagram", zap.Stringer("peer", from), zap.Error(err))
}

// expire is called by the wheel when the reassembly r from peer times out.
func (t *Transport) expire(peer netip.AddrPort, r *reassembly, rcv Receiver) {
	t.inμ.Lock()
	cur, ok := t.partial[peer]
	if !ok || cur != r {
		t.inμ.Unlock()
		return
	}
	delete(t.partial, peer)
	t.inμ.Unlock()

	t.timeouts.Add(1)
	t.log.Debug("reassembly timed out", zap.Stringer("peer", peer),
		zap.Int("have", len(r.buf)), zap.Int("want", r.total))
	rcv.HandleTimeout(peer)
}

// flush writes a batch of queued datagrams. A batch that is only partly
// written is resumed on the next wakeup.
func (t *Transport) flush() {
	if len(t.sending) == 0 {
		t.outμ.Lock()
		for len(t.sending) < t.opts.BatchSize {
			d, ok := t.out.Pop()
			if !ok {
				break
			}
			t.sending = append(t.sending, d)
		}
		t.outμ.Unlock()
	}
	if len(t.sending) == 0 {
		return
	}

	n := t.write(t.sending)
	rest := copy(t.sending, t.sending[n:])
	clear(t.sending[rest:])
	t.sending = t.sending[:rest]

	t.outμ.Lock()
	more := rest != 0 || !t.out.IsEmpty()
	t.outμ.Unlock()
	if more {
		t.signal()
	}
}

// write sends a prefix of ds and returns how many datagrams were consumed,
// whether written or dropped. It always consumes at least one.
func (t *Transport) write(ds []datagram) int {
	if t.batch == nil {
		for i, d := range ds {
			if _, err := t.conn.WriteToUDPAddrPort(d.data, d.addr); err != nil {
				t.dropped.Add(1)
				t.log.Debug("write failed", zap.Stringer("peer", d.addr), zap.Error(err))
				if errors.Is(err, net.ErrClosed) {
					return len(ds)
				}
				return i + 1
			}
			t.dgSent.Add(1)
		}
		return len(ds)
	}

	t.msgs = t.msgs[:0]
	for _, d := range ds {
		t.msgs = append(t.msgs, ipv4.Message{
			Buffers: [][]byte{d.data},
			Addr:    net.UDPAddrFromAddrPort(d.addr),
		})
	}
	n, err := t.batch.WriteBatch(t.msgs, 0)
	if n > 0 {
		t.dgSent.Add(int64(n))
	}
	if err == nil {
		return max(n, 1)
	}
	if errors.Is(err, net.ErrClosed) {
		t.dropped.Add(int64(len(ds) - max(n, 0)))
		return len(ds)
	}
	// The datagram at offset n could not be written; skip it.
	n = max(n, 0)
	t.dropped.Add(1)
	t.log.Debug("write failed", zap.Stringer("peer", ds[n].addr), zap.Error(err))
	return n + 1
}
