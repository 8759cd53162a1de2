// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package chord

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/creachadair/chord/cache"
	"github.com/creachadair/chord/handler"
	"github.com/creachadair/chord/key"
	"github.com/creachadair/chord/node"
	"github.com/creachadair/chord/report"
	"github.com/creachadair/chord/timewheel"
	"github.com/creachadair/chord/transport"
	"github.com/creachadair/taskgroup"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrStopped is reported for requests that were pending when the runner
// stopped, and for requests issued to a runner that is not running.
var ErrStopped = errors.New("runner is not running")

// Options are settings for a [Runner]. A nil *Options provides defaults.
type Options struct {
	// How long to wait for the response to a request. Default: 2s.
	Timeout time.Duration

	// The tick interval of the timer wheel. Default: 10ms.
	TickInterval time.Duration

	// The number of slots per stage and the number of stages of the timer
	// wheel. Defaults: 64 steps, 3 stages.
	WheelSteps, WheelStages int

	// Transport limits. Zero values take the transport defaults.
	MTU               int
	MaxMessage        int
	ReassemblyTimeout time.Duration

	// If positive, the runner refreshes its cache at this interval while it
	// is running. Default: no periodic refresh.
	RefreshInterval time.Duration

	// Storage serves Get, Set, and Keys requests for keys owned by the runner.
	// If nil, such requests are rejected.
	Storage Storage

	// The clock used for deadlines and wheel ticks. Default: the system clock.
	Clock clock.Clock

	// Where to write diagnostic logs. Default: discard.
	Logger *zap.Logger
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.Timeout <= 0 {
		out.Timeout = 2 * time.Second
	}
	if out.TickInterval <= 0 {
		out.TickInterval = 10 * time.Millisecond
	}
	if out.WheelSteps <= 1 {
		out.WheelSteps = 64
	}
	if out.WheelStages <= 0 {
		out.WheelStages = 3
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// A Runner is a node of a chord overlay. It owns an identity key, a proximity
// cache of known peers, and a UDP transport over which it serves and issues
// requests.
//
// Call Start with a UDP socket to begin service. Once started, a runner runs
// until Stop is called or its socket fails. Use Wait to wait for the runner to
// exit and report its status.
//
// The request methods of a Runner (Ping, Route, Get, and so on) block until
// the request completes or their context ends, and are safe for concurrent use
// by multiple goroutines. At most one request may be pending to a given peer
// endpoint at a time; a second request reports an error with code Occupied.
type Runner struct {
	id      key.Key
	opts    Options
	clk     clock.Clock
	log     *zap.Logger
	metrics *runnerMetrics

	μ      sync.Mutex
	s      *session // nil when not running
	tasks  *taskgroup.Group
	err    error // the reason the most recent session ended
	mlog   MessageLogger
	onData DataHandler
	onExit func(error)
	last   *cache.Cache // the cache of the most recent session
}

// A session is the state of a runner between Start and Wait.
type session struct {
	r      *Runner
	self   node.Node
	cache  *cache.Cache
	wheel  *timewheel.Wheel
	reg    *handler.Registry
	tr     *transport.Transport
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRunner constructs a new unstarted runner with the given identity.
func NewRunner(id key.Key, opts *Options) *Runner {
	o := opts.withDefaults()
	return &Runner{
		id:      id,
		opts:    o,
		clk:     o.Clock,
		log:     o.Logger.With(zap.String("node", id.Short())),
		metrics: newRunnerMetrics(),
	}
}

// Listen opens a UDP socket on addr and starts a new runner with the given
// identity on it.
func Listen(addr string, id key.Key, opts *Options) (*Runner, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, err
	}
	return NewRunner(id, opts).Start(conn), nil
}

// Start starts the runner on conn, which the runner takes ownership of. Start
// does not block; call Wait to wait for the runner to exit. It panics if r is
// already running.
func (r *Runner) Start(conn *net.UDPConn) *Runner {
	r.μ.Lock()
	defer r.μ.Unlock()
	if r.tasks != nil {
		panic("runner is already started")
	}

	w := timewheel.New(r.opts.TickInterval, r.opts.WheelSteps, r.opts.WheelStages)
	tr := transport.New(conn, w, &transport.Options{
		MTU:               r.opts.MTU,
		MaxMessage:        r.opts.MaxMessage,
		ReassemblyTimeout: r.opts.ReassemblyTimeout,
		Clock:             r.clk,
		Logger:            r.log,
	})
	self := node.Node{ID: r.id, Addr: tr.LocalAddr()}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		r:      r,
		self:   self,
		cache:  cache.New(self),
		wheel:  w,
		reg:    handler.New(w, r.clk, r.log),
		tr:     tr,
		ctx:    ctx,
		cancel: cancel,
	}
	r.s = s
	r.last = s.cache
	r.err = nil
	r.metrics.setTransport(tr)

	g := taskgroup.New(nil)
	r.tasks = g
	g.Go(func() error {
		err := tr.Run(ctx, s)
		r.exit(s, err)
		return err
	})
	if r.opts.RefreshInterval > 0 {
		g.Go(func() error { r.refreshLoop(ctx); return nil })
	}
	r.log.Info("runner started", zap.Stringer("addr", self.Addr))
	return r
}

// exit tears down the session s after its transport has stopped.
func (r *Runner) exit(s *session, err error) {
	s.cancel()
	stopErr := ErrStopped
	if err != nil {
		stopErr = multierr.Append(ErrStopped, err)
	}
	s.reg.Close(stopErr)

	r.μ.Lock()
	if r.s == s {
		r.s = nil
	}
	r.err = err
	onExit := r.onExit
	r.μ.Unlock()

	if err != nil {
		r.log.Error("runner failed", zap.Error(err))
	} else {
		r.log.Info("runner stopped")
	}
	if onExit != nil {
		onExit(err)
	}
}

func (r *Runner) refreshLoop(ctx context.Context) {
	t := r.clk.Ticker(r.opts.RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				r.log.Debug("periodic refresh failed", zap.Error(err))
			}
		}
	}
}

// Stop terminates the runner and closes its socket. It blocks until the
// runner has exited and returns its status. After Stop completes it is safe
// to restart the runner with a new socket.
func (r *Runner) Stop() error {
	r.μ.Lock()
	s := r.s
	r.μ.Unlock()
	if s != nil {
		s.cancel()
	}
	return r.Wait()
}

// Wait blocks until r terminates and reports the error that caused it to
// stop. If r is not running, or was stopped by Stop, Wait returns nil.
func (r *Runner) Wait() error {
	r.μ.Lock()
	g := r.tasks
	r.μ.Unlock()
	if g == nil {
		return nil
	}
	g.Wait()

	r.μ.Lock()
	defer r.μ.Unlock()
	if r.tasks == g {
		r.tasks = nil
	}
	return r.err
}

// session returns the current session, or ErrStopped if r is not running.
func (r *Runner) session() (*session, error) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if r.s == nil {
		return nil, ErrStopped
	}
	return r.s, nil
}

// ID returns the identity key of r.
func (r *Runner) ID() key.Key { return r.id }

// Self returns the local node. Its address is invalid if r is not running.
func (r *Runner) Self() node.Node {
	if s, err := r.session(); err == nil {
		return s.self
	}
	return node.Node{ID: r.id}
}

// Addr returns the local UDP endpoint of r, or an invalid address if r is not
// running.
func (r *Runner) Addr() netip.AddrPort { return r.Self().Addr }

// Cache returns the proximity cache of the current session of r, or of its
// most recent session if it has stopped. It returns nil if r has never been
// started.
func (r *Runner) Cache() *cache.Cache {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.last
}

// Metrics returns the metrics map for r. It is safe for the caller to add
// additional metrics to the map while the runner is active.
func (r *Runner) Metrics() *expvar.Map { return r.metrics.emap }

// LogMessages registers a callback that will be invoked for each message
// exchanged with a peer, including messages that are discarded. Passing nil
// disables message logging. The logger is invoked synchronously with sending
// and dispatch, and must not block.
func (r *Runner) LogMessages(log MessageLogger) *Runner {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.mlog = log
	return r
}

// HandleData registers a callback for application data sent by peers with
// Data, Flood, or SendWhere. Passing nil discards such data.
func (r *Runner) HandleData(f DataHandler) *Runner {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.onData = f
	return r
}

// OnExit registers a callback to be invoked when the runner terminates. The
// callback is executed synchronously during shutdown, with the same error
// value that would be reported by Wait. If f == nil the callback is removed.
func (r *Runner) OnExit(f func(error)) *Runner {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.onExit = f
	return r
}

func (r *Runner) hooks() (MessageLogger, DataHandler) {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.mlog, r.onData
}

// send encodes and transmits a message to peer without waiting for a reply.
func (s *session) send(peer netip.AddrPort, op Opcode, body []byte) error {
	m := Message{Sender: s.self.ID, Op: op, Body: body}
	if mlog, _ := s.r.hooks(); mlog != nil {
		mlog(MessageInfo{Message: m, Peer: peer, Sent: true})
	}
	if err := s.tr.Send(peer, m.Encode()); err != nil {
		return err
	}
	s.r.metrics.msgSent.Add(1)
	return nil
}

// HandleMessage implements part of transport.Receiver. Every well-formed
// message teaches the cache the sender's key and endpoint.
func (s *session) HandleMessage(from netip.AddrPort, payload []byte) {
	r := s.r
	m, err := DecodeMessage(payload, s.self.ID.Size())
	if err != nil {
		r.metrics.msgDropped.Add(1)
		r.log.Debug("dropped message", zap.Stringer("peer", from), zap.Error(err))
		return
	}
	r.metrics.msgRecv.Add(1)
	mlog, onData := r.hooks()
	if mlog != nil {
		mlog(MessageInfo{Message: m, Peer: from})
	}
	sender := node.Node{ID: m.Sender, Addr: from}
	s.cache.Add(sender)

	switch {
	case m.Op == OpResponse:
		if !s.reg.Take(from, payload) {
			r.metrics.msgDropped.Add(1)
			r.log.Debug("unsolicited response", zap.Stringer("peer", from))
		}

	case m.Op == OpInvalid:
		if !s.reg.Abort(from, report.New(report.InvalidArgument, "%s", m.Body)) {
			r.metrics.msgDropped.Add(1)
		}

	case m.Op == OpData:
		r.metrics.dataIn.Add(1)
		if onData != nil {
			onData(sender, m.Body)
		}

	default:
		r.metrics.reqIn.Add(1)
		rsp, err := s.serve(m)
		if err != nil {
			r.metrics.reqInErr.Add(1)
			r.log.Debug("rejected request", zap.Stringer("peer", from),
				zap.Stringer("op", m.Op), zap.Error(err))
			s.send(from, OpInvalid, []byte(truncate(err.Error(), maxReason)))
			return
		}
		s.send(from, OpResponse, rsp)
	}
}

// HandleTimeout implements part of transport.Receiver. An incomplete message
// ends any request pending for the peer, and demotes the peer.
func (s *session) HandleTimeout(from netip.AddrPort) {
	s.reg.Abort(from, report.New(report.TimeOut, "incomplete message from %v", from))
	s.cache.Evict(from)
}

// serve computes the response to an inbound request.
func (s *session) serve(m Message) ([]byte, error) {
	size := s.self.ID.Size()
	st := s.r.opts.Storage
	switch m.Op {
	case OpPing:
		return nil, nil

	case OpQuery:
		target, err := decodeKey(m.Body, size)
		if err != nil {
			return nil, err
		}
		return encodeNode(s.cache.Resolve(target)), nil

	case OpKeys, OpSet, OpGet:
		if st == nil {
			return nil, fmt.Errorf("%v: no storage", m.Op)
		}
	default:
		return nil, fmt.Errorf("unknown opcode %v", m.Op)
	}

	switch m.Op {
	case OpKeys:
		return encodeKeys(st.Keys()), nil

	case OpSet:
		k, data, err := decodeSet(m.Body, size)
		if err != nil {
			return nil, err
		}
		st.Set(k, data)
		return nil, nil

	default: // OpGet
		k, err := decodeKey(m.Body, size)
		if err != nil {
			return nil, err
		}
		data, ok := st.Get(k)
		return encodeValue(data, ok), nil
	}
}
