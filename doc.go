// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package chord implements a node of a Chord-style distributed hash table
// over UDP.
//
// Every node has a fixed-width identity [key.Key]. Keys are arranged on a
// ring modulo 2^(8·size), and the distance from one key to another is
// measured clockwise. A key is owned by the node whose identity is its
// closest strict predecessor on the ring. Each node keeps a sparse proximity
// cache of peers, one per power-of-two neighborhood, and finds the owner of a
// key by greedy routing: it asks the best predecessor it knows for a better
// one, until a node names itself.
//
// # Runners
//
// The core type defined by this package is the [Runner]. To create a runner
// and start it on a UDP socket:
//
//	id, err := key.Generate(key.DefaultSize)
//	...
//	r, err := chord.Listen("127.0.0.1:0", id, &chord.Options{
//	   Storage: store.NewMemory(1000),
//	})
//
// A runner serves requests from its peers until [Runner.Stop] is called or
// its socket fails. Call [Runner.Wait] to wait for the runner to exit and
// report its status:
//
//	if err := r.Wait(); err != nil {
//	   log.Fatalf("Runner failed: %v", err)
//	}
//
// # Joining
//
// A new runner joins an existing overlay through any member:
//
//	if err := r.Bootstrap(ctx, seedAddr); err != nil {
//	   log.Fatalf("Bootstrap: %v", err)
//	}
//
// [Runner.Refresh] repeats the second half of this process to pick up nodes
// that joined later. Set [Options.RefreshInterval] to refresh periodically.
//
// # Requests
//
// [Runner.Ping], [Runner.Query], [Runner.Route], [Runner.Get], [Runner.Set],
// and [Runner.Keys] each block until the request completes or the context
// ends. At most one request may be pending to a given peer at a time.
//
// Errors describing protocol outcomes have concrete type [*report.Report],
// and match the sentinels of the report package under [errors.Is]:
//
//	if errors.Is(err, report.ErrTimeOut) {
//	   // the peer did not answer in time; it has been evicted from the cache
//	}
//
// Errors from a context are returned without wrapping.
//
// [Runner.Data], [Runner.Flood], and [Runner.SendWhere] deliver application
// data without a reply. Register a [DataHandler] with [Runner.HandleData] to
// receive it.
//
// # Wire Format
//
// Each message is framed by the [transport] package and consists of the
// sender's key, a one-byte [Opcode], and an opcode-specific body:
//
//	Opcode    Request body               Response body
//	PING      (empty)                    (empty)
//	QUERY     target key                 node: key, vint30 length, address
//	KEYS      (empty)                    vint30 count, keys
//	SET       key, vint30 length, data   (empty)
//	GET       key                        found byte, vint30 length, data
//	DATA      data                       (none)
//
// A request that cannot be served is answered with INVALID, whose body is a
// human-readable reason.
//
// # Metrics
//
// Runners maintain a collection of metrics while running. Use
// [Runner.Metrics] to obtain an [expvar.Map] of counters:
//
//   - messages_received: counter of messages received
//   - messages_sent: counter of messages sent
//   - messages_dropped: counter of messages received and discarded
//   - requests_in: counter of inbound requests
//   - requests_in_failed: counter of inbound requests answered INVALID
//   - requests_out: counter of outbound requests
//   - requests_failed: counter of outbound requests reporting an error
//   - requests_pending: gauge of outbound requests awaiting a reply
//   - timeouts: counter of outbound requests that timed out
//   - routes: counter of routes resolved over the network
//   - route_hops: counter of queries issued by routes
//   - data_in: counter of application data messages received
//   - transport: counters maintained by the transport
package chord
