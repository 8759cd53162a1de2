// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package chord

import (
	"expvar"

	"github.com/creachadair/chord/transport"
)

// runnerMetrics record runner activity counters.
type runnerMetrics struct {
	msgRecv     expvar.Int
	msgSent     expvar.Int
	msgDropped  expvar.Int
	reqIn       expvar.Int // number of inbound requests served
	reqInErr    expvar.Int // number of inbound requests answered Invalid
	reqOut      expvar.Int // number of outbound requests issued
	reqOutErr   expvar.Int // number of outbound requests that failed
	timeouts    expvar.Int // number of outbound requests that timed out
	routes      expvar.Int // number of routes resolved
	routeHops   expvar.Int // total queries issued by routes
	reqPending  expvar.Int // outbound, gauge
	dataIn      expvar.Int

	emap *expvar.Map
}

func newRunnerMetrics() *runnerMetrics {
	m := &runnerMetrics{emap: new(expvar.Map)}
	m.emap.Set("messages_received", &m.msgRecv)
	m.emap.Set("messages_sent", &m.msgSent)
	m.emap.Set("messages_dropped", &m.msgDropped)
	m.emap.Set("requests_in", &m.reqIn)
	m.emap.Set("requests_in_failed", &m.reqInErr)
	m.emap.Set("requests_out", &m.reqOut)
	m.emap.Set("requests_failed", &m.reqOutErr)
	m.emap.Set("requests_pending", &m.reqPending)
	m.emap.Set("timeouts", &m.timeouts)
	m.emap.Set("routes", &m.routes)
	m.emap.Set("route_hops", &m.routeHops)
	m.emap.Set("data_in", &m.dataIn)
	return m
}

// setTransport publishes the counters of t, replacing any previous transport.
func (m *runnerMetrics) setTransport(t *transport.Transport) {
	m.emap.Set("transport", expvar.Func(func() any { return t.Stats() }))
}
