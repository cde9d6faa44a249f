// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics is the engine's Prometheus surface: counters for the
// lifecycle events a socket goes through (open, send, recv, accept,
// close) plus the I/O queue's rollback/abort paths, and a gauge
// refreshed on a ticker for values that aren't naturally push-based
// (live socket count).
//
// Generalizes core/stats.go's ProxyStats (MustRegister at construction,
// a statsLoop ticker for gauges that poll rather than push) from
// redis-command/connection metrics to socket-engine metrics; the
// per-redis-command breakdown (ReqCmdIncr's giant switch) has no
// analogue here and is dropped rather than stubbed.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the engine's full counter/gauge set. Construct with New;
// the zero value is not usable.
type Metrics struct {
	Opens  *prometheus.CounterVec
	Closes *prometheus.CounterVec
	Sends  *prometheus.CounterVec
	Recvs  *prometheus.CounterVec

	Accepts        *prometheus.CounterVec
	AcceptRejected *prometheus.CounterVec

	Rollbacks *prometheus.CounterVec
	Aborts    *prometheus.CounterVec

	LiveSockets *prometheus.GaugeVec

	stopLoop chan struct{}
}

// SocketCounter is the subset of *socket.Engine that the gauge-refresh
// loop started by Start polls; accepting an interface rather than
// importing the socket package directly keeps this package usable in
// tests without pulling in the poller.
type SocketCounter interface {
	SocketCount() int
}

// New builds and registers a Metrics under namespace. Call Start to
// begin the periodic gauge refresh once an Engine (or test double)
// satisfying SocketCounter is available.
func New(namespace string) *Metrics {
	m := &Metrics{
		Opens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_opens_total",
			Help:      "completed Open attempts, labeled by result code",
		}, []string{"code"}),
		Closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_closes_total",
			Help:      "sockets that have reached OnClosed, labeled by result code",
		}, []string{"code"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_sends_total",
			Help:      "completed send operations, labeled by result code",
		}, []string{"code"}),
		Recvs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_recvs_total",
			Help:      "completed recv operations, labeled by result code",
		}, []string{"code"}),
		Accepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_accepts_total",
			Help:      "connections accepted",
		}, nil),
		AcceptRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_accepts_rejected_total",
			Help:      "connections rejected by the accept filter",
		}, nil),
		Rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ioqueue_rollbacks_total",
			Help:      "buffer-queue Rollback calls",
		}, []string{"queue"}),
		Aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ioqueue_aborts_total",
			Help:      "buffer-queue Abort calls",
		}, []string{"queue"}),
		LiveSockets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sockets",
			Help:      "sockets currently registered to the engine's event loop",
		}, nil),
		stopLoop: make(chan struct{}),
	}
	prometheus.MustRegister(
		m.Opens, m.Closes, m.Sends, m.Recvs,
		m.Accepts, m.AcceptRejected,
		m.Rollbacks, m.Aborts,
		m.LiveSockets,
	)
	return m
}

// Start launches the gauge-refresh ticker against eng. Call Stop to
// end it; Start must not be called more than once per Metrics.
func (m *Metrics) Start(eng SocketCounter) {
	go m.loop(eng)
}

func (m *Metrics) loop(eng SocketCounter) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.LiveSockets.WithLabelValues().Set(float64(eng.SocketCount()))
		case <-m.stopLoop:
			return
		}
	}
}

// Stop ends the gauge-refresh loop started by Start.
func (m *Metrics) Stop() {
	close(m.stopLoop)
}
