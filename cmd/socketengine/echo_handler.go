// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License"): you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package main

import (
	"sync"

	"github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/diag"
	"github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/metrics"
	"github.com/mkauli/iot-gateway-opc-ua-proxy/socket"
)

// echoHandler is the reference EventHandler this binary wires up:
// every accepted connection echoes back whatever it receives. It
// exists to give the engine something to drive end to end; a real
// deployment of this module supplies its own protocol-specific
// EventHandler.
type echoHandler struct {
	tracker *diag.Tracker
	metrics *metrics.Metrics
	peer    string

	mu      sync.Mutex
	recvBuf []byte
	toSend  [][]byte
}

func newEchoHandler(tracker *diag.Tracker, m *metrics.Metrics) *echoHandler {
	return &echoHandler{
		tracker: tracker,
		metrics: m,
		recvBuf: make([]byte, 4096),
	}
}

func (h *echoHandler) OnOpened(s *socket.Socket, code socket.Code) {
	h.metrics.Opens.WithLabelValues(code.String()).Inc()
	if code != socket.Ok {
		return
	}
	if peer, err := s.PeerAddr(); err == nil {
		h.peer = peer.String()
	}
	h.tracker.Begin(s, h.peer, diag.KindRecv)
	_ = s.RequestRecv()
}

func (h *echoHandler) OnBeginSend(s *socket.Socket) ([]byte, *socket.Address, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.toSend) == 0 {
		return nil, nil, false
	}
	payload := h.toSend[0]
	h.toSend = h.toSend[1:]
	return payload, nil, true
}

func (h *echoHandler) OnEndSend(s *socket.Socket, n int, code socket.Code) {
	h.metrics.Sends.WithLabelValues(code.String()).Inc()
	if code != socket.Ok {
		s.Close()
	}
}

func (h *echoHandler) OnBeginRecv(s *socket.Socket) ([]byte, bool) {
	return h.recvBuf, true
}

func (h *echoHandler) OnEndRecv(s *socket.Socket, n int, from *socket.Address, code socket.Code) {
	h.tracker.End(s, diag.KindRecv)
	h.metrics.Recvs.WithLabelValues(code.String()).Inc()
	if code != socket.Ok {
		return
	}
	echoed := make([]byte, n)
	copy(echoed, h.recvBuf[:n])

	h.mu.Lock()
	h.toSend = append(h.toSend, echoed)
	h.mu.Unlock()

	if err := s.RequestSend(); err != nil {
		s.Close()
		return
	}
	h.tracker.Begin(s, h.peer, diag.KindRecv)
	_ = s.RequestRecv()
}

func (h *echoHandler) OnClosed(s *socket.Socket, code socket.Code) {
	h.tracker.End(s, diag.KindRecv)
	h.metrics.Closes.WithLabelValues(code.String()).Inc()
}
