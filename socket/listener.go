// Copyright (c) 2022 The rcproxy Authors
// Copyright (c) 2019 Andy Pan
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

package socket

import (
	"golang.org/x/sys/unix"

	"github.com/mkauli/iot-gateway-opc-ua-proxy/internal/hostsock"
	"github.com/mkauli/iot-gateway-opc-ua-proxy/internal/netpoll"
	pkgerrors "github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/errors"
	"github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/logging"
)

// NewHandlerFunc is asked for a handler for the next accepted
// connection, mirroring the spec's begin_accept event: the listener
// has no peer address to offer yet (accept hasn't happened), only a
// yes/no on whether the client wants to receive one right now. ready
// false quiesces the accept loop exactly like OnBeginSend/OnBeginRecv
// returning false quiesces send/recv — the next RequestAccept (driven
// by the caller's can_recv(ready=true) equivalent) is what resumes it.
// The handler learns its peer once opened, via Socket.PeerAddr in
// OnOpened.
type NewHandlerFunc func() (handler EventHandler, ready bool)

// AcceptFilter reports whether an inbound connection from peer should
// be accepted at all. A nil filter accepts everything. A filter
// rejection is engine-level access control, not a client decline: it
// consumes no begin_accept grant and the loop keeps draining the
// backlog with the same handler.
type AcceptFilter func(peer Address) bool

// Listener is a passive socket: bound, listening, and driving an
// accept loop that pulls a handler via NewHandlerFunc before each
// accept attempt, the same begin/complete discipline Socket's send and
// recv directions use. Generalizes core/listener.go + core/acceptor.go
// from the fixed redis-client listener to an arbitrary protocol.
type Listener struct {
	eng     *Engine
	loop    *eventloop
	host    *hostsock.Socket
	pa      *netpoll.PollAttachment
	props   Properties
	newFunc NewHandlerFunc
	filter  AcceptFilter

	acceptCtx      AsyncOperationContext
	pendingHandler EventHandler
}

func (eng *Engine) listen(addr Address, sockType SockType, backlog int, newFunc NewHandlerFunc, filter AcceptFilter) (*Listener, error) {
	host, err := hostsock.New(addr.Family, sockType)
	if err != nil {
		return nil, err
	}
	if err := host.SetSockOpt(unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		logging.Warnf("failed to set SO_REUSEADDR on listener: %v", err)
	}
	if err := host.Bind(addr); err != nil {
		_ = host.Close()
		return nil, err
	}
	if sockType == hostsock.SockStream {
		if err := host.Listen(backlog); err != nil {
			_ = host.Close()
			return nil, err
		}
	}
	ln := &Listener{
		eng:     eng,
		loop:    eng.loop,
		host:    host,
		props:   Properties{Family: addr.Family, SockType: sockType, Passive: true},
		newFunc: newFunc,
		filter:  filter,
	}
	ln.pa = netpoll.GetPollAttachment()
	ln.pa.FD, ln.pa.Callback = host.Fd(), ln.handleEvent
	eng.loop.registerListener(ln)
	if err := eng.loop.poller.AddRead(ln.pa); err != nil {
		_ = host.Close()
		return nil, err
	}
	if sockType == hostsock.SockStream {
		_ = ln.RequestAccept()
	}
	return ln, nil
}

// LocalAddr reports the address the listener is bound to.
func (ln *Listener) LocalAddr() (Address, error) {
	return ln.host.LocalAddr()
}

// RequestAccept kicks off the accept loop: it asks NewHandlerFunc for
// a handler (the begin_accept event) and, if one is offered, attempts
// an accept immediately. It is the can_recv(ready=true) entry point
// scenario S3 exercises to resume a quiesced accept loop, and is also
// what seeds the loop when the listener is first created. A no-op
// error if an accept is already outstanding.
func (ln *Listener) RequestAccept() error {
	if err := ln.acceptCtx.Begin(); err != nil {
		return err
	}
	ln.pumpAccept()
	return nil
}

// pumpAccept asks for a handler and, as long as host.Accept() keeps
// succeeding, keeps looping — mirroring §4.2's "after each completion,
// the engine re-invokes the begin handler repeatedly until it returns
// quiesced." Each iteration re-acquires acceptCtx: one loop iteration
// is one begin/complete pair, exactly like Socket's send/recv pumps.
// It stops when NewHandlerFunc declines (quiesced, scenario S3), the
// host reports no connection pending (EAGAIN, pendingHandler saved for
// the next readable event), or a real accept error leaves nothing
// useful to retry right now (also saved, same treatment as EAGAIN).
func (ln *Listener) pumpAccept() {
	for {
		handler, ready := ln.newFunc()
		if !ready {
			ln.acceptCtx.Complete()
			return
		}
		accepted, closing := ln.tryAccept(handler)
		if !accepted {
			return
		}
		drained := ln.acceptCtx.Complete()
		if closing {
			_ = drained // Listener has no client-visible closed event to gate.
			return
		}
		if err := ln.acceptCtx.Begin(); err != nil {
			return
		}
	}
}

// tryAccept drains host.Accept() under filter rejection until it gets
// a connection to hand to handler, runs out of backlog (EAGAIN), or
// hits a real error. accepted reports whether a connection was handed
// off (the caller must still call acceptCtx.Complete()); closing
// reports whether the context was already draining for close at the
// moment of hand-off, same as Socket.finishSend/finishRecv's guard.
func (ln *Listener) tryAccept(handler EventHandler) (accepted, closing bool) {
	for {
		child, peer, waiting, err := ln.host.Accept()
		if waiting {
			ln.pendingHandler = handler
			return false, false
		}
		if err != nil {
			logging.Warnf("accept failed on listener: %v", err)
			ln.pendingHandler = handler
			return false, false
		}
		if ln.filter != nil && !ln.filter(peer) {
			_ = child.Close()
			continue
		}
		closing = ln.acceptCtx.Closing()
		if closing {
			_ = child.Close()
			return true, true
		}
		childSocket := NewSocket(ln.eng, Properties{Family: ln.props.Family, SockType: hostsock.SockStream}, handler)
		if aerr := childSocket.adoptAccepted(child); aerr != nil {
			_ = child.Close()
		}
		return true, false
	}
}

func (ln *Listener) handleEvent(fd int, filter int16) error {
	if ln.props.SockType != hostsock.SockStream {
		return ln.handleDatagram(filter)
	}
	if filter == netpoll.EVFilterSock {
		return nil
	}
	if ln.pendingHandler == nil {
		// Quiesced: the client declined the last begin_accept, so no
		// accept is outstanding to resume. The next RequestAccept
		// picks up whatever is already waiting in the backlog.
		return nil
	}
	handler := ln.pendingHandler
	ln.pendingHandler = nil
	accepted, closing := ln.tryAccept(handler)
	if !accepted {
		return nil
	}
	drained := ln.acceptCtx.Complete()
	if closing {
		_ = drained
		return nil
	}
	if err := ln.acceptCtx.Begin(); err == nil {
		ln.pumpAccept()
	}
	return nil
}

// handleDatagram is the event path for a non-stream listener. Datagram
// listeners are not supported: it returns NotSupported for every event.
// Engine.Listen only creates stream listeners.
func (ln *Listener) handleDatagram(int16) error {
	return pkgerrors.New(pkgerrors.NotSupported)
}

// Close stops accepting new connections and releases the listening
// socket. acceptCtx.BeginClose makes any RequestAccept racing with
// Close fail with Closed instead of restarting the loop against a
// host socket that's about to be torn down, and gives tryAccept's
// closing check (which otherwise guards a path Close alone can't
// reach once the poller registration is gone) a real predecessor.
func (ln *Listener) Close() error {
	ln.acceptCtx.BeginClose()
	if ln.pa != nil {
		_ = ln.loop.poller.Delete(ln.pa.FD)
		ln.loop.deregisterListener(ln)
		netpoll.PutPollAttachment(ln.pa)
		ln.pa = nil
	}
	if ln.host != nil {
		err := ln.host.Close()
		ln.host = nil
		return err
	}
	return nil
}
