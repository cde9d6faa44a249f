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
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/mkauli/iot-gateway-opc-ua-proxy/internal/hostsock"
	"github.com/mkauli/iot-gateway-opc-ua-proxy/internal/netpoll"
	pkgerrors "github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/errors"
	"github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/logging"
)

// EventHandler is the client interface a Socket drives: the contract
// the spec calls the "uniform begin/complete callback contract"
// between the engine and whatever owns the socket's payload buffers
// (typically something backed by an internal/ioqueue.Queue). It
// generalizes core/gnet.go's EventHandler from a fixed client/redis
// connection pair to an arbitrary socket.
type EventHandler interface {
	// OnOpened reports the outcome of Socket.Open: Ok on success, or the
	// reason every candidate address failed.
	OnOpened(s *Socket, code Code)

	// OnBeginSend is asked to supply the next outbound payload. ready
	// false means there is nothing to send right now; the socket simply
	// lets the send context go idle until the next RequestSend.
	OnBeginSend(s *Socket) (payload []byte, addr *Address, ready bool)
	// OnEndSend reports how many bytes of the payload handed back from
	// OnBeginSend were actually sent, or the failure code.
	OnEndSend(s *Socket, n int, code Code)

	// OnBeginRecv is asked to supply a destination buffer for the next
	// inbound read. ready false defers recv the same way OnBeginSend
	// does for send.
	OnBeginRecv(s *Socket) (payload []byte, ready bool)
	// OnEndRecv reports how many bytes were read into the buffer handed
	// back from OnBeginRecv, the sender (for datagram sockets; nil for
	// stream sockets), or the failure code. n==0, code==Ok on a stream
	// socket means the peer performed an orderly shutdown.
	OnEndRecv(s *Socket, n int, from *Address, code Code)

	// OnClosed fires exactly once, after every in-flight operation
	// context has drained, regardless of which direction (if any)
	// triggered the close.
	OnClosed(s *Socket, code Code)
}

type socketPhase int32

const (
	phaseIdle socketPhase = iota
	phaseConnecting
	phaseOpen
	phaseClosing
	phaseClosed
)

// Socket is one async socket: a state machine binding three operation
// contexts (open, send, recv) to a host socket collaborator's readiness
// notifications.
type Socket struct {
	eng     *Engine
	loop    *eventloop
	handler EventHandler
	props   Properties

	host *hostsock.Socket
	pa   *netpoll.PollAttachment

	openCtx, sendCtx, recvCtx AsyncOperationContext

	mu          sync.Mutex
	phase       int32 // socketPhase, accessed via atomic
	addrs       []Address
	addrIdx     int
	wantRead    bool
	wantWrite   bool
	pendingSend    []byte
	pendingAddr    *Address
	pendingRecvBuf []byte
	closeOnce      sync.Once
	closedOnce     sync.Once
	closeCode      Code
}

// NewSocket allocates a Socket bound to eng and handler, not yet open.
func NewSocket(eng *Engine, props Properties, handler EventHandler) *Socket {
	return &Socket{eng: eng, loop: eng.loop, props: props, handler: handler}
}

func (s *Socket) setPhase(p socketPhase) { atomic.StoreInt32(&s.phase, int32(p)) }
func (s *Socket) getPhase() socketPhase  { return socketPhase(atomic.LoadInt32(&s.phase)) }

// Open begins an asynchronous connect, trying each address in order
// until one succeeds or the list is exhausted. Mirrors
// pal_socket_async_connect_begin's candidate-iteration loop.
func (s *Socket) Open(addrs []Address) error {
	if len(addrs) == 0 {
		return pkgerrors.New(pkgerrors.NoAddress)
	}
	if err := s.openCtx.Begin(); err != nil {
		return err
	}
	s.addrs = addrs
	s.addrIdx = 0
	s.setPhase(phaseConnecting)
	s.tryNextAddress()
	return nil
}

// adoptAccepted binds an already-connected host socket obtained via
// Accept, skipping the connect phase entirely.
func (s *Socket) adoptAccepted(host *hostsock.Socket) error {
	if err := s.openCtx.Begin(); err != nil {
		return err
	}
	s.host = host
	s.register()
	if err := s.loop.poller.AddRead(s.pa); err != nil {
		logging.Warnf("failed to register accepted socket for readable events: %v", err)
	}
	s.setPhase(phaseOpen)
	drained := s.openCtx.Complete()
	s.handler.OnOpened(s, pkgerrors.Ok)
	if drained {
		s.maybeFireClosed()
	}
	return nil
}

func (s *Socket) register() {
	s.pa = netpoll.GetPollAttachment()
	s.pa.FD, s.pa.Callback = s.host.Fd(), s.handleEvent
	s.loop.registerSocket(s)
}

func (s *Socket) tryNextAddress() {
	for s.addrIdx < len(s.addrs) {
		addr := s.addrs[s.addrIdx]
		s.addrIdx++

		host, err := hostsock.New(addr.Family, s.props.SockType)
		if err != nil {
			continue
		}
		waiting, cerr := host.Connect(addr)
		if cerr != nil {
			_ = host.Close()
			continue
		}
		s.host = host
		s.register()
		if waiting {
			s.wantWrite = true
			if err := s.loop.poller.AddWrite(s.pa); err != nil {
				logging.Warnf("failed to register connecting socket for writable events: %v", err)
			}
			return
		}
		if err := s.loop.poller.AddRead(s.pa); err != nil {
			logging.Warnf("failed to register connected socket for readable events: %v", err)
		}
		s.completeOpen(pkgerrors.Ok)
		return
	}
	s.completeOpen(pkgerrors.Connecting)
}

func (s *Socket) completeOpen(code Code) {
	s.setPhase(phaseOpen)
	if code != pkgerrors.Ok {
		s.setPhase(phaseClosed)
	}
	drained := s.openCtx.Complete()
	s.handler.OnOpened(s, code)
	if drained {
		s.maybeFireClosed()
	}
}

// RequestSend asks the socket to pull its next payload from the
// handler via OnBeginSend and attempt to send it. It is a no-op error
// if a send is already outstanding.
func (s *Socket) RequestSend() error {
	if err := s.sendCtx.Begin(); err != nil {
		return err
	}
	s.pumpSend()
	return nil
}

func (s *Socket) pumpSend() {
	payload, addr, ready := s.handler.OnBeginSend(s)
	if !ready {
		s.sendCtx.Complete()
		return
	}
	s.attemptSend(payload, addr)
}

func (s *Socket) attemptSend(payload []byte, addr *Address) {
	var (
		n       int
		waiting bool
		err     error
	)
	if addr != nil {
		n, waiting, err = s.host.SendTo(payload, *addr, 0)
	} else {
		n, waiting, err = s.host.Send(payload, 0)
	}
	if waiting {
		s.pendingSend, s.pendingAddr = payload, addr
		if uerr := s.loop.poller.ModReadWrite(s.pa); uerr != nil {
			logging.Warnf("failed to arm writable events for pending send: %v", uerr)
		}
		s.wantWrite = true
		return
	}
	code := pkgerrors.Ok
	if err != nil {
		code = pkgerrors.CodeOf(err)
	}
	s.finishSend(n, code)
}

func (s *Socket) finishSend(n int, code Code) {
	s.pendingSend, s.pendingAddr = nil, nil
	closing := s.sendCtx.Closing()
	drained := s.sendCtx.Complete()
	if !closing {
		s.handler.OnEndSend(s, n, code)
	}
	if drained {
		s.maybeFireClosed()
	}
}

// RequestRecv asks the socket to pull a destination buffer from the
// handler via OnBeginRecv and attempt to read into it.
func (s *Socket) RequestRecv() error {
	if err := s.recvCtx.Begin(); err != nil {
		return err
	}
	s.pumpRecv()
	return nil
}

func (s *Socket) pumpRecv() {
	payload, ready := s.handler.OnBeginRecv(s)
	if !ready {
		s.recvCtx.Complete()
		return
	}
	s.attemptRecv(payload)
}

func (s *Socket) attemptRecv(payload []byte) {
	var (
		n       int
		from    Address
		haveFr  bool
		waiting bool
		err     error
	)
	if s.props.SockType == hostsock.SockDgram {
		n, from, waiting, err = s.host.RecvFrom(payload, 0)
		haveFr = err == nil && !waiting
	} else {
		n, waiting, err = s.host.Recv(payload, 0)
	}
	if waiting {
		s.pendingRecvBuf = payload
		s.wantRead = true
		return
	}
	code := pkgerrors.Ok
	if err != nil {
		code = pkgerrors.CodeOf(err)
	}
	var fromPtr *Address
	if haveFr {
		fromPtr = &from
	}
	s.finishRecv(n, fromPtr, code)
}

func (s *Socket) finishRecv(n int, from *Address, code Code) {
	s.pendingRecvBuf = nil
	closing := s.recvCtx.Closing()
	drained := s.recvCtx.Complete()
	if !closing {
		s.handler.OnEndRecv(s, n, from, code)
	}
	if drained {
		s.maybeFireClosed()
	}
}

// handleEvent is the PollAttachment.Callback bound to this socket's fd.
func (s *Socket) handleEvent(fd int, filter int16) error {
	switch s.getPhase() {
	case phaseConnecting:
		return s.handleConnectEvent(filter)
	default:
		return s.handleOpenEvent(filter)
	}
}

func (s *Socket) handleConnectEvent(filter int16) error {
	if filter == netpoll.EVFilterSock {
		_ = s.host.Close()
		s.deregister()
		s.tryNextAddress()
		return nil
	}
	if err := s.host.CheckConnectError(); err != nil {
		_ = s.host.Close()
		s.deregister()
		s.tryNextAddress()
		return nil
	}
	if uerr := s.loop.poller.ModRead(s.pa); uerr != nil {
		logging.Warnf("failed to downgrade connected socket to read-only interest: %v", uerr)
	}
	s.wantWrite = false
	s.completeOpen(pkgerrors.Ok)
	return nil
}

func (s *Socket) handleOpenEvent(filter int16) error {
	switch filter {
	case netpoll.EVFilterSock:
		s.closeWithCode(pkgerrors.Closed)
		// While a hang-up or error is pending the poller reports this fd
		// as EVFilterSock, never as readable or writable, so an operation
		// still waiting on readiness is completed here; its end event is
		// suppressed because the context is closing.
		if s.pendingSend != nil {
			s.finishSend(0, pkgerrors.Closed)
		}
		if s.pendingRecvBuf != nil {
			s.finishRecv(0, nil, pkgerrors.Closed)
		}
		return nil
	case netpoll.EVFilterWrite:
		if s.pendingSend != nil {
			payload, addr := s.pendingSend, s.pendingAddr
			s.attemptSend(payload, addr)
		}
	case netpoll.EVFilterRead:
		if s.pendingRecvBuf != nil {
			buf := s.pendingRecvBuf
			s.attemptRecv(buf)
		}
	}
	return nil
}

func (s *Socket) deregister() {
	if s.pa == nil {
		return
	}
	_ = s.loop.poller.Delete(s.pa.FD)
	s.loop.deregisterSocket(s)
	netpoll.PutPollAttachment(s.pa)
	s.pa = nil
}

// Close begins orderly teardown: every operation context is quiesced,
// and the handler's OnClosed fires exactly once, either synchronously
// (if nothing was outstanding) or once the last in-flight operation's
// Complete drains it. Safe to call more than once.
func (s *Socket) Close() {
	s.closeWithCode(pkgerrors.Ok)
}

func (s *Socket) closeWithCode(code Code) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.setPhase(phaseClosing)
		openDrained := s.openCtx.BeginClose()
		sendDrained := s.sendCtx.BeginClose()
		recvDrained := s.recvCtx.BeginClose()
		if s.host != nil {
			_ = s.host.Shutdown(unix.SHUT_RDWR)
		}
		if openDrained && sendDrained && recvDrained {
			s.fireClosed()
		}
	})
}

// maybeFireClosed is called after any context's Complete reports
// drained; it only actually fires once every context has drained,
// which BeginClose having already been called on all three guarantees
// eventually happens exactly once.
func (s *Socket) maybeFireClosed() {
	s.mu.Lock()
	allDrained := s.openCtx.Pending() == 0 && s.sendCtx.Pending() == 0 && s.recvCtx.Pending() == 0
	closing := s.getPhase() == phaseClosing
	s.mu.Unlock()
	if closing && allDrained {
		s.fireClosed()
	}
}

// fireClosed is reachable from several racing completions (closeWithCode
// itself, and any of the three contexts' maybeFireClosed once it
// observes the last drain), so the exactly-once guarantee is a
// sync.Once latch on the socket itself rather than a process-wide
// registry: once Do's function starts running, every other caller
// blocks until it returns, and none re-enter it afterward.
func (s *Socket) fireClosed() {
	s.closedOnce.Do(func() {
		s.deregister()
		if s.host != nil {
			_ = s.host.Close()
			s.host = nil
		}
		s.setPhase(phaseClosed)
		s.handler.OnClosed(s, s.closeCode)
	})
}

// LocalAddr reports the socket's local endpoint once open.
func (s *Socket) LocalAddr() (Address, error) {
	if s.host == nil {
		return Address{}, pkgerrors.New(pkgerrors.Fault)
	}
	return s.host.LocalAddr()
}

// PeerAddr reports the socket's remote endpoint once connected.
func (s *Socket) PeerAddr() (Address, error) {
	if s.host == nil {
		return Address{}, pkgerrors.New(pkgerrors.Fault)
	}
	return s.host.PeerAddr()
}

// Properties returns the Properties this socket was opened with.
// Mirrors pal_socket_get_properties's snapshot-for-inspection role.
func (s *Socket) Properties() Properties {
	return s.props
}

// SetSockOpt passes an integer-valued socket option through to the
// host collaborator. Mirrors pal_socket_setsockopt.
func (s *Socket) SetSockOpt(level, name, value int) error {
	if s.host == nil {
		return pkgerrors.New(pkgerrors.Fault)
	}
	return s.host.SetSockOpt(level, name, value)
}

// GetSockOpt reads an integer-valued socket option through the host
// collaborator. Mirrors pal_socket_getsockopt.
func (s *Socket) GetSockOpt(level, name int) (int, error) {
	if s.host == nil {
		return 0, pkgerrors.New(pkgerrors.Fault)
	}
	return s.host.GetSockOpt(level, name)
}

// JoinMulticastGroup joins group on the named interface (empty for the
// default interface). Mirrors pal_socket_join_multicast_group.
func (s *Socket) JoinMulticastGroup(group Address, iface string) error {
	if s.host == nil {
		return pkgerrors.New(pkgerrors.Fault)
	}
	return s.host.JoinMulticastGroup(group, iface)
}

// LeaveMulticastGroup leaves a previously joined multicast group.
func (s *Socket) LeaveMulticastGroup(group Address, iface string) error {
	if s.host == nil {
		return pkgerrors.New(pkgerrors.Fault)
	}
	return s.host.LeaveMulticastGroup(group, iface)
}

// PendingOps exposes the three contexts' outstanding-submission counts
// for the pkg/diag introspection view. It is diagnostic only: nothing
// in the engine makes a cancellation/retry/timeout decision from it.
func (s *Socket) PendingOps() (open, send, recv int) {
	return s.openCtx.Pending(), s.sendCtx.Pending(), s.recvCtx.Pending()
}
