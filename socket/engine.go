// Copyright (c) 2022 The rcproxy Authors
// Copyright (c) 2019 Andy Pan
// Copyright (c) 2018 Joshua J Baker
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

	"github.com/mkauli/iot-gateway-opc-ua-proxy/internal/netpoll"
	pkgerrors "github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/errors"
)

// Engine is a multi-socket host: the single collaborator an
// application creates to open, listen on, and tear down sockets. It
// generalizes the Windows PAL's per-process global function-pointer
// cache and single IOCP handle (original_source/src/pal/pal_sk_win.c)
// into an explicit, testable Go value, addressing SPEC_FULL.md §4.3's
// "global mutable state" note — and generalizes core/engine.go's
// redis-proxy-specific engine the same way.
type Engine struct {
	opts       Options
	loop       *eventloop
	cond       *sync.Cond
	closeOnce  sync.Once
	inShutdown int32
	listeners  []*Listener
}

// Options configures a new Engine. Zero value is valid; a non-positive
// AcceptBacklog falls back to 128.
type Options struct {
	AcceptBacklog int
}

func (o Options) withDefaults() Options {
	if o.AcceptBacklog <= 0 {
		o.AcceptBacklog = 128
	}
	return o
}

// NewEngine opens the poller and starts the event loop goroutine. The
// returned Engine is ready to accept Listen/Open calls immediately.
func NewEngine(opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	p, err := netpoll.OpenPoller()
	if err != nil {
		return nil, err
	}
	eng := &Engine{
		opts: opts,
		cond: sync.NewCond(&sync.Mutex{}),
	}
	eng.loop = newEventloop(eng, p)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		wg.Done()
		eng.loop.run()
	}()
	wg.Wait()
	return eng, nil
}

// Open creates and begins connecting a new active socket.
func (eng *Engine) Open(props Properties, addrs []Address, handler EventHandler) (*Socket, error) {
	if eng.isInShutdown() {
		return nil, pkgerrors.New(pkgerrors.Closed)
	}
	s := NewSocket(eng, props, handler)
	if err := s.Open(addrs); err != nil {
		return nil, err
	}
	return s, nil
}

// Listen binds and listens on addr, asking newFunc for a handler before
// each accept; every accepted connection becomes an opened Socket driven
// by the handler obtained for it. filter, if non-nil, is
// consulted before the accept completes — typically backed by the
// allowlist package.
func (eng *Engine) Listen(addr Address, backlog int, newFunc NewHandlerFunc, filter AcceptFilter) (*Listener, error) {
	if eng.isInShutdown() {
		return nil, pkgerrors.New(pkgerrors.Closed)
	}
	if backlog <= 0 {
		backlog = eng.opts.AcceptBacklog
	}
	ln, err := eng.listen(addr, SockStream, backlog, newFunc, filter)
	if err != nil {
		return nil, err
	}
	eng.listeners = append(eng.listeners, ln)
	return ln, nil
}

func (eng *Engine) isInShutdown() bool {
	return atomic.LoadInt32(&eng.inShutdown) == 1
}

func (eng *Engine) signalShutdown() {
	eng.cond.L.Lock()
	eng.cond.Signal()
	eng.cond.L.Unlock()
}

// Shutdown closes every listener, stops the event loop, and waits for
// it to exit. Safe to call more than once; only the first call does
// anything.
func (eng *Engine) Shutdown() {
	eng.closeOnce.Do(func() {
		atomic.StoreInt32(&eng.inShutdown, 1)
		for _, ln := range eng.listeners {
			_ = ln.Close()
		}
		_ = eng.loop.poller.UrgentTrigger(func(interface{}) error {
			return pkgerrors.ErrEngineShutdown
		}, nil)

		eng.cond.L.Lock()
		eng.cond.Wait()
		eng.cond.L.Unlock()

		_ = eng.loop.poller.Close()
	})
}

// SocketCount reports how many sockets are currently registered to the
// engine's event loop, for diagnostics.
func (eng *Engine) SocketCount() int {
	return eng.loop.socketCount()
}
