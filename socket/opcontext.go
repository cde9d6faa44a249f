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

package socket

import (
	"sync"

	pkgerrors "github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/errors"
)

// AsyncOperationContext binds one of a Socket's three independent
// directions (open, send, recv) to the host's completion notifications.
// It gates at most one submission outstanding at a time and tracks
// whether the direction has started quiescing for close, generalizing
// the atomic pending-counter dance around every *_begin/*_complete pair
// in original_source/src/pal/pal_sk_win.c (e.g.
// pal_socket_async_connect_begin incrementing pending before dispatch
// and pal_socket_connect_complete decrementing it on the completing
// thread).
type AsyncOperationContext struct {
	mu      sync.Mutex
	pending int
	closing bool
}

// Begin records a new outstanding submission. It fails with
// pkgerrors.Closed once BeginClose has been called, and with
// pkgerrors.Connecting if a submission is already outstanding — callers
// must wait for the matching Complete before issuing another Begin.
func (c *AsyncOperationContext) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return pkgerrors.New(pkgerrors.Closed)
	}
	if c.pending > 0 {
		return pkgerrors.New(pkgerrors.Connecting)
	}
	c.pending++
	return nil
}

// Complete records that the single outstanding submission finished.
// drained reports whether this call observed pending reach zero while
// the context was already quiescing — the close-drain signal a Socket
// uses to know when it is safe to fire the socket's closed event. This
// resolves Open Question (a): the observation always happens strictly
// after the decrement, never interleaved with a racing Begin, because
// both hold c.mu.
func (c *AsyncOperationContext) Complete() (drained bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending > 0 {
		c.pending--
	}
	return c.closing && c.pending == 0
}

// BeginClose quiesces the context: no further Begin will succeed.
// immediatelyDrained reports whether there was no outstanding
// submission at the moment of the call, meaning the caller does not
// need to wait for a matching Complete before treating this direction
// as drained. Calling BeginClose more than once is safe; only the
// first call can report immediatelyDrained meaningfully, subsequent
// calls report false so a caller can't double-count the drain.
func (c *AsyncOperationContext) BeginClose() (immediatelyDrained bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	already := c.closing
	c.closing = true
	return !already && c.pending == 0
}

// Pending reports the current outstanding-submission count (0 or 1),
// for diagnostics.
func (c *AsyncOperationContext) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Closing reports whether BeginClose has been called. A completion
// that observes this true must suppress the client-visible end event
// for the submission it is completing: the direction is draining for
// close, not delivering results.
func (c *AsyncOperationContext) Closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}
