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

// Package netpoll is the completion-notification substrate: a thin
// epoll/kqueue readiness poller that the socket package's async
// operation contexts translate into begin/complete callbacks. It
// generalizes core/internal/netpoll/kqueue_optimized_poller.go's
// Poller contract across both readiness backends.
package netpoll

import "sync"

// PollEventHandler is invoked once per readiness notification for a
// registered file descriptor. filter carries the event kind as one of
// EVFilterRead/EVFilterWrite/EVFilterSock, whose values are defined per
// backend in the per-platform poller files.
type PollEventHandler func(fd int, filter int16) error

// PollAttachment binds a file descriptor to the callback invoked when
// the poller reports readiness on it. Pooled via GetPollAttachment /
// PutPollAttachment so registering a socket doesn't allocate on the
// hot path.
type PollAttachment struct {
	FD       int
	Callback PollEventHandler
}

var pollAttachmentPool = sync.Pool{New: func() interface{} { return new(PollAttachment) }}

// GetPollAttachment leases a zeroed PollAttachment from the pool.
func GetPollAttachment() *PollAttachment {
	return pollAttachmentPool.Get().(*PollAttachment)
}

// PutPollAttachment returns pa to the pool. The caller must not use pa
// again afterwards.
func PutPollAttachment(pa *PollAttachment) {
	pa.FD, pa.Callback = 0, nil
	pollAttachmentPool.Put(pa)
}

const (
	// InitPollEventsCap is the initial capacity of a poller's event
	// batch buffer.
	InitPollEventsCap = 128
	// MaxPollEventsCap caps how large the event batch buffer is
	// allowed to grow.
	MaxPollEventsCap = 1024
	// MinPollEventsCap is the floor the event batch buffer shrinks
	// back down to.
	MinPollEventsCap = 32
	// MaxAsyncTasksAtOneTime bounds how many low-priority queued tasks
	// run per wakeup, so the task queue can't starve readiness events.
	MaxAsyncTasksAtOneTime = 256
)
