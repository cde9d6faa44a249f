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

//go:build (freebsd || dragonfly || darwin) && !poll_opt
// +build freebsd dragonfly darwin
// +build !poll_opt

// This is the default (non poll_opt) kqueue poller; kqueue_optimized_poller.go
// is the poll_opt-tagged alternative that stashes the PollAttachment pointer
// directly in Udata instead of a map lookup. This file generalizes the same
// Poller contract without that optimization, tracking attachments in a plain
// map like the Linux epoll poller does.
package netpoll

import (
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/errors"
	"github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/logging"
)

const (
	EVFilterRead  = unix.EVFILT_READ
	EVFilterWrite = unix.EVFILT_WRITE
	EVFilterSock  = -0xd // distinct from any real EVFILT_* constant
)

// Poller wraps a kqueue instance plus the cross-goroutine task queues
// used to post work onto the poller goroutine.
type Poller struct {
	fd           int
	wakeupCalled int32

	attachments map[int]*PollAttachment

	asyncTaskQueue       *taskQueue
	urgentAsyncTaskQueue *taskQueue
}

var wakeupNote = []unix.Kevent_t{{
	Ident:  0,
	Filter: unix.EVFILT_USER,
	Fflags: unix.NOTE_TRIGGER,
}}

// OpenPoller creates a kqueue instance with a user-event filter used
// to wake Polling for posted tasks.
func OpenPoller() (p *Poller, err error) {
	p = new(Poller)
	if p.fd, err = unix.Kqueue(); err != nil {
		p = nil
		return nil, os.NewSyscallError("kqueue", err)
	}
	if _, err = unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil); err != nil {
		_ = p.Close()
		return nil, os.NewSyscallError("kevent add|clear", err)
	}
	p.attachments = make(map[int]*PollAttachment)
	p.asyncTaskQueue = newTaskQueue()
	p.urgentAsyncTaskQueue = newTaskQueue()
	return p, nil
}

// Close releases the poller's kqueue descriptor.
func (p *Poller) Close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}

func (p *Poller) wakeup() error {
	if atomic.CompareAndSwapInt32(&p.wakeupCalled, 0, 1) {
		if _, err := unix.Kevent(p.fd, wakeupNote, nil, nil); err != nil && err != unix.EAGAIN {
			return os.NewSyscallError("kevent trigger", err)
		}
	}
	return nil
}

// Trigger posts fn to the low-priority task queue.
func (p *Poller) Trigger(fn TaskFunc, arg interface{}) error {
	t := getTask()
	t.Run, t.Arg = fn, arg
	p.asyncTaskQueue.enqueue(t)
	return p.wakeup()
}

// UrgentTrigger posts fn to the high-priority task queue.
func (p *Poller) UrgentTrigger(fn TaskFunc, arg interface{}) error {
	t := getTask()
	t.Run, t.Arg = fn, arg
	p.urgentAsyncTaskQueue.enqueue(t)
	return p.wakeup()
}

// Polling blocks the calling goroutine, translating kqueue readiness
// into PollAttachment.Callback invocations.
func (p *Poller) Polling(trick func(), msgTimeout func()) error {
	size := InitPollEventsCap
	events := make([]unix.Kevent_t, size)

	for {
		trick()
		n, err := unix.Kevent(p.fd, nil, events, nil)
		if n == 0 || (n < 0 && err == unix.EINTR) {
			runtime.Gosched()
			continue
		} else if err != nil {
			logging.Errorf("error occurs in kqueue: %v", os.NewSyscallError("kevent wait", err))
			return err
		}

		var doChores bool
		for i := 0; i < n; i++ {
			ev := &events[i]
			if ev.Ident == 0 && ev.Filter == unix.EVFILT_USER {
				doChores = true
				continue
			}
			pa := p.attachments[int(ev.Ident)]
			if pa == nil {
				continue
			}
			filter := ev.Filter
			if ev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0 {
				filter = EVFilterSock
			}
			switch err = pa.Callback(int(ev.Ident), int16(filter)); err {
			case nil:
			case errors.ErrAcceptSocket, errors.ErrEngineShutdown:
				return err
			default:
				logging.Warnf("error occurs in event-loop: %v", err)
			}
		}

		if doChores {
			atomic.StoreInt32(&p.wakeupCalled, 0)
			t := p.urgentAsyncTaskQueue.dequeue()
			for ; t != nil; t = p.urgentAsyncTaskQueue.dequeue() {
				if err = runTask(t); err == errors.ErrEngineShutdown {
					return err
				}
			}
			for i := 0; i < MaxAsyncTasksAtOneTime; i++ {
				if t = p.asyncTaskQueue.dequeue(); t == nil {
					break
				}
				if err = runTask(t); err == errors.ErrEngineShutdown {
					return err
				}
			}
		}

		if n == size {
			size = growShrink(size)
			events = make([]unix.Kevent_t, size)
		} else if n < size>>2 {
			size = shrinkSize(size)
			events = make([]unix.Kevent_t, size)
		}
		msgTimeout()
	}
}

// AddRead registers pa's fd for readable events.
func (p *Poller) AddRead(pa *PollAttachment) error {
	p.attachments[pa.FD] = pa
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident: uint64(pa.FD), Flags: unix.EV_ADD, Filter: unix.EVFILT_READ,
	}}, nil, nil)
	return os.NewSyscallError("kevent add", err)
}

// AddWrite registers pa's fd for writable events.
func (p *Poller) AddWrite(pa *PollAttachment) error {
	p.attachments[pa.FD] = pa
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident: uint64(pa.FD), Flags: unix.EV_ADD, Filter: unix.EVFILT_WRITE,
	}}, nil, nil)
	return os.NewSyscallError("kevent add", err)
}

// AddReadWrite registers pa's fd for both readable and writable events.
func (p *Poller) AddReadWrite(pa *PollAttachment) error {
	p.attachments[pa.FD] = pa
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{
		{Ident: uint64(pa.FD), Flags: unix.EV_ADD, Filter: unix.EVFILT_READ},
		{Ident: uint64(pa.FD), Flags: unix.EV_ADD, Filter: unix.EVFILT_WRITE},
	}, nil, nil)
	return os.NewSyscallError("kevent add", err)
}

// ModRead drops the writable registration and (re-)adds the readable
// one, leaving only readable registered. A socket that was only ever
// AddWrite'd during a pending connect would otherwise end up with zero
// registered filters once its writable registration is deleted.
func (p *Poller) ModRead(pa *PollAttachment) error {
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident: uint64(pa.FD), Flags: unix.EV_DELETE, Filter: unix.EVFILT_WRITE,
	}}, nil, nil)
	if err != nil && err != unix.ENOENT {
		return os.NewSyscallError("kevent delete", err)
	}
	_, err = unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident: uint64(pa.FD), Flags: unix.EV_ADD, Filter: unix.EVFILT_READ,
	}}, nil, nil)
	if err != nil {
		return os.NewSyscallError("kevent add", err)
	}
	return nil
}

// ModReadWrite adds a writable registration alongside an existing
// readable one.
func (p *Poller) ModReadWrite(pa *PollAttachment) error {
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident: uint64(pa.FD), Flags: unix.EV_ADD, Filter: unix.EVFILT_WRITE,
	}}, nil, nil)
	return os.NewSyscallError("kevent add", err)
}

// Delete removes fd from the poller's live-attachment set. kqueue
// registrations for a given fd are dropped by the kernel automatically
// when the fd is closed, so no EV_DELETE is issued here.
func (p *Poller) Delete(fd int) error {
	delete(p.attachments, fd)
	return nil
}
