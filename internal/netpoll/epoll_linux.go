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

//go:build linux
// +build linux

package netpoll

import (
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/errors"
	"github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/logging"
)

// Event filter values reported to a PollEventHandler's filter
// parameter, kept numerically distinct from the BSD EVFilter* values
// so shared call sites can switch on either set without ambiguity.
const (
	EVFilterRead  int16 = 1
	EVFilterWrite int16 = 2
	EVFilterSock  int16 = 3
)

// Poller wraps a Linux epoll instance plus the cross-goroutine task
// queues the socket engine uses to post work (writes, closes) onto the
// poller goroutine without a second lock.
type Poller struct {
	fd           int
	eventfd      int
	wakeupCalled int32

	asyncTaskQueue       *taskQueue
	urgentAsyncTaskQueue *taskQueue
}

// OpenPoller creates an epoll instance plus the eventfd used to wake
// it for posted tasks.
func OpenPoller() (p *Poller, err error) {
	p = new(Poller)
	if p.fd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		p = nil
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	if p.eventfd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		_ = unix.Close(p.fd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(p.eventfd)}
	if err = unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, p.eventfd, &ev); err != nil {
		_ = unix.Close(p.eventfd)
		_ = unix.Close(p.fd)
		return nil, os.NewSyscallError("epoll_ctl add eventfd", err)
	}
	p.asyncTaskQueue = newTaskQueue()
	p.urgentAsyncTaskQueue = newTaskQueue()
	return p, nil
}

// Close releases the poller's kernel resources.
func (p *Poller) Close() error {
	_ = unix.Close(p.eventfd)
	return os.NewSyscallError("close", unix.Close(p.fd))
}

func (p *Poller) wakeup() error {
	if atomic.CompareAndSwapInt32(&p.wakeupCalled, 0, 1) {
		var buf [8]byte
		buf[0] = 1
		_, err := unix.Write(p.eventfd, buf[:])
		if err == unix.EAGAIN {
			return nil
		}
		return os.NewSyscallError("eventfd write", err)
	}
	return nil
}

// Trigger posts fn to the low-priority task queue, run in batches of
// at most MaxAsyncTasksAtOneTime per wakeup.
func (p *Poller) Trigger(fn TaskFunc, arg interface{}) error {
	t := getTask()
	t.Run, t.Arg = fn, arg
	p.asyncTaskQueue.enqueue(t)
	return p.wakeup()
}

// UrgentTrigger posts fn to the high-priority task queue, drained in
// full every wakeup before the low-priority queue is touched.
func (p *Poller) UrgentTrigger(fn TaskFunc, arg interface{}) error {
	t := getTask()
	t.Run, t.Arg = fn, arg
	p.urgentAsyncTaskQueue.enqueue(t)
	return p.wakeup()
}

// Polling blocks the calling goroutine, translating epoll readiness
// into PollAttachment.Callback invocations until a callback returns
// errors.ErrAcceptSocket or errors.ErrEngineShutdown, a queued task
// returns errors.ErrEngineShutdown, or epoll_wait fails; other callback
// and task errors are logged. trick and msgTimeout are called once per
// iteration.
func (p *Poller) Polling(trick func(), msgTimeout func()) error {
	size := InitPollEventsCap
	events := make([]unix.EpollEvent, size)

	for {
		trick()
		n, err := unix.EpollWait(p.fd, events, -1)
		if n == 0 || (n < 0 && err == unix.EINTR) {
			runtime.Gosched()
			continue
		} else if err != nil {
			logging.Errorf("error occurs in epoll_wait: %v", os.NewSyscallError("epoll_wait", err))
			return err
		}

		var doChores bool
		for i := 0; i < n; i++ {
			ev := &events[i]
			fd := int(ev.Fd)
			if fd == p.eventfd {
				doChores = true
				var buf [8]byte
				_, _ = unix.Read(p.eventfd, buf[:])
				atomic.StoreInt32(&p.wakeupCalled, 0)
				continue
			}
			pa := epollAttachments[fd]
			if pa == nil {
				continue
			}
			var filter int16
			switch {
			case ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0:
				filter = EVFilterSock
			case ev.Events&unix.EPOLLOUT != 0:
				filter = EVFilterWrite
			case ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0:
				filter = EVFilterRead
			default:
				continue
			}
			switch err = pa.Callback(fd, filter); err {
			case nil:
			case errors.ErrAcceptSocket, errors.ErrEngineShutdown:
				return err
			default:
				logging.Warnf("error occurs in event-loop: %v", err)
			}
		}

		if doChores {
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
			events = make([]unix.EpollEvent, size)
		} else if n < size>>2 {
			size = shrinkSize(size)
			events = make([]unix.EpollEvent, size)
		}
		msgTimeout()
	}
}

func runTask(t *task) error {
	err := t.Run(t.Arg)
	if err != nil && err != errors.ErrEngineShutdown {
		logging.Warnf("error occurs in user-defined function: %v", err)
	}
	putTask(t)
	return err
}

// epollAttachments tracks live registrations by fd. It is a plain
// package-level map with no lock of its own: registration churns on
// accept/close, not on every readiness event.
var (
	epollAttachments = make(map[int]*PollAttachment)
)

// AddRead registers pa's fd for readable + peer-shutdown events.
func (p *Poller) AddRead(pa *PollAttachment) error {
	epollAttachments[pa.FD] = pa
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP, Fd: int32(pa.FD)}
	return os.NewSyscallError("epoll_ctl add", unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, pa.FD, &ev))
}

// AddWrite registers pa's fd for writable events only.
func (p *Poller) AddWrite(pa *PollAttachment) error {
	epollAttachments[pa.FD] = pa
	ev := unix.EpollEvent{Events: unix.EPOLLOUT, Fd: int32(pa.FD)}
	return os.NewSyscallError("epoll_ctl add", unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, pa.FD, &ev))
}

// AddReadWrite registers pa's fd for both readable and writable events.
func (p *Poller) AddReadWrite(pa *PollAttachment) error {
	epollAttachments[pa.FD] = pa
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLOUT, Fd: int32(pa.FD)}
	return os.NewSyscallError("epoll_ctl add", unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, pa.FD, &ev))
}

// ModRead downgrades an existing registration back to readable-only,
// dropping interest in writability once a deferred write drains.
func (p *Poller) ModRead(pa *PollAttachment) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP, Fd: int32(pa.FD)}
	return os.NewSyscallError("epoll_ctl mod", unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, pa.FD, &ev))
}

// ModReadWrite adds writability interest to an existing
// readable-only registration, used when a send can't complete
// synchronously.
func (p *Poller) ModReadWrite(pa *PollAttachment) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLOUT, Fd: int32(pa.FD)}
	return os.NewSyscallError("epoll_ctl mod", unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, pa.FD, &ev))
}

// Delete deregisters fd from the poller entirely. Safe to call after
// the fd has already been closed (EBADF/ENOENT are swallowed).
func (p *Poller) Delete(fd int) error {
	delete(epollAttachments, fd)
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.EBADF && err != unix.ENOENT {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}
