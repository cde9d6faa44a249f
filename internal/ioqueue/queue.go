// Copyright (c) Microsoft. All rights reserved.
// Licensed under the MIT license.

// Package ioqueue implements the tri-state I/O buffer queue: a
// thread-safe buffer lifecycle with three explicit states (ready,
// inprogress, done), rollback on transient failure, and abort
// semantics on teardown. It is a direct generalization of
// original_source/src/io_queue.c, carrying over its state machine and
// concurrency contract exactly while replacing the DLIST_ENTRY/
// prx_buffer_factory_t primitives with idiomatic Go equivalents.
package ioqueue

import (
	"sync"

	pkgerrors "github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/errors"
)

// sequence is a minimal intrusive doubly-linked list of *QueueBuffer,
// generalizing the DLIST_ENTRY lists in io_queue.c: O(1) push/remove/
// pop regardless of which sequence a buffer currently belongs to.
type sequence struct {
	head, tail *QueueBuffer
	len        int
}

func (s *sequence) empty() bool { return s.head == nil }

func (s *sequence) pushBack(b *QueueBuffer) {
	b.prev, b.next = s.tail, nil
	if s.tail != nil {
		s.tail.next = b
	} else {
		s.head = b
	}
	s.tail = b
	s.len++
}

// remove detaches b from whichever sequence it is currently linked
// into. It is a no-op if b is already detached.
func remove(b *QueueBuffer) {
	s := b.list
	if s == nil {
		return
	}
	if b.prev != nil {
		b.prev.next = b.next
	} else if s.head == b {
		s.head = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	} else if s.tail == b {
		s.tail = b.prev
	}
	b.prev, b.next, b.list = nil, nil, nil
	s.len--
}

func (s *sequence) popFront() *QueueBuffer {
	b := s.head
	if b == nil {
		return nil
	}
	remove(b)
	return b
}

// prependAll moves every buffer currently in src to the head of s,
// preserving src's relative order, and empties src. This is the exact
// operation io_queue_rollback performs via
// DList_AppendTailList(queue->ready.Flink, &queue->inprogress).
func (s *sequence) prependAll(src *sequence) {
	if src.head == nil {
		return
	}
	for b := src.head; b != nil; b = b.next {
		b.list = s
	}
	if s.head == nil {
		s.head, s.tail = src.head, src.tail
	} else {
		src.tail.next = s.head
		s.head.prev = src.tail
		s.head = src.head
	}
	s.len += src.len
	src.head, src.tail, src.len = nil, nil, 0
}

// walk calls fn for every buffer currently in s, without removing any
// of them — used by Abort, which must leave buffers in their current
// sequences.
func (s *sequence) walk(fn func(*QueueBuffer)) {
	for b := s.head; b != nil; b = b.next {
		fn(b)
	}
}

// Queue is a tri-state container of buffers: ready, inprogress, and
// done sequences protected by a single mutex, plus the factory used to
// allocate buffer payloads.
type Queue struct {
	mu      sync.Mutex
	name    string
	factory BufferFactory

	ready      sequence
	inprogress sequence
	done       sequence
}

// Create allocates a new queue and binds a pooled buffer factory to
// name. Mirrors io_queue_create.
func Create(name string) (*Queue, error) {
	return CreateWithFactory(name, NewPooledFactory(name))
}

// CreateWithFactory allocates a new queue bound to an explicit
// BufferFactory, for callers (tests, or collaborators with their own
// pooling strategy) that don't want the default pooled factory.
func CreateWithFactory(name string, factory BufferFactory) (*Queue, error) {
	if factory == nil {
		return nil, pkgerrors.New(pkgerrors.Fault)
	}
	return &Queue{name: name, factory: factory}, nil
}

// CreateBuffer allocates a buffer header and payload area of length
// bytes, optionally copying payload into it. The buffer starts
// detached. Mirrors io_queue_create_buffer.
func (q *Queue) CreateBuffer(payload []byte, length int) (*QueueBuffer, error) {
	if q == nil || length < 0 {
		return nil, pkgerrors.New(pkgerrors.Fault)
	}
	storage := q.factory.Acquire(length)
	if storage == nil && length > 0 {
		return nil, pkgerrors.New(pkgerrors.OutOfMemory)
	}
	buf := &QueueBuffer{
		queue:   q,
		payload: storage,
		length:  length,
		code:    pkgerrors.Ok,
	}
	if len(payload) > 0 {
		if _, err := buf.Write(payload); err != nil {
			q.releaseBufferNoLockLocking(buf)
			return nil, err
		}
	}
	return buf, nil
}

// push moves buffer into the named sequence, removing it from
// whichever sequence (if any) it currently occupies first. Mirrors
// io_queue_state_push.
func (q *Queue) push(target *sequence, buffer *QueueBuffer) {
	q.mu.Lock()
	remove(buffer)
	target.pushBack(buffer)
	buffer.list = target
	q.mu.Unlock()
}

func (q *Queue) peek(s *sequence) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !s.empty()
}

func (q *Queue) pop(s *sequence) *QueueBuffer {
	q.mu.Lock()
	defer q.mu.Unlock()
	return s.popFront()
}

// HasReady reports whether any buffer is currently ready.
func (q *Queue) HasReady() bool { return q.peek(&q.ready) }

// HasInProgress reports whether any buffer is currently in progress.
func (q *Queue) HasInProgress() bool { return q.peek(&q.inprogress) }

// HasDone reports whether any buffer is currently done.
func (q *Queue) HasDone() bool { return q.peek(&q.done) }

// PopReady removes and returns the head of the ready sequence, or nil.
func (q *Queue) PopReady() *QueueBuffer { return q.pop(&q.ready) }

// PopInProgress removes and returns the head of the inprogress sequence, or nil.
func (q *Queue) PopInProgress() *QueueBuffer { return q.pop(&q.inprogress) }

// PopDone removes and returns the head of the done sequence, or nil.
func (q *Queue) PopDone() *QueueBuffer { return q.pop(&q.done) }

// Rollback atomically prepends the entire inprogress sequence to the
// head of ready, preserving relative order, and empties inprogress.
// Mirrors io_queue_rollback.
func (q *Queue) Rollback() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready.prependAll(&q.inprogress)
}

// abortNoLock invokes each buffer's completion callback with Aborted,
// clearing the callback slot, WITHOUT unlinking the buffer from its
// sequence. Mirrors io_queue_state_abort_no_lock.
func abortNoLock(s *sequence) {
	s.walk(abortCallback)
}

// Abort invokes every buffer's completion callback with Aborted and
// clears the callback slot, leaving buffers in their current
// sequences. Idempotent: a second call is a no-op because the
// callback slots are already cleared. Mirrors io_queue_abort.
func (q *Queue) Abort() {
	q.mu.Lock()
	defer q.mu.Unlock()
	abortNoLock(&q.done)
	abortNoLock(&q.inprogress)
	abortNoLock(&q.ready)
}

// releaseBufferNoLock unlinks buffer from its sequence, fires its
// abort callback (a no-op if already fired), and returns its payload
// to the factory. Caller must hold q.mu.
func (q *Queue) releaseBufferNoLock(buffer *QueueBuffer) {
	if buffer == nil {
		return
	}
	remove(buffer)
	abortCallback(buffer)
	q.factory.Release(buffer.payload)
	buffer.payload = nil
}

func (q *Queue) releaseBufferNoLockLocking(buffer *QueueBuffer) {
	q.mu.Lock()
	q.releaseBufferNoLock(buffer)
	q.mu.Unlock()
}

func releaseSequenceNoLock(q *Queue, s *sequence) {
	for {
		b := s.popFront()
		if b == nil {
			break
		}
		q.releaseBufferNoLock(b)
	}
}

// ReleaseAll removes and frees every buffer currently held by the
// queue, in done, inprogress, ready order, firing abort callbacks for
// any still registered. Mirrors io_queue_release_all_buffers.
func (q *Queue) ReleaseAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	releaseSequenceNoLock(q, &q.done)
	releaseSequenceNoLock(q, &q.inprogress)
	releaseSequenceNoLock(q, &q.ready)
}

// Free releases every buffer still held by the queue. The queue must
// not be used after calling Free. Mirrors io_queue_free.
func (q *Queue) Free() {
	if q == nil {
		return
	}
	q.ReleaseAll()
}
