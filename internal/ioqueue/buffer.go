// Copyright (c) Microsoft. All rights reserved.
// Licensed under the MIT license.

package ioqueue

import (
	pkgerrors "github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/errors"
)

// CompletionFunc is invoked at most once per buffer, either by the
// consumer on natural completion or by the queue itself with
// pkgerrors.Aborted on forced teardown.
type CompletionFunc func(ctx interface{}, code pkgerrors.Code)

// QueueBuffer is a header in front of a caller payload area. It is a
// member of exactly one of a Queue's three sequences, or is detached
// (just created via CreateBuffer, or just returned via Release).
//
// In the original C source the header sits immediately before the
// payload in memory so a raw pointer can be converted to its header by
// a constant offset. Go doesn't need that trick: the payload is just a
// field, and Payload returns it directly.
type QueueBuffer struct {
	queue *Queue

	payload     []byte
	length      int
	writeOffset int
	readOffset  int
	code        pkgerrors.Code

	cb  CompletionFunc
	ctx interface{}

	// Intrusive doubly-linked list membership. list is nil when detached.
	list       *sequence
	prev, next *QueueBuffer
}

// Len returns the buffer's fixed capacity.
func (b *QueueBuffer) Len() int { return b.length }

// Code returns the buffer's result code, defaulting to Ok until set by
// the consumer (typically once the completion is known).
func (b *QueueBuffer) Code() pkgerrors.Code { return b.code }

// SetCode records the buffer's result code.
func (b *QueueBuffer) SetCode(code pkgerrors.Code) { b.code = code }

// Payload exposes the full backing storage, capacity length. Callers
// writing/reading through Write/Read do not need this; it exists for
// handing the storage to a host collaborator's send/recv call.
func (b *QueueBuffer) Payload() []byte { return b.payload }

// SetCompletion registers the callback fired at most once when this
// buffer is aborted or released. It is the Go analogue of directly
// assigning queue_buffer->cb_ptr / ->ctx in the original source.
func (b *QueueBuffer) SetCompletion(cb CompletionFunc, ctx interface{}) {
	b.cb = cb
	b.ctx = ctx
}

// Write copies from src into the buffer starting at the current write
// cursor, bounded by remaining capacity. Zero-length src is a no-op
// success, matching io_queue_buffer_write.
func (b *QueueBuffer) Write(src []byte) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}
	remaining := b.length - b.writeOffset
	n := len(src)
	if n > remaining {
		n = remaining
	}
	copy(b.payload[b.writeOffset:b.writeOffset+n], src[:n])
	b.writeOffset += n
	return n, nil
}

// Read copies into dst from the current read cursor, bounded by the
// remaining capacity (length minus the read cursor); the write cursor
// does not limit it. Zero-length dst is a no-op success, matching
// io_queue_buffer_read.
func (b *QueueBuffer) Read(dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	available := b.length - b.readOffset
	n := len(dst)
	if n > available {
		n = available
	}
	copy(dst[:n], b.payload[b.readOffset:b.readOffset+n])
	b.readOffset += n
	return n, nil
}

// SetReady moves the buffer into the queue's ready sequence. Safe to
// call from any state, including the current one.
func (b *QueueBuffer) SetReady() {
	if b.queue == nil {
		return
	}
	b.queue.push(&b.queue.ready, b)
}

// SetInProgress moves the buffer into the queue's inprogress sequence.
func (b *QueueBuffer) SetInProgress() {
	if b.queue == nil {
		return
	}
	b.queue.push(&b.queue.inprogress, b)
}

// SetDone moves the buffer into the queue's done sequence.
func (b *QueueBuffer) SetDone() {
	if b.queue == nil {
		return
	}
	b.queue.push(&b.queue.done, b)
}

// Release detaches the buffer from its queue, firing the abort
// callback if still registered, then returns it to the factory.
func (b *QueueBuffer) Release() {
	if b == nil || b.queue == nil {
		return
	}
	queue := b.queue
	b.queue = nil

	abortCallback(b)

	queue.mu.Lock()
	queue.releaseBufferNoLock(b)
	queue.mu.Unlock()
}

// abortCallback snapshots and clears the completion callback before
// invoking it, guaranteeing at-most-once delivery under concurrent or
// repeated calls — the exact mechanism behind invariant #2.
func abortCallback(b *QueueBuffer) {
	cb := b.cb
	ctx := b.ctx
	b.cb = nil
	b.ctx = nil
	if cb != nil {
		cb(ctx, pkgerrors.Aborted)
	}
}
