// Copyright (c) Microsoft. All rights reserved.
// Licensed under the MIT license.

package ioqueue

import "github.com/valyala/bytebufferpool"

// BufferFactory allocates and releases the payload storage backing a
// QueueBuffer. It plays the role of the original source's
// prx_buffer_factory_t, bound to a queue at creation time via a name
// used only for diagnostics.
type BufferFactory interface {
	// Acquire returns a zeroed byte slice of exactly length bytes.
	Acquire(length int) []byte
	// Release returns a payload previously handed out by Acquire.
	Release(payload []byte)
}

// pooledFactory is a BufferFactory backed by a calibrated
// bytebufferpool.Pool, reusing the same size-calibration pooling idiom
// the teacher module leans on for its connection write buffers.
type pooledFactory struct {
	name string
	pool bytebufferpool.Pool
}

// NewPooledFactory builds a BufferFactory whose payload slices are leased
// from a bytebufferpool.Pool. name is kept only for diagnostics/metrics
// labeling, mirroring prx_dynamic_pool_create's name argument.
func NewPooledFactory(name string) BufferFactory {
	return &pooledFactory{name: name}
}

func (f *pooledFactory) Acquire(length int) []byte {
	bb := f.pool.Get()
	if cap(bb.B) < length {
		bb.B = make([]byte, length)
	} else {
		bb.B = bb.B[:length]
		for i := range bb.B {
			bb.B[i] = 0
		}
	}
	payload := bb.B
	return payload
}

func (f *pooledFactory) Release(payload []byte) {
	if payload == nil {
		return
	}
	f.pool.Put(&bytebufferpool.ByteBuffer{B: payload})
}
