// Copyright (c) Microsoft. All rights reserved.
// Licensed under the MIT license.

package ioqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/errors"
)

func TestBufferWriteReadRoundTrip(t *testing.T) {
	q, err := Create("test")
	require.NoError(t, err)

	payload := []byte("01234567")
	b, err := q.CreateBuffer(nil, len(payload))
	require.NoError(t, err)

	n, err := b.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	out := make([]byte, len(payload))
	n, err = b.Read(out)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, out)
}

func TestBufferWriteClampsAtLength(t *testing.T) {
	q, err := Create("test")
	require.NoError(t, err)

	b, err := q.CreateBuffer(nil, 4)
	require.NoError(t, err)

	n, err := b.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = b.Write([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "write cursor already at length, further writes clamp to zero")
}

func TestCreateBufferCopiesInitialPayload(t *testing.T) {
	q, err := Create("test")
	require.NoError(t, err)

	b, err := q.CreateBuffer([]byte("hello"), 5)
	require.NoError(t, err)

	out := make([]byte, 5)
	n, err := b.Read(out)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(out))
}

func TestCreateBufferRejectsNegativeLength(t *testing.T) {
	q, err := Create("test")
	require.NoError(t, err)

	_, err = q.CreateBuffer(nil, -1)
	assert.Error(t, err)
}

// TestQueueRollback is scenario S5: create B1,B2,B3 in ready, move B1,B2
// to inprogress, rollback, then pop_ready must return B1,B2,B3 in order
// and inprogress must be empty.
func TestQueueRollback(t *testing.T) {
	q, err := Create("test")
	require.NoError(t, err)

	b1, _ := q.CreateBuffer(nil, 1)
	b2, _ := q.CreateBuffer(nil, 1)
	b3, _ := q.CreateBuffer(nil, 1)
	b1.SetReady()
	b2.SetReady()
	b3.SetReady()

	got1 := q.PopReady()
	got2 := q.PopReady()
	require.Same(t, b1, got1)
	require.Same(t, b2, got2)
	got1.SetInProgress()
	got2.SetInProgress()

	assert.True(t, q.HasReady())
	assert.True(t, q.HasInProgress())

	q.Rollback()

	assert.False(t, q.HasInProgress())
	assert.Same(t, b1, q.PopReady())
	assert.Same(t, b2, q.PopReady())
	assert.Same(t, b3, q.PopReady())
	assert.Nil(t, q.PopReady())
}

// TestQueueAbortFiresOnce is scenario S6: a buffer with a counting
// callback, set to inprogress, aborted twice — the callback must fire
// exactly once with Aborted.
func TestQueueAbortFiresOnce(t *testing.T) {
	q, err := Create("test")
	require.NoError(t, err)

	b, err := q.CreateBuffer(nil, 1)
	require.NoError(t, err)

	var calls int
	var lastCode pkgerrors.Code
	b.SetCompletion(func(ctx interface{}, code pkgerrors.Code) {
		calls++
		lastCode = code
	}, nil)
	b.SetInProgress()

	q.Abort()
	q.Abort()

	assert.Equal(t, 1, calls)
	assert.Equal(t, pkgerrors.Aborted, lastCode)
	// Abort leaves buffers in their current sequence.
	assert.True(t, q.HasInProgress())
}

func TestBufferReleaseFiresAbortAtMostOnce(t *testing.T) {
	q, err := Create("test")
	require.NoError(t, err)

	b, err := q.CreateBuffer(nil, 1)
	require.NoError(t, err)

	var calls int
	b.SetCompletion(func(ctx interface{}, code pkgerrors.Code) {
		calls++
	}, nil)
	b.SetReady()

	b.Release()
	b.Release() // second release on an already-detached buffer is a no-op

	assert.Equal(t, 1, calls)
}

func TestReleaseAllFiresAbortForEverySequence(t *testing.T) {
	q, err := Create("test")
	require.NoError(t, err)

	var calls int
	mk := func() *QueueBuffer {
		b, err := q.CreateBuffer(nil, 1)
		require.NoError(t, err)
		b.SetCompletion(func(ctx interface{}, code pkgerrors.Code) {
			calls++
		}, nil)
		return b
	}

	mk().SetReady()
	mk().SetInProgress()
	mk().SetDone()

	q.ReleaseAll()

	assert.Equal(t, 3, calls)
	assert.False(t, q.HasReady())
	assert.False(t, q.HasInProgress())
	assert.False(t, q.HasDone())
}

func TestPopOnEmptySequenceReturnsNil(t *testing.T) {
	q, err := Create("test")
	require.NoError(t, err)

	assert.Nil(t, q.PopReady())
	assert.Nil(t, q.PopInProgress())
	assert.Nil(t, q.PopDone())
}

func TestSetReadyIsIdempotentAcrossStates(t *testing.T) {
	q, err := Create("test")
	require.NoError(t, err)

	b, err := q.CreateBuffer(nil, 1)
	require.NoError(t, err)

	b.SetReady()
	b.SetReady()
	assert.True(t, q.HasReady())

	b.SetInProgress()
	assert.False(t, q.HasReady())
	assert.True(t, q.HasInProgress())
}
