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

package diag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOldestEmptyTracker(t *testing.T) {
	tr := NewTracker()
	_, ok := tr.Oldest()
	assert.False(t, ok)
	assert.Empty(t, tr.Snapshot(0))
}

func TestOldestReturnsFirstBegun(t *testing.T) {
	tr := NewTracker()
	first := "socket-a"
	second := "socket-b"

	tr.Begin(first, "10.0.0.1:1", KindRecv)
	time.Sleep(2 * time.Millisecond)
	tr.Begin(second, "10.0.0.2:1", KindSend)

	oldest, ok := tr.Oldest()
	require.True(t, ok)
	assert.Equal(t, first, oldest.Socket)
	assert.Equal(t, KindRecv, oldest.Kind)
	assert.Equal(t, 2, tr.Len())
}

func TestEndRemovesFromTracker(t *testing.T) {
	tr := NewTracker()
	s := "socket-a"
	tr.Begin(s, "addr", KindOpen)
	tr.End(s, KindOpen)

	assert.Equal(t, 0, tr.Len())
	_, ok := tr.Oldest()
	assert.False(t, ok)
}

func TestSnapshotOrdersOldestFirst(t *testing.T) {
	tr := NewTracker()
	tr.Begin("a", "a", KindOpen)
	time.Sleep(2 * time.Millisecond)
	tr.Begin("b", "b", KindSend)
	time.Sleep(2 * time.Millisecond)
	tr.Begin("c", "c", KindRecv)

	snap := tr.Snapshot(0)
	require.Len(t, snap, 3)
	assert.Equal(t, "a", snap[0].Socket)
	assert.Equal(t, "b", snap[1].Socket)
	assert.Equal(t, "c", snap[2].Socket)

	limited := tr.Snapshot(2)
	assert.Len(t, limited, 2)
}
