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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/errors"
)

func TestAsyncOperationContextRejectsConcurrentBegin(t *testing.T) {
	var c AsyncOperationContext
	require.NoError(t, c.Begin())
	err := c.Begin()
	require.Error(t, err)
	assert.Equal(t, pkgerrors.Connecting, pkgerrors.CodeOf(err))
}

func TestAsyncOperationContextBeginAfterCompleteSucceeds(t *testing.T) {
	var c AsyncOperationContext
	require.NoError(t, c.Begin())
	drained := c.Complete()
	assert.False(t, drained, "not closing, so draining is meaningless here")
	require.NoError(t, c.Begin())
}

func TestAsyncOperationContextBeginCloseWithNoPendingDrainsImmediately(t *testing.T) {
	var c AsyncOperationContext
	assert.True(t, c.BeginClose())
	err := c.Begin()
	require.Error(t, err)
	assert.Equal(t, pkgerrors.Closed, pkgerrors.CodeOf(err))
}

// TestAsyncOperationContextCloseDrainRace is Open Question (a): a
// completion racing with close must report drained exactly once, via
// Complete, never via BeginClose.
func TestAsyncOperationContextCloseDrainRace(t *testing.T) {
	var c AsyncOperationContext
	require.NoError(t, c.Begin())

	immediately := c.BeginClose()
	assert.False(t, immediately, "an operation is still outstanding")

	drained := c.Complete()
	assert.True(t, drained)

	// A second close call after drain must not re-report drained.
	assert.False(t, c.BeginClose())
}

func TestAsyncOperationContextBeginCloseIsIdempotent(t *testing.T) {
	var c AsyncOperationContext
	assert.True(t, c.BeginClose())
	assert.False(t, c.BeginClose())
	assert.False(t, c.BeginClose())
}
