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

package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkauli/iot-gateway-opc-ua-proxy/socket"

	pkgerrors "github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/errors"
)

func TestResolveLoopbackLiteral(t *testing.T) {
	r := New()
	addrs, err := r.Resolve(context.Background(), "127.0.0.1", 9000, socket.FamilyInet, FlagNone)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, uint16(9000), addrs[0].Port)
	assert.Equal(t, socket.FamilyInet, addrs[0].Family)
	assert.True(t, addrs[0].IP.Equal(net4(127, 0, 0, 1)))
}

func TestResolveEmptyHostRequiresPassive(t *testing.T) {
	r := New()
	_, err := r.Resolve(context.Background(), "", 9000, socket.FamilyInet, FlagNone)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.NoHost, pkgerrors.CodeOf(err))
}

func TestResolveEmptyHostPassiveReturnsWildcard(t *testing.T) {
	r := New()
	addrs, err := r.Resolve(context.Background(), "", 9000, socket.FamilyInet, FlagPassive)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.True(t, addrs[0].IP.Equal(net4(0, 0, 0, 0)))
}

func TestResolveRejectsUnknownFamily(t *testing.T) {
	r := New()
	_, err := r.Resolve(context.Background(), "127.0.0.1", 9000, socket.Family(99), FlagNone)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.AddressFamily, pkgerrors.CodeOf(err))
}

func net4(a, b, c, d byte) []byte {
	return []byte{a, b, c, d}
}
