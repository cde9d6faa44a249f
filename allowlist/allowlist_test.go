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

package allowlist

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkauli/iot-gateway-opc-ua-proxy/socket"
)

func writeList(t *testing.T, dir string, enable bool, addrs ...string) string {
	t.Helper()
	path := filepath.Join(dir, "allowlist.yaml")
	body := "enable: " + boolYAML(enable) + "\nallowed_addresses:\n"
	for _, a := range addrs {
		body += "  - " + a + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func boolYAML(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func addrFor(ip string) socket.Address {
	return socket.Address{IP: net.ParseIP(ip), Family: socket.FamilyInet}
}

func TestListDisabledAllowsEverything(t *testing.T) {
	dir := t.TempDir()
	path := writeList(t, dir, false, "10.0.0.1")
	l, err := Load(path)
	require.NoError(t, err)
	assert.True(t, l.Allowed(addrFor("192.168.1.1")))
}

func TestListEnabledRestrictsToAddresses(t *testing.T) {
	dir := t.TempDir()
	path := writeList(t, dir, true, "10.0.0.1", "10.0.0.2")
	l, err := Load(path)
	require.NoError(t, err)
	assert.True(t, l.Allowed(addrFor("10.0.0.1")))
	assert.False(t, l.Allowed(addrFor("10.0.0.3")))
}

func TestWatchPicksUpEdits(t *testing.T) {
	dir := t.TempDir()
	path := writeList(t, dir, true, "10.0.0.1")
	l, err := Watch(path)
	require.NoError(t, err)
	defer l.Close()

	require.True(t, l.Allowed(addrFor("10.0.0.1")))
	require.False(t, l.Allowed(addrFor("10.0.0.9")))

	writeList(t, dir, true, "10.0.0.9")

	require.Eventually(t, func() bool {
		return l.Allowed(addrFor("10.0.0.9"))
	}, 2*time.Second, 20*time.Millisecond)
}
