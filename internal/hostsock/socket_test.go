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

package hostsock

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func loopback(family Family) Address {
	ip := net.IPv4(127, 0, 0, 1)
	if family == FamilyInet6 {
		ip = net.IPv6loopback
	}
	return Address{IP: ip, Family: family}
}

func waitWritable(t *testing.T, s *Socket) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := s.CheckConnectError(); err == nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("connect never completed")
}

func TestTCPConnectSendRecvRoundTrip(t *testing.T) {
	ln, err := New(FamilyInet, SockStream)
	require.NoError(t, err)
	defer ln.Close()
	require.NoError(t, ln.Bind(loopback(FamilyInet)))
	require.NoError(t, ln.Listen(1))

	addr, err := ln.LocalAddr()
	require.NoError(t, err)

	client, err := New(FamilyInet, SockStream)
	require.NoError(t, err)
	defer client.Close()

	waiting, err := client.Connect(addr)
	require.NoError(t, err)
	if waiting {
		waitWritable(t, client)
	}

	var server *Socket
	deadline := time.Now().Add(2 * time.Second)
	for server == nil && time.Now().Before(deadline) {
		s, _, w, aerr := ln.Accept()
		require.NoError(t, aerr)
		if !w {
			server = s
		} else {
			time.Sleep(time.Millisecond)
		}
	}
	require.NotNil(t, server)
	defer server.Close()

	payload := []byte("ping")
	for {
		n, waiting, serr := client.Send(payload, 0)
		require.NoError(t, serr)
		if !waiting {
			require.Equal(t, len(payload), n)
			break
		}
		time.Sleep(time.Millisecond)
	}

	buf := make([]byte, 16)
	var n int
	for {
		var waiting bool
		var rerr error
		n, waiting, rerr = server.Recv(buf, 0)
		require.NoError(t, rerr)
		if !waiting {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, payload, buf[:n])
}

func TestUDPSendToRecvFromRoundTrip(t *testing.T) {
	a, err := New(FamilyInet, SockDgram)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Bind(loopback(FamilyInet)))

	b, err := New(FamilyInet, SockDgram)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Bind(loopback(FamilyInet)))

	aAddr, err := a.LocalAddr()
	require.NoError(t, err)

	payload := []byte("datagram")
	for {
		_, waiting, serr := b.SendTo(payload, aAddr, 0)
		require.NoError(t, serr)
		if !waiting {
			break
		}
		time.Sleep(time.Millisecond)
	}

	buf := make([]byte, 32)
	var n int
	for {
		var waiting bool
		var rerr error
		n, _, waiting, rerr = a.RecvFrom(buf, 0)
		require.NoError(t, rerr)
		if !waiting {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, payload, buf[:n])
}
