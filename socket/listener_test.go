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
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestListenerAcceptLoopQuiescesAndResumes is scenario S3: the client
// supplies one handler on the first begin_accept, then declines. After
// the one accepted connection, the loop quiesces — a second inbound
// connection sits unaccepted until RequestAccept (can_recv(ready=true))
// is called again, at which point a fresh begin_accept picks it up.
func TestListenerAcceptLoopQuiescesAndResumes(t *testing.T) {
	eng, err := NewEngine(Options{})
	require.NoError(t, err)
	defer eng.Shutdown()

	port := freePort(t)
	addr := Address{IP: net.IPv4(127, 0, 0, 1).To4(), Port: uint16(port), Family: FamilyInet}

	var mu sync.Mutex
	offers := 0
	accepted := make(chan *recordingHandler, 4)

	ln, err := eng.Listen(addr, 16, func() (EventHandler, bool) {
		mu.Lock()
		defer mu.Unlock()
		offers++
		// Ready on the 1st and 3rd ask, declines on the 2nd — the
		// decline is what should quiesce the loop after one accept.
		if offers == 1 || offers == 3 {
			h := newRecordingHandler()
			accepted <- h
			return h, true
		}
		return nil, false
	}, nil)
	require.NoError(t, err)

	dial := func() net.Conn {
		conn, derr := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		require.NoError(t, derr)
		return conn
	}

	conn1 := dial()
	defer conn1.Close()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("first connection was never accepted")
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return offers == 2
	}, 2*time.Second, 10*time.Millisecond, "accept loop never asked a second time and declined")

	// A second connection arriving while quiesced must not be accepted.
	conn2 := dial()
	defer conn2.Close()

	select {
	case <-accepted:
		t.Fatal("accept loop should be quiesced; nothing should have been accepted")
	case <-time.After(200 * time.Millisecond):
	}

	// can_recv(ready=true): resume the quiesced loop.
	require.NoError(t, ln.RequestAccept())

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("RequestAccept never resumed the accept loop")
	}

	mu.Lock()
	finalOffers := offers
	mu.Unlock()
	require.Equal(t, 4, finalOffers, "expected asks: accept, decline, resume-accept, decline-again")
}
