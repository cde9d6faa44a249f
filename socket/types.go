// Copyright (c) 2022 The rcproxy Authors
// Copyright (c) 2019 Andy Pan
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

// Package socket is the asynchronous socket engine: a per-socket state
// machine binding three independent operation contexts (open, send,
// recv) to host readiness notifications, translating them into a
// uniform begin/complete callback contract, iterating candidate
// addresses during connect, and coordinating close against in-flight
// operations without use-after-free.
//
// It generalizes the teacher's gnet-derived reactor
// (core/engine.go, core/eventloop.go, core/connection.go, core/gnet.go)
// from a fixed client/redis-server connection pair into a
// protocol-agnostic socket abstraction, and generalizes
// original_source/src/pal/pal_sk_win.c's IOCP completion-port semantics
// into readiness-poller semantics per SPEC_FULL.md §5.
package socket

import (
	"github.com/mkauli/iot-gateway-opc-ua-proxy/internal/hostsock"
	pkgerrors "github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/errors"
)

// Address re-exports the host collaborator's resolved-endpoint type so
// callers of this package never need to import internal/hostsock
// directly.
type Address = hostsock.Address

// Family re-exports the host collaborator's address family.
type Family = hostsock.Family

const (
	FamilyUnspec = hostsock.FamilyUnspec
	FamilyInet   = hostsock.FamilyInet
	FamilyInet6  = hostsock.FamilyInet6
)

// SockType selects the wire semantics of a Socket: stream (connection-
// oriented, e.g. TCP) or datagram (connectionless, e.g. UDP).
type SockType = hostsock.SockType

const (
	SockStream = hostsock.SockStream
	SockDgram  = hostsock.SockDgram
)

// Properties describes the socket a caller wants Open to create,
// mirroring prx_socket_properties_t's role of fully specifying a
// socket before any I/O begins.
type Properties struct {
	Family   Family
	SockType SockType
	Passive  bool // true: the socket will Listen/Accept; false: it will Connect
}

// Code re-exports the shared error-code taxonomy so EventHandler
// implementations don't need a separate import for it.
type Code = pkgerrors.Code

// Ok re-exports the zero-value "no error" code.
const Ok = pkgerrors.Ok
