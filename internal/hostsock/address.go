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

// Package hostsock is the socket handle collaborator: non-blocking
// BSD-socket primitives (create/bind/listen/connect/accept/send/recv/
// shutdown/close/sockopt/multicast), translating EAGAIN/EINPROGRESS
// into the "waiting" signal the socket engine's async operation
// contexts key off of. Generalizes
// original_source/src/pal/pal_sk_win.c's public surface from IOCP
// completion semantics to readiness semantics.
package hostsock

import (
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	pkgerrors "github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/errors"
)

// Family mirrors pal_address_family_t.
type Family int

const (
	FamilyUnspec Family = iota
	FamilyInet
	FamilyInet6
)

// SockType mirrors the subset of pal_socket_type_t this engine supports.
type SockType int

const (
	SockStream SockType = iota
	SockDgram
)

// Address is a resolved, engine-native endpoint — the Go analogue of
// prx_socket_address_t's inet/inet6 variants, collapsed to the fields
// this engine actually threads through begin/complete calls.
type Address struct {
	IP     net.IP
	Port   uint16
	Zone   string
	Family Family
}

// String renders addr the way net.JoinHostPort would for logging.
func (a Address) String() string {
	host := a.IP.String()
	if a.Zone != "" {
		host += "%" + a.Zone
	}
	return net.JoinHostPort(host, strconv.Itoa(int(a.Port)))
}

func (a Address) isIPv6() bool {
	return a.Family == FamilyInet6 || (a.Family == FamilyUnspec && a.IP.To4() == nil)
}

// toSockaddr converts Address into the unix.Sockaddr the syscalls need.
func (a Address) toSockaddr() unix.Sockaddr {
	if a.isIPv6() {
		sa := &unix.SockaddrInet6{Port: int(a.Port)}
		copy(sa.Addr[:], a.IP.To16())
		if a.Zone != "" {
			if iface, err := net.InterfaceByName(a.Zone); err == nil {
				sa.ZoneId = uint32(iface.Index)
			}
		}
		return sa
	}
	sa := &unix.SockaddrInet4{Port: int(a.Port)}
	copy(sa.Addr[:], a.IP.To4())
	return sa
}

// AddressFromSockaddr is the inverse of toSockaddr, used to report a
// peer or local address back out of accept/getsockname/getpeername.
func AddressFromSockaddr(sa unix.Sockaddr) (Address, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return Address{IP: net.IP(v.Addr[:]).To4(), Port: uint16(v.Port), Family: FamilyInet}, nil
	case *unix.SockaddrInet6:
		zone := ""
		if v.ZoneId != 0 {
			if iface, err := net.InterfaceByIndex(int(v.ZoneId)); err == nil {
				zone = iface.Name
			}
		}
		return Address{IP: net.IP(v.Addr[:]), Port: uint16(v.Port), Zone: zone, Family: FamilyInet6}, nil
	default:
		return Address{}, pkgerrors.New(pkgerrors.AddressFamily)
	}
}

// ResolveAddress parses a "host:port" string into an Address without
// doing any DNS lookup — used for literal IPs; name resolution is the
// resolver package's job.
func ResolveAddress(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, pkgerrors.New(pkgerrors.Arg)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, pkgerrors.New(pkgerrors.Arg)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Address{}, pkgerrors.New(pkgerrors.Arg)
	}
	family := FamilyInet
	if ip.To4() == nil {
		family = FamilyInet6
	}
	return Address{IP: ip, Port: uint16(port), Family: family}, nil
}
