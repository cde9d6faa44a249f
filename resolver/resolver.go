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

// Package resolver is the address-resolution collaborator the socket
// engine consumes during Open: given a host, port, and family, it
// produces the candidate address list tryNextAddress iterates. This
// package ships exactly one concrete implementation, a thin adapter
// over net.DefaultResolver, per SPEC_FULL.md §6 — a bundled DNS
// resolver remains a non-goal, but the engine needs some working
// collaborator to run at all. A service-discovery-backed collaborator
// (mDNS/DNS-SD) is deliberately not built here.
package resolver

import (
	"context"
	"net"

	"github.com/mkauli/iot-gateway-opc-ua-proxy/socket"

	pkgerrors "github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/errors"
)

// Flags narrows a Resolve call the way prx_socket_properties_t's flags
// narrow pal_sk_win.c's resolve(): Passive asks for listen-suitable
// addresses (a wildcard address when host is empty) rather than
// connect-suitable ones.
type Flags int

const (
	// FlagNone requests addresses suitable for an active connect.
	FlagNone Flags = 0
	// FlagPassive requests addresses suitable for Listen/Bind.
	FlagPassive Flags = 1 << iota
)

// Resolver turns a host/port/family tuple into the ordered candidate
// list Socket.Open iterates via tryNextAddress. Implementations do not
// need a corresponding "free": Go's garbage collector reclaims the
// returned slice, unlike pal_sk_win.c's paired resolve/free.
type Resolver interface {
	Resolve(ctx context.Context, host string, port uint16, family socket.Family, flags Flags) ([]socket.Address, error)
}

// netResolver adapts net.DefaultResolver to the Resolver contract.
type netResolver struct {
	res *net.Resolver
}

// New returns the stdlib-backed Resolver. There is no third-party DNS
// library anywhere in the retrieval pack this module was built from, so
// this stays a thin net.Resolver adapter rather than a stdlib
// substitution for a missing dependency — see DESIGN.md.
func New() Resolver {
	return &netResolver{res: net.DefaultResolver}
}

func (r *netResolver) Resolve(ctx context.Context, host string, port uint16, family socket.Family, flags Flags) ([]socket.Address, error) {
	if family != socket.FamilyUnspec && family != socket.FamilyInet && family != socket.FamilyInet6 {
		return nil, pkgerrors.New(pkgerrors.AddressFamily)
	}

	if host == "" {
		if flags&FlagPassive == 0 {
			return nil, pkgerrors.New(pkgerrors.NoHost)
		}
		return wildcardAddresses(family, port), nil
	}

	network := "ip"
	switch family {
	case socket.FamilyInet:
		network = "ip4"
	case socket.FamilyInet6:
		network = "ip6"
	}

	ipAddrs, err := r.res.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, translateLookupErr(err)
	}

	addrs := make([]socket.Address, 0, len(ipAddrs))
	for _, ipAddr := range ipAddrs {
		ip4 := ipAddr.IP.To4()
		isV6 := ip4 == nil
		if network == "ip4" && isV6 {
			continue
		}
		if network == "ip6" && !isV6 {
			continue
		}
		fam := socket.FamilyInet
		if isV6 {
			fam = socket.FamilyInet6
		}
		addrs = append(addrs, socket.Address{
			IP:     ipAddr.IP,
			Port:   port,
			Zone:   ipAddr.Zone,
			Family: fam,
		})
	}

	if len(addrs) == 0 {
		return nil, pkgerrors.New(pkgerrors.NoAddress)
	}
	return addrs, nil
}

func wildcardAddresses(family socket.Family, port uint16) []socket.Address {
	switch family {
	case socket.FamilyInet6:
		return []socket.Address{{IP: net.IPv6zero, Port: port, Family: socket.FamilyInet6}}
	default:
		return []socket.Address{{IP: net.IPv4zero.To4(), Port: port, Family: socket.FamilyInet}}
	}
}

func translateLookupErr(err error) error {
	dnsErr, ok := err.(*net.DNSError)
	if !ok {
		return pkgerrors.New(pkgerrors.Fatal)
	}
	switch {
	case dnsErr.IsNotFound:
		return pkgerrors.New(pkgerrors.HostUnknown)
	case dnsErr.IsTimeout || dnsErr.IsTemporary:
		return pkgerrors.New(pkgerrors.Retry)
	default:
		return pkgerrors.New(pkgerrors.Fatal)
	}
}
