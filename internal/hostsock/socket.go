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
	"os"

	"golang.org/x/sys/unix"

	pkgerrors "github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/errors"
)

// Socket is a non-blocking host socket handle. Connect, Accept, Send,
// SendTo, Recv and RecvFrom return waiting=true when the syscall
// reported EAGAIN/EWOULDBLOCK (or EINPROGRESS/EALREADY for Connect) —
// the caller (an AsyncOperationContext) is expected to register for
// poller readiness and retry rather than treat it as failure.
type Socket struct {
	fd       int
	family   Family
	sockType SockType
}

// New creates a non-blocking socket of the given family/type. Mirrors
// pal_socket_properties_to_fd.
func New(family Family, sockType SockType) (*Socket, error) {
	domain := unix.AF_INET
	if family == FamilyInet6 {
		domain = unix.AF_INET6
	}
	typ := unix.SOCK_STREAM
	if sockType == SockDgram {
		typ = unix.SOCK_DGRAM
	}
	fd, err := unix.Socket(domain, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, translate(err)
	}
	return &Socket{fd: fd, family: family, sockType: sockType}, nil
}

// FromFD wraps an already-open, already-nonblocking file descriptor
// (used for sockets handed back by Accept).
func FromFD(fd int, family Family, sockType SockType) *Socket {
	return &Socket{fd: fd, family: family, sockType: sockType}
}

// Fd returns the underlying file descriptor, for poller registration.
func (s *Socket) Fd() int { return s.fd }

// Bind binds the socket to addr. Mirrors pal_socket_bind.
func (s *Socket) Bind(addr Address) error {
	if err := unix.Bind(s.fd, addr.toSockaddr()); err != nil {
		return translate(err)
	}
	return nil
}

// Listen marks the socket as passive with the given backlog.
func (s *Socket) Listen(backlog int) error {
	if err := unix.Listen(s.fd, backlog); err != nil {
		return translate(err)
	}
	return nil
}

// Connect begins an asynchronous connect. waiting==true means the
// connect is in progress (EINPROGRESS) and completion arrives via a
// writable readiness notification; the caller must then call
// CheckConnectError once poll reports writable. Mirrors
// pal_socket_async_connect_begin's synchronous dispatch.
func (s *Socket) Connect(addr Address) (waiting bool, err error) {
	serrno := unix.Connect(s.fd, addr.toSockaddr())
	if serrno == nil {
		return false, nil
	}
	if serrno == unix.EINPROGRESS || serrno == unix.EALREADY {
		return true, nil
	}
	return false, translate(serrno)
}

// CheckConnectError reads SO_ERROR after a writable notification
// following Connect, the readiness-based analogue of
// pal_socket_connect_complete inspecting the OVERLAPPED result.
func (s *Socket) CheckConnectError() error {
	errno, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return translate(err)
	}
	if errno != 0 {
		return translate(unix.Errno(errno))
	}
	return nil
}

// Accept accepts one pending connection. waiting==true means no
// connection is pending yet (EAGAIN). Mirrors pal_socket_accept_begin's
// synchronous dispatch.
func (s *Socket) Accept() (child *Socket, peer Address, waiting bool, err error) {
	nfd, sa, aerr := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if aerr != nil {
		if aerr == unix.EAGAIN || aerr == unix.EWOULDBLOCK {
			return nil, Address{}, true, nil
		}
		return nil, Address{}, false, translate(aerr)
	}
	peer, perr := AddressFromSockaddr(sa)
	if perr != nil {
		_ = unix.Close(nfd)
		return nil, Address{}, false, perr
	}
	return FromFD(nfd, s.family, s.sockType), peer, false, nil
}

// Send writes buf on a connected socket. waiting==true means the
// socket isn't currently writable (EAGAIN); n is always 0 in that case.
func (s *Socket) Send(buf []byte, flags int) (n int, waiting bool, err error) {
	n, serr := unix.Send(s.fd, buf, flags)
	if serr != nil {
		if serr == unix.EAGAIN || serr == unix.EWOULDBLOCK {
			return 0, true, nil
		}
		return 0, false, translate(serr)
	}
	return n, false, nil
}

// SendTo writes buf to addr on an unconnected (typically datagram)
// socket.
func (s *Socket) SendTo(buf []byte, addr Address, flags int) (n int, waiting bool, err error) {
	serr := unix.Sendto(s.fd, buf, flags, addr.toSockaddr())
	if serr != nil {
		if serr == unix.EAGAIN || serr == unix.EWOULDBLOCK {
			return 0, true, nil
		}
		return 0, false, translate(serr)
	}
	return len(buf), false, nil
}

// Recv reads into buf from a connected socket. n==0, waiting==false,
// err==nil signals orderly peer shutdown (EOF), mirroring the zero-byte
// completion pal_socket_recv_complete reports for a graceful close.
func (s *Socket) Recv(buf []byte, flags int) (n int, waiting bool, err error) {
	n, rerr := unix.Recvfrom(s.fd, buf, flags)
	if rerr != nil {
		if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
			return 0, true, nil
		}
		return 0, false, translate(rerr)
	}
	return n, false, nil
}

// RecvFrom reads into buf and reports the sender, for unconnected
// (datagram) sockets.
func (s *Socket) RecvFrom(buf []byte, flags int) (n int, from Address, waiting bool, err error) {
	n, sa, rerr := unix.Recvfrom(s.fd, buf, flags)
	if rerr != nil {
		if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
			return 0, Address{}, true, nil
		}
		return 0, Address{}, false, translate(rerr)
	}
	if sa == nil {
		return n, Address{}, false, nil
	}
	from, ferr := AddressFromSockaddr(sa)
	if ferr != nil {
		return n, Address{}, false, ferr
	}
	return n, from, false, nil
}

// Shutdown shuts down the read, write, or both halves of the socket.
// how is one of unix.SHUT_RD/SHUT_WR/SHUT_RDWR.
func (s *Socket) Shutdown(how int) error {
	if err := unix.Shutdown(s.fd, how); err != nil && err != unix.ENOTCONN {
		return translate(err)
	}
	return nil
}

// Close closes the underlying file descriptor. It is not idempotent: a
// second Close reports Closed (EBADF), or closes an unrelated
// descriptor if the fd number has been reused in between.
func (s *Socket) Close() error {
	return translate(unix.Close(s.fd))
}

// LocalAddr mirrors pal_socket_getsockname.
func (s *Socket) LocalAddr() (Address, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return Address{}, translate(err)
	}
	return AddressFromSockaddr(sa)
}

// PeerAddr mirrors pal_socket_getpeername.
func (s *Socket) PeerAddr() (Address, error) {
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return Address{}, translate(err)
	}
	return AddressFromSockaddr(sa)
}

// GetSockOpt mirrors pal_socket_getsockopt for integer-valued options.
func (s *Socket) GetSockOpt(level, name int) (int, error) {
	v, err := unix.GetsockoptInt(s.fd, level, name)
	if err != nil {
		return 0, translate(err)
	}
	return v, nil
}

// SetSockOpt mirrors pal_socket_setsockopt for integer-valued options.
func (s *Socket) SetSockOpt(level, name, value int) error {
	if err := unix.SetsockoptInt(s.fd, level, name, value); err != nil {
		return translate(err)
	}
	return nil
}

// JoinMulticastGroup joins group on the interface named by iface (empty
// selects the default interface). Mirrors pal_socket_join_multicast_group.
func (s *Socket) JoinMulticastGroup(group Address, iface string) error {
	return s.multicastMembership(group, iface, true)
}

// LeaveMulticastGroup leaves a previously joined multicast group.
func (s *Socket) LeaveMulticastGroup(group Address, iface string) error {
	return s.multicastMembership(group, iface, false)
}

func (s *Socket) multicastMembership(group Address, iface string, join bool) error {
	ifIndex := 0
	if iface != "" {
		nif, err := netInterfaceByName(iface)
		if err != nil {
			return translate(err)
		}
		ifIndex = nif
	}
	if group.isIPv6() {
		mreq := &unix.IPv6Mreq{Interface: uint32(ifIndex)}
		copy(mreq.Multiaddr[:], group.IP.To16())
		opt := unix.IPV6_JOIN_GROUP
		if !join {
			opt = unix.IPV6_LEAVE_GROUP
		}
		return translate(unix.SetsockoptIPv6Mreq(s.fd, unix.IPPROTO_IPV6, opt, mreq))
	}
	mreq := &unix.IPMreq{}
	copy(mreq.Multiaddr[:], group.IP.To4())
	opt := unix.IP_ADD_MEMBERSHIP
	if !join {
		opt = unix.IP_DROP_MEMBERSHIP
	}
	return translate(unix.SetsockoptIPMreq(s.fd, unix.IPPROTO_IP, opt, mreq))
}

// translate maps a host errno into the engine's pkgerrors.Code
// taxonomy. Applied unconditionally across every operation variant,
// including the sendto synchronous-failure path — see DESIGN.md's Open
// Question (b).
func translate(err error) error {
	if err == nil {
		return nil
	}
	errno, ok := err.(unix.Errno)
	if !ok {
		if pe, ok2 := err.(*os.SyscallError); ok2 {
			if e, ok3 := pe.Err.(unix.Errno); ok3 {
				errno = e
				ok = true
			}
		}
	}
	if !ok {
		return pkgerrors.New(pkgerrors.Fatal)
	}
	switch errno {
	case unix.EADDRNOTAVAIL, unix.ENETUNREACH, unix.EHOSTUNREACH, unix.EHOSTDOWN:
		return pkgerrors.New(pkgerrors.HostUnknown)
	case unix.ECONNREFUSED, unix.ETIMEDOUT, unix.ECONNRESET:
		return pkgerrors.New(pkgerrors.Retry)
	case unix.EAFNOSUPPORT, unix.EPFNOSUPPORT:
		return pkgerrors.New(pkgerrors.AddressFamily)
	case unix.EINVAL:
		return pkgerrors.New(pkgerrors.Arg)
	case unix.ENOMEM, unix.ENOBUFS:
		return pkgerrors.New(pkgerrors.OutOfMemory)
	case unix.EBADF, unix.ENOTSOCK:
		return pkgerrors.New(pkgerrors.Closed)
	case unix.EOPNOTSUPP, unix.EPROTONOSUPPORT:
		return pkgerrors.New(pkgerrors.NotSupported)
	default:
		return pkgerrors.New(pkgerrors.Fatal)
	}
}
