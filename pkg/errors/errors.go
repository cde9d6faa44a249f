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

// Package errors holds the result-code taxonomy shared by the I/O queue
// and the socket engine, plus the sentinel values external collaborators
// are expected to return.
package errors

import "errors"

// Code is the unified result code the engine surfaces to the client
// interface and attaches to every completion event.
type Code int

const (
	// Ok means no error.
	Ok Code = iota
	// Fault means the caller violated a precondition: a required
	// argument was nil, a length was negative, or an operation was
	// attempted on a socket that requires an open handle it no longer has.
	Fault
	// OutOfMemory means an allocation failed.
	OutOfMemory
	// NotSupported means a requested socket option, address family, or
	// flag has no mapping on this host.
	NotSupported
	// Arg means a required enumerated value was out of range.
	Arg
	// Closed means the operation was attempted on a socket whose handle
	// is no longer valid.
	Closed
	// Connecting means open exhausted every candidate address without a
	// successful connect.
	Connecting
	// Aborted is delivered to a buffer's completion callback when the
	// queue is aborted or the buffer released before natural completion.
	Aborted
	// Waiting is an internal sentinel meaning the host returned
	// "pending"; it is never exposed to the client interface.
	Waiting

	// ================================= address-resolution errors =================================.

	// HostUnknown means the resolver could not find the host name.
	HostUnknown
	// Retry means the resolver failed transiently and may succeed if
	// retried.
	Retry
	// Fatal means the resolver failed in a way that will not succeed on
	// retry.
	Fatal
	// NoHost means the resolver's host database is unavailable.
	NoHost
	// NoAddress means the host has no address of the requested family.
	NoAddress
	// BadFlags means the resolver was asked for an unsupported flag
	// combination.
	BadFlags
	// AddressFamily means the requested address family is not supported
	// by the resolver.
	AddressFamily
)

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "unknown"
}

var codeNames = map[Code]string{
	Ok:            "ok",
	Fault:         "fault",
	OutOfMemory:   "out_of_memory",
	NotSupported:  "not_supported",
	Arg:           "arg",
	Closed:        "closed",
	Connecting:    "connecting",
	Aborted:       "aborted",
	Waiting:       "waiting",
	HostUnknown:   "host_unknown",
	Retry:         "retry",
	Fatal:         "fatal",
	NoHost:        "no_host",
	NoAddress:     "no_address",
	BadFlags:      "bad_flags",
	AddressFamily: "address_family",
}

// Error adapts a Code to the error interface so it can be wrapped with
// github.com/pkg/errors at I/O and config boundaries.
type Error struct {
	Code Code
}

func (e *Error) Error() string { return e.Code.String() }

// New wraps a Code as an error. Ok never needs wrapping; New(Ok) returns nil.
func New(code Code) error {
	if code == Ok {
		return nil
	}
	return &Error{Code: code}
}

// CodeOf extracts the Code from an error produced by New, defaulting to
// Fatal for any error this package did not originate.
func CodeOf(err error) Code {
	if err == nil {
		return Ok
	}
	var e *Error
	if ok := errorsAs(err, &e); ok {
		return e.Code
	}
	return Fatal
}

func errorsAs(err error, target **Error) bool {
	return errors.As(err, target)
}

var (
	// ErrEngineShutdown occurs when the engine is going down.
	ErrEngineShutdown = errors.New("engine is shutting down")
	// ErrEngineInShutdown occurs when shutdown is requested more than once.
	ErrEngineInShutdown = errors.New("engine is already shutting down")
	// ErrAcceptSocket occurs when the acceptor fails to accept a new connection.
	ErrAcceptSocket = errors.New("accept a new connection error")
	// ErrUnsupportedProtocol occurs when a caller requests a protocol the
	// host socket collaborator does not implement.
	ErrUnsupportedProtocol = errors.New("only tcp/tcp4/tcp6/udp/udp4/udp6 are supported")
	// ErrUnsupportedOp occurs when calling a method that is not
	// implemented on this platform.
	ErrUnsupportedOp = errors.New("unsupported operation")
	// ErrNegativeSize occurs when passing a negative size to a buffer.
	ErrNegativeSize = errors.New("negative size is invalid")
	// ErrNoAddresses occurs when the address-resolution collaborator
	// returned an empty candidate list.
	ErrNoAddresses = errors.New("no candidate addresses to try")
)
