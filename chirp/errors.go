// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package chirp

import (
	"errors"
	"fmt"

	"github.com/concretecloud/chirp-go/engine"
)

// ErrorKind classifies an Error.
type ErrorKind int

const (
	// KindUnknown covers engine statuses this package does not know.
	KindUnknown ErrorKind = iota

	// KindValue indicates a bad configuration value or address.
	KindValue

	// KindConnection indicates a transport-level connect or write failure.
	KindConnection

	// KindTimeout indicates a send, request or shutdown-drain timeout.
	KindTimeout

	// KindResource indicates an allocation failure in the engine.
	KindResource

	// KindProtocol indicates a peer violating the wire protocol.
	KindProtocol

	// KindFatal indicates an unrecoverable transport state.
	KindFatal

	// KindAddrInUse indicates an occupied listen address.
	KindAddrInUse

	// KindInternal indicates a failure inside the engine's machinery.
	KindInternal

	// KindUsage indicates a violated calling contract, e.g. a double-send
	// or restarting a stopped Loop.
	KindUsage
)

func (kind ErrorKind) String() string {
	switch kind {
	case KindValue:
		return "value"
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindResource:
		return "resource"
	case KindProtocol:
		return "protocol"
	case KindFatal:
		return "fatal"
	case KindAddrInUse:
		return "address in use"
	case KindInternal:
		return "internal"
	case KindUsage:
		return "usage"
	default:
		return "unknown"
	}
}

// Error is the typed error attached to futures and returned by this
// package. It carries the engine's last diagnostic line when one was
// available.
type Error struct {
	// Kind classifies this Error.
	Kind ErrorKind

	// Status is the engine status code behind this Error, StatusSuccess for
	// errors raised by this package itself.
	Status engine.Status

	msg string
}

func (e *Error) Error() string {
	if e.msg != "" {
		return e.msg
	}
	if e.Status != engine.StatusSuccess {
		return e.Status.String()
	}
	return e.Kind.String() + " error"
}

// KindOf extracts the ErrorKind of an error, KindUnknown for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// usageError reports a violated calling contract.
func usageError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindUsage, msg: fmt.Sprintf(format, args...)}
}

// valueError reports a bad configuration or address value.
func valueError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValue, msg: fmt.Sprintf(format, args...)}
}

// timeoutError reports an elapsed deadline.
func timeoutError(msg string) *Error {
	return &Error{Kind: KindTimeout, Status: engine.StatusTimeout, msg: msg}
}

// errorFromStatus converts an engine status plus its last diagnostic line
// into a typed Error.
func errorFromStatus(status engine.Status, diag string) *Error {
	var kind ErrorKind

	switch status {
	case engine.StatusValueError:
		kind = KindValue
	case engine.StatusCannotConnect, engine.StatusWriteError:
		kind = KindConnection
	case engine.StatusTimeout:
		kind = KindTimeout
	case engine.StatusOutOfMemory:
		kind = KindResource
	case engine.StatusProtocolError:
		kind = KindProtocol
	case engine.StatusFatal:
		kind = KindFatal
	case engine.StatusAddrInUse:
		kind = KindAddrInUse
	case engine.StatusInternalError, engine.StatusInitFail, engine.StatusTLSError:
		kind = KindInternal
	default:
		kind = KindUnknown
	}

	if diag == "" {
		diag = status.String()
	}

	return &Error{Kind: kind, Status: status, msg: diag}
}
