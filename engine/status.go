// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package engine

// Status is the result code reported by an Engine, both as the immediate
// result of Init and asynchronously through completion callbacks.
type Status int

const (
	// StatusSuccess indicates a successful operation.
	StatusSuccess Status = iota

	// StatusValueError indicates a bad configuration value or address.
	StatusValueError

	// StatusInternalError indicates a failure inside the engine's own
	// machinery, e.g. its scheduler or socket layer.
	StatusInternalError

	// StatusInitFail indicates that the engine could not be initialized.
	StatusInitFail

	// StatusTLSError indicates a TLS setup or handshake failure.
	StatusTLSError

	// StatusAddrInUse indicates that the configured listen address is taken.
	StatusAddrInUse

	// StatusFatal indicates an unrecoverable engine state.
	StatusFatal

	// StatusProtocolError indicates a peer violating the wire protocol.
	StatusProtocolError

	// StatusCannotConnect indicates a failed connection attempt.
	StatusCannotConnect

	// StatusWriteError indicates a failed write on an established connection.
	StatusWriteError

	// StatusTimeout indicates an operation exceeding the configured timeout.
	StatusTimeout

	// StatusOutOfMemory indicates an allocation failure in the engine.
	StatusOutOfMemory
)

func (status Status) String() string {
	switch status {
	case StatusSuccess:
		return "SUCCESS"
	case StatusValueError:
		return "VALUE_ERROR"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	case StatusInitFail:
		return "INIT_FAIL"
	case StatusTLSError:
		return "TLS_ERROR"
	case StatusAddrInUse:
		return "ADDR_IN_USE"
	case StatusFatal:
		return "FATAL"
	case StatusProtocolError:
		return "PROTOCOL_ERROR"
	case StatusCannotConnect:
		return "CANNOT_CONNECT"
	case StatusWriteError:
		return "WRITE_ERROR"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusOutOfMemory:
		return "OUT_OF_MEMORY"
	default:
		return "UNDEFINED"
	}
}
