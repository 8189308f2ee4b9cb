// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package chirp

import (
	"net/netip"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/concretecloud/chirp-go/engine"
)

// Config holds the user-facing configuration of a Session. A Session copies
// the Config on construction, later changes to the original have no effect.
type Config struct {
	// Timeout scales the send-, connect- and request-timeouts and bounds
	// the shutdown drain.
	Timeout time.Duration

	// Synchronous requests an acknowledge per message; the remote sends the
	// next message only once the current one was released.
	Synchronous bool

	// AutoRelease lets the delivery surfaces release a message-slot as soon
	// as the handler returned. Without it the receiver releases explicitly.
	AutoRelease bool

	// MaxSlots is the amount of message-slots, 1 to 32. Zero selects the
	// engine default: 1 slot in synchronous mode, 16 otherwise.
	MaxSlots int

	// BindV4 overrides the local listen address. BindV6 is parsed and
	// validated, but the bundled engines do not open a v6 listener yet.
	BindV4 string
	BindV6 string

	// Port is the local listen port.
	Port uint16

	// Backlog of the listen socket, up to 255.
	Backlog int

	// BufferSize per connection; zero lets the engine choose.
	BufferSize uint32

	// MaxMessageSize accepted from a peer; zero means unlimited.
	MaxMessageSize uint32

	// ReuseTime keeps an idle connection around for reuse.
	ReuseTime time.Duration

	// Identity overrides the generated engine identity if non-zero.
	Identity Identity

	// CertChainPEM is the path to a PEM file containing the CA certificate,
	// the client certificate and the client key. DHParamsPEM points at the
	// DH parameters.
	CertChainPEM string
	DHParamsPEM  string

	// DisableEncryption turns TLS off. Only use if you know what you are
	// doing; loopback connections are unencrypted anyway.
	DisableEncryption bool
}

// DefaultConfig returns the protocol defaults: synchronous mode with
// auto-release and a five second timeout scale.
func DefaultConfig() Config {
	return Config{
		Timeout:     5 * time.Second,
		Synchronous: true,
		AutoRelease: true,
		Backlog:     100,
		BindV4:      "0.0.0.0",
		BindV6:      "::",
	}
}

// toEngine parses the Config into the engine's wire representation. Value
// ranges are validated by the engine itself at Init; only unparsable
// addresses are rejected here.
func (config Config) toEngine() (engine.Config, error) {
	var errs *multierror.Error

	parse := func(name, value string) netip.Addr {
		if value == "" {
			return netip.Addr{}
		}
		addr, err := netip.ParseAddr(value)
		if err != nil {
			errs = multierror.Append(errs,
				valueError("parsing %s %q failed: %v", name, value, err))
		}
		return addr
	}

	ec := engine.Config{
		Timeout:           config.Timeout,
		Synchronous:       config.Synchronous,
		MaxSlots:          config.MaxSlots,
		BindV4:            parse("BindV4", config.BindV4),
		BindV6:            parse("BindV6", config.BindV6),
		Port:              config.Port,
		Backlog:           config.Backlog,
		BufferSize:        config.BufferSize,
		MaxMessageSize:    config.MaxMessageSize,
		ReuseTime:         config.ReuseTime,
		Identity:          config.Identity,
		CertChainPEM:      config.CertChainPEM,
		DHParamsPEM:       config.DHParamsPEM,
		DisableEncryption: config.DisableEncryption,
	}

	return ec, errs.ErrorOrNil()
}
