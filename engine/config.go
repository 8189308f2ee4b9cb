// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package engine

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/hashicorp/go-multierror"
)

// MaxSlotLimit bounds the configurable amount of message-slots.
const MaxSlotLimit = 32

// Config is the validated engine configuration, already parsed into wire
// types. The chirp package derives it from its user-facing configuration.
type Config struct {
	// Timeout scales the send- and connect-timeouts.
	Timeout time.Duration

	// Synchronous lets the engine request an acknowledge per message; a send
	// then completes once the remote released the message.
	Synchronous bool

	// MaxSlots is the amount of message-slots, 1 to MaxSlotLimit. Zero
	// selects the engine default: 1 slot in synchronous mode, 16 otherwise.
	MaxSlots int

	// BindV4 and BindV6 are the local listen addresses, Port the listen port.
	BindV4 netip.Addr
	BindV6 netip.Addr
	Port   uint16

	// Backlog of the listen socket.
	Backlog int

	// BufferSize per connection; zero lets the engine choose.
	BufferSize uint32

	// MaxMessageSize accepted from a peer; zero means unlimited.
	MaxMessageSize uint32

	// ReuseTime keeps an idle connection around for reuse.
	ReuseTime time.Duration

	// Identity overrides the generated engine identity if non-zero.
	Identity [IdentitySize]byte

	// CertChainPEM and DHParamsPEM are paths to the TLS material.
	CertChainPEM string
	DHParamsPEM  string

	// DisableEncryption turns TLS off.
	DisableEncryption bool
}

// EffectiveSlots resolves the MaxSlots default rule.
func (config Config) EffectiveSlots() int {
	if config.MaxSlots != 0 {
		return config.MaxSlots
	}
	if config.Synchronous {
		return 1
	}
	return 16
}

// Validate checks the Config's value ranges. Engines call this at Init and
// answer StatusValueError if it fails.
func (config Config) Validate() error {
	var errs *multierror.Error

	if config.Timeout <= 0 {
		errs = multierror.Append(errs,
			fmt.Errorf("Timeout must be positive, not %v", config.Timeout))
	}

	if config.MaxSlots < 0 || config.MaxSlots > MaxSlotLimit {
		errs = multierror.Append(errs,
			fmt.Errorf("MaxSlots must be within 0 and %d, not %d", MaxSlotLimit, config.MaxSlots))
	}

	if config.Port == 0 {
		errs = multierror.Append(errs,
			fmt.Errorf("Port must be set"))
	}

	if config.Backlog < 0 || config.Backlog > 255 {
		errs = multierror.Append(errs,
			fmt.Errorf("Backlog must be within 0 and 255, not %d", config.Backlog))
	}

	if config.ReuseTime < 0 {
		errs = multierror.Append(errs,
			fmt.Errorf("ReuseTime must not be negative, not %v", config.ReuseTime))
	}

	return errs.ErrorOrNil()
}
