// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package engine

import "net/netip"

// IdentitySize is the length of an identity token in bytes.
const IdentitySize = 16

// Message is the wire-level representation of a chirp message, the struct
// actually handed to an Engine. The chirp package marshals its user-facing
// envelope into this struct before a Send and copies received fields back
// out of it.
//
// Once a Message was passed to Send or ReleaseSlot it is exclusively owned
// by the engine until the corresponding callback fired.
type Message struct {
	// Identity is the correlation token of the logical exchange. Replying to
	// a message keeps its Identity.
	Identity [IdentitySize]byte

	// Serial is assigned by the engine on each send and increases
	// monotonically per connection. Use wraparound-safe deltas for ordering.
	Serial uint32

	// Header carries upper-layer protocol data, Data the payload.
	Header []byte
	Data   []byte

	// Address and Port name the destination when sending and the origin
	// when received.
	Address netip.Addr
	Port    uint16

	// RemoteIdentity identifies the remote engine instance, stable for its
	// process lifetime.
	RemoteIdentity [IdentitySize]byte

	// HasSlot is true while this message occupies a message-slot on the
	// receiving engine.
	HasSlot bool

	// UserData is an opaque continuation token. The engine passes it through
	// unmodified; the chirp package uses it to find the pending completion.
	UserData uint64
}
