// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package chirp

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/netip"

	"github.com/concretecloud/chirp-go/engine"
)

// Identity is the 16 byte correlation token of a logical message exchange.
// Replying to a message keeps its Identity while the serial changes, so the
// Identity links requests to their replies.
type Identity [engine.IdentitySize]byte

func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// newIdentity draws a fresh random Identity.
func newIdentity() (id Identity) {
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("reading random identity bytes failed: %v", err))
	}
	return
}

// SerialAfter reports whether serial a was issued after serial b, using
// wraparound-safe subtraction instead of a direct comparison.
func SerialAfter(a, b uint32) bool {
	return int32(a-b) > 0
}

// Message is the envelope exchanged with the transport engine. To answer a
// received Message, replace its Data and send it back; address, port and
// identity already point at the origin.
//
// A Message is exclusively owned by whichever goroutine holds it. Once
// handed to Send, Request or ReleaseSlot it must not be mutated or
// submitted again until the returned future resolved; a concurrent
// resubmission of the same Message is a usage error.
type Message struct {
	// Header carries upper-layer protocol data. Most users should leave it
	// alone.
	Header []byte

	// Data is the payload.
	Data []byte

	// Port names the destination when sending, the origin when received.
	Port uint16

	identity       Identity
	serial         uint32
	address        netip.Addr
	remoteIdentity Identity

	// The fields below are guarded by the owning session's mutex.
	session *Session
	wire    *engine.Message
	sending bool
	slot    bool
}

// NewMessage creates an empty Message with a fresh Identity.
func NewMessage() *Message {
	return &Message{identity: newIdentity()}
}

// messageFromWire builds a Message from a received engine struct and binds
// it to the session it arrived on.
func messageFromWire(w *engine.Message, session *Session) *Message {
	msg := &Message{
		Header:         w.Header,
		Data:           w.Data,
		Port:           w.Port,
		identity:       w.Identity,
		serial:         w.Serial,
		address:        w.Address,
		remoteIdentity: w.RemoteIdentity,
		session:        session,
		wire:           w,
		slot:           w.HasSlot,
	}
	return msg
}

// Identity returns the correlation token of this Message.
func (msg *Message) Identity() Identity {
	return msg.identity
}

// Serial returns the engine-assigned serial number. It increases
// monotonically per connection; compare with SerialAfter.
func (msg *Message) Serial() uint32 {
	return msg.serial
}

// RemoteIdentity identifies the remote engine instance the Message was
// received from. It changes when the remote process restarts, which higher
// layers may use to reset shared state.
func (msg *Message) RemoteIdentity() Identity {
	return msg.remoteIdentity
}

// Address returns the canonical string form of the Message's address: the
// destination when sending, the origin when received.
func (msg *Message) Address() string {
	if !msg.address.IsValid() {
		return ""
	}
	return msg.address.String()
}

// SetAddress parses and sets the destination address.
func (msg *Message) SetAddress(addr string) error {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return valueError("parsing address %q failed: %v", addr, err)
	}
	msg.address = a
	return nil
}

// Session returns the Session a received Message arrived on, or nil for a
// locally created one.
func (msg *Message) Session() *Session {
	return msg.session
}

// HasSlot reports whether this Message still occupies a message-slot on the
// engine. Without auto-release, the receiver must call Release to free it.
func (msg *Message) HasSlot() bool {
	if s := msg.session; s != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return msg.slot
}

// Release frees the Message's slot, see Session.ReleaseSlot. Releasing a
// Message that never held a slot resolves immediately with a no-op.
func (msg *Message) Release() (*ReleaseFuture, error) {
	if msg.session == nil {
		return releasedNothing(), nil
	}
	return msg.session.ReleaseSlot(msg)
}

// ensureWire returns the Message's engine struct, creating one if needed.
// Guarded by the owning session's mutex.
func (msg *Message) ensureWire() *engine.Message {
	if msg.wire == nil {
		msg.wire = &engine.Message{}
	}
	return msg.wire
}

// copyToWire marshals the user-facing fields into the engine struct before
// a send.
func (msg *Message) copyToWire(w *engine.Message) {
	w.Identity = msg.identity
	w.Header = msg.Header
	w.Data = msg.Data
	w.Address = msg.address
	w.Port = msg.Port
}

func (msg *Message) String() string {
	return fmt.Sprintf("Message(identity=%v, serial=%d, %s:%d, %d bytes)",
		msg.identity, msg.serial, msg.Address(), msg.Port, len(msg.Data))
}
