// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package engine

// Runner posts a function onto the event-loop goroutine driving the engine.
// Post must be safe to call from any goroutine; the posted functions run in
// FIFO order. Every callback an Engine issues must be marshaled through the
// Runner it received at Init.
type Runner interface {
	Post(fn func())
}

// SendCallback reports the completion of a Send, exactly once per message.
type SendCallback func(msg *Message, status Status)

// ReleaseCallback reports the completion of a ReleaseSlot, identified by the
// released message's identity and serial.
type ReleaseCallback func(identity [IdentitySize]byte, serial uint32)

// Hooks are the engine-to-client callbacks registered at Init. All of them
// are invoked on the event-loop goroutine.
type Hooks struct {
	// Recv delivers an inbound message. The engine passes ownership of the
	// Message to the client; the occupied slot stays allocated until
	// ReleaseSlot is called for it.
	Recv func(msg *Message)

	// Done fires once after Close when the engine drained the connection,
	// and also after a failed Init that already allocated resources, except
	// when Init failed with StatusOutOfMemory.
	Done func()

	// Log receives the engine's diagnostic lines. Lines with isError set
	// describe the failure reported by the next non-success Status.
	Log func(line string, isError bool)
}

// Conn is an initialized engine instance bound to one local endpoint.
// Send, ReleaseSlot and Close must be called from the event-loop
// goroutine; Identity is safe from any goroutine.
type Conn interface {
	// Send transmits msg and reports the outcome through cb. In synchronous
	// mode the send completes once the remote released the message's slot,
	// otherwise once the message was handed to the transport.
	Send(msg *Message, cb SendCallback)

	// ReleaseSlot frees the message-slot held by a received msg and
	// acknowledges it to the remote if requested. cb fires once released.
	ReleaseSlot(msg *Message, cb ReleaseCallback)

	// Close tears the endpoint down. Outstanding sends fail with
	// StatusWriteError; Hooks.Done fires when draining finished.
	Close()

	// Identity returns the engine instance's identity, stable for its
	// lifetime.
	Identity() [IdentitySize]byte
}

// Engine creates initialized connections. Init must be called on the
// event-loop goroutine; it validates the Config and returns a non-success
// Status on invalid values.
type Engine interface {
	Init(runner Runner, config Config, hooks Hooks) (Conn, Status)
}
