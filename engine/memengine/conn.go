// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package memengine

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/concretecloud/chirp-go/engine"
)

// slotKey addresses one occupied message-slot on an endpoint.
type slotKey struct {
	identity [engine.IdentitySize]byte
	serial   uint32
}

// delivery is one message traveling through the Hub, from enqueueing at
// the receiver until its slot was released and, in synchronous mode, the
// sender's acknowledge fired.
type delivery struct {
	from *endpoint
	msg  *engine.Message

	// Sender-side completion, fired on release (synchronous) or right after
	// enqueueing (asynchronous).
	wantAck bool
	ackCb   engine.SendCallback
	ackMsg  *engine.Message
	timer   *time.Timer

	// acked latches the sender-side completion; guarded by the Hub mutex.
	acked bool
}

// endpoint is one memengine connection. The message state lives under the
// Hub mutex, since deliveries cross endpoint boundaries.
type endpoint struct {
	hub      *Hub
	runner   engine.Runner
	hooks    engine.Hooks
	config   engine.Config
	identity [engine.IdentitySize]byte

	// Guarded by hub.mu:
	closed    bool
	serial    uint32
	slotsFree int
	slots     map[slotKey]*delivery
	inbox     []*delivery
}

// origin is the address peers observe as this endpoint's message origin.
func (ep *endpoint) origin() netip.Addr {
	if bind := ep.config.BindV4; bind.IsValid() && !bind.IsUnspecified() {
		return bind
	}
	return netip.MustParseAddr("127.0.0.1")
}

// fail reports a failed operation back on the event-loop goroutine: the
// diagnostic line first, then the completion, so the session observes the
// line as the failure's cause.
func (ep *endpoint) fail(msg *engine.Message, cb engine.SendCallback, status engine.Status, line string) {
	ep.runner.Post(func() {
		if ep.hooks.Log != nil {
			ep.hooks.Log(line, true)
		}
		cb(msg, status)
	})
}

func (ep *endpoint) complete(msg *engine.Message, cb engine.SendCallback) {
	ep.runner.Post(func() { cb(msg, engine.StatusSuccess) })
}

// Send routes msg to the endpoint bound to its destination port.
func (ep *endpoint) Send(msg *engine.Message, cb engine.SendCallback) {
	hub := ep.hub

	hub.mu.Lock()
	target := hub.endpoints[msg.Port]
	if target == nil || target.closed {
		hub.mu.Unlock()
		ep.fail(msg, cb, engine.StatusCannotConnect,
			fmt.Sprintf("connecting to port %d failed: no endpoint bound", msg.Port))
		return
	}

	ep.serial++
	msg.Serial = ep.serial

	d := &delivery{
		from: ep,
		msg: &engine.Message{
			Identity:       msg.Identity,
			Serial:         msg.Serial,
			Header:         append([]byte(nil), msg.Header...),
			Data:           append([]byte(nil), msg.Data...),
			Address:        ep.origin(),
			Port:           ep.config.Port,
			RemoteIdentity: ep.identity,
			HasSlot:        true,
		},
		wantAck: ep.config.Synchronous,
		ackCb:   cb,
		ackMsg:  msg,
	}

	if d.wantAck {
		d.timer = time.AfterFunc(ep.config.Timeout, func() { hub.timeoutDelivery(ep, target, d) })
	}

	target.enqueueLocked(d)
	hub.mu.Unlock()

	if !d.wantAck {
		ep.complete(msg, cb)
	}
}

// enqueueLocked occupies a slot for d or parks it in the inbox until one
// is free. Caller holds hub.mu.
func (ep *endpoint) enqueueLocked(d *delivery) {
	if ep.slotsFree == 0 {
		ep.inbox = append(ep.inbox, d)
		return
	}

	ep.slotsFree--
	ep.slots[slotKey{identity: d.msg.Identity, serial: d.msg.Serial}] = d
	ep.runner.Post(func() { ep.hooks.Recv(d.msg) })
}

// timeoutDelivery fails a synchronous send whose acknowledge did not
// arrive in time. A delivery still parked in the receiver's inbox is
// withdrawn; one already occupying a slot stays there until released.
func (hub *Hub) timeoutDelivery(from, target *endpoint, d *delivery) {
	hub.mu.Lock()
	if d.acked {
		hub.mu.Unlock()
		return
	}
	d.acked = true

	for i, queued := range target.inbox {
		if queued == d {
			target.inbox = append(target.inbox[:i], target.inbox[i+1:]...)
			break
		}
	}
	hub.mu.Unlock()

	from.fail(d.ackMsg, d.ackCb, engine.StatusTimeout,
		fmt.Sprintf("send to port %d timed out after %v", target.config.Port, from.config.Timeout))
}

// ReleaseSlot frees the slot held by w, acknowledges the sender in
// synchronous mode and pulls the next parked delivery into the free slot.
func (ep *endpoint) ReleaseSlot(w *engine.Message, cb engine.ReleaseCallback) {
	hub := ep.hub

	hub.mu.Lock()
	key := slotKey{identity: w.Identity, serial: w.Serial}
	d := ep.slots[key]
	delete(ep.slots, key)
	ep.slotsFree++

	var ack *delivery
	if d != nil && d.wantAck && !d.acked {
		d.acked = true
		if d.timer != nil {
			d.timer.Stop()
		}
		ack = d
	}

	if len(ep.inbox) > 0 && !ep.closed {
		next := ep.inbox[0]
		ep.inbox = ep.inbox[1:]
		ep.enqueueLocked(next)
	}
	hub.mu.Unlock()

	w.HasSlot = false
	ep.runner.Post(func() { cb(w.Identity, w.Serial) })

	if ack != nil {
		ack.from.complete(ack.ackMsg, ack.ackCb)
	}
}

// Close unbinds the endpoint from the Hub, fails its outstanding
// synchronous sends and withdraws undelivered inbound messages, then
// notifies Done.
func (ep *endpoint) Close() {
	hub := ep.hub

	hub.mu.Lock()
	if ep.closed {
		hub.mu.Unlock()
		return
	}
	ep.closed = true
	delete(hub.endpoints, ep.config.Port)

	var failed []*delivery

	takeIfMine := func(d *delivery) {
		if d.from == ep && d.wantAck && !d.acked {
			d.acked = true
			if d.timer != nil {
				d.timer.Stop()
			}
			failed = append(failed, d)
		}
	}

	for _, other := range hub.endpoints {
		for _, d := range other.slots {
			takeIfMine(d)
		}
		for _, d := range other.inbox {
			takeIfMine(d)
		}
		other.inbox = withoutSender(other.inbox, ep)
	}

	// Senders of messages still parked at this endpoint never get their
	// acknowledge; fail them too.
	for _, d := range ep.inbox {
		if d.wantAck && !d.acked {
			d.acked = true
			if d.timer != nil {
				d.timer.Stop()
			}
			failed = append(failed, d)
		}
	}
	ep.inbox = nil
	hub.mu.Unlock()

	for _, d := range failed {
		d.from.fail(d.ackMsg, d.ackCb, engine.StatusWriteError,
			fmt.Sprintf("send to port %d failed: endpoint shut down", d.ackMsg.Port))
	}

	if ep.hooks.Done != nil {
		ep.runner.Post(ep.hooks.Done)
	}
}

// withoutSender filters deliveries originating from a closed endpoint.
func withoutSender(inbox []*delivery, from *endpoint) []*delivery {
	kept := inbox[:0]
	for _, d := range inbox {
		if d.from != from {
			kept = append(kept, d)
		}
	}
	return kept
}

// Identity of this endpoint, stable for its lifetime.
func (ep *endpoint) Identity() [engine.IdentitySize]byte {
	return ep.identity
}
