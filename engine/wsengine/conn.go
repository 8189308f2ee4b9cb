// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wsengine

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/dtn7/cboring"
	"github.com/gorilla/websocket"

	"github.com/concretecloud/chirp-go/engine"
)

// wsConn is one WebSocket connection between two endpoints, usable in both
// directions once the peer's hello arrived.
type wsConn struct {
	ep *endpoint
	ws *websocket.Conn

	// writeMu serializes frame writes; sends, acknowledges and the hello
	// come from different goroutines.
	writeMu sync.Mutex

	// helloDone is closed once the peer's hello arrived and the fields
	// below are set.
	helloDone      chan struct{}
	helloOnce      sync.Once
	remoteIdentity [engine.IdentitySize]byte
	remoteAddr     netip.Addr
	remotePort     uint16
}

func newWSConn(ep *endpoint, ws *websocket.Conn) *wsConn {
	return &wsConn{
		ep:        ep,
		ws:        ws,
		helloDone: make(chan struct{}),
	}
}

// writeMessage marshals m and writes it as one binary frame.
func (c *wsConn) writeMessage(m *message) error {
	var buf bytes.Buffer
	if err := cboring.Marshal(m, &buf); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.ws.WriteMessage(websocket.BinaryMessage, buf.Bytes())
}

// readPump reads frames until the connection dies and dispatches them.
// It deliberately blocks on the slot semaphore while all message-slots
// are occupied; the stalled WebSocket is the flow control.
func (c *wsConn) readPump() {
	defer c.ep.dropConn(c)

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		var m message
		if err := cboring.Unmarshal(&m, bytes.NewReader(data)); err != nil {
			c.protocolError(fmt.Sprintf("decoding frame failed: %v", err))
			return
		}

		switch mt := m.messageType.(type) {
		case *helloMessage:
			c.handleHello(mt)

		case *envelopeMessage:
			if !c.handleEnvelope(mt) {
				return
			}

		case *ackMessage:
			c.ep.handleAck(mt)
		}
	}
}

// protocolError surfaces a misbehaving peer as a diagnostic line.
func (c *wsConn) protocolError(line string) {
	ep := c.ep
	ep.runner.Post(func() {
		if ep.hooks.Log != nil {
			ep.hooks.Log(line, true)
		}
	})
}

// handleHello registers the connection under the peer's canonical key, the
// remote host joined with the announced listen port, so outbound sends to
// that peer reuse it.
func (c *wsConn) handleHello(hm *helloMessage) {
	c.helloOnce.Do(func() {
		c.remoteIdentity = hm.Identity
		c.remotePort = hm.Port
		c.remoteAddr = remoteHost(c.ws.RemoteAddr())

		key := netip.AddrPortFrom(c.remoteAddr, c.remotePort).String()
		c.ep.registerConn(key, c)

		close(c.helloDone)
	})
}

// handleEnvelope occupies a message-slot and hands the message to the
// event-loop. Reports whether the pump should keep reading.
func (c *wsConn) handleEnvelope(em *envelopeMessage) bool {
	ep := c.ep

	select {
	case <-c.helloDone:
	default:
		c.protocolError("peer sent an envelope before its hello")
		return false
	}

	select {
	case ep.slotSem <- struct{}{}:
	case <-ep.closedCh:
		return false
	}

	ak := ackKey{identity: em.Identity, serial: em.Serial}

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		<-ep.slotSem
		return false
	}
	ep.heldSlots[ak] = &heldSlot{conn: c, wantAck: em.WantAck}
	ep.mu.Unlock()

	msg := &engine.Message{
		Identity:       em.Identity,
		Serial:         em.Serial,
		Header:         em.Header,
		Data:           em.Data,
		Address:        c.remoteAddr,
		Port:           c.remotePort,
		RemoteIdentity: c.remoteIdentity,
		HasSlot:        true,
	}
	ep.runner.Post(func() { ep.hooks.Recv(msg) })

	return true
}

// remoteHost extracts the peer's address, unmapping IPv4-in-IPv6.
func remoteHost(addr net.Addr) netip.Addr {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return netip.Addr{}
	}

	a, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return a.Unmap()
}
