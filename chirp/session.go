// SPDX-FileCopyrightText: 2021, 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package chirp

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/concretecloud/chirp-go/engine"
)

// RecvFunc delivers an inbound Message. It runs on the event-loop
// goroutine and must not block; the adapter package provides dispatch
// strategies which hand the Message over to other goroutines.
type RecvFunc func(msg *Message)

// Session is the correlation engine bound to one transport-engine
// connection. Send, Request and ReleaseSlot may be called from any
// goroutine; they register the operation in the Session's pending tables,
// marshal the engine call onto the Loop and return a future which the
// engine's completion callback resolves later.
type Session struct {
	mu sync.Mutex

	loop    *Loop
	config  Config
	conn    engine.Conn
	recv    RecvFunc
	timeout time.Duration

	tables pendingTables

	// lastError buffers the engine's most recent diagnostic line, consumed
	// when a non-success status is converted into a typed Error.
	lastError string

	done    *completion
	stopped bool
}

// NewSession initializes a connection to the transport engine on the
// Loop's goroutine and blocks until the initialization completed or
// failed. The Loop must be running. recv may be nil, in which case inbound
// messages are released immediately.
func NewSession(loop *Loop, config Config, eng engine.Engine, recv RecvFunc) (*Session, error) {
	if !loop.Running() {
		return nil, usageError("loop is not running")
	}

	ec, err := config.toEngine()
	if err != nil {
		return nil, err
	}

	s := &Session{
		loop:    loop,
		config:  config,
		recv:    recv,
		timeout: config.Timeout,
		tables:  newPendingTables(),
		done:    newCompletion(),
	}

	initFut := newCompletion()
	loop.Post(func() { s.initOnLoop(eng, ec, initFut) })

	if _, err := initFut.wait(0); err != nil {
		// The engine may already have allocated resources for the failed
		// initialization. Wait for its teardown notification before
		// reporting back, except after an allocation failure, where no
		// notification will come.
		if KindOf(err) != KindResource {
			_, _ = s.done.wait(0)
		}
		return nil, err
	}

	loop.retain()
	return s, nil
}

// initOnLoop performs the engine initialization on the event-loop
// goroutine and resolves initFut with the outcome.
func (s *Session) initOnLoop(eng engine.Engine, ec engine.Config, initFut *completion) {
	hooks := engine.Hooks{
		Recv: s.recvFromEngine,
		Done: func() { s.done.resolve(nil, nil) },
		Log:  s.logFromEngine,
	}

	conn, status := eng.Init(s.loop, ec, hooks)
	if status != engine.StatusSuccess {
		initFut.resolve(nil, s.takeError(status))
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	initFut.resolve(nil, nil)
}

// Loop returns the Loop this Session runs on.
func (s *Session) Loop() *Loop {
	return s.loop
}

// Config returns a copy of the Session's configuration.
func (s *Session) Config() Config {
	return s.config
}

// Identity returns the engine instance's identity. It changes on each
// start; peers observe it as the remote identity of received messages.
func (s *Session) Identity() Identity {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	return Identity(conn.Identity())
}

// Send transmits a Message and returns a Future resolving with the sent
// Message, or with a typed error built from the engine's diagnostics. In
// synchronous mode the Future resolves once the remote released the
// message, otherwise once it was handed to the transport.
//
// Sending a received Message answers it: address, port and identity
// already point at the origin, and its message-slot is released alongside
// the send.
//
// Sending different Messages from different goroutines is safe. Sending
// the same Message again before its Future resolved is a usage error,
// reported synchronously.
func (s *Session) Send(msg *Message) (*Future, error) {
	fut := newFuture()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, usageError("session is stopped")
	}
	if msg.sending {
		s.mu.Unlock()
		return nil, usageError("message still sending, wait for the send result first")
	}

	msg.sending = true

	if msg.slot {
		if msg.session != s {
			msg.sending = false
			s.mu.Unlock()
			return nil, usageError("message holds a slot on a different session")
		}

		// Answering implies being done with the received Message; its slot
		// is released while the answer goes out, on a separate wire struct.
		recvWire := msg.wire
		msg.wire = nil
		msg.slot = false
		releaseConn := s.conn
		s.loop.Post(func() { releaseConn.ReleaseSlot(recvWire, s.releaseCompleted) })
	}

	w := msg.ensureWire()
	w.UserData = s.tables.registerSend(msg, fut)
	msg.copyToWire(w)
	conn := s.conn
	s.mu.Unlock()

	s.loop.Post(func() { conn.Send(w, s.sendCompleted) })
	return fut, nil
}

// sendCompleted is the engine's send callback, running on the event-loop
// goroutine. It removes the pending entry exactly once and resolves the
// Future with the possibly mutated Message or a typed error.
func (s *Session) sendCompleted(w *engine.Message, status engine.Status) {
	s.mu.Lock()
	p := s.tables.takeSend(w.UserData)
	if p == nil {
		s.mu.Unlock()
		return
	}
	p.msg.sending = false
	p.msg.serial = w.Serial
	diag := s.lastError
	s.lastError = ""
	s.mu.Unlock()

	if status == engine.StatusSuccess {
		p.fut.c.resolve(p.msg, nil)
	} else {
		p.fut.c.resolve(nil, errorFromStatus(status, diag))
	}
}

// Request transmits a Message and waits for the correlated reply: a
// received Message carrying the same identity resolves the returned
// RequestFuture, intercepted before the generic delivery path. A request
// is answered within the configured Timeout or resolves with a timeout
// error; a reply arriving after the timeout is delivered as an ordinary
// inbound message.
//
// With autoRelease, the reply's message-slot is released when the result
// is read. Threading and error aspects are those of Send.
func (s *Session) Request(msg *Message, autoRelease bool) (*RequestFuture, error) {
	sendFut, err := s.Send(msg)
	if err != nil {
		return nil, err
	}

	rf := &RequestFuture{
		c:           newCompletion(),
		session:     s,
		sendFut:     sendFut,
		id:          msg.identity,
		autoRelease: autoRelease,
	}

	s.mu.Lock()
	s.tables.requests[rf.id] = rf
	s.mu.Unlock()

	s.loop.Post(rf.arm)
	return rf, nil
}

// checkRequest intercepts a reply to an outstanding request. Runs on the
// event-loop goroutine; reports whether msg was consumed as a reply.
func (s *Session) checkRequest(msg *Message) bool {
	s.mu.Lock()
	rf := s.tables.requests[msg.identity]
	s.mu.Unlock()

	if rf == nil {
		return false
	}

	rf.disarm()
	rf.c.resolve(msg, nil)
	return true
}

// ReleaseSlot frees the message-slot held by a received Message and
// acknowledges it to the remote if requested. The returned ReleaseFuture
// resolves with the released identity and serial, or immediately with a
// no-op if the Message holds no slot.
//
// Releasing from a different goroutine than the receiving one is safe.
// Releasing the same Message twice concurrently from different goroutines
// is undefined behavior; release, wait for the result and hand the Message
// over synchronized instead.
func (s *Session) ReleaseSlot(msg *Message) (*ReleaseFuture, error) {
	s.mu.Lock()
	if msg.session != s || !msg.slot {
		s.mu.Unlock()
		return releasedNothing(), nil
	}
	if msg.sending {
		s.mu.Unlock()
		return nil, usageError("message still sending, wait for the send result first")
	}

	p := s.tables.releaseSlots[releaseKey{identity: msg.identity, serial: msg.serial}]
	w := msg.wire
	msg.wire = nil
	msg.slot = false
	conn := s.conn
	s.mu.Unlock()

	s.loop.Post(func() { conn.ReleaseSlot(w, s.releaseCompleted) })
	return p.fut, nil
}

// releaseCompleted is the engine's release callback, running on the
// event-loop goroutine.
func (s *Session) releaseCompleted(identity [engine.IdentitySize]byte, serial uint32) {
	key := releaseKey{identity: Identity(identity), serial: serial}

	s.mu.Lock()
	p := s.tables.takeRelease(key)
	s.mu.Unlock()

	if p != nil {
		p.fut.c.resolve(&Released{Identity: key.identity, Serial: serial}, nil)
	}
}

// recvFromEngine is the engine's receive hook, running on the event-loop
// goroutine. It wraps the wire struct, books the occupied slot, intercepts
// request replies and hands everything else to the delivery surface.
func (s *Session) recvFromEngine(w *engine.Message) {
	msg := messageFromWire(w, s)

	if msg.slot {
		s.mu.Lock()
		s.tables.registerRelease(msg)
		s.mu.Unlock()
	}

	if s.checkRequest(msg) {
		return
	}

	if s.recv != nil {
		s.recv(msg)
	} else {
		// No delivery surface attached, free the slot right away.
		_, _ = msg.Release()
	}
}

// logFromEngine is the engine's log hook. Error lines are buffered to
// become part of the next typed Error.
func (s *Session) logFromEngine(line string, isError bool) {
	if isError {
		s.mu.Lock()
		s.lastError = line
		s.mu.Unlock()

		log.Debug(line)
	} else {
		log.Info(line)
	}
}

// takeError consumes the buffered diagnostic line into a typed Error.
func (s *Session) takeError(status engine.Status) *Error {
	s.mu.Lock()
	diag := s.lastError
	s.lastError = ""
	s.mu.Unlock()

	return errorFromStatus(status, diag)
}

// Stop shuts the Session down: it drains the outstanding slot-releases
// with a bounded wait, closes the engine connection, blocks until the
// engine finished draining and releases the Loop reference.
//
// A drain running into the configured Timeout is contained rather than
// propagated: the remaining slots are force-released and waited for once
// more, the connection is closed regardless, and the forgotten release is
// reported as a usage error after the teardown succeeded. Stopping twice
// is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	pending := s.tables.snapshotReleases()
	s.mu.Unlock()

	var drainErr error
	if !waitReleases(pending, time.Now().Add(s.timeout)) {
		log.WithField("slots", len(pending)).Warn("Shutdown drain timed out, force-releasing slots")

		for _, p := range pending {
			_, _ = p.msg.Release()
		}
		waitReleases(pending, time.Now().Add(s.timeout))

		// Although the slots were cleaned up, this still is a usage error
		// on the caller's side and must not pass silently.
		drainErr = usageError("timeout waiting for released messages, maybe a message was not released")
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	s.loop.Post(conn.Close)
	_, _ = s.done.wait(0)

	if err := s.loop.release(); err != nil {
		if drainErr != nil {
			return multierror.Append(drainErr, err)
		}
		return err
	}
	return drainErr
}

// waitReleases waits for all pending releases against a shared deadline
// and reports whether every future resolved in time.
func waitReleases(pending []*releasePending, deadline time.Time) bool {
	ok := true
	for _, p := range pending {
		if _, err := p.fut.c.waitDeadline(deadline); err != nil {
			ok = false
		}
	}
	return ok
}
