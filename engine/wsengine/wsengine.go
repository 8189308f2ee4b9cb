// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package wsengine implements the chirp transport engine on WebSockets.
// Every endpoint runs a listener and dials peers on demand; connections
// are kept and reused in both directions. Frames are CBOR-encoded; in
// synchronous mode an envelope requests an acknowledge which the remote
// sends once the message's slot was released. With a configured
// certificate chain the endpoint listens and dials TLS-secured.
package wsengine

import (
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/concretecloud/chirp-go/engine"
)

// maxConnectTimeout caps the connect-timeout derived from the configured
// timeout scale.
const maxConnectTimeout = time.Minute

// New returns the WebSocket-backed transport engine.
func New() engine.Engine {
	return wsEngine{}
}

type wsEngine struct{}

// Init validates the configuration, loads the TLS material and binds the
// listener. Per the engine contract, every failure except an allocation
// failure emits the Done hook before Init returns its status.
func (wsEngine) Init(runner engine.Runner, config engine.Config, hooks engine.Hooks) (engine.Conn, engine.Status) {
	failed := func(line string, status engine.Status) (engine.Conn, engine.Status) {
		if hooks.Log != nil {
			hooks.Log(line, true)
		}
		if hooks.Done != nil {
			runner.Post(hooks.Done)
		}
		return nil, status
	}

	if err := config.Validate(); err != nil {
		return failed(err.Error(), engine.StatusValueError)
	}

	ep := &endpoint{
		runner:      runner,
		hooks:       hooks,
		config:      config,
		identity:    config.Identity,
		conns:       make(map[string]*wsConn),
		pendingAcks: make(map[ackKey]*pendingSend),
		heldSlots:   make(map[ackKey]*heldSlot),
		slotSem:     make(chan struct{}, config.EffectiveSlots()),
		sendWake:    make(chan struct{}, 1),
		closedCh:    make(chan struct{}),
	}
	if ep.identity == ([engine.IdentitySize]byte{}) {
		if _, err := rand.Read(ep.identity[:]); err != nil {
			return nil, engine.StatusOutOfMemory
		}
	}

	if !config.DisableEncryption && config.CertChainPEM != "" {
		mat, err := loadTLSMaterial(config.CertChainPEM)
		if err != nil {
			return failed(err.Error(), engine.StatusTLSError)
		}
		ep.tlsMat = mat
	}

	bind := "0.0.0.0"
	if config.BindV4.IsValid() {
		bind = config.BindV4.String()
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bind, config.Port))
	if err != nil {
		return failed(fmt.Sprintf("binding %s:%d failed: %v", bind, config.Port, err), engine.StatusAddrInUse)
	}
	if ep.tlsMat != nil {
		listener = tls.NewListener(listener, ep.tlsMat.serverConfig())
	}

	ep.listener = listener
	ep.server = &http.Server{Handler: ep}
	go func() {
		_ = ep.server.Serve(listener)
	}()
	go ep.writeLoop()

	if hooks.Log != nil {
		hooks.Log(fmt.Sprintf("wsengine listening on %s", listener.Addr()), false)
	}

	return ep, engine.StatusSuccess
}

// ackKey addresses one in-flight synchronous send or one occupied
// message-slot.
type ackKey struct {
	identity [engine.IdentitySize]byte
	serial   uint32
}

// pendingSend is a synchronous send awaiting its acknowledge.
type pendingSend struct {
	msg   *engine.Message
	cb    engine.SendCallback
	timer *time.Timer
}

// heldSlot is an occupied message-slot, remembering where to send the
// acknowledge on release.
type heldSlot struct {
	conn    *wsConn
	wantAck bool
}

// sendJob is one queued outbound message.
type sendJob struct {
	msg *engine.Message
	cb  engine.SendCallback
}

// endpoint is one wsengine connection: a listener plus the dialed and
// accepted WebSocket connections, keyed by the peer's canonical
// address:port.
type endpoint struct {
	runner   engine.Runner
	hooks    engine.Hooks
	config   engine.Config
	identity [engine.IdentitySize]byte
	tlsMat   *tlsMaterial

	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	// slotSem counts the occupied message-slots; the read pumps block on it
	// when all slots are taken, which stalls the peers.
	slotSem  chan struct{}
	closedCh chan struct{}

	// sendMu guards sendJobs, drained by the single writer goroutine so
	// messages leave in submission order and at most one dial per peer
	// runs at a time.
	sendMu   sync.Mutex
	sendJobs []sendJob
	sendWake chan struct{}

	mu          sync.Mutex
	closed      bool
	serial      uint32
	conns       map[string]*wsConn
	pendingAcks map[ackKey]*pendingSend
	heldSlots   map[ackKey]*heldSlot
}

// connectTimeout is min(2 * Timeout, one minute), so connects get more
// headroom than single sends without waiting forever.
func (ep *endpoint) connectTimeout() time.Duration {
	if d := 2 * ep.config.Timeout; d < maxConnectTimeout {
		return d
	}
	return maxConnectTimeout
}

// fail reports a failed send back on the event-loop goroutine: the
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

// ServeHTTP upgrades an inbound HTTP connection to a WebSocket connection,
// as the tcpclv4 WebSocket listener does.
func (ep *endpoint) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	ws, err := ep.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		return
	}

	c := newWSConn(ep, ws)
	go c.readPump()

	if err := c.writeMessage(&message{&helloMessage{Identity: ep.identity, Port: ep.config.Port}}); err != nil {
		_ = ws.Close()
	}
}

// Send queues msg for the writer goroutine and returns without blocking
// the event-loop goroutine; the completion is posted back.
func (ep *endpoint) Send(msg *engine.Message, cb engine.SendCallback) {
	ep.sendMu.Lock()
	ep.sendJobs = append(ep.sendJobs, sendJob{msg: msg, cb: cb})
	ep.sendMu.Unlock()

	select {
	case ep.sendWake <- struct{}{}:
	default:
	}
}

// writeLoop is the endpoint's writer goroutine: it drains the send queue
// in FIFO order, so back-to-back sends hit the wire in submission order
// and no two dials to the same peer can race each other.
func (ep *endpoint) writeLoop() {
	for {
		select {
		case <-ep.sendWake:
		case <-ep.closedCh:
		}

		for {
			ep.sendMu.Lock()
			jobs := ep.sendJobs
			ep.sendJobs = nil
			ep.sendMu.Unlock()

			if len(jobs) == 0 {
				break
			}
			for _, job := range jobs {
				ep.sendOne(job.msg, job.cb)
			}
		}

		select {
		case <-ep.closedCh:
			return
		default:
		}
	}
}

func (ep *endpoint) sendOne(msg *engine.Message, cb engine.SendCallback) {
	if !msg.Address.IsValid() {
		ep.fail(msg, cb, engine.StatusValueError, "message has no destination address")
		return
	}

	key := netip.AddrPortFrom(msg.Address, msg.Port).String()
	c, err := ep.connTo(key)
	if err != nil {
		ep.fail(msg, cb, engine.StatusCannotConnect,
			fmt.Sprintf("connecting to %s failed: %v", key, err))
		return
	}

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		ep.fail(msg, cb, engine.StatusWriteError, "endpoint is shutting down")
		return
	}
	ep.serial++
	msg.Serial = ep.serial
	wantAck := ep.config.Synchronous
	ak := ackKey{identity: msg.Identity, serial: msg.Serial}
	if wantAck {
		ps := &pendingSend{msg: msg, cb: cb}
		ps.timer = time.AfterFunc(ep.config.Timeout, func() { ep.timeoutSend(ak, key) })
		ep.pendingAcks[ak] = ps
	}
	ep.mu.Unlock()

	em := &envelopeMessage{
		Identity: msg.Identity,
		Serial:   msg.Serial,
		Header:   msg.Header,
		Data:     msg.Data,
		WantAck:  wantAck,
	}
	if err := c.writeMessage(&message{em}); err != nil {
		if wantAck {
			ep.mu.Lock()
			ps := ep.pendingAcks[ak]
			delete(ep.pendingAcks, ak)
			ep.mu.Unlock()
			if ps == nil {
				// Completed concurrently, nothing left to fail.
				return
			}
			ps.timer.Stop()
		}
		ep.fail(msg, cb, engine.StatusWriteError,
			fmt.Sprintf("writing to %s failed: %v", key, err))
		return
	}

	if !wantAck {
		ep.complete(msg, cb)
	}
}

// timeoutSend fails a synchronous send whose acknowledge did not arrive in
// time.
func (ep *endpoint) timeoutSend(ak ackKey, key string) {
	ep.mu.Lock()
	ps := ep.pendingAcks[ak]
	delete(ep.pendingAcks, ak)
	ep.mu.Unlock()

	if ps != nil {
		ep.fail(ps.msg, ps.cb, engine.StatusTimeout,
			fmt.Sprintf("send to %s timed out after %v", key, ep.config.Timeout))
	}
}

// handleAck completes the synchronous send the acknowledge refers to.
func (ep *endpoint) handleAck(am *ackMessage) {
	ak := ackKey{identity: am.Identity, serial: am.Serial}

	ep.mu.Lock()
	ps := ep.pendingAcks[ak]
	delete(ep.pendingAcks, ak)
	ep.mu.Unlock()

	if ps != nil {
		ps.timer.Stop()
		ep.complete(ps.msg, ps.cb)
	}
}

// ReleaseSlot frees the message-slot held by w and queues the acknowledge
// towards the sender if one was requested.
func (ep *endpoint) ReleaseSlot(w *engine.Message, cb engine.ReleaseCallback) {
	ak := ackKey{identity: w.Identity, serial: w.Serial}

	ep.mu.Lock()
	hs := ep.heldSlots[ak]
	delete(ep.heldSlots, ak)
	ep.mu.Unlock()

	if hs != nil {
		<-ep.slotSem

		if hs.wantAck {
			go func() {
				_ = hs.conn.writeMessage(&message{&ackMessage{Identity: ak.identity, Serial: ak.serial}})
			}()
		}
	}

	w.HasSlot = false
	ep.runner.Post(func() { cb(w.Identity, w.Serial) })
}

// registerConn stores a connection under its canonical peer key once the
// peer's hello arrived, making it reusable for outbound sends.
func (ep *endpoint) registerConn(key string, c *wsConn) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.closed {
		return
	}
	ep.conns[key] = c
}

// dropConn forgets a connection whose read pump ended.
func (ep *endpoint) dropConn(c *wsConn) {
	ep.mu.Lock()
	for key, conn := range ep.conns {
		if conn == c {
			delete(ep.conns, key)
			break
		}
	}
	ep.mu.Unlock()

	_ = c.ws.Close()
}

// connTo returns the connection to key, dialing and shaking hands first if
// none exists. Only the writer goroutine calls this, so at most one dial
// per endpoint is in flight.
func (ep *endpoint) connTo(key string) (*wsConn, error) {
	ep.mu.Lock()
	c := ep.conns[key]
	closed := ep.closed
	ep.mu.Unlock()

	if closed {
		return nil, fmt.Errorf("endpoint is shutting down")
	}
	if c != nil {
		return c, nil
	}

	scheme := "ws"
	dialer := websocket.Dialer{HandshakeTimeout: ep.connectTimeout()}
	if ep.tlsMat != nil {
		scheme = "wss"
		dialer.TLSClientConfig = ep.tlsMat.clientConfig()
	}

	ws, _, err := dialer.Dial(fmt.Sprintf("%s://%s/", scheme, key), nil)
	if err != nil {
		return nil, err
	}

	c = newWSConn(ep, ws)
	go c.readPump()

	if err := c.writeMessage(&message{&helloMessage{Identity: ep.identity, Port: ep.config.Port}}); err != nil {
		_ = ws.Close()
		return nil, err
	}

	select {
	case <-c.helloDone:
		return c, nil
	case <-time.After(ep.connectTimeout()):
		_ = ws.Close()
		return nil, fmt.Errorf("peer hello timed out")
	}
}

// Close stops the listener, closes every connection and fails the
// outstanding synchronous sends, then notifies Done.
func (ep *endpoint) Close() {
	go func() {
		ep.mu.Lock()
		if ep.closed {
			ep.mu.Unlock()
			return
		}
		ep.closed = true
		close(ep.closedCh)

		conns := make([]*wsConn, 0, len(ep.conns))
		for _, c := range ep.conns {
			conns = append(conns, c)
		}
		ep.conns = make(map[string]*wsConn)

		pending := make([]*pendingSend, 0, len(ep.pendingAcks))
		for _, ps := range ep.pendingAcks {
			pending = append(pending, ps)
		}
		ep.pendingAcks = make(map[ackKey]*pendingSend)
		ep.mu.Unlock()

		_ = ep.server.Close()
		for _, c := range conns {
			_ = c.ws.Close()
		}

		for _, ps := range pending {
			ps.timer.Stop()
			ep.fail(ps.msg, ps.cb, engine.StatusWriteError, "endpoint shut down")
		}

		if ep.hooks.Done != nil {
			ep.runner.Post(ep.hooks.Done)
		}
	}()
}

// Identity of this endpoint, stable for its lifetime.
func (ep *endpoint) Identity() [engine.IdentitySize]byte {
	return ep.identity
}
