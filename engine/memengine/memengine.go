// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package memengine implements an in-process chirp transport engine. A Hub
// plays the network: endpoints register by port and exchange messages
// through it, including message-slot flow control, synchronous-mode
// acknowledges and send timeouts. It backs the test-suites of this module
// and is handy wherever both peers live in one process.
package memengine

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/concretecloud/chirp-go/engine"
)

// Hub is the in-process network connecting memengine endpoints by port.
// One Hub may serve endpoints on different Loops.
type Hub struct {
	mu        sync.Mutex
	endpoints map[uint16]*endpoint
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[uint16]*endpoint)}
}

// Engine returns an engine.Engine whose connections attach to this Hub.
func (hub *Hub) Engine() engine.Engine {
	return hubEngine{hub: hub}
}

type hubEngine struct {
	hub *Hub
}

// Init validates the configuration and registers a new endpoint on the
// Hub. Per the engine contract, every failure except an allocation failure
// emits the Done hook before Init returns its status.
func (e hubEngine) Init(runner engine.Runner, config engine.Config, hooks engine.Hooks) (engine.Conn, engine.Status) {
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
		hub:       e.hub,
		runner:    runner,
		hooks:     hooks,
		config:    config,
		identity:  config.Identity,
		slotsFree: config.EffectiveSlots(),
		slots:     make(map[slotKey]*delivery),
	}
	if ep.identity == ([engine.IdentitySize]byte{}) {
		if _, err := rand.Read(ep.identity[:]); err != nil {
			return nil, engine.StatusOutOfMemory
		}
	}

	e.hub.mu.Lock()
	if _, exists := e.hub.endpoints[config.Port]; exists {
		e.hub.mu.Unlock()
		return failed(fmt.Sprintf("port %d is already bound on this hub", config.Port), engine.StatusAddrInUse)
	}
	e.hub.endpoints[config.Port] = ep
	e.hub.mu.Unlock()

	if hooks.Log != nil {
		hooks.Log(fmt.Sprintf("memengine endpoint bound to port %d", config.Port), false)
	}

	return ep, engine.StatusSuccess
}
