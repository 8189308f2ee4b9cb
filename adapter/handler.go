// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package adapter

import (
	"sync"

	"github.com/concretecloud/chirp-go/chirp"
	"github.com/concretecloud/chirp-go/engine"
)

// HandlerFunc processes one inbound Message off the event-loop goroutine.
type HandlerFunc func(msg *chirp.Message)

// Handler runs a Session whose inbound messages are dispatched to one
// handler goroutine in arrival order. With the configuration's AutoRelease
// the message-slot is released once the handler returned, otherwise the
// handler owns the release.
type Handler struct {
	session *chirp.Session
	queue   *fifo
	done    chan struct{}

	stopOnce sync.Once
	stopErr  error
}

// NewHandler creates the Session and starts the dispatcher.
func NewHandler(loop *chirp.Loop, config chirp.Config, eng engine.Engine, fn HandlerFunc) (*Handler, error) {
	h := &Handler{
		queue: newFifo(),
		done:  make(chan struct{}),
	}

	session, err := chirp.NewSession(loop, config, eng, h.queue.push)
	if err != nil {
		return nil, err
	}
	h.session = session

	go h.dispatch(fn, config.AutoRelease)
	return h, nil
}

func (h *Handler) dispatch(fn HandlerFunc, autoRelease bool) {
	defer close(h.done)

	for {
		msg, ok := h.queue.pop()
		if !ok {
			return
		}

		fn(msg)
		if autoRelease {
			_, _ = msg.Release()
		}
	}
}

// Session returns the underlying Session, e.g. for sending.
func (h *Handler) Session() *chirp.Session {
	return h.session
}

// Stop shuts the Session down first, so the dispatcher still releases the
// buffered messages during the drain, then ends the dispatcher. Stopping
// twice returns the first result.
func (h *Handler) Stop() error {
	h.stopOnce.Do(func() {
		h.stopErr = h.session.Stop()
		h.queue.close()
		<-h.done
	})
	return h.stopErr
}
