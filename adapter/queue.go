// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package adapter

import (
	"sync"

	"github.com/concretecloud/chirp-go/chirp"
	"github.com/concretecloud/chirp-go/engine"
)

// Queue runs a Session whose inbound messages are delivered on a channel.
// The consumer owns each message-slot and releases it explicitly;
// AutoRelease is not honored here.
type Queue struct {
	session *chirp.Session
	queue   *fifo
	ch      chan *chirp.Message
	stopCh  chan struct{}
	done    chan struct{}

	stopOnce sync.Once
	stopErr  error
}

// NewQueue creates the Session and starts the pump feeding Channel.
func NewQueue(loop *chirp.Loop, config chirp.Config, eng engine.Engine) (*Queue, error) {
	q := &Queue{
		queue:  newFifo(),
		ch:     make(chan *chirp.Message),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	session, err := chirp.NewSession(loop, config, eng, q.queue.push)
	if err != nil {
		return nil, err
	}
	q.session = session

	go q.pump()
	return q, nil
}

func (q *Queue) pump() {
	defer close(q.done)
	defer close(q.ch)

	for {
		msg, ok := q.queue.pop()
		if !ok {
			return
		}

		select {
		case q.ch <- msg:
		case <-q.stopCh:
			// The consumer is gone; the Session's shutdown drain already
			// force-released the remaining slots.
			return
		}
	}
}

// Channel delivers the inbound messages. It is closed after Stop.
func (q *Queue) Channel() <-chan *chirp.Message {
	return q.ch
}

// Session returns the underlying Session.
func (q *Queue) Session() *chirp.Session {
	return q.session
}

// Stop shuts the Session down first, then ends the pump and closes the
// channel.
func (q *Queue) Stop() error {
	q.stopOnce.Do(func() {
		q.stopErr = q.session.Stop()
		close(q.stopCh)
		q.queue.close()
		<-q.done
	})
	return q.stopErr
}
