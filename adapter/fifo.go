// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package adapter

import (
	"sync"

	"github.com/concretecloud/chirp-go/chirp"
)

// fifo is an unbounded message buffer between the event-loop goroutine
// and the consuming goroutines. push never blocks, pop blocks until a
// message arrives or the fifo was closed and drained.
type fifo struct {
	mu     sync.Mutex
	cond   *sync.Cond
	msgs   []*chirp.Message
	closed bool
}

func newFifo() *fifo {
	q := &fifo{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *fifo) push(msg *chirp.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.msgs = append(q.msgs, msg)
	q.cond.Signal()
}

func (q *fifo) pop() (*chirp.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.msgs) == 0 && !q.closed {
		q.cond.Wait()
	}

	if len(q.msgs) == 0 {
		return nil, false
	}

	msg := q.msgs[0]
	q.msgs = q.msgs[1:]
	return msg, true
}

func (q *fifo) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}
