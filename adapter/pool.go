// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package adapter

import (
	"runtime"
	"sync"

	"github.com/concretecloud/chirp-go/chirp"
	"github.com/concretecloud/chirp-go/engine"
)

// Pool runs a Session whose inbound messages are dispatched to a fixed set
// of worker goroutines. Arrival order is not preserved across workers.
// AutoRelease behaves as in Handler.
type Pool struct {
	session *chirp.Session
	queue   *fifo
	wg      sync.WaitGroup

	stopOnce sync.Once
	stopErr  error
}

// NewPool creates the Session and starts the workers. A non-positive
// workers count defaults to the number of CPUs.
func NewPool(loop *chirp.Loop, config chirp.Config, eng engine.Engine, fn HandlerFunc, workers int) (*Pool, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	p := &Pool{queue: newFifo()}

	session, err := chirp.NewSession(loop, config, eng, p.queue.push)
	if err != nil {
		return nil, err
	}
	p.session = session

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(fn, config.AutoRelease)
	}
	return p, nil
}

func (p *Pool) worker(fn HandlerFunc, autoRelease bool) {
	defer p.wg.Done()

	for {
		msg, ok := p.queue.pop()
		if !ok {
			return
		}

		fn(msg)
		if autoRelease {
			_, _ = msg.Release()
		}
	}
}

// Session returns the underlying Session.
func (p *Pool) Session() *chirp.Session {
	return p.session
}

// Stop shuts the Session down first, then ends the workers.
func (p *Pool) Stop() error {
	p.stopOnce.Do(func() {
		p.stopErr = p.session.Stop()
		p.queue.close()
		p.wg.Wait()
	})
	return p.stopErr
}
