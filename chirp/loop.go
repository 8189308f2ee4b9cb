// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package chirp

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/concretecloud/chirp-go/engine"
)

// Loop owns the event-loop goroutine which cooperatively drives one or more
// transport engines. Post marshals a function onto that goroutine from
// anywhere; every engine call and engine callback runs there.
//
// A Loop is reference-counted: each Session retains it on construction and
// releases it on Stop, Stop on the Loop itself drops the initial reference.
// The goroutine shuts down once the count reaches zero, so multiple
// Sessions can share a single Loop.
type Loop struct {
	mu      sync.Mutex
	started bool
	stopped bool
	closing bool
	closed  bool
	refcnt  int

	pending []func()
	wake    chan struct{}
	joined  chan struct{}
	timers  map[*loopTimer]struct{}
}

// compile-time check: a Loop is the Runner handed to engines.
var _ engine.Runner = (*Loop)(nil)

// NewLoop creates a Loop. It does not run until Run is called.
func NewLoop() *Loop {
	return &Loop{
		refcnt: 1,
		wake:   make(chan struct{}, 1),
		joined: make(chan struct{}),
		timers: make(map[*loopTimer]struct{}),
	}
}

// Run starts the event-loop goroutine. Calling Run on a running Loop is a
// no-op; calling it again after Stop is a usage error, a Loop cannot be
// restarted.
func (l *Loop) Run() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		// We are silent about multiple Run/Stop calls, but if the caller
		// expects a restart to be possible, we answer with an error.
		return usageError("cannot restart loop")
	}
	if l.started {
		return nil
	}

	l.started = true
	go l.target()

	return nil
}

// Running reports whether the event-loop goroutine is up.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.started && !l.stopped
}

// Post appends fn to the pending list and wakes the event-loop goroutine.
// Posted functions execute there in FIFO order. Safe to call from any
// goroutine; functions posted after shutdown are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		log.Debug("Dropping function posted on a closed loop")
		return
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stop drops the Loop's initial reference. The goroutine shuts down once
// the last Session released its reference too; Stop then blocks until the
// shutdown finished. Only a failure to close the loop itself is returned,
// leftover handles are logged.
func (l *Loop) Stop() error {
	l.mu.Lock()
	doIt := l.started && !l.stopped
	if doIt {
		l.stopped = true
	}
	l.mu.Unlock()

	if doIt {
		return l.release()
	}
	return nil
}

// retain increments the reference count, keeping the Loop alive.
func (l *Loop) retain() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refcnt++
}

// release decrements the reference count and performs the shutdown once it
// reaches zero.
func (l *Loop) release() error {
	l.mu.Lock()
	l.refcnt--
	doIt := l.refcnt == 0
	l.mu.Unlock()

	if doIt {
		return l.doStop()
	}
	return nil
}

// doStop posts the shutdown itself onto the event-loop goroutine, so that
// it happens there, and joins the goroutine afterwards. No callback can run
// once doStop returned.
func (l *Loop) doStop() error {
	l.Post(func() {
		l.mu.Lock()
		l.closing = true
		l.mu.Unlock()
	})

	<-l.joined

	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true

	// The goroutine drained everything before it exited; entries showing up
	// here raced the join and are dropped like any post-shutdown Post.
	if n := len(l.pending); n != 0 {
		l.pending = nil
		log.WithField("functions", n).Debug("Dropping functions posted during loop shutdown")
	}

	if len(l.timers) != 0 {
		return &Error{Kind: KindFatal, msg: "closing the event-loop failed"}
	}
	return nil
}

// target is the event-loop goroutine.
func (l *Loop) target() {
	defer close(l.joined)

	log.Debug("chirp event-loop started")

	for {
		<-l.wake

		for l.runPending() {
		}

		l.mu.Lock()
		closing := l.closing
		l.mu.Unlock()
		if closing {
			break
		}
	}

	if !l.drain() {
		log.Warn("Cannot close all loop handles")
		if !l.drain() {
			log.Error("Cannot close all loop handles")
		}
	}

	log.Debug("chirp event-loop stopped")
}

// runPending executes one batch of posted functions and reports whether
// there was anything to run.
func (l *Loop) runPending() bool {
	l.mu.Lock()
	fns := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return len(fns) > 0
}

// drain runs leftover work once and disarms leftover timer handles.
// Reports whether the Loop was already clean before draining.
func (l *Loop) drain() bool {
	l.runPending()

	l.mu.Lock()
	leftover := len(l.pending) + len(l.timers)
	timers := make([]*loopTimer, 0, len(l.timers))
	for lt := range l.timers {
		timers = append(timers, lt)
	}
	l.mu.Unlock()

	for _, lt := range timers {
		lt.stop()
	}

	return leftover == 0
}
