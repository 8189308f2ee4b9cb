// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package chirp

import (
	"sync"
	"time"
)

// completion is the single-resolution latch behind every future type of
// this package. Exactly one resolve wins; later attempts are ignored, which
// guards the request-timeout against a concurrently arriving reply.
type completion struct {
	mu       sync.Mutex
	done     chan struct{}
	resolved bool
	value    interface{}
	err      error
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

// resolve settles the completion. Reports whether this call won the latch.
func (c *completion) resolve(value interface{}, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolved {
		return false
	}

	c.resolved = true
	c.value = value
	c.err = err
	close(c.done)

	return true
}

// isResolved reports whether the completion was settled already.
func (c *completion) isResolved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.resolved
}

// wait blocks until the completion is settled or timeout elapsed. A timeout
// of zero or below waits without bound.
func (c *completion) wait(timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		<-c.done
	} else {
		t := time.NewTimer(timeout)
		defer t.Stop()

		select {
		case <-c.done:
		case <-t.C:
			return nil, timeoutError("timed out waiting for result")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.err
}

// waitDeadline is wait against an absolute point in time, used by the
// shutdown drain to bound the total wait over many futures.
func (c *completion) waitDeadline(deadline time.Time) (interface{}, error) {
	d := time.Until(deadline)
	if d <= 0 {
		select {
		case <-c.done:
		default:
			return nil, timeoutError("timed out waiting for result")
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		return c.value, c.err
	}
	return c.wait(d)
}

// Future resolves with the sent Message once its send completed, or with a
// typed error built from the engine's diagnostics.
type Future struct {
	c *completion
}

func newFuture() *Future {
	return &Future{c: newCompletion()}
}

// Done is closed once the Future resolved.
func (f *Future) Done() <-chan struct{} {
	return f.c.done
}

// Result blocks until the Future resolved or timeout elapsed. A timeout of
// zero or below waits without bound.
func (f *Future) Result(timeout time.Duration) (*Message, error) {
	value, err := f.c.wait(timeout)
	if err != nil {
		return nil, err
	}
	return value.(*Message), nil
}

// Released names a freed message-slot.
type Released struct {
	Identity Identity
	Serial   uint32
}

// ReleaseFuture resolves once a message-slot was released. Its result is
// nil if the message held no slot and the release was a no-op.
type ReleaseFuture struct {
	c *completion
}

func newReleaseFuture() *ReleaseFuture {
	return &ReleaseFuture{c: newCompletion()}
}

// releasedNothing is the pre-resolved no-op release.
func releasedNothing() *ReleaseFuture {
	f := newReleaseFuture()
	f.c.resolve(nil, nil)
	return f
}

// Done is closed once the ReleaseFuture resolved.
func (f *ReleaseFuture) Done() <-chan struct{} {
	return f.c.done
}

// Result blocks until the ReleaseFuture resolved or timeout elapsed. A
// timeout of zero or below waits without bound.
func (f *ReleaseFuture) Result(timeout time.Duration) (*Released, error) {
	value, err := f.c.wait(timeout)
	if err != nil || value == nil {
		return nil, err
	}
	return value.(*Released), nil
}

// RequestFuture tracks one request: the completion of the outgoing send and
// the eventual correlated reply. Exactly one of reply arrival and request
// timeout resolves it.
type RequestFuture struct {
	c *completion

	session     *Session
	sendFut     *Future
	id          Identity
	autoRelease bool

	// timer is the armed request timeout, accessed on the loop goroutine
	// and during checkRequest under the session mutex.
	timer *loopTimer
}

// Done is closed once the reply arrived or the request timed out.
func (f *RequestFuture) Done() <-chan struct{} {
	return f.c.done
}

// SendResult waits for the underlying send, see Future.Result.
func (f *RequestFuture) SendResult(timeout time.Duration) (*Message, error) {
	return f.sendFut.Result(timeout)
}

// Result blocks until the reply arrived or the request timed out. If the
// request was made with autoRelease, the reply's message-slot is released
// before the reply is handed out.
func (f *RequestFuture) Result(timeout time.Duration) (*Message, error) {
	value, err := f.c.wait(timeout)
	if err != nil {
		return nil, err
	}

	reply := value.(*Message)
	if f.autoRelease {
		_, _ = reply.Release()
	}
	return reply, nil
}
