// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package chirp

// Request timeout handling. The timer and the reply arrival race against
// each other on the event-loop goroutine; whichever path runs first
// removes the request-table entry and disarms the other, so exactly one of
// them resolves the RequestFuture. The completion latch backs this up.

// arm schedules the request timeout. Runs on the event-loop goroutine,
// posted right after the send; a reply which was intercepted before arming
// makes the timer unnecessary.
func (rf *RequestFuture) arm() {
	if rf.c.isResolved() {
		return
	}

	s := rf.session
	timer := s.loop.startTimer(s.timeout, rf.timedOut)

	s.mu.Lock()
	rf.timer = timer
	s.mu.Unlock()
}

// disarm stops the timer and removes the request-table entry. Called from
// the reply path; a request disarmed here can never time out.
func (rf *RequestFuture) disarm() {
	s := rf.session

	s.mu.Lock()
	timer := rf.timer
	rf.timer = nil
	delete(s.tables.requests, rf.id)
	s.mu.Unlock()

	if timer != nil {
		timer.stop()
	}
}

// timedOut resolves the request with a timeout error and cleans up the
// request-table entry. Runs on the event-loop goroutine. The identity is
// no longer registered afterwards, so a late reply is delivered as an
// ordinary inbound message instead of being dropped.
func (rf *RequestFuture) timedOut() {
	s := rf.session

	s.mu.Lock()
	rf.timer = nil
	delete(s.tables.requests, rf.id)
	s.mu.Unlock()

	rf.c.resolve(nil, timeoutError("request timed out"))
}
