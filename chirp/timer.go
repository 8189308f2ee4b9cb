// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package chirp

import "time"

// loopTimer is a timer handle owned by a Loop. Its callback fires on the
// event-loop goroutine. Live handles are tracked by the Loop for its
// shutdown drain accounting.
type loopTimer struct {
	loop *Loop
	t    *time.Timer
}

// startTimer arms a timer whose fn runs on the event-loop goroutine after d
// elapsed, unless the timer was stopped first.
func (l *Loop) startTimer(d time.Duration, fn func()) *loopTimer {
	lt := &loopTimer{loop: l}

	l.mu.Lock()
	l.timers[lt] = struct{}{}
	l.mu.Unlock()

	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			l.mu.Lock()
			_, live := l.timers[lt]
			delete(l.timers, lt)
			l.mu.Unlock()

			if live {
				fn()
			}
		})
	})

	return lt
}

// stop disarms the timer; fn will not fire afterwards. Safe to call
// multiple times and after the timer fired.
func (lt *loopTimer) stop() {
	lt.t.Stop()

	lt.loop.mu.Lock()
	delete(lt.loop.timers, lt)
	lt.loop.mu.Unlock()
}
