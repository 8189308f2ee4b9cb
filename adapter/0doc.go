// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package adapter provides delivery surfaces on top of a chirp Session.
// A Session's receive function runs on the event-loop goroutine and must
// not block, so the adapters buffer inbound messages and hand them over
// elsewhere: Handler to one dispatcher goroutine in arrival order, Pool
// to a set of workers, Queue to a channel the consumer reads itself.
package adapter
