// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package engine specifies the capability contract of a chirp transport
// engine. An Engine owns connection establishment, retransmission, TLS and
// byte-level flow control. The chirp package drives an Engine from exactly
// one event-loop goroutine and receives all completions back on that same
// goroutine, delivered through the Runner it passed to Init.
//
// Two implementations ship with this module: memengine, an in-process
// loopback used for testing, and wsengine, a WebSocket-backed engine for
// real networking.
package engine
