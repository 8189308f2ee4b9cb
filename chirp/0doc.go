// SPDX-FileCopyrightText: 2021, 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package chirp implements the client-side correlation runtime for the
// chirp messaging transport. It bridges arbitrary caller goroutines and a
// single event-loop goroutine which cooperatively drives a transport
// engine, tracking every in-flight send, request and slot-release with a
// future until the engine's completion callback resolves it.
//
// The building blocks are the Loop, running the event-loop goroutine, and
// the Session, holding the bookkeeping tables of one engine connection. A
// Session exposes Send, Request, ReleaseSlot and Stop; each returns or
// resolves a future instead of blocking, so callers decide where to wait.
//
// Delivery of inbound messages is pluggable. The adapter package builds
// the callback-, queue- and pool-styled surfaces on top of a Session.
package chirp
