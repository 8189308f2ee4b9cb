// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package chirp

// sendPending is an in-flight send: the submitted Message and its Future.
type sendPending struct {
	msg *Message
	fut *Future
}

// releaseKey addresses one occupied message-slot. Releases are keyed by
// identity and serial, since a request's reply reuses the identity with a
// new serial.
type releaseKey struct {
	identity Identity
	serial   uint32
}

// releasePending is an occupied message-slot awaiting its release.
type releasePending struct {
	msg *Message
	fut *ReleaseFuture
}

// pendingTables correlates continuation tokens and identity keys with
// outstanding futures. At most one live entry exists per key; an entry is
// inserted before the engine call is issued and removed exactly once, by
// the completion callback, the request timeout or the shutdown drain.
//
// All access is guarded by the owning session's mutex.
type pendingTables struct {
	awaitSends   map[uint64]*sendPending
	releaseSlots map[releaseKey]*releasePending
	requests     map[Identity]*RequestFuture

	nextToken uint64
}

func newPendingTables() pendingTables {
	return pendingTables{
		awaitSends:   make(map[uint64]*sendPending),
		releaseSlots: make(map[releaseKey]*releasePending),
		requests:     make(map[Identity]*RequestFuture),
	}
}

// registerSend stores an in-flight send and returns its continuation
// token, to be carried through the engine in the wire struct.
func (t *pendingTables) registerSend(msg *Message, fut *Future) uint64 {
	token := t.nextToken
	t.nextToken++

	t.awaitSends[token] = &sendPending{msg: msg, fut: fut}
	return token
}

// takeSend removes and returns the in-flight send behind a continuation
// token, nil if the token was invalidated already.
func (t *pendingTables) takeSend(token uint64) *sendPending {
	p := t.awaitSends[token]
	delete(t.awaitSends, token)
	return p
}

// registerRelease stores the slot held by a freshly received Message.
func (t *pendingTables) registerRelease(msg *Message) {
	key := releaseKey{identity: msg.identity, serial: msg.serial}
	t.releaseSlots[key] = &releasePending{msg: msg, fut: newReleaseFuture()}
}

// takeRelease removes and returns the slot entry for a key, nil if it was
// removed already.
func (t *pendingTables) takeRelease(key releaseKey) *releasePending {
	p := t.releaseSlots[key]
	delete(t.releaseSlots, key)
	return p
}

// snapshotReleases copies the current slot entries, used by the shutdown
// drain to wait on them without holding the session mutex.
func (t *pendingTables) snapshotReleases() []*releasePending {
	pending := make([]*releasePending, 0, len(t.releaseSlots))
	for _, p := range t.releaseSlots {
		pending = append(pending, p)
	}
	return pending
}
