// SPDX-FileCopyrightText: 2021, 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package chirp

import (
	"testing"
	"time"

	"github.com/concretecloud/chirp-go/engine/memengine"
)

func testLoop(t *testing.T) *Loop {
	t.Helper()

	loop := NewLoop()
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = loop.Stop() })

	return loop
}

func testConfig(port uint16) Config {
	config := DefaultConfig()
	config.Port = port
	config.Timeout = 200 * time.Millisecond
	config.DisableEncryption = true
	return config
}

func TestSessionSendReceive(t *testing.T) {
	hub := memengine.NewHub()
	loop := testLoop(t)

	recvCh := make(chan *Message, 1)
	receiver, err := NewSession(loop, testConfig(3001), hub.Engine(), func(msg *Message) { recvCh <- msg })
	if err != nil {
		t.Fatal(err)
	}
	sender, err := NewSession(loop, testConfig(3002), hub.Engine(), nil)
	if err != nil {
		t.Fatal(err)
	}

	msg := NewMessage()
	msg.Data = []byte("hello world")
	msg.Port = 3001

	fut, err := sender.Send(msg)
	if err != nil {
		t.Fatal(err)
	}

	var got *Message
	select {
	case got = <-recvCh:
	case <-time.After(time.Second):
		t.Fatal("message did not arrive")
	}

	if string(got.Data) != "hello world" {
		t.Fatalf("expected the payload back, got %q", got.Data)
	}
	if got.RemoteIdentity() != sender.Identity() {
		t.Fatal("remote identity must be the sender's engine identity")
	}
	if !got.HasSlot() {
		t.Fatal("a received message must hold a slot")
	}

	// Synchronous mode: the send completes on the remote release, not
	// before.
	select {
	case <-fut.Done():
		t.Fatal("send must not complete before the release")
	default:
	}

	rf, err := got.Release()
	if err != nil {
		t.Fatal(err)
	}
	released, err := rf.Result(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if released == nil || released.Identity != msg.Identity() {
		t.Fatalf("release must name the message's identity, got %v", released)
	}

	sent, err := fut.Result(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if sent != msg {
		t.Fatal("the future must resolve with the sent message")
	}
	if sent.Serial() == 0 {
		t.Fatal("the engine must have assigned a serial")
	}

	if err := sender.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := receiver.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestSessionSendNoRoute(t *testing.T) {
	hub := memengine.NewHub()
	loop := testLoop(t)

	sender, err := NewSession(loop, testConfig(3003), hub.Engine(), nil)
	if err != nil {
		t.Fatal(err)
	}

	msg := NewMessage()
	msg.Port = 9999

	fut, err := sender.Send(msg)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := fut.Result(time.Second); KindOf(err) != KindConnection {
		t.Fatalf("expected a connection error, got %v", err)
	}

	if err := sender.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestSessionDoubleSend(t *testing.T) {
	hub := memengine.NewHub()
	loop := testLoop(t)

	recvCh := make(chan *Message, 1)
	receiver, err := NewSession(loop, testConfig(3004), hub.Engine(), func(msg *Message) { recvCh <- msg })
	if err != nil {
		t.Fatal(err)
	}
	sender, err := NewSession(loop, testConfig(3005), hub.Engine(), nil)
	if err != nil {
		t.Fatal(err)
	}

	msg := NewMessage()
	msg.Port = 3004

	fut, err := sender.Send(msg)
	if err != nil {
		t.Fatal(err)
	}

	// The message is in flight until the receiver releases it; a second
	// send of the same message must be refused.
	var got *Message
	select {
	case got = <-recvCh:
	case <-time.After(time.Second):
		t.Fatal("message did not arrive")
	}

	if _, err := sender.Send(msg); KindOf(err) != KindUsage {
		t.Fatalf("expected a usage error, got %v", err)
	}

	if _, err := got.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := fut.Result(time.Second); err != nil {
		t.Fatal(err)
	}

	if err := sender.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := receiver.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestSessionRequestReply(t *testing.T) {
	hub := memengine.NewHub()
	loop := testLoop(t)

	// The responder answers by sending the received message back, which
	// releases its slot alongside.
	responder, err := NewSession(loop, testConfig(3006), hub.Engine(), func(msg *Message) {
		msg.Data = append([]byte("re: "), msg.Data...)
		if _, err := msg.Session().Send(msg); err != nil {
			t.Errorf("answering failed: %v", err)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	requester, err := NewSession(loop, testConfig(3007), hub.Engine(), nil)
	if err != nil {
		t.Fatal(err)
	}

	req := NewMessage()
	req.Data = []byte("ping")
	req.Port = 3006

	rf, err := requester.Request(req, true)
	if err != nil {
		t.Fatal(err)
	}

	reply, err := rf.Result(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Identity() != req.Identity() {
		t.Fatal("the reply must carry the request's identity")
	}
	if string(reply.Data) != "re: ping" {
		t.Fatalf("expected the answered payload, got %q", reply.Data)
	}
	if reply.HasSlot() {
		t.Fatal("the reply's slot must be auto-released")
	}

	if err := requester.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := responder.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestSessionIndependentRequests(t *testing.T) {
	hub := memengine.NewHub()
	loop := testLoop(t)

	responder, err := NewSession(loop, testConfig(3018), hub.Engine(), func(msg *Message) {
		if _, err := msg.Session().Send(msg); err != nil {
			t.Errorf("answering failed: %v", err)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	requester, err := NewSession(loop, testConfig(3019), hub.Engine(), nil)
	if err != nil {
		t.Fatal(err)
	}

	// Two requests with the same payload must stay independent: each
	// carries its own identity and each future resolves with its own reply.
	reqA := NewMessage()
	reqA.Data = []byte("ping")
	reqA.Port = 3018

	reqB := NewMessage()
	reqB.Data = []byte("ping")
	reqB.Port = 3018

	if reqA.Identity() == reqB.Identity() {
		t.Fatal("equal payloads must not share an identity")
	}

	rfA, err := requester.Request(reqA, true)
	if err != nil {
		t.Fatal(err)
	}
	rfB, err := requester.Request(reqB, true)
	if err != nil {
		t.Fatal(err)
	}

	replyA, err := rfA.Result(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	replyB, err := rfB.Result(time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if replyA.Identity() != reqA.Identity() {
		t.Fatal("the first reply must carry the first request's identity")
	}
	if replyB.Identity() != reqB.Identity() {
		t.Fatal("the second reply must carry the second request's identity")
	}

	if err := requester.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := responder.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestSessionRequestTimeout(t *testing.T) {
	hub := memengine.NewHub()
	loop := testLoop(t)

	heldCh := make(chan *Message, 1)
	responder, err := NewSession(loop, testConfig(3008), hub.Engine(), func(msg *Message) { heldCh <- msg })
	if err != nil {
		t.Fatal(err)
	}

	replyCh := make(chan *Message, 1)
	requester, err := NewSession(loop, testConfig(3009), hub.Engine(), func(msg *Message) { replyCh <- msg })
	if err != nil {
		t.Fatal(err)
	}

	req := NewMessage()
	req.Data = []byte("ping")
	req.Port = 3008

	rf, err := requester.Request(req, true)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := rf.Result(time.Second); KindOf(err) != KindTimeout {
		t.Fatalf("expected a timeout error, got %v", err)
	}

	// The answer comes late. It must not vanish: the requester receives it
	// as an ordinary inbound message.
	var held *Message
	select {
	case held = <-heldCh:
	case <-time.After(time.Second):
		t.Fatal("request did not arrive")
	}
	if _, err := held.Session().Send(held); err != nil {
		t.Fatal(err)
	}

	select {
	case late := <-replyCh:
		if late.Identity() != req.Identity() {
			t.Fatal("the late reply must carry the request's identity")
		}
		if _, err := late.Release(); err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("late reply was dropped")
	}

	if err := requester.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := responder.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestSessionStopUnreleasedSlot(t *testing.T) {
	hub := memengine.NewHub()
	loop := testLoop(t)

	recvCh := make(chan *Message, 1)
	receiver, err := NewSession(loop, testConfig(3010), hub.Engine(), func(msg *Message) { recvCh <- msg })
	if err != nil {
		t.Fatal(err)
	}

	// The sender's own send timeout lies far above the receiver's drain
	// bound, so the force-release acknowledge always beats it.
	senderConfig := testConfig(3011)
	senderConfig.Timeout = 5 * time.Second
	sender, err := NewSession(loop, senderConfig, hub.Engine(), nil)
	if err != nil {
		t.Fatal(err)
	}

	msg := NewMessage()
	msg.Port = 3010

	fut, err := sender.Send(msg)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-recvCh:
		// Keep the slot, never release.
	case <-time.After(time.Second):
		t.Fatal("message did not arrive")
	}

	// The shutdown drain runs into its timeout, force-releases the slot and
	// reports the forgotten release as a usage error afterwards.
	start := time.Now()
	err = receiver.Stop()
	if KindOf(err) != KindUsage {
		t.Fatalf("expected a usage error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("shutdown took %v, the drain must be bounded", elapsed)
	}

	// The force-release acknowledged the sender.
	if _, err := fut.Result(time.Second); err != nil {
		t.Fatal(err)
	}

	if err := sender.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestSessionStopTwice(t *testing.T) {
	hub := memengine.NewHub()
	loop := testLoop(t)

	session, err := NewSession(loop, testConfig(3012), hub.Engine(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := session.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := session.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got %v", err)
	}

	if _, err := session.Send(NewMessage()); KindOf(err) != KindUsage {
		t.Fatalf("sending on a stopped session must be a usage error, got %v", err)
	}
}

func TestSessionInitFailure(t *testing.T) {
	hub := memengine.NewHub()
	loop := testLoop(t)

	if _, err := NewSession(loop, testConfig(0), hub.Engine(), nil); KindOf(err) != KindValue {
		t.Fatalf("expected a value error for port 0, got %v", err)
	}

	first, err := NewSession(loop, testConfig(3013), hub.Engine(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewSession(loop, testConfig(3013), hub.Engine(), nil); KindOf(err) != KindAddrInUse {
		t.Fatalf("expected an address-in-use error, got %v", err)
	}

	if err := first.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestSessionAsyncSend(t *testing.T) {
	hub := memengine.NewHub()
	loop := testLoop(t)

	config := testConfig(3014)
	config.Synchronous = false

	recvCh := make(chan *Message, 1)
	receiver, err := NewSession(loop, config, hub.Engine(), func(msg *Message) { recvCh <- msg })
	if err != nil {
		t.Fatal(err)
	}

	senderConfig := testConfig(3015)
	senderConfig.Synchronous = false
	sender, err := NewSession(loop, senderConfig, hub.Engine(), nil)
	if err != nil {
		t.Fatal(err)
	}

	msg := NewMessage()
	msg.Port = 3014

	fut, err := sender.Send(msg)
	if err != nil {
		t.Fatal(err)
	}

	// Asynchronous mode: the send completes without waiting for a release.
	if _, err := fut.Result(time.Second); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-recvCh:
		if _, err := got.Release(); err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("message did not arrive")
	}

	if err := sender.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := receiver.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestSessionNilRecvAutoReleases(t *testing.T) {
	hub := memengine.NewHub()
	loop := testLoop(t)

	receiver, err := NewSession(loop, testConfig(3016), hub.Engine(), nil)
	if err != nil {
		t.Fatal(err)
	}
	sender, err := NewSession(loop, testConfig(3017), hub.Engine(), nil)
	if err != nil {
		t.Fatal(err)
	}

	msg := NewMessage()
	msg.Port = 3016

	fut, err := sender.Send(msg)
	if err != nil {
		t.Fatal(err)
	}

	// Without a delivery surface the receiver releases immediately, which
	// acknowledges the synchronous send.
	if _, err := fut.Result(time.Second); err != nil {
		t.Fatal(err)
	}

	if err := sender.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := receiver.Stop(); err != nil {
		t.Fatal(err)
	}
}
