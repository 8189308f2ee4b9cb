// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package memengine

import (
	"testing"
	"time"

	"github.com/concretecloud/chirp-go/engine"
)

// testRunner is a minimal event-loop goroutine for driving engines without
// the chirp package.
type testRunner struct {
	fns chan func()
}

func newTestRunner() *testRunner {
	r := &testRunner{fns: make(chan func(), 128)}
	go func() {
		for fn := range r.fns {
			fn()
		}
	}()
	return r
}

func (r *testRunner) Post(fn func()) {
	r.fns <- fn
}

func testEngineConfig(port uint16, synchronous bool) engine.Config {
	return engine.Config{
		Timeout:     100 * time.Millisecond,
		Synchronous: synchronous,
		Port:        port,
	}
}

func testMessage(tag byte, port uint16) *engine.Message {
	msg := &engine.Message{Port: port, Data: []byte{tag}}
	msg.Identity[0] = tag
	return msg
}

func TestHubSlotFlowControl(t *testing.T) {
	hub := NewHub()
	runner := newTestRunner()

	recvCh := make(chan *engine.Message, 8)
	receiverConfig := testEngineConfig(1, false)
	receiverConfig.MaxSlots = 1

	receiver, status := hub.Engine().Init(runner, receiverConfig, engine.Hooks{
		Recv: func(w *engine.Message) { recvCh <- w },
	})
	if status != engine.StatusSuccess {
		t.Fatalf("receiver init failed with %v", status)
	}

	sender, status := hub.Engine().Init(runner, testEngineConfig(2, false), engine.Hooks{
		Recv: func(*engine.Message) {},
	})
	if status != engine.StatusSuccess {
		t.Fatalf("sender init failed with %v", status)
	}

	sent := make(chan engine.Status, 3)
	for i := byte(0); i < 3; i++ {
		msg := testMessage(i, 1)
		runner.Post(func() {
			sender.Send(msg, func(_ *engine.Message, st engine.Status) { sent <- st })
		})
	}
	for i := 0; i < 3; i++ {
		if st := <-sent; st != engine.StatusSuccess {
			t.Fatalf("asynchronous send failed with %v", st)
		}
	}

	release := func(w *engine.Message) {
		released := make(chan struct{})
		runner.Post(func() {
			receiver.ReleaseSlot(w, func([engine.IdentitySize]byte, uint32) { close(released) })
		})
		select {
		case <-released:
		case <-time.After(time.Second):
			t.Fatal("release did not complete")
		}
	}

	// One slot: a message is delivered only after the previous release.
	for i := 0; i < 3; i++ {
		var w *engine.Message
		select {
		case w = <-recvCh:
		case <-time.After(time.Second):
			t.Fatalf("message %d was not delivered", i)
		}

		if i < 2 {
			select {
			case <-recvCh:
				t.Fatal("a second message must wait for the free slot")
			case <-time.After(50 * time.Millisecond):
			}
		}

		release(w)
	}

	runner.Post(sender.Close)
	runner.Post(receiver.Close)
}

func TestHubSyncAck(t *testing.T) {
	hub := NewHub()
	runner := newTestRunner()

	recvCh := make(chan *engine.Message, 1)
	receiver, status := hub.Engine().Init(runner, testEngineConfig(1, true), engine.Hooks{
		Recv: func(w *engine.Message) { recvCh <- w },
	})
	if status != engine.StatusSuccess {
		t.Fatalf("receiver init failed with %v", status)
	}

	sender, status := hub.Engine().Init(runner, testEngineConfig(2, true), engine.Hooks{
		Recv: func(*engine.Message) {},
	})
	if status != engine.StatusSuccess {
		t.Fatalf("sender init failed with %v", status)
	}

	sent := make(chan engine.Status, 1)
	msg := testMessage(1, 1)
	runner.Post(func() {
		sender.Send(msg, func(_ *engine.Message, st engine.Status) { sent <- st })
	})

	var w *engine.Message
	select {
	case w = <-recvCh:
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}

	select {
	case <-sent:
		t.Fatal("a synchronous send must not complete before the release")
	case <-time.After(50 * time.Millisecond):
	}

	runner.Post(func() {
		receiver.ReleaseSlot(w, func([engine.IdentitySize]byte, uint32) {})
	})

	select {
	case st := <-sent:
		if st != engine.StatusSuccess {
			t.Fatalf("synchronous send failed with %v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("release did not acknowledge the send")
	}

	runner.Post(sender.Close)
	runner.Post(receiver.Close)
}

func TestHubSendTimeout(t *testing.T) {
	hub := NewHub()
	runner := newTestRunner()

	receiver, status := hub.Engine().Init(runner, testEngineConfig(1, true), engine.Hooks{
		Recv: func(*engine.Message) {},
	})
	if status != engine.StatusSuccess {
		t.Fatalf("receiver init failed with %v", status)
	}
	_ = receiver

	sender, status := hub.Engine().Init(runner, testEngineConfig(2, true), engine.Hooks{
		Recv: func(*engine.Message) {},
	})
	if status != engine.StatusSuccess {
		t.Fatalf("sender init failed with %v", status)
	}

	sent := make(chan engine.Status, 1)
	msg := testMessage(1, 1)
	runner.Post(func() {
		sender.Send(msg, func(_ *engine.Message, st engine.Status) { sent <- st })
	})

	select {
	case st := <-sent:
		if st != engine.StatusTimeout {
			t.Fatalf("expected a timeout, got %v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("send did not time out")
	}

	runner.Post(sender.Close)
	runner.Post(receiver.Close)
}

func TestHubNoRoute(t *testing.T) {
	hub := NewHub()
	runner := newTestRunner()

	sender, status := hub.Engine().Init(runner, testEngineConfig(2, false), engine.Hooks{
		Recv: func(*engine.Message) {},
	})
	if status != engine.StatusSuccess {
		t.Fatalf("sender init failed with %v", status)
	}

	sent := make(chan engine.Status, 1)
	runner.Post(func() {
		sender.Send(testMessage(1, 9), func(_ *engine.Message, st engine.Status) { sent <- st })
	})

	if st := <-sent; st != engine.StatusCannotConnect {
		t.Fatalf("expected cannot-connect, got %v", st)
	}

	runner.Post(sender.Close)
}

func TestHubAddrInUse(t *testing.T) {
	hub := NewHub()
	runner := newTestRunner()

	first, status := hub.Engine().Init(runner, testEngineConfig(1, false), engine.Hooks{
		Recv: func(*engine.Message) {},
	})
	if status != engine.StatusSuccess {
		t.Fatalf("first init failed with %v", status)
	}

	done := make(chan struct{})
	_, status = hub.Engine().Init(runner, testEngineConfig(1, false), engine.Hooks{
		Recv: func(*engine.Message) {},
		Done: func() { close(done) },
	})
	if status != engine.StatusAddrInUse {
		t.Fatalf("expected address-in-use, got %v", status)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a failed init must still notify Done")
	}

	runner.Post(first.Close)
}

func TestHubCloseFailsPending(t *testing.T) {
	hub := NewHub()
	runner := newTestRunner()

	receiver, status := hub.Engine().Init(runner, testEngineConfig(1, true), engine.Hooks{
		Recv: func(*engine.Message) {},
	})
	if status != engine.StatusSuccess {
		t.Fatalf("receiver init failed with %v", status)
	}

	senderConfig := testEngineConfig(2, true)
	senderConfig.Timeout = 10 * time.Second

	sender, status := hub.Engine().Init(runner, senderConfig, engine.Hooks{
		Recv: func(*engine.Message) {},
	})
	if status != engine.StatusSuccess {
		t.Fatalf("sender init failed with %v", status)
	}

	sent := make(chan engine.Status, 1)
	runner.Post(func() {
		sender.Send(testMessage(1, 1), func(_ *engine.Message, st engine.Status) { sent <- st })
	})

	// Give the delivery a moment to occupy the receiver's slot.
	time.Sleep(50 * time.Millisecond)

	runner.Post(sender.Close)

	select {
	case st := <-sent:
		if st != engine.StatusWriteError {
			t.Fatalf("expected a write error, got %v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("closing must fail the outstanding send")
	}

	runner.Post(receiver.Close)
}
