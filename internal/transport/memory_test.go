package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"kexclusion/internal/wire"
)

func recvWithin(t *testing.T, ch <-chan wire.Message, d time.Duration) wire.Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatal("inbox closed")
		}
		return m
	case <-time.After(d):
		t.Fatal("timed out waiting for message")
	}
	return wire.Message{}
}

func TestMemory_FIFOPerPair(t *testing.T) {
	net := NewNetwork(3)
	defer net.Close()
	ctx := context.Background()

	a, b := net.Endpoint(0), net.Endpoint(1)
	for i := int64(1); i <= 100; i++ {
		if err := a.Send(ctx, 2, wire.Message{Tag: wire.ClinicRequest, Sender: 0, Timestamp: i}); err != nil {
			t.Fatalf("Send error = %v", err)
		}
		if err := b.Send(ctx, 2, wire.Message{Tag: wire.ClinicAgree, Sender: 1, Timestamp: i}); err != nil {
			t.Fatalf("Send error = %v", err)
		}
	}

	last := map[int]int64{}
	inbox := net.Endpoint(2).Inbox()
	for i := 0; i < 200; i++ {
		m := recvWithin(t, inbox, time.Second)
		if m.Timestamp != last[m.Sender]+1 {
			t.Fatalf("Out of order from %d: got ts %d after %d", m.Sender, m.Timestamp, last[m.Sender])
		}
		last[m.Sender] = m.Timestamp
	}
}

func TestMemory_SendErrors(t *testing.T) {
	net := NewNetwork(2)
	defer net.Close()
	a := net.Endpoint(0)

	err := a.Send(context.Background(), 5, wire.Message{})
	if !errors.Is(err, ErrUnknownPeer) || !IsTransport(err) {
		t.Errorf("Expected unknown peer transport error, got %v", err)
	}

	if err := net.Endpoint(1).Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	err = a.Send(context.Background(), 1, wire.Message{})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = a.Send(ctx, 0, wire.Message{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestMemory_InboxClosedAfterClose(t *testing.T) {
	net := NewNetwork(1)
	ep := net.Endpoint(0)
	ep.Close()
	select {
	case _, ok := <-ep.Inbox():
		if ok {
			t.Error("Expected closed inbox")
		}
	case <-time.After(time.Second):
		t.Error("Inbox not closed")
	}
}

func TestError_Format(t *testing.T) {
	err := &Error{Op: "send", Peer: 3, Err: ErrClosed}
	if err.Error() != "transport: send peer 3: transport closed" {
		t.Errorf("Unexpected message %q", err.Error())
	}
}
