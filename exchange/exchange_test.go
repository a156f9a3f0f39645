package exchange

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"restpipe/protocol"
	"restpipe/transport"
)

func pipe() (*Exchange, *Exchange) {
	client, server := net.Pipe()
	a := New(transport.Wrap(client))
	b := New(transport.Wrap(server))
	return a, b
}

func TestSendAndAwaitRoundTrip(t *testing.T) {
	a, b := pipe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h, payload, err := b.Recv(ctx)
		if err != nil {
			t.Errorf("Recv: %v", err)
			return
		}
		if _, err := b.Send(protocol.MsgEventReply, payload, SendOptions{ReplyTo: h.CorrelationID}); err != nil {
			t.Errorf("Send reply: %v", err)
		}
	}()

	h, payload, err := a.SendAndAwait(ctx, protocol.MsgEvent, []byte("hello"))
	if err != nil {
		t.Fatalf("SendAndAwait: %v", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("got payload %q", payload)
	}
	if !h.IsReply() {
		t.Fatalf("expected reply header")
	}
	<-done
}

func TestAwaitReplyTimeout(t *testing.T) {
	a, b := pipe()
	defer a.Close()
	defer b.Close()

	// b never replies.
	go func() {
		_, _, _ = b.Recv(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, _, err := a.SendAndAwait(ctx, protocol.MsgEvent, []byte("x"))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCloseWakesAllPendingWaiters(t *testing.T) {
	a, b := pipe()
	defer b.Close()

	ctx := context.Background()
	id1, err := a.Send(protocol.MsgEvent, []byte("one"), SendOptions{ExpectReply: true})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	id2, err := a.Send(protocol.MsgEvent, []byte("two"), SendOptions{ExpectReply: true})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	errCh := make(chan error, 2)
	go func() {
		_, _, err := a.AwaitReply(ctx, id1)
		errCh <- err
	}()
	go func() {
		_, _, err := a.AwaitReply(ctx, id2)
		errCh <- err
	}()

	// Let both goroutines register their wait before closing.
	time.Sleep(20 * time.Millisecond)
	a.Close()

	for i := 0; i < 2; i++ {
		if err := <-errCh; !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	}
}

func TestSendAfterCloseReturnsErrClosed(t *testing.T) {
	a, b := pipe()
	defer b.Close()
	a.Close()

	if _, err := a.Send(protocol.MsgHeartbeat, nil, SendOptions{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRecvUnblocksOnClose(t *testing.T) {
	a, b := pipe()
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		_, _, err := a.Recv(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	a.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock after Close")
	}
}
