package middleware

import (
	"context"
	"testing"
	"time"

	"restpipe/dispatch"
)

func TestTimeoutMiddlewareReturnsInTime(t *testing.T) {
	inner := func(ctx context.Context, req dispatch.Request) dispatch.Response {
		return dispatch.Response{Code: 1}
	}

	resp := TimeoutMiddleware(50*time.Millisecond, -9)(inner)(context.Background(), dispatch.Request{})
	if resp.Code != 1 {
		t.Fatalf("got code %d, want 1", resp.Code)
	}
}

func TestTimeoutMiddlewareFiresOnSlowHandler(t *testing.T) {
	unblock := make(chan struct{})
	inner := func(ctx context.Context, req dispatch.Request) dispatch.Response {
		<-unblock
		return dispatch.Response{Code: 1}
	}
	defer close(unblock)

	resp := TimeoutMiddleware(10*time.Millisecond, -9)(inner)(context.Background(), dispatch.Request{})
	if resp.Code != -9 {
		t.Fatalf("got code %d, want -9", resp.Code)
	}
}
