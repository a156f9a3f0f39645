package catalog

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"restpipe/stats"
)

type recordingSink struct {
	mu     sync.Mutex
	counts map[string][]int64
}

func newRecordingSink() *recordingSink {
	return &recordingSink{counts: make(map[string][]int64)}
}

func (s *recordingSink) Count(name string, n int64, tags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[name] = append(s.counts[name], n)
}

func (s *recordingSink) Timing(name string, d time.Duration, tags ...string) {}

func (s *recordingSink) last(name string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs := s.counts[name]
	if len(vs) == 0 {
		return 0, false
	}
	return vs[len(vs)-1], true
}

func fakeEntry() *Entry {
	c, _ := net.Pipe()
	return &Entry{Conn: c}
}

func TestRegisterGetDeregister(t *testing.T) {
	c := New(nil, nil)
	entry := fakeEntry()
	defer entry.Conn.Close()

	if err := c.Register(context.Background(), "10.0.0.7", entry); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := c.Get("10.0.0.7")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != entry {
		t.Fatalf("Get returned wrong entry")
	}

	if err := c.Deregister(context.Background(), "10.0.0.7"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if _, err := c.Get("10.0.0.7"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after deregister, got %v", err)
	}
}

func TestRegisterDuplicateClosesNewNotOld(t *testing.T) {
	c := New(nil, nil)
	first := fakeEntry()
	second := fakeEntry()
	defer first.Conn.Close()
	defer second.Conn.Close()

	if err := c.Register(context.Background(), "10.0.0.7", first); err != nil {
		t.Fatalf("Register first: %v", err)
	}
	err := c.Register(context.Background(), "10.0.0.7", second)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// The existing (first) entry must remain untouched.
	got, err := c.Get("10.0.0.7")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != first {
		t.Fatalf("expected the original entry to remain registered")
	}
}

func TestDeregisterAbsentIsError(t *testing.T) {
	c := New(nil, nil)
	if err := c.Deregister(context.Background(), "10.0.0.7"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWaitForReturnsOnceRegistered(t *testing.T) {
	c := New(nil, nil)
	entry := fakeEntry()
	defer entry.Conn.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Register(context.Background(), "10.0.0.7", entry) //nolint:errcheck
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// WaitFor's poll cadence is coarse (1s): the registration made 20ms in
	// is only seen on the first tick, so both ctx and the WaitFor timeout
	// must outlast one full poll interval.
	got, err := c.WaitFor(ctx, "10.0.0.7", 2*time.Second)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if got != entry {
		t.Fatalf("WaitFor returned wrong entry")
	}
}

func TestWaitForTimesOut(t *testing.T) {
	c := New(nil, nil)
	ctx := context.Background()

	_, err := c.WaitFor(ctx, "10.0.0.9", 10*time.Millisecond)
	if !errors.Is(err, ErrNoConnection) {
		t.Fatalf("expected ErrNoConnection, got %v", err)
	}
}

func TestEventsEmitAddAndRemove(t *testing.T) {
	c := New(nil, nil)
	entry := fakeEntry()
	defer entry.Conn.Close()

	if err := c.Register(context.Background(), "10.0.0.7", entry); err != nil {
		t.Fatalf("Register: %v", err)
	}
	select {
	case e := <-c.Events():
		if e.Kind != EventAdded || e.IP != "10.0.0.7" || e.Count != 1 {
			t.Fatalf("got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no add event observed")
	}

	if err := c.Deregister(context.Background(), "10.0.0.7"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	select {
	case e := <-c.Events():
		if e.Kind != EventRemoved || e.Count != 0 {
			t.Fatalf("got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no remove event observed")
	}
}

func TestRegisterDeregisterEmitCatalogSizeGauge(t *testing.T) {
	sink := newRecordingSink()
	c := New(nil, sink)
	entry := fakeEntry()
	defer entry.Conn.Close()

	if err := c.Register(context.Background(), "10.0.0.7", entry); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got, ok := sink.last(stats.CatalogSizeGauge); !ok || got != 1 {
		t.Fatalf("got %v, ok=%v, want 1", got, ok)
	}

	if err := c.Deregister(context.Background(), "10.0.0.7"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if got, ok := sink.last(stats.CatalogSizeGauge); !ok || got != 0 {
		t.Fatalf("got %v, ok=%v, want 0", got, ok)
	}
}
