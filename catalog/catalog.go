// Package catalog is the server's IP-keyed directory of live peer
// connections: at most one ACTIVE entry per IP, with a bounded wait for
// HTTP ingress workers addressing an IP that hasn't connected yet.
package catalog

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"restpipe/exchange"
	"restpipe/stats"
)

// Entry is what the catalog stores per IP: the raw connection (kept
// around for RemoteIP/logging) and the live exchange the HTTP gateways
// send events through.
type Entry struct {
	Conn     net.Conn
	Exchange *exchange.Exchange
}

// ErrDuplicate is returned by Register when an entry already exists for
// the connection's IP. Per the data model, the caller must close the
// *new* connection — the existing entry is left untouched.
var ErrDuplicate = errors.New("catalog: duplicate connection for this IP")

// ErrNotFound is returned by Get and Deregister when no entry exists for
// the given IP.
var ErrNotFound = errors.New("catalog: no entry for this IP")

// ErrNoConnection is returned by WaitFor when the timeout elapses with
// no entry ever appearing.
var ErrNoConnection = errors.New("catalog: no connection within wait timeout")

// pollInterval is how often WaitFor re-checks the map while waiting —
// the catalog has no per-IP wakeup channel, so polling once a second is
// the simplest correct wait.
const pollInterval = time.Second

// EventKind distinguishes the idleness-monitor events on Catalog.Events.
type EventKind int

const (
	// EventAdded fires after a successful Register.
	EventAdded EventKind = iota
	// EventRemoved fires after a successful Deregister.
	EventRemoved
	// EventIdle fires every 60s while the catalog is empty.
	EventIdle
)

// Event is one state-change notification emitted on Catalog.Events.
type Event struct {
	Kind  EventKind
	IP    string
	Count int
}

// Mirror is an optional, read-only-from-the-catalog's-perspective shadow
// of Register/Deregister calls, used to give a process outside the
// server (another instance, a dashboard) cross-process visibility into
// who is connected. It never participates in the ≤1-ACTIVE-per-IP
// invariant — that's decided purely by Catalog's in-process map.
type Mirror interface {
	Register(ctx context.Context, ip string) error
	Deregister(ctx context.Context, ip string) error
}

// Catalog is the server's connection directory.
type Catalog struct {
	mu      sync.Mutex
	entries map[string]*Entry

	events chan Event
	mirror Mirror
	sink   stats.Sink

	idleCancel context.CancelFunc
}

// New constructs an empty Catalog. mirror may be nil. sink may be nil,
// in which case catalog size is never emitted.
func New(mirror Mirror, sink stats.Sink) *Catalog {
	if sink == nil {
		sink = stats.Noop()
	}
	c := &Catalog{
		entries: make(map[string]*Entry),
		events:  make(chan Event, 64),
		mirror:  mirror,
		sink:    sink,
	}
	return c
}

// Events exposes the idleness-monitor / add / remove notification
// stream. Never closed by Catalog; the caller stops reading when its own
// context is done.
func (c *Catalog) Events() <-chan Event {
	return c.events
}

// Register adds conn under its IP. Returns ErrDuplicate if an ACTIVE
// entry already exists there — the caller must close conn (the new
// connection), not the existing one, since the existing one's failure
// may simply not have been detected yet.
func (c *Catalog) Register(ctx context.Context, ip string, entry *Entry) error {
	c.mu.Lock()
	if _, exists := c.entries[ip]; exists {
		c.mu.Unlock()
		return ErrDuplicate
	}
	c.entries[ip] = entry
	count := len(c.entries)
	if count == 1 && c.idleCancel != nil {
		c.idleCancel()
		c.idleCancel = nil
	}
	c.mu.Unlock()

	if c.mirror != nil {
		_ = c.mirror.Register(ctx, ip) // best-effort; catalog membership never depends on this
	}

	c.sink.Count(stats.CatalogSizeGauge, int64(count))
	c.emit(Event{Kind: EventAdded, IP: ip, Count: count})
	return nil
}

// Deregister removes the entry for ip. Returns ErrNotFound if absent —
// callers must not double-deregister.
func (c *Catalog) Deregister(ctx context.Context, ip string) error {
	c.mu.Lock()
	if _, exists := c.entries[ip]; !exists {
		c.mu.Unlock()
		return ErrNotFound
	}
	delete(c.entries, ip)
	count := len(c.entries)
	c.mu.Unlock()

	if c.mirror != nil {
		_ = c.mirror.Deregister(ctx, ip)
	}

	c.sink.Count(stats.CatalogSizeGauge, int64(count))
	c.emit(Event{Kind: EventRemoved, IP: ip, Count: count})
	if count == 0 {
		c.startIdleMonitor()
	}
	return nil
}

// Get returns the entry registered for ip, or ErrNotFound.
func (c *Catalog) Get(ip string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, exists := c.entries[ip]
	if !exists {
		return nil, ErrNotFound
	}
	return entry, nil
}

// WaitFor polls every second until ip appears in the catalog or timeout
// elapses, in which case it returns ErrNoConnection.
func (c *Catalog) WaitFor(ctx context.Context, ip string, timeout time.Duration) (*Entry, error) {
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if conn, err := c.Get(ip); err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNoConnection
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Size returns the number of entries currently registered.
func (c *Catalog) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Catalog) emit(e Event) {
	select {
	case c.events <- e:
	default:
		// A full events channel means nobody is listening; drop rather
		// than block a register/deregister call on an inattentive consumer.
	}
}

const idleInterval = 60 * time.Second

// startIdleMonitor begins (once per empty-transition) a loop that emits
// an EventIdle notification every 60s for as long as the catalog remains
// empty. A later Register cancels it; Deregister re-arms it.
func (c *Catalog) startIdleMonitor() {
	c.mu.Lock()
	if c.idleCancel != nil {
		c.idleCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.idleCancel = cancel
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(idleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if c.Size() != 0 {
					return
				}
				c.emit(Event{Kind: EventIdle})
			}
		}
	}()
}
