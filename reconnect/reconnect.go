// Package reconnect implements the client-side connect/serve/back-off
// cycle: CONNECTING -> SERVING -> BACKOFF -> CONNECTING, forever, with
// state-change callbacks at each transition.
package reconnect

import (
	"context"
	"time"

	"go.uber.org/zap"

	"restpipe/exchange"
	"restpipe/transport"
)

// State names the controller's current phase, exposed for tests and logging.
type State int

const (
	StateConnecting State = iota
	StateServing
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateServing:
		return "SERVING"
	case StateBackoff:
		return "BACKOFF"
	default:
		return "UNKNOWN"
	}
}

// StateChange is notified on every successful connect and every
// terminated serve cycle. Implementations must not block — the
// controller calls these inline between cycles.
type StateChange interface {
	ConnectSuccess(retries int, lastDisconnectedAt time.Time)
	ConnectFail(retries int, lastDisconnectedAt time.Time)
}

// NoopStateChange discards every notification.
type NoopStateChange struct{}

func (NoopStateChange) ConnectSuccess(int, time.Time) {}
func (NoopStateChange) ConnectFail(int, time.Time)    {}

// Serve runs the message loop (and anything else the caller wants — a
// heartbeat originator, typically) against an established connection. It
// must return once the connection is no longer usable; its return value
// is purely diagnostic, since every return is treated as retryable.
type Serve func(ctx context.Context, ex *exchange.Exchange) error

// Controller drives the CONNECTING -> SERVING -> BACKOFF cycle a client
// uses to keep one connection to the server alive indefinitely.
type Controller struct {
	Addr             string
	Material         transport.Material
	MinReattemptWait time.Duration
	Serve            Serve
	StateChange      StateChange
	Logger           *zap.Logger

	state State
}

// State returns the controller's current phase. Safe to call from a
// different goroutine for observability only — it is not synchronized
// against Run and may be briefly stale.
func (c *Controller) State() State {
	return c.state
}

// Run executes the reconnect cycle until ctx is cancelled. It never
// returns on its own otherwise — only a kill signal to the host process
// (here, context cancellation) stops it.
func (c *Controller) Run(ctx context.Context) error {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	stateChange := c.StateChange
	if stateChange == nil {
		stateChange = NoopStateChange{}
	}

	var retries int
	var lastDisconnectedAt time.Time
	firstFailureOfCycle := true

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.state = StateConnecting
		attemptStart := time.Now()

		conn, err := transport.DialMutualTLS(ctx, c.Addr, c.Material)
		if err != nil {
			logger.Warn("connect failed", zap.Error(err), zap.Int("retries", retries))
			stateChange.ConnectFail(retries, lastDisconnectedAt)
			if backoffErr := c.backoff(ctx, attemptStart); backoffErr != nil {
				return backoffErr
			}
			retries++
			if firstFailureOfCycle {
				lastDisconnectedAt = time.Now()
				firstFailureOfCycle = false
			}
			continue
		}

		ex := exchange.New(conn, exchange.WithLogger(logger))
		stateChange.ConnectSuccess(retries, lastDisconnectedAt)
		retries = 0
		firstFailureOfCycle = true

		c.state = StateServing
		serveErr := c.Serve(ctx, ex)
		ex.Close()
		logger.Info("serve loop returned, reconnecting", zap.Error(serveErr))

		c.state = StateBackoff
		stateChange.ConnectFail(retries, lastDisconnectedAt)
		if backoffErr := c.backoff(ctx, attemptStart); backoffErr != nil {
			return backoffErr
		}
		retries++
		if firstFailureOfCycle {
			lastDisconnectedAt = time.Now()
			firstFailureOfCycle = false
		}
	}
}

// backoff sleeps the remainder of MinReattemptWait measured from
// attemptStart, so a slow dial/serve cycle doesn't additionally delay
// the next attempt, and a fast failure doesn't hammer the peer.
func (c *Controller) backoff(ctx context.Context, attemptStart time.Time) error {
	wait := c.MinReattemptWait - time.Since(attemptStart)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
