// Package heartbeat implements the liveness watchdog from both ends of a
// connection: the client-side originator loop and the server-side
// observer loop.
package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"restpipe/exchange"
	"restpipe/message"
	"restpipe/protocol"
	"restpipe/stats"
)

// RunClient sends a HEARTBEAT every interval (measured from the previous
// successful reply) and awaits the HEARTBEAT_REPLY within timeout. Any
// timeout or exchange error tears down the whole connection — reconnect
// is the caller's (reconnect.Controller's) job, not this loop's.
func RunClient(ctx context.Context, ex *exchange.Exchange, interval, timeout time.Duration, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if err := sendOneHeartbeat(ctx, ex, timeout); err != nil {
				logger.Warn("heartbeat failed, tearing down connection", zap.Error(err))
				ex.Close()
				return err
			}
			timer.Reset(interval)
		}
	}
}

func sendOneHeartbeat(ctx context.Context, ex *exchange.Exchange, timeout time.Duration) error {
	hb := message.Heartbeat{Version: message.Version}
	payload, err := hb.Marshal()
	if err != nil {
		return err
	}

	awaitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, _, err = ex.SendAndAwait(awaitCtx, protocol.MsgHeartbeat, payload)
	return err
}

// LastSeen is the concurrency-safe box RunServerWatch polls and the
// message loop updates on every received HEARTBEAT.
type LastSeen struct {
	mu sync.RWMutex
	at time.Time
}

// Touch records now as the most recent heartbeat time.
func (l *LastSeen) Touch(now time.Time) {
	l.mu.Lock()
	l.at = now
	l.mu.Unlock()
}

// At returns the most recently recorded time, or the zero Time if no
// heartbeat has ever been recorded.
func (l *LastSeen) At() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.at
}

// ErrMissed is the reason RunServerWatch gives onMiss and returns when it
// force-closes a connection for silence.
var ErrMissed = errors.New("heartbeat: missed within watch interval")

// RunServerWatch wakes every 2*interval and force-closes the connection
// (via onMiss) if last.At() is unset or older than that threshold. It
// returns when ctx is cancelled or once it has fired onMiss.
func RunServerWatch(ctx context.Context, last *LastSeen, interval time.Duration, onMiss func(), sink stats.Sink, logger *zap.Logger) error {
	if sink == nil {
		sink = stats.Noop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	threshold := 2 * interval
	ticker := time.NewTicker(threshold)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			seenAt := last.At()
			if seenAt.IsZero() || now.Sub(seenAt) > threshold {
				logger.Warn("heartbeat miss, force-closing connection")
				sink.Count(stats.HeartbeatMissTick, 1)
				if onMiss != nil {
					onMiss()
				}
				return ErrMissed
			}
		}
	}
}
