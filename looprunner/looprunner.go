// Package looprunner drives one connection's exchange to completion,
// branching received frames to the heartbeat responder or the event
// dispatcher.
package looprunner

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"restpipe/exchange"
	"restpipe/message"
	"restpipe/protocol"
	"restpipe/stats"
)

// EventHandler processes one inbound EVENT frame and sends its reply
// (via ex.Send) itself — the loop only hands the frame off.
type EventHandler func(ctx context.Context, ex *exchange.Exchange, correlationID uint32, evt message.Event)

// Handlers bundles the two branches the loop can take on a non-reply
// frame.
type Handlers struct {
	// OnHeartbeat is called synchronously after the loop has sent the
	// HEARTBEAT_REPLY itself. The loop records no liveness of its own;
	// a caller that tracks liveness does it here. May be nil.
	OnHeartbeat func()
	// OnEvent is dispatched in its own goroutine per message so one
	// slow handler never blocks the loop from reading the next frame.
	OnEvent EventHandler
}

// ErrUnknownMessageType is returned by Run when it exits because of an
// unrecognized, non-reply message type and exitOnUnknown was set.
var ErrUnknownMessageType = errors.New("looprunner: unknown message type")

// Run reads frames from ex until the exchange closes, ctx is cancelled,
// or (with exitOnUnknown set) an unrecognized message type arrives. It
// always closes ex before returning.
//
// readTimeout, when positive, bounds each individual read: Recv is given
// a context that expires after readTimeout, and a deadline expiring with
// nothing to read is just a poll tick, not an error — the loop goes
// straight back to waiting. This lets the loop notice a cancelled ctx
// promptly even while blocked in Recv. readTimeout <= 0 disables the
// cadence and blocks on ctx alone.
func Run(ctx context.Context, ex *exchange.Exchange, h Handlers, exitOnUnknown bool, readTimeout time.Duration, sink stats.Sink, logger *zap.Logger) error {
	if sink == nil {
		sink = stats.Noop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defer ex.Close()

	for {
		var (
			header protocol.Header
			payload []byte
			err     error
		)
		if readTimeout > 0 {
			readCtx, cancel := context.WithTimeout(ctx, readTimeout)
			header, payload, err = ex.Recv(readCtx)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				continue
			}
		} else {
			header, payload, err = ex.Recv(ctx)
		}
		if err != nil {
			if errors.Is(err, exchange.ErrClosed) {
				return nil
			}
			return err
		}

		switch header.Type {
		case protocol.MsgHeartbeat:
			var hb message.Heartbeat
			if err := hb.Unmarshal(payload); err != nil {
				logger.Warn("malformed heartbeat payload", zap.Error(err))
				return protocol.ErrMalformed
			}
			reply := message.HeartbeatReply{Version: message.Version}
			replyBytes, err := reply.Marshal()
			if err != nil {
				return err
			}
			if _, err := ex.Send(protocol.MsgHeartbeatReply, replyBytes, exchange.SendOptions{ReplyTo: header.CorrelationID}); err != nil {
				if errors.Is(err, exchange.ErrClosed) {
					return nil
				}
				return err
			}
			if h.OnHeartbeat != nil {
				h.OnHeartbeat()
			}

		case protocol.MsgEvent:
			var evt message.Event
			if err := evt.Unmarshal(payload); err != nil {
				logger.Warn("malformed event payload", zap.Error(err))
				return protocol.ErrMalformed
			}
			if h.OnEvent != nil {
				correlationID := header.CorrelationID
				go h.OnEvent(ctx, ex, correlationID, evt)
			}

		default:
			logger.Warn("unknown message type received", zap.Uint8("type", uint8(header.Type)))
			if exitOnUnknown {
				return ErrUnknownMessageType
			}
		}
	}
}
