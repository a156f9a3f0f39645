// Package client wraps reconnect.Controller into the concrete restpipe
// client: each successful connection runs a heartbeat originator and a
// message loop side by side, and the most recently established exchange
// is kept available for an HTTP gateway to send outbound events through.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"restpipe/dispatch"
	"restpipe/exchange"
	"restpipe/heartbeat"
	"restpipe/looprunner"
	"restpipe/message"
	"restpipe/protocol"
	"restpipe/reconnect"
	"restpipe/stats"
	"restpipe/transport"
)

// ErrNotConnected is returned by Exchange while no connection is
// currently established (mid-backoff, or before the first connect).
var ErrNotConnected = errors.New("client: not connected")

// Config holds everything New needs to build a Client.
type Config struct {
	Addr                   string
	Material               transport.Material
	HeartbeatInterval      time.Duration
	HeartbeatTimeout       time.Duration
	MinReattemptWait       time.Duration
	MessageLoopReadTimeout time.Duration

	// Dispatcher handles events the server sends to this client. Nil
	// means the client only originates requests and never serves any.
	Dispatcher    *dispatch.Dispatcher
	ExitOnUnknown bool

	StateChange reconnect.StateChange
	Sink        stats.Sink
	Logger      *zap.Logger
}

// Client is the restpipe client process: it maintains exactly one live
// connection to a server at a time via reconnect.Controller, sending
// heartbeats to the server and (optionally) answering server-originated
// events.
type Client struct {
	cfg Config

	mu      sync.RWMutex
	current *exchange.Exchange

	controller *reconnect.Controller
}

// New builds a Client and its underlying reconnect.Controller.
func New(cfg Config) *Client {
	if cfg.Sink == nil {
		cfg.Sink = stats.Noop()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	c := &Client{cfg: cfg}
	c.controller = &reconnect.Controller{
		Addr:             cfg.Addr,
		Material:         cfg.Material,
		MinReattemptWait: cfg.MinReattemptWait,
		Serve:            c.serve,
		StateChange:      cfg.StateChange,
		Logger:           cfg.Logger,
	}
	return c
}

// Run drives the reconnect cycle until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	return c.controller.Run(ctx)
}

// Exchange returns the currently live exchange, or ErrNotConnected while
// the client is mid-backoff or has not yet connected for the first time.
func (c *Client) Exchange() (*exchange.Exchange, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return nil, ErrNotConnected
	}
	return c.current, nil
}

func (c *Client) setCurrent(ex *exchange.Exchange) {
	c.mu.Lock()
	c.current = ex
	c.mu.Unlock()
}

// serve is the reconnect.Serve callback: it publishes ex as the current
// exchange, then runs the heartbeat originator and the message loop
// concurrently, returning as soon as either one does.
func (c *Client) serve(ctx context.Context, ex *exchange.Exchange) error {
	c.setCurrent(ex)
	defer c.setCurrent(nil)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return heartbeat.RunClient(gctx, ex, c.cfg.HeartbeatInterval, c.cfg.HeartbeatTimeout, c.cfg.Logger)
	})

	g.Go(func() error {
		handlers := looprunner.Handlers{
			OnEvent: func(ctx context.Context, ex *exchange.Exchange, correlationID uint32, evt message.Event) {
				if c.cfg.Dispatcher == nil {
					return
				}
				reply := c.cfg.Dispatcher.Dispatch(ctx, evt)
				payload, err := reply.Marshal()
				if err != nil {
					c.cfg.Logger.Error("encoding event reply", zap.Error(err))
					return
				}
				if _, err := ex.Send(protocol.MsgEventReply, payload, exchange.SendOptions{ReplyTo: correlationID}); err != nil {
					c.cfg.Logger.Debug("sending event reply", zap.Error(err))
				}
			},
		}
		return looprunner.Run(gctx, ex, handlers, c.cfg.ExitOnUnknown, c.cfg.MessageLoopReadTimeout, c.cfg.Sink, c.cfg.Logger)
	})

	return g.Wait()
}
