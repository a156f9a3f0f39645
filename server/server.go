// Package server implements the restpipe server: an mTLS accept loop that
// registers each connection in a catalog, drives its message loop, and
// watches its heartbeat for silence.
//
// Per-connection lifecycle:
//
//	Accept → catalog.Register → go heartbeat.RunServerWatch
//	  → looprunner.Run (OnHeartbeat touches LastSeen, OnEvent → dispatch.Dispatch)
//	  → catalog.Deregister on any exit
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"restpipe/catalog"
	"restpipe/dispatch"
	"restpipe/exchange"
	"restpipe/heartbeat"
	"restpipe/looprunner"
	"restpipe/message"
	"restpipe/protocol"
	"restpipe/rplog"
	"restpipe/stats"
	"restpipe/transport"
)

// Server accepts mutually-authenticated TLS connections and drives each
// one's message loop against a shared dispatch table.
type Server struct {
	Catalog                *catalog.Catalog
	Dispatcher             *dispatch.Dispatcher
	HeartbeatInterval      time.Duration // expected client cadence; watch threshold is 2x this
	MessageLoopReadTimeout time.Duration // poll cadence passed through to looprunner.Run
	ExitOnUnknown          bool
	Sink                   stats.Sink
	Logger                 *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup
	shutdown atomic.Bool
}

// NewServer builds a Server ready to Serve once a listener address and
// TLS material are supplied.
func NewServer(cat *catalog.Catalog, d *dispatch.Dispatcher, heartbeatInterval, messageLoopReadTimeout time.Duration, exitOnUnknown bool, sink stats.Sink, logger *zap.Logger) *Server {
	if sink == nil {
		sink = stats.Noop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		Catalog:                cat,
		Dispatcher:             d,
		HeartbeatInterval:      heartbeatInterval,
		MessageLoopReadTimeout: messageLoopReadTimeout,
		ExitOnUnknown:          exitOnUnknown,
		Sink:                   sink,
		Logger:                 logger,
	}
}

// Serve listens for mutually-authenticated TLS connections on addr and
// runs each one's lifecycle in its own goroutine. Cancelling ctx ends
// those per-connection lifecycles; the accept loop itself returns only
// when Shutdown closes the listener or Accept fails.
func (s *Server) Serve(ctx context.Context, addr string, material transport.Material) error {
	ln, err := transport.ListenMutualTLS(addr, material)
	if err != nil {
		return err
	}
	s.listener = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Shutdown stops accepting new connections and waits (up to timeout) for
// in-flight connection handlers to finish tearing down.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("server: timeout waiting for connections to finish")
	}
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := transport.Wrap(raw)
	ip := conn.RemoteIP().String()
	logger := rplog.WithPeer(s.Logger, ip)

	ex := exchange.New(conn, exchange.WithLogger(logger), exchange.WithStats(s.Sink))
	entry := &catalog.Entry{Conn: raw, Exchange: ex}

	if err := s.Catalog.Register(ctx, ip, entry); err != nil {
		logger.Warn("duplicate connection for this peer, closing new one", zap.Error(err))
		ex.Close()
		return
	}
	defer func() {
		if err := s.Catalog.Deregister(context.Background(), ip); err != nil {
			logger.Debug("deregistering connection", zap.Error(err))
		}
	}()

	last := &heartbeat.LastSeen{}
	last.Touch(time.Now())

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		err := heartbeat.RunServerWatch(watchCtx, last, s.HeartbeatInterval, func() {
			logger.Warn("heartbeat missed, force-closing connection")
			ex.Close()
		}, s.Sink, logger)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("heartbeat watch ended", zap.Error(err))
		}
	}()

	handlers := looprunner.Handlers{
		OnHeartbeat: func() { last.Touch(time.Now()) },
		OnEvent: func(ctx context.Context, ex *exchange.Exchange, correlationID uint32, evt message.Event) {
			reply := s.Dispatcher.Dispatch(ctx, evt)
			payload, err := reply.Marshal()
			if err != nil {
				logger.Error("encoding event reply", zap.Error(err))
				return
			}
			if _, err := ex.Send(protocol.MsgEventReply, payload, exchange.SendOptions{ReplyTo: correlationID}); err != nil {
				logger.Debug("sending event reply", zap.Error(err))
			}
		},
	}

	if err := looprunner.Run(ctx, ex, handlers, s.ExitOnUnknown, s.MessageLoopReadTimeout, s.Sink, logger); err != nil {
		logger.Debug("message loop ended", zap.Error(err))
	}
}
