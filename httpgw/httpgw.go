// Package httpgw adapts inbound HTTP requests into core EVENT frames
// and renders the correlated EVENT_REPLY back as an HTTP response, on
// both sides of the pipe.
package httpgw

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"restpipe/catalog"
	"restpipe/exchange"
	"restpipe/message"
	"restpipe/protocol"
	"restpipe/resolver"
)

// EventReturnCodeHeader carries the reply's code verbatim, including
// non-zero (handler-defined failure) and the reserved unhandled codes.
const EventReturnCodeHeader = "X-Event-Return-Code"

// ClientGateway forwards any HTTP method/path made against the local
// client process to the server over Exchange: the HTTP-to-core adapter
// on the client side of the pipe.
type ClientGateway struct {
	Exchange *exchange.Exchange
	Timeout  time.Duration
	Logger   *zap.Logger
}

func (g *ClientGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := g.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	evt := message.Event{
		Version:  message.Version,
		Verb:     strings.ToUpper(r.Method),
		Noun:     strings.TrimPrefix(r.URL.Path, "/"),
		Mimetype: r.Header.Get("Content-Type"),
		Data:     body,
	}
	payload, err := evt.Marshal()
	if err != nil {
		http.Error(w, "encoding event", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.Timeout)
	defer cancel()

	_, replyPayload, err := g.Exchange.SendAndAwait(ctx, protocol.MsgEvent, payload)
	if err != nil {
		logger.Warn("event send failed", zap.Error(err))
		http.Error(w, "no connection to server", http.StatusServiceUnavailable)
		return
	}

	writeReply(w, replyPayload, logger)
}

// ServerGateway forwards an HTTP request addressed to /<client-host>/<noun>
// to the named client: the HTTP-to-core adapter on the server side.
type ServerGateway struct {
	Catalog     *catalog.Catalog
	Resolver    resolver.HostnameResolver
	WaitTimeout time.Duration
	SendTimeout time.Duration
	Logger      *zap.Logger
}

func (g *ServerGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := g.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	host, noun, found := strings.Cut(path, "/")
	if !found {
		http.Error(w, "path must be /<client-host>/<noun>", http.StatusBadRequest)
		return
	}

	ip := net.ParseIP(host)
	if ip == nil {
		resolved, err := g.Resolver.Resolve(host)
		if err != nil {
			if errors.Is(err, resolver.ErrLookup) {
				http.Error(w, "unknown host", http.StatusNotFound)
			} else {
				http.Error(w, "resolver error", http.StatusInternalServerError)
			}
			return
		}
		ip = resolved
	}

	entry, err := g.Catalog.WaitFor(r.Context(), ip.String(), g.WaitTimeout)
	if err != nil {
		if errors.Is(err, catalog.ErrNoConnection) {
			http.Error(w, "no connection for host", http.StatusServiceUnavailable)
		} else {
			http.Error(w, "catalog error", http.StatusInternalServerError)
		}
		return
	}
	ex := entry.Exchange

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	evt := message.Event{
		Version:  message.Version,
		Verb:     strings.ToUpper(r.Method),
		Noun:     noun,
		Mimetype: r.Header.Get("Content-Type"),
		Data:     body,
	}
	payload, err := evt.Marshal()
	if err != nil {
		http.Error(w, "encoding event", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.SendTimeout)
	defer cancel()

	_, replyPayload, err := ex.SendAndAwait(ctx, protocol.MsgEvent, payload)
	if err != nil {
		logger.Warn("event send failed", zap.Error(err), zap.String("ip", ip.String()))
		http.Error(w, "connection failed mid-request", http.StatusServiceUnavailable)
		return
	}

	writeReply(w, replyPayload, logger)
}

func writeReply(w http.ResponseWriter, replyPayload []byte, logger *zap.Logger) {
	var reply message.EventReply
	if err := reply.Unmarshal(replyPayload); err != nil {
		logger.Error("malformed event reply", zap.Error(err))
		http.Error(w, "malformed reply from peer", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", reply.Mimetype)
	w.Header().Set(EventReturnCodeHeader, strconv.Itoa(int(reply.Code)))
	w.Write(reply.Data) //nolint:errcheck
}
