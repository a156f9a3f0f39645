// Package dispatch maps an inbound EVENT to a user-registered handler,
// invokes it, and turns the result (or panic) into an EventReply.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"restpipe/message"
	"restpipe/stats"
)

// Request is what a handler receives: the decoded body (a JSON-decoded
// value when Mimetype is application/json and the payload is non-empty,
// raw bytes otherwise) plus the positional args parsed from the noun.
type Request struct {
	Mimetype string
	Body     any
	Args     []string
}

// Response is what a handler returns. Code defaults to 0 (success);
// Mimetype defaults to application/json.
type Response struct {
	Mimetype string
	Code     int32
	Body     any
}

// HandlerFunc is a registered event handler.
type HandlerFunc func(ctx context.Context, req Request) Response

// Table is an explicit verb/noun -> handler registry, populated at
// construction time. This replaces attribute-style reflection lookup
// with a lookup that's enumerable and testable.
type Table struct {
	handlers map[string]HandlerFunc
}

// NewTable returns an empty handler table.
func NewTable() *Table {
	return &Table{handlers: make(map[string]HandlerFunc)}
}

// Handle registers fn under the key "<verb_lower>_<name>", e.g.
// Handle("GET", "cat", fn) registers "get_cat".
func (t *Table) Handle(verb, name string, fn HandlerFunc) {
	t.handlers[handlerKey(verb, name)] = fn
}

func handlerKey(verb, name string) string {
	return strings.ToLower(verb) + "_" + name
}

// Dispatcher invokes registered handlers and produces replies, applying
// the reserved unhandled-event / unhandled-exception codes.
type Dispatcher struct {
	Table                *Table
	UnhandledEventCode     int32
	UnhandledExceptionCode int32
	Sink                   stats.Sink
	Logger                 *zap.Logger
}

// Dispatch parses evt's noun into a handler key and positional args,
// invokes the matched handler (recovering any panic), and returns the
// EventReply to send back.
func (d *Dispatcher) Dispatch(ctx context.Context, evt message.Event) message.EventReply {
	sink := d.Sink
	if sink == nil {
		sink = stats.Noop()
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	name, args := parseNoun(evt.Noun)
	key := handlerKey(evt.Verb, name)

	handler, ok := d.Table.handlers[key]
	if !ok {
		logger.Debug("no handler for event", zap.String("key", key))
		return message.EventReply{
			Version:  message.Version,
			Code:     d.UnhandledEventCode,
			Mimetype: "application/json",
		}
	}

	req := Request{Mimetype: evt.Mimetype, Args: args, Body: decodeBody(evt)}

	start := time.Now()
	reply := d.invoke(ctx, handler, key, req, logger)
	sink.Count(stats.EventHandlerTickName(key), 1)
	sink.Timing(stats.EventHandlerTimingName(key), time.Since(start))

	return message.EventReply{
		Version:  message.Version,
		Code:     reply.Code,
		Mimetype: reply.Mimetype,
		Data:     reply.Data,
	}
}

// invoke runs handler and recovers any panic, turning it into an
// UnhandledExceptionCode reply with a JSON {"exception": {...}} body —
// the Go analogue of surfacing a caught traceback to the caller.
func (d *Dispatcher) invoke(ctx context.Context, handler HandlerFunc, key string, req Request, logger *zap.Logger) (reply message.EventReply) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked", zap.String("key", key), zap.Any("recovered", r))
			body, _ := json.Marshal(map[string]any{
				"exception": map[string]string{
					"message":   fmt.Sprint(r),
					"traceback": string(debug.Stack()),
					"class":     fmt.Sprintf("%T", r),
				},
			})
			reply = message.EventReply{
				Version:  message.Version,
				Code:     d.UnhandledExceptionCode,
				Mimetype: "application/json",
				Data:     body,
			}
		}
	}()

	resp := handler(ctx, req)
	return encodeResponse(resp)
}

// encodeResponse normalizes a handler's Response into wire bytes,
// defaulting Mimetype to application/json and Code to 0 on the zero
// value. A non-string/non-bytes Body with mimetype application/json is
// JSON-encoded; any other mimetype with a structured Body is a handler
// programming error and panics. encodeResponse runs inside invoke, so
// that panic is recovered there like a handler panic and becomes an
// UnhandledExceptionCode reply.
func encodeResponse(resp Response) message.EventReply {
	mimetype := resp.Mimetype
	if mimetype == "" {
		mimetype = "application/json"
	}

	var data []byte
	switch body := resp.Body.(type) {
	case nil:
		data = nil
	case []byte:
		data = body
	case string:
		data = []byte(body)
	default:
		if mimetype != "application/json" {
			panic(fmt.Sprintf("dispatch: non-string response body requires application/json, got %q", mimetype))
		}
		encoded, err := json.Marshal(body)
		if err != nil {
			panic(fmt.Sprintf("dispatch: encoding response body: %v", err))
		}
		data = encoded
	}

	return message.EventReply{Mimetype: mimetype, Code: resp.Code, Data: data}
}

// decodeBody JSON-decodes evt.Data into a generic value when the
// mimetype says so and the payload is non-empty; otherwise the raw
// bytes are passed through unchanged.
func decodeBody(evt message.Event) any {
	if evt.Mimetype == "application/json" && len(evt.Data) > 0 {
		var v any
		if err := json.Unmarshal(evt.Data, &v); err == nil {
			return v
		}
	}
	return evt.Data
}

// parseNoun splits a noun on "//": the left side, with "/" replaced by
// "_", is the handler name; the right side (if any) is split on "/"
// into positional args. "cat//3/4" -> ("cat", ["3","4"]).
func parseNoun(noun string) (name string, args []string) {
	left, right, hasArgs := strings.Cut(noun, "//")
	name = strings.ReplaceAll(left, "/", "_")
	if !hasArgs || right == "" {
		return name, nil
	}
	return name, strings.Split(right, "/")
}
