// Package rplog builds the single *zap.Logger each process constructs
// once and threads through every component via constructor parameters —
// no package-level global logger anywhere in this module.
package rplog

import "go.uber.org/zap"

// New builds a production-profile zap logger, or a development one
// (colorized, caller-annotated, debug level) when debug is true.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// WithPeer returns a child logger annotated with the remote peer's
// address, so every log line from a connection's goroutines can be
// correlated without threading the address through every call site.
func WithPeer(logger *zap.Logger, peer string) *zap.Logger {
	return logger.With(zap.String("peer", peer))
}
