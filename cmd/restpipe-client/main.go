// Command restpipe-client maintains a reconnecting mutually-authenticated
// TLS pipe to a restpipe server and exposes it to local HTTP callers via
// httpgw.ClientGateway, rebuilt against whichever exchange is currently
// live.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"restpipe/client"
	"restpipe/dispatch"
	"restpipe/httpgw"
	"restpipe/reconnect"
	"restpipe/rpconfig"
	"restpipe/rplog"
	"restpipe/stats"
	"restpipe/transport"
)

var debug bool

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "restpipe-client: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "restpipe-client",
		Short:         "run the restpipe client",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "use a development logger")
	return cmd
}

func run(ctx context.Context) error {
	cfg, err := rpconfig.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := rplog.New(debug)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	var sink stats.Sink = stats.Noop()
	if cfg.StatsDAddr != "" {
		sink, err = stats.NewStatsDSink(cfg.StatsDAddr)
		if err != nil {
			return fmt.Errorf("dialing statsd: %w", err)
		}
	}

	key, crt, ca := cfg.ClientCertFiles()
	material := transport.Material{KeyPath: key, CrtPath: crt, CAPath: ca}

	// A client can also serve events the server pushes to it; with no
	// registered routes every such event just gets UnhandledEventCode.
	d := &dispatch.Dispatcher{
		Table:                  dispatch.NewTable(),
		UnhandledEventCode:     cfg.UnhandledEventCode,
		UnhandledExceptionCode: cfg.UnhandledExceptionCode,
		Sink:                   sink,
		Logger:                 logger,
	}

	stateLogger := &loggingStateChange{logger: logger}
	cl := client.New(client.Config{
		Addr:                   cfg.ClientTargetAddr(),
		Material:               material,
		HeartbeatInterval:      cfg.HeartbeatInterval,
		HeartbeatTimeout:       cfg.HeartbeatTimeout,
		MinReattemptWait:       cfg.MinimalReattemptWait,
		MessageLoopReadTimeout: cfg.MessageLoopReadTimeout,
		Dispatcher:             d,
		StateChange:            stateLogger,
		Sink:                   sink,
		Logger:                 logger,
	})

	httpSrv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.ClientTargetPort+1),
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ex, err := cl.Exchange()
			if err != nil {
				http.Error(w, "not connected to server", http.StatusServiceUnavailable)
				return
			}
			(&httpgw.ClientGateway{
				Exchange: ex,
				Timeout:  cfg.HeartbeatTimeout,
				Logger:   logger,
			}).ServeHTTP(w, r)
		}),
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("connecting", zap.String("addr", cfg.ClientTargetAddr()))
		errCh <- cl.Run(ctx)
	}()
	go func() {
		logger.Info("local http gateway starting", zap.String("addr", httpSrv.Addr))
		err := httpSrv.ListenAndServe()
		if err == http.ErrServerClosed {
			err = nil
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loggingStateChange turns reconnect transitions into log lines; a real
// deployment might also feed these into sink as gauges.
type loggingStateChange struct {
	logger *zap.Logger
}

func (l *loggingStateChange) ConnectSuccess(retries int, lastDisconnectedAt time.Time) {
	l.logger.Info("connected", zap.Int("retries", retries))
}

func (l *loggingStateChange) ConnectFail(retries int, lastDisconnectedAt time.Time) {
	l.logger.Warn("connect/serve failed", zap.Int("retries", retries))
}

var _ reconnect.StateChange = (*loggingStateChange)(nil)
