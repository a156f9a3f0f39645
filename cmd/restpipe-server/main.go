// Command restpipe-server listens for mutually-authenticated TLS clients,
// registers each in the connection catalog, and dispatches inbound
// events against a small demo handler table while exposing the catalog
// to HTTP callers through httpgw.ServerGateway.
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
	"golang.org/x/time/rate"

	"restpipe/catalog"
	"restpipe/dispatch"
	"restpipe/httpgw"
	"restpipe/middleware"
	"restpipe/resolver"
	"restpipe/rpconfig"
	"restpipe/rplog"
	"restpipe/server"
	"restpipe/stats"
	"restpipe/transport"
)

var debug bool

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "restpipe-server: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "restpipe-server",
		Short:         "run the restpipe server",
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

	var mirror catalog.Mirror
	if len(cfg.EtcdEndpoints) > 0 {
		m, err := catalog.NewEtcdMirror(cfg.EtcdEndpoints)
		if err != nil {
			return fmt.Errorf("connecting to etcd: %w", err)
		}
		defer m.Close()
		mirror = m
	}
	cat := catalog.New(mirror, sink)

	table := dispatch.NewTable()
	registerDemoHandlers(table, logger, cfg)
	d := &dispatch.Dispatcher{
		Table:                  table,
		UnhandledEventCode:     cfg.UnhandledEventCode,
		UnhandledExceptionCode: cfg.UnhandledExceptionCode,
		Sink:                   sink,
		Logger:                 logger,
	}

	key, crt, ca := cfg.ServerCertFiles()
	material := transport.Material{KeyPath: key, CrtPath: crt, CAPath: ca}

	srv := server.NewServer(cat, d, cfg.HeartbeatInterval, cfg.MessageLoopReadTimeout, false, sink, logger)

	gw := &httpgw.ServerGateway{
		Catalog:     cat,
		Resolver:    resolver.StaticMap{},
		WaitTimeout: cfg.DefaultConnectionWaitTimeout,
		SendTimeout: cfg.HeartbeatTimeout,
		Logger:      logger,
	}
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ServerBindPort+1),
		Handler: gw,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("restpipe accept loop starting", zap.String("addr", cfg.ServerBindAddr()))
		errCh <- srv.Serve(ctx, cfg.ServerBindAddr(), material)
	}()
	go func() {
		logger.Info("http gateway starting", zap.String("addr", httpSrv.Addr))
		err := httpSrv.ListenAndServe()
		if err == http.ErrServerClosed {
			err = nil
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
		return srv.Shutdown(10 * time.Second)
	case err := <-errCh:
		return err
	}
}

// registerDemoHandlers wires a couple of always-available routes so the
// binary does something observable out of the box.
func registerDemoHandlers(table *dispatch.Table, logger *zap.Logger, cfg rpconfig.Config) {
	chain := middleware.Chain(
		middleware.LoggingMiddleware(logger),
		middleware.TimeoutMiddleware(cfg.HeartbeatTimeout, cfg.UnhandledExceptionCode),
		middleware.RateLimitMiddleware(rate.Limit(50), 100, cfg.UnhandledExceptionCode),
	)

	table.Handle("GET", "health", chain(func(ctx context.Context, req dispatch.Request) dispatch.Response {
		return dispatch.Response{Code: 0, Body: map[string]string{"status": "ok"}}
	}))
}
