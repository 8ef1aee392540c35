package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/tetratelabs/wazero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	exthost "github.com/reglet-dev/reglet-exthost"
	"github.com/reglet-dev/reglet-exthost/config"
	"github.com/reglet-dev/reglet-exthost/containment"
	"github.com/reglet-dev/reglet-exthost/sandbox"
	"github.com/reglet-dev/reglet-exthost/transport"
)

const (
	rpcPath             = "/rpc"
	httpShutdownTimeout = 5 * time.Second
)

func (a *app) serve(cmd *cobra.Command) error {
	guard := containment.New(
		containment.WithLogger(a.logger),
		containment.WithReportRate(rate.Limit(a.cfg.Errors.ReportRate), a.cfg.Errors.ReportBurst),
	)
	ctx, stop := guard.NotifyOnSignals(cmd.Context())
	defer stop()

	perms, closeStore, err := a.openPermissions(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			a.logger.Warn("failed to close permission store", "error", err)
		}
	}()

	sandboxOpts := []sandbox.Option{
		sandbox.WithEvalTimeout(a.cfg.Sandbox.EvalTimeout),
		sandbox.WithMaxModuleSize(a.cfg.Sandbox.MaxModuleSize),
	}
	if a.cfg.Sandbox.MemoryLimitPages > 0 {
		sandboxOpts = append(sandboxOpts, sandbox.WithMemoryLimitPages(a.cfg.Sandbox.MemoryLimitPages))
	}
	if dir := a.cfg.Sandbox.CacheDir; dir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(dir)
		if err != nil {
			return fmt.Errorf("failed to open compilation cache: %w", err)
		}
		defer func() { _ = cache.Close(context.WithoutCancel(ctx)) }()
		sandboxOpts = append(sandboxOpts, sandbox.WithCompilationCache(cache))
	}

	h, err := exthost.New(
		exthost.WithLogger(a.logger),
		exthost.WithGuard(guard),
		exthost.WithPermissions(perms),
		exthost.WithSandboxOptions(sandboxOpts...),
		exthost.WithTransportOptions(transport.WithDefaultTimeout(a.cfg.Transport.RequestTimeout)),
	)
	if err != nil {
		return err
	}

	if addr := a.cfg.Transport.Listen; addr != "" {
		return serveWebSocket(ctx, h, addr, a.logger)
	}

	var stream transport.Stream
	if a.cfg.Transport.Framing == config.FramingHeader {
		stream = transport.NewHeaderStream(cmd.InOrStdin(), cmd.OutOrStdout())
	} else {
		stream = transport.NewLineStream(cmd.InOrStdin(), cmd.OutOrStdout())
	}
	return h.Serve(ctx, stream)
}

// serveWebSocket accepts a single client session on addr. Further clients
// are refused while it runs; the server stops once it ends.
func serveWebSocket(ctx context.Context, h *exthost.Host, addr string, logger *slog.Logger) error {
	var claimed atomic.Bool
	sessionDone := make(chan error, 1)
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(rpcPath, func(w http.ResponseWriter, r *http.Request) {
		if !claimed.CompareAndSwap(false, true) {
			http.Error(w, "a client session is already in progress", http.StatusConflict)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			claimed.Store(false)
			logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		logger.Info("client connected", "remote", r.RemoteAddr)
		sessionDone <- h.Serve(ctx, transport.NewWebSocketStream(conn))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening for websocket client", "addr", addr, "path", rpcPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		var sessionErr error
		select {
		case sessionErr = <-sessionDone:
		case <-gctx.Done():
			if claimed.Load() {
				select {
				case sessionErr = <-sessionDone:
				case <-time.After(exthost.DefaultShutdownTimeout):
					sessionErr = errors.New("client session did not stop in time")
				}
			}
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
		defer cancel()
		return errors.Join(sessionErr, srv.Shutdown(shutdownCtx))
	})
	return g.Wait()
}
