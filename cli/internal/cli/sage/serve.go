package sage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kagent-dev/sage/internal/server"
)

// ServeConfig holds configuration for the serve command
type ServeConfig struct {
	JSONLogs bool
}

// NewServeCmd creates the serve command
func NewServeCmd(global *GlobalConfig) *cobra.Command {
	cfg := &ServeConfig{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the research HTTP API",
		Long: `Start the HTTP API. Sessions run in the background and can be followed
as server-sent events.

Endpoints:
  POST /api/v1/sessions              start a session
  GET  /api/v1/sessions              list sessions
  GET  /api/v1/sessions/{id}         session state and report
  POST /api/v1/sessions/{id}/cancel  cancel a running session
  GET  /api/v1/sessions/{id}/events  event stream
  GET  /api/v1/tools                 tool definitions
  POST /api/v1/tools/{name}/invoke   invoke a tool through the cache
  GET  /health, /metrics

Examples:
  sage serve
  sage serve --host 127.0.0.1 --port 9090 --json-logs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), global, cfg)
		},
	}

	cmd.Flags().String("host", "", "Host to bind to")
	cmd.Flags().Int("port", 0, "Port to listen on")
	cmd.Flags().BoolVar(&cfg.JSONLogs, "json-logs", false, "Log JSON to the console")
	_ = global.viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	_ = global.viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))

	return cmd
}

func runServe(ctx context.Context, global *GlobalConfig, cfg *ServeConfig) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rt, err := global.newRuntime(ctx, cfg.JSONLogs)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	a := rt.app
	srv := server.New(server.Options{
		Sessions: a.Sessions,
		Tools:    a.Dispatcher,
		Events:   a.Bus,
		Gatherer: a.Registry,
		Logger:   rt.log,
	}).HTTPServer(rt.cfg.Address())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	serverErr := make(chan error, 1)
	go func() {
		rt.log.Info("Starting HTTP server", "address", srv.Addr, "tools", a.Tools.List())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigChan:
		rt.log.Info("Received signal, shutting down", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rt.log.Error(err, "HTTP server shutdown error")
	}
	rt.log.Info("Server stopped")
	return nil
}
