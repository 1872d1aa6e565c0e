package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"mcranalyzer/internal/api"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stored measurements over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			return serve(cmd.Context(), a, ln)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default MCR_HTTP_ADDR)")
	return cmd
}

// serve runs the API on ln until ctx is done, then drains in-flight
// requests for at most the configured shutdown timeout.
func serve(ctx context.Context, a *app, ln net.Listener) error {
	store, err := a.openStore()
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer store.Close()
	archive, err := a.openArchive(ctx)
	if err != nil {
		_ = ln.Close()
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	h := api.NewHandler(store, archive, reg, a.log)
	h.ImageURLExpiry = a.cfg.Server.ImageURLExpiry
	server := &http.Server{
		Handler:      h.Router(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	log := a.log.WithComponent("api")
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("listening")
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutdown signal received")
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
