package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/walteh/cloudstack-vmware-agent/pkg/logging"
	"github.com/walteh/cloudstack-vmware-agent/pkg/mcp"
	"github.com/walteh/cloudstack-vmware-agent/pkg/transport"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve commands over NATS, MCP and expose metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), flags)
		},
	}
}

func serve(ctx context.Context, flags *rootFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	ctx, closeLog, err := logging.New(ctx, logging.Options{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File:    cfg.Log.File,
		Dir:     cfg.Log.Dir,
		Fields:  map[string]string{"version": version},
	})
	if err != nil {
		return errors.Errorf("setting up logging: %w", err)
	}
	defer closeLog()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := newAgent(cfg, reg)
	if err != nil {
		return err
	}
	defer a.pool.Close(context.WithoutCancel(ctx))

	g, gctx := errgroup.WithContext(ctx)
	servers := 0

	if cfg.NATS.URL != "" {
		srv := transport.NewServer(a.dispatcher, transport.Options{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Queue:   cfg.NATS.Queue,
		})
		g.Go(func() error { return srv.Serve(gctx) })
		servers++
	}

	if cfg.MCP.Addr != "" || cfg.MCP.Stdio {
		m, err := mcp.NewServer(ctx, a.dispatcher, version)
		if err != nil {
			return errors.Errorf("creating mcp server: %w", err)
		}
		if cfg.MCP.Stdio {
			g.Go(func() error { return m.ServeStdio(gctx) })
		} else {
			g.Go(func() error { return m.ServeSSE(gctx, cfg.MCP.Addr) })
		}
		servers++
	}

	if servers == 0 {
		return errors.New("nothing to serve: configure nats.url, mcp.addr or mcp.stdio")
	}

	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Addr, reg) })
	}

	zerolog.Ctx(ctx).Info().
		Str("endpoint", cfg.Endpoint.Address).
		Int("kinds", len(a.dispatcher.Kinds())).
		Msg("hostagent started")

	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("shutting down metrics server")
		}
	}()

	zerolog.Ctx(ctx).Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Errorf("serving metrics: %w", err)
	}
	return nil
}
