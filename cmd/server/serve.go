package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"provisioner/internal/platform/httpserver"
	"provisioner/internal/platform/metrics"
	"provisioner/internal/platform/middleware"
	"provisioner/internal/provisioning/handler"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(g *globals) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the provisioning HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				g.cfg.Server.Addr = addr
			}
			return runServe(cmd.Context(), g)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}

func runServe(parent context.Context, g *globals) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log := g.logger

	var h *handler.Handler
	if len(g.missing) > 0 {
		// Keep serving so every provisioning request reports the missing keys
		// instead of the process crash-looping.
		log.ErrorContext(ctx, "configuration incomplete; provisioning disabled", "missing", g.missing)
		h = handler.New(nil, log, handler.WithMissingConfig(g.missing))
	} else {
		a, err := buildApp(ctx, g.cfg, log, prometheus.DefaultRegisterer)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		opts := []handler.Option{
			handler.WithReadinessCheck("postgres", a.db.PingContext),
		}
		if a.redis != nil {
			opts = append(opts, handler.WithReadinessCheck("redis", a.redis.Health))
		}
		h = handler.New(a.orchestrator, log, opts...)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(log))
	r.Use(middleware.Metrics(metrics.New(prometheus.DefaultRegisterer)))
	h.RegisterHealth(r)
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireServiceToken(g.cfg.Server.AuthJWTSecret, log))
		h.Register(r)
	})

	srv := httpserver.New(g.cfg.Server.Addr, r, g.cfg.Pipeline.Timeout)

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		log.InfoContext(gctx, "starting provisioner", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		log.InfoContext(gctx, "shutting down provisioner")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return grp.Wait()
}
