package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-chat-relay/internal/config"
	httpapi "github.com/tbourn/go-chat-relay/internal/http"
	"github.com/tbourn/go-chat-relay/internal/observability"
	"github.com/tbourn/go-chat-relay/internal/services"
)

const shutdownGrace = 10 * time.Second

func newServeCmd() *cobra.Command {
	var pruneEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg, pruneEvery)
		},
	}
	cmd.Flags().DurationVar(&pruneEvery, "prune-every", time.Hour, "interval between ledger pruning passes (0 disables)")
	return cmd
}

func newServer(cfg config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
}

// serve runs the gateway until ctx is done, then drains in-flight requests,
// cancels outstanding submissions and flushes traces.
func serve(ctx context.Context, cfg config.Config, pruneEvery time.Duration) error {
	shutdownTracing, err := observability.SetupTracing(ctx, cfg, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	svc, cleanup, err := buildService(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, svc, cfg)
	srv := newServer(cfg, r)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("addr", srv.Addr).
			Str("backend", cfg.Backend.BaseURL).
			Str("default_mode", cfg.Delivery.DefaultMode).
			Str("version", version).
			Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		svc.Close()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if pruneEvery > 0 {
		g.Go(func() error {
			pruneLoop(gctx, svc, pruneEvery)
			return nil
		})
	}
	return g.Wait()
}

// pruneLoop removes expired ledger rows every interval until ctx is done.
func pruneLoop(ctx context.Context, svc *services.ConversationService, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := svc.PruneLedger(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("ledger prune failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("rows", n).Msg("ledger pruned")
			}
		}
	}
}
