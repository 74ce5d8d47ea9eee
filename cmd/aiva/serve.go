package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/aiva/internal/config"
	transporthttp "github.com/xiaot623/aiva/internal/transport/http"
	"github.com/xiaot623/aiva/internal/transport/rpc"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var logFormat string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP, WebSocket and JSON-RPC channels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			cfg.Log.Format = logFormat
			log, err := opts.logger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVar(&logFormat, "log-format", "json", "log encoding: json or console")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	httpServer := transporthttp.NewServer(a.service, a.hub, a.metrics, cfg.Server, log.Named("http"))
	var rpcServer *rpc.Server
	if cfg.Server.RPCAddr != "" {
		if rpcServer, err = rpc.NewServer(a.service, cfg.Server.AdminToken, log.Named("rpc")); err != nil {
			return err
		}
	}

	log.Info("starting aiva",
		zap.String("http_addr", cfg.Server.HTTPAddr),
		zap.String("rpc_addr", cfg.Server.RPCAddr),
		zap.String("storage", cfg.Storage.Driver),
		zap.Strings("backends", a.backends.Names()),
		zap.String("backend", a.backends.CurrentName()))
	if cfg.Server.AdminToken == "" {
		log.Warn("no admin token configured; grant and backend admin endpoints are disabled")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.service.RunJanitor(ctx)
		return nil
	})
	g.Go(func() error {
		if err := httpServer.Start(cfg.Server.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if rpcServer != nil {
		g.Go(func() error {
			return rpcServer.Start(cfg.Server.RPCAddr)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down aiva")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("failed to shutdown http server gracefully", zap.Error(err))
		}
		if rpcServer != nil {
			if err := rpcServer.Shutdown(shutdownCtx); err != nil {
				log.Warn("failed to shutdown rpc server gracefully", zap.Error(err))
			}
		}
		return nil
	})

	err = g.Wait()
	log.Info("aiva stopped")
	return err
}
