package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/keboola/storage-backend/internal/config"
	"github.com/keboola/storage-backend/internal/core"
	"github.com/keboola/storage-backend/internal/obslog"
	"github.com/keboola/storage-backend/internal/pgwire"
	"github.com/keboola/storage-backend/internal/restapi"
)

var serveConfigPath string

// serveCmd runs the server process itself: it is the one storagectl
// subcommand that does not talk over the REST client, since there is
// nothing to talk to yet. It runs the REST and PG-wire listeners side by
// side against one internal/core.Core, with a
// SIGTERM/SIGINT-then-grace-window-then-force-close lifecycle.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the storage backend server (REST + S3 + PG-wire)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(serveConfigPath)
		if err != nil {
			return errConfig{err: err}
		}

		obslog.Init(obslog.Config{Level: obslog.Level(cfg.LogLevel), JSONOutput: true})
		log := obslog.WithComponent("storagectl")

		if cfg.TracingEnabled {
			shutdownTracing, err := obslog.InitTracing("storage-backend")
			if err != nil {
				return fmt.Errorf("starting tracing: %w", err)
			}
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracing(flushCtx)
			}()
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		c, err := core.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("starting core: %w", err)
		}
		defer c.Close()

		go c.RunJanitors(ctx)

		httpSrv := &http.Server{
			Addr:    cfg.RESTListenAddr,
			Handler: restapi.New(c),
		}

		pgSrv := pgwireServerFromAddr(cfg.PGWireListenAddr, c)

		errCh := make(chan error, 2)
		go func() {
			log.Info().Str("addr", cfg.RESTListenAddr).Msg("REST/S3 listener starting")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("REST listener: %w", err)
			}
		}()
		go func() {
			log.Info().Str("addr", cfg.PGWireListenAddr).Msg("PG-wire listener starting")
			if err := pgSrv.ListenAndServe(ctx); err != nil {
				errCh <- fmt.Errorf("PG-wire listener: %w", err)
			}
		}()

		select {
		case <-ctx.Done():
			log.Info().Msg("shutdown signal received")
		case err := <-errCh:
			log.Error().Err(err).Msg("listener failed")
			return err
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		_ = pgSrv.Shutdown(shutdownCtx)
		return nil
	},
}

func pgwireServerFromAddr(addr string, c *core.Core) *pgwire.Server {
	host, port := splitHostPort(addr)
	return pgwire.New(pgwire.Config{Host: host, Port: port}, c.Workspaces, c.Registry)
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 5432
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 5432
	}
	return host, port
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "path to a server config.yaml (optional; env vars and defaults otherwise apply)")
}
