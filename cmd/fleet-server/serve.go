package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/wingetdash/fleet/internal/logging"
	"github.com/wingetdash/fleet/internal/server/bundle"
	"github.com/wingetdash/fleet/internal/server/httpapi"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	cfg, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	provider, err := bundle.NewProvider(ctx, cfg.Bundle)
	if err != nil {
		return err
	}
	bundles := bundle.NewService(provider, st, cfg.Bundle.Prefix, cfg.Bundle.RequiredFiles)

	api := httpapi.New(st, bundles, httpapi.Options{
		APIKey:         cfg.APIKey,
		AdminAPIKey:    cfg.AdminAPIKey,
		Blacklist:      cfg.BlacklistKeywords,
		MaxUploadBytes: int64(cfg.Bundle.MaxUploadMB) << 20,
	})

	if cfg.PurgeAfterDays > 0 {
		go st.RunJanitor(ctx, cfg.PurgeInterval(), cfg.PurgeAfter())
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	ln = netutil.LimitListener(ln, cfg.MaxConnections)

	srv := &http.Server{
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info("fleet server listening",
		"addr", ln.Addr().String(),
		"version", version,
		"bundleProvider", provider.Name(),
		"maxConnections", cfg.MaxConnections)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", logging.KeyError, err)
		return srv.Close()
	}
	return nil
}
