package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iudanet/posync/internal/cacheproxy"
	"github.com/iudanet/posync/internal/config"
	"github.com/iudanet/posync/internal/logging"
)

const shutdownTimeout = 10 * time.Second

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "posync-proxy",
		Short:         "posync-proxy - offline cache for the POS web app",
		Version:       fmt.Sprintf("%s (built %s, commit %s)", Version, BuildDate, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to posync.yaml (default: $POSYNC_CONFIG or ./posync.yaml)")

	root.AddCommand(newServeCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the caching proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, closer := logging.New(cfg.Log, os.Stderr)
			defer closer.Close()

			ln, err := net.Listen("tcp", cfg.Proxy.Listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.Proxy.Listen, err)
			}
			return serve(ctx, cfg.Proxy, ln, logger)
		},
	}
}

// serve открывает кэш, устанавливает стартовую версию и обслуживает ln до
// отмены ctx.
func serve(ctx context.Context, cfg config.ProxyConfig, ln net.Listener, logger *slog.Logger) error {
	origin, err := url.Parse(cfg.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		_ = ln.Close()
		return fmt.Errorf("invalid proxy origin %q", cfg.Origin)
	}

	store, err := cacheproxy.OpenStore(cfg.CachePath)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close cache store", "error", err)
		}
	}()

	proxy := cacheproxy.New(cacheproxy.Config{
		Origin:         origin,
		Prefix:         cfg.Prefix,
		Version:        cfg.Version,
		APIPrefixes:    cfg.APIPrefixes,
		SyncTags:       cfg.SyncTags,
		NetworkTimeout: cfg.NetworkTimeout.D(),
		SkipWaiting:    cfg.SkipWaiting,
	}, store, logger)
	defer proxy.Wait()

	// без сети старт продолжается на старом кэше
	if len(cfg.Precache) > 0 {
		if err := proxy.Install(ctx, cfg.Version, cfg.Precache); err != nil {
			logger.Warn("Precache failed", "version", cfg.Version, "error", err)
		}
	} else if _, err := proxy.PurgeStale(); err != nil {
		logger.Warn("Failed to purge stale cache", "version", cfg.Version, "error", err)
	}

	srv := &http.Server{
		Handler:           proxy.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Cache proxy listening", "addr", ln.Addr().String(), "origin", origin.String(), "version", proxy.ActiveVersion())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Manifest != "" {
		g.Go(func() error {
			if m, err := cacheproxy.LoadManifest(cfg.Manifest); err == nil {
				if err := proxy.ApplyManifest(gctx, m); err != nil {
					logger.Warn("Failed to install manifest version", "version", m.Version, "error", err)
				}
			}
			if err := proxy.WatchManifest(gctx, cfg.Manifest); err != nil {
				logger.Error("Manifest watcher stopped", "path", cfg.Manifest, "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down cache proxy")

		// websocket соединения сервер не закрывает сам
		proxy.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
