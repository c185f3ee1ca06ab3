package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iudanet/posync/internal/config"
	"github.com/iudanet/posync/internal/logging"
	"github.com/iudanet/posync/internal/server"
	"github.com/iudanet/posync/internal/server/handlers"
	"github.com/iudanet/posync/internal/server/storage/sqlite"
)

var errNoSecret = errors.New("POSYNC_JWT_SECRET is not set")

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "posync-server",
		Short:         "posync-server - data service for posync clients",
		Version:       fmt.Sprintf("%s (built %s, commit %s)", Version, BuildDate, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to posync.yaml (default: $POSYNC_CONFIG or ./posync.yaml)")

	root.AddCommand(newServeCmd(), newTokenCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func jwtConfig(cfg *config.Config) (handlers.JWTConfig, error) {
	if cfg.Server.JWTSecret == "" {
		return handlers.JWTConfig{}, errNoSecret
	}
	return handlers.JWTConfig{
		Secret:   []byte(cfg.Server.JWTSecret),
		TokenTTL: cfg.Server.TokenTTL.D(),
	}, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP data service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			jwt, err := jwtConfig(cfg)
			if err != nil {
				return err
			}

			logger, closer := logging.New(cfg.Log, os.Stderr)
			defer closer.Close()

			store, err := sqlite.New(ctx, cfg.Server.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", cfg.Server.DBPath, err)
			}
			defer func() {
				if err := store.Close(); err != nil {
					logger.Error("Failed to close database", "error", err)
				}
			}()

			if cfg.Server.DevTokens {
				logger.Warn("Development token endpoint is enabled", "path", "/auth/v1/token")
			}

			srv := server.New(server.Config{
				Addr:            cfg.Server.Listen,
				Version:         Version,
				JWT:             jwt,
				ReadTimeout:     cfg.Server.ReadTimeout.D(),
				WriteTimeout:    cfg.Server.WriteTimeout.D(),
				ShutdownTimeout: cfg.Server.ShutdownTimeout.D(),
				DevTokens:       cfg.Server.DevTokens,
			}, store, logger)

			return srv.Run(ctx)
		},
	}
}

func newTokenCmd() *cobra.Command {
	var owner, subject string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			jwt, err := jwtConfig(cfg)
			if err != nil {
				return err
			}

			token, expiresIn, err := handlers.GenerateAccessToken(jwt, owner, subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner (team/store) id")
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, defaults to the owner")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}
