package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iudanet/posync/internal/client/api"
	"github.com/iudanet/posync/internal/client/hydration"
	"github.com/iudanet/posync/internal/client/iocli"
	"github.com/iudanet/posync/internal/client/netmon"
	"github.com/iudanet/posync/internal/client/session"
	"github.com/iudanet/posync/internal/client/storage"
	"github.com/iudanet/posync/internal/client/storage/boltdb"
	clientsync "github.com/iudanet/posync/internal/client/sync"
	"github.com/iudanet/posync/internal/config"
	"github.com/iudanet/posync/internal/logging"
	"github.com/iudanet/posync/internal/models"
)

// errNoSession подсказывает, как создать сессию
var errNoSession = errors.New("no session on this device: run 'posync session set <token>' or 'posync session login'")

var configPath string

// newIO подменяется в тестах
var newIO = iocli.NewStdio

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "posync",
		Short:         "posync - offline-first POS data sync",
		Version:       fmt.Sprintf("%s (built %s, commit %s)", Version, BuildDate, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to posync.yaml (default: $POSYNC_CONFIG or ./posync.yaml)")

	root.AddCommand(
		newSessionCmd(),
		newHydrateCmd(),
		newSyncCmd(),
		newStatusCmd(),
		newRunCmd(),
		newClearCmd(),
		newRecordCmd(),
		newBackupCmd(),
		newFailedCmd(),
	)
	return root
}

// app общие зависимости команд
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	store     *boltdb.Storage
	io        iocli.IO
	schema    models.Schema
}

// withApp загружает конфигурацию, открывает хранилище и выполняет fn
// с контекстом, отменяемым по SIGINT/SIGTERM.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	logger, closer := logging.New(cfg.Log, os.Stderr)

	schema := models.DefaultSchema()
	store, err := boltdb.New(ctx, cfg.Store.Path, schema)
	if err != nil {
		_ = closer.Close()
		return fmt.Errorf("failed to open local store %s: %w", cfg.Store.Path, err)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		logCloser: closer,
		store:     store,
		io:        newIO(),
		schema:    schema,
	}
	defer a.close()

	return fn(ctx, a)
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close local store", "error", err)
	}
	_ = a.logCloser.Close()
}

// session возвращает сессию из POSYNC_TOKEN или сохраненную на устройстве
func (a *app) session(ctx context.Context) (*session.Session, error) {
	if a.cfg.Session.Token != "" {
		return session.FromToken(a.cfg.Session.Token, a.cfg.Session.DeviceID)
	}

	sess, err := a.store.GetSession(ctx)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return nil, errNoSession
	}
	return sess, err
}

func (a *app) remote(sess *session.Session) *api.Client {
	opts := []api.Option{api.WithTimeout(a.cfg.Remote.Timeout.D())}
	if sess != nil {
		opts = append(opts, api.WithToken(sess.AccessToken))
	}
	return api.NewClient(a.cfg.Remote.URL, opts...)
}

func (a *app) monitor(remote api.RemoteService) *netmon.Monitor {
	return netmon.New(remote, netmon.Config{
		Interval: a.cfg.Monitor.Interval.D(),
		Timeout:  a.cfg.Monitor.Timeout.D(),
	}, a.logger)
}

func (a *app) manager(remote api.RemoteService, opts ...clientsync.Option) *clientsync.Manager {
	return clientsync.NewManager(a.store, remote, clientsync.Config{
		BackoffMin:  a.cfg.Sync.BackoffMin.D(),
		BackoffMax:  a.cfg.Sync.BackoffMax.D(),
		CallTimeout: a.cfg.Sync.CallTimeout.D(),
		MaxAttempts: a.cfg.Sync.MaxAttempts,
	}, a.logger, opts...)
}

func (a *app) coordinator(remote api.RemoteService, sess *session.Session) *hydration.Coordinator {
	return hydration.NewCoordinator(a.store, remote, a.schema, sess, hydration.Config{
		PageSize:    a.cfg.Hydration.PageSize,
		QuickWindow: a.cfg.Hydration.QuickWindow.D(),
		StaleAfter:  a.cfg.Hydration.StaleAfter.D(),
	}, a.logger)
}

// parseTable проверяет имя таблицы из аргументов
func (a *app) parseTable(name string) (models.Table, error) {
	table := models.Table(name)
	if _, ok := a.schema.Lookup(table); !ok {
		return "", fmt.Errorf("unknown table %q", name)
	}
	return table, nil
}
