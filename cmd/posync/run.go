package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/iudanet/posync/internal/cacheproxy"
	"github.com/iudanet/posync/internal/client/runtime"
	clientsync "github.com/iudanet/posync/internal/client/sync"
)

func newRunCmd() *cobra.Command {
	var commandURL string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep syncing in the foreground until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sess, err := a.session(ctx)
				if err != nil {
					return err
				}
				remote := a.remote(sess)
				monitor := a.monitor(remote)
				manager := a.manager(remote, clientsync.WithOnlineCheck(monitor.Online))
				coord := a.coordinator(remote, sess)

				if monitor.Check(ctx) {
					needsFull, err := coord.NeedsFullHydration(ctx)
					if err != nil {
						return err
					}
					if needsFull {
						a.logger.Info("Starting full hydration")
						if _, err := coord.FullHydrate(ctx, nil); err != nil {
							a.logger.Warn("Full hydration incomplete", "error", err)
						}
					}
				}

				opts := []runtime.Option{runtime.WithQuickInterval(a.cfg.Hydration.QuickInterval.D())}
				var rt *runtime.Runtime
				if commandURL == "" {
					commandURL = a.cfg.Proxy.CommandURL
				}
				if commandURL != "" {
					// rt еще не создан, callback вызывается только после старта Run
					listener := cacheproxy.NewCommandClient(commandURL, a.logger, func(tag string) {
						rt.OnSyncRequested(tag)
					})
					opts = append(opts, runtime.WithListener(listener))
				}
				rt = runtime.New(manager, coord, monitor, a.logger, opts...)

				a.io.Printf("Syncing as %s, press Ctrl+C to stop\n", sess.OwnerID)
				return rt.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&commandURL, "proxy-ws", "", "cache proxy command channel, e.g. ws://localhost:8090/__posync/ws")
	return cmd
}
