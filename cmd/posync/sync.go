package main

import (
	"context"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued local changes to the data service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sess, err := a.session(ctx)
				if err != nil {
					return err
				}
				result, err := a.manager(a.remote(sess)).Drain(ctx)
				if err != nil {
					return err
				}

				a.io.Printf("Delivered:  %d\n", result.Processed)
				a.io.Printf("Reconciled: %d\n", result.Reconciled)
				if result.Poisoned > 0 {
					a.io.Printf("Failed:     %d (see 'posync failed list')\n", result.Poisoned)
				}
				a.io.Printf("Remaining:  %d\n", result.Remaining)
				if result.Halted {
					a.io.Printf("Stopped: %v\n", result.LastError)
				}
				return nil
			})
		},
	}
}
