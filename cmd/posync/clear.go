package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
)

func newClearCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop all local data, the queue and the session included",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				pending, err := a.store.PendingCount(ctx)
				if err != nil {
					return err
				}
				if !yes {
					if pending > 0 {
						a.io.Printf("%d unsent change(s) will be lost.\n", pending)
					}
					answer, err := a.io.ReadInput("Delete all local data? [y/N]: ")
					if err != nil {
						return err
					}
					if !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
						a.io.Println("Aborted")
						return nil
					}
				}

				if err := a.store.DeleteDatabase(ctx); err != nil {
					return err
				}
				a.logger.Info("Local store cleared", "dropped_pending", pending)
				a.io.Println("Local data cleared")
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}
