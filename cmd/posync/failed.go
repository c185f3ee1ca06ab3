package main

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newFailedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Inspect operations the data service kept rejecting",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List failed operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ops, err := a.store.FailedOperations(ctx)
				if err != nil {
					return err
				}
				if len(ops) == 0 {
					a.io.Println("No failed operations")
					return nil
				}
				for _, op := range ops {
					a.io.Printf("%s  %-6s %s/%s  attempts=%d  queued %s\n",
						op.ID, op.Type, op.Table, op.RecordID, op.Attempts, humanize.Time(op.EnqueuedAt))
					if op.LastError != "" {
						a.io.Printf("    %s\n", op.LastError)
					}
				}
				return nil
			})
		},
	}

	retry := &cobra.Command{
		Use:   "retry",
		Short: "Move failed operations back to the queue and sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sess, err := a.session(ctx)
				if err != nil {
					return err
				}
				manager := a.manager(a.remote(sess))
				n, err := manager.RetryFailed(ctx)
				if err != nil {
					return err
				}
				a.io.Printf("Requeued %d operation(s)\n", n)
				if n == 0 {
					return nil
				}

				result, err := manager.Drain(ctx)
				if err != nil {
					return err
				}
				a.io.Printf("Delivered %d, remaining %d, failed again %d\n", result.Processed, result.Remaining, result.Poisoned)
				return nil
			})
		},
	}

	cmd.AddCommand(list, retry)
	return cmd
}
