package main

import (
	"context"
	"sort"

	"github.com/spf13/cobra"

	"github.com/iudanet/posync/internal/client/hydration"
	"github.com/iudanet/posync/internal/models"
)

func newHydrateCmd() *cobra.Command {
	var quick bool

	cmd := &cobra.Command{
		Use:   "hydrate",
		Short: "Download remote data into the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sess, err := a.session(ctx)
				if err != nil {
					return err
				}
				coord := a.coordinator(a.remote(sess), sess)

				var result *hydration.Result
				if quick {
					result, err = coord.QuickSync(ctx)
				} else {
					result, err = coord.FullHydrate(ctx, progressPrinter(a))
				}
				if result != nil {
					printHydration(a, result)
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&quick, "quick", false, "fetch only records updated within hydration.quick_window")
	return cmd
}

// progressPrinter перерисовывает строку прогресса в терминале
func progressPrinter(a *app) hydration.ProgressFunc {
	tty := a.io.IsTerminal()
	return func(p models.HydrationProgress) {
		if tty {
			a.io.Printf("\r%-20s %3.0f%% (%d/%d)", p.CurrentTable, p.Percentage, p.Completed, p.Total)
			if p.Completed == p.Total {
				a.io.Println()
			}
			return
		}
		a.io.Printf("%s %.0f%%\n", p.CurrentTable, p.Percentage)
	}
}

func printHydration(a *app, r *hydration.Result) {
	tables := make([]string, 0, len(r.Records)+len(r.Failed))
	for t := range r.Records {
		tables = append(tables, string(t))
	}
	for t := range r.Failed {
		if _, ok := r.Records[t]; !ok {
			tables = append(tables, string(t))
		}
	}
	sort.Strings(tables)

	for _, name := range tables {
		t := models.Table(name)
		if err, failed := r.Failed[t]; failed {
			a.io.Printf("  %-14s FAILED: %v\n", name, err)
			continue
		}
		a.io.Printf("  %-14s %d records\n", name, r.Records[t])
	}
	if r.Skipped > 0 {
		a.io.Printf("Skipped %d records with unsent local changes\n", r.Skipped)
	}
}
