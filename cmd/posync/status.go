package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/iudanet/posync/internal/client/runtime"
	"github.com/iudanet/posync/internal/client/snapshot"
)

func newStatusCmd() *cobra.Command {
	var asJSON, dashboard bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queue and hydration state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sess, err := a.session(ctx)
				if err != nil {
					return err
				}
				remote := a.remote(sess)
				monitor := a.monitor(remote)
				monitor.Check(ctx)

				rt := runtime.New(a.manager(remote), a.coordinator(remote, sess), monitor, a.logger)
				st, err := rt.Status(ctx)
				if err != nil {
					return err
				}

				var stats *snapshot.DashboardStats
				if dashboard {
					cache := snapshot.New(a.store, a.cfg.Snapshot.TTL.D(), a.logger)
					if stats, _, err = snapshot.NewDashboard(a.store, cache, sess.OwnerID).Stats(ctx); err != nil {
						return err
					}
				}

				if asJSON {
					enc := json.NewEncoder(a.io)
					enc.SetIndent("", "  ")
					return enc.Encode(struct {
						*runtime.Status
						Dashboard *snapshot.DashboardStats `json:"dashboard,omitempty"`
					}{st, stats})
				}

				printStatus(a, st)
				if stats != nil {
					printDashboard(a, stats)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")
	cmd.Flags().BoolVar(&dashboard, "dashboard", false, "include sales aggregates from the local store")
	return cmd
}

func printStatus(a *app, st *runtime.Status) {
	conn := "offline"
	if st.Online {
		conn = "online"
	}
	a.io.Printf("Network:      %s\n", conn)
	a.io.Printf("Pending:      %s operation(s)\n", humanize.Comma(int64(st.Pending)))
	if st.Failed > 0 {
		a.io.Printf("Failed:       %d operation(s), run 'posync failed list'\n", st.Failed)
	}
	if st.LastSyncedAt.IsZero() {
		a.io.Println("Last synced:  never")
	} else {
		a.io.Printf("Last synced:  %s\n", humanize.Time(st.LastSyncedAt))
	}
	if st.NeedsFullHydration {
		a.io.Println("Hydration:    full hydration recommended, run 'posync hydrate'")
	}
}

func printDashboard(a *app, s *snapshot.DashboardStats) {
	a.io.Println()
	a.io.Printf("Today:        %s in %d order(s)\n", money(s.TodaySalesCents), s.TodayOrders)
	a.io.Printf("This month:   %s (%+.1f%% vs previous)\n", money(s.MonthSalesCents), s.MonthlyGrowthPct)
	a.io.Printf("Customers:    %s\n", humanize.Comma(int64(s.Customers)))
	a.io.Printf("Products:     %s\n", humanize.Comma(int64(s.Products)))
	a.io.Printf("Computed:     %s\n", s.ComputedAt.Format(time.Kitchen))
}

func money(cents int64) string {
	return humanize.CommafWithDigits(float64(cents)/100, 2)
}
