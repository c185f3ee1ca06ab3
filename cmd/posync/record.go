package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iudanet/posync/internal/client/data"
	"github.com/iudanet/posync/internal/client/session"
	"github.com/iudanet/posync/internal/models"
)

func newRecordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Read and write records in the local store",
		Long: "Writes go to the local store and the mutation queue first. " +
			"They reach the data service on the next 'posync sync' or while 'posync run' is active.",
	}

	var syncNow bool
	put := &cobra.Command{
		Use:   "put <table> [json|-]",
		Short: "Create or update a record; without an id a local id is assigned",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRecords(cmd, func(ctx context.Context, a *app, sess *session.Session, svc data.Service) error {
				table, err := a.parseTable(args[0])
				if err != nil {
					return err
				}
				payload, err := readPayload(cmd.InOrStdin(), args[1:])
				if err != nil {
					return err
				}
				rec, err := models.DecodeRecord(table, payload)
				if err != nil {
					return fmt.Errorf("invalid %s record: %w", table, err)
				}

				if rec.Key() == "" {
					if rec, err = svc.Create(ctx, rec); err != nil {
						return err
					}
				} else if err := svc.Update(ctx, rec); err != nil {
					return err
				}

				if syncNow {
					if err := drainNow(ctx, a, sess); err != nil {
						a.logger.Warn("Sync after write failed", "error", err)
					}
					// id мог смениться на серверный
					if stored, err := a.store.Get(ctx, table, rec.Key()); err == nil && stored != nil {
						rec = stored
					}
				}
				return printJSON(a, rec)
			})
		},
	}
	put.Flags().BoolVar(&syncNow, "sync", false, "deliver the queue right after the write")

	get := &cobra.Command{
		Use:   "get <table> <id>",
		Short: "Print one record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRecords(cmd, func(ctx context.Context, a *app, _ *session.Session, svc data.Service) error {
				table, err := a.parseTable(args[0])
				if err != nil {
					return err
				}
				rec, err := svc.Get(ctx, table, args[1])
				if err != nil {
					return err
				}
				return printJSON(a, rec)
			})
		},
	}

	var where string
	list := &cobra.Command{
		Use:   "list <table>",
		Short: "List records of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRecords(cmd, func(ctx context.Context, a *app, _ *session.Session, svc data.Service) error {
				table, err := a.parseTable(args[0])
				if err != nil {
					return err
				}

				var recs []models.Record
				if where != "" {
					field, value, ok := strings.Cut(where, "=")
					if !ok {
						return fmt.Errorf("--where must be field=value")
					}
					recs, err = svc.ListBy(ctx, table, field, value)
				} else {
					recs, err = svc.List(ctx, table)
				}
				if err != nil {
					return err
				}
				return printJSON(a, recs)
			})
		},
	}
	list.Flags().StringVar(&where, "where", "", "filter by an indexed field, e.g. customer_id=srv-1")

	del := &cobra.Command{
		Use:   "delete <table> <id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRecords(cmd, func(ctx context.Context, a *app, _ *session.Session, svc data.Service) error {
				table, err := a.parseTable(args[0])
				if err != nil {
					return err
				}
				if err := svc.Delete(ctx, table, args[1]); err != nil {
					return err
				}
				a.io.Printf("Deleted %s/%s\n", table, args[1])
				return nil
			})
		},
	}

	cmd.AddCommand(put, get, list, del)
	return cmd
}

func withRecords(cmd *cobra.Command, fn func(ctx context.Context, a *app, sess *session.Session, svc data.Service) error) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		sess, err := a.session(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, a, sess, data.NewService(a.store, sess, a.logger))
	})
}

func drainNow(ctx context.Context, a *app, sess *session.Session) error {
	result, err := a.manager(a.remote(sess)).Drain(ctx)
	if err != nil {
		return err
	}
	if result.Halted {
		return result.LastError
	}
	return nil
}

// readPayload берет JSON из аргумента или из stdin, если аргумент "-" или отсутствует
func readPayload(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 1 && args[0] != "-" {
		return []byte(args[0]), nil
	}
	return io.ReadAll(stdin)
}

func printJSON(a *app, v any) error {
	enc := json.NewEncoder(a.io)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
