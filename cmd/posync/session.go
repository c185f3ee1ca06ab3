package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/iudanet/posync/internal/client/session"
	"github.com/iudanet/posync/internal/client/storage"
	"github.com/iudanet/posync/pkg/api"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the session this device syncs with",
	}

	set := &cobra.Command{
		Use:   "set [token]",
		Short: "Store a bearer token issued by the data service",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				token := ""
				if len(args) == 1 {
					token = args[0]
				} else {
					var err error
					if token, err = a.io.ReadSecret("Token: "); err != nil {
						return fmt.Errorf("failed to read token: %w", err)
					}
				}
				return saveSession(ctx, a, token)
			})
		},
	}

	var owner, subject string
	login := &cobra.Command{
		Use:   "login",
		Short: "Request a development token from the reference server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if owner == "" {
					var err error
					if owner, err = a.io.ReadInput("Owner ID: "); err != nil {
						return err
					}
				}
				resp, err := a.remote(nil).RequestToken(ctx, api.TokenRequest{OwnerID: owner, Subject: subject})
				if err != nil {
					return err
				}
				return saveSession(ctx, a, resp.AccessToken)
			})
		},
	}
	login.Flags().StringVar(&owner, "owner", "", "owner (team/store) id")
	login.Flags().StringVar(&subject, "subject", "", "token subject, e.g. cashier name")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sess, err := a.session(ctx)
				if err != nil {
					return err
				}
				printSession(a, sess)
				return nil
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget the stored session (local data is kept)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.store.DeleteSession(ctx); err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
					return err
				}
				a.io.Println("Session cleared")
				return nil
			})
		},
	}

	cmd.AddCommand(set, login, show, clearCmd)
	return cmd
}

func saveSession(ctx context.Context, a *app, token string) error {
	deviceID := a.cfg.Session.DeviceID
	if prev, err := a.store.GetSession(ctx); err == nil && deviceID == "" {
		deviceID = prev.DeviceID
	}

	sess, err := session.FromToken(token, deviceID)
	if err != nil {
		return err
	}
	if err := sess.Validate(time.Now()); err != nil {
		return err
	}
	if err := a.store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	a.logger.Info("Session saved", "owner_id", sess.OwnerID, "device_id", sess.DeviceID)
	printSession(a, sess)
	return nil
}

func printSession(a *app, sess *session.Session) {
	a.io.Printf("Owner:   %s\n", sess.OwnerID)
	a.io.Printf("Device:  %s\n", sess.DeviceID)
	if sess.ExpiresAt == 0 {
		a.io.Println("Expires: never")
		return
	}
	expires := time.Unix(sess.ExpiresAt, 0)
	a.io.Printf("Expires: %s (%s)\n", expires.Format(time.RFC3339), humanize.Time(expires))
}
