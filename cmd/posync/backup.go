package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/iudanet/posync/internal/client/backup"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export local data and restore it to the data service",
	}

	var out string
	var upload, encrypt bool
	export := &cobra.Command{
		Use:   "export",
		Short: "Write every local table into a gzipped JSON archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sess, err := a.session(ctx)
				if err != nil {
					return err
				}

				now := time.Now()
				archive, err := backup.Export(ctx, a.store, sess, now)
				if err != nil {
					return err
				}
				if out == "" {
					out = filepath.Join(a.cfg.Backup.Dir, backup.FileName(now))
				}
				var passphrase string
				if encrypt {
					if passphrase, err = a.io.ReadSecret("Backup passphrase: "); err != nil {
						return err
					}
					if passphrase == "" {
						return errors.New("empty passphrase")
					}
				}
				if err := backup.WriteFile(out, archive, passphrase); err != nil {
					return err
				}

				size := "?"
				if fi, err := os.Stat(out); err == nil {
					size = humanize.Bytes(uint64(fi.Size()))
				}
				a.io.Printf("Exported %d records to %s (%s)\n", archive.Count(), out, size)

				if upload {
					objects, err := backup.NewObjectStore(a.cfg.Backup)
					if err != nil {
						return err
					}
					if err := objects.Upload(ctx, sess.OwnerID, filepath.Base(out), out); err != nil {
						return err
					}
					a.io.Printf("Uploaded to bucket %s\n", a.cfg.Backup.S3Bucket)
				}
				return nil
			})
		},
	}
	export.Flags().StringVarP(&out, "out", "o", "", "archive path (default: <backup.dir>/posync-<time>.json.gz)")
	export.Flags().BoolVar(&upload, "upload", false, "also upload the archive to S3")
	export.Flags().BoolVar(&encrypt, "encrypt", false, "encrypt the archive with a passphrase")

	var skipExisting, local, download bool
	restore := &cobra.Command{
		Use:   "restore <archive>",
		Short: "Upsert archived records to the data service (overwrites by default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sess, err := a.session(ctx)
				if err != nil {
					return err
				}

				path := args[0]
				if download {
					objects, err := backup.NewObjectStore(a.cfg.Backup)
					if err != nil {
						return err
					}
					path = filepath.Join(a.cfg.Backup.Dir, filepath.Base(args[0]))
					if err := os.MkdirAll(a.cfg.Backup.Dir, 0o750); err != nil {
						return err
					}
					if err := objects.Download(ctx, sess.OwnerID, filepath.Base(args[0]), path); err != nil {
						return err
					}
				}

				archive, err := backup.ReadFile(path, "")
				if errors.Is(err, backup.ErrPassphraseRequired) {
					passphrase, perr := a.io.ReadSecret("Backup passphrase: ")
					if perr != nil {
						return perr
					}
					archive, err = backup.ReadFile(path, passphrase)
				}
				if err != nil {
					return err
				}

				if local {
					n, err := backup.Import(ctx, a.store, sess, archive)
					if err != nil {
						return err
					}
					a.io.Printf("Imported %d records into the local store\n", n)
					return nil
				}

				result, err := backup.Restore(ctx, a.remote(sess), a.schema, archive,
					backup.RestoreOptions{SkipExisting: skipExisting}, a.logger)
				for _, d := range a.schema.ByPriority() {
					if n, ok := result.Written[d.Name]; ok {
						a.io.Printf("  %-14s %d written\n", d.Name, n)
					}
				}
				if result.Local > 0 {
					a.io.Printf("Skipped %d records with local ids, they are delivered by 'posync sync'\n", result.Local)
				}
				if err != nil {
					return fmt.Errorf("restore incomplete: %w", err)
				}
				return nil
			})
		},
	}
	restore.Flags().BoolVar(&skipExisting, "skip-existing", false, "keep records that already exist on the server")
	restore.Flags().BoolVar(&local, "local", false, "import into the local store instead of the data service")
	restore.Flags().BoolVar(&download, "download", false, "fetch the archive by name from S3 first")

	cmd.AddCommand(export, restore)
	return cmd
}
