package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ledgerd/ledgerd/internal/backup"
	"github.com/ledgerd/ledgerd/internal/engine"
	"github.com/ledgerd/ledgerd/internal/notifications"
	"github.com/ledgerd/ledgerd/internal/router"
	"github.com/ledgerd/ledgerd/internal/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		Args:  cobra.NoArgs,
		RunE:  runServer,
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("Starting ledgerd")

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.New(cfg, a.dispatcher, a.table, a.metrics, a.logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if cfg.Storage.CompactInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.compactLoop(ctx, time.Duration(cfg.Storage.CompactInterval)*time.Minute)
		}()
	}

	err = srv.Start(ctx)
	// the engine must outlive the compaction loop
	stop()
	wg.Wait()
	if err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logrus.Info("ledgerd stopped")
	return nil
}

func newCallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "call <route> [payload]",
		Short: "Dispatch one route against the local ledger and print its message",
		Long: `Dispatch one route against the local data directory. The payload is the
second argument, or stdin when it is "-". The notification message is
printed to stdout; a failed notification exits with status 2.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			payload := ""
			if len(args) == 2 {
				payload = args[1]
			}
			if payload == "-" {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read payload: %w", err)
				}
				payload = strings.TrimRight(string(raw), "\r\n")
			}

			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.dispatcher.Dispatch(cmd.Context(), args[0], payload)
			fmt.Fprintln(cmd.OutOrStdout(), n.Message)
			if err != nil {
				logrus.WithError(err).Debug("Dispatch returned an error")
			}
			if n.Failed {
				return exitError{code: 2}
			}
			return nil
		},
	}
}

func newRoutesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "List the registered routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := buildRegistry()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tKIND\tDESCRIPTION")
			for _, r := range reg.Routes() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, r.Kind(), r.Description)
			}
			return w.Flush()
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Convert a Badger ledger in the data directory to Pebble",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Storage.Backend != engine.BackendPebble {
				return fmt.Errorf("migrate writes a pebble ledger but storage.backend is %q", cfg.Storage.Backend)
			}
			n, err := engine.MigrateFromBadgerIfNeeded(cfg.DataDir, logrus.StandardLogger())
			if err != nil {
				return err
			}
			if n == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to migrate")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %d keys\n", n)
			return nil
		},
	}
}

func newCompactCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Reclaim space in the storage engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			start := time.Now()
			if err := a.engine.Compact(cmd.Context()); err != nil {
				return fmt.Errorf("compaction failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "compacted %s storage in %s\n", a.engine.Name(), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func newNotificationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List journaled notifications, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cfg.Notifications.Journal {
				return fmt.Errorf("notifications.journal is disabled")
			}
			route, _ := cmd.Flags().GetString("route")
			limit, _ := cmd.Flags().GetInt("limit")

			journal, err := notifications.OpenJournal(cfg.Notifications.JournalPath, logrus.StandardLogger())
			if err != nil {
				return err
			}
			defer journal.Close()

			list, err := journal.List(cmd.Context(), route, limit)
			if err != nil {
				return err
			}
			return printNotifications(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().String("route", "", "Only show notifications for this route")
	cmd.Flags().Int("limit", 20, "Maximum number of notifications to show")
	return cmd
}

func printNotifications(out io.Writer, list []router.Notification) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tROUTE\tOUTCOME\tMESSAGE")
	for _, n := range list {
		outcome := n.Outcome
		switch {
		case n.Failed && n.ErrorKind != "":
			outcome = n.ErrorKind
		case outcome == "":
			outcome = "ok"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.Time.Format(time.RFC3339), n.Route, outcome, n.Message)
	}
	return w.Flush()
}

func newBackupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export the ledger table as JSON lines to a file or S3",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("out")
			toS3, _ := cmd.Flags().GetBool("s3")
			if (out == "") == !toS3 {
				return fmt.Errorf("exactly one of --out or --s3 is required")
			}

			var sink backup.Sink
			if toS3 {
				if sink, err = backup.NewS3Sink(cfg.Backup.S3, logrus.StandardLogger()); err != nil {
					return err
				}
			} else {
				sink = &backup.FileSink{Path: out}
			}

			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			var buf bytes.Buffer
			count, err := backup.Export(cmd.Context(), a.table, &buf)
			if err != nil {
				return err
			}
			location, err := sink.Put(cmd.Context(), a.table.Name(), buf.Bytes())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d entries to %s\n", count, location)
			return nil
		},
	}
	cmd.Flags().String("out", "", "Write the export to this file")
	cmd.Flags().Bool("s3", false, "Upload the export to the configured backup.s3 bucket")
	return cmd
}

func newRestoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Import a JSON lines export into the ledger table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			in, _ := cmd.Flags().GetString("in")
			if in == "" {
				return fmt.Errorf("--in is required")
			}

			f, err := os.Open(in)
			if err != nil {
				return fmt.Errorf("failed to open backup: %w", err)
			}
			defer f.Close()

			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			count, err := backup.Import(cmd.Context(), a.table, f)
			if err != nil {
				return fmt.Errorf("restore failed, ledger unchanged: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %d entries into %s\n", count, a.table.Name())
			return nil
		},
	}
	cmd.Flags().String("in", "", "Backup file to import")
	return cmd
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with auth.jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cfg.Auth.Enabled() {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			subject, _ := cmd.Flags().GetString("subject")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			token, err := server.NewTokenAuth(cfg.Auth.JWTSecret).Issue(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Token subject")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
