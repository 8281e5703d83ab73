// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The mailsweep command synchronizes Gmail message metadata into a
// local SQLite database.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mailsweep/mailsweep/internal/gmailhttp"
	"github.com/mailsweep/mailsweep/internal/homedir"
	"github.com/mailsweep/mailsweep/internal/persist"
	"github.com/mailsweep/mailsweep/internal/progress"
	msync "github.com/mailsweep/mailsweep/internal/sync"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type options struct {
	stateDir    string
	dbPath      string
	credentials string
	account     string
	logLevel    string
	trace       bool
	noProgress  bool
}

// showProgress reports whether to render the progress bar: never when
// suppressed explicitly, never when stdout is not a terminal.
func showProgress(noProgress bool, stdout *os.File) bool {
	return !noProgress && term.IsTerminal(int(stdout.Fd()))
}

func main() {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "mailsweep",
		Short:         "Synchronize Gmail message metadata into a local database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.stateDir == "" {
				opts.stateDir = homedir.StateDir()
			}
			if opts.dbPath == "" {
				opts.dbPath = filepath.Join(opts.stateDir, "mailsweep.db")
			}
			if opts.credentials == "" {
				opts.credentials = filepath.Join(opts.stateDir, "credentials.json")
			}
			return setupLogger(opts.logLevel)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.stateDir, "state-dir", "", "directory for the database and cached tokens (default ~/.mailsweep)")
	pf.StringVar(&opts.dbPath, "db", "", "path to the SQLite database (default <state-dir>/mailsweep.db)")
	pf.StringVar(&opts.credentials, "credentials", "", "path to the OAuth client credentials JSON (default <state-dir>/credentials.json)")
	pf.StringVar(&opts.account, "account", "me", "account identifier to operate on")
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	pf.BoolVar(&opts.trace, "trace", false, "dump API traffic to the log")
	pf.BoolVar(&opts.noProgress, "no-progress", false, "suppress the progress bar")

	rootCmd.AddCommand(authCmd(opts), syncCmd(opts), catchupCmd(opts), statusCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return errors.Wrapf(err, "bad log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
	return nil
}

func newProvider(opts *options) (*gmailhttp.Provider, error) {
	return gmailhttp.New(gmailhttp.Options{
		CredentialsPath: opts.credentials,
		TokenDir:        opts.stateDir,
		Trace:           opts.trace,
		Logger:          slog.Default(),
	})
}

func authCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authorize access to the account and cache the token",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := newProvider(opts)
			if err != nil {
				return err
			}
			fmt.Printf("Open the following URL in a browser, then paste the code here:\n\n%s\n\ncode: ",
				provider.Authorize(opts.account))
			scanner := bufio.NewScanner(os.Stdin)
			if !scanner.Scan() {
				return errors.New("no authorization code given")
			}
			if err := provider.Complete(cmd.Context(), opts.account, scanner.Text()); err != nil {
				return err
			}
			fmt.Println("authorized")
			return nil
		},
	}
}

// signalContext cancels the active run on the first interrupt and the
// whole context on the second, so a stuck shutdown can still be
// killed from the keyboard.
func signalContext(parent context.Context, controller *msync.Controller, account string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			slog.Info("interrupt: finishing the in-flight batch, interrupt again to abort")
			if err := controller.Cancel(account); err != nil {
				cancel()
				return
			}
		case <-ctx.Done():
			return
		}
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(ch)
		cancel()
	}
}

func syncCmd(opts *options) *cobra.Command {
	var resume bool
	var batch int
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a full metadata sync of the mailbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, provider, err := openStack(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer db.Close()

			fetcherCfg := msync.DefaultFetcherConfig()
			if batch > 0 {
				fetcherCfg.BatchSize = batch
			}
			bar := progress.New(showProgress(opts.noProgress, os.Stdout))
			defer bar.Stop()
			controller := msync.NewController(provider, db.Jobs(), db.Checkpoints(), db,
				msync.WithObserver(bar), msync.WithLogger(slog.Default()),
				msync.WithFetcherConfig(fetcherCfg))

			ctx, stop := signalContext(cmd.Context(), controller, opts.account)
			defer stop()

			var job *msync.Job
			if resume {
				job, err = controller.Resume(ctx, opts.account)
			} else {
				job, err = controller.Run(ctx, opts.account)
			}
			bar.Stop()
			if job != nil {
				fmt.Printf("sync %v: %d processed, %d failed\n",
					job.Status, job.ProcessedMessages, job.FailedMessages)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "resume the previous interrupted sync")
	cmd.Flags().IntVar(&batch, "batch", 0, "concurrent detail requests per batch (default 20)")
	return cmd
}

func catchupCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "catchup",
		Short: "Apply changes since the last complete sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, provider, err := openStack(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer db.Close()

			bar := progress.New(showProgress(opts.noProgress, os.Stdout))
			defer bar.Stop()
			controller := msync.NewController(provider, db.Jobs(), db.Checkpoints(), db,
				msync.WithObserver(bar), msync.WithLogger(slog.Default()))

			ctx, stop := signalContext(cmd.Context(), controller, opts.account)
			defer stop()

			result, err := controller.CatchUp(ctx, opts.account)
			bar.Stop()
			if err != nil {
				return err
			}
			if result.Job != nil {
				fmt.Printf("full sync %v: %d processed, %d failed\n",
					result.Job.Status, result.Job.ProcessedMessages, result.Job.FailedMessages)
				return nil
			}
			d := result.Delta
			fmt.Printf("caught up: %d added, %d deleted, %d label changes\n",
				len(d.Added), len(d.Deleted), len(d.LabelChanges))
			return nil
		},
	}
}

func statusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of the local database and the last sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := persist.Open(ctx, opts.dbPath, slog.Default())
			if err != nil {
				return err
			}
			defer db.Close()

			stats, err := db.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("messages: %d (%d unread, %d deleted)\n",
				stats.Messages, stats.Unread, stats.Deleted)

			job, err := db.Jobs().Load(ctx, opts.account)
			if err != nil {
				return err
			}
			if job == nil {
				fmt.Println("no sync has run for this account")
				return nil
			}
			report := job.Report()
			fmt.Printf("last sync: %s, %d/%d (%.1f%%)",
				report.Phase, report.Processed, report.Total, report.Percent)
			if report.LastError != "" {
				fmt.Printf(", last error: %s", report.LastError)
			}
			fmt.Println()

			checkpoint, err := db.Checkpoints().Load(ctx, opts.account)
			if err != nil {
				return err
			}
			if checkpoint != "" {
				fmt.Printf("checkpoint: %s\n", checkpoint)
			}
			return nil
		},
	}
}

func openStack(ctx context.Context, opts *options) (*persist.DB, *gmailhttp.Provider, error) {
	if err := os.MkdirAll(opts.stateDir, 0700); err != nil {
		return nil, nil, errors.Wrap(err, "unable to create state directory")
	}
	db, err := persist.Open(ctx, opts.dbPath, slog.Default())
	if err != nil {
		return nil, nil, errors.Wrap(err, "unable to initialize database")
	}
	provider, err := newProvider(opts)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, provider, nil
}
