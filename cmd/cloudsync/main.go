package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vonshlovens/cloudsync/internal/config"
	"github.com/vonshlovens/cloudsync/internal/db"
	"github.com/vonshlovens/cloudsync/internal/sync"
	"github.com/vonshlovens/cloudsync/internal/watcher"
)

const reconcileInterval = 15 * time.Minute

var (
	cfgFile string
	verbose bool
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "cloudsync",
		Short:   "File sync client for ownCloud/OpenCloud servers",
		Long:    `Keeps local folders in sync with ownCloud/OpenCloud accounts over WebDAV, uploading large files through the TUS resumable upload protocol.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		daemonCmd(),
		syncCmd(),
		syncFileCmd(),
		uploadCmd(),
		resumeCmd(),
		cancelCmd(),
		transfersCmd(),
		statusCmd(),
		migrateCmd(),
		initCmd(),
		prefsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Watch the sync roots and keep them in sync",
		Long:  `Resumes interrupted transfers, reconciles every account, then syncs local changes as they happen and reconciles periodically.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			resumeInterrupted(ctx, a)

			for _, acc := range a.cfg.Accounts {
				if _, err := a.engine.Reconcile(ctx, acc.Name); err != nil {
					slog.Error("initial reconcile failed", "account", acc.Name, "error", err)
				}
			}

			roots := make([]watcher.Root, 0, len(a.cfg.Accounts))
			for _, acc := range a.cfg.Accounts {
				roots = append(roots, watcher.Root{Account: acc.Name, Path: acc.SyncRoot})
			}
			w, err := watcher.New(roots, watcher.Options{
				Debounce:        time.Duration(a.cfg.Sync.DebounceMs) * time.Millisecond,
				IgnorePatterns:  a.cfg.IgnorePatterns,
				IncludePatterns: a.cfg.IncludePatterns,
				Skip:            sync.IsSyncArtifact,
			})
			if err != nil {
				return err
			}
			if err := w.Start(ctx); err != nil {
				return fmt.Errorf("failed to start watcher: %w", err)
			}
			defer w.Stop()

			slog.Info("daemon started", "accounts", len(a.cfg.Accounts))
			fmt.Println("Watching for changes. Press Ctrl+C to stop.")

			reconcileTicker := time.NewTicker(reconcileInterval)
			defer reconcileTicker.Stop()

			for {
				select {
				case <-ctx.Done():
					slog.Info("shutting down...")
					return nil

				case event, ok := <-w.Events():
					if !ok {
						return nil
					}
					slog.Debug("file event", "account", event.Account, "path", event.Path, "op", event.Op)
					if event.Op == watcher.OpDelete {
						continue
					}
					d, err := a.engine.SyncLocalPath(ctx, event.Account, event.Path)
					if err != nil {
						slog.Error("sync failed", "account", event.Account, "path", event.Path, "error", err)
						continue
					}
					slog.Info("synced local change", "account", event.Account, "path", event.Path, "result", sync.Describe(d))

				case <-reconcileTicker.C:
					for _, acc := range a.cfg.Accounts {
						if _, err := a.engine.Reconcile(ctx, acc.Name); err != nil {
							slog.Error("periodic reconcile failed", "account", acc.Name, "error", err)
						}
					}
				}
			}
		},
	}
}

// resumeInterrupted requeues transfers a previous run left unfinished
func resumeInterrupted(ctx context.Context, a *app) {
	pending, err := a.db.ListTransfers(ctx, db.StatusQueued, db.StatusInProgress)
	if err != nil {
		slog.Warn("failed to list unfinished transfers", "error", err)
		return
	}
	for _, t := range pending {
		if err := a.dispatcher.Resume(ctx, t.ID); err != nil {
			slog.Warn("failed to resume transfer", "id", t.ID, "error", err)
		}
	}
	if len(pending) > 0 {
		slog.Info("resumed unfinished transfers", "count", len(pending))
	}
}

func syncCmd() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile accounts once, wait for transfers, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			out := progressOut()
			a, err := newApp(ctx, out)
			if err != nil {
				return err
			}
			defer a.Close()

			bars := newTransferBars(out)
			a.dispatcher.Observe(bars.observe)

			accounts, err := a.accounts(account)
			if err != nil {
				return err
			}

			for _, acc := range accounts {
				res, err := a.engine.Reconcile(ctx, acc.Name)
				if err != nil {
					return fmt.Errorf("sync of %s failed: %w", acc.Name, err)
				}
				fmt.Printf("%s: %d checked, %d downloads, %d uploads, %d conflicts, %d removed on server, %d failed\n",
					acc.Name, res.Checked, res.Downloads, res.Uploads+res.NewLocal, res.Conflicts, res.NotFound, res.Failed)
				if res.Unresolved > 0 {
					fmt.Printf("  %d conflicts could not be resolved, local files left untouched\n", res.Unresolved)
				}
			}

			if err := a.wait(ctx); err != nil {
				return err
			}
			fmt.Printf("Transfers: %s\n", bars.summary())
			return nil
		},
	}
	cmd.Flags().StringVarP(&account, "account", "a", "", "account to sync (default all)")
	return cmd
}

func syncFileCmd() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "sync-file <remote-path>",
		Short: "Synchronize a single file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			out := progressOut()
			a, err := newApp(ctx, out)
			if err != nil {
				return err
			}
			defer a.Close()

			bars := newTransferBars(out)
			a.dispatcher.Observe(bars.observe)

			acc, err := a.cfg.DefaultAccount(account)
			if err != nil {
				return err
			}

			d, err := a.engine.SyncRemotePath(ctx, acc.Name, args[0])
			if err != nil {
				return err
			}
			fmt.Println(sync.Describe(d))

			if err := a.wait(ctx); err != nil {
				return err
			}
			switch d.(type) {
			case sync.DownloadEnqueued, sync.UploadEnqueued, sync.ConflictResolvedWithCopy:
				fmt.Printf("Transfers: %s\n", bars.summary())
			case sync.FileNotFound, sync.AlreadySynchronized:
			default:
				return fmt.Errorf("unknown decision %T", d)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&account, "account", "a", "", "account (default first configured)")
	return cmd
}

func uploadCmd() *cobra.Command {
	var account, space string
	cmd := &cobra.Command{
		Use:   "upload <local-file> <remote-folder>",
		Short: "Upload a file, resumably when it is large",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			localPath, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			out := progressOut()
			a, err := newApp(ctx, out)
			if err != nil {
				return err
			}
			defer a.Close()

			bars := newTransferBars(out)
			a.dispatcher.Observe(bars.observe)

			acc, err := a.cfg.DefaultAccount(account)
			if err != nil {
				return err
			}
			if space == "" {
				space = acc.SpaceID
			}

			id, err := a.dispatcher.EnqueueUpload(ctx, acc.Name, localPath, args[1], space)
			if err != nil {
				return err
			}
			if err := a.wait(ctx); err != nil {
				fmt.Printf("Interrupted; resume with: cloudsync resume %s\n", id)
				return err
			}
			return reportTransfer(ctx, a, id)
		},
	}
	cmd.Flags().StringVarP(&account, "account", "a", "", "account (default first configured)")
	cmd.Flags().StringVar(&space, "space", "", "space id (default the account's)")
	return cmd
}

func resumeCmd() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "resume [transfer-id...]",
		Short: "Resume interrupted or failed transfers",
		Long:  `Resumes the given transfers, or every upload with a server-side session when no id is given. Resumable uploads continue from the offset the server acknowledged.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			out := progressOut()
			a, err := newApp(ctx, out)
			if err != nil {
				return err
			}
			defer a.Close()

			bars := newTransferBars(out)
			a.dispatcher.Observe(bars.observe)

			var ids []uuid.UUID
			for _, arg := range args {
				id, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("invalid transfer id %q: %w", arg, err)
				}
				ids = append(ids, id)
			}
			if len(ids) == 0 {
				resumable, err := a.db.ListResumableUploads(ctx, account)
				if err != nil {
					return err
				}
				for _, t := range resumable {
					ids = append(ids, t.ID)
				}
			}
			if len(ids) == 0 {
				fmt.Println("Nothing to resume.")
				return nil
			}

			for _, id := range ids {
				if err := a.dispatcher.Resume(ctx, id); err != nil {
					return err
				}
			}
			if err := a.wait(ctx); err != nil {
				return err
			}
			fmt.Printf("Transfers: %s\n", bars.summary())
			return nil
		},
	}
	cmd.Flags().StringVarP(&account, "account", "a", "", "only resume uploads of this account")
	return cmd
}

func cancelCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "cancel <transfer-id...>",
		Short: "Cancel queued or failed transfers",
		Long:  `Marks the transfers cancelled so no later resume picks them up, and terminates their server-side upload sessions. A transfer still in progress in a running daemon is refused unless --force is given.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			ids := make([]uuid.UUID, 0, len(args))
			for _, arg := range args {
				id, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("invalid transfer id %q: %w", arg, err)
				}
				ids = append(ids, id)
			}

			a, err := newApp(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, id := range ids {
				if err := a.dispatcher.CancelTransfer(ctx, id, force); err != nil {
					return err
				}
				fmt.Printf("Cancelled %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "cancel transfers recorded as in progress, e.g. after a crash")
	return cmd
}

func reportTransfer(ctx context.Context, a *app, id uuid.UUID) error {
	t, err := a.db.GetTransfer(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s -> %s: %s (%s)\n", t.Kind, t.LocalPath, t.RemotePath, t.Status, t.ResultCode)
	if t.Status != db.StatusSucceeded {
		if t.Tus != nil {
			fmt.Printf("Upload session kept at offset %d of %d; resume with: cloudsync resume %s\n", t.Tus.Offset, t.Tus.Length, t.ID)
		}
		return fmt.Errorf("transfer %s: %s", t.Status, t.Error)
	}
	return nil
}

func transfersCmd() *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "transfers",
		Short: "List transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			_, database, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			filter := make([]db.TransferStatus, 0, len(statuses))
			for _, s := range statuses {
				filter = append(filter, db.TransferStatus(s))
			}

			transfers, err := database.ListTransfers(ctx, filter...)
			if err != nil {
				return err
			}
			if len(transfers) == 0 {
				fmt.Println("No transfers.")
				return nil
			}

			for _, t := range transfers {
				progress := ""
				if t.Tus != nil && t.Tus.Length > 0 {
					progress = fmt.Sprintf(" %d%%", t.Tus.Offset*100/t.Tus.Length)
				}
				fmt.Printf("%s  %-8s %-11s %-10s%s  %s\n", t.ID, t.Kind, t.Status, t.ResultCode, progress, t.RemotePath)
				if t.Error != "" && t.Status == db.StatusFailed {
					fmt.Printf("    %s\n", t.Error)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "filter by status (queued, in_progress, succeeded, failed, cancelled)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [local-file]",
		Short: "Show connection status and sync info",
		Long:  `Shows database, account and transfer status, or the sync record of one local file.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg, database, err := openDB(ctx)
			if err != nil {
				fmt.Printf("Database Status: Disconnected\n")
				fmt.Printf("Error: %v\n", err)
				return nil
			}
			defer database.Close()

			if len(args) == 1 {
				return fileStatus(ctx, database, args[0])
			}

			status, err := database.GetStatus(ctx)
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}

			prefs, err := sync.LoadPreferences(cfg.Sync.PreferLocalOnConflict)
			if err != nil {
				return err
			}

			fmt.Println("=== cloudsync Status ===")
			fmt.Printf("Database Status: Connected\n")
			fmt.Printf("  Host: %s\n", cfg.Database.Host)
			fmt.Printf("  Database: %s\n", cfg.Database.Database)
			fmt.Printf("  Schema: %s\n", cfg.Database.Schema)
			fmt.Println()
			fmt.Println("Accounts:")
			for _, acc := range cfg.Accounts {
				fmt.Printf("  %s: %s -> %s%s\n", acc.Name, acc.SyncRoot, acc.ServerURL, acc.RemoteRoot)
				if last, ok := prefs.LastReconcile(acc.Name); ok {
					fmt.Printf("    Last reconcile: %s\n", last.Format(time.RFC3339))
				}
			}
			fmt.Println()
			fmt.Printf("Files:\n")
			fmt.Printf("  Known: %d\n", status.TotalFiles)
			fmt.Printf("  Downloaded: %d\n", status.LocalFiles)
			if status.LastSyncTime != nil {
				fmt.Printf("  Last Sync: %s\n", status.LastSyncTime.Format(time.RFC3339))
			}
			fmt.Printf("Transfers:\n")
			for _, s := range []db.TransferStatus{db.StatusQueued, db.StatusInProgress, db.StatusSucceeded, db.StatusFailed, db.StatusCancelled} {
				fmt.Printf("  %s: %d\n", s, status.TransfersByStatus[s])
			}
			fmt.Printf("  Resumable uploads: %d\n", status.ResumableUploads)
			fmt.Printf("Prefer local on conflict: %t\n", prefs.PreferLocalOnConflict())

			return nil
		},
	}
}

// fileStatus prints the record a local file is bound to
func fileStatus(ctx context.Context, database *db.DB, localPath string) error {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return err
	}
	rec, err := database.GetFileByLocalPath(ctx, abs)
	if errors.Is(err, db.ErrNotFound) {
		fmt.Printf("%s is not synced yet\n", abs)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("%s\n", abs)
	fmt.Printf("  Account: %s\n", rec.Account)
	fmt.Printf("  Remote: %s\n", rec.RemotePath)
	fmt.Printf("  Etag: %s\n", rec.Etag)
	if rec.LastSyncAt == nil {
		fmt.Printf("  Last Sync: never\n")
		return nil
	}
	fmt.Printf("  Last Sync: %s\n", rec.LastSyncAt.Format(time.RFC3339Nano))
	if info, err := os.Stat(abs); err == nil {
		fmt.Printf("  Changed locally: %t\n", db.StoredTime(info.ModTime()).After(*rec.LastSyncAt))
	}
	return nil
}

func migrateCmd() *cobra.Command {
	var showStatus bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Runs all pending database migrations. The migrations are embedded in the binary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			_, database, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			if showStatus {
				return database.MigrationStatus(ctx)
			}

			if err := database.RunMigrations(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Println("Migrations completed successfully.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&showStatus, "status", false, "print migration status instead of migrating")
	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup to create config file",
		Long:  `Interactively creates a configuration file with one account and the database settings.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := bufio.NewReader(os.Stdin)
			ask := func(prompt, def string) string {
				if def != "" {
					fmt.Printf("%s [%s]: ", prompt, def)
				} else {
					fmt.Printf("%s: ", prompt)
				}
				answer, _ := reader.ReadString('\n')
				answer = strings.TrimSpace(answer)
				if answer == "" {
					return def
				}
				return answer
			}

			fmt.Println("=== cloudsync Setup ===")
			fmt.Println()

			cfg := config.DefaultConfig()

			fmt.Println("Account:")
			acc := config.AccountConfig{
				Name:      ask("  Account name", "personal"),
				ServerURL: strings.TrimRight(ask("  Server URL (https://...)", ""), "/"),
				Username:  ask("  Username", ""),
				Password:  "${CLOUDSYNC_PASSWORD}",
			}
			acc.SyncRoot = ask("  Local sync folder", "")
			if info, err := os.Stat(acc.SyncRoot); err != nil || !info.IsDir() {
				return fmt.Errorf("sync folder does not exist: %s", acc.SyncRoot)
			}
			acc.RemoteRoot = ask("  Remote folder", "/")
			acc.SpaceID = ask("  Space id (empty for personal files)", "")
			cfg.Accounts = []config.AccountConfig{acc}

			fmt.Println("\nDatabase Configuration:")
			cfg.Database.Host = ask("  Host", "localhost")
			port, err := strconv.Atoi(ask("  Port", "5432"))
			if err != nil {
				return fmt.Errorf("invalid port: %w", err)
			}
			cfg.Database.Port = port
			cfg.Database.User = ask("  User", "")
			cfg.Database.Password = "${DB_PASSWORD}"
			cfg.Database.Database = ask("  Database name", "")
			if cfg.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
			cfg.Database.Schema = ask("  Schema name", config.SanitizeIdentifier(acc.Name))
			cfg.Database.SSLMode = ask("  SSL mode", "require")

			configDir, err := config.GetStateDir()
			if err != nil {
				return err
			}
			configPath := filepath.Join(configDir, "config.yaml")

			if err := config.WriteFile(configPath, cfg); err != nil {
				return err
			}

			fmt.Printf("\nConfig file written to: %s\n", configPath)
			fmt.Printf("\nIMPORTANT: Set the passwords as environment variables:\n")
			fmt.Printf("  export CLOUDSYNC_PASSWORD=...  # server password or app token\n")
			fmt.Printf("  export DB_PASSWORD=...\n")
			fmt.Println("\nTo run migrations, run: cloudsync migrate")
			fmt.Println("To test the connection, run: cloudsync status")
			fmt.Println("To start syncing, run: cloudsync daemon")

			return nil
		},
	}
}

func prefsCmd() *cobra.Command {
	var preferLocal string
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Show or change user preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			prefs, err := sync.LoadPreferences(cfg.Sync.PreferLocalOnConflict)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("prefer-local") {
				switch preferLocal {
				case "default":
					prefs.ResetPreferLocalOnConflict()
				default:
					v, err := strconv.ParseBool(preferLocal)
					if err != nil {
						return fmt.Errorf("--prefer-local takes true, false or default: %w", err)
					}
					prefs.SetPreferLocalOnConflict(v)
				}
				if err := prefs.Save(); err != nil {
					return err
				}
			}

			fmt.Printf("Prefer local on conflict: %t\n", prefs.PreferLocalOnConflict())
			return nil
		},
	}
	cmd.Flags().StringVar(&preferLocal, "prefer-local", "", "keep the local version when both sides changed (true, false, default)")
	return cmd
}
