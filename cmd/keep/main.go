package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/spf13/cobra"

	"keep/internal/app"
	"keep/internal/config"
	"keep/internal/keep"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", keep.UserMessage(err))
		os.Exit(exitCode(err))
	}
}

// exitCode maps error categories to distinct process exit codes.
func exitCode(err error) int {
	switch keep.Classify(err) {
	case keep.CategoryInput:
		return 2
	case keep.CategoryIntegrity:
		return 3
	case keep.CategoryResource:
		return 4
	case keep.CategoryConsistency:
		return 5
	default:
		return 1
	}
}

func readConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults["config_path"], nil
}

// newApp reads the config and creates a KeepApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "create", "restore").
func newApp(ctx context.Context, operation string) (*app.KeepApp, error) {
	cfg, _, err := readConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewKeepApp(ctx, cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:           "keep",
	Short:         "Encrypted backup and restore of application state",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Println("Add [[resources]] entries to the file before creating a backup.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := readConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Host ID:     %s\n", cfg.HostID)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Store:       %s\n", describeStore(cfg.Store))
		fmt.Printf("Catalog:     %s\n", cfg.Catalog.Type)
		fmt.Printf("Staging:     %s\n", cfg.Staging.Dir)
		fmt.Printf("KDF:         %s\n", cfg.Encryption.KDF)
		fmt.Printf("Compression: %s\n", cfg.Archive.Compression)
		fmt.Printf("Retention:   %s\n", formatDays(cfg.Retention.MaxAge()))
		if len(cfg.Resources) == 0 {
			fmt.Println("Resources:   none")
			return nil
		}
		fmt.Println("Resources:")
		for _, r := range cfg.Resources {
			optional := ""
			if r.Optional {
				optional = "  (optional)"
			}
			fmt.Printf("  %-12s %-7s %s%s\n", r.Name, r.Kind, r.Path, optional)
		}
		return nil
	},
}

func describeStore(s config.StoreConfig) string {
	switch s.Type {
	case "filesystem":
		return "filesystem " + s.Root
	case "s3":
		return fmt.Sprintf("s3://%s/%s", s.S3Bucket, s.S3Prefix)
	default:
		return s.Type
	}
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, inspect and restore backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Back up every configured resource",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase, err := readPassphrase(true)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "create")
		if err != nil {
			return err
		}
		defer a.Close()

		p := newProgressPrinter(os.Stderr)
		rec, err := a.CreateBackup(cmd.Context(), passphrase, p.Watch)
		p.Done()
		if err != nil {
			return err
		}

		fmt.Printf("Created %s (%s, %d resource(s))\n", rec.Name, humanize.IBytes(uint64(rec.SizeBytes)), len(rec.Resources))
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "list")
		if err != nil {
			return err
		}
		defer a.Close()

		recs, err := a.ListBackups(cmd.Context())
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No backups.")
			return nil
		}

		for _, r := range recs {
			names := make([]string, len(r.Resources))
			for i, res := range r.Resources {
				names[i] = res.Name
			}
			fmt.Printf("%s  %s  %9s  expires %-16s  %s\n",
				r.Name,
				r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				humanize.IBytes(uint64(r.SizeBytes)),
				humanize.Time(r.CreatedAt.Add(a.MaxAge())),
				strings.Join(names, ","),
			)
		}
		return nil
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify NAME",
	Short: "Check that a backup decrypts and is intact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase, err := readPassphrase(false)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "verify")
		if err != nil {
			return err
		}
		defer a.Close()

		p := newProgressPrinter(os.Stderr)
		res, err := a.VerifyBackup(cmd.Context(), args[0], passphrase, p.Watch)
		p.Done()
		if err != nil {
			return err
		}
		if !res.Valid {
			return &keep.VerificationError{Name: args[0], Reason: res.Reason}
		}
		fmt.Printf("%s is valid\n", args[0])
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore NAME",
	Short: "Replace live state with a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return errors.New("restore replaces live data; pass --yes to confirm")
		}
		passphrase, err := readPassphrase(false)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "restore")
		if err != nil {
			return err
		}
		defer a.Close()

		p := newProgressPrinter(os.Stderr)
		err = a.RestoreBackup(cmd.Context(), args[0], passphrase, p.Watch)
		p.Done()
		if err != nil {
			return err
		}
		fmt.Printf("Restored %s\n", args[0])
		return nil
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "delete")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.DeleteBackup(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

// retention command
var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Delete backups older than the retention window",
}

var retentionSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retention sweep",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "sweep")
		if err != nil {
			return err
		}
		defer a.Close()

		deleted, err := a.Sweep(cmd.Context())
		for _, name := range deleted {
			fmt.Printf("Deleted %s\n", name)
		}
		if err != nil {
			return err
		}
		if len(deleted) == 0 {
			fmt.Printf("No backups older than %s.\n", formatDays(a.MaxAge()))
		}
		return nil
	},
}

var retentionRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Sweep on the configured interval until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "sweep")
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Fprintln(os.Stderr, "Running retention schedule; press Ctrl-C to stop.")
		return a.RunRetention(cmd.Context(), clock.WallClock)
	},
}

// lock command
var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect the operation lock",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show who holds the operation lock",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "lock")
		if err != nil {
			return err
		}
		defer a.Close()

		lease, err := a.LockStatus()
		if err != nil {
			return err
		}
		if lease == nil {
			fmt.Println("Lock is free.")
			return nil
		}

		stale := ""
		if lease.Expired(time.Now()) {
			stale = "  [stale]"
		}
		fmt.Printf("Held by %s (pid %d) for %s since %s%s\n",
			lease.Holder, lease.PID, lease.Operation, humanize.Time(lease.AcquiredAt), stale)
		return nil
	},
}

// recover command
var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Repair state left by an interrupted operation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "recover")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Recover(cmd.Context())
		if err != nil {
			return err
		}

		clean := true
		if report.RolledBack != "" {
			fmt.Printf("Rolled back interrupted restore of %s\n", report.RolledBack)
			clean = false
		}
		if report.Completed != "" {
			fmt.Printf("Finished cleanup of restore of %s\n", report.Completed)
			clean = false
		}
		for _, name := range report.RemovedEntries {
			fmt.Printf("Dropped %s: archive missing\n", name)
			clean = false
		}
		for _, name := range report.RemovedOrphans {
			fmt.Printf("Deleted uncatalogued archive %s\n", name)
			clean = false
		}
		if clean {
			fmt.Println("Nothing to recover.")
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "history")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.GetHistory(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt.Valid {
				d := op.FinishedAt.Time.Sub(op.StartedAt)
				duration = d.Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-8s  %s  %-8s  %-10s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Local().Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				op.Detail,
			)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupVerifyCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupRestoreCmd.Flags().Bool("yes", false, "Confirm that live data will be replaced")
	backupCmd.AddCommand(backupDeleteCmd)

	retentionCmd.AddCommand(retentionSweepCmd)
	retentionCmd.AddCommand(retentionRunCmd)

	lockCmd.AddCommand(lockStatusCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(retentionCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}
