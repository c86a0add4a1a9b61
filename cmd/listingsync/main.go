// Command listingsync receives RevenueCat webhooks, keeps the entitlement
// ledger and moves paid listings into review.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:           "listingsync",
	Short:         "RevenueCat entitlement ledger and listing status reconciler",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook and entitlement HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := LoadConfig(envFile)
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, err := newServer(ctx, cfg, log)
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <user-id>...",
	Short: "Reconcile users from the RevenueCat REST API",
	Long: "Fetches each subscriber from RevenueCat and applies the result to the ledger.\n" +
		"Use it to repair users whose webhooks were missed. Requires LISTINGSYNC_REVENUECAT_API_KEY.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(envFile)
		if err != nil {
			return err
		}
		if cfg.RevenueCatAPIKey == "" {
			return errors.New("LISTINGSYNC_REVENUECAT_API_KEY is required for sync")
		}

		srv, err := newServer(cmd.Context(), cfg, newLogger(cfg))
		if err != nil {
			return err
		}
		defer srv.Close()
		return srv.SyncUsers(cmd.Context(), cmd.OutOrStdout(), args)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the postgres schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withPostgres(cmd.Context(), func(_ *Config, store migrator) error {
			if err := store.MigrateUp(); err != nil {
				return err
			}
			return printVersion(cmd, store)
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down [steps]",
	Short: "Roll back migrations (default: 1 step)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		steps := 1
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("steps must be an integer: %w", err)
			}
			steps = n
		}
		return withPostgres(cmd.Context(), func(_ *Config, store migrator) error {
			if err := store.MigrateDown(steps); err != nil {
				return err
			}
			return printVersion(cmd, store)
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withPostgres(cmd.Context(), func(_ *Config, store migrator) error {
			return printVersion(cmd, store)
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("listingsync %s\n", Version)
		if GitCommit != "unknown" {
			cmd.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file (default: ./.env if present)")

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	rootCmd.AddCommand(serveCmd, syncCmd, migrateCmd, versionCmd)
}

// migrator is the schema management surface of the postgres storage
type migrator interface {
	MigrateUp() error
	MigrateDown(steps int) error
	MigrationVersion() (uint, bool, error)
}

func withPostgres(ctx context.Context, fn func(*Config, migrator) error) error {
	cfg, err := LoadConfig(envFile)
	if err != nil {
		return err
	}
	store, err := openPostgres(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}

func printVersion(cmd *cobra.Command, store migrator) error {
	version, dirty, err := store.MigrationVersion()
	if err != nil {
		return err
	}
	cmd.Printf("schema version %d (dirty: %t)\n", version, dirty)
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
