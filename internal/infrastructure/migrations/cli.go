package migrations

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// CLI is wrapped by `coordinator migrate` (cmd/coordinator) so operators
// run schema migrations against the same basedir as the running master.
type CLI struct {
	manager       *MigrationManager
	backupManager *BackupManager
	healthChecker *HealthChecker
}

// NewCLI builds the migrate subcommand tree around manager/backupManager/
// healthChecker. logger is accepted for parity with the rest of the
// package's constructors but unused here: every subcommand reports through
// cmd.OutOrStdout() rather than a logger, since its output is meant for an
// operator's terminal, not the coordinator's structured log stream.
func NewCLI(manager *MigrationManager, backupManager *BackupManager, healthChecker *HealthChecker, _ *slog.Logger) *CLI {
	return &CLI{
		manager:       manager,
		backupManager: backupManager,
		healthChecker: healthChecker,
	}
}

// GetRootCommand assembles the full `migrate` command tree.
func (cli *CLI) GetRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the coordinator's own schema migrations",
		Long:  "Apply, inspect and roll back the schema migrations backing changes/buildsets/buildrequests/builds/object_state, with backups and health checks around the risky operations.",
	}

	rootCmd.AddCommand(
		cli.upCommand(),
		cli.downCommand(),
		cli.statusCommand(),
		cli.versionCommand(),
		cli.createCommand(),
		cli.redoCommand(),
		cli.resetCommand(),
		cli.validateCommand(),
		cli.fixCommand(),
		cli.backupCommand(),
		cli.restoreCommand(),
		cli.healthCommand(),
	)

	return rootCmd
}

// upCommand applies all pending migrations, or up to a given version.
func (cli *CLI) upCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "up [version]",
		Short: "Apply migrations",
		Long:  "Apply all pending migrations or up to a specific version",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if err := cli.healthChecker.PreMigrationCheck(ctx); err != nil {
				return fmt.Errorf("pre-migration health check failed: %w", err)
			}

			if _, err := cli.backupManager.createBackup(ctx, "pre_migration"); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: pre-migration backup failed: %v\n", err)
			}

			var err error
			if len(args) == 0 {
				err = cli.manager.Up(ctx)
			} else {
				version, parseErr := strconv.ParseInt(args[0], 10, 64)
				if parseErr != nil {
					return fmt.Errorf("invalid version number: %w", parseErr)
				}
				err = cli.manager.UpTo(ctx, version)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			if _, err := cli.backupManager.createBackup(ctx, "post_migration"); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: post-migration backup failed: %v\n", err)
			}

			if err := cli.healthChecker.PostMigrationCheck(ctx); err != nil {
				return fmt.Errorf("post-migration health check failed: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied successfully")
			return nil
		},
	}

	cmd.Flags().BoolP("dry-run", "d", false, "Accepted but not read: migrations are applied regardless")
	cmd.Flags().Bool("no-backup", false, "Accepted but not read: backups are attempted regardless")
	cmd.Flags().Bool("no-health-check", false, "Accepted but not read: health checks run regardless")

	return cmd
}

// downCommand rolls back all migrations, or a given number of steps.
func (cli *CLI) downCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "down [steps]",
		Short: "Rollback migrations",
		Long:  "Rollback all migrations or a specific number of steps",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if _, err := cli.backupManager.createBackup(ctx, "pre_migration"); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: pre-rollback backup failed: %v\n", err)
			}

			var err error
			if len(args) == 0 {
				err = cli.manager.Down(ctx)
			} else {
				steps, parseErr := strconv.Atoi(args[0])
				if parseErr != nil {
					return fmt.Errorf("invalid number of steps: %w", parseErr)
				}
				for i := 0; i < steps; i++ {
					if downErr := cli.manager.DownByOne(ctx); downErr != nil {
						err = downErr
						break
					}
				}
			}
			if err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}

			if _, err := cli.backupManager.createBackup(ctx, "post_migration"); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: post-rollback backup failed: %v\n", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "migrations rolled back successfully")
			return nil
		},
	}

	cmd.Flags().Bool("no-backup", false, "Accepted but not read: backups are attempted regardless")

	return cmd
}

// statusCommand prints every known migration alongside its applied state.
func (cli *CLI) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		Long:  "Show the current status of all migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			statuses, err := cli.manager.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			version, err := cli.manager.Version(ctx)
			if err != nil {
				return fmt.Errorf("failed to get current version: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Current migration version: %d\n\n", version)
			fmt.Fprintf(out, "%-10s %-15s %-12s %s\n", "VERSION", "APPLIED", "TIMESTAMP", "DESCRIPTION")
			fmt.Fprintln(out, strings.Repeat("-", 80))
			for _, status := range statuses {
				applied := "NO"
				if status.IsApplied {
					applied = "YES"
				}
				timestamp := "N/A"
				if !status.Timestamp.IsZero() {
					timestamp = status.Timestamp.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(out, "%-10d %-15s %-12s %s\n", status.VersionID, applied, timestamp, status.Description)
			}
			return nil
		},
	}
}

// versionCommand prints the database's current schema version.
func (cli *CLI) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show current migration version",
		Long:  "Show the current migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := cli.manager.Version(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration version: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Current migration version: %d\n", version)
			return nil
		},
	}
}

// createCommand scaffolds a new timestamped migration file.
func (cli *CLI) createCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new migration file",
		Long:  "Create a new migration file with the given name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filename, err := cli.manager.Create(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to create migration: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created migration file: %s\n", filename)
			return nil
		},
	}
}

// redoCommand rolls back and reapplies the most recently applied migration.
func (cli *CLI) redoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "redo",
		Short: "Redo the last migration",
		Long:  "Rollback and reapply the last migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.manager.Redo(cmd.Context()); err != nil {
				return fmt.Errorf("failed to redo migration: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "last migration redone successfully")
			return nil
		},
	}
}

// resetCommand rolls back every migration after an interactive confirmation.
func (cli *CLI) resetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset all migrations",
		Long:  "Rollback all migrations and reset the database to initial state",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.OutOrStdout(), "WARNING: this will reset ALL migrations and potentially lose data. Continue? (yes/no): ")
			response, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil {
				return fmt.Errorf("reading confirmation: %w", err)
			}
			if strings.ToLower(strings.TrimSpace(response)) != "yes" {
				fmt.Fprintln(cmd.OutOrStdout(), "operation cancelled")
				return nil
			}

			if err := cli.manager.Reset(cmd.Context()); err != nil {
				return fmt.Errorf("failed to reset migrations: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "all migrations reset successfully")
			return nil
		},
	}
	return cmd
}

// validateCommand checks migration file and applied-version consistency.
func (cli *CLI) validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate migrations",
		Long:  "Validate the integrity and consistency of migration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.manager.Validate(cmd.Context()); err != nil {
				return fmt.Errorf("migration validation failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migration validation successful")
			return nil
		},
	}
}

// fixCommand runs MigrationManager.Fix, which makes no changes to the
// tracking table or the migration files.
func (cli *CLI) fixCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fix",
		Short: "Run the migration fix step (makes no changes)",
		Long:  "Run the migration fix step; it only logs and does not modify the tracking table or migration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.manager.Fix(cmd.Context()); err != nil {
				return fmt.Errorf("failed to fix migrations: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migration fix completed successfully")
			return nil
		},
	}
}

// backupCommand groups the backup create/list/cleanup subcommands.
func (cli *CLI) backupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage database backups",
		Long:  "Create, list, and manage database backups for migrations",
	}
	cmd.AddCommand(cli.backupCreateCommand(), cli.backupListCommand(), cli.backupCleanupCommand())
	return cmd
}

// backupCreateCommand snapshots the database on demand, outside the
// up/down lifecycle.
func (cli *CLI) backupCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a database backup",
		Long:  "Create a backup of the current database state",
		RunE: func(cmd *cobra.Command, args []string) error {
			backupFile, err := cli.backupManager.createBackup(cmd.Context(), "manual")
			if err != nil {
				return fmt.Errorf("failed to create backup: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup created: %s\n", backupFile)
			return nil
		},
	}
}

// backupListCommand prints aggregate statistics over the backup directory.
func (cli *CLI) backupListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backup files",
		Long:  "Show all available backup files with their statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := cli.backupManager.GetBackupStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get backup stats: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Total backups: %v\n", stats["total_backups"])
			fmt.Fprintf(out, "Total size: %v bytes\n", stats["total_size"])
			if oldest := stats["oldest_backup"]; oldest != nil {
				fmt.Fprintf(out, "Oldest backup: %v\n", oldest)
			}
			if newest := stats["newest_backup"]; newest != nil {
				fmt.Fprintf(out, "Newest backup: %v\n", newest)
			}
			return nil
		},
	}
}

// backupCleanupCommand removes backups older than the retention window.
func (cli *CLI) backupCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Clean up old backup files",
		Long:  "Remove backup files older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.backupManager.CleanupOldBackups(cmd.Context()); err != nil {
				return fmt.Errorf("failed to cleanup backups: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "backup cleanup completed")
			return nil
		},
	}
}

// restoreCommand replaces the live database with the contents of a backup.
func (cli *CLI) restoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup-file>",
		Short: "Restore from backup",
		Long:  "Restore the database from a backup file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backupFile := args[0]
			ctx := cmd.Context()

			if _, err := os.Stat(backupFile); os.IsNotExist(err) {
				return fmt.Errorf("backup file does not exist: %s", backupFile)
			}
			if err := cli.backupManager.VerifyBackup(ctx, backupFile); err != nil {
				return fmt.Errorf("backup verification failed: %w", err)
			}
			if err := cli.backupManager.RestoreFromBackup(ctx, backupFile); err != nil {
				return fmt.Errorf("failed to restore from backup: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Database restored from backup: %s\n", backupFile)
			return nil
		},
	}
}

// healthCommand runs the same checks upCommand runs before a migration, on
// demand.
func (cli *CLI) healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run health checks",
		Long:  "Run health checks on the database and migration system",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.healthChecker.PreMigrationCheck(cmd.Context()); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "all health checks passed")
			return nil
		},
	}
}

// Execute runs the CLI's root command against os.Args.
func (cli *CLI) Execute() error {
	return cli.GetRootCommand().Execute()
}
