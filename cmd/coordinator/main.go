package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/buildforge/coordinator/internal/configloader"
	"github.com/buildforge/coordinator/internal/coordinator"
	"github.com/buildforge/coordinator/internal/infrastructure/migrations"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := rootCommand().Execute(); err != nil {
		logger.Error("coordinator exited with error", "error", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var basedir string

	root := &cobra.Command{
		Use:   "coordinator",
		Short: "Runs the build-coordination control plane",
		Long:  "coordinator is the root service that loads master.cfg, reconciles the live component graph against it, and serves as the worker-facing build coordinator.",
	}
	root.PersistentFlags().StringVar(&basedir, "basedir", ".", "coordinator base directory, containing master.cfg")

	root.AddCommand(startCommand(&basedir))
	root.AddCommand(checkConfigCommand(&basedir))
	root.AddCommand(migrateCommand())

	return root
}

// startCommand runs the coordinator until SIGINT/SIGTERM (§4.6).
func startCommand(basedir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := coordinator.New(*basedir, coordinator.Options{})
			if err != nil {
				return fmt.Errorf("constructing coordinator: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := c.Start(ctx); err != nil {
				return fmt.Errorf("starting coordinator: %w", err)
			}

			<-ctx.Done()
			slog.Info("shutdown signal received, stopping coordinator")
			return c.Stop(context.Background())
		},
	}
}

// checkConfigCommand validates master.cfg without starting anything,
// mirroring buildbot's `checkconfig` (§12).
func checkConfigCommand(basedir *string) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "checkconfig",
		Short: "Validate the configuration artifact without starting the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := configloader.New(*basedir, slog.Default())
			if path == "" {
				path = loader.ArtifactPath()
			}
			if _, err := loader.Load(cmd.Context(), path, true); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: configuration OK\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "config", "", "path to the configuration artifact (default <basedir>/master.cfg)")
	return cmd
}

// migrateCommand delegates to the same migration CLI cmd/migrate wraps, so
// operators run `coordinator migrate up` instead of a separate binary.
func migrateCommand() *cobra.Command {
	migrationConfig, err := migrations.LoadConfig()
	if err != nil {
		return failingCommand("migrate", fmt.Errorf("loading migration config: %w", err))
	}
	backupConfig, err := migrations.LoadBackupConfig()
	if err != nil {
		return failingCommand("migrate", fmt.Errorf("loading backup config: %w", err))
	}
	healthConfig, err := migrations.LoadHealthConfig()
	if err != nil {
		return failingCommand("migrate", fmt.Errorf("loading health config: %w", err))
	}

	manager, err := migrations.NewMigrationManager(migrationConfig)
	if err != nil {
		return failingCommand("migrate", fmt.Errorf("creating migration manager: %w", err))
	}

	backupManager := migrations.NewBackupManager(backupConfig, manager.DB(), migrationConfig.Logger)
	healthChecker := migrations.NewHealthChecker(manager.DB(), healthConfig, migrationConfig.Logger).
		WithMigrationTable(migrationConfig.Table)
	cli := migrations.NewCLI(manager, backupManager, healthChecker, migrationConfig.Logger)

	migrateCmd := cli.GetRootCommand()
	migrateCmd.Use = "migrate"
	return migrateCmd
}

func failingCommand(use string, err error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: "unavailable: " + err.Error(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return err
		},
	}
}
