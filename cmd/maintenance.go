package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/app"
	"github.com/JakeFAU/scrape-orchestrator/internal/lifecycle"
)

func newMaintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Run retention operations once and print the result as JSON",
	}

	var (
		days     int
		dryRun   bool
		strategy string
	)
	archive := &cobra.Command{
		Use:   "archive",
		Short: "Bundle completed jobs older than --days into the archive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd, func(ctx context.Context, m *lifecycle.Manager) (any, error) {
				return m.Archive(ctx, lifecycle.SweepOptions{Days: days, DryRun: dryRun})
			})
		},
	}
	archive.Flags().IntVar(&days, "days", 0, "age threshold in days (0 uses lifecycle.archive_after_days)")
	archive.Flags().BoolVar(&dryRun, "dry-run", false, "report candidates without changing anything")

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete archived jobs older than --days",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd, func(ctx context.Context, m *lifecycle.Manager) (any, error) {
				return m.Cleanup(ctx, lifecycle.SweepOptions{Days: days, DryRun: dryRun, Strategy: lifecycle.Strategy(strategy)})
			})
		},
	}
	cleanup.Flags().IntVar(&days, "days", 0, "age threshold in days (0 uses lifecycle.delete_after_days)")
	cleanup.Flags().BoolVar(&dryRun, "dry-run", false, "report candidates without changing anything")
	cleanup.Flags().StringVar(&strategy, "strategy", "", "soft or hard (empty uses lifecycle.deletion_strategy)")

	restore := &cobra.Command{
		Use:   "restore JOB_ID",
		Short: "Extract an archived job back into the active tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *lifecycle.Manager) (any, error) {
				return m.Restore(ctx, args[0])
			})
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Report active and archived storage usage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd, func(ctx context.Context, m *lifecycle.Manager) (any, error) {
				return m.StorageStats(ctx)
			})
		},
	}

	cmd.AddCommand(archive, cleanup, restore, stats)
	return cmd
}

// withManager builds the application services, runs fn against the lifecycle
// manager and prints its result.
func withManager(cmd *cobra.Command, fn func(ctx context.Context, m *lifecycle.Manager) (any, error)) error {
	rt, err := runtimeFrom(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := app.New(ctx, rt.cfg, rt.logger, nil)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			rt.logger.Warn("close application", zap.Error(cerr))
		}
	}()

	res, err := fn(ctx, a.Lifecycle())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
