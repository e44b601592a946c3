package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crosswalk-project/trybot-controller/pkg/github"
	"github.com/crosswalk-project/trybot-controller/pkg/report"
	"github.com/crosswalk-project/trybot-controller/pkg/store"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one status sync cycle and exit",
	Long: `Go through the pull requests flagged for sync, update their
trybot comment and commit status on GitHub, and prune finished entries.
Meant for deployments that drive syncing from an external timer instead
of the in-process scheduler.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Store stop error")
		}
	}()

	ghClient := github.NewClient(log, &cfg.GitHub)
	reporter := report.NewReporter(log, st, ghClient, &cfg.Buildbot)

	interval, err := cfg.SyncInterval()
	if err != nil {
		return fmt.Errorf("parsing sync interval: %w", err)
	}

	pendingTTL, err := cfg.PendingTTL()
	if err != nil {
		return fmt.Errorf("parsing pending ttl: %w", err)
	}

	scheduler := report.NewScheduler(
		log, st, reporter, interval, pendingTTL, cfg.Sync.Concurrency,
	)

	if err := scheduler.RunOnce(ctx); err != nil {
		return fmt.Errorf("running sync cycle: %w", err)
	}

	return nil
}
