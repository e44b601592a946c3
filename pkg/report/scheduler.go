package report

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/crosswalk-project/trybot-controller/pkg/store"
)

// Scheduler periodically drains pull requests flagged for sync, pushes
// their status to GitHub, and prunes terminal entries.
type Scheduler struct {
	log         logrus.FieldLogger
	store       store.Store
	reporter    *Reporter
	interval    time.Duration
	pendingTTL  time.Duration
	concurrency int

	wg   sync.WaitGroup
	done chan struct{}
}

// NewScheduler creates a sync scheduler. A pendingTTL of zero disables
// stale-pending expiry.
func NewScheduler(
	log logrus.FieldLogger,
	st store.Store,
	reporter *Reporter,
	interval time.Duration,
	pendingTTL time.Duration,
	concurrency int,
) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}

	return &Scheduler{
		log:         log.WithField("component", "sync"),
		store:       st,
		reporter:    reporter,
		interval:    interval,
		pendingTTL:  pendingTTL,
		concurrency: concurrency,
		done:        make(chan struct{}),
	}
}

// Start launches the periodic sync loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.WithField("interval", s.interval).Info("Sync scheduler started")

		for {
			select {
			case <-ticker.C:
				if err := s.RunOnce(ctx); err != nil {
					s.log.WithError(err).Warn("Sync cycle failed")
				}
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the sync loop and waits for an in-flight cycle.
func (s *Scheduler) Stop() {
	close(s.done)
	s.wg.Wait()
}

// RunOnce executes a single sync cycle: report every flagged pull
// request, prune terminal rows, and expire stale pending rows.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	prs, err := s.store.ListPullRequestsNeedingSync(ctx)
	if err != nil {
		return fmt.Errorf("sync cycle: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i := range prs {
		pr := &prs[i]

		g.Go(func() error {
			s.syncPullRequest(gctx, pr)

			return nil
		})
	}

	// Sync errors are logged per row, never propagated.
	_ = g.Wait()

	if err := s.store.DeleteTerminalPullRequests(ctx); err != nil {
		return fmt.Errorf("sync cycle: %w", err)
	}

	if s.pendingTTL > 0 {
		expired, err := s.store.ExpireStalePending(
			ctx, time.Now().Add(-s.pendingTTL),
		)
		if err != nil {
			return fmt.Errorf("sync cycle: %w", err)
		}

		if expired > 0 {
			s.log.WithField("count", expired).
				Warn("Expired pull requests stuck pending")
		}
	}

	return nil
}

// syncPullRequest reports a single flagged pull request. The needs_sync
// flag is cleared before reporting: a failure mid-report leaves the row
// unflagged rather than wedged, and the next status packet or expiry
// re-flags it. Downstream reporting is idempotent, so the duplicate
// report on a crashed cycle is the cheaper failure mode.
func (s *Scheduler) syncPullRequest(
	ctx context.Context, pr *store.PullRequest,
) {
	if err := s.store.SetNeedsSync(ctx, pr.ID, false); err != nil {
		s.log.WithError(err).
			WithField("pull_request", pr.ID).
			Warn("Failed to clear sync flag")

		return
	}

	if err := s.reporter.ReportBuilderStatuses(ctx, pr); err != nil {
		s.log.WithError(err).
			WithField("pull_request", pr.ID).
			Warn("Failed to update trybot comment")
	}

	if err := s.reporter.ReportCommitStatus(ctx, pr); err != nil {
		s.log.WithError(err).
			WithField("pull_request", pr.ID).
			Warn("Failed to update commit status")
	}
}
