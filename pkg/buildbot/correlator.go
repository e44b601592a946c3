package buildbot

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/crosswalk-project/trybot-controller/pkg/store"
)

// Correlator applies Buildbot status-push packets to the tracked state.
type Correlator struct {
	log   logrus.FieldLogger
	store store.Store
}

// NewCorrelator creates a correlator backed by the given store.
func NewCorrelator(log logrus.FieldLogger, st store.Store) *Correlator {
	return &Correlator{
		log:   log.WithField("component", "correlator"),
		store: st,
	}
}

// ProcessBatch applies each packet of a batch in order. A malformed or
// unresolvable packet is logged and skipped so its siblings still apply:
// Buildbot redelivers the whole batch on any non-success response, and
// one corrupt packet must not block the rest.
func (c *Correlator) ProcessBatch(ctx context.Context, packets []Packet) {
	for i := range packets {
		if err := c.processPacket(ctx, &packets[i]); err != nil {
			c.log.WithError(err).
				WithField("packet", i).
				WithField("event", packets[i].Event).
				Warn("Skipping packet")
		}
	}
}

func (c *Correlator) processPacket(ctx context.Context, p *Packet) error {
	build, err := p.Validate()
	if err != nil {
		return err
	}

	id, err := build.IssueID()
	if err != nil {
		return err
	}

	pr, err := c.store.GetPullRequest(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("pull request with id=%d does not exist", id)
		}

		return err
	}

	switch p.Event {
	case EventBuildStarted:
		inserted, err := c.store.CreateBuild(ctx, &store.TrybotBuild{
			PullRequestID: pr.ID,
			BuilderName:   build.BuilderName,
			BuildNumber:   build.Number,
			Status:        store.StatusPending,
		})
		if err != nil {
			return err
		}

		if !inserted {
			// Redelivered packet; the run is already tracked.
			c.log.WithField("builder", build.BuilderName).
				WithField("number", build.Number).
				Debug("Dropped duplicate buildStarted")

			return nil
		}
	case EventBuildFinished:
		run, err := c.store.GetBuildByKey(
			ctx, build.BuilderName, build.Number,
		)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no tracked build for %s#%d",
					build.BuilderName, build.Number)
			}

			return err
		}

		if err := c.store.SetBuildStatus(
			ctx, run.ID, build.ResultStatus(),
		); err != nil {
			return err
		}
	case EventBuildsetFinished:
		// The aggregate verdict is asserted by Buildbot itself, not
		// derived from the individual builds.
		if err := c.store.SetPullRequestStatus(
			ctx, pr.ID, build.ResultStatus(),
		); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown event type %q", p.Event)
	}

	return c.store.SetNeedsSync(ctx, pr.ID, true)
}
