// Package dispatch decides whether a pull request event should trigger
// trybot builds, creates the tracked state, and forwards the patch to
// Buildbot.
package dispatch

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/crosswalk-project/trybot-controller/pkg/buildbot"
	"github.com/crosswalk-project/trybot-controller/pkg/config"
	"github.com/crosswalk-project/trybot-controller/pkg/events"
	"github.com/crosswalk-project/trybot-controller/pkg/github"
	"github.com/crosswalk-project/trybot-controller/pkg/report"
	"github.com/crosswalk-project/trybot-controller/pkg/store"
)

// authorEmail is the address Buildbot notifies about try job results.
const authorEmail = "noreply@01.org"

// Handler consumes pull_request events from the bus.
type Handler struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	store    store.Store
	github   *github.Client
	buildbot *buildbot.Client
	reporter *report.Reporter
}

// NewHandler creates a dispatch handler.
func NewHandler(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	gh *github.Client,
	bb *buildbot.Client,
	reporter *report.Reporter,
) *Handler {
	return &Handler{
		log:      log.WithField("component", "dispatch"),
		cfg:      cfg,
		store:    st,
		github:   gh,
		buildbot: bb,
		reporter: reporter,
	}
}

// Register subscribes the handler to the event bus.
func (h *Handler) Register(bus *events.Bus) {
	bus.Subscribe(events.TopicPullRequestChanged, h.HandlePullRequest)
}

// HandlePullRequest triggers trybot builds for eligible pull request
// events. "reopened" is irrelevant here, and "closed" is deliberately not
// handled: in-flight builds cannot be killed mid-run, so cleanup happens
// when they finish and the sync cycle prunes the terminal row.
func (h *Handler) HandlePullRequest(
	ctx context.Context, ev *github.PullRequestEvent,
) error {
	if ev.Action != github.ActionOpened &&
		ev.Action != github.ActionSynchronize {
		h.log.WithField("action", ev.Action).
			Warn("Ignoring action type")

		return nil
	}

	pr := &ev.PullRequest

	project := pr.Base.Repo.Name
	branch := pr.Base.Ref

	if !h.cfg.BranchAllowed(project, branch) {
		h.log.WithField("project", project).
			WithField("branch", branch).
			Debug("No trybots for target branch")

		return nil
	}

	// Fetch the patch first: it is the only step whose failure is
	// surfaced to the webhook caller, and no state exists yet so the
	// redelivery retry is safe.
	patch, err := h.github.FetchPatch(ctx, pr.PatchURL)
	if err != nil {
		return fmt.Errorf("dispatching pull request %d: %w", pr.Number, err)
	}

	commentID, err := h.github.PostComment(
		ctx,
		pr.Base.Repo.FullName,
		pr.Number,
		report.AnnouncementBody(pr.Head.Repo.FullName, pr.Head.SHA),
	)
	if err != nil {
		return fmt.Errorf("dispatching pull request %d: %w", pr.Number, err)
	}

	tracked := &store.PullRequest{
		Number:       pr.Number,
		HeadSHA:      pr.Head.SHA,
		BaseRepoPath: pr.Base.Repo.FullName,
		HeadRepoPath: pr.Head.Repo.FullName,
		CommentID:    commentID,
		Status:       store.StatusPending,
	}

	if err := h.store.CreatePullRequest(ctx, tracked); err != nil {
		return fmt.Errorf("dispatching pull request %d: %w", pr.Number, err)
	}

	// Eager first report. A failure here is recoverable: needs_sync is
	// still set, so the next sync cycle pushes the status again.
	if err := h.reporter.ReportCommitStatus(ctx, tracked); err != nil {
		h.log.WithError(err).
			WithField("pull_request", tracked.ID).
			Warn("Failed to push initial commit status")
	}

	job := &buildbot.TryJob{
		User:       pr.User.Login,
		Name:       pr.Title,
		Email:      authorEmail,
		Revision:   pr.Head.SHA,
		Project:    project,
		Repository: project,
		Branch:     branch,
		Patch:      patch,
		// The internal row ID, not the pull request number: numbers
		// are not unique across forks, the correlation token must be.
		Issue: tracked.ID,
	}

	if err := h.buildbot.SendPatch(ctx, job); err != nil {
		// The row stays Pending; stale-pending expiry reaps it if the
		// job never made it to Buildbot.
		h.log.WithError(err).
			WithField("pull_request", tracked.ID).
			Error("Failed to submit try job")
	}

	h.log.WithField("pull_request", tracked.ID).
		WithField("number", pr.Number).
		WithField("revision", pr.Head.SHA).
		Info("Pull request dispatched to trybots")

	return nil
}
