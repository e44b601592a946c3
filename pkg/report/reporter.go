// Package report pushes aggregated trybot state back to GitHub: the
// per-builder status table edited onto the announcement comment, and the
// commit status for the revision under test.
package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/crosswalk-project/trybot-controller/pkg/config"
	"github.com/crosswalk-project/trybot-controller/pkg/github"
	"github.com/crosswalk-project/trybot-controller/pkg/store"
)

// statusDescriptions are the human-readable commit status descriptions
// for the aggregate state.
var statusDescriptions = map[store.Status]string{
	store.StatusPending: "Some bots are still building this pull request",
	store.StatusFailure: "Some bots have failed to build this pull request",
	store.StatusSuccess: "All bots are green",
}

// buildDisplays are the markdown cells for individual builder rows.
var buildDisplays = map[store.Status]string{
	store.StatusPending: "In Progress",
	store.StatusFailure: "**FAILED** :broken_heart:",
	store.StatusSuccess: "**SUCCESS** :green_heart:",
}

// Reporter renders and pushes status for tracked pull requests.
type Reporter struct {
	log    logrus.FieldLogger
	store  store.Store
	github *github.Client
	cfg    *config.BuildbotConfig
}

// NewReporter creates a reporter.
func NewReporter(
	log logrus.FieldLogger,
	st store.Store,
	gh *github.Client,
	cfg *config.BuildbotConfig,
) *Reporter {
	return &Reporter{
		log:    log.WithField("component", "report"),
		store:  st,
		github: gh,
		cfg:    cfg,
	}
}

// ReportCommitStatus pushes the aggregate status of a pull request to
// the commit status API, keyed by the tracked head revision.
func (r *Reporter) ReportCommitStatus(
	ctx context.Context, pr *store.PullRequest,
) error {
	if err := r.github.PostStatus(
		ctx,
		pr.BaseRepoPath,
		pr.HeadSHA,
		string(pr.Status),
		statusDescriptions[pr.Status],
	); err != nil {
		return fmt.Errorf("reporting commit status: %w", err)
	}

	return nil
}

// ReportBuilderStatuses rebuilds the per-builder status table and edits
// it onto the original announcement comment.
func (r *Reporter) ReportBuilderStatuses(
	ctx context.Context, pr *store.PullRequest,
) error {
	builds, err := r.store.ListBuildsForPullRequest(ctx, pr.ID)
	if err != nil {
		return fmt.Errorf("reporting builder statuses: %w", err)
	}

	body := r.renderComment(pr, builds)

	if err := r.github.EditComment(
		ctx, pr.BaseRepoPath, pr.CommentID, body,
	); err != nil {
		return fmt.Errorf("reporting builder statuses: %w", err)
	}

	return nil
}

// renderComment produces the markdown body of the trybot comment.
func (r *Reporter) renderComment(
	pr *store.PullRequest, builds []store.TrybotBuild,
) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Testing patch series with %s@%s as its head.\n\n",
		pr.HeadRepoPath, pr.HeadSHA)
	b.WriteString("Bot | Status\n")
	b.WriteString("--- | ------\n")

	for i := range builds {
		build := &builds[i]
		fmt.Fprintf(&b, "%s | [%s](%s/builders/%s/builds/%d)\n",
			build.BuilderName,
			buildDisplays[build.Status],
			r.cfg.BaseURL,
			build.BuilderName,
			build.BuildNumber)
	}

	return b.String()
}

// AnnouncementBody is the initial comment posted when testing begins.
func AnnouncementBody(headRepoPath, headSHA string) string {
	return fmt.Sprintf(
		"The patch series with %s@%s as head will be tested soon.",
		headRepoPath, headSHA)
}
