package jira

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/crosswalk-project/trybot-controller/pkg/config"
	"github.com/crosswalk-project/trybot-controller/pkg/events"
	"github.com/crosswalk-project/trybot-controller/pkg/github"
)

const (
	openCommentTemplate = "(i) [%s|%s] referenced this issue in project" +
		" [%s|%s]:\n\n*[Pull Request %d|%s]* _\"%s\"_"

	closeCommentTemplate = "(/) [%s|%s] resolved this issue with " +
		"*[Pull Request %d|%s]*"
)

// IssueRef is one JIRA issue mentioned in a pull request body. Resolve is
// set when the mentioning line marks the issue as fixed by the pull
// request (a "BUG=" line).
type IssueRef struct {
	ID      string
	Resolve bool
}

// Handler scans pull request bodies for JIRA issue references and
// updates the mentioned issues.
type Handler struct {
	log     logrus.FieldLogger
	cfg     *config.JIRAConfig
	client  *Client
	issueRe *regexp.Regexp
}

// NewHandler creates a JIRA updater for the configured project.
func NewHandler(log logrus.FieldLogger, cfg *config.JIRAConfig) *Handler {
	return &Handler{
		log:     log.WithField("component", "jira"),
		cfg:     cfg,
		client:  NewClient(log, cfg),
		issueRe: regexp.MustCompile(fmt.Sprintf(`(%s-\d+)`, regexp.QuoteMeta(cfg.Project))),
	}
}

// Register subscribes the handler to the event bus.
func (h *Handler) Register(bus *events.Bus) {
	bus.Subscribe(events.TopicPullRequestChanged, h.HandlePullRequest)
}

// SearchIssues parses a pull request body and returns the issues it
// references, deduplicated, at most one per line.
func (h *Handler) SearchIssues(body string) []IssueRef {
	var refs []IssueRef

	seen := make(map[string]struct{})

	for _, line := range strings.Split(body, "\n") {
		match := h.issueRe.FindStringSubmatch(line)
		if match == nil {
			continue
		}

		id := match[1]
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		refs = append(refs, IssueRef{
			ID:      id,
			Resolve: strings.HasPrefix(line, "BUG="),
		})
	}

	return refs
}

// HandlePullRequest comments on issues referenced by an opened pull
// request and resolves issues fixed by a merged one. JIRA failures are
// logged and never propagated: the trybot flow must not fail because the
// issue tracker is down.
func (h *Handler) HandlePullRequest(
	ctx context.Context, ev *github.PullRequestEvent,
) error {
	pr := &ev.PullRequest

	// A pull request with only a title has no body to scan.
	if pr.Body == nil || *pr.Body == "" {
		h.log.WithField("number", pr.Number).
			Info("Pull request has an empty body, skipping")

		return nil
	}

	for _, issue := range h.SearchIssues(*pr.Body) {
		switch {
		case ev.Action == github.ActionOpened:
			comment := fmt.Sprintf(openCommentTemplate,
				pr.User.Login, pr.User.HTMLURL,
				pr.Head.Repo.Name, pr.Head.Repo.HTMLURL,
				pr.Number, pr.HTMLURL, pr.Title)

			if err := h.client.AddComment(ctx, issue.ID, comment); err != nil {
				h.log.WithError(err).
					WithField("issue", issue.ID).
					Error("Could not comment on issue")

				continue
			}

			h.log.WithField("issue", issue.ID).
				Debug("Commented on issue")
		case ev.Action == github.ActionClosed && pr.Merged && issue.Resolve:
			comment := fmt.Sprintf(closeCommentTemplate,
				pr.User.Login, pr.User.HTMLURL,
				pr.Number, pr.HTMLURL)

			if err := h.client.AddComment(ctx, issue.ID, comment); err != nil {
				h.log.WithError(err).
					WithField("issue", issue.ID).
					Error("Could not comment on issue")

				continue
			}

			if err := h.client.ResolveIssue(ctx, issue.ID); err != nil {
				h.log.WithError(err).
					WithField("issue", issue.ID).
					Error("Could not resolve issue")

				continue
			}

			h.log.WithField("issue", issue.ID).
				Debug("Resolved issue")
		default:
			h.log.WithField("issue", issue.ID).
				Debug("Nothing to do with issue")
		}
	}

	return nil
}
