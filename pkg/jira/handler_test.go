package jira_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosswalk-project/trybot-controller/pkg/config"
	"github.com/crosswalk-project/trybot-controller/pkg/github"
	"github.com/crosswalk-project/trybot-controller/pkg/jira"
)

// fakeJIRA records comment and transition requests per issue path.
type fakeJIRA struct {
	mu       sync.Mutex
	requests []string
}

func (j *fakeJIRA) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		j.mu.Lock()
		j.requests = append(j.requests, r.URL.Path)
		j.mu.Unlock()

		w.WriteHeader(http.StatusCreated)
	})
}

func (j *fakeJIRA) recorded() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	return append([]string(nil), j.requests...)
}

func setupHandler(t *testing.T) (*jira.Handler, *fakeJIRA) {
	t.Helper()

	fake := &fakeJIRA{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := &config.JIRAConfig{
		Enabled:             true,
		Server:              srv.URL,
		Username:            "trybot",
		Password:            "secret",
		Project:             "XWALK",
		ResolveTransitionID: "5",
		FixedResolutionID:   "1",
	}

	return jira.NewHandler(log, cfg), fake
}

func strp(s string) *string { return &s }

func event(action string, merged bool, body *string) *github.PullRequestEvent {
	return &github.PullRequestEvent{
		Action: action,
		PullRequest: github.PullRequest{
			Number:  12,
			Title:   "Fix the widget",
			Body:    body,
			HTMLURL: "https://github.com/crosswalk-project/crosswalk/pull/12",
			Merged:  merged,
			User: github.User{
				Login:   "contributor",
				HTMLURL: "https://github.com/contributor",
			},
			Head: github.Ref{
				SHA: "abc123",
				Repo: github.Repository{
					Name:     "crosswalk",
					FullName: "contributor/crosswalk",
					HTMLURL:  "https://github.com/contributor/crosswalk",
				},
			},
			Base: github.Ref{
				SHA: "def456",
				Repo: github.Repository{
					Name:     "crosswalk",
					FullName: "crosswalk-project/crosswalk",
				},
			},
		},
	}
}

func TestSearchIssues(t *testing.T) {
	h, _ := setupHandler(t)

	t.Run("one per line deduplicated", func(t *testing.T) {
		refs := h.SearchIssues(
			"Fixes a bug in XWALK-101 and XWALK-102.\n" +
				"See also XWALK-101.\n" +
				"BUG=XWALK-200\n")

		require.Len(t, refs, 2)
		assert.Equal(t, jira.IssueRef{ID: "XWALK-101"}, refs[0])
		assert.Equal(t, jira.IssueRef{ID: "XWALK-200", Resolve: true}, refs[1])
	})

	t.Run("no references", func(t *testing.T) {
		assert.Empty(t, h.SearchIssues("Just a refactoring.\n"))
	})

	t.Run("other projects ignored", func(t *testing.T) {
		assert.Empty(t, h.SearchIssues("Related to OTHER-33.\n"))
	})

	t.Run("resolve only for bug lines", func(t *testing.T) {
		refs := h.SearchIssues("This mentions XWALK-7 mid-sentence.\n")
		require.Len(t, refs, 1)
		assert.False(t, refs[0].Resolve)
	})
}

func TestHandlePullRequest_Opened(t *testing.T) {
	h, fake := setupHandler(t)

	ev := event(github.ActionOpened, false, strp("BUG=XWALK-42\n"))
	require.NoError(t, h.HandlePullRequest(context.Background(), ev))

	assert.Equal(t, []string{
		"/rest/api/2/issue/XWALK-42/comment",
	}, fake.recorded())
}

func TestHandlePullRequest_MergedResolves(t *testing.T) {
	h, fake := setupHandler(t)

	ev := event(github.ActionClosed, true, strp("BUG=XWALK-42\n"))
	require.NoError(t, h.HandlePullRequest(context.Background(), ev))

	assert.Equal(t, []string{
		"/rest/api/2/issue/XWALK-42/comment",
		"/rest/api/2/issue/XWALK-42/transitions",
	}, fake.recorded())
}

func TestHandlePullRequest_ClosedUnmerged(t *testing.T) {
	h, fake := setupHandler(t)

	ev := event(github.ActionClosed, false, strp("BUG=XWALK-42\n"))
	require.NoError(t, h.HandlePullRequest(context.Background(), ev))

	assert.Empty(t, fake.recorded(), "abandoned pull requests leave issues alone")
}

func TestHandlePullRequest_MentionWithoutBugLine(t *testing.T) {
	h, fake := setupHandler(t)

	// Merged, but the issue is only mentioned, not marked as fixed.
	ev := event(github.ActionClosed, true, strp("Touches XWALK-42.\n"))
	require.NoError(t, h.HandlePullRequest(context.Background(), ev))

	assert.Empty(t, fake.recorded())
}

func TestHandlePullRequest_EmptyBody(t *testing.T) {
	h, fake := setupHandler(t)

	require.NoError(t, h.HandlePullRequest(
		context.Background(), event(github.ActionOpened, false, nil)))
	require.NoError(t, h.HandlePullRequest(
		context.Background(), event(github.ActionOpened, false, strp(""))))

	assert.Empty(t, fake.recorded())
}

func TestHandlePullRequest_JIRAFailureIsSwallowed(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
	t.Cleanup(srv.Close)

	h := jira.NewHandler(log, &config.JIRAConfig{
		Enabled: true,
		Server:  srv.URL,
		Project: "XWALK",
	})

	ev := event(github.ActionOpened, false, strp("BUG=XWALK-42\n"))
	assert.NoError(t, h.HandlePullRequest(context.Background(), ev),
		"issue tracker outages must not fail the trybot flow")
}
