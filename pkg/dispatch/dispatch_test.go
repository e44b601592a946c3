package dispatch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosswalk-project/trybot-controller/pkg/buildbot"
	"github.com/crosswalk-project/trybot-controller/pkg/config"
	"github.com/crosswalk-project/trybot-controller/pkg/dispatch"
	"github.com/crosswalk-project/trybot-controller/pkg/github"
	"github.com/crosswalk-project/trybot-controller/pkg/report"
	"github.com/crosswalk-project/trybot-controller/pkg/store"
)

const patchBody = "diff --git a/README.md b/README.md\n"

// fakeGitHub serves patch downloads and records API calls.
type fakeGitHub struct {
	mu       sync.Mutex
	comments int
	statuses int

	failPatch bool
}

func (g *fakeGitHub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()

		switch {
		case strings.HasSuffix(r.URL.Path, ".patch"):
			if g.failPatch {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(patchBody))
		case strings.Contains(r.URL.Path, "/comments"):
			g.comments++
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id": 77}`))
		case strings.Contains(r.URL.Path, "/statuses/"):
			g.statuses++
			_, _ = w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

// fakeBuildbot records submitted try jobs.
type fakeBuildbot struct {
	mu   sync.Mutex
	jobs []url.Values
}

func (b *fakeBuildbot) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		b.mu.Lock()
		b.jobs = append(b.jobs, r.PostForm)
		b.mu.Unlock()

		w.WriteHeader(http.StatusOK)
	})
}

type fixture struct {
	handler  *dispatch.Handler
	store    store.Store
	github   *fakeGitHub
	buildbot *fakeBuildbot
	ghURL    string
}

func setup(t *testing.T) *fixture {
	t.Helper()

	gh := &fakeGitHub{}
	ghSrv := httptest.NewServer(gh.handler())
	t.Cleanup(ghSrv.Close)

	bb := &fakeBuildbot{}
	bbSrv := httptest.NewServer(bb.handler())
	t.Cleanup(bbSrv.Close)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteConfig{Path: ":memory:"},
		},
		GitHub: config.GitHubConfig{
			APIBaseURL:  ghSrv.URL,
			Username:    "trybot",
			AccessToken: "token",
		},
		Buildbot: config.BuildbotConfig{
			BaseURL:      bbSrv.URL,
			SendPatchURL: bbSrv.URL + "/try",
		},
		Branches: map[string][]string{
			config.DefaultBranchKey: {"master"},
		},
	}

	st := store.NewStore(log, &cfg.Database)
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	ghClient := github.NewClient(log, &cfg.GitHub)
	bbClient := buildbot.NewClient(log, &cfg.Buildbot)
	reporter := report.NewReporter(log, st, ghClient, &cfg.Buildbot)

	return &fixture{
		handler:  dispatch.NewHandler(log, cfg, st, ghClient, bbClient, reporter),
		store:    st,
		github:   gh,
		buildbot: bb,
		ghURL:    ghSrv.URL,
	}
}

func (f *fixture) event(action, branch string) *github.PullRequestEvent {
	return &github.PullRequestEvent{
		Action: action,
		PullRequest: github.PullRequest{
			Number:   55,
			Title:    "Teach the build system new tricks",
			HTMLURL:  "https://github.com/crosswalk-project/crosswalk/pull/55",
			PatchURL: f.ghURL + "/crosswalk-project/crosswalk/pull/55.patch",
			User:     github.User{Login: "contributor"},
			Head: github.Ref{
				SHA: "abc123",
				Ref: "fix-things",
				Repo: github.Repository{
					Name:     "crosswalk",
					FullName: "contributor/crosswalk",
				},
			},
			Base: github.Ref{
				SHA: "def456",
				Ref: branch,
				Repo: github.Repository{
					Name:     "crosswalk",
					FullName: "crosswalk-project/crosswalk",
				},
			},
		},
	}
}

func TestHandlePullRequest_Opened(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	err := f.handler.HandlePullRequest(ctx, f.event(github.ActionOpened, "master"))
	require.NoError(t, err)

	prs, err := f.store.ListPullRequests(ctx)
	require.NoError(t, err)
	require.Len(t, prs, 1)

	pr := prs[0]
	assert.Equal(t, 55, pr.Number)
	assert.Equal(t, "abc123", pr.HeadSHA)
	assert.Equal(t, "crosswalk-project/crosswalk", pr.BaseRepoPath)
	assert.Equal(t, "contributor/crosswalk", pr.HeadRepoPath)
	assert.Equal(t, int64(77), pr.CommentID)
	assert.Equal(t, store.StatusPending, pr.Status)
	assert.True(t, pr.NeedsSync)

	assert.Equal(t, 1, f.github.comments)
	assert.Equal(t, 1, f.github.statuses, "initial status is pushed eagerly")

	require.Len(t, f.buildbot.jobs, 1)
	job := f.buildbot.jobs[0]
	assert.Equal(t, "contributor", job.Get("user"))
	assert.Equal(t, "abc123", job.Get("revision"))
	assert.Equal(t, "crosswalk", job.Get("project"))
	assert.Equal(t, "master", job.Get("branch"))
	assert.Equal(t, patchBody, job.Get("patch"))
	assert.Equal(t, "1", job.Get("issue"),
		"correlation token must be the internal row id")
}

func TestHandlePullRequest_Synchronize(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	err := f.handler.HandlePullRequest(ctx, f.event(github.ActionSynchronize, "master"))
	require.NoError(t, err)

	prs, err := f.store.ListPullRequests(ctx)
	require.NoError(t, err)
	assert.Len(t, prs, 1)
	assert.Len(t, f.buildbot.jobs, 1)
}

func TestHandlePullRequest_IgnoredActions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for _, action := range []string{github.ActionClosed, "reopened", "labeled"} {
		err := f.handler.HandlePullRequest(ctx, f.event(action, "master"))
		require.NoError(t, err)
	}

	prs, err := f.store.ListPullRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, prs)
	assert.Zero(t, f.github.comments)
	assert.Empty(t, f.buildbot.jobs)
}

func TestHandlePullRequest_DisallowedBranch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	err := f.handler.HandlePullRequest(ctx, f.event(github.ActionOpened, "gh-pages"))
	require.NoError(t, err)

	prs, err := f.store.ListPullRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, prs)
	assert.Empty(t, f.buildbot.jobs)
}

func TestHandlePullRequest_PatchFetchFailure(t *testing.T) {
	f := setup(t)
	f.github.failPatch = true
	ctx := context.Background()

	err := f.handler.HandlePullRequest(ctx, f.event(github.ActionOpened, "master"))
	require.Error(t, err, "patch failures must surface so the hook is redelivered")

	// No state and no side effects: the retry starts clean.
	prs, err2 := f.store.ListPullRequests(ctx)
	require.NoError(t, err2)
	assert.Empty(t, prs)
	assert.Zero(t, f.github.comments)
	assert.Empty(t, f.buildbot.jobs)
}
