package buildbot_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosswalk-project/trybot-controller/pkg/buildbot"
	"github.com/crosswalk-project/trybot-controller/pkg/config"
	"github.com/crosswalk-project/trybot-controller/pkg/store"
)

func setupCorrelator(t *testing.T) (*buildbot.Correlator, store.Store) {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, cfg)
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() { _ = st.Stop() })

	return buildbot.NewCorrelator(log, st), st
}

func trackPullRequest(t *testing.T, st store.Store) *store.PullRequest {
	t.Helper()

	pr := &store.PullRequest{
		Number:       1,
		HeadSHA:      "cafebabe",
		BaseRepoPath: "crosswalk-project/crosswalk",
		HeadRepoPath: "contributor/crosswalk",
		CommentID:    10,
	}
	require.NoError(t, st.CreatePullRequest(context.Background(), pr))

	// Dispatch leaves the row flagged; clear it so tests can assert
	// that packets re-flag it.
	require.NoError(t, st.SetNeedsSync(context.Background(), pr.ID, false))

	return pr
}

func mustParse(t *testing.T, data string) []buildbot.Packet {
	t.Helper()

	packets, err := buildbot.ParsePackets([]byte(data))
	require.NoError(t, err)

	return packets
}

func TestCorrelator_BuildStarted(t *testing.T) {
	c, st := setupCorrelator(t)
	ctx := context.Background()

	pr := trackPullRequest(t, st)

	packets := mustParse(t, `[
		{"event": "buildStarted", "payload": {"build": {
			"builderName": "linux-x64", "number": 3,
			"properties": [["issue", `+itoa(pr.ID)+`, "Change"]]
		}}}
	]`)

	c.ProcessBatch(ctx, packets)

	build, err := st.GetBuildByKey(ctx, "linux-x64", 3)
	require.NoError(t, err)
	assert.Equal(t, pr.ID, build.PullRequestID)
	assert.Equal(t, store.StatusPending, build.Status)

	got, err := st.GetPullRequest(ctx, pr.ID)
	require.NoError(t, err)
	assert.True(t, got.NeedsSync, "a handled packet must flag the row for sync")
}

func TestCorrelator_BuildStartedDeliveredTwice(t *testing.T) {
	c, st := setupCorrelator(t)
	ctx := context.Background()

	pr := trackPullRequest(t, st)

	packet := `{"event": "buildStarted", "payload": {"build": {
		"builderName": "linux-x64", "number": 3,
		"properties": [["issue", ` + itoa(pr.ID) + `, "Change"]]
	}}}`

	// Buildbot redelivers whole batches; the second delivery must be
	// a no-op.
	c.ProcessBatch(ctx, mustParse(t, `[`+packet+`]`))
	c.ProcessBatch(ctx, mustParse(t, `[`+packet+`]`))

	builds, err := st.ListBuildsForPullRequest(ctx, pr.ID)
	require.NoError(t, err)
	assert.Len(t, builds, 1)
}

func TestCorrelator_BuildFinished(t *testing.T) {
	c, st := setupCorrelator(t)
	ctx := context.Background()

	pr := trackPullRequest(t, st)

	c.ProcessBatch(ctx, mustParse(t, `[
		{"event": "buildStarted", "payload": {"build": {
			"builderName": "linux-x64", "number": 3,
			"properties": [["issue", `+itoa(pr.ID)+`, "Change"]]
		}}},
		{"event": "buildFinished", "payload": {"build": {
			"builderName": "linux-x64", "number": 3, "results": 2,
			"properties": [["issue", `+itoa(pr.ID)+`, "Change"]]
		}}}
	]`))

	build, err := st.GetBuildByKey(ctx, "linux-x64", 3)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailure, build.Status)
}

func TestCorrelator_BuildFinishedUnknownKey(t *testing.T) {
	c, st := setupCorrelator(t)
	ctx := context.Background()

	pr := trackPullRequest(t, st)

	c.ProcessBatch(ctx, mustParse(t, `[
		{"event": "buildFinished", "payload": {"build": {
			"builderName": "never-started", "number": 9, "results": 0,
			"properties": [["issue", `+itoa(pr.ID)+`, "Change"]]
		}}}
	]`))

	// Nothing stored, nothing flagged.
	builds, err := st.ListBuildsForPullRequest(ctx, pr.ID)
	require.NoError(t, err)
	assert.Empty(t, builds)

	got, err := st.GetPullRequest(ctx, pr.ID)
	require.NoError(t, err)
	assert.False(t, got.NeedsSync)
}

func TestCorrelator_BuildsetFinished(t *testing.T) {
	c, st := setupCorrelator(t)
	ctx := context.Background()

	pr := trackPullRequest(t, st)

	c.ProcessBatch(ctx, mustParse(t, `[
		{"event": "buildsetFinished", "payload": {"build": {
			"builderName": "linux-x64", "number": 3, "results": 0,
			"properties": [["issue", `+itoa(pr.ID)+`, "Change"]]
		}}}
	]`))

	got, err := st.GetPullRequest(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, got.Status)
	assert.True(t, got.NeedsSync)
}

func TestCorrelator_MalformedPacketDoesNotBlockSiblings(t *testing.T) {
	c, st := setupCorrelator(t)
	ctx := context.Background()

	pr := trackPullRequest(t, st)

	c.ProcessBatch(ctx, mustParse(t, `[
		{"event": "buildStarted", "payload": {"build": {
			"builderName": "linux-x64", "number": 1,
			"properties": [["issue", `+itoa(pr.ID)+`, "Change"]]
		}}},
		{"event": "buildStarted"},
		{"event": "buildStarted", "payload": {"build": {
			"builderName": "win-x86", "number": 1,
			"properties": [["issue", `+itoa(pr.ID)+`, "Change"]]
		}}}
	]`))

	builds, err := st.ListBuildsForPullRequest(ctx, pr.ID)
	require.NoError(t, err)
	assert.Len(t, builds, 2, "valid siblings of a malformed packet must apply")
}

func TestCorrelator_UnknownCorrelationToken(t *testing.T) {
	c, st := setupCorrelator(t)
	ctx := context.Background()

	c.ProcessBatch(ctx, mustParse(t, `[
		{"event": "buildStarted", "payload": {"build": {
			"builderName": "linux-x64", "number": 1,
			"properties": [["issue", 4242, "Change"]]
		}}}
	]`))

	prs, err := st.ListPullRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, prs)
}

func TestCorrelator_UnknownEventKind(t *testing.T) {
	c, st := setupCorrelator(t)
	ctx := context.Background()

	pr := trackPullRequest(t, st)

	c.ProcessBatch(ctx, mustParse(t, `[
		{"event": "stepStarted", "payload": {"build": {
			"builderName": "linux-x64", "number": 1,
			"properties": [["issue", `+itoa(pr.ID)+`, "Change"]]
		}}}
	]`))

	got, err := st.GetPullRequest(ctx, pr.ID)
	require.NoError(t, err)
	assert.False(t, got.NeedsSync, "skipped packets must not flag the row")
}

func itoa(id uint) string {
	return fmt.Sprint(id)
}
