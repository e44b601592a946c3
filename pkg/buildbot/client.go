package buildbot

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crosswalk-project/trybot-controller/pkg/config"
)

const buildbotHTTPTimeout = 30 * time.Second

// TryJob is the payload submitted to the Buildbot try scheduler. Issue is
// the correlation token echoed back in status-push packets.
type TryJob struct {
	User       string
	Name       string
	Email      string
	Revision   string
	Project    string
	Repository string
	Branch     string
	Patch      string
	Issue      uint
}

// Values encodes the job as the form body the try scheduler expects.
func (j *TryJob) Values() url.Values {
	return url.Values{
		"user":       {j.User},
		"name":       {j.Name},
		"email":      {j.Email},
		"revision":   {j.Revision},
		"project":    {j.Project},
		"repository": {j.Repository},
		"branch":     {j.Branch},
		"patch":      {j.Patch},
		"issue":      {strconv.FormatUint(uint64(j.Issue), 10)},
	}
}

// Client submits try jobs to Buildbot.
type Client struct {
	log        logrus.FieldLogger
	cfg        *config.BuildbotConfig
	httpClient *http.Client
}

// NewClient creates a Buildbot submission client.
func NewClient(log logrus.FieldLogger, cfg *config.BuildbotConfig) *Client {
	return &Client{
		log:        log.WithField("component", "buildbot"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: buildbotHTTPTimeout},
	}
}

// SendPatch submits a try job to the configured send-patch endpoint.
func (c *Client) SendPatch(ctx context.Context, job *TryJob) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.cfg.SendPatchURL,
		strings.NewReader(job.Values().Encode()),
	)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("submitting try job: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("try scheduler returned status %d", resp.StatusCode)
	}

	c.log.WithField("revision", job.Revision).
		WithField("issue", job.Issue).
		Info("Try job submitted")

	return nil
}
