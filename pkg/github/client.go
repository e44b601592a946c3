// Package github contains the typed webhook event structures and a
// minimal client for the GitHub REST API calls the controller makes.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crosswalk-project/trybot-controller/pkg/config"
)

const githubHTTPTimeout = 10 * time.Second

// Client talks to the GitHub REST API using basic auth.
type Client struct {
	log        logrus.FieldLogger
	cfg        *config.GitHubConfig
	httpClient *http.Client
}

// NewClient creates a GitHub API client from the configured credentials.
func NewClient(log logrus.FieldLogger, cfg *config.GitHubConfig) *Client {
	return &Client{
		log:        log.WithField("component", "github"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: githubHTTPTimeout},
	}
}

type commentRequest struct {
	Body string `json:"body"`
}

type commentResponse struct {
	ID int64 `json:"id"`
}

type statusRequest struct {
	State       string `json:"state"`
	Description string `json:"description"`
	TargetURL   string `json:"target_url"`
}

// PostComment posts an issue comment on a pull request and returns the
// new comment's ID, used for later in-place edits.
func (c *Client) PostComment(
	ctx context.Context, repoPath string, number int, body string,
) (int64, error) {
	url := fmt.Sprintf("%s/repos/%s/issues/%d/comments",
		c.cfg.APIBaseURL, repoPath, number)

	var resp commentResponse
	if err := c.doJSON(
		ctx, http.MethodPost, url, commentRequest{Body: body}, &resp,
	); err != nil {
		return 0, fmt.Errorf("posting comment: %w", err)
	}

	if resp.ID == 0 {
		return 0, fmt.Errorf("posting comment: response without comment id")
	}

	return resp.ID, nil
}

// EditComment replaces the body of an existing issue comment.
func (c *Client) EditComment(
	ctx context.Context, repoPath string, commentID int64, body string,
) error {
	url := fmt.Sprintf("%s/repos/%s/issues/comments/%d",
		c.cfg.APIBaseURL, repoPath, commentID)

	if err := c.doJSON(
		ctx, http.MethodPatch, url, commentRequest{Body: body}, nil,
	); err != nil {
		return fmt.Errorf("editing comment: %w", err)
	}

	return nil
}

// PostStatus sets the commit status for a revision.
func (c *Client) PostStatus(
	ctx context.Context, repoPath, sha, state, description string,
) error {
	url := fmt.Sprintf("%s/repos/%s/statuses/%s",
		c.cfg.APIBaseURL, repoPath, sha)

	req := statusRequest{
		State:       state,
		Description: description,
		TargetURL:   "",
	}

	if err := c.doJSON(ctx, http.MethodPost, url, req, nil); err != nil {
		return fmt.Errorf("posting status: %w", err)
	}

	return nil
}

// FetchPatch downloads the raw diff for a pull request from its
// published patch URL.
func (c *Client) FetchPatch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching patch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	patch, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading patch: %w", err)
	}

	return string(patch), nil
}

// doJSON performs an authenticated JSON request and optionally decodes
// the response body into out.
func (c *Client) doJSON(
	ctx context.Context, method, url string, payload, out any,
) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, method, url, bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.cfg.Username, c.cfg.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("github api returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}
