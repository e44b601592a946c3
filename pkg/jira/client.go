// Package jira updates JIRA issues referenced from pull request bodies:
// it comments on referenced issues when a pull request opens and
// resolves them when a resolving pull request is merged.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crosswalk-project/trybot-controller/pkg/config"
)

const jiraHTTPTimeout = 15 * time.Second

// Client talks to the JIRA REST API using basic auth.
type Client struct {
	log        logrus.FieldLogger
	cfg        *config.JIRAConfig
	httpClient *http.Client
}

// NewClient creates a JIRA API client.
func NewClient(log logrus.FieldLogger, cfg *config.JIRAConfig) *Client {
	return &Client{
		log:        log.WithField("component", "jira"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: jiraHTTPTimeout},
	}
}

// AddComment posts a comment on an issue.
func (c *Client) AddComment(
	ctx context.Context, issueID, body string,
) error {
	url := fmt.Sprintf("%s/rest/api/2/issue/%s/comment",
		c.cfg.Server, issueID)

	payload := map[string]string{"body": body}

	if err := c.post(ctx, url, payload); err != nil {
		return fmt.Errorf("commenting on issue %s: %w", issueID, err)
	}

	return nil
}

// ResolveIssue transitions an issue to the configured resolved state.
func (c *Client) ResolveIssue(ctx context.Context, issueID string) error {
	url := fmt.Sprintf("%s/rest/api/2/issue/%s/transitions",
		c.cfg.Server, issueID)

	payload := map[string]any{
		"transition": map[string]string{"id": c.cfg.ResolveTransitionID},
		"fields": map[string]any{
			"resolution": map[string]string{"id": c.cfg.FixedResolutionID},
		},
	}

	if err := c.post(ctx, url, payload); err != nil {
		return fmt.Errorf("resolving issue %s: %w", issueID, err)
	}

	return nil
}

func (c *Client) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, url, bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("jira api returned status %d", resp.StatusCode)
	}

	return nil
}
