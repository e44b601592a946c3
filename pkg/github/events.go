package github

import (
	"encoding/json"
	"fmt"
)

// Pull request actions the dispatcher reacts to. Everything else,
// including "reopened" and "closed", is ignored: in-flight trybot builds
// cannot be aborted, so closure is handled passively when the builds
// finish and the row is pruned.
const (
	ActionOpened      = "opened"
	ActionSynchronize = "synchronize"
	ActionClosed      = "closed"
)

// PullRequestEvent is the typed body of a GitHub pull_request webhook
// delivery, reduced to the fields the handlers consume.
type PullRequestEvent struct {
	Action      string      `json:"action"`
	PullRequest PullRequest `json:"pull_request"`
}

// PullRequest is the pull request object inside a webhook event.
type PullRequest struct {
	Number   int     `json:"number"`
	Title    string  `json:"title"`
	Body     *string `json:"body"`
	HTMLURL  string  `json:"html_url"`
	PatchURL string  `json:"patch_url"`
	Merged   bool    `json:"merged"`
	User     User    `json:"user"`
	Head     Ref     `json:"head"`
	Base     Ref     `json:"base"`
}

// User identifies the pull request author.
type User struct {
	Login   string `json:"login"`
	HTMLURL string `json:"html_url"`
}

// Ref is one side of the pull request (head or base).
type Ref struct {
	SHA  string     `json:"sha"`
	Ref  string     `json:"ref"`
	Repo Repository `json:"repo"`
}

// Repository identifies a repository on either side of a pull request.
type Repository struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	HTMLURL  string `json:"html_url"`
}

// ParsePullRequestEvent decodes and validates a pull_request event
// document. Malformed shapes are rejected here rather than deep inside
// handler logic.
func ParsePullRequestEvent(data []byte) (*PullRequestEvent, error) {
	var ev PullRequestEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decoding pull_request event: %w", err)
	}

	if ev.Action == "" {
		return nil, fmt.Errorf("pull_request event without an action")
	}

	pr := &ev.PullRequest
	if pr.Number == 0 || pr.Head.SHA == "" || pr.Base.Repo.FullName == "" {
		return nil, fmt.Errorf("pull_request event with incomplete pull request")
	}

	return &ev, nil
}
