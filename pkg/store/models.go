package store

import "time"

// Status values mirror the GitHub commit status state names.
// See https://developer.github.com/v3/repos/statuses/.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// PullRequest is a pull request currently tracked by the trybots.
type PullRequest struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// Pull request number. Only unique per source repository; the
	// internal ID is the correlation key embedded in build submissions.
	Number int `gorm:"not null" json:"number"`
	// SHA1 of the tip of the branch to be merged.
	HeadSHA string `gorm:"not null" json:"head_sha"`
	// Target repository path in the format "owner/repo".
	BaseRepoPath string `gorm:"not null" json:"base_repo_path"`
	// Source repository path in the format "owner/repo".
	HeadRepoPath string `gorm:"not null" json:"head_repo_path"`
	// ID of the trybot status comment on GitHub, edited in place on sync.
	CommentID int64 `gorm:"not null" json:"comment_id"`
	// State of the build as a whole, asserted by Buildbot's
	// buildsetFinished event rather than derived from the builds.
	Status Status `gorm:"not null;default:pending" json:"status"`
	// Whether a comment and commit status update needs to be sent.
	NeedsSync bool `gorm:"not null;default:true" json:"needs_sync"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Builds []TrybotBuild `gorm:"foreignKey:PullRequestID" json:"builds,omitempty"`
}

// TrybotBuild is one builder's run against a tracked pull request.
// The (builder_name, build_number) pair is unique across the store, so a
// Buildbot packet resolves to at most one row.
type TrybotBuild struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	PullRequestID uint   `gorm:"not null;index" json:"pull_request_id"`
	BuilderName   string `gorm:"not null;uniqueIndex:idx_builds_builder_number" json:"builder_name"`
	BuildNumber   int    `gorm:"not null;uniqueIndex:idx_builds_builder_number" json:"build_number"`
	Status        Status `gorm:"not null;default:pending" json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
