package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/crosswalk-project/trybot-controller/pkg/config"
)

// ErrNotFound is returned when a lookup resolves to no stored row.
var ErrNotFound = errors.New("not found")

// Store provides persistence for tracked pull requests and their builds.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Pull request tracking.
	CreatePullRequest(ctx context.Context, pr *PullRequest) error
	GetPullRequest(ctx context.Context, id uint) (*PullRequest, error)
	ListPullRequests(ctx context.Context) ([]PullRequest, error)
	ListPullRequestsNeedingSync(ctx context.Context) ([]PullRequest, error)
	SetPullRequestStatus(ctx context.Context, id uint, status Status) error
	SetNeedsSync(ctx context.Context, id uint, needsSync bool) error
	DeletePullRequest(ctx context.Context, id uint) error
	DeleteTerminalPullRequests(ctx context.Context) error
	ExpireStalePending(ctx context.Context, olderThan time.Time) (int64, error)

	// Builder runs.
	CreateBuild(ctx context.Context, build *TrybotBuild) (bool, error)
	GetBuildByKey(
		ctx context.Context, builderName string, buildNumber int,
	) (*TrybotBuild, error)
	SetBuildStatus(ctx context.Context, id uint, status Status) error
	ListBuildsForPullRequest(
		ctx context.Context, pullRequestID uint,
	) ([]TrybotBuild, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&PullRequest{},
		&TrybotBuild{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Pull request tracking ---

func (s *store) CreatePullRequest(
	ctx context.Context, pr *PullRequest,
) error {
	if pr.Status == "" {
		pr.Status = StatusPending
	}

	pr.NeedsSync = true

	if err := s.db.WithContext(ctx).Create(pr).Error; err != nil {
		return fmt.Errorf("creating pull request: %w", err)
	}

	return nil
}

func (s *store) GetPullRequest(
	ctx context.Context, id uint,
) (*PullRequest, error) {
	var pr PullRequest
	if err := s.db.WithContext(ctx).
		First(&pr, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting pull request: %w", err)
	}

	return &pr, nil
}

func (s *store) ListPullRequests(
	ctx context.Context,
) ([]PullRequest, error) {
	var prs []PullRequest
	if err := s.db.WithContext(ctx).
		Preload("Builds").
		Order("id ASC").
		Find(&prs).Error; err != nil {
		return nil, fmt.Errorf("listing pull requests: %w", err)
	}

	return prs, nil
}

func (s *store) ListPullRequestsNeedingSync(
	ctx context.Context,
) ([]PullRequest, error) {
	var prs []PullRequest
	if err := s.db.WithContext(ctx).
		Where("needs_sync = ?", true).
		Order("id ASC").
		Find(&prs).Error; err != nil {
		return nil, fmt.Errorf("listing pull requests needing sync: %w", err)
	}

	return prs, nil
}

func (s *store) SetPullRequestStatus(
	ctx context.Context, id uint, status Status,
) error {
	if err := s.db.WithContext(ctx).
		Model(&PullRequest{}).
		Where("id = ?", id).
		Update("status", status).Error; err != nil {
		return fmt.Errorf("setting pull request status: %w", err)
	}

	return nil
}

func (s *store) SetNeedsSync(
	ctx context.Context, id uint, needsSync bool,
) error {
	if err := s.db.WithContext(ctx).
		Model(&PullRequest{}).
		Where("id = ?", id).
		Update("needs_sync", needsSync).Error; err != nil {
		return fmt.Errorf("setting needs_sync: %w", err)
	}

	return nil
}

// DeletePullRequest removes a pull request and cascades to its builds.
func (s *store) DeletePullRequest(ctx context.Context, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("pull_request_id = ?", id).
			Delete(&TrybotBuild{}).Error; err != nil {
			return fmt.Errorf("deleting builds: %w", err)
		}

		if err := tx.Delete(&PullRequest{}, id).Error; err != nil {
			return fmt.Errorf("deleting pull request: %w", err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting pull request %d: %w", id, err)
	}

	return nil
}

// DeleteTerminalPullRequests prunes every pull request whose aggregate
// status is final and whose last state has been reported, cascading to
// the builds. Pending or still-flagged rows are retained.
func (s *store) DeleteTerminalPullRequests(ctx context.Context) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint
		if err := tx.
			Model(&PullRequest{}).
			Where("status <> ? AND needs_sync = ?", StatusPending, false).
			Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("listing terminal pull requests: %w", err)
		}

		if len(ids) == 0 {
			return nil
		}

		if err := tx.
			Where("pull_request_id IN ?", ids).
			Delete(&TrybotBuild{}).Error; err != nil {
			return fmt.Errorf("deleting builds: %w", err)
		}

		if err := tx.
			Delete(&PullRequest{}, ids).Error; err != nil {
			return fmt.Errorf("deleting pull requests: %w", err)
		}

		s.log.WithField("count", len(ids)).
			Debug("Pruned terminal pull requests")

		return nil
	})
	if err != nil {
		return fmt.Errorf("pruning terminal pull requests: %w", err)
	}

	return nil
}

// ExpireStalePending marks pull requests that have been Pending since
// before the cutoff as failed and flags them for one final sync, so they
// are reported and then pruned instead of lingering forever.
func (s *store) ExpireStalePending(
	ctx context.Context, olderThan time.Time,
) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&PullRequest{}).
		Where("status = ? AND created_at < ?", StatusPending, olderThan).
		Updates(map[string]any{
			"status":     StatusFailure,
			"needs_sync": true,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("expiring stale pull requests: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// --- Builder runs ---

// CreateBuild inserts a build row, ignoring the insert when the
// (builder_name, build_number) key already exists. Returns whether a row
// was actually inserted, so retried buildStarted packets are idempotent.
func (s *store) CreateBuild(
	ctx context.Context, build *TrybotBuild,
) (bool, error) {
	if build.Status == "" {
		build.Status = StatusPending
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "builder_name"},
				{Name: "build_number"},
			},
			DoNothing: true,
		}).
		Create(build)
	if result.Error != nil {
		return false, fmt.Errorf("creating build: %w", result.Error)
	}

	return result.RowsAffected > 0, nil
}

func (s *store) GetBuildByKey(
	ctx context.Context, builderName string, buildNumber int,
) (*TrybotBuild, error) {
	var build TrybotBuild
	if err := s.db.WithContext(ctx).
		Where("builder_name = ? AND build_number = ?",
			builderName, buildNumber).
		First(&build).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting build: %w", err)
	}

	return &build, nil
}

func (s *store) SetBuildStatus(
	ctx context.Context, id uint, status Status,
) error {
	if err := s.db.WithContext(ctx).
		Model(&TrybotBuild{}).
		Where("id = ?", id).
		Update("status", status).Error; err != nil {
		return fmt.Errorf("setting build status: %w", err)
	}

	return nil
}

func (s *store) ListBuildsForPullRequest(
	ctx context.Context, pullRequestID uint,
) ([]TrybotBuild, error) {
	var builds []TrybotBuild
	if err := s.db.WithContext(ctx).
		Where("pull_request_id = ?", pullRequestID).
		Order("id ASC").
		Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("listing builds: %w", err)
	}

	return builds, nil
}
