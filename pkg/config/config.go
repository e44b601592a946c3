package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultGitHubAPIBaseURL is the default GitHub API endpoint.
	DefaultGitHubAPIBaseURL = "https://api.github.com"

	// DefaultSyncInterval is the default status sync cadence.
	DefaultSyncInterval = time.Minute

	// DefaultSyncConcurrency is the default number of pull requests
	// reported in parallel per sync cycle.
	DefaultSyncConcurrency = 4

	// DefaultBranchKey is the branch allow-list entry used for
	// repositories without an explicit entry.
	DefaultBranchKey = "default"
)

// Config is the root configuration for trybotd.
type Config struct {
	LogLevel string              `yaml:"log_level" mapstructure:"log_level"`
	Server   ServerConfig        `yaml:"server" mapstructure:"server"`
	Database DatabaseConfig      `yaml:"database" mapstructure:"database"`
	GitHub   GitHubConfig        `yaml:"github" mapstructure:"github"`
	Buildbot BuildbotConfig      `yaml:"buildbot" mapstructure:"buildbot"`
	Branches map[string][]string `yaml:"branches,omitempty" mapstructure:"branches"`
	Sync     SyncConfig          `yaml:"sync,omitempty" mapstructure:"sync"`
	JIRA     *JIRAConfig         `yaml:"jira,omitempty" mapstructure:"jira"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Webhook RateLimitTier `yaml:"webhook,omitempty" mapstructure:"webhook"`
	API     RateLimitTier `yaml:"api,omitempty" mapstructure:"api"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// GitHubConfig contains GitHub API credentials and webhook settings.
type GitHubConfig struct {
	APIBaseURL  string `yaml:"api_base_url,omitempty" mapstructure:"api_base_url"`
	Username    string `yaml:"username" mapstructure:"username"`
	AccessToken string `yaml:"access_token" mapstructure:"access_token"`
	HookSecret  string `yaml:"hook_secret" mapstructure:"hook_secret"`
}

// BuildbotConfig contains Buildbot endpoints.
type BuildbotConfig struct {
	// BaseURL is the public Buildbot URL used for builder links in
	// status comments.
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	// SendPatchURL is the try-scheduler endpoint patches are submitted to.
	SendPatchURL string `yaml:"send_patch_url" mapstructure:"send_patch_url"`
}

// SyncConfig contains status sync scheduler settings.
type SyncConfig struct {
	Interval    string `yaml:"interval,omitempty" mapstructure:"interval"`
	PendingTTL  string `yaml:"pending_ttl,omitempty" mapstructure:"pending_ttl"`
	Concurrency int    `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
}

// JIRAConfig contains the optional JIRA updater settings.
type JIRAConfig struct {
	Enabled             bool   `yaml:"enabled" mapstructure:"enabled"`
	Server              string `yaml:"server" mapstructure:"server"`
	Username            string `yaml:"username" mapstructure:"username"`
	Password            string `yaml:"password" mapstructure:"password"`
	Project             string `yaml:"project" mapstructure:"project"`
	ResolveTransitionID string `yaml:"resolve_transition_id,omitempty" mapstructure:"resolve_transition_id"`
	FixedResolutionID   string `yaml:"fixed_resolution_id,omitempty" mapstructure:"fixed_resolution_id"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.GitHub.APIBaseURL == "" {
		c.GitHub.APIBaseURL = DefaultGitHubAPIBaseURL
	}

	if c.Branches == nil {
		c.Branches = map[string][]string{
			DefaultBranchKey: {"master"},
		}
	}

	if c.Sync.Concurrency <= 0 {
		c.Sync.Concurrency = DefaultSyncConcurrency
	}
}

// applyEnvOverrides overlays credentials from TRYBOTD_* environment
// variables so config files can be committed without secrets.
func (c *Config) applyEnvOverrides() {
	v := viper.New()
	v.SetEnvPrefix("TRYBOTD")
	v.AutomaticEnv()

	if s := v.GetString("GITHUB_ACCESS_TOKEN"); s != "" {
		c.GitHub.AccessToken = s
	}

	if s := v.GetString("GITHUB_HOOK_SECRET"); s != "" {
		c.GitHub.HookSecret = s
	}

	if s := v.GetString("JIRA_PASSWORD"); s != "" && c.JIRA != nil {
		c.JIRA.Password = s
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.GitHub.HookSecret == "" {
		return fmt.Errorf("github.hook_secret is required")
	}

	if c.Buildbot.SendPatchURL == "" {
		return fmt.Errorf("buildbot.send_patch_url is required")
	}

	if _, err := c.SyncInterval(); err != nil {
		return fmt.Errorf("sync.interval: %w", err)
	}

	if _, err := c.PendingTTL(); err != nil {
		return fmt.Errorf("sync.pending_ttl: %w", err)
	}

	if c.JIRA != nil && c.JIRA.Enabled {
		if c.JIRA.Server == "" {
			return fmt.Errorf("jira.server is required when jira is enabled")
		}

		if c.JIRA.Project == "" {
			return fmt.Errorf("jira.project is required when jira is enabled")
		}
	}

	return nil
}

// SyncInterval returns the parsed sync interval, falling back to the
// default when unset.
func (c *Config) SyncInterval() (time.Duration, error) {
	if c.Sync.Interval == "" {
		return DefaultSyncInterval, nil
	}

	d, err := time.ParseDuration(c.Sync.Interval)
	if err != nil {
		return 0, fmt.Errorf("parsing duration: %w", err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", d)
	}

	return d, nil
}

// PendingTTL returns the parsed pending expiry TTL. Zero disables expiry.
func (c *Config) PendingTTL() (time.Duration, error) {
	if c.Sync.PendingTTL == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(c.Sync.PendingTTL)
	if err != nil {
		return 0, fmt.Errorf("parsing duration: %w", err)
	}

	if d < 0 {
		return 0, fmt.Errorf("must not be negative, got %s", d)
	}

	return d, nil
}

// AllowedBranches returns the branch allow-list for a target repository
// name, falling back to the "default" entry.
func (c *Config) AllowedBranches(repo string) []string {
	if branches, ok := c.Branches[repo]; ok {
		return branches
	}

	return c.Branches[DefaultBranchKey]
}

// BranchAllowed reports whether a branch of the given repository is
// eligible for trybot testing.
func (c *Config) BranchAllowed(repo, branch string) bool {
	for _, b := range c.AllowedBranches(repo) {
		if b == branch {
			return true
		}
	}

	return false
}
