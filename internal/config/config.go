// Package config loads and validates the orchestrator's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root orchestrator configuration.
type Config struct {
	General    General              `toml:"general"`
	Ledger     Ledger               `toml:"ledger"`
	Providers  map[string]Provider  `toml:"providers"`
	Strategies Strategies           `toml:"strategies"`
	Guard      Guard                `toml:"guard"`
	RateLimits map[string]RateLimit `toml:"rate_limits"`
	Approval   Approval             `toml:"approval"`
	Rollback   Rollback             `toml:"rollback"`
	Safety     Safety               `toml:"safety"`
	Learning   Learning             `toml:"learning"`
	Roadmap    Roadmap              `toml:"roadmap"`
	Scheduler  Scheduler            `toml:"scheduler"`
	Host       Host                 `toml:"host"`
}

// General holds process-wide defaults.
type General struct {
	LogLevel string `toml:"log_level"`
	StateDir string `toml:"state_dir"`
}

// Ledger configures the operation store.
type Ledger struct {
	DBPath string `toml:"db_path"`
}

// Provider describes one reasoning provider reachable through the ProviderRunner.
type Provider struct {
	CLI               string  `toml:"cli"`
	Model             string  `toml:"model"`
	CostInputPerMtok  float64 `toml:"cost_input_per_mtok"`
	CostOutputPerMtok float64 `toml:"cost_output_per_mtok"`
}

// Strategies configures the ProviderRunner's subprocess transport and timeouts.
type Strategies struct {
	RunnerCmd       string   `toml:"runner_cmd"`
	RunnerArgs      []string `toml:"runner_args"`
	Backend         string   `toml:"backend"` // "exec" or "docker"
	DockerImage     string   `toml:"docker_image"`
	AllTimeout      Duration `toml:"all_timeout"`
	DialecticalTime Duration `toml:"dialectical_timeout"`
	FirstTimeout    Duration `toml:"first_timeout"`
}

// Guard configures Operation Guard (C7) classification thresholds.
type Guard struct {
	MaxComplexity         float64  `toml:"max_complexity"`
	ProtectedPatterns     []string `toml:"protected_patterns"`
	SecurityPatterns      []string `toml:"security_patterns"`
	MigrationPatterns     []string `toml:"migration_patterns"`
	ConfigurationPatterns []string `toml:"configuration_patterns"`
}

// RateLimit is the static configuration for one tracked API.
type RateLimit struct {
	Limit int `toml:"limit"`
}

// Approval configures the human-approval workflow (C11).
type Approval struct {
	DefaultTimeoutHours float64 `toml:"default_timeout_hours"`
	AutoApproveLowRisk  bool    `toml:"auto_approve_low_risk"`
}

// Rollback configures the rollback manager (C12).
type Rollback struct {
	WorkDir    string   `toml:"work_dir"`
	RemoteName string   `toml:"remote_name"`
	TagPrefix  string   `toml:"tag_prefix"`
	VCSTimeout Duration `toml:"vcs_timeout"`
}

// Safety configures the safety manager (C13)'s multi-agent toggle.
type Safety struct {
	MultiAgentRiskAssessment bool `toml:"multi_agent_risk_assessment"`
}

// Learning configures the learning cycle (C14).
type Learning struct {
	Enabled        bool     `toml:"enabled"`
	AutoApply      bool     `toml:"auto_apply"`
	MinOccurrences int      `toml:"min_occurrences"`
	LookbackDays   int      `toml:"lookback_days"`
	CycleInterval  Duration `toml:"cycle_interval"`
}

// Roadmap configures the roadmap cycle (C15).
type Roadmap struct {
	Enabled       bool     `toml:"enabled"`
	CodebasePath  string   `toml:"codebase_path"`
	CycleInterval Duration `toml:"cycle_interval"`
	Frequency     string   `toml:"frequency"` // "manual", "daily", "weekly", "monthly"
}

// Scheduler configures C16's cadence and health checks.
type Scheduler struct {
	TickInterval  Duration `toml:"tick_interval"`
	HealthCron    string   `toml:"health_cron"`
	MemoryWarnPct float64  `toml:"memory_warn_pct"`
	DiskWarnPct   float64  `toml:"disk_warn_pct"`
	CPUWarnPct    float64  `toml:"cpu_warn_pct"`
}

// Host configures the external issue-tracker/code-host collaborator.
type Host struct {
	Kind       string `toml:"kind"` // "github" via gh CLI
	Repo       string `toml:"repo"`
	WorkingDir string `toml:"working_dir"`
}

// Load reads and validates an orchestrator TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyDefaults(&cfg)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validating: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.StateDir == "" {
		cfg.General.StateDir = "./state"
	}
	if cfg.Ledger.DBPath == "" {
		cfg.Ledger.DBPath = filepath.Join(cfg.General.StateDir, "ledger.db")
	}

	if cfg.Strategies.Backend == "" {
		cfg.Strategies.Backend = "exec"
	}
	if cfg.Strategies.AllTimeout.Duration == 0 {
		cfg.Strategies.AllTimeout.Duration = 180 * time.Second
	}
	if cfg.Strategies.DialecticalTime.Duration == 0 {
		cfg.Strategies.DialecticalTime.Duration = 300 * time.Second
	}
	if cfg.Strategies.FirstTimeout.Duration == 0 {
		cfg.Strategies.FirstTimeout.Duration = 120 * time.Second
	}

	if cfg.Guard.MaxComplexity == 0 {
		cfg.Guard.MaxComplexity = 8.0
	}
	if len(cfg.Guard.ProtectedPatterns) == 0 {
		cfg.Guard.ProtectedPatterns = []string{
			".env", ".env.*", "*.key", "*.pem", "*.p12", "*.pfx",
			"config/production/*", "secrets/*", "*credentials*", "*.secret",
		}
	}
	if len(cfg.Guard.SecurityPatterns) == 0 {
		cfg.Guard.SecurityPatterns = []string{"*auth*", "*security*", "*permission*", "*crypto*", "*token*", "*session*"}
	}
	if len(cfg.Guard.MigrationPatterns) == 0 {
		cfg.Guard.MigrationPatterns = []string{"database/migrations/*", "*migrations/*", "*alembic/*", "*flyway/*"}
	}
	if len(cfg.Guard.ConfigurationPatterns) == 0 {
		cfg.Guard.ConfigurationPatterns = []string{"*config*.yaml", "*config*.yml", "*config*.json", "*.toml", "*settings*"}
	}

	if cfg.Approval.DefaultTimeoutHours == 0 {
		cfg.Approval.DefaultTimeoutHours = 24
	}

	if cfg.Rollback.TagPrefix == "" {
		cfg.Rollback.TagPrefix = "rollback"
	}
	if cfg.Rollback.RemoteName == "" {
		cfg.Rollback.RemoteName = "origin"
	}
	if cfg.Rollback.VCSTimeout.Duration == 0 {
		cfg.Rollback.VCSTimeout.Duration = 10 * time.Second
	}

	if cfg.Learning.MinOccurrences == 0 {
		cfg.Learning.MinOccurrences = 3
	}
	if cfg.Learning.LookbackDays == 0 {
		cfg.Learning.LookbackDays = 30
	}
	if cfg.Learning.CycleInterval.Duration == 0 {
		cfg.Learning.CycleInterval.Duration = 6 * time.Hour
	}

	if cfg.Roadmap.Frequency == "" {
		cfg.Roadmap.Frequency = "weekly"
	}
	if cfg.Roadmap.CycleInterval.Duration == 0 {
		cfg.Roadmap.CycleInterval.Duration = 7 * 24 * time.Hour
	}

	if cfg.Scheduler.TickInterval.Duration == 0 {
		cfg.Scheduler.TickInterval.Duration = 60 * time.Second
	}
	if cfg.Scheduler.HealthCron == "" {
		cfg.Scheduler.HealthCron = "*/5 * * * *"
	}
	if cfg.Scheduler.MemoryWarnPct == 0 {
		cfg.Scheduler.MemoryWarnPct = 85
	}
	if cfg.Scheduler.DiskWarnPct == 0 {
		cfg.Scheduler.DiskWarnPct = 85
	}
	if cfg.Scheduler.CPUWarnPct == 0 {
		cfg.Scheduler.CPUWarnPct = 90
	}
}

// Clone returns a deep copy of cfg so callers can safely mutate the result,
// preventing shared mutable state from leaking across readers of a Manager.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	cloned := *cfg
	cloned.Providers = cloneProviderMap(cfg.Providers)
	cloned.RateLimits = cloneRateLimitMap(cfg.RateLimits)
	cloned.Strategies.RunnerArgs = cloneStringSlice(cfg.Strategies.RunnerArgs)
	cloned.Guard.ProtectedPatterns = cloneStringSlice(cfg.Guard.ProtectedPatterns)
	cloned.Guard.SecurityPatterns = cloneStringSlice(cfg.Guard.SecurityPatterns)
	cloned.Guard.MigrationPatterns = cloneStringSlice(cfg.Guard.MigrationPatterns)
	cloned.Guard.ConfigurationPatterns = cloneStringSlice(cfg.Guard.ConfigurationPatterns)
	return &cloned
}

func cloneProviderMap(in map[string]Provider) map[string]Provider {
	if in == nil {
		return nil
	}
	out := make(map[string]Provider, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneRateLimitMap(in map[string]RateLimit) map[string]RateLimit {
	if in == nil {
		return nil
	}
	out := make(map[string]RateLimit, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneStringSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

func normalizePaths(cfg *Config) {
	cfg.General.StateDir = ExpandHome(strings.TrimSpace(cfg.General.StateDir))
	cfg.Ledger.DBPath = ExpandHome(strings.TrimSpace(cfg.Ledger.DBPath))
	cfg.Rollback.WorkDir = ExpandHome(strings.TrimSpace(cfg.Rollback.WorkDir))
	cfg.Host.WorkingDir = ExpandHome(strings.TrimSpace(cfg.Host.WorkingDir))
}

func validate(cfg *Config) error {
	if cfg.Strategies.Backend != "exec" && cfg.Strategies.Backend != "docker" {
		return fmt.Errorf("strategies.backend must be one of: exec, docker")
	}
	if cfg.Strategies.Backend == "exec" && strings.TrimSpace(cfg.Strategies.RunnerCmd) == "" {
		return fmt.Errorf("strategies.runner_cmd is required for the exec backend")
	}
	if cfg.Strategies.Backend == "docker" && strings.TrimSpace(cfg.Strategies.DockerImage) == "" {
		return fmt.Errorf("strategies.docker_image is required for the docker backend")
	}
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	switch cfg.Roadmap.Frequency {
	case "manual", "daily", "weekly", "monthly":
	default:
		return fmt.Errorf("roadmap.frequency must be one of: manual, daily, weekly, monthly")
	}
	if cfg.Host.Kind != "" && cfg.Host.Kind != "github" {
		return fmt.Errorf("host.kind must be \"github\" (only supported kind)")
	}
	return nil
}
