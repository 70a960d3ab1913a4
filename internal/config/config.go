// Package config provides configuration management for whitelie.
// Configuration is loaded from (highest to lowest priority):
// 1. Command-line flags
// 2. Environment variables (WHITELIE_*)
// 3. Project config (.whitelie/config.yaml in cwd, or $WHITELIE_CONFIG)
// 4. Home config (~/.whitelie/config.yaml)
// 5. Defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/whitelie/whitelie/internal/deception"
	"github.com/whitelie/whitelie/internal/escalation"
	"github.com/whitelie/whitelie/internal/reliability"
	"github.com/whitelie/whitelie/internal/urgency"
)

// Config holds all whitelie configuration.
type Config struct {
	// Output controls the default output format (table, json, yaml).
	Output string `yaml:"output" json:"output"`

	// BaseDir is the whitelie data directory (default: .whitelie/data).
	BaseDir string `yaml:"base_dir" json:"base_dir"`

	// Verbose enables verbose output.
	Verbose bool `yaml:"verbose" json:"verbose"`

	// User is the account commands act on.
	User string `yaml:"user" json:"user"`

	Storage     StorageConfig     `yaml:"storage" json:"storage"`
	Log         LogConfig         `yaml:"log" json:"log"`
	Deception   DeceptionConfig   `yaml:"deception" json:"deception"`
	Urgency     UrgencyConfig     `yaml:"urgency" json:"urgency"`
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`
	Escalation  EscalationConfig  `yaml:"escalation" json:"escalation"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is file (default), sqlite or memory.
	Backend string `yaml:"backend" json:"backend"`

	// SQLitePath overrides the database location (default: <base_dir>/whitelie.db).
	SQLitePath string `yaml:"sqlite_path" json:"sqlite_path"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	// Level is debug, info, warn or error. Default: warn.
	Level string `yaml:"level" json:"level"`

	// Format is console or json. Default: console.
	Format string `yaml:"format" json:"format"`
}

// DeceptionConfig tunes how far displayed deadlines are pulled forward.
type DeceptionConfig struct {
	// MaxPullFraction applies to a score of 0. Default: 0.40
	MaxPullFraction float64 `yaml:"max_pull_fraction" json:"max_pull_fraction"`

	// MinPullFraction applies to a score of 100. Default: 0.05
	MinPullFraction float64 `yaml:"min_pull_fraction" json:"min_pull_fraction"`

	// GraceWindow is the span before a real deadline in which the pull eases
	// off to zero.
	// Default: 15m
	GraceWindow string `yaml:"grace_window" json:"grace_window"`
}

// UrgencyConfig holds the tier boundaries as durations.
type UrgencyConfig struct {
	Critical string `yaml:"critical" json:"critical"`
	High     string `yaml:"high" json:"high"`
	Medium   string `yaml:"medium" json:"medium"`
}

// ReliabilityConfig tunes the score feedback loop.
type ReliabilityConfig struct {
	// InitialScore is assigned to users with no history. Default: 50
	InitialScore int `yaml:"initial_score" json:"initial_score"`

	OnTimeReward int `yaml:"on_time_reward" json:"on_time_reward"`
	LatePenalty  int `yaml:"late_penalty" json:"late_penalty"`
}

// EscalationConfig tunes the pick-for-me machine.
type EscalationConfig struct {
	// Enabled is a pointer so an explicit false in a file overrides a default true.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	TriggerThreshold int `yaml:"trigger_threshold" json:"trigger_threshold"`
	EarnOutQuota     int `yaml:"earn_out_quota" json:"earn_out_quota"`
	MinEligible      int `yaml:"min_eligible" json:"min_eligible"`

	// Seed fixes the picker sequence. 0 derives one from the clock at startup.
	Seed uint64 `yaml:"seed" json:"seed"`
}

// IsEnabled reports the effective enabled flag (default true).
func (e EscalationConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// Default config values (used in resolution and validation).
const (
	defaultOutput         = "table"
	defaultBaseDir        = ".whitelie/data"
	defaultUser           = "default"
	defaultStorageBackend = "file"
	defaultLogLevel       = "warn"
	defaultLogFormat      = "console"
)

var (
	validOutputs   = []string{"table", "json", "yaml"}
	validBackends  = []string{"file", "sqlite", "memory"}
	validLogLevels = []string{"debug", "info", "warn", "error"}
	validLogFormat = []string{"console", "json"}
)

// Default returns the default configuration.
func Default() *Config {
	enabled := true
	return &Config{
		Output:  defaultOutput,
		BaseDir: defaultBaseDir,
		Verbose: false,
		User:    defaultUser,
		Storage: StorageConfig{
			Backend: defaultStorageBackend,
		},
		Log: LogConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Deception: DeceptionConfig{
			MaxPullFraction: deception.DefaultMaxPullFraction,
			MinPullFraction: deception.DefaultMinPullFraction,
			GraceWindow:     deception.DefaultGraceWindow.String(),
		},
		Urgency: UrgencyConfig{
			Critical: urgency.DefaultCritical.String(),
			High:     urgency.DefaultHigh.String(),
			Medium:   urgency.DefaultMedium.String(),
		},
		Reliability: ReliabilityConfig{
			InitialScore: reliability.InitialScore,
			OnTimeReward: reliability.DefaultOnTimeReward,
			LatePenalty:  reliability.DefaultLatePenalty,
		},
		Escalation: EscalationConfig{
			Enabled:          &enabled,
			TriggerThreshold: escalation.DefaultTriggerThreshold,
			EarnOutQuota:     escalation.DefaultEarnOutQuota,
			MinEligible:      escalation.DefaultMinEligible,
		},
	}
}

// Load loads configuration with proper precedence.
// Priority: flags > env > project > home > defaults
func Load(flagOverrides *Config) (*Config, error) {
	cfg := Default()

	// Home config is optional; a broken one is reported, a missing one is not.
	homeConfig, err := loadFromPath(homeConfigPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("home config: %w", err)
	}
	if homeConfig != nil {
		cfg = merge(cfg, homeConfig)
	}

	projectConfig, err := loadFromPath(projectConfigPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("project config: %w", err)
	}
	if projectConfig != nil {
		cfg = merge(cfg, projectConfig)
	}

	cfg = applyEnv(cfg)

	if flagOverrides != nil {
		cfg = merge(cfg, flagOverrides)
	}

	return cfg, nil
}

// homeConfigPath returns the home config path.
func homeConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".whitelie", "config.yaml")
}

// projectConfigPath returns the project config path.
func projectConfigPath() string {
	if override := strings.TrimSpace(os.Getenv("WHITELIE_CONFIG")); override != "" {
		return override
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return filepath.Join(cwd, ".whitelie", "config.yaml")
}

// Paths returns the home and project config file locations, whether or not
// they exist.
func Paths() (home, project string) {
	return homeConfigPath(), projectConfigPath()
}

// EnvVars lists every environment variable Load reads.
var EnvVars = []string{
	"WHITELIE_CONFIG",
	"WHITELIE_OUTPUT",
	"WHITELIE_BASE_DIR",
	"WHITELIE_VERBOSE",
	"WHITELIE_USER",
	"WHITELIE_STORAGE_BACKEND",
	"WHITELIE_SQLITE_PATH",
	"WHITELIE_LOG_LEVEL",
	"WHITELIE_LOG_FORMAT",
	"WHITELIE_GRACE_WINDOW",
	"WHITELIE_ESCALATION_ENABLED",
	"WHITELIE_ESCALATION_SEED",
}

// loadFromPath loads config from a YAML file.
func loadFromPath(path string) (*Config, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) *Config {
	if v := os.Getenv("WHITELIE_OUTPUT"); v != "" {
		cfg.Output = v
	}
	if v := os.Getenv("WHITELIE_BASE_DIR"); v != "" {
		cfg.BaseDir = v
	}
	if v, ok := getEnvBool("WHITELIE_VERBOSE"); ok && v {
		cfg.Verbose = true
	}
	if v := os.Getenv("WHITELIE_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("WHITELIE_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("WHITELIE_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("WHITELIE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("WHITELIE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("WHITELIE_GRACE_WINDOW"); v != "" {
		cfg.Deception.GraceWindow = v
	}
	if v, ok := getEnvBool("WHITELIE_ESCALATION_ENABLED"); ok {
		cfg.Escalation.Enabled = &v
	}
	if v := os.Getenv("WHITELIE_ESCALATION_SEED"); v != "" {
		if seed, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Escalation.Seed = seed
		}
	}
	return cfg
}

// mergeStr overwrites dst with src when src is non-empty.
func mergeStr(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

// mergeInt overwrites dst with src when src is non-zero.
func mergeInt(dst *int, src int) {
	if src != 0 {
		*dst = src
	}
}

// mergeFloat overwrites dst with src when src is non-zero.
func mergeFloat(dst *float64, src float64) {
	if src != 0 {
		*dst = src
	}
}

// merge merges src into dst, with src values taking precedence.
// Booleans that can be switched off are pointers; Verbose only ever turns on.
func merge(dst, src *Config) *Config {
	mergeStr(&dst.Output, src.Output)
	mergeStr(&dst.BaseDir, src.BaseDir)
	mergeStr(&dst.User, src.User)
	if src.Verbose {
		dst.Verbose = true
	}

	mergeStr(&dst.Storage.Backend, src.Storage.Backend)
	mergeStr(&dst.Storage.SQLitePath, src.Storage.SQLitePath)
	mergeStr(&dst.Log.Level, src.Log.Level)
	mergeStr(&dst.Log.Format, src.Log.Format)

	mergeDeception(&dst.Deception, &src.Deception)
	mergeUrgency(&dst.Urgency, &src.Urgency)
	mergeReliability(&dst.Reliability, &src.Reliability)
	mergeEscalation(&dst.Escalation, &src.Escalation)

	return dst
}

func mergeDeception(dst, src *DeceptionConfig) {
	mergeFloat(&dst.MaxPullFraction, src.MaxPullFraction)
	mergeFloat(&dst.MinPullFraction, src.MinPullFraction)
	mergeStr(&dst.GraceWindow, src.GraceWindow)
}

func mergeUrgency(dst, src *UrgencyConfig) {
	mergeStr(&dst.Critical, src.Critical)
	mergeStr(&dst.High, src.High)
	mergeStr(&dst.Medium, src.Medium)
}

func mergeReliability(dst, src *ReliabilityConfig) {
	mergeInt(&dst.InitialScore, src.InitialScore)
	mergeInt(&dst.OnTimeReward, src.OnTimeReward)
	mergeInt(&dst.LatePenalty, src.LatePenalty)
}

func mergeEscalation(dst, src *EscalationConfig) {
	if src.Enabled != nil {
		v := *src.Enabled
		dst.Enabled = &v
	}
	mergeInt(&dst.TriggerThreshold, src.TriggerThreshold)
	mergeInt(&dst.EarnOutQuota, src.EarnOutQuota)
	mergeInt(&dst.MinEligible, src.MinEligible)
	if src.Seed != 0 {
		dst.Seed = src.Seed
	}
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed []string) {
		if !slices.Contains(allowed, value) {
			errs = append(errs, fmt.Errorf("%s: %q is not one of %s", field, value, strings.Join(allowed, ", ")))
		}
	}
	check("output", c.Output, validOutputs)
	check("storage.backend", c.Storage.Backend, validBackends)
	check("log.level", c.Log.Level, validLogLevels)
	check("log.format", c.Log.Format, validLogFormat)

	if strings.TrimSpace(c.User) == "" {
		errs = append(errs, errors.New("user: must not be empty"))
	}
	if c.Deception.MaxPullFraction < 0 || c.Deception.MaxPullFraction >= 1 {
		errs = append(errs, fmt.Errorf("deception.max_pull_fraction: %v outside [0, 1)", c.Deception.MaxPullFraction))
	}
	if c.Deception.MinPullFraction < 0 || c.Deception.MinPullFraction > c.Deception.MaxPullFraction {
		errs = append(errs, fmt.Errorf("deception.min_pull_fraction: %v outside [0, max_pull_fraction]", c.Deception.MinPullFraction))
	}
	if _, err := parseDuration("deception.grace_window", c.Deception.GraceWindow); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.UrgencyThresholds(); err != nil {
		errs = append(errs, err)
	}
	if c.Reliability.InitialScore < reliability.MinScore || c.Reliability.InitialScore > reliability.MaxScore {
		errs = append(errs, fmt.Errorf("reliability.initial_score: %d outside [0, 100]", c.Reliability.InitialScore))
	}
	if c.Reliability.OnTimeReward < 0 || c.Reliability.LatePenalty < 0 {
		errs = append(errs, errors.New("reliability: reward and penalty must not be negative"))
	}
	if c.Escalation.TriggerThreshold < 0 || c.Escalation.EarnOutQuota < 0 || c.Escalation.MinEligible < 0 {
		errs = append(errs, errors.New("escalation: counts must not be negative"))
	}

	return errors.Join(errs...)
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: %s is negative", field, s)
	}
	return d, nil
}

// DeceptionPolicy builds the calculator policy. Unset values fall back to
// the package defaults through Normalize.
func (c *Config) DeceptionPolicy() (deception.Policy, error) {
	grace, err := parseDuration("deception.grace_window", c.Deception.GraceWindow)
	if err != nil {
		return deception.Policy{}, err
	}
	return deception.Policy{
		MaxPullFraction: c.Deception.MaxPullFraction,
		MinPullFraction: c.Deception.MinPullFraction,
		GraceWindow:     grace,
	}.Normalize(), nil
}

// UrgencyThresholds builds the tier boundaries and rejects a descending set.
func (c *Config) UrgencyThresholds() (urgency.Thresholds, error) {
	critical, err := parseDuration("urgency.critical", c.Urgency.Critical)
	if err != nil {
		return urgency.Thresholds{}, err
	}
	high, err := parseDuration("urgency.high", c.Urgency.High)
	if err != nil {
		return urgency.Thresholds{}, err
	}
	medium, err := parseDuration("urgency.medium", c.Urgency.Medium)
	if err != nil {
		return urgency.Thresholds{}, err
	}
	th := urgency.Thresholds{Critical: critical, High: high, Medium: medium}
	if (critical > 0 && high > 0 && high < critical) || (high > 0 && medium > 0 && medium < high) {
		return th, fmt.Errorf("urgency: thresholds must ascend (critical %s, high %s, medium %s)",
			c.Urgency.Critical, c.Urgency.High, c.Urgency.Medium)
	}
	return th.Normalize(), nil
}

// ReliabilityPolicy builds the score adjustment policy.
func (c *Config) ReliabilityPolicy() reliability.Policy {
	return reliability.Policy{
		OnTimeReward: c.Reliability.OnTimeReward,
		LatePenalty:  c.Reliability.LatePenalty,
	}.Normalize()
}

// InitialScore is the clamped starting score for new users.
func (c *Config) InitialScore() int {
	return reliability.Clamp(c.Reliability.InitialScore)
}

// EscalationPolicy builds the focus machine policy.
func (c *Config) EscalationPolicy() escalation.Policy {
	return escalation.Policy{
		Enabled:          c.Escalation.IsEnabled(),
		TriggerThreshold: c.Escalation.TriggerThreshold,
		EarnOutQuota:     c.Escalation.EarnOutQuota,
		MinEligible:      c.Escalation.MinEligible,
	}.Normalize()
}

// Seed returns the configured picker seed, or one derived from now.
func (c *Config) Seed(now time.Time) uint64 {
	if c.Escalation.Seed != 0 {
		return c.Escalation.Seed
	}
	return uint64(now.UnixNano())
}

// Source represents where a config value came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceHome    Source = "~/.whitelie/config.yaml"
	SourceProject Source = ".whitelie/config.yaml"
	SourceEnv     Source = "environment"
	SourceFlag    Source = "flag"
)

// getEnvString returns the value and whether the env var was set.
func getEnvString(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

// getEnvBool parses a boolean env var. ok is false when unset or unparsable.
func getEnvBool(key string) (value bool, ok bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// resolveStringField resolves a string through the precedence chain.
// Returns the resolved value and its source.
func resolveStringField(home, project, env, flag, def string) resolved {
	result := resolved{Value: def, Source: SourceDefault}

	if home != "" {
		result = resolved{Value: home, Source: SourceHome}
	}
	if project != "" {
		result = resolved{Value: project, Source: SourceProject}
	}
	if env != "" {
		result = resolved{Value: env, Source: SourceEnv}
	}
	if flag != "" {
		result = resolved{Value: flag, Source: SourceFlag}
	}

	return result
}

// ResolvedConfig shows config values with their sources.
type ResolvedConfig struct {
	Output         resolved `json:"output" yaml:"output"`
	BaseDir        resolved `json:"base_dir" yaml:"base_dir"`
	User           resolved `json:"user" yaml:"user"`
	Verbose        resolved `json:"verbose" yaml:"verbose"`
	StorageBackend resolved `json:"storage_backend" yaml:"storage_backend"`
	SQLitePath     resolved `json:"sqlite_path" yaml:"sqlite_path"`
	LogLevel       resolved `json:"log_level" yaml:"log_level"`
	LogFormat      resolved `json:"log_format" yaml:"log_format"`
	GraceWindow    resolved `json:"grace_window" yaml:"grace_window"`
}

type resolved struct {
	Value  any    `json:"value" yaml:"value"`
	Source Source `json:"source" yaml:"source"`
}

// Flags carries the command-line values Resolve needs.
type Flags struct {
	Output  string
	BaseDir string
	User    string
	Verbose bool
}

// Resolve returns configuration with source tracking.
// Uses precedence chain: flags > env > project > home > defaults.
func Resolve(flags Flags) *ResolvedConfig {
	home, _ := loadFromPath(homeConfigPath())
	project, _ := loadFromPath(projectConfigPath())
	if home == nil {
		home = &Config{}
	}
	if project == nil {
		project = &Config{}
	}

	field := func(get func(*Config) string, envKey, flag, def string) resolved {
		env, _ := getEnvString(envKey)
		return resolveStringField(get(home), get(project), env, flag, def)
	}

	rc := &ResolvedConfig{
		Output:         field(func(c *Config) string { return c.Output }, "WHITELIE_OUTPUT", flags.Output, defaultOutput),
		BaseDir:        field(func(c *Config) string { return c.BaseDir }, "WHITELIE_BASE_DIR", flags.BaseDir, defaultBaseDir),
		User:           field(func(c *Config) string { return c.User }, "WHITELIE_USER", flags.User, defaultUser),
		StorageBackend: field(func(c *Config) string { return c.Storage.Backend }, "WHITELIE_STORAGE_BACKEND", "", defaultStorageBackend),
		SQLitePath:     field(func(c *Config) string { return c.Storage.SQLitePath }, "WHITELIE_SQLITE_PATH", "", ""),
		LogLevel:       field(func(c *Config) string { return c.Log.Level }, "WHITELIE_LOG_LEVEL", "", defaultLogLevel),
		LogFormat:      field(func(c *Config) string { return c.Log.Format }, "WHITELIE_LOG_FORMAT", "", defaultLogFormat),
		GraceWindow:    field(func(c *Config) string { return c.Deception.GraceWindow }, "WHITELIE_GRACE_WINDOW", "", deception.DefaultGraceWindow.String()),
		Verbose:        resolved{Value: false, Source: SourceDefault},
	}

	// Verbose has OR semantics through the chain.
	if home.Verbose {
		rc.Verbose = resolved{Value: true, Source: SourceHome}
	}
	if project.Verbose {
		rc.Verbose = resolved{Value: true, Source: SourceProject}
	}
	if v, ok := getEnvBool("WHITELIE_VERBOSE"); ok && v {
		rc.Verbose = resolved{Value: true, Source: SourceEnv}
	}
	if flags.Verbose {
		rc.Verbose = resolved{Value: true, Source: SourceFlag}
	}

	return rc
}
