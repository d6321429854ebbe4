package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultStepTimeout    = 30 * time.Second
	DefaultApprovalTTL    = 12 * time.Hour
	DefaultReportSchedule = "0 9 * * 1"
	DefaultReportDays     = 7
	DefaultAdminUser      = "admin"
)

type ConfidenceConfig struct {
	DecayEnabled bool    `yaml:"decay_enabled"`
	DecayRate    float64 `yaml:"decay_rate"`
	// AllowArbitraryUIKeys admits ui.layout.* keys outside the fixed action set.
	AllowArbitraryUIKeys bool `yaml:"allow_arbitrary_ui_keys"`
}

type ReportsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Schedule   string `yaml:"schedule"`
	WindowDays int    `yaml:"window_days"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// PlanTemplate is a named plan declared in config.yaml and runnable by name.
type PlanTemplate struct {
	Name              string         `yaml:"name"`
	Goal              string         `yaml:"goal"`
	Domain            string         `yaml:"domain"`
	Risk              string         `yaml:"risk"`
	RedactionRequired bool           `yaml:"redaction_required"`
	Steps             []PlanStepSpec `yaml:"steps"`
}

type PlanStepSpec struct {
	ID     string         `yaml:"id"`
	Tool   string         `yaml:"tool"`
	Action string         `yaml:"action"`
	Args   map[string]any `yaml:"args"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath             string `yaml:"db_path"`
	LogLevel           string `yaml:"log_level"`
	StepTimeoutSeconds int    `yaml:"step_timeout_seconds"`
	ApprovalTTLSeconds int    `yaml:"approval_ttl_seconds"`
	AdminUser          string `yaml:"admin_user"`

	// AdminPassword only comes from GATEKEEP_ADMIN_PASSWORD and is used once
	// when auth.json is first created.
	AdminPassword string `yaml:"-"`

	Confidence ConfidenceConfig `yaml:"confidence"`
	Reports    ReportsConfig    `yaml:"reports"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Plans      []PlanTemplate   `yaml:"plans"`

	NeedsBootstrap bool `yaml:"-"`
}

func (c Config) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSeconds) * time.Second
}

func (c Config) ApprovalTTL() time.Duration {
	return time.Duration(c.ApprovalTTLSeconds) * time.Second
}

func (c Config) PolicyPath() string       { return filepath.Join(c.HomeDir, "policy.yaml") }
func (c Config) MemoryPolicyPath() string { return filepath.Join(c.HomeDir, "memory_policy.yaml") }
func (c Config) CredentialsPath() string  { return filepath.Join(c.HomeDir, "auth.json") }
func (c Config) FailuresDir() string      { return filepath.Join(c.HomeDir, "failures") }
func (c Config) ReportsDir() string       { return filepath.Join(c.HomeDir, "reports", "weekly") }
func (c Config) LogsDir() string          { return filepath.Join(c.HomeDir, "logs") }

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that change gate behaviour.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|log=%s|step=%d|ttl=%d|decay=%t/%g|arb=%t|report=%s/%d|plans=%d",
		c.DBPath, c.LogLevel, c.StepTimeoutSeconds, c.ApprovalTTLSeconds,
		c.Confidence.DecayEnabled, c.Confidence.DecayRate, c.Confidence.AllowArbitraryUIKeys,
		c.Reports.Schedule, c.Reports.WindowDays, len(c.Plans))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:           "info",
		StepTimeoutSeconds: int(DefaultStepTimeout.Seconds()),
		ApprovalTTLSeconds: int(DefaultApprovalTTL.Seconds()),
		AdminUser:          DefaultAdminUser,
		Reports: ReportsConfig{
			Enabled:    true,
			Schedule:   DefaultReportSchedule,
			WindowDays: DefaultReportDays,
		},
		Telemetry: TelemetryConfig{Exporter: "none"},
	}
}

func HomeDir() string {
	if override := os.Getenv("GATEKEEP_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gatekeep")
}

// Load reads config.yaml from HomeDir, creating the home directory if needed.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o700); err != nil {
		return cfg, fmt.Errorf("create gatekeep home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsBootstrap = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "gatekeep.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StepTimeoutSeconds <= 0 {
		cfg.StepTimeoutSeconds = int(DefaultStepTimeout.Seconds())
	}
	if cfg.ApprovalTTLSeconds <= 0 {
		cfg.ApprovalTTLSeconds = int(DefaultApprovalTTL.Seconds())
	}
	if strings.TrimSpace(cfg.AdminUser) == "" {
		cfg.AdminUser = DefaultAdminUser
	}
	if cfg.Confidence.DecayRate < 0 {
		cfg.Confidence.DecayRate = 0
	}
	if strings.TrimSpace(cfg.Reports.Schedule) == "" {
		cfg.Reports.Schedule = DefaultReportSchedule
	}
	if cfg.Reports.WindowDays <= 0 {
		cfg.Reports.WindowDays = DefaultReportDays
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
}

func validate(cfg Config) error {
	seen := make(map[string]bool, len(cfg.Plans))
	for i, p := range cfg.Plans {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return fmt.Errorf("plans[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("plans[%d]: duplicate plan name %q", i, name)
		}
		seen[name] = true
		if len(p.Steps) == 0 {
			return fmt.Errorf("plan %q: at least one step is required", name)
		}
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q: expected debug, info, warn or error", cfg.LogLevel)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GATEKEEP_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GATEKEEP_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("GATEKEEP_STEP_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.StepTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("GATEKEEP_APPROVAL_TTL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ApprovalTTLSeconds = v
		}
	}
	if raw := os.Getenv("GATEKEEP_CONFIDENCE_DECAY_RATE"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Confidence.DecayRate = v
			cfg.Confidence.DecayEnabled = v > 0
		}
	}
	if raw := os.Getenv("GATEKEEP_ADMIN_PASSWORD"); raw != "" {
		cfg.AdminPassword = raw
	}
	if raw := os.Getenv("GATEKEEP_OTEL_EXPORTER"); raw != "" {
		cfg.Telemetry.Enabled = raw != "none"
		cfg.Telemetry.Exporter = raw
	}
}
