package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Step          StepConfig          `toml:"step"`
	Breaker       BreakerConfig       `toml:"breaker"`
	Policy        PolicyConfig        `toml:"policy"`
	Recovery      RecoveryConfig      `toml:"recovery"`
	Budget        BudgetConfig        `toml:"budget"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Batches       []BatchConfig       `toml:"batches"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	ProjectID    string `toml:"project_id"`
	StateDir     string `toml:"state_dir"`
	LedgerPath   string `toml:"ledger_path"`
	ArtifactsDir string `toml:"artifacts_dir"`
}

// StepConfig holds settings for the external builder/auditor step
type StepConfig struct {
	Command        string `toml:"command"`
	Model          string `toml:"model"`
	EscalatedModel string `toml:"escalated_model"`
	TimeoutSecs    int    `toml:"timeout_secs"`
}

// BreakerConfig holds circuit breaker settings
type BreakerConfig struct {
	FailureThreshold int `toml:"failure_threshold"`
	SuccessThreshold int `toml:"success_threshold"`
	TimeoutSecs      int `toml:"timeout_secs"`
	PersistTTLSecs   int `toml:"persist_ttl_secs"`
}

// PolicyConfig holds stuck-handling policy settings
type PolicyConfig struct {
	MaxIterationsPerPhase      int     `toml:"max_iterations_per_phase"`
	MaxEscalationsPerPhase     int     `toml:"max_escalations_per_phase"`
	BudgetWarningThreshold     float64 `toml:"budget_warning_threshold"`
	ConsecutiveFailuresTrigger int     `toml:"consecutive_failures_trigger"`
}

// RecoveryConfig holds recovery action settings
type RecoveryConfig struct {
	MinBudgetFraction float64 `toml:"min_budget_fraction"`
}

// BudgetConfig holds run budget settings
type BudgetConfig struct {
	MaxCostUSD float64 `toml:"max_cost_usd"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds status server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// BatchConfig holds one scheduled unattended run
type BatchConfig struct {
	Name     string `toml:"name"`
	Cron     string `toml:"cron"`
	PlanPath string `toml:"plan_path"`
}

// Validate checks a batch entry for required fields
func (b *BatchConfig) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("batch name is required")
	}
	if b.Cron == "" {
		return fmt.Errorf("batch %s: cron expression is required", b.Name)
	}
	if b.PlanPath == "" {
		return fmt.Errorf("batch %s: plan_path is required", b.Name)
	}
	return nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".phase-orch")
	return &Config{
		General: GeneralConfig{
			StateDir:     filepath.Join(base, "runs"),
			LedgerPath:   filepath.Join(base, "ledger.db"),
			ArtifactsDir: filepath.Join(base, "artifacts"),
		},
		Step: StepConfig{
			Command:        "claude",
			Model:          "claude-sonnet-4-20250514",
			EscalatedModel: "claude-opus-4-20250514",
			TimeoutSecs:    1800,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			TimeoutSecs:      60,
			PersistTTLSecs:   3600,
		},
		Policy: PolicyConfig{
			MaxIterationsPerPhase:      10,
			MaxEscalationsPerPhase:     2,
			BudgetWarningThreshold:     0.8,
			ConsecutiveFailuresTrigger: 3,
		},
		Recovery: RecoveryConfig{
			MinBudgetFraction: 0.1,
		},
		Budget: BudgetConfig{
			MaxCostUSD: 50.0,
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.StateDir = ExpandPath(cfg.General.StateDir)
	cfg.General.LedgerPath = ExpandPath(cfg.General.LedgerPath)
	cfg.General.ArtifactsDir = ExpandPath(cfg.General.ArtifactsDir)

	return cfg, nil
}

// Save writes the configuration to a TOML file
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Hash returns a stable digest of the configuration. Lines of the TOML
// rendering are sorted before hashing so section ordering cannot change
// the digest.
func (c *Config) Hash() string {
	data, err := toml.Marshal(c)
	if err != nil {
		return ""
	}
	lines := strings.Split(string(data), "\n")
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "phase-orch", "config.toml")
}
