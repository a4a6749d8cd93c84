// Package config loads engine configuration from an optional YAML file with
// QORELOGIC_* environment-variable overrides on top. Nothing here supplies a
// passphrase default: key material can only be unlocked by an operator-provided
// secret source.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
)

// Config holds every recognized engine option.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Config struct {
	StorePath  string `yaml:"store_path" json:"store_path"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	ListenPort int    `yaml:"listen_port" json:"listen_port"`

	// PassphraseSource is "env:<VAR>" or "file:<path>". There is no default:
	// operations that unwrap private keys fail config validation without it.
	PassphraseSource string `yaml:"passphrase_source" json:"passphrase_source"`

	// Tier3Backend is "none", "exec:<command>", or "wasm:<module path>".
	Tier3Backend string `yaml:"tier3_backend" json:"tier3_backend"`
	Tier3Depth   int    `yaml:"tier3_depth" json:"tier3_depth"`

	CPUHighWatermark float64 `yaml:"cpu_high_watermark" json:"cpu_high_watermark"`
	CPULowWatermark  float64 `yaml:"cpu_low_watermark" json:"cpu_low_watermark"`
	QueueSoft        int     `yaml:"queue_soft" json:"queue_soft"`
	QueueHard        int     `yaml:"queue_hard" json:"queue_hard"`
	ModeOverride     string  `yaml:"mode_override" json:"mode_override"`
	Workers          int     `yaml:"workers" json:"workers"`

	RotationMaxAgeDays  int `yaml:"rotation_max_age_days" json:"rotation_max_age_days"`
	MinPassphraseLength int `yaml:"min_passphrase_length" json:"min_passphrase_length"`

	// Evidence archive backend: "fs" (default), "s3", or "gcs".
	EvidenceBackend    string `yaml:"evidence_backend" json:"evidence_backend"`
	EvidenceDir        string `yaml:"evidence_dir" json:"evidence_dir"`
	EvidenceS3Bucket   string `yaml:"evidence_s3_bucket" json:"evidence_s3_bucket"`
	EvidenceS3Region   string `yaml:"evidence_s3_region" json:"evidence_s3_region"`
	EvidenceS3Prefix   string `yaml:"evidence_s3_prefix" json:"evidence_s3_prefix"`
	EvidenceS3Endpoint string `yaml:"evidence_s3_endpoint" json:"evidence_s3_endpoint"`
	EvidenceGCSBucket  string `yaml:"evidence_gcs_bucket" json:"evidence_gcs_bucket"`
	EvidenceGCSPrefix  string `yaml:"evidence_gcs_prefix" json:"evidence_gcs_prefix"`

	// RedisAddr enables the Redis-backed per-agent admission limiter when set;
	// empty keeps the in-memory token bucket.
	RedisAddr string `yaml:"redis_addr" json:"redis_addr"`

	// RulePackPath points at an alternative classifier rule pack; empty loads
	// the built-in pack.
	RulePackPath string `yaml:"rule_pack_path" json:"rule_pack_path"`

	LogLevel     string `yaml:"log_level" json:"log_level"`
	LogFormat    string `yaml:"log_format" json:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		StorePath:           "qorelogic.db",
		ListenAddr:          "127.0.0.1",
		ListenPort:          7433,
		Tier3Backend:        "none",
		Tier3Depth:          7,
		CPUHighWatermark:    0.70,
		CPULowWatermark:     0.50,
		QueueSoft:           40,
		QueueHard:           50,
		Workers:             8,
		RotationMaxAgeDays:  90,
		MinPassphraseLength: 12,
		EvidenceBackend:     "fs",
		EvidenceDir:         "evidence",
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// Load reads path (when non-empty), applies environment overrides, and
// validates. A missing explicit file is an error; path=="" skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	setStr("QORELOGIC_STORE_PATH", &c.StorePath)
	setStr("QORELOGIC_LISTEN_ADDR", &c.ListenAddr)
	setInt("QORELOGIC_LISTEN_PORT", &c.ListenPort)
	setStr("QORELOGIC_PASSPHRASE_SOURCE", &c.PassphraseSource)
	setStr("QORELOGIC_TIER3_BACKEND", &c.Tier3Backend)
	setInt("QORELOGIC_TIER3_DEPTH", &c.Tier3Depth)
	setFloat("QORELOGIC_CPU_HIGH_WATERMARK", &c.CPUHighWatermark)
	setFloat("QORELOGIC_CPU_LOW_WATERMARK", &c.CPULowWatermark)
	setInt("QORELOGIC_QUEUE_SOFT", &c.QueueSoft)
	setInt("QORELOGIC_QUEUE_HARD", &c.QueueHard)
	setStr("QORELOGIC_MODE_OVERRIDE", &c.ModeOverride)
	setInt("QORELOGIC_WORKERS", &c.Workers)
	setStr("QORELOGIC_EVIDENCE_BACKEND", &c.EvidenceBackend)
	setStr("QORELOGIC_EVIDENCE_DIR", &c.EvidenceDir)
	setStr("QORELOGIC_EVIDENCE_S3_BUCKET", &c.EvidenceS3Bucket)
	setStr("QORELOGIC_EVIDENCE_S3_REGION", &c.EvidenceS3Region)
	setStr("QORELOGIC_EVIDENCE_S3_PREFIX", &c.EvidenceS3Prefix)
	setStr("QORELOGIC_EVIDENCE_S3_ENDPOINT", &c.EvidenceS3Endpoint)
	setStr("QORELOGIC_EVIDENCE_GCS_BUCKET", &c.EvidenceGCSBucket)
	setStr("QORELOGIC_EVIDENCE_GCS_PREFIX", &c.EvidenceGCSPrefix)
	setStr("QORELOGIC_REDIS_ADDR", &c.RedisAddr)
	setStr("QORELOGIC_RULE_PACK", &c.RulePackPath)
	setStr("QORELOGIC_LOG_LEVEL", &c.LogLevel)
	setStr("QORELOGIC_LOG_FORMAT", &c.LogFormat)
	setStr("QORELOGIC_OTLP_ENDPOINT", &c.OTLPEndpoint)
}

// Validate rejects inconsistent or out-of-range settings.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("config: store_path is required")
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("config: listen_port %d out of range", c.ListenPort)
	}
	if c.QueueHard < 1 {
		return fmt.Errorf("config: queue_hard must be >= 1")
	}
	if c.QueueSoft < 0 || c.QueueSoft > c.QueueHard {
		return fmt.Errorf("config: queue_soft %d must be within [0, queue_hard=%d]", c.QueueSoft, c.QueueHard)
	}
	if c.CPULowWatermark <= 0 || c.CPUHighWatermark <= c.CPULowWatermark || c.CPUHighWatermark >= 1 {
		return fmt.Errorf("config: cpu watermarks must satisfy 0 < low < high < 1 (low=%.2f high=%.2f)",
			c.CPULowWatermark, c.CPUHighWatermark)
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: workers must be >= 1")
	}
	if c.Tier3Backend != "none" {
		if !strings.HasPrefix(c.Tier3Backend, "exec:") && !strings.HasPrefix(c.Tier3Backend, "wasm:") {
			return fmt.Errorf("config: tier3_backend must be none, exec:<cmd>, or wasm:<module>")
		}
		if c.Tier3Depth < 5 || c.Tier3Depth > 10 {
			return fmt.Errorf("config: tier3_depth %d out of range [5,10]", c.Tier3Depth)
		}
	}
	if c.ModeOverride != "" && !contracts.Mode(c.ModeOverride).Valid() {
		return fmt.Errorf("config: mode_override %q is not a mode", c.ModeOverride)
	}
	switch c.EvidenceBackend {
	case "fs", "s3", "gcs":
	default:
		return fmt.Errorf("config: evidence_backend %q is not fs|s3|gcs", c.EvidenceBackend)
	}
	if c.PassphraseSource != "" &&
		!strings.HasPrefix(c.PassphraseSource, "env:") &&
		!strings.HasPrefix(c.PassphraseSource, "file:") {
		return fmt.Errorf("config: passphrase_source must be env:<VAR> or file:<path>")
	}
	if c.MinPassphraseLength < 8 {
		return fmt.Errorf("config: min_passphrase_length must be >= 8")
	}
	return nil
}

// RequirePassphraseSource enforces the no-default rule for commands that
// unwrap private keys.
func (c *Config) RequirePassphraseSource() error {
	if c.PassphraseSource == "" {
		return fmt.Errorf("config: passphrase_source is required (env:<VAR> or file:<path>); no default exists")
	}
	return nil
}

// Endpoint renders the shell listen address.
func (c *Config) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.ListenPort)
}
