package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qorelogic.yaml")
	body := []byte("store_path: /tmp/gov.db\nqueue_hard: 60\nqueue_soft: 48\ntier3_backend: exec:cbmc\ntier3_depth: 9\n")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	t.Setenv("QORELOGIC_QUEUE_HARD", "80")
	t.Setenv("QORELOGIC_LISTEN_PORT", "9000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/gov.db", cfg.StorePath)
	assert.Equal(t, 80, cfg.QueueHard, "env overrides file")
	assert.Equal(t, 48, cfg.QueueSoft)
	assert.Equal(t, 9000, cfg.ListenPort)
	assert.Equal(t, "exec:cbmc", cfg.Tier3Backend)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty store path", func(c *Config) { c.StorePath = "" }},
		{"soft above hard", func(c *Config) { c.QueueSoft = 51; c.QueueHard = 50 }},
		{"inverted watermarks", func(c *Config) { c.CPUHighWatermark = 0.4; c.CPULowWatermark = 0.5 }},
		{"bad tier3 backend", func(c *Config) { c.Tier3Backend = "shell:rm" }},
		{"tier3 depth high", func(c *Config) { c.Tier3Backend = "exec:cbmc"; c.Tier3Depth = 11 }},
		{"tier3 depth low", func(c *Config) { c.Tier3Backend = "exec:cbmc"; c.Tier3Depth = 4 }},
		{"bad mode override", func(c *Config) { c.ModeOverride = "TURBO" }},
		{"bad evidence backend", func(c *Config) { c.EvidenceBackend = "ftp" }},
		{"bad passphrase source", func(c *Config) { c.PassphraseSource = "literal:hunter2" }},
		{"weak passphrase floor", func(c *Config) { c.MinPassphraseLength = 4 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNoDefaultPassphrase(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.PassphraseSource)
	assert.Error(t, cfg.RequirePassphraseSource())

	cfg.PassphraseSource = "env:QORE_KEY"
	assert.NoError(t, cfg.RequirePassphraseSource())
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
