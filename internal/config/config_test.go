package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	t.Parallel()

	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	mutations := []struct {
		name string
		mut  func(*Config)
	}{
		{"zero concurrent plans", func(c *Config) { c.Engine.MaxConcurrentPlans = 0 }},
		{"zero twap duration", func(c *Config) { c.TWAP.DurationSeconds = 0 }},
		{"inverted twap intervals", func(c *Config) { c.TWAP.MinIntervalSeconds = 60; c.TWAP.MaxIntervalSeconds = 5 }},
		{"zero max slice qty", func(c *Config) { c.TWAP.MaxSliceQty = 0 }},
		{"negative profile weight", func(c *Config) { c.VWAP.VolumeProfile = []float64{0.5, -0.1} }},
		{"tip ratio above one", func(c *Config) { c.Iceberg.TipRatio = 1.5 }},
		{"inverted behavioral slices", func(c *Config) { c.Behavioral.MinSlices = 10; c.Behavioral.MaxSlices = 2 }},
		{"bad pattern", func(c *Config) { c.Behavioral.Pattern = "WHALE" }},
		{"bad noise", func(c *Config) { c.Behavioral.NoiseType = "LOUD" }},
		{"non-increasing size thresholds", func(c *Config) { c.Splitter.MediumMax = c.Splitter.SmallMax }},
		{"zero soft timeout", func(c *Config) { c.Confirmation.SoftTimeout = 0 }},
		{"non-increasing margin thresholds", func(c *Config) { c.Margin.DangerThreshold = c.Margin.WarningThreshold }},
		{"zero manual queue", func(c *Config) { c.Fallback.ManualQueueMaxSize = 0 }},
	}

	for _, tc := range mutations {
		cfg := Default()
		tc.mut(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate should fail", tc.name)
		}
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
dry_run: true
engine:
  max_concurrent_plans: 7
twap:
  duration_seconds: 60
  max_slice_qty: 40
confirmation:
  soft_timeout: 2s
  hard_timeout: 10s
vwap:
  volume_profile: [0.2, 0.3, 0.5]
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.DryRun {
		t.Error("dry_run should be true")
	}
	if cfg.Engine.MaxConcurrentPlans != 7 {
		t.Errorf("max_concurrent_plans = %d, want 7", cfg.Engine.MaxConcurrentPlans)
	}
	if cfg.TWAP.DurationSeconds != 60 {
		t.Errorf("twap duration = %d, want 60", cfg.TWAP.DurationSeconds)
	}
	if cfg.Confirmation.SoftTimeout != 2*time.Second {
		t.Errorf("soft timeout = %v, want 2s", cfg.Confirmation.SoftTimeout)
	}
	// Untouched fields keep defaults.
	if cfg.Margin.DangerThreshold != 0.90 {
		t.Errorf("danger threshold = %v, want default 0.90", cfg.Margin.DangerThreshold)
	}
	if len(cfg.VWAP.VolumeProfile) != 3 {
		t.Errorf("volume profile len = %d, want 3", len(cfg.VWAP.VolumeProfile))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Load should fail for missing file")
	}
}
