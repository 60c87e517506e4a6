// Package config defines all configuration for the execution pipeline.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// overrides via FUT_* environment variables. Library consumers that do not
// want file loading use Default() and adjust fields directly.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun       bool               `mapstructure:"dry_run"`
	Engine       EngineConfig       `mapstructure:"engine"`
	TWAP         TWAPConfig         `mapstructure:"twap"`
	VWAP         VWAPConfig         `mapstructure:"vwap"`
	Iceberg      IcebergConfig      `mapstructure:"iceberg"`
	Behavioral   BehavioralConfig   `mapstructure:"behavioral"`
	Splitter     SplitterConfig     `mapstructure:"splitter"`
	Confirmation ConfirmationConfig `mapstructure:"confirmation"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	VaR          VaRConfig          `mapstructure:"var"`
	Margin       MarginConfig       `mapstructure:"margin"`
	Fallback     FallbackConfig     `mapstructure:"fallback"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// EngineConfig bounds the orchestrator.
type EngineConfig struct {
	EnableAudit        bool `mapstructure:"enable_audit"`
	EnableCostCheck    bool `mapstructure:"enable_cost_check"`
	DefaultTimeoutSec  int  `mapstructure:"default_timeout_seconds"`
	MaxConcurrentPlans int  `mapstructure:"max_concurrent_plans"`
}

// TWAPConfig tunes the time-weighted executor.
//
//   - DurationSeconds: total execution window.
//   - SliceCount: fixed slice count; 0 = derive from MaxSliceQty.
//   - Min/MaxIntervalSeconds: bounds on the gap between slices when deriving.
//   - Min/MaxSliceQty: bounds on per-slice quantity when deriving.
//   - RetryCount: per-slice retry budget on rejection.
//   - TimeoutSeconds: cancel a pending order older than this.
type TWAPConfig struct {
	DurationSeconds    int   `mapstructure:"duration_seconds"`
	SliceCount         int   `mapstructure:"slice_count"`
	MinIntervalSeconds int   `mapstructure:"min_interval_seconds"`
	MaxIntervalSeconds int   `mapstructure:"max_interval_seconds"`
	MinSliceQty        int64 `mapstructure:"min_slice_qty"`
	MaxSliceQty        int64 `mapstructure:"max_slice_qty"`
	RetryCount         int   `mapstructure:"retry_count"`
	TimeoutSeconds     int   `mapstructure:"timeout_seconds"`
}

// VWAPConfig tunes the volume-weighted executor. An empty VolumeProfile
// falls back to the canonical Chinese-futures intraday U-shape.
// ParticipationRate caps the share of the target any single bucket may
// carry; a value outside (0, 1) disables the cap.
type VWAPConfig struct {
	VolumeProfile     []float64 `mapstructure:"volume_profile"`
	DurationSeconds   int       `mapstructure:"duration_seconds"`
	ParticipationRate float64   `mapstructure:"participation_rate"`
	MinSliceQtyRatio  float64   `mapstructure:"min_slice_qty_ratio"`
	RetryCount        int       `mapstructure:"retry_count"`
	TimeoutSeconds    int       `mapstructure:"timeout_seconds"`
}

// IcebergConfig tunes the iceberg executor. TipSize wins over TipRatio when
// both are set.
type IcebergConfig struct {
	TipSize        int64   `mapstructure:"tip_size"`
	TipRatio       float64 `mapstructure:"tip_ratio"`
	RefillDelaySec int     `mapstructure:"refill_delay_seconds"`
	MaxVisible     int64   `mapstructure:"max_visible"`
	RetryCount     int     `mapstructure:"retry_count"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// BehavioralConfig tunes the disguise executor. All randomness derives from
// the intent id, so identical intents replay identically.
type BehavioralConfig struct {
	Pattern            string  `mapstructure:"pattern"`    // RETAIL, INSTITUTIONAL, HYBRID, ADAPTIVE
	NoiseType          string  `mapstructure:"noise_type"` // NONE, TIMING, SIZE, BOTH
	MinDurationSeconds int     `mapstructure:"min_duration_seconds"`
	MaxDurationSeconds int     `mapstructure:"max_duration_seconds"`
	MinSlices          int     `mapstructure:"min_slices"`
	MaxSlices          int     `mapstructure:"max_slices"`
	SizeVariance       float64 `mapstructure:"size_variance"`   // per-slice weights draw from [1-v, 1+v]
	TimingVariance     float64 `mapstructure:"timing_variance"` // σ for inter-arrival jitter
	RetryCount         int     `mapstructure:"retry_count"`
	TimeoutSeconds     int     `mapstructure:"timeout_seconds"`
}

// SplitterConfig sets the order-value categories and the confirmation gate.
type SplitterConfig struct {
	SmallMax              float64 `mapstructure:"small_max"`
	MediumMax             float64 `mapstructure:"medium_max"`
	LargeMax              float64 `mapstructure:"large_max"`
	ConfirmationThreshold float64 `mapstructure:"confirmation_threshold"`
}

// ConfirmationConfig drives AUTO/SOFT/HARD tier selection and timeouts.
type ConfirmationConfig struct {
	AutoMaxValue           float64       `mapstructure:"auto_max_value"`
	SoftMaxValue           float64       `mapstructure:"soft_max_value"`
	VolatilityPct          float64       `mapstructure:"volatility_pct"`
	PriceGapPct            float64       `mapstructure:"price_gap_pct"`
	LimitHitCount          int           `mapstructure:"limit_hit_count"`
	SoftTimeout            time.Duration `mapstructure:"soft_timeout"`
	HardTimeout            time.Duration `mapstructure:"hard_timeout"`
	EnableNightDegradation bool          `mapstructure:"enable_night_degradation"`
}

// BreakerConfig controls the circuit-breaker-aware confirmation wrapper.
type BreakerConfig struct {
	EnableExemption   bool     `mapstructure:"enable_exemption"`
	MaxExemptValue    float64  `mapstructure:"max_exempt_value"`
	ExemptWhitelist   []string `mapstructure:"exempt_whitelist"` // empty = allow all instruments
	UpgradeOnHalfOpen bool     `mapstructure:"upgrade_on_half_open"`
}

// VaRConfig controls the adaptive VaR scheduler cadence per market regime.
type VaRConfig struct {
	BaseIntervalMs     int     `mapstructure:"base_interval_ms"`
	CalmIntervalMs     int     `mapstructure:"calm_interval_ms"`
	NormalIntervalMs   int     `mapstructure:"normal_interval_ms"`
	VolatileIntervalMs int     `mapstructure:"volatile_interval_ms"`
	ExtremeIntervalMs  int     `mapstructure:"extreme_interval_ms"`
	CPULimitPct        float64 `mapstructure:"cpu_limit_pct"`
	HistorySize        int     `mapstructure:"history_size"`
}

// MarginConfig sets usage-ratio thresholds and monitor behavior.
type MarginConfig struct {
	SafeThreshold       float64 `mapstructure:"safe_threshold"`
	WarningThreshold    float64 `mapstructure:"warning_threshold"`
	DangerThreshold     float64 `mapstructure:"danger_threshold"`
	CriticalThreshold   float64 `mapstructure:"critical_threshold"`
	ForceCloseThreshold float64 `mapstructure:"force_close_threshold"`
	HistorySize         int     `mapstructure:"history_size"`
	VarTriggerThreshold float64 `mapstructure:"var_trigger_threshold"` // Δusage that forces a VaR recalc
}

// FallbackConfig bounds the degraded-mode executor.
type FallbackConfig struct {
	ManualQueueMaxSize   int     `mapstructure:"manual_queue_max_size"`
	GracefulVolumeScale  float64 `mapstructure:"graceful_volume_scale"`
	ReducedParticipation float64 `mapstructure:"reduced_participation"`
}

// AuditConfig controls sink wiring for the audit stream.
type AuditConfig struct {
	BufferSize   int    `mapstructure:"buffer_size"`
	HTTPSinkURL  string `mapstructure:"http_sink_url"` // empty = no HTTP forwarding
	HTTPSinkPath string `mapstructure:"http_sink_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns a config with the documented defaults, suitable for
// embedding the pipeline without a config file.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			EnableAudit:        true,
			EnableCostCheck:    true,
			DefaultTimeoutSec:  30,
			MaxConcurrentPlans: 50,
		},
		TWAP: TWAPConfig{
			DurationSeconds:    300,
			SliceCount:         0,
			MinIntervalSeconds: 5,
			MaxIntervalSeconds: 120,
			MinSliceQty:        1,
			MaxSliceQty:        50,
			RetryCount:         3,
			TimeoutSeconds:     30,
		},
		VWAP: VWAPConfig{
			DurationSeconds:   300,
			ParticipationRate: 0.15,
			MinSliceQtyRatio:  0.05,
			RetryCount:        3,
			TimeoutSeconds:    30,
		},
		Iceberg: IcebergConfig{
			TipRatio:       0.10,
			RefillDelaySec: 2,
			MaxVisible:     20,
			RetryCount:     3,
			TimeoutSeconds: 30,
		},
		Behavioral: BehavioralConfig{
			Pattern:            "HYBRID",
			NoiseType:          "BOTH",
			MinDurationSeconds: 120,
			MaxDurationSeconds: 600,
			MinSlices:          4,
			MaxSlices:          20,
			SizeVariance:       0.30,
			TimingVariance:     0.40,
			RetryCount:         3,
			TimeoutSeconds:     30,
		},
		Splitter: SplitterConfig{
			SmallMax:              500_000,
			MediumMax:             2_000_000,
			LargeMax:              5_000_000,
			ConfirmationThreshold: 500_000,
		},
		Confirmation: ConfirmationConfig{
			AutoMaxValue:           500_000,
			SoftMaxValue:           2_000_000,
			VolatilityPct:          5.0,
			PriceGapPct:            3.0,
			LimitHitCount:          2,
			SoftTimeout:            5 * time.Second,
			HardTimeout:            30 * time.Second,
			EnableNightDegradation: true,
		},
		Breaker: BreakerConfig{
			EnableExemption:   true,
			MaxExemptValue:    100_000,
			UpgradeOnHalfOpen: true,
		},
		VaR: VaRConfig{
			BaseIntervalMs:     1000,
			CalmIntervalMs:     5000,
			NormalIntervalMs:   1000,
			VolatileIntervalMs: 500,
			ExtremeIntervalMs:  200,
			CPULimitPct:        10.0,
			HistorySize:        500,
		},
		Margin: MarginConfig{
			SafeThreshold:       0.70,
			WarningThreshold:    0.80,
			DangerThreshold:     0.90,
			CriticalThreshold:   0.95,
			ForceCloseThreshold: 1.00,
			HistorySize:         500,
			VarTriggerThreshold: 0.05,
		},
		Fallback: FallbackConfig{
			ManualQueueMaxSize:   100,
			GracefulVolumeScale:  0.5,
			ReducedParticipation: 0.05,
		},
		Audit: AuditConfig{
			BufferSize:   4096,
			HTTPSinkPath: "/v1/audit",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads config from a YAML file with FUT_* env var overrides, layered
// on top of Default().
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Engine.MaxConcurrentPlans <= 0 {
		return fmt.Errorf("engine.max_concurrent_plans must be > 0")
	}
	if c.TWAP.DurationSeconds <= 0 {
		return fmt.Errorf("twap.duration_seconds must be > 0")
	}
	if c.TWAP.MinIntervalSeconds <= 0 || c.TWAP.MaxIntervalSeconds < c.TWAP.MinIntervalSeconds {
		return fmt.Errorf("twap interval bounds invalid: [%d, %d]",
			c.TWAP.MinIntervalSeconds, c.TWAP.MaxIntervalSeconds)
	}
	if c.TWAP.MaxSliceQty <= 0 {
		return fmt.Errorf("twap.max_slice_qty must be > 0")
	}
	for i, w := range c.VWAP.VolumeProfile {
		if w < 0 {
			return fmt.Errorf("vwap.volume_profile[%d] must be >= 0", i)
		}
	}
	if c.VWAP.MinSliceQtyRatio < 0 || c.VWAP.MinSliceQtyRatio > 1 {
		return fmt.Errorf("vwap.min_slice_qty_ratio must be in [0, 1]")
	}
	if c.VWAP.ParticipationRate < 0 || c.VWAP.ParticipationRate > 1 {
		return fmt.Errorf("vwap.participation_rate must be in [0, 1]")
	}
	if c.Iceberg.TipSize < 0 || c.Iceberg.TipRatio < 0 || c.Iceberg.TipRatio > 1 {
		return fmt.Errorf("iceberg tip config invalid")
	}
	if c.Behavioral.MinSlices <= 0 || c.Behavioral.MaxSlices < c.Behavioral.MinSlices {
		return fmt.Errorf("behavioral slice bounds invalid: [%d, %d]",
			c.Behavioral.MinSlices, c.Behavioral.MaxSlices)
	}
	switch c.Behavioral.Pattern {
	case "RETAIL", "INSTITUTIONAL", "HYBRID", "ADAPTIVE":
	default:
		return fmt.Errorf("behavioral.pattern must be RETAIL, INSTITUTIONAL, HYBRID or ADAPTIVE")
	}
	switch c.Behavioral.NoiseType {
	case "NONE", "TIMING", "SIZE", "BOTH":
	default:
		return fmt.Errorf("behavioral.noise_type must be NONE, TIMING, SIZE or BOTH")
	}
	if c.Splitter.SmallMax <= 0 || c.Splitter.MediumMax <= c.Splitter.SmallMax ||
		c.Splitter.LargeMax <= c.Splitter.MediumMax {
		return fmt.Errorf("splitter size thresholds must be increasing")
	}
	if c.Confirmation.SoftTimeout <= 0 || c.Confirmation.HardTimeout <= 0 {
		return fmt.Errorf("confirmation timeouts must be > 0")
	}
	thresholds := []float64{
		c.Margin.SafeThreshold, c.Margin.WarningThreshold, c.Margin.DangerThreshold,
		c.Margin.CriticalThreshold, c.Margin.ForceCloseThreshold,
	}
	for i := 1; i < len(thresholds); i++ {
		if thresholds[i] <= thresholds[i-1] {
			return fmt.Errorf("margin thresholds must be strictly increasing")
		}
	}
	if c.Fallback.ManualQueueMaxSize <= 0 {
		return fmt.Errorf("fallback.manual_queue_max_size must be > 0")
	}
	return nil
}
