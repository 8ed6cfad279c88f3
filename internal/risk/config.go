package risk

import (
	"time"

	"github.com/aegis-ai/aegis/internal/detect"
)

// Mode selects how aggressively findings are mitigated.
type Mode string

const (
	ModeStrict     Mode = "strict"
	ModeBalanced   Mode = "balanced"
	ModePermissive Mode = "permissive"
)

// ParseMode maps a mode name to its value, defaulting to balanced.
func ParseMode(s string) Mode {
	switch s {
	case "strict":
		return ModeStrict
	case "permissive":
		return ModePermissive
	default:
		return ModeBalanced
	}
}

// DefaultDetectorTimeout bounds each detector's scan.
const DefaultDetectorTimeout = 300 * time.Millisecond

// Config holds the agent's thresholds. Zero values are filled in by
// Normalize; per-request overrides are applied on top.
type Config struct {
	Mode                    Mode
	PIIConfidenceThreshold  float64
	BiasConfidenceThreshold float64
	DisableHallucination    bool
	MaxRiskScore            float64
	SanitizeThreshold       detect.Severity
	DetectorTimeout         time.Duration
}

// ConfigForMode returns the full default configuration for a mode.
func ConfigForMode(mode Mode) Config {
	cfg := Config{
		Mode:            mode,
		DetectorTimeout: DefaultDetectorTimeout,
	}
	switch mode {
	case ModeStrict:
		cfg.PIIConfidenceThreshold = 0.6
		cfg.BiasConfidenceThreshold = 0.6
		cfg.MaxRiskScore = 6.0
		cfg.SanitizeThreshold = detect.SeverityMedium
	case ModePermissive:
		cfg.PIIConfidenceThreshold = 0.85
		cfg.BiasConfidenceThreshold = 0.85
		cfg.MaxRiskScore = 9.0
		cfg.SanitizeThreshold = detect.SeverityCritical
	default:
		cfg.Mode = ModeBalanced
		cfg.PIIConfidenceThreshold = 0.7
		cfg.BiasConfidenceThreshold = 0.7
		cfg.MaxRiskScore = 8.0
		cfg.SanitizeThreshold = detect.SeverityHigh
	}
	return cfg
}

// Normalize fills unset fields from the mode defaults.
func (c Config) Normalize() Config {
	base := ConfigForMode(c.Mode)
	if c.PIIConfidenceThreshold <= 0 {
		c.PIIConfidenceThreshold = base.PIIConfidenceThreshold
	}
	if c.BiasConfidenceThreshold <= 0 {
		c.BiasConfidenceThreshold = base.BiasConfidenceThreshold
	}
	if c.MaxRiskScore <= 0 {
		c.MaxRiskScore = base.MaxRiskScore
	}
	if c.SanitizeThreshold == 0 {
		c.SanitizeThreshold = base.SanitizeThreshold
	}
	if c.DetectorTimeout <= 0 {
		c.DetectorTimeout = base.DetectorTimeout
	}
	c.Mode = base.Mode
	return c
}
