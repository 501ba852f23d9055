package config

import "time"

// HITLConfig configures the human-in-the-loop review engine.
type HITLConfig struct {
	// Risk thresholds. score < AutoApproveBelow auto-approves; score >=
	// EscalateAt enters the queue already escalated.
	AutoApproveBelow int `yaml:"auto_approve_below"` // Default 3
	EscalateAt       int `yaml:"escalate_at"`        // Default 7

	// Review SLAs by urgency.
	StandardSLA  string `yaml:"standard_sla"`  // Default 4h
	EscalatedSLA string `yaml:"escalated_sla"` // Default 1h

	// Escalation ladder depth before an item is rejected outright.
	MaxPromotions int `yaml:"max_promotions"` // Default 3

	// Spool directory for inbound decision files. Empty means
	// <workspace>/.conductor/decisions.
	DecisionDir string `yaml:"decision_dir"`

	// Failure-history decay half-life for risk scoring. Default 720h (30d).
	FailureDecayHalfLife string `yaml:"failure_decay_half_life"`
}

// DefaultHITLConfig returns sensible defaults.
func DefaultHITLConfig() HITLConfig {
	return HITLConfig{
		AutoApproveBelow:     3,
		EscalateAt:           7,
		StandardSLA:          "4h",
		EscalatedSLA:         "1h",
		MaxPromotions:        3,
		FailureDecayHalfLife: "720h",
	}
}

// StandardSLADuration returns the parsed standard review SLA.
func (c HITLConfig) StandardSLADuration() time.Duration {
	return parseDuration(c.StandardSLA, 4*time.Hour)
}

// EscalatedSLADuration returns the parsed escalated review SLA.
func (c HITLConfig) EscalatedSLADuration() time.Duration {
	return parseDuration(c.EscalatedSLA, time.Hour)
}

// FailureDecayHalfLifeDuration returns the parsed decay half-life.
func (c HITLConfig) FailureDecayHalfLifeDuration() time.Duration {
	return parseDuration(c.FailureDecayHalfLife, 720*time.Hour)
}
