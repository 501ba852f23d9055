// Package memory implements the context-retrieval memory engine: a
// content-addressed encrypted store with a two-tier cache, HOT/WARM/COLD
// storage tiers, PII scanning, and vector-backed semantic search.
package memory

import (
	"fmt"
	"time"
)

// Sensitivity classifies a record for encryption and PII handling.
type Sensitivity int

const (
	// SensitivityPublic may be cached unencrypted but must not contain PII.
	SensitivityPublic Sensitivity = iota
	// SensitivityInternal is encrypted at rest.
	SensitivityInternal
	// SensitivitySecret is encrypted at rest and write-gated by capability.
	SensitivitySecret
)

// String returns the sensitivity name.
func (s Sensitivity) String() string {
	switch s {
	case SensitivityPublic:
		return "PUBLIC"
	case SensitivityInternal:
		return "INTERNAL"
	case SensitivitySecret:
		return "SECRET"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseSensitivity parses a sensitivity name.
func ParseSensitivity(s string) (Sensitivity, error) {
	switch s {
	case "PUBLIC", "":
		return SensitivityPublic, nil
	case "INTERNAL":
		return SensitivityInternal, nil
	case "SECRET":
		return SensitivitySecret, nil
	default:
		return SensitivityPublic, fmt.Errorf("invalid sensitivity %q", s)
	}
}

// Tier is the storage tier assigned by the sweeper from access recency.
type Tier int

const (
	TierHot Tier = iota
	TierWarm
	TierCold
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierHot:
		return "HOT"
	case TierWarm:
		return "WARM"
	case TierCold:
		return "COLD"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Record is the immutable public view of a stored context record.
type Record struct {
	ID          string
	Domain      string
	Key         string
	Sensitivity Sensitivity
	PIIFlags    []PIIFinding
	Tier        Tier
	Digest      string
	CreatedAt   time.Time
	LastAccess  time.Time
	AccessCount int
}

// SearchResult is one semantic search hit.
type SearchResult struct {
	Domain  string
	Key     string
	Score   float64
	Snippet string
}

// PutOptions tunes Put behavior.
type PutOptions struct {
	// Redact stores the redacted text as the retrievable content. The
	// original is preserved encrypted at SECRET sensitivity.
	Redact bool
}

// Stats summarizes engine state for the metrics emitter.
type Stats struct {
	Records     int
	Quarantined int
	ByTier      map[string]int
	L1HitRatio  float64
	L2HitRatio  float64
}
