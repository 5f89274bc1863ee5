package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// SourceType classifies an external price source.
type SourceType string

const (
	SourceTypeAuction        SourceType = "auction"
	SourceTypeMarketplace    SourceType = "marketplace"
	SourceTypeReference      SourceType = "reference"
	SourceTypeGradingService SourceType = "grading_service"
	SourceTypeDealer         SourceType = "dealer"
)

// Valid reports whether t is one of the known source types.
func (t SourceType) Valid() bool {
	switch t {
	case SourceTypeAuction, SourceTypeMarketplace, SourceTypeReference,
		SourceTypeGradingService, SourceTypeDealer:
		return true
	default:
		return false
	}
}

// ParseSourceType converts a string into a SourceType.
func ParseSourceType(s string) (SourceType, error) {
	t := SourceType(s)
	if !t.Valid() {
		return "", eris.Errorf("unknown source type: %q (valid: auction, marketplace, reference, grading_service, dealer)", s)
	}
	return t, nil
}

// Source is an external price source and its operating parameters.
type Source struct {
	ID                   string     `json:"source_id" yaml:"id"`
	Name                 string     `json:"name" yaml:"name"`
	Type                 SourceType `json:"source_type" yaml:"type"`
	BaseEndpoint         string     `json:"base_endpoint" yaml:"base_endpoint"`
	RateLimitPerHour     int        `json:"rate_limit_per_hour" yaml:"rate_limit_per_hour"`
	PriorityScore        int        `json:"priority_score" yaml:"priority_score"`
	ReliabilityScore     float64    `json:"reliability_score" yaml:"reliability_score"`
	SpecializesInErrors  bool       `json:"specializes_in_errors" yaml:"specializes_in_errors"`
	ScrapingEnabled      bool       `json:"scraping_enabled" yaml:"scraping_enabled"`
	UpdateFrequencyHours float64    `json:"update_frequency_hours" yaml:"update_frequency_hours"`

	// Bookkeeping owned by the scheduler and registry.
	ConsecutiveFailures int        `json:"consecutive_failures" yaml:"-"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty" yaml:"-"`
	Version             uint64     `json:"version" yaml:"-"`
	UpdatedAt           time.Time  `json:"updated_at" yaml:"-"`
}

// UpdateInterval returns UpdateFrequencyHours as a duration.
func (s Source) UpdateInterval() time.Duration {
	return time.Duration(s.UpdateFrequencyHours * float64(time.Hour))
}

// IsDue reports whether the source should be scraped at now: it must be
// enabled and its update interval must have elapsed since the last
// successful job. A source that never succeeded is always due.
func (s Source) IsDue(now time.Time) bool {
	if !s.ScrapingEnabled {
		return false
	}
	if s.LastSuccessAt == nil {
		return true
	}
	return now.Sub(*s.LastSuccessAt) >= s.UpdateInterval()
}

// Validate checks the invariants of a configured source.
func (s Source) Validate() error {
	if s.ID == "" {
		return eris.New("source: id is required")
	}
	if !s.Type.Valid() {
		return eris.Errorf("source %s: invalid type %q", s.ID, s.Type)
	}
	if s.RateLimitPerHour <= 0 {
		return eris.Errorf("source %s: rate_limit_per_hour must be positive", s.ID)
	}
	if s.ReliabilityScore < 0 || s.ReliabilityScore > 1 {
		return eris.Errorf("source %s: reliability_score must be in [0,1]", s.ID)
	}
	if s.UpdateFrequencyHours <= 0 {
		return eris.Errorf("source %s: update_frequency_hours must be positive", s.ID)
	}
	return nil
}

// ClampScore bounds a reliability score to [0,1].
func ClampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
