// Package seed computes and serializes the retention policy a job must satisfy
// before its torrent may be retired from the download client.
package seed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultSeedHours is the tracker's minimum seeding requirement.
	DefaultSeedHours = 72

	// MaxSeedSeconds caps client-reported seeding time; anything above is corrupt data.
	MaxSeedSeconds int64 = 365 * 24 * 60 * 60
)

// ErrInvalidRecord is returned when a stored seed configuration cannot be decoded.
var ErrInvalidRecord = errors.New("invalid seed configuration record")

// Policy holds the user-facing retention settings used to build a Configuration.
type Policy struct {
	SeedHours  float64
	RatioLimit *float64
}

// Configuration is the retention requirement frozen into a job at add time.
type Configuration struct {
	RequiredSeedSeconds int64    `json:"required_seed_seconds"`
	RatioLimit          *float64 `json:"ratio_limit,omitempty"`
}

// Build derives a Configuration from the current policy.
func Build(p Policy) Configuration {
	hours := p.SeedHours
	if hours < 0 {
		hours = 0
	}

	cfg := Configuration{
		RequiredSeedSeconds: int64(hours * 3600),
	}
	if p.RatioLimit != nil && *p.RatioLimit >= 0 {
		ratio := *p.RatioLimit
		cfg.RatioLimit = &ratio
	}
	return cfg
}

// Default returns the tracker default of 72 hours with no ratio floor.
func Default() Configuration {
	return Build(Policy{SeedHours: DefaultSeedHours})
}

// SeedingTimeLimit returns the required seeding duration, or nil when none is required.
func (c Configuration) SeedingTimeLimit() *time.Duration {
	if c.RequiredSeedSeconds <= 0 {
		return nil
	}
	d := time.Duration(c.RequiredSeedSeconds) * time.Second
	return &d
}

// ToRecord serializes the configuration for persistence.
func (c Configuration) ToRecord() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode seed configuration: %w", err)
	}
	return string(b), nil
}

// FromRecord decodes a record produced by ToRecord. An empty record yields
// the zero configuration, which imposes no retention.
func FromRecord(record string) (Configuration, error) {
	var c Configuration
	if strings.TrimSpace(record) == "" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(record), &c); err != nil {
		return Configuration{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if c.RequiredSeedSeconds < 0 {
		return Configuration{}, fmt.Errorf("%w: negative seed seconds", ErrInvalidRecord)
	}
	return c, nil
}

// Retention reports whether the observed seeding time and ratio satisfy the configuration.
func (c Configuration) Retention(seedSeconds int64, ratio float64) (meetsSeedTime, meetsRatio bool) {
	meetsSeedTime = c.RequiredSeedSeconds == 0 || seedSeconds >= c.RequiredSeedSeconds
	meetsRatio = c.RatioLimit == nil || ratio >= *c.RatioLimit
	return meetsSeedTime, meetsRatio
}

// Satisfied is true when both retention conditions hold.
func (c Configuration) Satisfied(seedSeconds int64, ratio float64) bool {
	seedOK, ratioOK := c.Retention(seedSeconds, ratio)
	return seedOK && ratioOK
}

// ClampSeedSeconds merges a client-reported elapsed value into the stored one.
// The result never decreases and never exceeds MaxSeedSeconds.
func ClampSeedSeconds(current, reported int64) int64 {
	if reported < 0 {
		reported = 0
	}
	if reported > MaxSeedSeconds {
		reported = MaxSeedSeconds
	}
	if current > MaxSeedSeconds {
		current = MaxSeedSeconds
	}
	if current > reported {
		return current
	}
	return reported
}
