package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config carries the tunable thresholds of the rules engine. Zero values
// fall back to the defaults, so an override file only needs the knobs it
// changes.
type Config struct {
	NameMatchThreshold       float64            `yaml:"name_match_threshold"`
	PhonePassConfidence      float64            `yaml:"phone_pass_confidence"`
	EmailPassConfidence      float64            `yaml:"email_pass_confidence"`
	LicensePassConfidence    float64            `yaml:"license_pass_confidence"`
	IdentifierPassConfidence float64            `yaml:"identifier_pass_confidence"`
	AddressTierConfidence    map[string]float64 `yaml:"address_tier_confidence"`
	DefaultRegion            string             `yaml:"default_region"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		NameMatchThreshold:       0.85,
		PhonePassConfidence:      0.90,
		EmailPassConfidence:      0.90,
		LicensePassConfidence:    0.95,
		IdentifierPassConfidence: 0.95,
		AddressTierConfidence: map[string]float64{
			"rooftop":            0.95,
			"range_interpolated": 0.85,
		},
		DefaultRegion: "US",
	}
}

// LoadConfig reads a YAML override file and merges it over the defaults.
// An empty path returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("op=rules.load_config: %w", err)
	}
	var override Config
	if err := yaml.Unmarshal(b, &override); err != nil {
		return cfg, fmt.Errorf("op=rules.load_config: %w", err)
	}
	cfg.merge(override)
	return cfg, nil
}

func (c *Config) merge(o Config) {
	if o.NameMatchThreshold > 0 {
		c.NameMatchThreshold = o.NameMatchThreshold
	}
	if o.PhonePassConfidence > 0 {
		c.PhonePassConfidence = o.PhonePassConfidence
	}
	if o.EmailPassConfidence > 0 {
		c.EmailPassConfidence = o.EmailPassConfidence
	}
	if o.LicensePassConfidence > 0 {
		c.LicensePassConfidence = o.LicensePassConfidence
	}
	if o.IdentifierPassConfidence > 0 {
		c.IdentifierPassConfidence = o.IdentifierPassConfidence
	}
	for tier, v := range o.AddressTierConfidence {
		c.AddressTierConfidence[tier] = v
	}
	if o.DefaultRegion != "" {
		c.DefaultRegion = o.DefaultRegion
	}
}
