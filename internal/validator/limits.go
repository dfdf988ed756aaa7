package validator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Limits is one row of the per-platform limits table.
type Limits struct {
	MaxTextLength int `yaml:"max_text_length"`
	MaxImages     int `yaml:"max_images"`
	MaxVideos     int `yaml:"max_videos"`
	MaxHashtags   int `yaml:"max_hashtags"`
	// MinHashtags and IdealHashtags bound the best-practice range; outside it yields a warning.
	MinHashtags     int  `yaml:"min_hashtags"`
	IdealHashtags   int  `yaml:"ideal_hashtags"`
	MaxScheduleDays int  `yaml:"max_schedule_days"`
	RequiresMedia   bool `yaml:"requires_media"`
	RequiresVideo   bool `yaml:"requires_video"`
	SupportsThreads bool `yaml:"supports_threads"`
}

// DefaultLimits returns the built-in limits table.
func DefaultLimits() map[string]Limits {
	return map[string]Limits{
		"twitter": {
			MaxTextLength:   280,
			MaxImages:       4,
			MaxVideos:       1,
			MaxHashtags:     10,
			IdealHashtags:   2,
			MaxScheduleDays: 365,
			SupportsThreads: true,
		},
		"linkedin": {
			MaxTextLength:   3000,
			MaxImages:       9,
			MaxVideos:       1,
			MaxHashtags:     30,
			IdealHashtags:   5,
			MaxScheduleDays: 90,
		},
		"facebook": {
			MaxTextLength:   63206,
			MaxImages:       10,
			MaxVideos:       1,
			MaxHashtags:     30,
			IdealHashtags:   3,
			MaxScheduleDays: 75,
		},
		"instagram": {
			MaxTextLength:   2200,
			MaxImages:       10,
			MaxVideos:       1,
			MaxHashtags:     30,
			MinHashtags:     1,
			IdealHashtags:   11,
			MaxScheduleDays: 75,
			RequiresMedia:   true,
		},
		"tiktok": {
			MaxTextLength:   2200,
			MaxImages:       0,
			MaxVideos:       1,
			MaxHashtags:     30,
			IdealHashtags:   5,
			MaxScheduleDays: 10,
			RequiresVideo:   true,
		},
	}
}

// LoadLimitsFile overlays YAML overrides on top of base. Platforms absent from the file keep their limits.
//
//	twitter:
//	  max_text_length: 25000
func LoadLimitsFile(path string, base map[string]Limits) (map[string]Limits, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read limits file: %w", err)
	}
	overrides := map[string]Limits{}
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("parse limits file: %w", err)
	}
	out := make(map[string]Limits, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out, nil
}
