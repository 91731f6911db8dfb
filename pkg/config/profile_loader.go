package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/civisign/petitiond/pkg/contracts"
)

// ThresholdProfile is the yaml shape of a threshold table override.
//
//	thresholds:
//	  URGENT: 100
//	  GRIEVANCE: 50
type ThresholdProfile struct {
	Name       string           `yaml:"name,omitempty"`
	Thresholds map[string]int64 `yaml:"thresholds"`
}

// LoadThresholdProfile reads a yaml threshold profile from path. An empty
// path returns nil, meaning "use the built-in defaults".
func LoadThresholdProfile(path string) (map[contracts.PetitionType]int64, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read threshold profile %q: %w", path, err)
	}

	var profile ThresholdProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse threshold profile %q: %w", path, err)
	}
	if len(profile.Thresholds) == 0 {
		return nil, fmt.Errorf("threshold profile %q defines no thresholds", path)
	}

	table := make(map[contracts.PetitionType]int64, len(profile.Thresholds))
	for name, value := range profile.Thresholds {
		table[contracts.PetitionType(name)] = value
	}
	return table, nil
}
