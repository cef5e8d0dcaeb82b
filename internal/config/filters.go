package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Filters is the YAML inventory filter file.
//
//	exclude:
//	  - "chrome://"
//	  - "devtools://"
type Filters struct {
	Exclude []string `yaml:"exclude"`
}

// LoadFilters reads and validates a filter file. Returns an
// os.ErrNotExist-wrapped error if the file is absent (caller silently
// skips in that case).
func LoadFilters(path string) (*Filters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("filters config: %w", err)
	}
	var f Filters
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("filters config: %w", err)
	}
	for i, e := range f.Exclude {
		if strings.TrimSpace(e) == "" {
			return nil, fmt.Errorf("filters config: exclude[%d] is empty", i)
		}
	}
	return &f, nil
}
