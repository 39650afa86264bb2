package rules

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// OverridesFile is the expected filename inside the rules directory.
const OverridesFile = "rules.yaml"

type overrideDoc struct {
	Rules []struct {
		Name   string   `yaml:"name"`
		Weight *float64 `yaml:"weight"`
		Hard   *bool    `yaml:"hard"`
	} `yaml:"rules"`
	ShortenerHosts []string `yaml:"shortener_hosts"`
}

// LoadOverrides applies weight/hard overrides and shortener-list replacements
// from <dir>/rules.yaml. A missing file is not an error; a malformed file is,
// so a bad deploy fails at startup rather than silently mis-weighting rules.
func (r *Registry) LoadOverrides(dir string) error {
	if dir == "" {
		return nil
	}
	path := filepath.Join(dir, OverridesFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read rule overrides: %w", err)
	}

	var doc overrideDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse rule overrides %s: %w", path, err)
	}

	for _, o := range doc.Rules {
		rule := r.byName[o.Name]
		if rule == nil {
			return fmt.Errorf("rule override names unknown rule %q", o.Name)
		}
		if o.Weight != nil {
			if *o.Weight < 0 || *o.Weight > 1 {
				return fmt.Errorf("rule %q: weight %v outside [0,1]", o.Name, *o.Weight)
			}
			rule.Weight = *o.Weight
		}
		if o.Hard != nil {
			rule.Hard = *o.Hard
		}
	}

	if len(doc.ShortenerHosts) > 0 {
		r.shorteners = doc.ShortenerHosts
	}
	return nil
}
