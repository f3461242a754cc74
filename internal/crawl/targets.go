package crawl

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Target is one entry of a targets file. YAML is a superset of JSON, so the
// JSON region lists used by earlier deployments load unchanged.
type Target struct {
	Region    string `yaml:"region"`
	Subdomain string `yaml:"subdomain"`
	Endpoint  string `yaml:"endpoint"`
	Name      string `yaml:"name"`
	State     string `yaml:"state"`
	Page      int    `yaml:"page"`
}

// Request converts the target into a search request. Region is an alias for Subdomain.
func (t Target) Request() SearchRequest {
	subdomain := t.Subdomain
	if subdomain == "" {
		subdomain = t.Region
	}
	return SearchRequest{
		Subdomain: subdomain,
		Endpoint:  t.Endpoint,
		Name:      t.Name,
		State:     t.State,
		Page:      t.Page,
	}
}

// LoadTargets reads a YAML or JSON list of targets.
func LoadTargets(path string) ([]SearchRequest, error) {
	// #nosec G304 -- the path comes from operator configuration.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	var targets []Target
	if err := yaml.Unmarshal(raw, &targets); err != nil {
		return nil, fmt.Errorf("parse targets file %s: %w", path, err)
	}
	out := make([]SearchRequest, 0, len(targets))
	for _, t := range targets {
		out = append(out, t.Request())
	}
	return out, nil
}
