package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// CleanupPolicy maps resource type expressions to hour thresholds.
//
//	disconnect:
//	  inventory.CloudService: 12
//	  inventory.Server?data.aws.lifecycle=spot: 1
//	delete:
//	  inventory.CloudService: 48
//	excluded_domains: [domain-sandbox]
type CleanupPolicy struct {
	Disconnect      map[string]int `yaml:"disconnect"`
	Delete          map[string]int `yaml:"delete"`
	ExcludedDomains []string       `yaml:"excluded_domains"`
}

// LoadCleanupPolicy reads the YAML policy at path. An empty path yields an empty
// policy; only job timeout, termination and end-of-task sweeps then apply.
func LoadCleanupPolicy(path string) (CleanupPolicy, error) {
	if path == "" {
		return CleanupPolicy{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return CleanupPolicy{}, fmt.Errorf("read cleanup policy: %w", err)
	}
	return ParseCleanupPolicy(raw)
}

// ParseCleanupPolicy decodes a YAML policy document.
func ParseCleanupPolicy(raw []byte) (CleanupPolicy, error) {
	var p CleanupPolicy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return CleanupPolicy{}, fmt.Errorf("parse cleanup policy: %w", err)
	}
	for expr, hours := range p.Disconnect {
		if hours < 0 {
			return CleanupPolicy{}, fmt.Errorf("disconnect %q: negative hours %d", expr, hours)
		}
	}
	for expr, hours := range p.Delete {
		if hours < 0 {
			return CleanupPolicy{}, fmt.Errorf("delete %q: negative hours %d", expr, hours)
		}
	}
	return p, nil
}

// Expressions returns the keys of m in sorted order so sweeps run deterministically.
func Expressions(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Excluded merges the policy's excluded domains with extra ones from the environment.
func (p CleanupPolicy) Excluded(extra []string) map[string]bool {
	out := make(map[string]bool, len(p.ExcludedDomains)+len(extra))
	for _, d := range p.ExcludedDomains {
		out[d] = true
	}
	for _, d := range extra {
		out[d] = true
	}
	return out
}
