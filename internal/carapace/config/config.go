// Package config parses and validates the declarative tool-catalog and
// policy configuration the host loads at startup: one YAML document
// listing every tool the running host knows about, each tool's argument
// schema, risk level, and the groups allowed to invoke it.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SpecVersion is the only apiVersion this loader accepts.
const SpecVersion = "carapace/v1"

// ToolConfig is one tool's declarative contract as loaded from YAML.
type ToolConfig struct {
	Name           string                 `yaml:"name"`
	Description    string                 `yaml:"description"`
	RiskLevel      string                 `yaml:"riskLevel"`
	ArgumentSchema map[string]interface{} `yaml:"argumentSchema"`
	AllowedGroups  []string               `yaml:"allowedGroups"`
}

// RateLimitConfig is the operator-tunable default rate-limit policy,
// overridable per group.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requestsPerMinute"`
	BurstSize         float64 `yaml:"burstSize"`
}

// GroupConfig overrides the default rate limit for a single group.
type GroupConfig struct {
	Name      string           `yaml:"name"`
	RateLimit *RateLimitConfig `yaml:"rateLimit,omitempty"`
}

// Config is the full parsed host configuration document.
type Config struct {
	APIVersion         string          `yaml:"apiVersion"`
	Tools              []ToolConfig    `yaml:"tools"`
	DefaultRateLimit   RateLimitConfig `yaml:"defaultRateLimit"`
	Groups             []GroupConfig   `yaml:"groups"`
	ConfirmTimeout     time.Duration   `yaml:"confirmTimeout"`
	HealthCheckTimeout time.Duration   `yaml:"healthCheckTimeout"`
	HandlerTimeout     time.Duration   `yaml:"handlerTimeout"`
}

// Parse decodes a host configuration YAML document and validates it. It is
// the canonical entry point for loading configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg for structural correctness, returning the first
// error encountered.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: config must not be nil")
	}
	if cfg.APIVersion != SpecVersion {
		return fmt.Errorf("config: apiVersion must be %q, got %q", SpecVersion, cfg.APIVersion)
	}

	if cfg.DefaultRateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("config: defaultRateLimit.requestsPerMinute must be positive")
	}
	if cfg.DefaultRateLimit.BurstSize <= 0 {
		return fmt.Errorf("config: defaultRateLimit.burstSize must be positive")
	}

	seen := make(map[string]struct{}, len(cfg.Tools))
	for i, tool := range cfg.Tools {
		if err := validateTool(tool); err != nil {
			return fmt.Errorf("config: tools[%d] (%q): %w", i, tool.Name, err)
		}
		if _, dup := seen[tool.Name]; dup {
			return fmt.Errorf("config: tools[%d]: duplicate tool name %q", i, tool.Name)
		}
		seen[tool.Name] = struct{}{}
	}

	groupNames := make(map[string]struct{}, len(cfg.Groups))
	for i, g := range cfg.Groups {
		if strings.TrimSpace(g.Name) == "" {
			return fmt.Errorf("config: groups[%d]: name must not be empty", i)
		}
		if _, dup := groupNames[g.Name]; dup {
			return fmt.Errorf("config: groups[%d]: duplicate group name %q", i, g.Name)
		}
		groupNames[g.Name] = struct{}{}
		if g.RateLimit != nil {
			if g.RateLimit.RequestsPerMinute <= 0 || g.RateLimit.BurstSize <= 0 {
				return fmt.Errorf("config: groups[%d] (%q): rateLimit fields must be positive", i, g.Name)
			}
		}
	}

	return nil
}

func validateTool(t ToolConfig) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	switch t.RiskLevel {
	case "low", "high":
	default:
		return fmt.Errorf("riskLevel must be \"low\" or \"high\", got %q", t.RiskLevel)
	}
	if t.ArgumentSchema == nil {
		return fmt.Errorf("argumentSchema is required")
	}
	if t.ArgumentSchema["type"] != "object" {
		return fmt.Errorf("argumentSchema.type must be \"object\"")
	}
	if additional, ok := t.ArgumentSchema["additionalProperties"]; !ok || additional != false {
		return fmt.Errorf("argumentSchema.additionalProperties must be explicitly false")
	}
	return nil
}

// SchemaJSON re-marshals a tool's YAML-decoded argument schema as the JSON
// bytes the tool catalog's compiler expects.
func (t ToolConfig) SchemaJSON() (json.RawMessage, error) {
	data, err := json.Marshal(t.ArgumentSchema)
	if err != nil {
		return nil, fmt.Errorf("config: marshal argument schema for %q: %w", t.Name, err)
	}
	return data, nil
}
