// Package toolcatalog registers tool declarations and validates tool
// invocation arguments against each tool's compiled JSON-Schema (stage 3).
//
// Every schema is compiled once at registration time via
// github.com/santhosh-tekuri/jsonschema/v5 and required to declare
// "additionalProperties": false; on top of what the schema itself
// enforces, Validate independently rejects keys that would enable
// prototype/sentinel pollution in a dynamically-typed target (__proto__,
// constructor, prototype) even if a permissive schema would have allowed
// them.
package toolcatalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// RiskLevel is a tool's declared confirmation requirement.
type RiskLevel string

const (
	RiskLow  RiskLevel = "low"
	RiskHigh RiskLevel = "high"
)

// sentinelKeys are rejected anywhere in a payload's object keys regardless
// of what the schema permits, since they can trigger prototype pollution in
// a dynamically-typed handler implementation.
var sentinelKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// Declaration is a registered tool's contract.
type Declaration struct {
	Name           string
	Description    string
	RiskLevel      RiskLevel
	ArgumentSchema json.RawMessage
	AllowedGroups  []string // nil/absent = unrestricted; empty slice = denied to all
}

type compiledTool struct {
	decl   Declaration
	schema *jsonschema.Schema
}

// Catalog holds every registered tool and its compiled schema.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string]*compiledTool
}

// New creates an empty Catalog.
func New() *Catalog {
	return &Catalog{tools: make(map[string]*compiledTool)}
}

// Register compiles decl.ArgumentSchema and adds the tool to the catalog.
// It requires the schema to be an object schema with
// "additionalProperties": false set explicitly.
func (c *Catalog) Register(decl Declaration) error {
	var rawSchema map[string]any
	if err := json.Unmarshal(decl.ArgumentSchema, &rawSchema); err != nil {
		return fmt.Errorf("toolcatalog: %s: invalid schema JSON: %w", decl.Name, err)
	}
	if t, _ := rawSchema["type"].(string); t != "object" {
		return fmt.Errorf("toolcatalog: %s: arguments_schema must declare type: object", decl.Name)
	}
	if ap, ok := rawSchema["additionalProperties"].(bool); !ok || ap != false {
		return fmt.Errorf("toolcatalog: %s: arguments_schema must set additionalProperties: false", decl.Name)
	}

	compiler := jsonschema.NewCompiler()
	resourceURL := "tool://" + decl.Name
	if err := compiler.AddResource(resourceURL, bytes.NewReader(decl.ArgumentSchema)); err != nil {
		return fmt.Errorf("toolcatalog: %s: add schema resource: %w", decl.Name, err)
	}
	schema, err := compiler.Compile(resourceURL)
	if err != nil {
		return fmt.Errorf("toolcatalog: %s: compile schema: %w", decl.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[decl.Name] = &compiledTool{decl: decl, schema: schema}
	return nil
}

// Lookup returns the declaration for name.
func (c *Catalog) Lookup(name string) (Declaration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[name]
	if !ok {
		return Declaration{}, false
	}
	return t.decl, true
}

// All returns every registered declaration, not group-scoped.
func (c *Catalog) All() []Declaration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Declaration, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t.decl)
	}
	return out
}

// ValidationError describes why arguments failed validation.
type ValidationError struct {
	Reason     string
	FieldPaths []string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Validate runs the compiled schema for name against the decoded arguments
// and additionally rejects sentinel/prototype-pollution keys at any
// object-nesting depth.
func (c *Catalog) Validate(name string, arguments json.RawMessage) error {
	c.mu.RLock()
	t, ok := c.tools[name]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("toolcatalog: %s: not registered", name)
	}

	var decoded any
	if len(arguments) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(arguments, &decoded); err != nil {
		return &ValidationError{Reason: fmt.Sprintf("arguments are not valid JSON: %v", err)}
	}

	if paths := findSentinelKeys(decoded, ""); len(paths) > 0 {
		return &ValidationError{
			Reason:     "arguments contain a disallowed sentinel key",
			FieldPaths: paths,
		}
	}

	if err := t.schema.Validate(decoded); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}

func findSentinelKeys(v any, path string) []string {
	var paths []string
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			if _, bad := sentinelKeys[strings.ToLower(k)]; bad {
				paths = append(paths, childPath)
			}
			paths = append(paths, findSentinelKeys(child, childPath)...)
		}
	case []any:
		for i, child := range val {
			childPath := fmt.Sprintf("%s[%d]", path, i)
			paths = append(paths, findSentinelKeys(child, childPath)...)
		}
	}
	return paths
}
