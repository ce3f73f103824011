package toolcatalog_test

import (
	"encoding/json"
	"testing"

	"github.com/fred-drake/carapace/internal/carapace/toolcatalog"
)

const echoSchema = `{
	"type": "object",
	"properties": {"message": {"type": "string"}},
	"required": ["message"],
	"additionalProperties": false
}`

func mustCatalog(t *testing.T) *toolcatalog.Catalog {
	t.Helper()
	c := toolcatalog.New()
	err := c.Register(toolcatalog.Declaration{
		Name:           "echo",
		RiskLevel:      toolcatalog.RiskLow,
		ArgumentSchema: json.RawMessage(echoSchema),
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	return c
}

func TestRegisterRejectsSchemaWithoutAdditionalPropertiesFalse(t *testing.T) {
	c := toolcatalog.New()
	err := c.Register(toolcatalog.Declaration{
		Name:           "loose",
		ArgumentSchema: json.RawMessage(`{"type":"object"}`),
	})
	if err == nil {
		t.Fatal("expected error for schema missing additionalProperties: false")
	}
}

func TestValidateAcceptsMinimumValidArguments(t *testing.T) {
	c := mustCatalog(t)
	err := c.Validate("echo", json.RawMessage(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("expected valid arguments to pass, got %v", err)
	}
}

func TestValidateRejectsExtraProperty(t *testing.T) {
	c := mustCatalog(t)
	err := c.Validate("echo", json.RawMessage(`{"message":"hi","extra":true}`))
	if err == nil {
		t.Fatal("expected rejection of extra property")
	}
}

func TestValidateRejectsSentinelKey(t *testing.T) {
	c := toolcatalog.New()
	permissive := `{"type":"object","properties":{"__proto__":{"type":"object"}},"additionalProperties":false}`
	if err := c.Register(toolcatalog.Declaration{Name: "t", ArgumentSchema: json.RawMessage(permissive)}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	err := c.Validate("t", json.RawMessage(`{"__proto__":{"polluted":true}}`))
	if err == nil {
		t.Fatal("expected rejection of __proto__ key even though the schema would allow it")
	}
}

func TestLimitsRejectOversizedRaw(t *testing.T) {
	limits := toolcatalog.Limits{MaxRawBytes: 10, MaxPayloadBytes: 10, MaxFieldBytes: 10, MaxDepth: 10}
	if err := limits.CheckRaw([]byte(`{"a":"0123456789"}`)); err == nil {
		t.Fatal("expected oversized raw message to be rejected")
	}
}

func TestLimitsRejectExcessiveDepth(t *testing.T) {
	limits := toolcatalog.Limits{MaxRawBytes: 1 << 20, MaxPayloadBytes: 1 << 20, MaxFieldBytes: 1 << 20, MaxDepth: 2}
	if err := limits.CheckRaw([]byte(`{"a":{"b":{"c":1}}}`)); err == nil {
		t.Fatal("expected excessive nesting depth to be rejected")
	}
}
