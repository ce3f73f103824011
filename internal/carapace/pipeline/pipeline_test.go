package pipeline_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fred-drake/carapace/internal/carapace/audit"
	"github.com/fred-drake/carapace/internal/carapace/confirm"
	"github.com/fred-drake/carapace/internal/carapace/dispatch"
	"github.com/fred-drake/carapace/internal/carapace/pipeline"
	"github.com/fred-drake/carapace/internal/carapace/ratelimit"
	"github.com/fred-drake/carapace/internal/carapace/session"
	"github.com/fred-drake/carapace/internal/carapace/toolcatalog"
)

const openSchema = `{"type":"object","additionalProperties":false}`

func newHarness(t *testing.T, group string) (*pipeline.Pipeline, *session.Manager, *toolcatalog.Catalog, *dispatch.Router) {
	t.Helper()
	sessions := session.New()
	if _, err := sessions.Create("container-1", group, "identity-1"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	catalog := toolcatalog.New()
	router := dispatch.NewRouter()
	limiter, err := ratelimit.New(ratelimit.Config{RequestsPerMinute: 6000, BurstSize: 100})
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	auditLog, err := audit.New(t.TempDir())
	if err != nil {
		t.Fatalf("new audit log: %v", err)
	}

	p := pipeline.New(pipeline.Config{
		Sessions:   sessions,
		Catalog:    catalog,
		Limiter:    limiter,
		Dispatcher: router,
		Audit:      auditLog,
		Confirm:    confirm.NewManualGate(time.Minute),
	})
	return p, sessions, catalog, router
}

func registerEcho(t *testing.T, catalog *toolcatalog.Catalog, router *dispatch.Router, name string, allowedGroups []string) {
	t.Helper()
	if err := catalog.Register(toolcatalog.Declaration{
		Name: name, RiskLevel: toolcatalog.RiskLow,
		ArgumentSchema: json.RawMessage(openSchema),
		AllowedGroups:  allowedGroups,
	}); err != nil {
		t.Fatalf("register tool: %v", err)
	}
	router.Register(name, func(ctx context.Context, tool string, args json.RawMessage) (dispatch.Result, error) {
		return dispatch.Result{OK: true, Value: json.RawMessage(`{"echo":true}`)}, nil
	})
}

func TestUnknownTool(t *testing.T) {
	p, _, _, _ := newHarness(t, "test")

	resp, err := p.Process(context.Background(), "identity-1", []byte(`{"topic":"tool.invoke.nonexistent","correlation":"c1","arguments":{}}`))
	if err != nil {
		t.Fatalf("unexpected infra error: %v", err)
	}
	if resp.Payload.Error == nil || resp.Payload.Error.Code != "UNKNOWN_TOOL" {
		t.Fatalf("expected UNKNOWN_TOOL, got %+v", resp.Payload.Error)
	}
	if resp.Payload.Error.Stage != 2 {
		t.Fatalf("expected stage 2, got %d", resp.Payload.Error.Stage)
	}
	if resp.Payload.Error.Retriable {
		t.Fatal("expected non-retriable")
	}
	if resp.Correlation != "c1" {
		t.Fatalf("expected correlation preserved, got %q", resp.Correlation)
	}
}

func TestGroupDenial(t *testing.T) {
	p, _, catalog, router := newHarness(t, "email")
	registerEcho(t, catalog, router, "send_email", []string{"slack"})

	resp, err := p.Process(context.Background(), "identity-1", []byte(`{"topic":"tool.invoke.send_email","correlation":"c2","arguments":{}}`))
	if err != nil {
		t.Fatalf("unexpected infra error: %v", err)
	}
	if resp.Payload.Error == nil || resp.Payload.Error.Code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %+v", resp.Payload.Error)
	}
	if resp.Payload.Error.Stage != 4 {
		t.Fatalf("expected stage 4, got %d", resp.Payload.Error.Stage)
	}
}

func TestRateLimited(t *testing.T) {
	sessions := session.New()
	if _, err := sessions.Create("container-1", "test", "identity-1"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	catalog := toolcatalog.New()
	router := dispatch.NewRouter()
	registerEcho(t, catalog, router, "echo", nil)

	limiter, err := ratelimit.New(ratelimit.Config{RequestsPerMinute: 60, BurstSize: 2})
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	auditLog, err := audit.New(t.TempDir())
	if err != nil {
		t.Fatalf("new audit log: %v", err)
	}
	p := pipeline.New(pipeline.Config{Sessions: sessions, Catalog: catalog, Limiter: limiter, Dispatcher: router, Audit: auditLog})

	wire := []byte(`{"topic":"tool.invoke.echo","correlation":"c3","arguments":{}}`)
	for i := 0; i < 2; i++ {
		resp, err := p.Process(context.Background(), "identity-1", wire)
		if err != nil {
			t.Fatalf("unexpected infra error: %v", err)
		}
		if resp.Payload.Error != nil {
			t.Fatalf("request %d should be admitted, got error %+v", i, resp.Payload.Error)
		}
	}

	resp, err := p.Process(context.Background(), "identity-1", wire)
	if err != nil {
		t.Fatalf("unexpected infra error: %v", err)
	}
	if resp.Payload.Error == nil || resp.Payload.Error.Code != "RATE_LIMITED" {
		t.Fatalf("expected RATE_LIMITED, got %+v", resp.Payload.Error)
	}
	if !resp.Payload.Error.Retriable {
		t.Fatal("expected RATE_LIMITED to be retriable")
	}
	if resp.Payload.Error.RetryAfter <= 0 || resp.Payload.Error.RetryAfter > 1.1 {
		t.Fatalf("expected retry_after near 1.0, got %v", resp.Payload.Error.RetryAfter)
	}
}

func TestHandlerExceptionNormalized(t *testing.T) {
	p, _, catalog, router := newHarness(t, "test")
	if err := catalog.Register(toolcatalog.Declaration{Name: "flaky", RiskLevel: toolcatalog.RiskLow, ArgumentSchema: json.RawMessage(openSchema)}); err != nil {
		t.Fatalf("register: %v", err)
	}
	router.Register("flaky", func(ctx context.Context, tool string, args json.RawMessage) (dispatch.Result, error) {
		panic("Database connection failed")
	})

	resp, err := p.Process(context.Background(), "identity-1", []byte(`{"topic":"tool.invoke.flaky","correlation":"c4","arguments":{}}`))
	if err != nil {
		t.Fatalf("unexpected infra error: %v", err)
	}
	if resp.Payload.Error == nil || resp.Payload.Error.Code != "PLUGIN_ERROR" {
		t.Fatalf("expected PLUGIN_ERROR, got %+v", resp.Payload.Error)
	}
	if resp.Correlation != "c4" {
		t.Fatalf("expected correlation preserved, got %q", resp.Correlation)
	}
}

func TestHandlerErrorCodeSpoofingNormalized(t *testing.T) {
	p, _, catalog, router := newHarness(t, "test")
	if err := catalog.Register(toolcatalog.Declaration{Name: "spoofer", RiskLevel: toolcatalog.RiskLow, ArgumentSchema: json.RawMessage(openSchema)}); err != nil {
		t.Fatalf("register: %v", err)
	}
	router.Register("spoofer", func(ctx context.Context, tool string, args json.RawMessage) (dispatch.Result, error) {
		return dispatch.Result{OK: false, Err: dispatch.NewHandlerError("UNKNOWN_TOOL", "nice try", false)}, nil
	})

	resp, err := p.Process(context.Background(), "identity-1", []byte(`{"topic":"tool.invoke.spoofer","correlation":"c5","arguments":{}}`))
	if err != nil {
		t.Fatalf("unexpected infra error: %v", err)
	}
	if resp.Payload.Error == nil || resp.Payload.Error.Code != "HANDLER_ERROR" {
		t.Fatalf("expected spoofed UNKNOWN_TOOL to be normalized to HANDLER_ERROR, got %+v", resp.Payload.Error)
	}
}

func TestHandlerTimeout(t *testing.T) {
	sessions := session.New()
	if _, err := sessions.Create("container-1", "test", "identity-1"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	catalog := toolcatalog.New()
	if err := catalog.Register(toolcatalog.Declaration{Name: "slow", RiskLevel: toolcatalog.RiskLow, ArgumentSchema: json.RawMessage(openSchema)}); err != nil {
		t.Fatalf("register: %v", err)
	}
	router := dispatch.NewRouter()
	router.Register("slow", func(ctx context.Context, tool string, args json.RawMessage) (dispatch.Result, error) {
		<-ctx.Done()
		return dispatch.Result{OK: true}, nil
	})
	limiter, err := ratelimit.New(ratelimit.Config{RequestsPerMinute: 6000, BurstSize: 100})
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	auditLog, err := audit.New(t.TempDir())
	if err != nil {
		t.Fatalf("new audit log: %v", err)
	}

	p := pipeline.New(pipeline.Config{
		Sessions:       sessions,
		Catalog:        catalog,
		Limiter:        limiter,
		Dispatcher:     router,
		Audit:          auditLog,
		HandlerTimeout: 10 * time.Millisecond,
	})

	resp, err := p.Process(context.Background(), "identity-1", []byte(`{"topic":"tool.invoke.slow","correlation":"c7","arguments":{}}`))
	if err != nil {
		t.Fatalf("unexpected infra error: %v", err)
	}
	if resp.Payload.Error == nil || resp.Payload.Error.Code != "PLUGIN_TIMEOUT" {
		t.Fatalf("expected PLUGIN_TIMEOUT, got %+v", resp.Payload.Error)
	}
	if !resp.Payload.Error.Retriable {
		t.Fatal("expected PLUGIN_TIMEOUT to be retriable")
	}
}

func TestSuccessfulDispatch(t *testing.T) {
	p, _, catalog, router := newHarness(t, "test")
	registerEcho(t, catalog, router, "echo", nil)

	resp, err := p.Process(context.Background(), "identity-1", []byte(`{"topic":"tool.invoke.echo","correlation":"c6","arguments":{}}`))
	if err != nil {
		t.Fatalf("unexpected infra error: %v", err)
	}
	if resp.Payload.Error != nil {
		t.Fatalf("expected success, got error %+v", resp.Payload.Error)
	}
	if string(resp.Payload.Result) != `{"echo":true}` {
		t.Fatalf("unexpected result: %s", resp.Payload.Result)
	}
}
