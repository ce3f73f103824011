package services_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fred-drake/carapace/internal/carapace/audit"
	"github.com/fred-drake/carapace/internal/carapace/rctx"
	"github.com/fred-drake/carapace/internal/carapace/services"
	"github.com/fred-drake/carapace/internal/carapace/session"
	"github.com/fred-drake/carapace/internal/carapace/toolcatalog"
)

func TestGetAuditLogIsScopedToRequestGroup(t *testing.T) {
	log, err := audit.New(t.TempDir())
	if err != nil {
		t.Fatalf("new audit log: %v", err)
	}
	if err := log.Append(audit.Entry{Group: "alpha", Topic: "tool.invoke.echo", Outcome: audit.OutcomeRouted}); err != nil {
		t.Fatalf("append alpha: %v", err)
	}
	if err := log.Append(audit.Entry{Group: "beta", Topic: "tool.invoke.echo", Outcome: audit.OutcomeRouted}); err != nil {
		t.Fatalf("append beta: %v", err)
	}

	svc := &services.Services{Audit: log}
	ctx := rctx.With(context.Background(), rctx.Context{Group: "alpha", SessionID: "s1", StartedAt: time.Now()})

	records, err := svc.GetAuditLog(ctx, services.AuditFilters{})
	if err != nil {
		t.Fatalf("getAuditLog: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly the alpha group's entry, got %d", len(records))
	}
}

func TestGetAuditLogRequiresRequestContext(t *testing.T) {
	log, err := audit.New(t.TempDir())
	if err != nil {
		t.Fatalf("new audit log: %v", err)
	}
	svc := &services.Services{Audit: log}

	_, err = svc.GetAuditLog(context.Background(), services.AuditFilters{})
	if err == nil {
		t.Fatal("expected an error without a request context")
	}
}

func TestGetAuditLogProjectsOutcomes(t *testing.T) {
	log, err := audit.New(t.TempDir())
	if err != nil {
		t.Fatalf("new audit log: %v", err)
	}
	if err := log.Append(audit.Entry{Group: "alpha", Outcome: audit.OutcomeSanitized}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Append(audit.Entry{Group: "alpha", Outcome: audit.OutcomeError}); err != nil {
		t.Fatalf("append: %v", err)
	}

	svc := &services.Services{Audit: log}
	ctx := rctx.With(context.Background(), rctx.Context{Group: "alpha", SessionID: "s1", StartedAt: time.Now()})

	records, err := svc.GetAuditLog(ctx, services.AuditFilters{})
	if err != nil {
		t.Fatalf("getAuditLog: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Outcome != services.OutcomeSuccess {
		t.Fatalf("expected sanitized to project to success, got %v", records[0].Outcome)
	}
	if records[1].Outcome != services.OutcomeFailure {
		t.Fatalf("expected error to project to error, got %v", records[1].Outcome)
	}
}

func TestGetToolCatalogIsNotGroupScoped(t *testing.T) {
	catalog := toolcatalog.New()
	if err := catalog.Register(toolcatalog.Declaration{
		Name: "echo", RiskLevel: toolcatalog.RiskLow,
		ArgumentSchema: json.RawMessage(`{"type":"object","additionalProperties":false}`),
		AllowedGroups:  []string{"alpha"},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	svc := &services.Services{Catalog: catalog}
	tools := svc.GetToolCatalog()
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("expected the echo tool regardless of group, got %+v", tools)
	}
}

func TestGetSessionInfoReturnsCurrentContext(t *testing.T) {
	sessions := session.New()
	sess, err := sessions.Create("container-1", "alpha", "identity-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	svc := &services.Services{Sessions: sessions}
	ctx := rctx.With(context.Background(), rctx.Context{Group: sess.Group, SessionID: sess.SessionID, StartedAt: sess.StartedAt})

	info, err := svc.GetSessionInfo(ctx)
	if err != nil {
		t.Fatalf("getSessionInfo: %v", err)
	}
	if info.SessionID != sess.SessionID || info.Group != "alpha" {
		t.Fatalf("unexpected session info: %+v", info)
	}
	if info.Source != "container-1" {
		t.Fatalf("expected source to be the container id, got %q", info.Source)
	}
	if info.StartedAt == "" {
		t.Fatalf("expected startedAt to be populated")
	}
}
