// Package services implements the core services surface (C10): the
// group-scoped query API plugin handlers call through rctx, backed by the
// audit log, tool catalog, and session manager.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/fred-drake/carapace/internal/carapace/audit"
	"github.com/fred-drake/carapace/internal/carapace/rctx"
	"github.com/fred-drake/carapace/internal/carapace/session"
	"github.com/fred-drake/carapace/internal/carapace/toolcatalog"
)

// sessionInfoTimeFormat matches GetAuditLog's timestamp projection so
// every plugin-visible timestamp in the query API has one shape.
const sessionInfoTimeFormat = "2006-01-02T15:04:05.000Z"

// SimplifiedOutcome is the projection audit entries are reduced to before
// crossing into plugin-visible territory.
type SimplifiedOutcome string

const (
	OutcomeSuccess SimplifiedOutcome = "success"
	OutcomeFailure SimplifiedOutcome = "error"
)

// AuditRecord is the plugin-visible projection of an audit.Entry.
type AuditRecord struct {
	Timestamp   string
	Topic       string
	Correlation string
	Outcome     SimplifiedOutcome
	Reason      string
}

// AuditFilters mirrors audit.Filters minus the group, which is always
// derived from the request context, never accepted as an argument.
type AuditFilters struct {
	Correlation string
	Topic       string
	Outcome     SimplifiedOutcome
	Since       time.Time
	Until       time.Time
	Tail        int
}

// ToolInfo is the plugin-visible projection of a tool declaration.
type ToolInfo struct {
	Name        string
	Description string
	RiskLevel   string
}

// SessionInfo is the plugin-visible projection of the current request's
// session.
type SessionInfo struct {
	SessionID string
	Group     string
	Source    string
	StartedAt string
}

// Services bundles the collaborators the query API is backed by.
type Services struct {
	Audit    *audit.Log
	Catalog  *toolcatalog.Catalog
	Sessions *session.Manager
}

// GetAuditLog returns audit entries for the calling request's group,
// projecting each entry's outcome to the simplified success/error pair.
// It never accepts a group from the caller: the group comes exclusively
// from the request context, so one plugin can never read another group's
// audit trail by passing a different group argument.
func (s *Services) GetAuditLog(ctx context.Context, filters AuditFilters) ([]AuditRecord, error) {
	rc, err := rctx.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("services: getAuditLog: %w", err)
	}

	af := audit.Filters{Correlation: filters.Correlation, Topic: filters.Topic, Since: filters.Since, Until: filters.Until, Tail: filters.Tail}
	if filters.Outcome != "" {
		af.Outcome = expandOutcome(filters.Outcome)
	}

	entries, err := s.Audit.Read(rc.Group, af)
	if err != nil {
		return nil, fmt.Errorf("services: getAuditLog: %w", err)
	}

	out := make([]AuditRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditRecord{
			Timestamp:   e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
			Topic:       e.Topic,
			Correlation: e.Correlation,
			Outcome:     simplifyOutcome(e.Outcome),
			Reason:      e.Reason,
		})
	}
	return out, nil
}

// expandOutcome is lossy by construction: audit.Read filters by a single
// outcome, so "success" narrows it to OutcomeRouted and "error" narrows it
// to OutcomeRejected. An outcome filter therefore never returns
// OutcomeSanitized or OutcomeError entries. GetAuditLog still re-projects
// every returned entry.
func expandOutcome(o SimplifiedOutcome) audit.Outcome {
	if o == OutcomeFailure {
		return audit.OutcomeRejected
	}
	return audit.OutcomeRouted
}

func simplifyOutcome(o audit.Outcome) SimplifiedOutcome {
	switch o {
	case audit.OutcomeRouted, audit.OutcomeSanitized:
		return OutcomeSuccess
	default:
		return OutcomeFailure
	}
}

// GetToolCatalog returns every registered tool. Unlike GetAuditLog this is
// not group-scoped: knowing which tools exist does not leak another
// group's data.
func (s *Services) GetToolCatalog() []ToolInfo {
	decls := s.Catalog.All()
	out := make([]ToolInfo, 0, len(decls))
	for _, d := range decls {
		out = append(out, ToolInfo{Name: d.Name, Description: d.Description, RiskLevel: string(d.RiskLevel)})
	}
	return out
}

// GetSessionInfo returns the calling request's own session context,
// including the container id (Source) and the time the session started.
func (s *Services) GetSessionInfo(ctx context.Context) (SessionInfo, error) {
	rc, err := rctx.FromContext(ctx)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("services: getSessionInfo: %w", err)
	}

	sessCtx, err := s.Sessions.ToContext(rc.SessionID)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("services: getSessionInfo: %w", err)
	}

	return SessionInfo{
		SessionID: sessCtx.SessionID,
		Group:     sessCtx.Group,
		Source:    sessCtx.Source,
		StartedAt: sessCtx.StartedAt.UTC().Format(sessionInfoTimeFormat),
	}, nil
}
