// Package pipeline implements the six-stage request pipeline (C7):
// construct → topic → payload → authorize → confirm → route. Stages 1–4
// run synchronously and CPU-bound; stage 5 suspends awaiting a confirmation
// decision for high-risk tools; stage 6 suspends at the handler boundary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fred-drake/carapace/internal/carapace/audit"
	"github.com/fred-drake/carapace/internal/carapace/confirm"
	"github.com/fred-drake/carapace/internal/carapace/dispatch"
	"github.com/fred-drake/carapace/internal/carapace/envelope"
	"github.com/fred-drake/carapace/internal/carapace/ratelimit"
	"github.com/fred-drake/carapace/internal/carapace/rctx"
	"github.com/fred-drake/carapace/internal/carapace/session"
	"github.com/fred-drake/carapace/internal/carapace/toolcatalog"
)

// Stage numbers, matching the audit log's Stage names 1:1.
const (
	stageConstruct = 1
	stageTopic     = 2
	stagePayload   = 3
	stageAuthorize = 4
	stageConfirm   = 5
	stageRoute     = 6
)

// Reserved error codes. Default retriability is fixed per the spec; only
// HANDLER_ERROR's retriable flag may be set by a handler.
const (
	CodeUnknownTool         = "UNKNOWN_TOOL"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeConfirmationDenied  = "CONFIRMATION_DENIED"
	CodeConfirmationTimeout = "CONFIRMATION_TIMEOUT"
	CodeHandlerError        = "HANDLER_ERROR"
	CodePluginError         = "PLUGIN_ERROR"
	CodePluginTimeout       = "PLUGIN_TIMEOUT"
	CodePluginUnavailable   = "PLUGIN_UNAVAILABLE"
)

// Config wires every collaborator the pipeline needs.
type Config struct {
	Sessions        *session.Manager
	Catalog         *toolcatalog.Catalog
	Limiter         *ratelimit.Limiter
	Confirm         confirm.Decider
	Dispatcher      *dispatch.Router
	Audit           *audit.Log
	Limits          toolcatalog.Limits
	ConfirmTimeout  time.Duration
	HandlerTimeout  time.Duration
	Now             func() time.Time
}

// Pipeline processes inbound wire messages through all six stages.
type Pipeline struct {
	cfg Config
}

// New creates a Pipeline. ConfirmTimeout and Limits fall back to sensible
// defaults if left zero.
func New(cfg Config) *Pipeline {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.Limits == (toolcatalog.Limits{}) {
		cfg.Limits = toolcatalog.DefaultLimits
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{cfg: cfg}
}

// Process runs raw (a wire message from connectionIdentity) through all six
// stages and returns the response envelope. Process itself never returns a
// Go error for pipeline-level rejections — those become response envelopes
// with a populated Error field, per the spec's error-handling design.
// It returns a Go error only for an unknown connection identity. An audit
// write failure is logged; it neither changes the returned envelope nor
// produces a Go error.
func (p *Pipeline) Process(ctx context.Context, connectionIdentity string, raw []byte) (envelope.Envelope, error) {
	now := p.cfg.Now()

	sess, err := p.cfg.Sessions.ByConnectionIdentity(connectionIdentity)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("pipeline: unknown connection identity: %w", err)
	}
	sessCtx := envelope.SessionContext{SessionID: sess.SessionID, Group: sess.Group, Source: sess.ContainerID}

	// Stage 3 guard: size/depth limits run ahead of parse.
	if err := p.cfg.Limits.CheckRaw(raw); err != nil {
		return p.reject(ctx, envelope.Envelope{Group: sess.Group, Source: sess.ContainerID}, stagePayload, CodeValidationFailed, err.Error(), now), nil
	}

	msg, err := envelope.ParseWireMessage(raw)
	if err != nil {
		return p.reject(ctx, envelope.Envelope{Group: sess.Group, Source: sess.ContainerID}, stageConstruct, CodeValidationFailed, err.Error(), now), nil
	}

	// Stage 1: construct.
	env := envelope.Construct(msg, sessCtx, now)
	p.audit(sess.Group, audit.Entry{Group: sess.Group, Source: env.Source, Topic: env.Topic, Correlation: env.Correlation, Stage: audit.StageConstruct, Outcome: audit.OutcomeRouted})

	// Stage 2: topic resolution.
	toolName, ok := envelope.ParseToolInvoke(env.Topic)
	if !ok {
		return p.reject(ctx, env, stageTopic, CodeUnknownTool, fmt.Sprintf("topic %q does not name a registered tool", env.Topic), now), nil
	}
	decl, ok := p.cfg.Catalog.Lookup(toolName)
	if !ok {
		return p.reject(ctx, env, stageTopic, CodeUnknownTool, fmt.Sprintf("tool %q is not registered", toolName), now), nil
	}

	// Stage 3: payload validation.
	if err := p.cfg.Limits.CheckPayload(env.Payload.Arguments); err != nil {
		return p.reject(ctx, env, stagePayload, CodeValidationFailed, err.Error(), now), nil
	}
	if err := p.cfg.Catalog.Validate(toolName, env.Payload.Arguments); err != nil {
		return p.reject(ctx, env, stagePayload, CodeValidationFailed, err.Error(), now), nil
	}

	// Stage 4a: group authorization (before rate limiting, so a denial
	// never consumes a token).
	if decl.AllowedGroups != nil && !contains(decl.AllowedGroups, sess.Group) {
		return p.reject(ctx, env, stageAuthorize, CodeUnauthorized, fmt.Sprintf("group %q is not authorized for tool %q", sess.Group, toolName), now), nil
	}

	// Stage 4b: rate limiting.
	if p.cfg.Limiter != nil {
		allowed, retryAfter := p.cfg.Limiter.TryConsume(sess.SessionID, sess.Group)
		if !allowed {
			resp := envelope.NewErrorResponse(env, CodeRateLimited, "rate limit exceeded", stageAuthorize, true, retryAfter, now)
			p.audit(sess.Group, audit.Entry{Group: sess.Group, Source: env.Source, Topic: env.Topic, Correlation: env.Correlation, Stage: audit.StageAuthorize, Outcome: audit.OutcomeRejected, Reason: "rate limited"})
			return resp, nil
		}
	}

	// Stage 5: confirmation gate.
	if decl.RiskLevel == toolcatalog.RiskHigh && p.cfg.Confirm != nil {
		decision, err := p.cfg.Confirm.AwaitDecision(ctx, env.Correlation, toolName, env.Payload.Arguments, p.cfg.ConfirmTimeout)
		if err != nil {
			return p.reject(ctx, env, stageConfirm, CodeConfirmationTimeout, err.Error(), now), nil
		}
		switch decision {
		case confirm.DecisionDeny:
			return p.reject(ctx, env, stageConfirm, CodeConfirmationDenied, "confirmation denied", now), nil
		case confirm.DecisionTimeout:
			resp := envelope.NewErrorResponse(env, CodeConfirmationTimeout, "confirmation timed out", stageConfirm, true, 0, now)
			p.audit(sess.Group, audit.Entry{Group: sess.Group, Source: env.Source, Topic: env.Topic, Correlation: env.Correlation, Stage: audit.StageConfirm, Outcome: audit.OutcomeRejected, Reason: "confirmation timeout"})
			return resp, nil
		}
	}

	// Stage 6: dispatch.
	reqCtx := rctx.With(ctx, rctx.Context{Group: sess.Group, SessionID: sess.SessionID, StartedAt: now})
	dispatchCtx, cancel := context.WithTimeout(reqCtx, p.cfg.HandlerTimeout)
	defer cancel()
	result, err := p.cfg.Dispatcher.Dispatch(dispatchCtx, toolName, env.Payload.Arguments)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrPluginUnavailable):
			return p.reject(ctx, env, stageRoute, CodePluginUnavailable, fmt.Sprintf("no handler registered for tool %q", toolName), now), nil
		case errors.Is(err, dispatch.ErrHandlerTimeout):
			resp := envelope.NewErrorResponse(env, CodePluginTimeout, fmt.Sprintf("handler for tool %q timed out", toolName), stageRoute, true, 0, now)
			p.audit(sess.Group, audit.Entry{Group: sess.Group, Source: env.Source, Topic: env.Topic, Correlation: env.Correlation, Stage: audit.StageRoute, Outcome: audit.OutcomeRejected, Reason: "handler timeout"})
			return resp, nil
		default:
			return p.reject(ctx, env, stageRoute, CodePluginError, err.Error(), now), nil
		}
	}

	if !result.OK {
		var handlerErr *dispatch.HandlerError
		if result.Err != nil {
			handlerErr = dispatch.NewHandlerError(result.Err.Code, result.Err.Message, result.Err.Retriable)
		} else {
			handlerErr = dispatch.NewHandlerError(CodeHandlerError, "handler reported failure without detail", false)
		}
		resp := envelope.NewErrorResponse(env, handlerErr.Code, handlerErr.Message, stageRoute, handlerErr.Retriable, 0, now)
		p.audit(sess.Group, audit.Entry{Group: sess.Group, Source: env.Source, Topic: env.Topic, Correlation: env.Correlation, Stage: audit.StageRoute, Outcome: audit.OutcomeError, Error: handlerErr.Message})
		return resp, nil
	}

	resp := envelope.NewOKResponse(env, result.Value, now)
	p.audit(sess.Group, audit.Entry{Group: sess.Group, Source: env.Source, Topic: env.Topic, Correlation: env.Correlation, Stage: audit.StageRoute, Outcome: audit.OutcomeRouted})
	return resp, nil
}

func (p *Pipeline) reject(ctx context.Context, env envelope.Envelope, stage int, code, message string, now time.Time) envelope.Envelope {
	retriable := defaultRetriable(code)
	p.audit(env.Group, audit.Entry{
		Group: env.Group, Source: env.Source, Topic: env.Topic, Correlation: env.Correlation,
		Stage: stageName(stage), Outcome: audit.OutcomeRejected, Reason: message,
	})
	return envelope.NewErrorResponse(env, code, message, stage, retriable, 0, now)
}

func (p *Pipeline) audit(group string, entry audit.Entry) {
	if p.cfg.Audit == nil {
		return
	}
	// Audit failures are infrastructure errors: logged here, never turned
	// into a synthetic pipeline response.
	if err := p.cfg.Audit.Append(entry); err != nil {
		slog.Error("pipeline: audit append failed", "group", group, "error", err)
	}
}

func defaultRetriable(code string) bool {
	switch code {
	case CodeRateLimited, CodeConfirmationTimeout, CodePluginTimeout:
		return true
	default:
		return false
	}
}

func stageName(stage int) audit.Stage {
	switch stage {
	case stageConstruct:
		return audit.StageConstruct
	case stageTopic:
		return audit.StageTopic
	case stagePayload:
		return audit.StagePayload
	case stageAuthorize:
		return audit.StageAuthorize
	case stageConfirm:
		return audit.StageConfirm
	default:
		return audit.StageRoute
	}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
