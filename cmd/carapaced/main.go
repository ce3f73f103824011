package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fred-drake/carapace/common/version"
	"github.com/fred-drake/carapace/internal/carapace/audit"
	"github.com/fred-drake/carapace/internal/carapace/bus"
	"github.com/fred-drake/carapace/internal/carapace/config"
	"github.com/fred-drake/carapace/internal/carapace/confirm"
	"github.com/fred-drake/carapace/internal/carapace/container"
	"github.com/fred-drake/carapace/internal/carapace/container/docker"
	"github.com/fred-drake/carapace/internal/carapace/dispatch"
	"github.com/fred-drake/carapace/internal/carapace/env"
	"github.com/fred-drake/carapace/internal/carapace/observability"
	"github.com/fred-drake/carapace/internal/carapace/pipeline"
	"github.com/fred-drake/carapace/internal/carapace/ratelimit"
	"github.com/fred-drake/carapace/internal/carapace/rctx"
	"github.com/fred-drake/carapace/internal/carapace/services"
	"github.com/fred-drake/carapace/internal/carapace/session"
	"github.com/fred-drake/carapace/internal/carapace/store"
	"github.com/fred-drake/carapace/internal/carapace/toolcatalog"
)

func main() {
	fmt.Printf("Carapace Host Supervisor %s\n", version.Info())
	fmt.Println()

	observability.Setup(env.StringOr("LOG_LEVEL", "info"), env.StringOr("LOG_FORMAT", "json"))

	hostCfg := loadHostConfig()

	toolConfigBytes, err := os.ReadFile(hostCfg.ToolConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading tool config %q: %v\n", hostCfg.ToolConfigPath, err)
		os.Exit(1)
	}
	toolCfg, err := config.Parse(toolConfigBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	srv, err := newServer(hostCfg, toolCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Carapace: %v\n", err)
		os.Exit(1)
	}
	defer srv.Close()

	if err := srv.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Carapace: %v\n", err)
		os.Exit(1)
	}
}

// hostConfig holds the environment-sourced settings that are not part of
// the declarative tool catalog (paths, socket addresses, toggles).
type hostConfig struct {
	ToolConfigPath   string
	DatabasePath     string
	AuditDir         string
	EventSocketPath  string
	RouterSocketPath string
	SessionTTL       time.Duration
	HealthTimeout    time.Duration
	ConfirmTimeout   time.Duration
	HandlerTimeout   time.Duration
	EnableDocker     bool
	DockerNetwork    string
}

func loadHostConfig() hostConfig {
	return hostConfig{
		ToolConfigPath:   env.StringOr("CARAPACE_TOOL_CONFIG", "./carapace.yaml"),
		DatabasePath:     env.StringOr("CARAPACE_DATABASE_PATH", "./carapace.db"),
		AuditDir:         env.StringOr("CARAPACE_AUDIT_DIR", "./audit"),
		EventSocketPath:  env.StringOr("CARAPACE_EVENT_SOCKET", "/run/carapace/events.sock"),
		RouterSocketPath: env.StringOr("CARAPACE_REQUEST_SOCKET", "/run/carapace/requests.sock"),
		SessionTTL:       env.DurationOr("CARAPACE_SESSION_TTL", 24*time.Hour),
		HealthTimeout:    env.DurationOr("CARAPACE_HEALTH_TIMEOUT", 90*time.Second),
		ConfirmTimeout:   env.DurationOr("CARAPACE_CONFIRM_TIMEOUT", 30*time.Second),
		HandlerTimeout:   env.DurationOr("CARAPACE_HANDLER_TIMEOUT", 30*time.Second),
		EnableDocker:     env.BoolOr("CARAPACE_DOCKER_ENABLE", true),
		DockerNetwork:    env.StringOr("CARAPACE_DOCKER_NETWORK", "carapace-agents"),
	}
}

// server is the composition root: every subsystem the supervisor needs,
// wired together once at startup.
type server struct {
	hostCfg hostConfig

	db          *store.DB
	claudeSess  *store.ClaudeSessionStore
	sessions    *session.Manager
	catalog     *toolcatalog.Catalog
	limiter     *ratelimit.Limiter
	auditLog    *audit.Log
	confirmGate *confirm.ManualGate
	dispatcher  *dispatch.Router
	pipe        *pipeline.Pipeline
	lifecycle   *container.LifecycleManager
	events      *bus.EventBus
	requests    *requestListener
}

// newServer wires every collaborator in dependency order, closing whatever
// was already opened if a later step fails.
func newServer(hostCfg hostConfig, toolCfg *config.Config) (srv *server, err error) {
	srv = &server{hostCfg: hostCfg}
	defer func() {
		if err != nil {
			srv.Close()
		}
	}()

	srv.db, err = store.New(hostCfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	srv.claudeSess = store.NewClaudeSessionStore(srv.db, hostCfg.SessionTTL)

	srv.sessions = session.New()

	srv.catalog = toolcatalog.New()
	for _, t := range toolCfg.Tools {
		schema, err := t.SchemaJSON()
		if err != nil {
			return nil, fmt.Errorf("compile schema for tool %q: %w", t.Name, err)
		}
		decl := toolcatalog.Declaration{
			Name:           t.Name,
			Description:    t.Description,
			RiskLevel:      toolcatalog.RiskLevel(t.RiskLevel),
			ArgumentSchema: schema,
			AllowedGroups:  t.AllowedGroups,
		}
		if err := srv.catalog.Register(decl); err != nil {
			return nil, fmt.Errorf("register tool %q: %w", t.Name, err)
		}
	}

	srv.limiter, err = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: toolCfg.DefaultRateLimit.RequestsPerMinute,
		BurstSize:         toolCfg.DefaultRateLimit.BurstSize,
	})
	if err != nil {
		return nil, fmt.Errorf("build rate limiter: %w", err)
	}
	for _, g := range toolCfg.Groups {
		if g.RateLimit == nil {
			continue
		}
		if err := srv.limiter.SetGroupConfig(g.Name, ratelimit.Config{
			RequestsPerMinute: g.RateLimit.RequestsPerMinute,
			BurstSize:         g.RateLimit.BurstSize,
		}); err != nil {
			return nil, fmt.Errorf("set rate limit for group %q: %w", g.Name, err)
		}
	}

	srv.auditLog, err = audit.New(hostCfg.AuditDir)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	confirmTimeout := toolCfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = hostCfg.ConfirmTimeout
	}
	handlerTimeout := toolCfg.HandlerTimeout
	if handlerTimeout <= 0 {
		handlerTimeout = hostCfg.HandlerTimeout
	}
	srv.confirmGate = confirm.NewManualGate(confirm.DefaultTTL)

	srv.dispatcher = dispatch.NewRouter()
	registerCoreServiceHandlers(srv.dispatcher, &services.Services{
		Audit:    srv.auditLog,
		Catalog:  srv.catalog,
		Sessions: srv.sessions,
	})
	registerClaudeSessionHandlers(srv.dispatcher, srv.claudeSess)

	healthTimeout := toolCfg.HealthCheckTimeout
	if healthTimeout <= 0 {
		healthTimeout = hostCfg.HealthTimeout
	}

	srv.pipe = pipeline.New(pipeline.Config{
		Sessions:       srv.sessions,
		Catalog:        srv.catalog,
		Limiter:        srv.limiter,
		Confirm:        srv.confirmGate,
		Dispatcher:     srv.dispatcher,
		Audit:          srv.auditLog,
		ConfirmTimeout: confirmTimeout,
		HandlerTimeout: handlerTimeout,
	})

	if hostCfg.EnableDocker {
		rt, err := docker.NewWithNetwork(hostCfg.DockerNetwork)
		if err != nil {
			slog.Warn("docker runtime unavailable; agent spawning disabled", "err", err)
		} else if !rt.IsAvailable(context.Background()) {
			slog.Warn("docker engine unreachable; agent spawning disabled")
		} else {
			if err := rt.EnsureNetwork(context.Background(), hostCfg.DockerNetwork); err != nil {
				slog.Warn("could not ensure docker network; agent spawning may fail", "network", hostCfg.DockerNetwork, "err", err)
			}
			srv.lifecycle = container.NewLifecycleManager(rt, srv.sessions, healthTimeout)
			slog.Info("docker runtime ready", "network", hostCfg.DockerNetwork)
		}
	}

	srv.events = bus.New()
	if err := srv.events.Bind(hostCfg.EventSocketPath); err != nil {
		return nil, fmt.Errorf("bind event bus: %w", err)
	}

	srv.requests = newRequestListener(srv.pipe)
	if err := srv.requests.bind(hostCfg.RouterSocketPath); err != nil {
		return nil, fmt.Errorf("bind request listener: %w", err)
	}

	return srv, nil
}

// Run starts serving and blocks until an interrupt or termination signal
// arrives.
func (s *server) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s.requests.serve(ctx)

	slog.Info("carapace is running",
		"database", s.hostCfg.DatabasePath,
		"audit_dir", s.hostCfg.AuditDir,
		"event_socket", s.hostCfg.EventSocketPath,
		"request_socket", s.hostCfg.RouterSocketPath,
	)

	<-ctx.Done()
	slog.Info("shutting down")

	if s.lifecycle != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		for _, shutdownErr := range s.lifecycle.ShutdownAll(shutdownCtx) {
			slog.Warn("error tearing down agent container", "err", shutdownErr)
		}
	}
	return nil
}

// Close releases every resource newServer opened, tolerating partially
// initialized servers from a failed wiring step.
func (s *server) Close() {
	if s.requests != nil {
		s.requests.close()
	}
	if s.events != nil {
		s.events.Close()
	}
	if s.auditLog != nil {
		// audit.Log has no explicit Close; files are opened per-append.
	}
	if s.db != nil {
		s.db.Close()
	}
}

// registerCoreServiceHandlers exposes the plugin-visible core services as
// ordinary dispatched tools, so a container-side agent can reach its own
// group's audit trail, the tool catalog, and its session identity the same
// way it reaches any other tool.
func registerCoreServiceHandlers(router *dispatch.Router, svc *services.Services) {
	router.Register("carapace.audit.tail", func(ctx context.Context, _ string, arguments json.RawMessage) (dispatch.Result, error) {
		var filters services.AuditFilters
		if len(arguments) > 0 {
			if err := json.Unmarshal(arguments, &filters); err != nil {
				return dispatch.Result{OK: false, Err: dispatch.NewHandlerError("HANDLER_ERROR", fmt.Sprintf("decode filters: %v", err), false)}, nil
			}
		}
		records, err := svc.GetAuditLog(ctx, filters)
		if err != nil {
			return dispatch.Result{OK: false, Err: dispatch.NewHandlerError("HANDLER_ERROR", err.Error(), false)}, nil
		}
		value, err := json.Marshal(records)
		if err != nil {
			return dispatch.Result{OK: false, Err: dispatch.NewHandlerError("HANDLER_ERROR", err.Error(), false)}, nil
		}
		return dispatch.Result{OK: true, Value: value}, nil
	})

	router.Register("carapace.tools.catalog", func(ctx context.Context, _ string, _ json.RawMessage) (dispatch.Result, error) {
		value, err := json.Marshal(svc.GetToolCatalog())
		if err != nil {
			return dispatch.Result{OK: false, Err: dispatch.NewHandlerError("HANDLER_ERROR", err.Error(), false)}, nil
		}
		return dispatch.Result{OK: true, Value: value}, nil
	})

	router.Register("carapace.session.info", func(ctx context.Context, _ string, _ json.RawMessage) (dispatch.Result, error) {
		info, err := svc.GetSessionInfo(ctx)
		if err != nil {
			return dispatch.Result{OK: false, Err: dispatch.NewHandlerError("HANDLER_ERROR", err.Error(), false)}, nil
		}
		value, err := json.Marshal(info)
		if err != nil {
			return dispatch.Result{OK: false, Err: dispatch.NewHandlerError("HANDLER_ERROR", err.Error(), false)}, nil
		}
		return dispatch.Result{OK: true, Value: value}, nil
	})
}

// registerClaudeSessionHandlers exposes the persisted "latest session"
// store as two tools scoped to the calling request's group: recording a
// session id after a handler starts or continues an LLM conversation, and
// looking up the most recent non-expired one to resume.
func registerClaudeSessionHandlers(router *dispatch.Router, claudeSess *store.ClaudeSessionStore) {
	router.Register("carapace.session.claude.save", func(ctx context.Context, _ string, arguments json.RawMessage) (dispatch.Result, error) {
		rc, err := rctx.FromContext(ctx)
		if err != nil {
			return dispatch.Result{OK: false, Err: dispatch.NewHandlerError("HANDLER_ERROR", err.Error(), false)}, nil
		}
		var args struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(arguments, &args); err != nil {
			return dispatch.Result{OK: false, Err: dispatch.NewHandlerError("HANDLER_ERROR", fmt.Sprintf("decode arguments: %v", err), false)}, nil
		}
		if err := claudeSess.Save(ctx, rc.Group, args.SessionID); err != nil {
			return dispatch.Result{OK: false, Err: dispatch.NewHandlerError("HANDLER_ERROR", err.Error(), false)}, nil
		}
		return dispatch.Result{OK: true, Value: json.RawMessage(`{"saved":true}`)}, nil
	})

	router.Register("carapace.session.claude.latest", func(ctx context.Context, _ string, _ json.RawMessage) (dispatch.Result, error) {
		rc, err := rctx.FromContext(ctx)
		if err != nil {
			return dispatch.Result{OK: false, Err: dispatch.NewHandlerError("HANDLER_ERROR", err.Error(), false)}, nil
		}
		latest, err := claudeSess.GetLatest(ctx, rc.Group)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return dispatch.Result{OK: true, Value: json.RawMessage(`{"found":false}`)}, nil
			}
			return dispatch.Result{OK: false, Err: dispatch.NewHandlerError("HANDLER_ERROR", err.Error(), false)}, nil
		}
		value, err := json.Marshal(struct {
			Found     bool   `json:"found"`
			SessionID string `json:"sessionId"`
		}{Found: true, SessionID: latest.SessionID})
		if err != nil {
			return dispatch.Result{OK: false, Err: dispatch.NewHandlerError("HANDLER_ERROR", err.Error(), false)}, nil
		}
		return dispatch.Result{OK: true, Value: value}, nil
	})
}

// requestListener is the host side of the container-to-host wire protocol:
// it reads tool-invocation datagrams, runs each through the pipeline, and
// writes the response envelope back to the datagram's source address. The
// source address itself is the connection identity, exactly as the spec's
// external-interfaces section requires ("identity is set by the transport
// ... not by the container").
type requestListener struct {
	pipe *pipeline.Pipeline
	conn *net.UnixConn
}

func newRequestListener(pipe *pipeline.Pipeline) *requestListener {
	return &requestListener{pipe: pipe}
}

func (l *requestListener) bind(address string) error {
	addr, err := net.ResolveUnixAddr("unixgram", address)
	if err != nil {
		return fmt.Errorf("resolve address %q: %w", address, err)
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return fmt.Errorf("bind %q: %w", address, err)
	}
	l.conn = conn
	return nil
}

const maxRequestDatagram = 1 << 20

func (l *requestListener) serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()
	go func() {
		buf := make([]byte, maxRequestDatagram)
		for {
			n, srcAddr, err := l.conn.ReadFromUnix(buf)
			if err != nil {
				return
			}
			raw := bytes.Clone(buf[:n])
			go l.handle(srcAddr, raw)
		}
	}()
}

func (l *requestListener) handle(src *net.UnixAddr, raw []byte) {
	resp, err := l.pipe.Process(context.Background(), src.String(), raw)
	if err != nil {
		slog.Warn("pipeline rejected request at the infrastructure boundary", "source", src.String(), "err", err)
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response envelope", "err", err)
		return
	}
	if _, err := l.conn.WriteToUnix(data, src); err != nil {
		slog.Warn("failed to write response", "source", src.String(), "err", err)
	}
}

func (l *requestListener) close() {
	if l.conn != nil {
		l.conn.Close()
	}
}
