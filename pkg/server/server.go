// Package server is the control plane: the REST and WebSocket surface
// operators use to inspect and resolve permission requests, manage rules and
// config, and drive the sync subsystems.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/fishbowl-sh/fishbowl/pkg/audit"
	"github.com/fishbowl-sh/fishbowl/pkg/auth"
	"github.com/fishbowl-sh/fishbowl/pkg/broker"
	"github.com/fishbowl-sh/fishbowl/pkg/config"
	"github.com/fishbowl-sh/fishbowl/pkg/filesync"
	"github.com/fishbowl-sh/fishbowl/pkg/gitsync"
	"github.com/fishbowl-sh/fishbowl/pkg/queue"
)

const (
	maxBodyBytes    = 1 << 20 // 1 MB
	maxRateLimiters = 1_000
)

// ──────────────────────────────────────────────────────────────────────────────
// Collaborator interfaces
// ──────────────────────────────────────────────────────────────────────────────

type fileSyncer interface {
	ListFiles() ([]filesync.SyncFile, error)
	RequestSync(paths []string) map[string]bool
}

type gitSyncer interface {
	Branches(ctx context.Context) ([]gitsync.BranchInfo, error)
	RequestSync(ctx context.Context, branch string) (bool, error)
}

type execBroker interface {
	SubmitExec(ctx context.Context, command, cwd, reason string, timeout time.Duration) broker.ExecRequest
	Get(id string) *broker.ExecRequest
}

type packageBroker interface {
	SubmitPackageRequest(ctx context.Context, manager string, packages []string, action, reason, cwd string, timeout time.Duration) (broker.PackageRequest, error)
	Get(id string) *broker.PackageRequest
}

// ──────────────────────────────────────────────────────────────────────────────
// Server
// ──────────────────────────────────────────────────────────────────────────────

// Server holds the control-plane state and its collaborators.
type Server struct {
	log       *slog.Logger
	queue     *queue.Queue
	cfg       *config.Store
	auditLog  *audit.Log
	keys      *auth.KeyStore
	hub       *Hub
	files     fileSyncer
	git       gitSyncer
	exec      execBroker
	packages  packageBroker
	workspace string

	startedAt time.Time
	maxUptime time.Duration

	rlMu           sync.Mutex
	rateLimiters   map[string]*rate.Limiter
	rlOrder        []string
	perClientLimit int
}

// Options carries the collaborators and tunables for New.
type Options struct {
	Queue          *queue.Queue
	Config         *config.Store
	Audit          *audit.Log
	Keys           *auth.KeyStore // nil or empty disables authentication
	Files          fileSyncer
	Git            gitSyncer
	Exec           execBroker
	Packages       packageBroker
	Workspace      string
	MaxUptime      time.Duration
	PerClientLimit int // submissions per second per client, 0 disables
	Log            *slog.Logger
}

// New creates the control-plane server and starts the queue event pump.
func New(opts Options) *Server {
	s := &Server{
		log:            opts.Log,
		queue:          opts.Queue,
		cfg:            opts.Config,
		auditLog:       opts.Audit,
		keys:           opts.Keys,
		hub:            NewHub(opts.Log),
		files:          opts.Files,
		git:            opts.Git,
		exec:           opts.Exec,
		packages:       opts.Packages,
		workspace:      opts.Workspace,
		startedAt:      time.Now(),
		maxUptime:      opts.MaxUptime,
		rateLimiters:   make(map[string]*rate.Limiter),
		perClientLimit: opts.PerClientLimit,
	}
	if s.keys == nil {
		s.keys = auth.NewKeyStore("")
	}
	go s.pumpEvents()
	return s
}

// Hub exposes the WebSocket hub, used by the shutdown sequence.
func (s *Server) Hub() *Hub { return s.hub }

// pumpEvents relays queue lifecycle events to WebSocket clients and metrics.
func (s *Server) pumpEvents() {
	for ev := range s.queue.Subscribe() {
		switch ev.Kind {
		case queue.EventRequest:
			requestsTotal.WithLabelValues(string(ev.Request.Category)).Inc()
			pendingRequests.Inc()
			s.hub.Broadcast("request", ev.Request)
		case queue.EventResolve:
			decisionsTotal.WithLabelValues(string(ev.Request.Category), string(ev.Request.Status)).Inc()
			pendingRequests.Dec()
			s.hub.Broadcast("resolve", ev.Request)
		}
	}
}

// Router builds the chi router for the control plane. Blocking endpoints
// (file sync, git sync, the WebSocket) live outside the timeout group because
// they legitimately wait on human decisions.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(auth.TokenAuth(s.keys))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/api/queue", s.handleListQueue)
		r.Post("/api/queue", s.handleSubmitRequest)

		// Resolutions and rule edits are operator actions when tokens are
		// configured.
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleOperator))
			r.Post("/api/queue/{id}/approve", s.handleApprove)
			r.Post("/api/queue/{id}/deny", s.handleDeny)
			r.Post("/api/queue/bulk", s.handleBulkResolve)
			r.Post("/api/rules", s.handleAddRule)
			r.Delete("/api/rules", s.handleRemoveRule)
		})

		r.Get("/api/config", s.handleGetConfig)
		r.Post("/api/config/propose", s.handleProposeConfig)

		r.Get("/api/rules", s.handleListRules)

		r.Get("/api/sync/files", s.handleListSyncFiles)
		r.Get("/api/sync/git", s.handleListBranches)

		r.Post("/api/exec", s.handleSubmitExec)
		r.Get("/api/exec/{id}", s.handleGetExec)
		r.Post("/api/packages", s.handleSubmitPackage)
		r.Get("/api/packages/{id}", s.handleGetPackage)

		r.Get("/api/audit", s.handleAudit)
		r.Get("/api/status", s.handleStatus)
	})

	// Blocking on approval waiters; no request timeout.
	r.Post("/api/sync/files", s.handleRequestFileSync)
	r.Post("/api/sync/git", s.handleRequestGitSync)
	r.Get("/ws", s.handleWebSocket)

	return r
}

// allowRate applies the per-client submission limit with a bounded LRU map
// of limiters. A zero limit disables rate limiting entirely.
func (s *Server) allowRate(client string) bool {
	if s.perClientLimit <= 0 {
		return true
	}

	s.rlMu.Lock()
	defer s.rlMu.Unlock()

	lim, ok := s.rateLimiters[client]
	if ok {
		for i, k := range s.rlOrder {
			if k == client {
				s.rlOrder = append(s.rlOrder[:i], s.rlOrder[i+1:]...)
				break
			}
		}
		s.rlOrder = append(s.rlOrder, client)
		return lim.Allow()
	}

	if len(s.rateLimiters) >= maxRateLimiters {
		oldest := s.rlOrder[0]
		s.rlOrder = s.rlOrder[1:]
		delete(s.rateLimiters, oldest)
	}

	lim = rate.NewLimiter(rate.Limit(s.perClientLimit), s.perClientLimit*2)
	s.rateLimiters[client] = lim
	s.rlOrder = append(s.rlOrder, client)
	return lim.Allow()
}
