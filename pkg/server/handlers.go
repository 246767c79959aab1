package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fishbowl-sh/fishbowl/pkg/filesync"
	"github.com/fishbowl-sh/fishbowl/pkg/rules"
	"github.com/fishbowl-sh/fishbowl/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Queue
// ──────────────────────────────────────────────────────────────────────────────

// handleListQueue is GET /api/queue
func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": s.queue.Pending(),
		"recent":  s.queue.Recent(limit),
	})
}

// handleSubmitRequest is POST /api/queue. The agent SDK submits here; the
// returned id is what it polls for resolution.
func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(r.RemoteAddr) {
		types.ErrRateLimited().WriteJSON(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in struct {
		Category    types.Category `json:"category"`
		Action      string         `json:"action"`
		Description string         `json:"description"`
		Reason      string         `json:"reason"`
		Metadata    map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}
	if !types.ValidCategory(string(in.Category)) {
		types.ErrBadRequest("unknown category").WriteJSON(w)
		return
	}
	if in.Action == "" {
		types.ErrBadRequest("action is required").WriteJSON(w)
		return
	}

	id, _ := s.queue.Request(in.Category, in.Action, in.Description, in.Reason, in.Metadata)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleApprove is POST /api/queue/{id}/approve
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in struct {
		ResolvedBy  string `json:"resolvedBy"`
		AlwaysAllow bool   `json:"alwaysAllow"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)
	if in.ResolvedBy == "" {
		in.ResolvedBy = types.ResolvedByWeb
	}

	if s.queue.Get(id) == nil {
		types.ErrNotFound("request not found").WriteJSON(w)
		return
	}

	ok, conflict := s.approve(id, in.ResolvedBy, in.AlwaysAllow)
	if conflict != "" {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "error": conflict})
		return
	}
	if !ok {
		types.ErrConflict("request is not pending").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleDeny is POST /api/queue/{id}/deny
func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in struct {
		ResolvedBy string `json:"resolvedBy"`
		AlwaysDeny bool   `json:"alwaysDeny"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)
	if in.ResolvedBy == "" {
		in.ResolvedBy = types.ResolvedByWeb
	}

	if s.queue.Get(id) == nil {
		types.ErrNotFound("request not found").WriteJSON(w)
		return
	}

	if !s.deny(id, in.ResolvedBy, in.AlwaysDeny) {
		types.ErrConflict("request is not pending").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleBulkResolve is POST /api/queue/bulk
func (s *Server) handleBulkResolve(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in struct {
		Category   types.Category `json:"category"`
		Status     types.Status   `json:"status"`
		ResolvedBy string         `json:"resolvedBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}
	if !types.ValidCategory(string(in.Category)) {
		types.ErrBadRequest("unknown category").WriteJSON(w)
		return
	}
	if in.Status != types.StatusApproved && in.Status != types.StatusDenied {
		types.ErrBadRequest("status must be approved or denied").WriteJSON(w)
		return
	}
	if in.ResolvedBy == "" {
		in.ResolvedBy = types.ResolvedByWeb
	}

	n := s.queue.BulkResolve(in.Category, in.Status, in.ResolvedBy)
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// ──────────────────────────────────────────────────────────────────────────────
// Approve / deny core (shared by HTTP and WebSocket paths)
// ──────────────────────────────────────────────────────────────────────────────

// approve resolves a pending request as approved. Filesystem requests with a
// tool payload are applied first; a stale apply denies the request instead
// and returns the conflict message. alwaysAllow synthesizes a matching allow
// rule and auto-resolves any other pending request that rule now covers.
func (s *Server) approve(id, by string, alwaysAllow bool) (ok bool, conflict string) {
	req := s.queue.Get(id)
	if req == nil || req.Status != types.StatusPending {
		return false, ""
	}

	if req.Category == types.CategoryFilesystem {
		md := filesync.ParseRequestMetadata(req.Metadata)
		if md.ToolName != "" {
			res := filesync.ApplyRequest(s.workspace, md)
			if !res.OK {
				s.queue.Deny(id, by)
				s.log.Info("filesystem apply failed, request denied", "id", id, "error", res.Error)
				return false, res.Error
			}
		}
	}

	if !s.queue.Approve(id, by) {
		return false, ""
	}

	if req.Category == types.CategorySandbox {
		s.applyProposal(id, req.Metadata)
	}

	if alwaysAllow {
		rule := rules.Generate(req.Category, req.Action)
		if s.cfg.AddRule("allow", rule) {
			s.saveAndBroadcastRules()
			s.log.Info("allow rule synthesized", "rule", rule, "from", id)
		}
		s.autoResolveMatching()
	}
	return true, ""
}

// deny resolves a pending request as denied. alwaysDeny synthesizes a deny
// rule and auto-denies any other pending request it covers.
func (s *Server) deny(id, by string, alwaysDeny bool) bool {
	req := s.queue.Get(id)
	if req == nil || req.Status != types.StatusPending {
		return false
	}

	if !s.queue.Deny(id, by) {
		return false
	}

	if alwaysDeny {
		rule := rules.Generate(req.Category, req.Action)
		if s.cfg.AddRule("deny", rule) {
			s.saveAndBroadcastRules()
			s.log.Info("deny rule synthesized", "rule", rule, "from", id)
		}
		s.autoResolveMatching()
	}
	return true
}

// applyProposal applies the config change carried in an approved sandbox
// request's metadata. Sandbox requests without a proposal are plain
// permission grants and need no further action.
func (s *Server) applyProposal(id string, metadata map[string]any) {
	proposal, _ := metadata["proposal"].(map[string]any)
	path, _ := proposal["path"].(string)
	if path == "" {
		return
	}
	if err := s.cfg.ApplyConfigChange(path, proposal["value"]); err != nil {
		s.log.Warn("approved config change failed to apply", "id", id, "path", path, "error", err)
		return
	}
	if err := s.cfg.Save(); err != nil {
		s.log.Warn("config save failed", "error", err)
	}
	s.log.Info("config change applied", "id", id, "path", path)
}

func (s *Server) saveAndBroadcastRules() {
	if err := s.cfg.Save(); err != nil {
		s.log.Warn("config save failed", "error", err)
	}
	s.hub.Broadcast("rules", s.cfg.Rules())
}

// autoResolveMatching re-evaluates every pending request against the current
// ruleset and resolves the ones a rule now decides, with resolvedBy=auto.
// Filesystem applies still run on the approve path; a stale apply flips the
// outcome to denied.
func (s *Server) autoResolveMatching() {
	ruleset := s.cfg.Rules()
	for _, req := range s.queue.Pending() {
		switch rules.Evaluate(ruleset, req.Category, ruleTarget(req.Category, req.Action, req.Metadata)) {
		case rules.VerdictAllow:
			if ok, _ := s.approve(req.ID, types.ResolvedByAuto, false); ok {
				s.log.Info("request auto-approved by rule", "id", req.ID)
			}
		case rules.VerdictDeny:
			if s.queue.Deny(req.ID, types.ResolvedByAuto) {
				s.log.Info("request auto-denied by rule", "id", req.ID)
			}
		}
	}
}

// ruleTarget derives the rule-match target from a request the same way each
// subsystem does when it evaluates before queueing.
func ruleTarget(category types.Category, action string, metadata map[string]any) string {
	switch category {
	case types.CategoryNetwork:
		if host, _ := metadata["host"].(string); host != "" {
			return host
		}
		return rules.ExtractNetworkHost(action)
	case types.CategoryFilesystem:
		if target, _ := metadata["targetFile"].(string); target != "" {
			return target
		}
		return strings.TrimPrefix(action, "sync ")
	case types.CategoryGit:
		return strings.TrimPrefix(action, "push ")
	default:
		return action
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Config
// ──────────────────────────────────────────────────────────────────────────────

// handleGetConfig is GET /api/config
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Get())
}

// handleProposeConfig is POST /api/config/propose. The change is queued as a
// sandbox permission request and applied only on approval.
func (s *Server) handleProposeConfig(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in struct {
		Path   string `json:"path"`
		Value  any    `json:"value"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}
	if in.Path == "" {
		types.ErrBadRequest("path is required").WriteJSON(w)
		return
	}

	// The approve path reads the proposal back out of the metadata and
	// applies it, so requests submitted directly to /api/queue behave the
	// same way.
	id, _ := s.queue.Request(types.CategorySandbox, "config "+in.Path,
		"Change sandbox config "+in.Path, in.Reason,
		map[string]any{"proposal": map[string]any{"path": in.Path, "value": in.Value}})

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// ──────────────────────────────────────────────────────────────────────────────
// Rules
// ──────────────────────────────────────────────────────────────────────────────

// handleListRules is GET /api/rules
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Rules())
}

// handleAddRule is POST /api/rules
func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in struct {
		Type string `json:"type"`
		Rule string `json:"rule"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}

	added := s.cfg.AddRule(in.Type, in.Rule)
	if added {
		s.saveAndBroadcastRules()
		s.autoResolveMatching()
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": added, "rules": s.cfg.Rules()})
}

// handleRemoveRule is DELETE /api/rules
func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in struct {
		Type string `json:"type"`
		Rule string `json:"rule"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}

	removed := s.cfg.RemoveRule(in.Type, in.Rule)
	if removed {
		s.saveAndBroadcastRules()
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "rules": s.cfg.Rules()})
}

// ──────────────────────────────────────────────────────────────────────────────
// File and git sync
// ──────────────────────────────────────────────────────────────────────────────

// handleListSyncFiles is GET /api/sync/files
func (s *Server) handleListSyncFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.files.ListFiles()
	if err != nil {
		s.log.Error("list sync files failed", "error", err)
		types.ErrInternal("failed to list files").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

// handleRequestFileSync is POST /api/sync/files. Blocks on approval waiters
// for files the pipeline does not auto-decide. An empty paths list means
// every out-of-sync file.
func (s *Server) handleRequestFileSync(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in struct {
		Paths []string `json:"paths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}

	paths := in.Paths
	if len(paths) == 0 {
		files, err := s.files.ListFiles()
		if err != nil {
			s.log.Error("list sync files failed", "error", err)
			types.ErrInternal("failed to list files").WriteJSON(w)
			return
		}
		for _, f := range files {
			if !f.InSync {
				paths = append(paths, f.Path)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": s.files.RequestSync(paths)})
}

// handleListBranches is GET /api/sync/git
func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := s.git.Branches(r.Context())
	if err != nil {
		s.log.Error("list branches failed", "error", err)
		types.ErrInternal("failed to list branches").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

// handleRequestGitSync is POST /api/sync/git. Blocks on the approval waiter.
func (s *Server) handleRequestGitSync(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in struct {
		Branch string `json:"branch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Branch == "" {
		types.ErrBadRequest("branch is required").WriteJSON(w)
		return
	}

	approved, err := s.git.RequestSync(r.Context(), in.Branch)
	if err != nil {
		s.log.Error("git sync failed", "branch", in.Branch, "error", err)
		types.ErrInternal("git push failed").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branch": in.Branch, "approved": approved})
}

// ──────────────────────────────────────────────────────────────────────────────
// Exec and packages
// ──────────────────────────────────────────────────────────────────────────────

// handleSubmitExec is POST /api/exec. Returns immediately; the broker runs
// the command after approval, detached from this request's context.
func (s *Server) handleSubmitExec(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(r.RemoteAddr) {
		types.ErrRateLimited().WriteJSON(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in struct {
		Command   string `json:"command"`
		Cwd       string `json:"cwd"`
		Reason    string `json:"reason"`
		TimeoutMs int64  `json:"timeout"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}
	if in.Command == "" {
		types.ErrBadRequest("command is required").WriteJSON(w)
		return
	}

	req := s.exec.SubmitExec(context.WithoutCancel(r.Context()),
		in.Command, in.Cwd, in.Reason, time.Duration(in.TimeoutMs)*time.Millisecond)
	writeJSON(w, http.StatusCreated, req)
}

// handleGetExec is GET /api/exec/{id}
func (s *Server) handleGetExec(w http.ResponseWriter, r *http.Request) {
	req := s.exec.Get(chi.URLParam(r, "id"))
	if req == nil {
		types.ErrNotFound("exec request not found").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleSubmitPackage is POST /api/packages
func (s *Server) handleSubmitPackage(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(r.RemoteAddr) {
		types.ErrRateLimited().WriteJSON(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in struct {
		Manager   string   `json:"manager"`
		Packages  []string `json:"packages"`
		Action    string   `json:"action"`
		Reason    string   `json:"reason"`
		Cwd       string   `json:"cwd"`
		TimeoutMs int64    `json:"timeout"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}

	req, err := s.packages.SubmitPackageRequest(context.WithoutCancel(r.Context()),
		in.Manager, in.Packages, in.Action, in.Reason, in.Cwd,
		time.Duration(in.TimeoutMs)*time.Millisecond)
	if err != nil {
		types.ErrBadRequest(err.Error()).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// handleGetPackage is GET /api/packages/{id}
func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	req := s.packages.Get(chi.URLParam(r, "id"))
	if req == nil {
		types.ErrNotFound("package request not found").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ──────────────────────────────────────────────────────────────────────────────
// Audit and status
// ──────────────────────────────────────────────────────────────────────────────

// handleAudit is GET /api/audit?limit=N
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, s.auditLog.Read(limit))
}

// handleStatus is GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startedAt)
	out := map[string]any{
		"startedAt":  s.startedAt.UTC().Format(time.RFC3339),
		"uptime":     uptime.Round(time.Second).String(),
		"uptimeMs":   uptime.Milliseconds(),
		"pending":    len(s.queue.Pending()),
		"wsClients":  s.hub.Count(),
		"categories": s.cfg.Get().Categories,
	}
	if s.maxUptime > 0 {
		out["maxUptimeMs"] = s.maxUptime.Milliseconds()
		out["remainingMs"] = max(int64(0), (s.maxUptime - uptime).Milliseconds())
	}
	writeJSON(w, http.StatusOK, out)
}
