package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fishbowl-sh/fishbowl/pkg/audit"
	"github.com/fishbowl-sh/fishbowl/pkg/broker"
	"github.com/fishbowl-sh/fishbowl/pkg/config"
	"github.com/fishbowl-sh/fishbowl/pkg/filesync"
	"github.com/fishbowl-sh/fishbowl/pkg/gitsync"
	"github.com/fishbowl-sh/fishbowl/pkg/queue"
	"github.com/fishbowl-sh/fishbowl/pkg/types"
)

type fakeFiles struct {
	files   []filesync.SyncFile
	results map[string]bool
}

func (f *fakeFiles) ListFiles() ([]filesync.SyncFile, error) { return f.files, nil }

func (f *fakeFiles) RequestSync(paths []string) map[string]bool { return f.results }

type fakeGit struct {
	branches []gitsync.BranchInfo
	approved bool
}

func (f *fakeGit) Branches(context.Context) ([]gitsync.BranchInfo, error) { return f.branches, nil }
func (f *fakeGit) RequestSync(_ context.Context, branch string) (bool, error) {
	return f.approved, nil
}

type testEnv struct {
	srv       *Server
	ts        *httptest.Server
	queue     *queue.Queue
	cfg       *config.Store
	workspace string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	log := slog.Default()

	cfg := config.NewStore(filepath.Join(dir, "sandbox.config.json"), log)
	cfg.Load()
	auditLog := audit.New(filepath.Join(dir, "audit.log"), log)
	q := queue.New(filepath.Join(dir, "queue.json"), auditLog, log)
	workspace := filepath.Join(dir, "workspace")
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		t.Fatal(err)
	}

	srv := New(Options{
		Queue:     q,
		Config:    cfg,
		Audit:     auditLog,
		Files:     &fakeFiles{results: map[string]bool{}},
		Git:       &fakeGit{},
		Exec:      broker.NewExecBroker(cfg, q, log),
		Packages:  broker.NewPackageBroker(cfg, q, log),
		Workspace: workspace,
		Log:       log,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, ts: ts, queue: q, cfg: cfg, workspace: workspace}
}

func (e *testEnv) post(t *testing.T, path string, body any) (*http.Response, []byte) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(e.ts.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestSubmitAndListQueue(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.post(t, "/api/queue", map[string]any{
		"category":    "network",
		"action":      "CONNECT api.example.com:443",
		"description": "Network access",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.ID != "req-0" {
		t.Fatalf("body = %s", body)
	}

	_, body = e.get(t, "/api/queue")
	var out struct {
		Pending []queue.Request `json:"pending"`
		Recent  []queue.Request `json:"recent"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Pending) != 1 || out.Pending[0].ID != "req-0" {
		t.Errorf("pending = %+v", out.Pending)
	}
}

func TestSubmitRejectsBadCategory(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.post(t, "/api/queue", map[string]any{"category": "nonsense", "action": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestApproveFlow(t *testing.T) {
	e := newTestEnv(t)
	id, waiter := e.queue.Request(types.CategoryNetwork, "CONNECT a.com:443", "", "", nil)

	resp, body := e.post(t, "/api/queue/"+id+"/approve", map[string]any{"resolvedBy": "cli"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if approved := <-waiter; !approved {
		t.Error("waiter signaled false")
	}
	if r := e.queue.Get(id); r.Status != types.StatusApproved || r.ResolvedBy != "cli" {
		t.Errorf("request = %+v", r)
	}

	// Second approve conflicts.
	resp, _ = e.post(t, "/api/queue/"+id+"/approve", map[string]any{})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second approve status = %d", resp.StatusCode)
	}

	resp, _ = e.post(t, "/api/queue/req-999/approve", map[string]any{})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown id status = %d", resp.StatusCode)
	}
}

func TestApproveAppliesFilesystemEdit(t *testing.T) {
	e := newTestEnv(t)
	target := filepath.Join(e.workspace, "main.go")
	if err := os.WriteFile(target, []byte("old text"), 0o644); err != nil {
		t.Fatal(err)
	}

	id, _ := e.queue.Request(types.CategoryFilesystem, "sync main.go", "", "", map[string]any{
		"toolName":    "Edit",
		"targetFile":  "main.go",
		"editContext": map[string]any{"old_string": "old", "new_string": "new"},
	})

	resp, _ := e.post(t, "/api/queue/"+id+"/approve", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "new text" {
		t.Errorf("content = %q", data)
	}
}

func TestApproveStaleEditDeniesAndConflicts(t *testing.T) {
	e := newTestEnv(t)
	target := filepath.Join(e.workspace, "main.go")
	if err := os.WriteFile(target, []byte("moved on already"), 0o644); err != nil {
		t.Fatal(err)
	}

	id, waiter := e.queue.Request(types.CategoryFilesystem, "sync main.go", "", "", map[string]any{
		"toolName":    "Edit",
		"targetFile":  "main.go",
		"editContext": map[string]any{"old_string": "original text", "new_string": "x"},
	})

	resp, body := e.post(t, "/api/queue/"+id+"/approve", map[string]any{})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.OK || out.Error == "" {
		t.Errorf("conflict body = %s", body)
	}

	// The stale approve denies the underlying request.
	if approved := <-waiter; approved {
		t.Error("stale approve must deny the waiter")
	}
	if r := e.queue.Get(id); r.Status != types.StatusDenied {
		t.Errorf("request status = %s", r.Status)
	}
}

func TestAlwaysAllowSynthesizesRuleAndAutoResolves(t *testing.T) {
	e := newTestEnv(t)

	id1, _ := e.queue.Request(types.CategoryNetwork, "CONNECT api.example.com:443", "", "",
		map[string]any{"host": "api.example.com"})
	_, w2 := e.queue.Request(types.CategoryNetwork, "CONNECT cdn.example.com:443", "", "",
		map[string]any{"host": "cdn.example.com"})
	_, w3 := e.queue.Request(types.CategoryGit, "push main", "", "", nil)

	resp, _ := e.post(t, "/api/queue/"+id1+"/approve", map[string]any{"alwaysAllow": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	rs := e.cfg.Rules()
	if len(rs.Allow) != 1 || rs.Allow[0] != "network(*.example.com)" {
		t.Fatalf("rules = %+v", rs)
	}

	// The sibling network request is auto-approved by the new rule; the git
	// request stays pending.
	select {
	case approved := <-w2:
		if !approved {
			t.Error("matching request auto-denied")
		}
	case <-time.After(time.Second):
		t.Fatal("matching request never resolved")
	}
	select {
	case <-w3:
		t.Error("unrelated git request was resolved")
	default:
	}

	pending := e.queue.Pending()
	if len(pending) != 1 || pending[0].Category != types.CategoryGit {
		t.Errorf("pending = %+v", pending)
	}
	for _, r := range e.queue.Recent(0) {
		if r.Category == types.CategoryNetwork && r.ID != id1 && r.ResolvedBy != types.ResolvedByAuto {
			t.Errorf("auto-resolved request attributed to %q", r.ResolvedBy)
		}
	}
}

func TestDenyWithAlwaysDeny(t *testing.T) {
	e := newTestEnv(t)
	id, waiter := e.queue.Request(types.CategoryExec, "rm -rf /", "", "", nil)

	resp, _ := e.post(t, "/api/queue/"+id+"/deny", map[string]any{"alwaysDeny": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if approved := <-waiter; approved {
		t.Error("waiter signaled true on deny")
	}
	rs := e.cfg.Rules()
	if len(rs.Deny) != 1 || rs.Deny[0] != "exec(rm -rf /)" {
		t.Errorf("deny rules = %+v", rs.Deny)
	}
}

func TestBulkResolve(t *testing.T) {
	e := newTestEnv(t)
	e.queue.Request(types.CategoryNetwork, "CONNECT a.com:443", "", "", nil)
	e.queue.Request(types.CategoryNetwork, "CONNECT b.com:443", "", "", nil)
	e.queue.Request(types.CategoryGit, "push main", "", "", nil)

	resp, body := e.post(t, "/api/queue/bulk", map[string]any{
		"category": "network", "status": "denied",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Count != 2 {
		t.Errorf("body = %s", body)
	}
	if len(e.queue.Pending()) != 1 {
		t.Errorf("pending = %+v", e.queue.Pending())
	}
}

func TestRulesEndpoints(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.post(t, "/api/rules", map[string]string{"type": "allow", "rule": "network(*.corp.io)"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Added bool `json:"added"`
	}
	if err := json.Unmarshal(body, &out); err != nil || !out.Added {
		t.Errorf("body = %s", body)
	}

	// Unparseable rules are rejected without state change.
	_, body = e.post(t, "/api/rules", map[string]string{"type": "allow", "rule": "bogus(x)"})
	if err := json.Unmarshal(body, &out); err != nil || out.Added {
		t.Errorf("bogus rule body = %s", body)
	}
	if rs := e.cfg.Rules(); len(rs.Allow) != 1 {
		t.Errorf("rules = %+v", rs)
	}

	req, _ := http.NewRequest(http.MethodDelete, e.ts.URL+"/api/rules",
		bytes.NewReader([]byte(`{"type":"allow","rule":"network(*.corp.io)"}`)))
	req.Header.Set("Content-Type", "application/json")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if rs := e.cfg.Rules(); len(rs.Allow) != 0 {
		t.Errorf("rules after delete = %+v", rs)
	}
}

func TestAddRuleAutoResolvesPending(t *testing.T) {
	e := newTestEnv(t)
	_, waiter := e.queue.Request(types.CategoryNetwork, "CONNECT api.corp.io:443", "", "",
		map[string]any{"host": "api.corp.io"})

	e.post(t, "/api/rules", map[string]string{"type": "deny", "rule": "network(*.corp.io)"})

	select {
	case approved := <-waiter:
		if approved {
			t.Error("deny rule auto-approved the request")
		}
	case <-time.After(time.Second):
		t.Fatal("pending request not auto-resolved by new rule")
	}
}

func TestExecEndpoints(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.post(t, "/api/exec", map[string]any{"command": "make build"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var created broker.ExecRequest
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}
	if created.Status != broker.StatePending {
		t.Errorf("status = %q", created.Status)
	}

	resp, _ = e.get(t, "/api/exec/"+created.ID)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get status = %d", resp.StatusCode)
	}
	resp, _ = e.get(t, "/api/exec/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing get status = %d", resp.StatusCode)
	}

	resp, _ = e.post(t, "/api/exec", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty command status = %d", resp.StatusCode)
	}
}

func TestPackagesEndpointValidation(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.post(t, "/api/packages", map[string]any{"manager": "apt", "packages": []string{"curl"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown manager status = %d", resp.StatusCode)
	}

	resp, body := e.post(t, "/api/packages", map[string]any{"manager": "npm", "packages": []string{"zod"}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var created broker.PackageRequest
	if err := json.Unmarshal(body, &created); err != nil || created.Status != broker.StatePending {
		t.Errorf("body = %s", body)
	}
}

func TestConfigPropose(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.post(t, "/api/config/propose", map[string]any{
		"path": "categories.network.mode", "value": "allow-all", "reason": "testing",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}

	// Not applied until approved.
	if got := e.cfg.GetCategoryMode(types.CategoryNetwork); got != types.ModeApproveEach {
		t.Fatalf("mode before approval = %q", got)
	}
	e.post(t, "/api/queue/"+created.ID+"/approve", map[string]any{})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.cfg.GetCategoryMode(types.CategoryNetwork) == types.ModeAllowAll {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("approved config change never applied")
}

func TestApproveSandboxRequestAppliesProposal(t *testing.T) {
	e := newTestEnv(t)

	// Sandbox proposals can arrive through the generic queue endpoint, not
	// just /api/config/propose; approval must still apply the change.
	resp, body := e.post(t, "/api/queue", map[string]any{
		"category": "sandbox",
		"action":   "config categories.network.mode",
		"metadata": map[string]any{
			"proposal": map[string]any{"path": "categories.network.mode", "value": "allow-all"},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}

	resp, body = e.post(t, "/api/queue/"+created.ID+"/approve", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d, body = %s", resp.StatusCode, body)
	}
	if got := e.cfg.GetCategoryMode(types.CategoryNetwork); got != types.ModeAllowAll {
		t.Errorf("mode after approval = %q, want %q", got, types.ModeAllowAll)
	}
}

func TestApproveSandboxRequestWithoutProposal(t *testing.T) {
	e := newTestEnv(t)
	before := e.cfg.Get()

	id, waiter := e.queue.Request(types.CategorySandbox, "keepalive", "", "", nil)
	resp, _ := e.post(t, "/api/queue/"+id+"/approve", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if approved := <-waiter; !approved {
		t.Error("waiter signaled false")
	}
	if after := e.cfg.Get(); after.Categories[types.CategoryNetwork].Mode != before.Categories[types.CategoryNetwork].Mode {
		t.Error("proposal-less sandbox approval changed the config")
	}
}

func TestStatusAndHealth(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}

	e.queue.Request(types.CategoryNetwork, "CONNECT a.com:443", "", "", nil)
	_, body := e.get(t, "/api/status")
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out["pending"].(float64) != 1 {
		t.Errorf("status = %s", body)
	}
	if _, ok := out["startedAt"]; !ok {
		t.Error("status missing startedAt")
	}
}

func TestAuditEndpoint(t *testing.T) {
	e := newTestEnv(t)
	id, _ := e.queue.Request(types.CategoryNetwork, "CONNECT a.com:443", "", "", nil)
	e.queue.Approve(id, "cli")

	// The audit append is fire-and-forget; give it a beat.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, body := e.get(t, "/api/audit")
		var entries []audit.Entry
		if err := json.Unmarshal(body, &entries); err == nil && len(entries) == 1 {
			if entries[0].ID != id || entries[0].Decision != "approved" {
				t.Fatalf("entry = %+v", entries[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("audit entry never appeared")
}

func TestSyncEndpoints(t *testing.T) {
	e := newTestEnv(t)
	files := e.srv.files.(*fakeFiles)
	files.files = []filesync.SyncFile{{Path: "a.go", InSync: false}}
	files.results = map[string]bool{"a.go": true}
	git := e.srv.git.(*fakeGit)
	git.branches = []gitsync.BranchInfo{{Branch: "main", Diffstat: "1 file changed"}}
	git.approved = true

	_, body := e.get(t, "/api/sync/files")
	var fileOut struct {
		Files []filesync.SyncFile `json:"files"`
	}
	if err := json.Unmarshal(body, &fileOut); err != nil || len(fileOut.Files) != 1 {
		t.Errorf("files body = %s", body)
	}

	_, body = e.post(t, "/api/sync/files", map[string]any{"paths": []string{"a.go"}})
	var syncOut struct {
		Results map[string]bool `json:"results"`
	}
	if err := json.Unmarshal(body, &syncOut); err != nil || !syncOut.Results["a.go"] {
		t.Errorf("sync body = %s", body)
	}

	_, body = e.get(t, "/api/sync/git")
	var gitOut struct {
		Branches []gitsync.BranchInfo `json:"branches"`
	}
	if err := json.Unmarshal(body, &gitOut); err != nil || len(gitOut.Branches) != 1 {
		t.Errorf("git body = %s", body)
	}

	_, body = e.post(t, "/api/sync/git", map[string]any{"branch": "main"})
	var pushOut struct {
		Branch   string `json:"branch"`
		Approved bool   `json:"approved"`
	}
	if err := json.Unmarshal(body, &pushOut); err != nil || !pushOut.Approved || pushOut.Branch != "main" {
		t.Errorf("push body = %s", body)
	}
}
