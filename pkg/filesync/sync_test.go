package filesync

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fishbowl-sh/fishbowl/pkg/queue"
	"github.com/fishbowl-sh/fishbowl/pkg/rules"
	"github.com/fishbowl-sh/fishbowl/pkg/types"
)

type fakeConfig struct {
	rs   rules.Ruleset
	mode types.Mode
}

func (f *fakeConfig) Rules() rules.Ruleset { return f.rs }
func (f *fakeConfig) GetCategoryMode(types.Category) types.Mode {
	if f.mode == "" {
		return types.ModeApproveEach
	}
	return f.mode
}

func writeWorkspaceFile(t *testing.T, ws, rel, content string) {
	t.Helper()
	path := filepath.Join(ws, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestListFiles(t *testing.T) {
	ws, host := t.TempDir(), t.TempDir()
	writeWorkspaceFile(t, ws, "main.go", "package main")
	writeWorkspaceFile(t, ws, "src/util.go", "package src")
	writeWorkspaceFile(t, ws, ".git/HEAD", "ref: refs/heads/main")
	writeWorkspaceFile(t, ws, "node_modules/x/index.js", "x")

	svc := NewService(ws, host, &fakeConfig{}, nil, slog.Default())
	files, err := svc.ListFiles()
	if err != nil {
		t.Fatal(err)
	}
	paths := map[string]bool{}
	for _, f := range files {
		paths[f.Path] = f.InSync
	}
	if len(paths) != 2 {
		t.Errorf("files = %v, want main.go and src/util.go only", paths)
	}
	if inSync, ok := paths["main.go"]; !ok || inSync {
		t.Errorf("main.go inSync = %v, want listed and out of sync", inSync)
	}
}

func TestRequestSyncPipeline(t *testing.T) {
	ws, host := t.TempDir(), t.TempDir()
	writeWorkspaceFile(t, ws, "allowed.txt", "a")
	writeWorkspaceFile(t, ws, "denied.txt", "d")
	writeWorkspaceFile(t, ws, "queued.txt", "q")

	cfg := &fakeConfig{rs: rules.Ruleset{
		Allow: []string{"filesystem(allowed.txt)"},
		Deny:  []string{"filesystem(denied.txt)"},
	}}
	q := queue.New(filepath.Join(t.TempDir(), "queue.json"), nil, slog.Default())
	svc := NewService(ws, host, cfg, q, slog.Default())

	done := make(chan map[string]bool, 1)
	go func() {
		done <- svc.RequestSync([]string{"allowed.txt", "denied.txt", "queued.txt"})
	}()

	// allowed.txt copies immediately, denied.txt is refused, queued.txt
	// blocks until the pending request resolves.
	var pending []queue.Request
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pending = q.Pending(); len(pending) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %+v, want one queued request", pending)
	}
	if pending[0].Action != "sync queued.txt" {
		t.Errorf("queued action = %q", pending[0].Action)
	}
	q.Approve(pending[0].ID, "cli")

	results := <-done
	want := map[string]bool{"allowed.txt": true, "denied.txt": false, "queued.txt": true}
	for path, ok := range want {
		if results[path] != ok {
			t.Errorf("results[%s] = %v, want %v", path, results[path], ok)
		}
	}

	if _, err := os.Stat(filepath.Join(host, "allowed.txt")); err != nil {
		t.Error("allowed.txt not copied to host")
	}
	if _, err := os.Stat(filepath.Join(host, "denied.txt")); !os.IsNotExist(err) {
		t.Error("denied.txt must not reach the host")
	}
	if _, err := os.Stat(filepath.Join(host, "queued.txt")); err != nil {
		t.Error("queued.txt not copied after approval")
	}
}

func TestRequestSyncAllowAllMode(t *testing.T) {
	ws, host := t.TempDir(), t.TempDir()
	writeWorkspaceFile(t, ws, "f.txt", "x")

	svc := NewService(ws, host, &fakeConfig{mode: types.ModeAllowAll}, nil, slog.Default())
	results := svc.RequestSync([]string{"f.txt"})
	if !results["f.txt"] {
		t.Error("allow-all mode should copy without queueing")
	}
	if _, err := os.Stat(filepath.Join(host, "f.txt")); err != nil {
		t.Error("file not copied")
	}
}
