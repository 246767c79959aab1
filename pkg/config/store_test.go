package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fishbowl-sh/fishbowl/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sandbox.config.json")
	s := NewStore(path, slog.Default())
	s.Load()
	return s
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	s := newTestStore(t)
	cfg := s.Get()
	if cfg.GitStagingRepo != "/workspace/git-staging" {
		t.Errorf("GitStagingRepo = %q", cfg.GitStagingRepo)
	}
	for _, c := range types.Categories {
		if got := s.GetCategoryMode(c); got != types.ModeApproveEach {
			t.Errorf("default mode for %s = %q", c, got)
		}
	}
}

func TestLoadUnparseableFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandbox.config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path, slog.Default())
	s.Load()
	if got := s.GetCategoryMode(types.CategoryNetwork); got != types.ModeApproveEach {
		t.Errorf("mode after bad load = %q", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	s.SetCategoryMode(types.CategoryNetwork, types.ModeAllowAll)
	s.AddRule("allow", "network(*.example.com)")
	s.AddAllowedEndpoint("internal.corp")
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Error("saved config must end with a newline")
	}
	if !strings.Contains(string(data), "  \"rules\"") {
		t.Error("saved config should be pretty-printed")
	}

	s2 := NewStore(s.path, slog.Default())
	s2.Load()
	if got := s2.GetCategoryMode(types.CategoryNetwork); got != types.ModeAllowAll {
		t.Errorf("mode after reload = %q", got)
	}
	if rs := s2.Rules(); len(rs.Allow) != 1 || rs.Allow[0] != "network(*.example.com)" {
		t.Errorf("rules after reload = %+v", rs)
	}
	if !s2.IsEndpointAllowed("internal.corp") {
		t.Error("allowlist lost on reload")
	}
}

func TestHardenedCategoriesAlwaysApproveEach(t *testing.T) {
	s := newTestStore(t)

	s.SetCategoryMode(types.CategoryExec, types.ModeAllowAll)
	s.SetCategoryMode(types.CategoryPackages, types.ModeDenyAll)
	if got := s.GetCategoryMode(types.CategoryExec); got != types.ModeApproveEach {
		t.Errorf("exec mode = %q, must stay approve-each", got)
	}
	if got := s.GetCategoryMode(types.CategoryPackages); got != types.ModeApproveEach {
		t.Errorf("packages mode = %q, must stay approve-each", got)
	}

	// Even if a softened value sneaks into the persisted file, reads stay
	// hardened.
	path := filepath.Join(t.TempDir(), "sandbox.config.json")
	body := `{"categories":{"exec":{"mode":"allow-all"}},"rules":{"allow":[],"deny":[]}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	s2 := NewStore(path, slog.Default())
	s2.Load()
	if got := s2.GetCategoryMode(types.CategoryExec); got != types.ModeApproveEach {
		t.Errorf("exec mode from tampered file = %q", got)
	}
}

func TestIsEndpointAllowed(t *testing.T) {
	s := newTestStore(t)
	s.AddAllowedEndpoint("example.com")

	tests := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"api.example.com", true},
		{"deep.api.example.com", true},
		{"notexample.com", false},
		{"example.com.evil.io", false},
	}
	for _, tt := range tests {
		if got := s.IsEndpointAllowed(tt.host); got != tt.want {
			t.Errorf("IsEndpointAllowed(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestAddRuleRejectsBadAndDuplicate(t *testing.T) {
	s := newTestStore(t)

	if s.AddRule("allow", "bogus(x)") {
		t.Error("unparseable rule must not be added")
	}
	if s.AddRule("maybe", "network(*)") {
		t.Error("unknown rule type must not be added")
	}
	if !s.AddRule("allow", "network(*.example.com)") {
		t.Error("valid rule should be added")
	}
	if s.AddRule("allow", "network(*.example.com)") {
		t.Error("duplicate rule must not be added")
	}
	if rs := s.Rules(); len(rs.Allow) != 1 {
		t.Errorf("allow rules = %v", rs.Allow)
	}

	if !s.RemoveRule("allow", "network(*.example.com)") {
		t.Error("remove should succeed")
	}
	if s.RemoveRule("allow", "network(*.example.com)") {
		t.Error("second remove should fail")
	}
}

func TestApplyConfigChange(t *testing.T) {
	s := newTestStore(t)

	if err := s.ApplyConfigChange("categories.network.mode", "allow-all"); err != nil {
		t.Fatal(err)
	}
	if got := s.GetCategoryMode(types.CategoryNetwork); got != types.ModeAllowAll {
		t.Errorf("network mode = %q", got)
	}

	if err := s.ApplyConfigChange("gitStagingRepo", "/tmp/staging"); err != nil {
		t.Fatal(err)
	}
	if got := s.GitStagingRepo(); got != "/tmp/staging" {
		t.Errorf("gitStagingRepo = %q", got)
	}

	// An approved proposal still cannot soften a hardened category.
	if err := s.ApplyConfigChange("categories.exec.mode", "allow-all"); err != nil {
		t.Fatal(err)
	}
	if got := s.GetCategoryMode(types.CategoryExec); got != types.ModeApproveEach {
		t.Errorf("exec mode after proposal = %q", got)
	}

	if err := s.ApplyConfigChange("allowedEndpoints", 42); err == nil {
		t.Error("type-mismatched value should be rejected")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	cfg := s.Get()
	cfg.Categories[types.CategoryNetwork] = CategoryConfig{Mode: types.ModeDenyAll}
	cfg.AllowedEndpoints = append(cfg.AllowedEndpoints, "mutated.example")

	if got := s.GetCategoryMode(types.CategoryNetwork); got != types.ModeApproveEach {
		t.Error("mutating a snapshot leaked into the store")
	}
	if s.IsEndpointAllowed("mutated.example") {
		t.Error("mutating a snapshot slice leaked into the store")
	}
}
