package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fishbowl-sh/fishbowl/pkg/rules"
	"github.com/fishbowl-sh/fishbowl/pkg/types"
)

// ──────────────────────────────────────────────────────────────────────────────
// SandboxConfig — persisted as pretty JSON in sandbox.config.json.
// ──────────────────────────────────────────────────────────────────────────────

type CategoryConfig struct {
	Mode types.Mode `json:"mode"`
}

type SandboxConfig struct {
	AllowedEndpoints []string                          `json:"allowedEndpoints"`
	GitStagingRepo   string                            `json:"gitStagingRepo"`
	Categories       map[types.Category]CategoryConfig `json:"categories"`
	Rules            rules.Ruleset                     `json:"rules"`
}

// Defaults returns the built-in configuration used when no file exists or the
// persisted file cannot be parsed.
func Defaults() SandboxConfig {
	cats := make(map[types.Category]CategoryConfig, len(types.Categories))
	for _, c := range types.Categories {
		cats[c] = CategoryConfig{Mode: types.ModeApproveEach}
	}
	return SandboxConfig{
		AllowedEndpoints: []string{},
		GitStagingRepo:   "/workspace/git-staging",
		Categories:       cats,
		Rules:            rules.Ruleset{Allow: []string{}, Deny: []string{}},
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Store — process-wide config state with a load → memory → save cycle.
// ──────────────────────────────────────────────────────────────────────────────

type Store struct {
	mu   sync.RWMutex
	path string
	cfg  SandboxConfig
	log  *slog.Logger
}

// NewStore creates a store that persists to the given path. Call Load before
// serving.
func NewStore(path string, log *slog.Logger) *Store {
	return &Store{path: path, cfg: Defaults(), log: log}
}

// Load reads the config file into memory. A missing or unparseable file
// falls back to defaults; the server keeps running either way.
func (s *Store) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("config read failed, using defaults", "path", s.path, "error", err)
		}
		s.cfg = Defaults()
		return
	}

	var cfg SandboxConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		s.log.Warn("config parse failed, using defaults", "path", s.path, "error", err)
		s.cfg = Defaults()
		return
	}

	// Forward compatibility: older files predate the rules block.
	if cfg.Rules.Allow == nil {
		cfg.Rules.Allow = []string{}
	}
	if cfg.Rules.Deny == nil {
		cfg.Rules.Deny = []string{}
	}
	if cfg.Categories == nil {
		cfg.Categories = Defaults().Categories
	}
	s.cfg = cfg
}

// Save writes the current config as pretty-printed JSON with a trailing
// newline.
func (s *Store) Save() error {
	s.mu.RLock()
	cfg := s.snapshotLocked()
	s.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config.Save marshal: %w", err)
	}
	if err := os.WriteFile(s.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("config.Save write: %w", err)
	}
	return nil
}

// Get returns a copy of the current config.
func (s *Store) Get() SandboxConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// snapshotLocked deep-copies the config so callers never alias internal maps.
func (s *Store) snapshotLocked() SandboxConfig {
	out := s.cfg
	out.AllowedEndpoints = append([]string(nil), s.cfg.AllowedEndpoints...)
	out.Categories = make(map[types.Category]CategoryConfig, len(s.cfg.Categories))
	for k, v := range s.cfg.Categories {
		out.Categories[k] = v
	}
	out.Rules.Allow = append([]string(nil), s.cfg.Rules.Allow...)
	out.Rules.Deny = append([]string(nil), s.cfg.Rules.Deny...)
	return out
}

// Rules returns a copy of the current ruleset.
func (s *Store) Rules() rules.Ruleset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rules.Ruleset{
		Allow: append([]string(nil), s.cfg.Rules.Allow...),
		Deny:  append([]string(nil), s.cfg.Rules.Deny...),
	}
}

// GitStagingRepo returns the staging repo path.
func (s *Store) GitStagingRepo() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.GitStagingRepo
}

// ──────────────────────────────────────────────────────────────────────────────
// Endpoint allowlist
// ──────────────────────────────────────────────────────────────────────────────

// IsEndpointAllowed reports whether host equals an allowlisted entry or ends
// with ".entry".
func (s *Store) IsEndpointAllowed(host string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, suffix := range s.cfg.AllowedEndpoints {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// AddAllowedEndpoint appends a host suffix if not already present.
func (s *Store) AddAllowedEndpoint(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.cfg.AllowedEndpoints {
		if e == host {
			return false
		}
	}
	s.cfg.AllowedEndpoints = append(s.cfg.AllowedEndpoints, host)
	return true
}

// RemoveAllowedEndpoint removes a host suffix.
func (s *Store) RemoveAllowedEndpoint(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.cfg.AllowedEndpoints {
		if e == host {
			s.cfg.AllowedEndpoints = append(s.cfg.AllowedEndpoints[:i], s.cfg.AllowedEndpoints[i+1:]...)
			return true
		}
	}
	return false
}

// ──────────────────────────────────────────────────────────────────────────────
// Category modes (with exec/packages hardening)
// ──────────────────────────────────────────────────────────────────────────────

// GetCategoryMode returns the mode for a category. The hardened categories
// always read approve-each, regardless of the persisted value.
func (s *Store) GetCategoryMode(cat types.Category) types.Mode {
	if cat.Hardened() {
		return types.ModeApproveEach
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cc, ok := s.cfg.Categories[cat]; ok && cc.Mode != "" {
		return cc.Mode
	}
	return types.ModeApproveEach
}

// SetCategoryMode updates a category's mode. Writes that would soften a
// hardened category are silently discarded.
func (s *Store) SetCategoryMode(cat types.Category, mode types.Mode) {
	if cat.Hardened() && mode != types.ModeApproveEach {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Categories == nil {
		s.cfg.Categories = make(map[types.Category]CategoryConfig)
	}
	s.cfg.Categories[cat] = CategoryConfig{Mode: mode}
}

// ──────────────────────────────────────────────────────────────────────────────
// Rules
// ──────────────────────────────────────────────────────────────────────────────

// AddRule inserts a rule into the allow or deny bucket. Returns false for
// unparseable rules and duplicates; no state changes in either case.
func (s *Store) AddRule(ruleType, rule string) bool {
	if ruleType != "allow" && ruleType != "deny" {
		return false
	}
	if rules.Parse(rule) == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := &s.cfg.Rules.Allow
	if ruleType == "deny" {
		bucket = &s.cfg.Rules.Deny
	}
	for _, existing := range *bucket {
		if existing == rule {
			return false
		}
	}
	*bucket = append(*bucket, rule)
	return true
}

// RemoveRule removes an exact rule string from the given bucket.
func (s *Store) RemoveRule(ruleType, rule string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := &s.cfg.Rules.Allow
	if ruleType == "deny" {
		bucket = &s.cfg.Rules.Deny
	}
	for i, existing := range *bucket {
		if existing == rule {
			*bucket = append((*bucket)[:i], (*bucket)[i+1:]...)
			return true
		}
	}
	return false
}

// ──────────────────────────────────────────────────────────────────────────────
// Agent-proposed changes
// ──────────────────────────────────────────────────────────────────────────────

// ApplyConfigChange walks a dot-separated path and assigns the value. Used
// when an approved sandbox request carries a config proposal. The hardened
// category invariant is re-enforced after the write.
func (s *Store) ApplyConfigChange(path string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(s.cfg)
	if err != nil {
		return fmt.Errorf("config.ApplyConfigChange marshal: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("config.ApplyConfigChange unmarshal: %w", err)
	}

	parts := strings.Split(path, ".")
	node := tree
	for i, part := range parts {
		if i == len(parts)-1 {
			node[part] = value
			break
		}
		child, ok := node[part].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[part] = child
		}
		node = child
	}

	patched, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("config.ApplyConfigChange remarshal: %w", err)
	}
	var cfg SandboxConfig
	if err := json.Unmarshal(patched, &cfg); err != nil {
		return fmt.Errorf("config.ApplyConfigChange invalid value at %q: %w", path, err)
	}

	// Writes cannot soften the hardened categories.
	for _, cat := range types.Categories {
		if cat.Hardened() {
			if cc, ok := cfg.Categories[cat]; ok && cc.Mode != types.ModeApproveEach {
				cc.Mode = types.ModeApproveEach
				cfg.Categories[cat] = cc
			}
		}
	}

	s.cfg = cfg
	return nil
}
