package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fishbowl-sh/fishbowl/pkg/rules"
	"github.com/fishbowl-sh/fishbowl/pkg/types"
)

// ──────────────────────────────────────────────────────────────────────────────
// Package command parsing
// ──────────────────────────────────────────────────────────────────────────────

// PackageCommand is a recognized package-manager invocation.
type PackageCommand struct {
	Manager  string   `json:"manager"`
	Action   string   `json:"action"`
	Packages []string `json:"packages"`
	Flags    []string `json:"flags"`
}

// managerActions maps each supported manager to its accepted verbs and the
// canonical verb each one normalizes to.
var managerActions = map[string]map[string]string{
	"bun":   {"add": "add", "remove": "remove"},
	"npm":   {"install": "install", "i": "install", "uninstall": "uninstall"},
	"pip":   {"install": "install", "uninstall": "uninstall"},
	"pip3":  {"install": "install", "uninstall": "uninstall"},
	"cargo": {"add": "add", "remove": "remove"},
}

// flagWhitelist is the only set of flags forwarded to the package manager.
// Everything else (notably --registry=...) is dropped silently: unknown
// flags are an injection surface, not a convenience.
var flagWhitelist = map[string]bool{
	"-D":           true,
	"--dev":        true,
	"--save-dev":   true,
	"-E":           true,
	"--exact":      true,
	"-g":           true,
	"--global":     true,
	"--save":       true,
	"--save-exact": true,
}

// ParsePackageCommand recognizes bun/npm/pip/cargo install-style command
// lines. Returns nil for anything else, including invocations without at
// least one package.
func ParsePackageCommand(cmdline string) *PackageCommand {
	tokens := strings.Fields(cmdline)
	if len(tokens) < 3 {
		return nil
	}

	actions, ok := managerActions[tokens[0]]
	if !ok {
		return nil
	}
	action, ok := actions[tokens[1]]
	if !ok {
		return nil
	}

	pc := &PackageCommand{
		Manager:  tokens[0],
		Action:   action,
		Packages: []string{},
		Flags:    []string{},
	}
	for _, tok := range tokens[2:] {
		if strings.HasPrefix(tok, "-") {
			if flagWhitelist[tok] {
				pc.Flags = append(pc.Flags, tok)
			}
			continue
		}
		pc.Packages = append(pc.Packages, tok)
	}
	if len(pc.Packages) == 0 {
		return nil
	}
	return pc
}

// BuildCommand renders the canonical command line for a normalized
// manager/action/packages/flags tuple. Only whitelisted flags survive.
func BuildCommand(manager, action string, packages, flags []string) string {
	actions, ok := managerActions[manager]
	if ok {
		if canonical, ok := actions[action]; ok {
			action = canonical
		}
	}
	parts := []string{manager, action}
	for _, f := range flags {
		if flagWhitelist[f] {
			parts = append(parts, f)
		}
	}
	parts = append(parts, packages...)
	return strings.Join(parts, " ")
}

// ──────────────────────────────────────────────────────────────────────────────
// Package broker
// ──────────────────────────────────────────────────────────────────────────────

// PackageRequest tracks one package operation through its lifecycle.
type PackageRequest struct {
	ID        string     `json:"id"`
	Manager   string     `json:"manager"`
	Action    string     `json:"action"`
	Packages  []string   `json:"packages"`
	Command   string     `json:"command"`
	Cwd       string     `json:"cwd,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Status    string     `json:"status"`
	Result    *RunResult `json:"result,omitempty"`
	CreatedAt int64      `json:"createdAt"`
}

// PackageBroker mediates package-manager operations. Parallel to ExecBroker
// but with command parsing and flag hardening in front.
type PackageBroker struct {
	mu    sync.Mutex
	reqs  map[string]*PackageRequest
	cfg   rulesSource
	queue permissionQueue
	log   *slog.Logger
	run   func(ctx context.Context, command, cwd string, timeout time.Duration) RunResult
}

// NewPackageBroker creates a package broker.
func NewPackageBroker(cfg rulesSource, q permissionQueue, log *slog.Logger) *PackageBroker {
	return &PackageBroker{
		reqs:  make(map[string]*PackageRequest),
		cfg:   cfg,
		queue: q,
		log:   log,
		run:   Run,
	}
}

// SubmitPackageRequest runs the three-branch pipeline for a package
// operation. The rule-match target is "<manager> <action> <pkg1> <pkg2>…".
// Category mode for packages is always approve-each, and packages(*) allow
// rules never match.
func (b *PackageBroker) SubmitPackageRequest(ctx context.Context, manager string, packages []string, action, reason, cwd string, timeout time.Duration) (PackageRequest, error) {
	actions, ok := managerActions[manager]
	if !ok {
		return PackageRequest{}, fmt.Errorf("broker.SubmitPackageRequest: unknown manager %q", manager)
	}
	if action == "" {
		action = defaultAction(manager)
	}
	canonical, ok := actions[action]
	if !ok {
		return PackageRequest{}, fmt.Errorf("broker.SubmitPackageRequest: unknown action %q for %s", action, manager)
	}
	if len(packages) == 0 {
		return PackageRequest{}, fmt.Errorf("broker.SubmitPackageRequest: at least one package required")
	}

	command := BuildCommand(manager, canonical, packages, nil)
	target := fmt.Sprintf("%s %s %s", manager, canonical, strings.Join(packages, " "))
	verdict := rules.Evaluate(b.cfg.Rules(), types.CategoryPackages, target)

	base := PackageRequest{
		Manager:   manager,
		Action:    canonical,
		Packages:  packages,
		Command:   command,
		Cwd:       cwd,
		Reason:    reason,
		CreatedAt: time.Now().UnixMilli(),
	}

	switch verdict {
	case rules.VerdictDeny:
		r := base
		r.ID = fmt.Sprintf("pkg-denied-%d", time.Now().UnixMilli())
		r.Status = StateDenied
		b.store(&r)
		b.log.Info("package request denied by rule", "id", r.ID, "command", command)
		return r, nil

	case rules.VerdictAllow:
		r := base
		r.ID = fmt.Sprintf("pkg-auto-%d", time.Now().UnixMilli())
		r.Status = StateRunning
		b.store(&r)
		b.log.Info("package request auto-allowed by rule", "id", r.ID, "command", command)
		result := b.run(ctx, command, cwd, timeout)
		b.finish(r.ID, result)
		return *b.Get(r.ID), nil

	default:
		id, waiter := b.queue.Request(types.CategoryPackages, target,
			fmt.Sprintf("Install packages: %s", command), reason,
			map[string]any{"manager": manager, "action": canonical, "packages": packages, "cwd": cwd})
		r := base
		r.ID = id
		r.Status = StatePending
		b.store(&r)
		go b.await(ctx, id, command, cwd, timeout, waiter)
		return r, nil
	}
}

func defaultAction(manager string) string {
	switch manager {
	case "bun", "cargo":
		return "add"
	default:
		return "install"
	}
}

func (b *PackageBroker) await(ctx context.Context, id, command, cwd string, timeout time.Duration, waiter <-chan bool) {
	approved := <-waiter
	if !approved {
		b.setStatus(id, StateDenied)
		b.log.Info("package request denied", "id", id)
		return
	}

	b.setStatus(id, StateRunning)
	result := b.run(ctx, command, cwd, timeout)
	b.finish(id, result)
}

// Get returns a copy of the record, or nil when unknown.
func (b *PackageBroker) Get(id string) *PackageRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.reqs[id]; ok {
		cp := *r
		return &cp
	}
	return nil
}

func (b *PackageBroker) store(r *PackageRequest) {
	b.mu.Lock()
	b.reqs[r.ID] = r
	b.mu.Unlock()
}

func (b *PackageBroker) setStatus(id, status string) {
	b.mu.Lock()
	if r, ok := b.reqs[id]; ok {
		r.Status = status
	}
	b.mu.Unlock()
}

func (b *PackageBroker) finish(id string, result RunResult) {
	status := StateCompleted
	if result.ExitCode != 0 {
		status = StateFailed
	}
	b.mu.Lock()
	if r, ok := b.reqs[id]; ok {
		r.Status = status
		r.Result = &result
	}
	b.mu.Unlock()
	b.log.Info("package request finished", "id", id, "status", status, "exitCode", result.ExitCode)
}
