// Package gitsync mediates pushes from the in-sandbox staging repo to the
// real remote. Branches accumulate in the staging repo freely; only an
// approved push crosses to the outside world.
package gitsync

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/fishbowl-sh/fishbowl/pkg/rules"
	"github.com/fishbowl-sh/fishbowl/pkg/types"
)

// RealRemote is the name of the remote pointing outside the sandbox.
const RealRemote = "real-remote"

// BranchInfo describes one staging branch relative to the real remote.
type BranchInfo struct {
	Branch   string `json:"branch"`
	New      bool   `json:"new"`
	Diffstat string `json:"diffstat,omitempty"`
}

type rulesSource interface {
	Rules() rules.Ruleset
	GetCategoryMode(types.Category) types.Mode
	GitStagingRepo() string
}

type permissionQueue interface {
	Request(category types.Category, action, description, reason string, metadata map[string]any) (string, <-chan bool)
}

// Service enumerates staging branches and pushes approved ones.
type Service struct {
	cfg   rulesSource
	queue permissionQueue
	log   *slog.Logger
}

// NewService creates a git sync service.
func NewService(cfg rulesSource, q permissionQueue, log *slog.Logger) *Service {
	return &Service{cfg: cfg, queue: q, log: log}
}

// Branches lists every branch in the staging repo with its diffstat against
// the real remote counterpart. Branches without one are surfaced as new.
func (s *Service) Branches(ctx context.Context) ([]BranchInfo, error) {
	repo := s.cfg.GitStagingRepo()
	out, err := s.git(ctx, repo, "for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return nil, fmt.Errorf("gitsync.Branches: %w", err)
	}

	branches := []BranchInfo{}
	for _, branch := range strings.Split(strings.TrimSpace(out), "\n") {
		if branch == "" {
			continue
		}
		info := BranchInfo{Branch: branch}
		ref := RealRemote + "/" + branch
		if _, err := s.git(ctx, repo, "rev-parse", "--verify", "--quiet", ref); err != nil {
			info.New = true
		} else {
			stat, err := s.git(ctx, repo, "diff", "--shortstat", ref+".."+branch)
			if err == nil {
				info.Diffstat = strings.TrimSpace(stat)
			}
		}
		branches = append(branches, info)
	}
	return branches, nil
}

// RequestSync pushes branch to the real remote after the standard pipeline:
// deny rule or deny-all mode refuses, allow rule or allow-all mode pushes
// immediately, anything else queues a git permission request and blocks on
// the waiter.
func (s *Service) RequestSync(ctx context.Context, branch string) (bool, error) {
	switch rules.Evaluate(s.cfg.Rules(), types.CategoryGit, branch) {
	case rules.VerdictDeny:
		return false, nil
	case rules.VerdictAllow:
		return true, s.push(ctx, branch)
	}

	switch s.cfg.GetCategoryMode(types.CategoryGit) {
	case types.ModeAllowAll:
		return true, s.push(ctx, branch)
	case types.ModeDenyAll:
		return false, nil
	}

	_, waiter := s.queue.Request(types.CategoryGit, "push "+branch,
		fmt.Sprintf("Push branch %s to the real remote", branch), "",
		map[string]any{"branch": branch})
	if !<-waiter {
		return false, nil
	}
	return true, s.push(ctx, branch)
}

func (s *Service) push(ctx context.Context, branch string) error {
	repo := s.cfg.GitStagingRepo()
	if _, err := s.git(ctx, repo, "push", RealRemote, branch); err != nil {
		return fmt.Errorf("gitsync.push %s: %w", branch, err)
	}
	s.log.Info("branch pushed", "branch", branch, "remote", RealRemote)
	return nil
}

func (s *Service) git(ctx context.Context, repo string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", repo}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}
