package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fishbowl-sh/fishbowl/pkg/rules"
	"github.com/fishbowl-sh/fishbowl/pkg/types"
)

// Exec lifecycle states. A denied request never runs; approved requests pass
// through running to completed or failed.
const (
	StatePending   = "pending"
	StateApproved  = "approved"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateDenied    = "denied"
)

// ExecRequest tracks one host command through its lifecycle.
type ExecRequest struct {
	ID        string     `json:"id"`
	Command   string     `json:"command"`
	Cwd       string     `json:"cwd,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Status    string     `json:"status"`
	Result    *RunResult `json:"result,omitempty"`
	CreatedAt int64      `json:"createdAt"`
}

type rulesSource interface {
	Rules() rules.Ruleset
}

type permissionQueue interface {
	Request(category types.Category, action, description, reason string, metadata map[string]any) (string, <-chan bool)
}

// ExecBroker accepts host command submissions and resolves them against
// rules, auto-running allowed commands and queueing the rest.
type ExecBroker struct {
	mu    sync.Mutex
	reqs  map[string]*ExecRequest
	cfg   rulesSource
	queue permissionQueue
	log   *slog.Logger
	run   func(ctx context.Context, command, cwd string, timeout time.Duration) RunResult
}

// NewExecBroker creates an exec broker.
func NewExecBroker(cfg rulesSource, q permissionQueue, log *slog.Logger) *ExecBroker {
	return &ExecBroker{
		reqs:  make(map[string]*ExecRequest),
		cfg:   cfg,
		queue: q,
		log:   log,
		run:   Run,
	}
}

// SubmitExec evaluates rules against the verbatim command.
//
//	deny  → record denied, never runs
//	allow → run synchronously with the shared runner
//	none  → queue a permission request; a continuation runs the command
//	        when the waiter signals approval
//
// The returned record is a snapshot; poll Get for progress.
func (b *ExecBroker) SubmitExec(ctx context.Context, command, cwd, reason string, timeout time.Duration) ExecRequest {
	verdict := rules.Evaluate(b.cfg.Rules(), types.CategoryExec, command)

	switch verdict {
	case rules.VerdictDeny:
		r := &ExecRequest{
			ID:        fmt.Sprintf("exec-denied-%d", time.Now().UnixMilli()),
			Command:   command,
			Cwd:       cwd,
			Reason:    reason,
			Status:    StateDenied,
			CreatedAt: time.Now().UnixMilli(),
		}
		b.store(r)
		b.log.Info("exec denied by rule", "id", r.ID, "command", command)
		return *r

	case rules.VerdictAllow:
		r := &ExecRequest{
			ID:        fmt.Sprintf("exec-auto-%d", time.Now().UnixMilli()),
			Command:   command,
			Cwd:       cwd,
			Reason:    reason,
			Status:    StateRunning,
			CreatedAt: time.Now().UnixMilli(),
		}
		b.store(r)
		b.log.Info("exec auto-allowed by rule", "id", r.ID, "command", command)
		result := b.run(ctx, command, cwd, timeout)
		b.finish(r.ID, result)
		return *b.Get(r.ID)

	default:
		// Category mode for exec is always approve-each.
		id, waiter := b.queue.Request(types.CategoryExec, command,
			fmt.Sprintf("Run command: %s", command), reason,
			map[string]any{"command": command, "cwd": cwd})
		r := &ExecRequest{
			ID:        id,
			Command:   command,
			Cwd:       cwd,
			Reason:    reason,
			Status:    StatePending,
			CreatedAt: time.Now().UnixMilli(),
		}
		b.store(r)
		go b.await(ctx, id, command, cwd, timeout, waiter)
		return *r
	}
}

// await is the one-shot continuation attached to the queue waiter.
func (b *ExecBroker) await(ctx context.Context, id, command, cwd string, timeout time.Duration, waiter <-chan bool) {
	approved := <-waiter
	if !approved {
		b.setStatus(id, StateDenied)
		b.log.Info("exec denied", "id", id)
		return
	}

	b.setStatus(id, StateRunning)
	result := b.run(ctx, command, cwd, timeout)
	b.finish(id, result)
}

// Get returns a copy of the record, or nil when unknown.
func (b *ExecBroker) Get(id string) *ExecRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.reqs[id]; ok {
		cp := *r
		return &cp
	}
	return nil
}

// List returns all records, newest first.
func (b *ExecBroker) List() []ExecRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ExecRequest, 0, len(b.reqs))
	for _, r := range b.reqs {
		out = append(out, *r)
	}
	for i := range out {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt > out[i].CreatedAt {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

func (b *ExecBroker) store(r *ExecRequest) {
	b.mu.Lock()
	b.reqs[r.ID] = r
	b.mu.Unlock()
}

func (b *ExecBroker) setStatus(id, status string) {
	b.mu.Lock()
	if r, ok := b.reqs[id]; ok {
		r.Status = status
	}
	b.mu.Unlock()
}

func (b *ExecBroker) finish(id string, result RunResult) {
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
	b.log.Info("exec finished", "id", id, "status", status, "exitCode", result.ExitCode)
}
