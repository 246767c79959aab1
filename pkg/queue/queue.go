// Package queue owns every active and historical permission request. Each
// pending request carries a one-shot waiter the submitting subsystem blocks
// on; resolutions signal the waiter exactly once and fan out lifecycle
// events to in-process subscribers.
package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fishbowl-sh/fishbowl/pkg/audit"
	"github.com/fishbowl-sh/fishbowl/pkg/types"
)

// Request is a permission request presented to the operator.
type Request struct {
	ID          string         `json:"id"`
	Category    types.Category `json:"category"`
	Action      string         `json:"action"`
	Description string         `json:"description"`
	Reason      string         `json:"reason,omitempty"`
	Status      types.Status   `json:"status"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   int64          `json:"createdAt"`            // wall-clock ms
	ResolvedAt  int64          `json:"resolvedAt,omitempty"` // wall-clock ms
	ResolvedBy  string         `json:"resolvedBy,omitempty"`
}

// EventKind distinguishes the two lifecycle channels.
type EventKind string

const (
	EventRequest EventKind = "request"
	EventResolve EventKind = "resolve"
)

// Event is broadcast to subscribers after each state transition.
type Event struct {
	Kind    EventKind
	Request Request
}

const (
	flushDelay    = 100 * time.Millisecond
	subscriberBuf = 64
	defaultRecent = 50
)

// Queue is the in-process permission request registry.
type Queue struct {
	mu       sync.Mutex
	path     string
	log      *slog.Logger
	auditLog *audit.Log

	requests map[string]*Request
	order    []string // insertion order
	waiters  map[string]chan bool
	next     int

	subs       []chan Event
	flushTimer *time.Timer
}

// New creates a queue persisting to path. auditLog may be nil in tests.
func New(path string, auditLog *audit.Log, log *slog.Logger) *Queue {
	return &Queue{
		path:     path,
		log:      log,
		auditLog: auditLog,
		requests: make(map[string]*Request),
		waiters:  make(map[string]chan bool),
	}
}

// Init loads persisted requests and restores the monotonic counter from the
// maximum observed id. Historical records get no waiters: they are terminal.
func (q *Queue) Init() error {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("queue.Init read: %w", err)
	}

	var persisted []Request
	if err := json.Unmarshal(data, &persisted); err != nil {
		return fmt.Errorf("queue.Init parse: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range persisted {
		r := persisted[i]
		q.requests[r.ID] = &r
		q.order = append(q.order, r.ID)
		var n int
		if _, err := fmt.Sscanf(r.ID, "req-%d", &n); err == nil && n >= q.next {
			q.next = n + 1
		}
	}
	return nil
}

// Subscribe registers an event consumer. Delivery is in enqueue order over a
// buffered channel; a consumer that falls more than the buffer behind loses
// events rather than blocking the queue.
func (q *Queue) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuf)
	q.mu.Lock()
	q.subs = append(q.subs, ch)
	q.mu.Unlock()
	return ch
}

func (q *Queue) broadcastLocked(kind EventKind, r *Request) {
	ev := Event{Kind: kind, Request: *r}
	for _, ch := range q.subs {
		select {
		case ch <- ev:
		default:
			q.log.Warn("queue subscriber lagging, event dropped", "kind", string(kind), "id", r.ID)
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Submission
// ──────────────────────────────────────────────────────────────────────────────

// Request mints a pending request and returns its id plus a one-shot waiter
// that yields true on approval. Filesystem requests supersede any older
// pending request targeting the same file: the old request is auto-denied
// before the new id is issued, so at most one approval per file is ever
// pending.
func (q *Queue) Request(category types.Category, action, description, reason string, metadata map[string]any) (string, <-chan bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if category == types.CategoryFilesystem && metadata != nil {
		if target, _ := metadata["targetFile"].(string); target != "" {
			q.supersedeLocked(target)
		}
	}

	id := fmt.Sprintf("req-%d", q.next)
	q.next++

	r := &Request{
		ID:          id,
		Category:    category,
		Action:      action,
		Description: description,
		Reason:      reason,
		Status:      types.StatusPending,
		Metadata:    metadata,
		CreatedAt:   time.Now().UnixMilli(),
	}
	q.requests[id] = r
	q.order = append(q.order, id)

	waiter := make(chan bool, 1)
	q.waiters[id] = waiter

	q.broadcastLocked(EventRequest, r)
	q.scheduleFlushLocked()

	q.log.Info("permission requested",
		"id", id, "category", string(category), "action", action)
	return id, waiter
}

// supersedeLocked denies every pending filesystem request for the target file.
func (q *Queue) supersedeLocked(targetFile string) {
	for _, id := range q.order {
		r := q.requests[id]
		if r.Status != types.StatusPending || r.Category != types.CategoryFilesystem {
			continue
		}
		if t, _ := r.Metadata["targetFile"].(string); t == targetFile {
			q.resolveLocked(r, types.StatusDenied, types.ResolvedByAuto)
			q.log.Info("filesystem request superseded", "id", id, "targetFile", targetFile)
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Resolution
// ──────────────────────────────────────────────────────────────────────────────

// Resolve transitions a pending request to approved or denied. Returns false
// with no side effects when the request is unknown or already terminal.
func (q *Queue) Resolve(id string, status types.Status, resolvedBy string) bool {
	if status != types.StatusApproved && status != types.StatusDenied {
		return false
	}

	q.mu.Lock()
	r, ok := q.requests[id]
	if !ok || r.Status != types.StatusPending {
		q.mu.Unlock()
		return false
	}
	q.resolveLocked(r, status, resolvedBy)
	q.mu.Unlock()

	q.log.Info("permission resolved",
		"id", id, "status", string(status), "resolvedBy", resolvedBy)
	return true
}

// resolveLocked performs the transition, signals and removes the waiter,
// broadcasts the resolve event, and fires off the audit append.
func (q *Queue) resolveLocked(r *Request, status types.Status, resolvedBy string) {
	r.Status = status
	r.ResolvedAt = time.Now().UnixMilli()
	r.ResolvedBy = resolvedBy

	if w, ok := q.waiters[r.ID]; ok {
		w <- status == types.StatusApproved // 1-buffered, never blocks
		delete(q.waiters, r.ID)
	}

	q.broadcastLocked(EventResolve, r)
	q.scheduleFlushLocked()

	if q.auditLog != nil {
		entry := audit.Entry{
			Timestamp:  time.Now().UTC(),
			ID:         r.ID,
			Category:   r.Category,
			Action:     r.Action,
			Decision:   string(status),
			ResolvedBy: resolvedBy,
			DurationMs: r.ResolvedAt - r.CreatedAt,
			Metadata:   r.Metadata,
		}
		go q.auditLog.Append(entry) // fire-and-forget, never blocks resolution
	}
}

// Approve is shorthand for Resolve(id, approved, by).
func (q *Queue) Approve(id, by string) bool {
	return q.Resolve(id, types.StatusApproved, by)
}

// Deny is shorthand for Resolve(id, denied, by).
func (q *Queue) Deny(id, by string) bool {
	return q.Resolve(id, types.StatusDenied, by)
}

// BulkResolve resolves every pending request of the category, in insertion
// order, and returns the count.
func (q *Queue) BulkResolve(category types.Category, status types.Status, resolvedBy string) int {
	if status != types.StatusApproved && status != types.StatusDenied {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, id := range q.order {
		r := q.requests[id]
		if r.Status == types.StatusPending && r.Category == category {
			q.resolveLocked(r, status, resolvedBy)
			n++
		}
	}
	return n
}

// DenyAllPending denies every pending request regardless of category. Used by
// graceful shutdown so no waiter survives a clean exit.
func (q *Queue) DenyAllPending(resolvedBy string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, id := range q.order {
		r := q.requests[id]
		if r.Status == types.StatusPending {
			q.resolveLocked(r, types.StatusDenied, resolvedBy)
			n++
		}
	}
	return n
}

// ──────────────────────────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────────────────────────

// Pending returns pending requests in insertion order.
func (q *Queue) Pending() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Request, 0)
	for _, id := range q.order {
		if r := q.requests[id]; r.Status == types.StatusPending {
			out = append(out, *r)
		}
	}
	return out
}

// Recent returns resolved requests, most recent first, up to limit
// (default 50).
func (q *Queue) Recent(limit int) []Request {
	if limit <= 0 {
		limit = defaultRecent
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Request, 0)
	for i := len(q.order) - 1; i >= 0 && len(out) < limit; i-- {
		if r := q.requests[q.order[i]]; r.Status != types.StatusPending {
			out = append(out, *r)
		}
	}
	return out
}

// Get returns a copy of the request, or nil when unknown.
func (q *Queue) Get(id string) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if r, ok := q.requests[id]; ok {
		cp := *r
		return &cp
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Persistence (coalesced)
// ──────────────────────────────────────────────────────────────────────────────

// scheduleFlushLocked arms a single flush timer. Mutations landing inside the
// coalesce window share one write; losing the final window on a crash is
// acceptable, waiters are never persisted.
func (q *Queue) scheduleFlushLocked() {
	if q.flushTimer != nil {
		return
	}
	q.flushTimer = time.AfterFunc(flushDelay, q.Flush)
}

// Flush writes the full request list as JSON immediately.
func (q *Queue) Flush() {
	q.mu.Lock()
	if q.flushTimer != nil {
		q.flushTimer.Stop()
		q.flushTimer = nil
	}
	all := make([]Request, 0, len(q.order))
	for _, id := range q.order {
		all = append(all, *q.requests[id])
	}
	q.mu.Unlock()

	data, err := json.Marshal(all)
	if err != nil {
		q.log.Warn("queue persist marshal failed", "error", err)
		return
	}
	if err := os.WriteFile(q.path, data, 0o644); err != nil {
		q.log.Warn("queue persist write failed", "path", q.path, "error", err)
	}
}
