// Package audit appends mediation decisions to a JSONL file. Appends are
// best-effort: audit failures never block or fail the decision path.
package audit

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fishbowl-sh/fishbowl/pkg/types"
)

// Entry is one audit record, serialized one-per-line.
type Entry struct {
	Timestamp  time.Time      `json:"timestamp"`
	ID         string         `json:"id"`
	Category   types.Category `json:"category"`
	Action     string         `json:"action"`
	Decision   string         `json:"decision"`
	ResolvedBy string         `json:"resolvedBy,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Log is an append-only JSONL audit log at a fixed path.
type Log struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger
}

// New creates an audit log writing to path.
func New(path string, log *slog.Logger) *Log {
	return &Log{path: path, log: log}
}

// Append writes one entry. All failures are swallowed; the audit trail is
// best-effort by contract.
func (l *Log) Append(e Entry) {
	line, err := json.Marshal(e)
	if err != nil {
		l.log.Warn("audit marshal failed", "id", e.ID, "error", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.log.Warn("audit open failed", "path", l.path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		l.log.Warn("audit write failed", "path", l.path, "error", err)
	}
}

// Read returns up to limit entries, most recent first. Malformed lines are
// skipped; a missing file yields an empty slice.
func (l *Log) Read(limit int) []Entry {
	if limit <= 0 {
		limit = 50
	}

	l.mu.Lock()
	f, err := os.Open(l.path)
	l.mu.Unlock()
	if err != nil {
		return []Entry{}
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}

	// Most recent first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries
}
