package filesync

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fishbowl-sh/fishbowl/pkg/rules"
	"github.com/fishbowl-sh/fishbowl/pkg/types"
)

// SyncFile describes one workspace file and whether the host copy matches.
type SyncFile struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
	InSync  bool      `json:"inSync"`
}

type rulesSource interface {
	Rules() rules.Ruleset
	GetCategoryMode(types.Category) types.Mode
}

type permissionQueue interface {
	Request(category types.Category, action, description, reason string, metadata map[string]any) (string, <-chan bool)
}

// Service answers per-file sync requests through the standard decision
// pipeline and enumerates workspace files for the dashboard.
type Service struct {
	workspace string
	host      string
	cfg       rulesSource
	queue     permissionQueue
	log       *slog.Logger
}

// NewService creates a file sync service.
func NewService(workspace, host string, cfg rulesSource, q permissionQueue, log *slog.Logger) *Service {
	return &Service{workspace: workspace, host: host, cfg: cfg, queue: q, log: log}
}

// ListFiles enumerates workspace files (excluding .git and node_modules)
// with their host sync state.
func (s *Service) ListFiles() ([]SyncFile, error) {
	var files []SyncFile
	err := filepath.WalkDir(s.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(s.workspace, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if d.IsDir() {
			if excluded[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, SyncFile{
			Path:    filepath.ToSlash(rel),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
			InSync:  s.inSync(rel, fi),
		})
		return nil
	})
	if files == nil {
		files = []SyncFile{}
	}
	return files, err
}

func (s *Service) inSync(rel string, src os.FileInfo) bool {
	dst, err := os.Stat(filepath.Join(s.host, rel))
	if err != nil {
		return false
	}
	return dst.Size() == src.Size() && !dst.ModTime().Before(src.ModTime())
}

// RequestSync decides each file through the pipeline: deny rule → refused;
// allow rule or allow-all mode → copied immediately; otherwise a filesystem
// permission request is queued and the call blocks on its waiter. Returns a
// map of path → synced.
func (s *Service) RequestSync(paths []string) map[string]bool {
	ruleset := s.cfg.Rules()
	results := make(map[string]bool, len(paths))

	for _, p := range paths {
		switch rules.Evaluate(ruleset, types.CategoryFilesystem, p) {
		case rules.VerdictDeny:
			results[p] = false
			continue
		case rules.VerdictAllow:
			results[p] = s.copyToHost(p)
			continue
		}

		if s.cfg.GetCategoryMode(types.CategoryFilesystem) == types.ModeAllowAll {
			results[p] = s.copyToHost(p)
			continue
		}

		_, waiter := s.queue.Request(types.CategoryFilesystem, "sync "+p,
			"Sync "+p+" to host project", "",
			map[string]any{"targetFile": p})
		if <-waiter {
			results[p] = s.copyToHost(p)
		} else {
			results[p] = false
		}
	}
	return results
}

func (s *Service) copyToHost(rel string) bool {
	src := filepath.Join(s.workspace, rel)
	dst := filepath.Join(s.host, rel)
	if err := copyFile(src, dst); err != nil {
		s.log.Warn("file sync copy failed", "path", rel, "error", err)
		return false
	}
	return true
}
