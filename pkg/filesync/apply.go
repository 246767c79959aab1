package filesync

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ApplyResult reports whether an approved edit could be applied.
type ApplyResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// RequestMetadata is the filesystem slice of a permission request's metadata
// bag.
type RequestMetadata struct {
	ToolName     string
	TargetFile   string
	WriteContent string
	OldString    string
	NewString    string
}

// ParseRequestMetadata extracts the filesystem fields from a raw metadata
// bag.
func ParseRequestMetadata(metadata map[string]any) RequestMetadata {
	md := RequestMetadata{}
	md.ToolName, _ = metadata["toolName"].(string)
	md.TargetFile, _ = metadata["targetFile"].(string)
	md.WriteContent, _ = metadata["writeContent"].(string)
	if ec, ok := metadata["editContext"].(map[string]any); ok {
		md.OldString, _ = ec["old_string"].(string)
		md.NewString, _ = ec["new_string"].(string)
	}
	return md
}

// ApplyRequest performs an approved Write or Edit against the workspace.
// Called at approval time, never at request time: the file may have moved
// on since the agent proposed the change, in which case the edit is stale
// and the caller is expected to deny the original request.
func ApplyRequest(workspace string, md RequestMetadata) ApplyResult {
	if md.TargetFile == "" {
		return ApplyResult{OK: false, Error: "missing targetFile"}
	}
	target := md.TargetFile
	if !filepath.IsAbs(target) {
		target = filepath.Join(workspace, target)
	}

	switch md.ToolName {
	case "Write":
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return ApplyResult{OK: false, Error: fmt.Sprintf("mkdir: %v", err)}
		}
		if err := os.WriteFile(target, []byte(md.WriteContent), 0o644); err != nil {
			return ApplyResult{OK: false, Error: fmt.Sprintf("write: %v", err)}
		}
		return ApplyResult{OK: true}

	case "Edit":
		data, err := os.ReadFile(target)
		if err != nil {
			return ApplyResult{OK: false, Error: fmt.Sprintf("file %s no longer exists, edit is stale", md.TargetFile)}
		}
		content := string(data)
		if !strings.Contains(content, md.OldString) {
			return ApplyResult{OK: false, Error: fmt.Sprintf("old content not found in %s, edit is stale", md.TargetFile)}
		}
		content = strings.Replace(content, md.OldString, md.NewString, 1)
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return ApplyResult{OK: false, Error: fmt.Sprintf("write: %v", err)}
		}
		return ApplyResult{OK: true}

	default:
		return ApplyResult{OK: false, Error: fmt.Sprintf("unsupported tool %q", md.ToolName)}
	}
}
