// Package types defines the canonical category and mode sets used across all
// mediation subsystems, plus the structured API error surface.
package types

// ──────────────────────────────────────────────────────────────────────────────
// Categories — the closed set of mediation buckets.
// ──────────────────────────────────────────────────────────────────────────────

type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryFilesystem Category = "filesystem"
	CategoryGit        Category = "git"
	CategoryPackages   Category = "packages"
	CategorySandbox    Category = "sandbox"
	CategoryExec       Category = "exec"
)

// Categories lists every valid category in display order.
var Categories = []Category{
	CategoryNetwork,
	CategoryFilesystem,
	CategoryGit,
	CategoryPackages,
	CategorySandbox,
	CategoryExec,
}

// ValidCategory reports whether s names a known category.
func ValidCategory(s string) bool {
	for _, c := range Categories {
		if string(c) == s {
			return true
		}
	}
	return false
}

// Hardened reports whether the category's mode is locked to approve-each.
// exec and packages never auto-run on a blanket basis.
func (c Category) Hardened() bool {
	return c == CategoryExec || c == CategoryPackages
}

// ──────────────────────────────────────────────────────────────────────────────
// Modes — per-category policy when no rule matches.
// ──────────────────────────────────────────────────────────────────────────────

type Mode string

const (
	ModeApproveEach Mode = "approve-each"
	ModeApproveBulk Mode = "approve-bulk"
	ModeAllowAll    Mode = "allow-all"
	ModeDenyAll     Mode = "deny-all"
)

// ValidMode reports whether s names a known category mode.
func ValidMode(s string) bool {
	switch Mode(s) {
	case ModeApproveEach, ModeApproveBulk, ModeAllowAll, ModeDenyAll:
		return true
	}
	return false
}

// ──────────────────────────────────────────────────────────────────────────────
// Request status
// ──────────────────────────────────────────────────────────────────────────────

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// Resolver identities recorded on resolved requests.
const (
	ResolvedByCLI  = "cli"
	ResolvedByWeb  = "web"
	ResolvedByAuto = "auto"
)
