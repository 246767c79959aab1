// Package rules implements the pure rule engine: parsing rule strings,
// matching patterns against targets, evaluating rulesets, and generating
// rules from observed actions. No I/O happens here.
package rules

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/fishbowl-sh/fishbowl/pkg/types"
)

// Verdict is the outcome of evaluating a ruleset against a target.
// VerdictNone means no rule matched and the caller falls through to the
// category mode.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
	VerdictNone  Verdict = ""
)

// Rule is a parsed rule: category plus glob pattern.
type Rule struct {
	Category types.Category
	Pattern  string
}

// Ruleset holds the persisted allow and deny rule strings in insertion order.
type Ruleset struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Parsing
// ──────────────────────────────────────────────────────────────────────────────

// Parse accepts "category(pattern)" with a non-empty pattern, or a bare
// "category" which is shorthand for "category(*)". Unknown categories and
// malformed strings return nil.
func Parse(rule string) *Rule {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return nil
	}

	open := strings.Index(rule, "(")
	if open < 0 {
		if !types.ValidCategory(rule) {
			return nil
		}
		return &Rule{Category: types.Category(rule), Pattern: "*"}
	}

	if !strings.HasSuffix(rule, ")") {
		return nil
	}
	cat := rule[:open]
	pattern := rule[open+1 : len(rule)-1]
	if pattern == "" || !types.ValidCategory(cat) {
		return nil
	}
	return &Rule{Category: types.Category(cat), Pattern: pattern}
}

// String renders the rule back to its canonical "category(pattern)" form.
func (r *Rule) String() string {
	return fmt.Sprintf("%s(%s)", r.Category, r.Pattern)
}

// ──────────────────────────────────────────────────────────────────────────────
// Matching
// ──────────────────────────────────────────────────────────────────────────────

// Match dispatches to path-aware glob matching for filesystem targets and
// shell-style glob matching everywhere else.
func Match(pattern, target string, category types.Category) bool {
	if category == types.CategoryFilesystem {
		ok, err := doublestar.Match(pattern, target)
		return err == nil && ok
	}
	return shellGlobMatch(pattern, target)
}

// shellGlobMatch treats "*" as any run of any characters (including "/" and
// spaces) and "?" as any single character. The whole target must match.
func shellGlobMatch(pattern, target string) bool {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}
	return re.MatchString(target)
}

// ──────────────────────────────────────────────────────────────────────────────
// Evaluation
// ──────────────────────────────────────────────────────────────────────────────

// Evaluate checks deny rules first, then allow rules, first-match-wins in
// insertion order within each bucket. Blanket allow rules for the hardened
// categories (exec(*), packages(*)) are silently skipped: auto-running
// arbitrary commands on a wildcard is never acceptable. Unparseable rule
// strings are ignored.
func Evaluate(rs Ruleset, category types.Category, target string) Verdict {
	for _, raw := range rs.Deny {
		r := Parse(raw)
		if r == nil || r.Category != category {
			continue
		}
		if Match(r.Pattern, target, category) {
			return VerdictDeny
		}
	}
	for _, raw := range rs.Allow {
		r := Parse(raw)
		if r == nil || r.Category != category {
			continue
		}
		if r.Category.Hardened() && r.Pattern == "*" {
			continue
		}
		if Match(r.Pattern, target, category) {
			return VerdictAllow
		}
	}
	return VerdictNone
}

// ──────────────────────────────────────────────────────────────────────────────
// Rule generation ("always allow" / "always deny")
// ──────────────────────────────────────────────────────────────────────────────

// Generate builds a rule string covering the given action, widened enough to
// be useful on the next similar request.
func Generate(category types.Category, action string) string {
	switch category {
	case types.CategoryNetwork:
		host := ExtractNetworkHost(action)
		if host == "" {
			return fmt.Sprintf("network(%s)", action)
		}
		if net.ParseIP(host) != nil {
			return fmt.Sprintf("network(%s)", host)
		}
		labels := strings.Split(host, ".")
		if len(labels) <= 2 {
			return fmt.Sprintf("network(%s)", host)
		}
		return fmt.Sprintf("network(*.%s)", strings.Join(labels[len(labels)-2:], "."))

	case types.CategoryFilesystem:
		target := strings.TrimPrefix(action, "sync ")
		dir := path.Dir(target)
		if dir == "." || dir == "/" {
			return fmt.Sprintf("filesystem(%s)", target)
		}
		return fmt.Sprintf("filesystem(%s/*)", dir)

	case types.CategoryGit:
		return fmt.Sprintf("git(%s)", strings.TrimPrefix(action, "push "))

	default:
		return fmt.Sprintf("%s(%s)", category, action)
	}
}

// ExtractNetworkHost pulls the bare host out of a network action string.
// Handles "CONNECT host:port" and "METHOD http(s)://host/path" forms;
// returns "" when no host can be found.
func ExtractNetworkHost(action string) string {
	_, rest, found := strings.Cut(action, " ")
	if !found || rest == "" {
		return ""
	}

	if strings.HasPrefix(rest, "http://") || strings.HasPrefix(rest, "https://") {
		u, err := url.Parse(rest)
		if err != nil || u.Hostname() == "" {
			return ""
		}
		return u.Hostname()
	}

	// CONNECT form: host with optional port.
	if host, _, err := net.SplitHostPort(rest); err == nil {
		return host
	}
	if strings.Contains(rest, "/") {
		return ""
	}
	return rest
}
