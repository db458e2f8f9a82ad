package pathfilter

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

// RuleSource identifies where a filter rule came from
type RuleSource string

const (
	// RuleSourceBuiltin marks the non-removable default rules
	RuleSourceBuiltin RuleSource = "builtin"
	// RuleSourceUser marks rules loaded from a project's ignore file
	RuleSourceUser RuleSource = "user"
)

// builtinPatterns excludes version-control metadata directories.
// These are always applied first and cannot be negated by user rules.
var builtinPatterns = []string{".git/", ".svn/", ".hg/"}

// Rule is a single compiled gitignore-style pattern
type Rule struct {
	Pattern string
	Source  RuleSource
	Negate  bool
	DirOnly bool

	// anchored rules contained a slash and match against the full
	// path relative to the project root; others match by basename
	anchored bool
	matcher  glob.Glob
}

// ParseRule compiles one pattern line into a Rule
func ParseRule(pattern string, source RuleSource) (*Rule, error) {
	raw := pattern
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}

	rule := &Rule{Pattern: raw, Source: source}

	if strings.HasPrefix(pattern, "!") {
		rule.Negate = true
		pattern = pattern[1:]
	}

	if strings.HasSuffix(pattern, "/") {
		rule.DirOnly = true
		pattern = strings.TrimSuffix(pattern, "/")
	}

	// A leading slash anchors to the project root without implying
	// a directory component
	pattern = strings.TrimPrefix(pattern, "/")
	if pattern == "" {
		return nil, fmt.Errorf("pattern has no matchable component: %q", raw)
	}

	rule.anchored = strings.Contains(pattern, "/")

	var err error
	if rule.anchored {
		// Separator-aware compile: * stops at slashes, ** crosses them
		rule.matcher, err = glob.Compile(pattern, '/')
	} else {
		rule.matcher, err = glob.Compile(pattern)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", raw, err)
	}

	return rule, nil
}

// Match reports whether the rule applies to the given path.
// relPath must be slash-separated and relative to the project root.
func (r *Rule) Match(relPath string, isDir bool) bool {
	if r.DirOnly && !isDir {
		return false
	}
	if r.anchored {
		return r.matcher.Match(relPath)
	}
	return r.matcher.Match(path.Base(relPath))
}

// RuleSet is an ordered collection of filter rules. The builtin
// version-control exclusions always evaluate first and are final.
type RuleSet struct {
	builtin []*Rule
	user    []*Rule
	skipped int
}

// NewRuleSet compiles user patterns on top of the builtin defaults.
// Malformed lines are skipped with a logged warning, never fatal.
func NewRuleSet(userPatterns []string) *RuleSet {
	rs := &RuleSet{}

	for _, p := range builtinPatterns {
		rule, err := ParseRule(p, RuleSourceBuiltin)
		if err != nil {
			// Builtin patterns are static and known-good
			continue
		}
		rs.builtin = append(rs.builtin, rule)
	}

	for _, p := range userPatterns {
		rule, err := ParseRule(p, RuleSourceUser)
		if err != nil {
			log.Warn().
				Err(err).
				Str("pattern", p).
				Msg("Skipping malformed ignore rule")
			rs.skipped++
			continue
		}
		rs.user = append(rs.user, rule)
	}

	return rs
}

// DefaultRuleSet returns a rule set with only the builtin exclusions
func DefaultRuleSet() *RuleSet {
	return NewRuleSet(nil)
}

// Len returns the total number of compiled rules
func (rs *RuleSet) Len() int {
	return len(rs.builtin) + len(rs.user)
}

// Skipped returns how many malformed user lines were dropped during compile
func (rs *RuleSet) Skipped() int {
	return rs.skipped
}

// LoadRuleFile reads patterns from a gitignore-style file. Blank lines
// and #-comments are ignored. A missing file yields no patterns: absence
// means "include everything except the builtin exclusions".
func LoadRuleFile(filePath string) ([]string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open rule file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}

	return patterns, nil
}
