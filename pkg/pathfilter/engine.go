// Package pathfilter decides which workspace paths enter the memory
// sync pipeline. Matching follows gitignore semantics: a pattern with
// no slash matches by basename at any depth, a trailing slash restricts
// a pattern to directories, and a leading ! re-includes a path excluded
// by an earlier rule. An excluded directory prunes its whole subtree.
package pathfilter

import (
	"path/filepath"
	"strings"
	"sync"
)

// Reason tags explain why a decision came out the way it did
type Reason string

const (
	// ReasonDefault means no rule matched and the path is included
	ReasonDefault Reason = "default"
	// ReasonBuiltin means a non-removable builtin rule excluded the path
	ReasonBuiltin Reason = "builtin"
	// ReasonRule means a user rule excluded the path
	ReasonRule Reason = "rule"
	// ReasonNegated means a negation rule re-included the path
	ReasonNegated Reason = "negated"
	// ReasonParent means an ancestor directory is excluded
	ReasonParent Reason = "parent-excluded"
)

// Decision is the pure output of a filtering pass for one path
type Decision struct {
	Excluded bool
	Rule     *Rule // matched rule, nil when nothing matched
	Reason   Reason
}

// LowInclusionThreshold is the inclusion rate below which the engine
// reports a likely misconfiguration.
const LowInclusionThreshold = 0.10

// lowInclusionMinSamples avoids advisories on tiny trees
const lowInclusionMinSamples = 20

// Engine evaluates paths against a fixed rule set. Decisions are
// deterministic and side-effect free; the engine only accumulates
// counters for the inclusion-rate advisory.
type Engine struct {
	rules *RuleSet

	mu       sync.Mutex
	decided  int
	included int
}

// NewEngine creates an engine over the given rule set. A nil rule set
// falls back to the builtin defaults.
func NewEngine(rules *RuleSet) *Engine {
	if rules == nil {
		rules = DefaultRuleSet()
	}
	return &Engine{rules: rules}
}

// NewEngineForProject loads the project's optional ignore file and
// builds an engine from it. A missing or empty file means only the
// builtin exclusions apply.
func NewEngineForProject(projectRoot, ignoreFileName string) (*Engine, error) {
	patterns, err := LoadRuleFile(filepath.Join(projectRoot, ignoreFileName))
	if err != nil {
		return nil, err
	}
	return NewEngine(NewRuleSet(patterns)), nil
}

// Decide evaluates a path relative to the project root. relPath uses
// either native or slash separators; isDir states whether the path
// names a directory. The call is total: any syntactically valid path
// yields a decision.
func (e *Engine) Decide(relPath string, isDir bool) Decision {
	d := e.decide(relPath, isDir)
	e.record(d)
	return d
}

func (e *Engine) decide(relPath string, isDir bool) Decision {
	relPath = filepath.ToSlash(filepath.Clean(relPath))
	if relPath == "." || relPath == "/" || relPath == "" {
		return Decision{Excluded: false, Reason: ReasonDefault}
	}
	relPath = strings.TrimPrefix(relPath, "/")

	// An excluded ancestor is final: nothing below it is evaluated,
	// so file-level negations cannot resurrect a pruned subtree.
	segments := strings.Split(relPath, "/")
	for i := 1; i < len(segments); i++ {
		prefix := strings.Join(segments[:i], "/")
		if d := e.matchRules(prefix, true); d.Excluded {
			return Decision{Excluded: true, Rule: d.Rule, Reason: ReasonParent}
		}
	}

	return e.matchRules(relPath, isDir)
}

// matchRules applies builtin rules first (a builtin match is final),
// then user rules with last-match-wins semantics.
func (e *Engine) matchRules(relPath string, isDir bool) Decision {
	for _, rule := range e.rules.builtin {
		if rule.Match(relPath, isDir) {
			return Decision{Excluded: true, Rule: rule, Reason: ReasonBuiltin}
		}
	}

	var matched *Rule
	for _, rule := range e.rules.user {
		if rule.Match(relPath, isDir) {
			matched = rule
		}
	}

	if matched == nil {
		return Decision{Excluded: false, Reason: ReasonDefault}
	}
	if matched.Negate {
		return Decision{Excluded: false, Rule: matched, Reason: ReasonNegated}
	}
	return Decision{Excluded: true, Rule: matched, Reason: ReasonRule}
}

func (e *Engine) record(d Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.decided++
	if !d.Excluded {
		e.included++
	}
}

// InclusionRate returns the fraction of decided paths that were
// included, and whether enough paths were seen for the rate to mean
// anything.
func (e *Engine) InclusionRate() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.decided < lowInclusionMinSamples {
		return 0, false
	}
	return float64(e.included) / float64(e.decided), true
}

// LowInclusion reports whether the effective inclusion rate is low
// enough to suggest a misconfigured rule file. Advisory only; callers
// log it and continue.
func (e *Engine) LowInclusion() bool {
	rate, ok := e.InclusionRate()
	return ok && rate < LowInclusionThreshold
}
