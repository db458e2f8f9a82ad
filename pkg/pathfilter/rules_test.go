package pathfilter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRule(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		negate  bool
		dirOnly bool
	}{
		{"simple glob", "*.log", false, false},
		{"directory pattern", "build/", false, true},
		{"negation", "!keep.log", true, false},
		{"negated directory", "!docs/", true, true},
		{"anchored", "src/generated/*.go", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := ParseRule(tt.pattern, RuleSourceUser)
			require.NoError(t, err)
			assert.Equal(t, tt.negate, rule.Negate)
			assert.Equal(t, tt.dirOnly, rule.DirOnly)
			assert.Equal(t, RuleSourceUser, rule.Source)
		})
	}
}

func TestParseRule_Invalid(t *testing.T) {
	_, err := ParseRule("", RuleSourceUser)
	assert.Error(t, err)

	_, err = ParseRule("   ", RuleSourceUser)
	assert.Error(t, err)

	_, err = ParseRule("!/", RuleSourceUser)
	assert.Error(t, err)

	// Unbalanced bracket is not compilable
	_, err = ParseRule("[", RuleSourceUser)
	assert.Error(t, err)
}

func TestRuleMatch(t *testing.T) {
	tests := []struct {
		pattern string
		relPath string
		isDir   bool
		match   bool
	}{
		{"*.log", "debug.log", false, true},
		{"*.log", "logs/debug.log", false, true}, // basename match at any depth
		{"*.log", "app.py", false, false},
		{"build/", "build", true, true},
		{"build/", "build", false, false}, // dir-only pattern vs file
		{"build/", "sub/build", true, true},
		{"docs/*.md", "docs/readme.md", false, true},
		{"docs/*.md", "docs/deep/readme.md", false, false}, // * does not cross slashes
		{"docs/**", "docs/deep/readme.md", false, true},
		{"temp", "temp", true, true},
		{"temp", "temp", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.relPath, func(t *testing.T) {
			rule, err := ParseRule(tt.pattern, RuleSourceUser)
			require.NoError(t, err)
			assert.Equal(t, tt.match, rule.Match(tt.relPath, tt.isDir))
		})
	}
}

func TestNewRuleSet_SkipsMalformed(t *testing.T) {
	rs := NewRuleSet([]string{"*.log", "[", "build/"})
	assert.Equal(t, 1, rs.Skipped())
	// Builtins plus the two valid user rules
	assert.Equal(t, len(builtinPatterns)+2, rs.Len())
}

func TestLoadRuleFile(t *testing.T) {
	t.Run("missing file yields no patterns", func(t *testing.T) {
		patterns, err := LoadRuleFile(filepath.Join(t.TempDir(), ".cubeignore"))
		require.NoError(t, err)
		assert.Empty(t, patterns)
	})

	t.Run("comments and blanks ignored", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, ".cubeignore")
		content := "# generated artifacts\nbuild/\n\n*.log\n  \n!keep.log\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		patterns, err := LoadRuleFile(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"build/", "*.log", "!keep.log"}, patterns)
	})
}
