package pathutil

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// Rule is a single parsed filter line: either a comment (ignored at match
// time) or a compiled glob.
type Rule struct {
	raw     string
	comment bool
	anchor  bool // rule started with "/": anchored at the logical root
	matcher *ignore.GitIgnore
}

// FilterSet is an ordered collection of Rules loaded from JobConfig.filters
// (spec §3, §4.1). A key matches the set — and is therefore excluded — if
// any non-comment rule matches it. Directory tests are run with a trailing
// "/" appended to the key; file tests are run without one.
type FilterSet struct {
	rules []Rule
}

// ParseFilters compiles a list of raw filter lines (as stored on
// JobConfig.filters) into a FilterSet. Blank lines and lines starting with
// "#" are comments and never match.
func ParseFilters(lines []string) (*FilterSet, error) {
	fs := &FilterSet{}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			fs.rules = append(fs.rules, Rule{raw: line, comment: true})
			continue
		}

		anchored := strings.HasPrefix(trimmed, "/")
		pattern := trimmed
		pattern = strings.TrimPrefix(pattern, "/")
		pattern = strings.TrimPrefix(pattern, "**/")

		gi := ignore.CompileIgnoreLines(pattern)

		fs.rules = append(fs.rules, Rule{
			raw:     line,
			anchor:  anchored,
			matcher: gi,
		})
	}

	return fs, nil
}

// ParseFilterFile reads filter rules from r, one per line, in the same
// format as ParseFilters.
func ParseFilterFile(r io.Reader) (*FilterSet, error) {
	var lines []string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("pathutil: reading filter file: %w", err)
	}

	return ParseFilters(lines)
}

// Excluded reports whether key should be excluded from sync. isDir controls
// whether the directory form (trailing "/") or the file form is tested, per
// spec §4.1: "Folder tests use a trailing '/'; file tests do not."
func (fs *FilterSet) Excluded(key string, isDir bool) bool {
	if fs == nil {
		return false
	}

	testPath := key
	if isDir {
		testPath += "/"
	}

	for _, r := range fs.rules {
		if r.comment || r.matcher == nil {
			continue
		}

		candidate := testPath
		if r.anchor {
			// Anchored rules match only from the logical root; the
			// go-gitignore matcher already treats a bare pattern as
			// rooted, so we feed it the full key unaltered.
			candidate = testPath
		} else {
			// Unanchored (and "**/" prefixed) rules may match at any
			// depth — try every suffix starting at a path separator.
			if fs.matchesAnySuffix(r, testPath) {
				return true
			}
			continue
		}

		if r.matcher.MatchesPath(candidate) {
			return true
		}
	}

	return false
}

func (fs *FilterSet) matchesAnySuffix(r Rule, testPath string) bool {
	if r.matcher.MatchesPath(testPath) {
		return true
	}

	segments := strings.Split(strings.TrimSuffix(testPath, "/"), "/")
	for i := 1; i < len(segments); i++ {
		suffix := strings.Join(segments[i:], "/")
		if testPath != suffix && strings.HasSuffix(testPath, "/") {
			suffix += "/"
		}

		if r.matcher.MatchesPath(suffix) {
			return true
		}
	}

	return false
}

// LogRules emits the parsed rule set at debug level, useful when diagnosing
// unexpected sync scope (spec §7: filter decisions are reported in progress).
func (fs *FilterSet) LogRules(logger *slog.Logger) {
	if fs == nil || logger == nil {
		return
	}

	for _, r := range fs.rules {
		if r.comment {
			continue
		}

		logger.Debug("filter rule", "raw", r.raw, "anchored", r.anchor)
	}
}
