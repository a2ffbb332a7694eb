package reconcile

import (
	"fmt"
	"strings"
)

// maxConflictSuffix bounds the numeric suffix tried during conflict-name
// collision avoidance. Exceeding it is implausible; the bare "- copy" name
// is returned as a best-effort fallback.
const maxConflictSuffix = 1000

// splitNameExt splits a file name into (stem, ext). A name whose only dot
// is a leading one (e.g. ".bashrc") is treated as having no extension, so
// the conflict suffix is appended to the whole name rather than before the
// leading dot.
func splitNameExt(name string) (stem, ext string) {
	if strings.HasPrefix(name, ".") && strings.Count(name, ".") == 1 {
		return name, ""
	}

	idx := strings.LastIndex(name, ".")
	if idx <= 0 {
		return name, ""
	}

	return name[:idx], name[idx:]
}

// generateConflictName produces the spec §4.7 TwoWaySync conflict name
// "<stem> - copy[ (n)]<ext>": first "<stem> - copy<ext>", then
// "<stem> - copy (1)<ext>", "<stem> - copy (2)<ext>", ... until taken
// reports false for a candidate. taken decides whether a candidate name
// already conflicts with either side at the same parent.
func generateConflictName(stem, ext string, taken func(name string) bool) string {
	base := stem + " - copy" + ext
	if !taken(base) {
		return base
	}

	for n := 1; n <= maxConflictSuffix; n++ {
		candidate := fmt.Sprintf("%s - copy (%d)%s", stem, n, ext)
		if !taken(candidate) {
			return candidate
		}
	}

	return base
}
