package mount

import "path/filepath"

// findFilesWithPattern returns dirKey's currently known children whose name
// matches pattern (spec §4.9 FindFilesWithPattern: "Returns the in-memory
// children of the requested directory filtered by the pattern"). An empty
// pattern matches everything, matching a plain directory listing.
func (t *tree) findFilesWithPattern(dirKey, pattern string) []string {
	names := t.childNames(dirKey)

	if pattern == "" || pattern == "*" {
		return names
	}

	matched := make([]string, 0, len(names))

	for _, name := range names {
		ok, err := filepath.Match(pattern, name)
		if err == nil && ok {
			matched = append(matched, name)
		}
	}

	return matched
}
