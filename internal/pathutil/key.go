// Package pathutil implements path normalization, key derivation, and glob
// filter matching shared by the scanner, reconciler, and mount adapter.
package pathutil

import (
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize collapses separators and strips leading/trailing slashes,
// returning the forward-slash canonical form used as a Key throughout
// the index cache and reconciler.
func Normalize(p string) string {
	p = filepathToSlash(p)
	p = norm.NFC.String(p)

	segments := strings.Split(p, "/")
	kept := segments[:0]

	for _, s := range segments {
		if s == "" || s == "." {
			continue
		}
		kept = append(kept, s)
	}

	return strings.Join(kept, "/")
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// ToKey derives a LocalEntry/RemoteEntry key from a root directory and a
// full (or relative) path under it: "<basename(root)>/<relpath>",
// normalized. An empty relpath yields just the root's basename.
func ToKey(root, fullPath string) string {
	rootName := path.Base(Normalize(root))

	rel := strings.TrimPrefix(Normalize(fullPath), Normalize(root))
	rel = strings.TrimPrefix(rel, "/")

	if rel == "" {
		return rootName
	}

	return rootName + "/" + rel
}

// IsPrefix reports whether folderKey is a path-component prefix of key,
// i.e. key == folderKey or key starts with folderKey + "/". This is the
// invariant folders rely on (spec §3 invariant 2).
func IsPrefix(folderKey, key string) bool {
	if folderKey == "" {
		return true
	}
	if key == folderKey {
		return true
	}

	return strings.HasPrefix(key, folderKey+"/")
}

// Parent returns the logical parent key of key, or "" if key is a root
// entry (no "/" in it).
func Parent(key string) string {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return ""
	}

	return key[:idx]
}

// Base returns the final path component of key.
func Base(key string) string {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return key
	}

	return key[idx+1:]
}

// RewritePrefix rewrites key's leading oldPrefix to newPrefix, used when a
// folder rename/move must update every descendant key atomically (spec
// §4.9 MoveFile, §9 design notes). Returns key unchanged if it does not
// match oldPrefix under the IsPrefix rule.
func RewritePrefix(key, oldPrefix, newPrefix string) string {
	if key == oldPrefix {
		return newPrefix
	}

	if strings.HasPrefix(key, oldPrefix+"/") {
		return newPrefix + key[len(oldPrefix):]
	}

	return key
}
