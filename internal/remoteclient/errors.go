// Package remoteclient implements the abstract remote-drive client (spec
// §4.5): an HTTP client against "any compatible provider" exposing list,
// detail, folder/file creation, part upload, completion, and move/delete
// operations, wrapped in the retry-and-rate-limit protocol of §4.5/§6.
package remoteclient

import (
	"errors"
	"fmt"
)

// Category classifies a remote-drive error into one of the buckets spec
// §6/§7 require callers to distinguish.
type Category int

// Error categories, per spec §6: "error responses must be distinguishable
// into categories {rate-limited, not-found, conflict-pre-hash-matched,
// already-exists, auth, other}".
const (
	CategoryOther Category = iota
	CategoryRateLimited
	CategoryNotFound
	CategoryConflictPreHashMatched
	CategoryAlreadyExists
	CategoryAuth
)

func (c Category) String() string {
	switch c {
	case CategoryRateLimited:
		return "rate-limited"
	case CategoryNotFound:
		return "not-found"
	case CategoryConflictPreHashMatched:
		return "conflict-pre-hash-matched"
	case CategoryAlreadyExists:
		return "already-exists"
	case CategoryAuth:
		return "auth"
	default:
		return "other"
	}
}

// Sentinel errors for errors.Is-based classification, mirroring the
// teacher's graph.GraphError sentinel pattern.
var (
	ErrRateLimited    = errors.New("remoteclient: rate limited")
	ErrNotFound       = errors.New("remoteclient: not found")
	ErrPreHashMatched = errors.New("remoteclient: pre-hash matched")
	ErrAlreadyExists  = errors.New("remoteclient: already exists")
	ErrAuth           = errors.New("remoteclient: authentication required")
	ErrOther          = errors.New("remoteclient: request failed")
)

// Error wraps a sentinel with status code, category, request context, and
// an optional server-advised retry interval (spec §4.5, §6).
type Error struct {
	Category   Category
	StatusCode int
	Message    string
	RetryAfter int // seconds; 0 if not advised
	Err        error
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("remoteclient: %s (HTTP %d, retry-after %ds): %s",
			e.Category, e.StatusCode, e.RetryAfter, e.Message)
	}

	return fmt.Sprintf("remoteclient: %s (HTTP %d): %s", e.Category, e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// classify maps an HTTP status code and response signal to a Category and
// its sentinel error.
func classify(statusCode int, preHashMatched bool) (Category, error) {
	switch {
	case preHashMatched:
		return CategoryConflictPreHashMatched, ErrPreHashMatched
	case statusCode == 401 || statusCode == 403:
		return CategoryAuth, ErrAuth
	case statusCode == 404 || statusCode == 410:
		return CategoryNotFound, ErrNotFound
	case statusCode == 409:
		return CategoryAlreadyExists, ErrAlreadyExists
	case statusCode == 429:
		return CategoryRateLimited, ErrRateLimited
	default:
		return CategoryOther, ErrOther
	}
}
