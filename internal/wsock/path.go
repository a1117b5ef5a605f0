package wsock

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Sentinel errors for path handling.
var (
	// ErrEmptyPath indicates the service path is empty.
	ErrEmptyPath = errors.New("path is empty")

	// ErrNotAbsolutePath indicates the service path does not begin with '/'.
	ErrNotAbsolutePath = errors.New("path is not an absolute path")

	// ErrPathHasQueryOrFragment indicates the service path contains a
	// query ('?') or fragment ('#') component.
	ErrPathHasQueryOrFragment = errors.New("path includes either or both query and fragment components")
)

// ValidatePath checks the service path grammar: non-empty, absolute, and
// free of query and fragment components.
func ValidatePath(path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	if path[0] != '/' {
		return fmt.Errorf("path %q: %w", path, ErrNotAbsolutePath)
	}
	if strings.ContainsAny(path, "?#") {
		return fmt.Errorf("path %q: %w", path, ErrPathHasQueryOrFragment)
	}
	return nil
}

// NormalizePath returns the canonical form of a service path: URL-decoded,
// with a single trailing '/' trimmed unless the result would be empty, in
// which case "/" is returned. The same rule applies on both the store and
// lookup sides, and the function is idempotent.
func NormalizePath(path string) string {
	if decoded, err := url.PathUnescape(path); err == nil {
		path = decoded
	}
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return "/"
	}
	return path
}
