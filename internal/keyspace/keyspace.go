// Package keyspace maps tenant-relative resource paths onto keys of the
// flat object namespace.
//
// Every tenant owns the prefix "user-<id>-files/". A key ending in "/" is a
// directory marker; every other key is a file. Paths handed to and returned
// by the resource layer are relative to the tenant prefix.
package keyspace

import (
	"errors"
	"fmt"
	"strings"
)

// Separator delimits path segments inside object keys.
const Separator = "/"

// DefaultMaxPathLength bounds a relative path accepted from clients.
const DefaultMaxPathLength = 200

// ErrInvalidPath is returned by Validate for malformed relative paths.
var ErrInvalidPath = errors.New("invalid path")

// UserPrefix returns the root key of the tenant's storage.
func UserPrefix(tenantID int64) string {
	return fmt.Sprintf("user-%d-files/", tenantID)
}

// ToKey converts a relative path to a full object key.
func ToKey(tenantID int64, relPath string) string {
	return UserPrefix(tenantID) + relPath
}

// RemoveUserPrefix strips the tenant prefix from a full key, keeping
// everything after the first separator. Keys without a separator are
// returned unchanged.
func RemoveUserPrefix(key string) string {
	i := strings.Index(key, Separator)
	if i < 0 {
		return key
	}
	return key[i+1:]
}

// IsDirectory reports whether p names a directory marker.
func IsDirectory(p string) bool {
	return strings.HasSuffix(p, Separator)
}

// AsDirectory appends the separator to p unless it is empty or already
// a directory path.
func AsDirectory(p string) string {
	if p == "" || IsDirectory(p) {
		return p
	}
	return p + Separator
}

// ExtractName returns the last segment of p without any trailing separator.
//
//	ExtractName("folder/folder2/") == "folder2"
//	ExtractName("folder/a.txt")    == "a.txt"
func ExtractName(p string) string {
	p = strings.TrimSuffix(p, Separator)
	if i := strings.LastIndex(p, Separator); i >= 0 {
		return p[i+1:]
	}
	return p
}

// ExtractPath returns the parent of p including its trailing separator,
// or "" when p lives directly under the root.
//
//	ExtractPath("folder/folder2/") == "folder/"
//	ExtractPath("a.txt")           == ""
func ExtractPath(p string) string {
	p = strings.TrimSuffix(p, Separator)
	if i := strings.LastIndex(p, Separator); i >= 0 {
		return p[:i+1]
	}
	return ""
}

// Parents lists every ancestor directory of p from the shallowest down,
// each with a trailing separator. The root itself is not included.
//
//	Parents("a/b/c.txt") == []string{"a/", "a/b/"}
func Parents(p string) []string {
	var out []string
	for parent := ExtractPath(p); parent != ""; parent = ExtractPath(parent) {
		out = append(out, parent)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Validate checks a relative path received from a client. The empty path
// denotes the tenant root and is always valid. maxLen <= 0 disables the
// length check.
func Validate(p string, maxLen int) error {
	if p == "" {
		return nil
	}
	if maxLen > 0 && len(p) > maxLen {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidPath, maxLen)
	}
	if strings.HasPrefix(p, Separator) {
		return fmt.Errorf("%w: %q must be relative", ErrInvalidPath, p)
	}
	if strings.ContainsAny(p, "\\\x00") {
		return fmt.Errorf("%w: %q contains a forbidden character", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(strings.TrimSuffix(p, Separator), Separator) {
		switch seg {
		case "":
			return fmt.Errorf("%w: %q contains an empty segment", ErrInvalidPath, p)
		case ".", "..":
			return fmt.Errorf("%w: %q contains a relative segment", ErrInvalidPath, p)
		}
	}
	return nil
}
