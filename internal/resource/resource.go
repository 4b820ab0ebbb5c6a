// Package resource exposes a per-tenant hierarchical file store on top of
// a flat object store.
//
// Directories are emulated with zero-byte marker objects whose keys end in
// "/". All paths accepted and returned here are relative to the tenant root:
// "" is the root, "docs/" a directory and "docs/a.txt" a file.
package resource

import (
	"io"

	"github.com/Kek20703/CloudStorage/internal/keyspace"
)

// Type distinguishes files from directories in descriptors.
type Type string

const (
	TypeFile      Type = "FILE"
	TypeDirectory Type = "DIRECTORY"
)

// Resource describes a file or directory. Path is the parent directory
// with a trailing "/" ("" for top-level entries). Directory names carry a
// trailing "/" and Size is set only for files.
type Resource struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Size *int64 `json:"size,omitempty"`
	Type Type   `json:"type"`
}

// Upload is one file of a Save request. Name may contain "/" to place the
// file in a nested directory below the target.
type Upload struct {
	Name string
	Body io.Reader
	Size int64
}

// Download is the content returned by Get. Directories are returned as a
// zip archive streamed while it is read; Size is -1 in that case.
type Download struct {
	Name    string
	Body    io.ReadCloser
	Size    int64
	Archive bool
}

// Describe builds the descriptor for a relative path. size is ignored for
// directories.
func Describe(relPath string, size int64) Resource {
	if relPath == "" || keyspace.IsDirectory(relPath) {
		return Resource{
			Path: keyspace.ExtractPath(relPath),
			Name: keyspace.ExtractName(relPath) + keyspace.Separator,
			Type: TypeDirectory,
		}
	}
	return Resource{
		Path: keyspace.ExtractPath(relPath),
		Name: keyspace.ExtractName(relPath),
		Size: &size,
		Type: TypeFile,
	}
}
