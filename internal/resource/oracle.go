package resource

import (
	"context"
	"strings"

	"github.com/Kek20703/CloudStorage/internal/keyspace"
)

// exists reports whether key names a stored resource. A directory exists
// when anything is stored under its prefix, marker or not. A file exists
// only when the exact key is present, so "a.txt" is not found because of
// "a.txt.bak".
func (s *Service) exists(ctx context.Context, key string) (bool, error) {
	objects, err := s.backend.ListObjects(ctx, key, false)
	if err != nil {
		return false, storageFailure("list", keyspace.RemoveUserPrefix(key), err)
	}
	if keyspace.IsDirectory(key) {
		return len(objects) > 0, nil
	}
	for _, o := range objects {
		if o.Key == key {
			return true, nil
		}
	}
	return false, nil
}

// occupied reports whether either a file or a directory already holds the
// name of key. Creating "docs/" is refused when a file "docs" exists and
// the other way round.
func (s *Service) occupied(ctx context.Context, key string) (bool, error) {
	bare := strings.TrimSuffix(key, keyspace.Separator)
	objects, err := s.backend.ListObjects(ctx, bare, false)
	if err != nil {
		return false, storageFailure("list", keyspace.RemoveUserPrefix(key), err)
	}
	for _, o := range objects {
		if o.Key == bare || o.Key == bare+keyspace.Separator {
			return true, nil
		}
	}
	return false, nil
}
