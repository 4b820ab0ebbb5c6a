package resource

import (
	"bytes"
	"context"
	"sort"
	"strings"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Kek20703/CloudStorage/internal/keyspace"
	"github.com/Kek20703/CloudStorage/internal/storage"
)

// putMarker stores the zero-byte object for a directory key.
func (s *Service) putMarker(ctx context.Context, key string) error {
	if err := s.backend.PutObject(ctx, key, bytes.NewReader(nil), 0); err != nil {
		return storageFailure("create directory", keyspace.RemoveUserPrefix(key), err)
	}
	return nil
}

// missingParents returns the ancestor directories of the relative paths
// that have no marker yet, shallowest first. It fails ALREADY_EXISTS when
// a file already holds the name of a needed directory.
func (s *Service) missingParents(ctx context.Context, tenantID int64, relPaths ...string) ([]string, error) {
	seen := make(map[string]struct{})
	var missing []string
	for _, rel := range relPaths {
		for _, parent := range keyspace.Parents(rel) {
			if _, ok := seen[parent]; ok {
				continue
			}
			seen[parent] = struct{}{}

			_, err := s.backend.StatObject(ctx, keyspace.ToKey(tenantID, parent))
			if err == nil {
				continue
			}
			if !errors.Is(err, storage.ErrNotExist) {
				return nil, storageFailure("stat", parent, err)
			}

			// no marker; make sure no file shadows the directory name
			fileKey := keyspace.ToKey(tenantID, strings.TrimSuffix(parent, keyspace.Separator))
			if _, err := s.backend.StatObject(ctx, fileKey); err == nil {
				return nil, alreadyExists(strings.TrimSuffix(parent, keyspace.Separator))
			} else if !errors.Is(err, storage.ErrNotExist) {
				return nil, storageFailure("stat", parent, err)
			}
			missing = append(missing, parent)
		}
	}
	return missing, nil
}

// ensureParents creates the missing ancestor markers of relPath.
func (s *Service) ensureParents(ctx context.Context, tenantID int64, relPath string) error {
	missing, err := s.missingParents(ctx, tenantID, relPath)
	if err != nil {
		return err
	}
	for _, parent := range missing {
		if err := s.putMarker(ctx, keyspace.ToKey(tenantID, parent)); err != nil {
			return err
		}
	}
	return nil
}

// deleteTree removes every object below dirKey. Files are removed in
// parallel first, then markers deepest first so a directory is always
// empty when its marker goes. The marker of dirKey itself is kept when
// keepRoot is set.
func (s *Service) deleteTree(ctx context.Context, dirKey string, keepRoot bool) error {
	rel := keyspace.RemoveUserPrefix(dirKey)
	objects, err := s.backend.ListObjects(ctx, dirKey, true)
	if err != nil {
		return storageFailure("list", rel, err)
	}

	var markers []string
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.copyConcurrency)
	for _, o := range objects {
		if o.Key == dirKey {
			continue
		}
		if o.IsDir() {
			markers = append(markers, o.Key)
			continue
		}
		key := o.Key
		g.Go(func() error {
			if err := s.backend.RemoveObject(gctx, key); err != nil {
				return storageFailure("delete", keyspace.RemoveUserPrefix(key), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// a child key always extends its parent's key
	sort.Slice(markers, func(i, j int) bool { return len(markers[i]) > len(markers[j]) })
	if !keepRoot {
		markers = append(markers, dirKey)
	}
	for _, m := range markers {
		if err := s.backend.RemoveObject(ctx, m); err != nil {
			return storageFailure("delete", keyspace.RemoveUserPrefix(m), err)
		}
	}
	return nil
}

// copyTree copies every object below srcKey to the same relative key
// below dstKey with bounded parallelism. Nothing is copied when any
// destination key is already taken. The destination marker is created
// even when the source directory had none.
func (s *Service) copyTree(ctx context.Context, srcKey, dstKey string) error {
	dstRel := keyspace.RemoveUserPrefix(dstKey)

	objects, err := s.backend.ListObjects(ctx, srcKey, true)
	if err != nil {
		return storageFailure("list", keyspace.RemoveUserPrefix(srcKey), err)
	}
	taken, err := s.backend.ListObjects(ctx, dstKey, true)
	if err != nil {
		return storageFailure("list", dstRel, err)
	}
	if len(taken) > 0 {
		return alreadyExists(keyspace.RemoveUserPrefix(taken[0].Key))
	}

	hasMarker := false
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.copyConcurrency)
	for _, o := range objects {
		src := o.Key
		dst := dstKey + strings.TrimPrefix(src, srcKey)
		if src == srcKey {
			hasMarker = true
		}
		g.Go(func() error {
			if err := s.backend.CopyObject(gctx, src, dst); err != nil {
				return storageFailure("copy", keyspace.RemoveUserPrefix(src), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if !hasMarker {
		return s.putMarker(ctx, dstKey)
	}
	return nil
}

// listChildren returns the immediate children of dirKey, excluding the
// directory's own marker. found is false when nothing at all is stored
// under dirKey.
func (s *Service) listChildren(ctx context.Context, dirKey string) (children []Resource, found bool, err error) {
	objects, err := s.backend.ListObjects(ctx, dirKey, false)
	if err != nil {
		return nil, false, storageFailure("list", keyspace.RemoveUserPrefix(dirKey), err)
	}

	children = make([]Resource, 0, len(objects))
	for _, o := range objects {
		if o.Key == dirKey {
			continue
		}
		children = append(children, Describe(keyspace.RemoveUserPrefix(o.Key), o.Size))
	}
	return children, len(objects) > 0, nil
}
