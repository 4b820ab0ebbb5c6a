package resource

import (
	"context"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"

	"github.com/Kek20703/CloudStorage/internal/events"
	"github.com/Kek20703/CloudStorage/internal/keyspace"
	"github.com/Kek20703/CloudStorage/internal/logging"
	"github.com/Kek20703/CloudStorage/internal/metrics"
	"github.com/Kek20703/CloudStorage/internal/storage"
)

// DefaultCopyConcurrency bounds parallel object copies and deletes during
// directory moves and recursive deletes.
const DefaultCopyConcurrency = 10

// Service implements the resource operations for all tenants. Every
// operation takes the tenant ID explicitly and never touches keys outside
// that tenant's prefix.
//
// Operations are not transactional. Concurrent writers to the same path
// race and the last completed write wins.
type Service struct {
	backend         storage.Backend
	copyConcurrency int
	maxPathLength   int
	events          *events.Broadcaster
}

// Option configures a Service.
type Option func(*Service)

// WithCopyConcurrency sets how many objects are copied or deleted at once.
func WithCopyConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.copyConcurrency = n
		}
	}
}

// WithMaxPathLength sets the longest relative path accepted. Zero disables
// the check.
func WithMaxPathLength(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxPathLength = n
		}
	}
}

// WithEvents publishes a change event for every successful mutation.
func WithEvents(b *events.Broadcaster) Option {
	return func(s *Service) {
		s.events = b
	}
}

// NewService creates a Service over backend.
func NewService(backend storage.Backend, opts ...Option) *Service {
	s := &Service{
		backend:         backend,
		copyConcurrency: DefaultCopyConcurrency,
		maxPathLength:   keyspace.DefaultMaxPathLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) validate(relPath string) error {
	if err := keyspace.Validate(relPath, s.maxPathLength); err != nil {
		return invalidInput(relPath, err.Error())
	}
	return nil
}

func (s *Service) observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(errors.GetCode(err))
	}
	metrics.RecordResourceOperation(op, outcome, time.Since(start))
}

func (s *Service) publish(e events.Event) {
	if s.events != nil {
		s.events.Publish(e)
	}
}

// CreateDefaultUserDirectory creates the root marker of a new tenant.
// Calling it again for the same tenant is harmless.
func (s *Service) CreateDefaultUserDirectory(ctx context.Context, tenantID int64) (err error) {
	defer func(start time.Time) { s.observe("create_root", start, err) }(time.Now())

	if err := s.putMarker(ctx, keyspace.UserPrefix(tenantID)); err != nil {
		return err
	}
	logging.WithContext(ctx).Info("created tenant root", logging.Tenant(tenantID))
	return nil
}

// Save uploads files into the directory dir. Nothing is written if any
// target is already occupied or named twice in the request. Missing parent
// directories are created. A storage failure part way leaves the files
// stored before it in place.
func (s *Service) Save(ctx context.Context, tenantID int64, dir string, files []Upload) (saved []Resource, err error) {
	defer func(start time.Time) { s.observe("save", start, err) }(time.Now())

	if err := s.validate(dir); err != nil {
		return nil, err
	}
	dir = keyspace.AsDirectory(dir)
	if len(files) == 0 {
		return nil, invalidInput(dir, "no files to upload")
	}

	rels := make([]string, len(files))
	inRequest := make(map[string]struct{}, len(files))
	for i, f := range files {
		if f.Name == "" || keyspace.IsDirectory(f.Name) {
			return nil, invalidInput(dir+f.Name, "file name must not be empty or end with a separator")
		}
		rel := dir + f.Name
		if err := s.validate(rel); err != nil {
			return nil, err
		}
		if _, dup := inRequest[rel]; dup {
			return nil, alreadyExists(rel)
		}
		inRequest[rel] = struct{}{}
		rels[i] = rel
	}

	for _, rel := range rels {
		for _, parent := range keyspace.Parents(rel) {
			if _, clash := inRequest[strings.TrimSuffix(parent, keyspace.Separator)]; clash {
				return nil, alreadyExists(parent)
			}
		}
		taken, err := s.occupied(ctx, keyspace.ToKey(tenantID, rel))
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, alreadyExists(rel)
		}
	}

	missing, err := s.missingParents(ctx, tenantID, rels...)
	if err != nil {
		return nil, err
	}
	for _, parent := range missing {
		if err := s.putMarker(ctx, keyspace.ToKey(tenantID, parent)); err != nil {
			return nil, err
		}
	}

	saved = make([]Resource, 0, len(files))
	for i, f := range files {
		key := keyspace.ToKey(tenantID, rels[i])
		if err := s.backend.PutObject(ctx, key, f.Body, f.Size); err != nil {
			return saved, errors.WithContext(storageFailure("upload", rels[i], err), "stored", i)
		}
		info, err := s.backend.StatObject(ctx, key)
		if err != nil {
			return saved, errors.WithContext(storageFailure("stat", rels[i], err), "stored", i+1)
		}
		saved = append(saved, Describe(rels[i], info.Size))
		s.publish(events.Event{Type: events.EventCreate, TenantID: tenantID, Path: rels[i], Size: info.Size})
	}

	logging.WithContext(ctx).Info("saved files",
		logging.Tenant(tenantID),
		zap.String("dir", dir),
		zap.Int("count", len(saved)),
	)
	return saved, nil
}

// Delete removes a file, or a directory with everything below it.
// Deleting the root ("") empties the tenant's storage but keeps the root.
func (s *Service) Delete(ctx context.Context, tenantID int64, path string) (err error) {
	defer func(start time.Time) { s.observe("delete", start, err) }(time.Now())

	if err := s.validate(path); err != nil {
		return err
	}
	key := keyspace.ToKey(tenantID, path)

	if path == "" {
		if err := s.deleteTree(ctx, key, true); err != nil {
			return err
		}
		s.publish(events.Event{Type: events.EventDelete, TenantID: tenantID, Path: path})
		return nil
	}

	found, err := s.exists(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return notFound(path)
	}

	if keyspace.IsDirectory(path) {
		err = s.deleteTree(ctx, key, false)
	} else if rmErr := s.backend.RemoveObject(ctx, key); rmErr != nil {
		err = storageFailure("delete", path, rmErr)
	}
	if err != nil {
		return err
	}

	logging.WithContext(ctx).Info("deleted resource", logging.Tenant(tenantID), zap.String("path", path))
	s.publish(events.Event{Type: events.EventDelete, TenantID: tenantID, Path: path})
	return nil
}

// Get opens a file for reading, or a directory as a zip archive of the
// files below it. The caller must close Download.Body.
func (s *Service) Get(ctx context.Context, tenantID int64, path string) (dl *Download, err error) {
	defer func(start time.Time) { s.observe("get", start, err) }(time.Now())

	if err := s.validate(path); err != nil {
		return nil, err
	}
	key := keyspace.ToKey(tenantID, path)

	if path == "" || keyspace.IsDirectory(path) {
		body, err := s.openArchive(ctx, key)
		if err != nil {
			return nil, err
		}
		return &Download{Name: archiveName(path), Body: body, Size: -1, Archive: true}, nil
	}

	info, err := s.backend.StatObject(ctx, key)
	if err != nil {
		return nil, storageFailure("stat", path, err)
	}
	body, err := s.backend.GetObject(ctx, key)
	if err != nil {
		return nil, storageFailure("read", path, err)
	}
	return &Download{Name: keyspace.ExtractName(path), Body: body, Size: info.Size}, nil
}

// GetInfo returns the descriptor of a file or directory.
func (s *Service) GetInfo(ctx context.Context, tenantID int64, path string) (res Resource, err error) {
	defer func(start time.Time) { s.observe("get_info", start, err) }(time.Now())

	if err := s.validate(path); err != nil {
		return Resource{}, err
	}
	return s.describeStored(ctx, tenantID, path)
}

func (s *Service) describeStored(ctx context.Context, tenantID int64, path string) (Resource, error) {
	key := keyspace.ToKey(tenantID, path)
	if path == "" || keyspace.IsDirectory(path) {
		found, err := s.exists(ctx, key)
		if err != nil {
			return Resource{}, err
		}
		if !found {
			return Resource{}, notFound(path)
		}
		return Describe(path, 0), nil
	}

	info, err := s.backend.StatObject(ctx, key)
	if err != nil {
		return Resource{}, storageFailure("stat", path, err)
	}
	return Describe(path, info.Size), nil
}

// Rename moves a file or directory to a new path. Content is copied first
// and the source removed only after every copy succeeded, so a failure
// leaves the source intact.
func (s *Service) Rename(ctx context.Context, tenantID int64, from, to string) (res Resource, err error) {
	defer func(start time.Time) { s.observe("rename", start, err) }(time.Now())

	if err := s.validate(from); err != nil {
		return Resource{}, err
	}
	if err := s.validate(to); err != nil {
		return Resource{}, err
	}
	if from == "" {
		return Resource{}, invalidInput(from, "the root directory cannot be moved")
	}

	isDir := keyspace.IsDirectory(from)
	if isDir != (to == "" || keyspace.IsDirectory(to)) {
		return Resource{}, invalidInput(to, "source and target must both be files or both be directories")
	}

	fromKey := keyspace.ToKey(tenantID, from)
	toKey := keyspace.ToKey(tenantID, to)
	if toKey == fromKey {
		return Resource{}, invalidInput(to, "source and target are the same")
	}
	if isDir && strings.HasPrefix(toKey, fromKey) {
		return Resource{}, invalidInput(to, "a directory cannot be moved into itself")
	}

	found, err := s.exists(ctx, fromKey)
	if err != nil {
		return Resource{}, err
	}
	if !found {
		return Resource{}, notFound(from)
	}
	taken, err := s.occupied(ctx, toKey)
	if err != nil {
		return Resource{}, err
	}
	if taken {
		return Resource{}, alreadyExists(to)
	}

	if err := s.ensureParents(ctx, tenantID, to); err != nil {
		return Resource{}, err
	}

	if isDir {
		if err := s.copyTree(ctx, fromKey, toKey); err != nil {
			return Resource{}, err
		}
		if err := s.deleteTree(ctx, fromKey, false); err != nil {
			return Resource{}, err
		}
	} else {
		if err := s.backend.CopyObject(ctx, fromKey, toKey); err != nil {
			return Resource{}, storageFailure("copy", from, err)
		}
		if err := s.backend.RemoveObject(ctx, fromKey); err != nil {
			return Resource{}, storageFailure("delete", from, err)
		}
	}

	logging.WithContext(ctx).Info("moved resource",
		logging.Tenant(tenantID),
		zap.String("from", from),
		zap.String("to", to),
	)
	s.publish(events.Event{Type: events.EventMove, TenantID: tenantID, Path: from, NewPath: to})
	return s.describeStored(ctx, tenantID, to)
}

// CreateEmptyDirectory creates a directory marker at path, creating
// missing parents on the way.
func (s *Service) CreateEmptyDirectory(ctx context.Context, tenantID int64, path string) (res Resource, err error) {
	defer func(start time.Time) { s.observe("create_directory", start, err) }(time.Now())

	if err := s.validate(path); err != nil {
		return Resource{}, err
	}
	if path == "" {
		return Resource{}, invalidInput(path, "directory path must not be empty")
	}
	path = keyspace.AsDirectory(path)
	key := keyspace.ToKey(tenantID, path)

	taken, err := s.occupied(ctx, key)
	if err != nil {
		return Resource{}, err
	}
	if taken {
		return Resource{}, alreadyExists(path)
	}
	if err := s.ensureParents(ctx, tenantID, path); err != nil {
		return Resource{}, err
	}
	if err := s.putMarker(ctx, key); err != nil {
		return Resource{}, err
	}

	s.publish(events.Event{Type: events.EventMkdir, TenantID: tenantID, Path: path})
	return Describe(path, 0), nil
}

// Search returns every file and directory of the tenant whose own name
// contains query, compared case-insensitively. Results are ordered by
// path and contain no duplicates.
func (s *Service) Search(ctx context.Context, tenantID int64, query string) (found []Resource, err error) {
	defer func(start time.Time) { s.observe("search", start, err) }(time.Now())

	root := keyspace.UserPrefix(tenantID)
	objects, err := s.backend.ListObjects(ctx, root, true)
	if err != nil {
		return nil, storageFailure("list", "", err)
	}

	needle := strings.ToLower(query)
	seen := make(map[string]struct{})
	found = make([]Resource, 0)
	for _, o := range objects {
		if o.Key == root {
			continue
		}
		rel := keyspace.RemoveUserPrefix(o.Key)
		if !strings.Contains(strings.ToLower(keyspace.ExtractName(rel)), needle) {
			continue
		}
		if _, dup := seen[rel]; dup {
			continue
		}
		seen[rel] = struct{}{}
		found = append(found, Describe(rel, o.Size))
	}
	return found, nil
}

// GetDirectoryContentInfo lists the immediate children of a directory:
// files and subdirectories, without the directory itself.
func (s *Service) GetDirectoryContentInfo(ctx context.Context, tenantID int64, path string) (children []Resource, err error) {
	defer func(start time.Time) { s.observe("list_directory", start, err) }(time.Now())

	if err := s.validate(path); err != nil {
		return nil, err
	}
	path = keyspace.AsDirectory(path)

	children, found, err := s.listChildren(ctx, keyspace.ToKey(tenantID, path))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, notFound(path)
	}
	return children, nil
}
