// Package local provides filesystem storage backends built on go-billy:
// an on-disk backend rooted at a directory and an in-memory backend.
//
// Keys map onto paths below the root. Directory markers become directories,
// so every directory on disk is visible as a marker in listings.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/Kek20703/CloudStorage/internal/logging"
	"github.com/Kek20703/CloudStorage/internal/metrics"
	"github.com/Kek20703/CloudStorage/internal/storage"
	"go.uber.org/zap"
)

const tempPrefix = ".cloudstorage-"

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `json:"root_path" yaml:"root_path"`
	CreateDirs bool   `json:"create_dirs" yaml:"create_dirs"`
}

// LocalBackend implements storage.Backend on a billy filesystem.
type LocalBackend struct {
	fs       billy.Filesystem
	typ      string
	rootPath string

	// memfs is not safe for concurrent use; serialize guards every call.
	serialize bool
	mu        sync.Mutex
}

// New creates a backend rooted at cfg.RootPath on the local disk.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	b := NewFromFilesystem(osfs.New(cfg.RootPath), "local", true)
	b.rootPath = cfg.RootPath
	return b, nil
}

// NewFromJSON creates a LocalBackend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*LocalBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

// NewMemory creates a backend that keeps every object in memory.
// Contents are lost when the process exits.
func NewMemory() *LocalBackend {
	return NewFromFilesystem(memfs.New(), "memory", false)
}

// NewFromFilesystem wraps an existing billy filesystem. Calls are
// serialized unless the filesystem is known to be safe for concurrent use.
func NewFromFilesystem(fs billy.Filesystem, typ string, concurrentSafe bool) *LocalBackend {
	return &LocalBackend{fs: fs, typ: typ, serialize: !concurrentSafe}
}

func (b *LocalBackend) lock() func() {
	if !b.serialize {
		return func() {}
	}
	b.mu.Lock()
	return b.mu.Unlock
}

// fsPath converts a key to an absolute path inside the filesystem.
func fsPath(key string) string {
	return "/" + strings.TrimSuffix(key, "/")
}

func (b *LocalBackend) record(op string, start time.Time, err error) {
	metrics.RecordStoreOperation(b.typ, op, time.Since(start), err == nil)
}

// PutObject writes body under key. Directory markers become directories;
// files are written to a temp file and renamed into place.
func (b *LocalBackend) PutObject(ctx context.Context, key string, body io.Reader, size int64) (err error) {
	start := time.Now()
	defer func() { b.record("put_object", start, err) }()
	defer b.lock()()

	if err := ctx.Err(); err != nil {
		return err
	}

	p := fsPath(key)
	if (storage.ObjectInfo{Key: key}).IsDir() {
		if err := b.fs.MkdirAll(p, 0755); err != nil {
			return fmt.Errorf("put object %s: %w", key, err)
		}
		return nil
	}

	if info, statErr := b.fs.Stat(p); statErr == nil && info.IsDir() {
		return fmt.Errorf("put object %s: a directory occupies the key", key)
	}

	n, err := b.writeFile(p, body)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	if size >= 0 && n != size {
		logging.Warn("local put size mismatch",
			zap.String("key", key),
			zap.Int64("declared", size),
			zap.Int64("written", n),
		)
	}

	logging.Debug("local put object", zap.String("key", key), zap.Int64("size", n))
	return nil
}

func (b *LocalBackend) writeFile(p string, body io.Reader) (int64, error) {
	dir := path.Dir(p)
	if err := b.fs.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("create dirs: %w", err)
	}

	tmp, err := b.fs.TempFile(dir, tempPrefix)
	if err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		b.fs.Remove(tmpName)
		return n, fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		b.fs.Remove(tmpName)
		return n, fmt.Errorf("close temp: %w", err)
	}

	if err := b.fs.Rename(tmpName, p); err != nil {
		b.fs.Remove(tmpName)
		return n, fmt.Errorf("rename temp: %w", err)
	}
	return n, nil
}

// GetObject opens the file stored under key. Directory markers read as
// empty objects.
func (b *LocalBackend) GetObject(ctx context.Context, key string) (rc io.ReadCloser, err error) {
	start := time.Now()
	defer func() { b.record("get_object", start, err) }()
	defer b.lock()()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := b.stat(key)
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	if info.IsDir() {
		return io.NopCloser(strings.NewReader("")), nil
	}

	f, err := b.fs.Open(fsPath(key))
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return f, nil
}

// stat resolves key to a FileInfo whose kind agrees with the key: file keys
// must be regular files and marker keys must be directories.
func (b *LocalBackend) stat(key string) (os.FileInfo, error) {
	info, err := b.fs.Stat(fsPath(key))
	if err != nil {
		return nil, err
	}
	if info.IsDir() != (storage.ObjectInfo{Key: key}).IsDir() {
		return nil, storage.ErrNotExist
	}
	return info, nil
}

// StatObject returns the size and modification time of key.
func (b *LocalBackend) StatObject(ctx context.Context, key string) (oi storage.ObjectInfo, err error) {
	start := time.Now()
	defer func() { b.record("stat_object", start, err) }()
	defer b.lock()()

	if err := ctx.Err(); err != nil {
		return storage.ObjectInfo{}, err
	}

	info, err := b.stat(key)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("stat object %s: %w", key, err)
	}
	return toObjectInfo(key, info), nil
}

func toObjectInfo(key string, info os.FileInfo) storage.ObjectInfo {
	oi := storage.ObjectInfo{Key: key, LastModified: info.ModTime()}
	if !info.IsDir() {
		oi.Size = info.Size()
	}
	return oi
}

// ListObjects lists entries below prefix the way an S3 delimiter listing
// would. A prefix naming an existing directory lists that directory's
// marker first.
func (b *LocalBackend) ListObjects(ctx context.Context, prefix string, recursive bool) (out []storage.ObjectInfo, err error) {
	start := time.Now()
	defer func() { b.record("list_objects", start, err) }()
	defer b.lock()()

	dirKey, namePrefix := "", prefix
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dirKey, namePrefix = prefix[:i+1], prefix[i+1:]
	}

	if namePrefix == "" && dirKey != "" {
		if info, statErr := b.fs.Stat(fsPath(dirKey)); statErr == nil && info.IsDir() {
			out = append(out, toObjectInfo(dirKey, info))
		}
	}

	entries, err := b.readDir(dirKey)
	if err != nil {
		return nil, fmt.Errorf("list objects %s: %w", prefix, err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), namePrefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := dirKey + e.Name()
		if !e.IsDir() {
			out = append(out, toObjectInfo(key, e))
			continue
		}
		out = append(out, toObjectInfo(key+"/", e))
		if recursive {
			if out, err = b.walk(ctx, key+"/", out); err != nil {
				return nil, fmt.Errorf("list objects %s: %w", prefix, err)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *LocalBackend) walk(ctx context.Context, dirKey string, out []storage.ObjectInfo) ([]storage.ObjectInfo, error) {
	entries, err := b.readDir(dirKey)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := dirKey + e.Name()
		if !e.IsDir() {
			out = append(out, toObjectInfo(key, e))
			continue
		}
		out = append(out, toObjectInfo(key+"/", e))
		if out, err = b.walk(ctx, key+"/", out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// readDir lists a directory, hiding in-flight temp files. A missing
// directory, or a file in its place, reads as empty.
func (b *LocalBackend) readDir(dirKey string) ([]os.FileInfo, error) {
	p := fsPath(dirKey)
	info, err := b.fs.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, nil
	}

	entries, err := b.fs.ReadDir(p)
	if err != nil {
		return nil, err
	}
	visible := entries[:0]
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), tempPrefix) {
			visible = append(visible, e)
		}
	}
	return visible, nil
}

// CopyObject copies srcKey to dstKey.
func (b *LocalBackend) CopyObject(ctx context.Context, srcKey, dstKey string) (err error) {
	start := time.Now()
	defer func() { b.record("copy_object", start, err) }()
	defer b.lock()()

	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := b.stat(srcKey)
	if err != nil {
		return fmt.Errorf("copy object %s: %w", srcKey, err)
	}
	if info.IsDir() {
		if err := b.fs.MkdirAll(fsPath(dstKey), 0755); err != nil {
			return fmt.Errorf("copy object %s -> %s: %w", srcKey, dstKey, err)
		}
		return nil
	}

	src, err := b.fs.Open(fsPath(srcKey))
	if err != nil {
		return fmt.Errorf("copy object %s: %w", srcKey, err)
	}
	defer src.Close()

	if _, err := b.writeFile(fsPath(dstKey), src); err != nil {
		return fmt.Errorf("copy object %s -> %s: %w", srcKey, dstKey, err)
	}
	return nil
}

// RemoveObject deletes key. A directory marker can only be removed once
// the directory is empty.
func (b *LocalBackend) RemoveObject(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { b.record("remove_object", start, err) }()
	defer b.lock()()

	if err := ctx.Err(); err != nil {
		return err
	}

	if _, statErr := b.stat(key); statErr != nil {
		return nil
	}
	if err := b.fs.Remove(fsPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

// EnsureBucket makes sure the filesystem root exists.
func (b *LocalBackend) EnsureBucket(_ context.Context) error {
	defer b.lock()()
	if err := b.fs.MkdirAll("/", 0755); err != nil {
		return fmt.Errorf("ensure root: %w", err)
	}
	return nil
}

// Type returns "local" or "memory".
func (b *LocalBackend) Type() string { return b.typ }

// Close is a no-op for filesystem backends.
func (b *LocalBackend) Close() error { return nil }
