package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kek20703/CloudStorage/internal/storage"
)

func backends(t *testing.T) map[string]*LocalBackend {
	t.Helper()
	disk, err := New(Config{RootPath: filepath.Join(t.TempDir(), "objects"), CreateDirs: true})
	require.NoError(t, err)
	return map[string]*LocalBackend{
		"memory":  NewMemory(),
		"disk":    disk,
		"wrapped": NewFromFilesystem(memfs.New(), "scratch", false),
	}
}

func put(t *testing.T, b storage.Backend, key, content string) {
	t.Helper()
	require.NoError(t, b.PutObject(context.Background(), key, strings.NewReader(content), int64(len(content))))
}

func keys(objects []storage.ObjectInfo) []string {
	out := make([]string, 0, len(objects))
	for _, o := range objects {
		out = append(out, o.Key)
	}
	return out
}

func TestNewRequiresRoot(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{RootPath: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = New(Config{RootPath: file})
	assert.Error(t, err)
}

func TestNewFromJSON(t *testing.T) {
	root := t.TempDir()
	b, err := NewFromJSON([]byte(`{"root_path":"` + filepath.ToSlash(root) + `"}`))
	require.NoError(t, err)
	assert.Equal(t, "local", b.Type())

	_, err = NewFromJSON([]byte(`{`))
	assert.Error(t, err)
}

func TestNewFromFilesystem(t *testing.T) {
	fs := memfs.New()
	b := NewFromFilesystem(fs, "scratch", false)
	assert.Equal(t, "scratch", b.Type())
	assert.Equal(t, "memory", NewMemory().Type())

	put(t, b, "user-1-files/a.txt", "hello")
	_, err := fs.Stat("/user-1-files/a.txt")
	assert.NoError(t, err)
}

func TestPutGetStat(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			put(t, b, "user-1-files/docs/a.txt", "hello")

			rc, err := b.GetObject(ctx, "user-1-files/docs/a.txt")
			require.NoError(t, err)
			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			assert.Equal(t, "hello", string(data))

			info, err := b.StatObject(ctx, "user-1-files/docs/a.txt")
			require.NoError(t, err)
			assert.Equal(t, int64(5), info.Size)

			// overwrite replaces the content
			put(t, b, "user-1-files/docs/a.txt", "bye")
			info, err = b.StatObject(ctx, "user-1-files/docs/a.txt")
			require.NoError(t, err)
			assert.Equal(t, int64(3), info.Size)
		})
	}
}

func TestMissingObjects(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.GetObject(ctx, "user-1-files/nope.txt")
			assert.True(t, errors.Is(err, storage.ErrNotExist))

			_, err = b.StatObject(ctx, "user-1-files/nope/")
			assert.True(t, errors.Is(err, storage.ErrNotExist))

			// a directory is not a file and vice versa
			put(t, b, "user-1-files/dir/", "")
			put(t, b, "user-1-files/file", "x")
			_, err = b.StatObject(ctx, "user-1-files/dir")
			assert.True(t, errors.Is(err, storage.ErrNotExist))
			_, err = b.StatObject(ctx, "user-1-files/file/")
			assert.True(t, errors.Is(err, storage.ErrNotExist))

			assert.NoError(t, b.RemoveObject(ctx, "user-1-files/never-existed"))
		})
	}
}

func TestDirectoryMarkers(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			put(t, b, "user-1-files/", "")
			put(t, b, "user-1-files/empty/", "")

			info, err := b.StatObject(ctx, "user-1-files/empty/")
			require.NoError(t, err)
			assert.Equal(t, int64(0), info.Size)

			rc, err := b.GetObject(ctx, "user-1-files/empty/")
			require.NoError(t, err)
			data, _ := io.ReadAll(rc)
			rc.Close()
			assert.Empty(t, data)

			err = b.PutObject(ctx, "user-1-files/empty", bytes.NewReader([]byte("x")), 1)
			assert.Error(t, err)
		})
	}
}

func TestListObjects(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			put(t, b, "user-1-files/", "")
			put(t, b, "user-1-files/folder/", "")
			put(t, b, "user-1-files/folder/test.txt", "t")
			put(t, b, "user-1-files/folder/folder2/", "")
			put(t, b, "user-1-files/folder/folder2/deep.txt", "d")
			put(t, b, "user-1-files/folderish.txt", "f")

			got, err := b.ListObjects(ctx, "user-1-files/folder/", false)
			require.NoError(t, err)
			assert.Equal(t, []string{
				"user-1-files/folder/",
				"user-1-files/folder/folder2/",
				"user-1-files/folder/test.txt",
			}, keys(got))

			got, err = b.ListObjects(ctx, "user-1-files/folder/", true)
			require.NoError(t, err)
			assert.Equal(t, []string{
				"user-1-files/folder/",
				"user-1-files/folder/folder2/",
				"user-1-files/folder/folder2/deep.txt",
				"user-1-files/folder/test.txt",
			}, keys(got))

			got, err = b.ListObjects(ctx, "user-1-files/folder", false)
			require.NoError(t, err)
			assert.Equal(t, []string{
				"user-1-files/folder/",
				"user-1-files/folderish.txt",
			}, keys(got))

			got, err = b.ListObjects(ctx, "user-2-files/", true)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestCopyAndRemove(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			put(t, b, "user-1-files/a/x.txt", "payload")

			require.NoError(t, b.CopyObject(ctx, "user-1-files/a/x.txt", "user-1-files/b/y.txt"))
			rc, err := b.GetObject(ctx, "user-1-files/b/y.txt")
			require.NoError(t, err)
			data, _ := io.ReadAll(rc)
			rc.Close()
			assert.Equal(t, "payload", string(data))

			require.NoError(t, b.CopyObject(ctx, "user-1-files/a/", "user-1-files/c/"))
			_, err = b.StatObject(ctx, "user-1-files/c/")
			assert.NoError(t, err)

			err = b.CopyObject(ctx, "user-1-files/missing", "user-1-files/z")
			assert.True(t, errors.Is(err, storage.ErrNotExist))

			// a non-empty directory marker cannot be removed
			assert.Error(t, b.RemoveObject(ctx, "user-1-files/a/"))
			require.NoError(t, b.RemoveObject(ctx, "user-1-files/a/x.txt"))
			require.NoError(t, b.RemoveObject(ctx, "user-1-files/a/"))
			_, err = b.StatObject(ctx, "user-1-files/a/")
			assert.True(t, errors.Is(err, storage.ErrNotExist))
		})
	}
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := NewMemory()
	err := b.PutObject(ctx, "user-1-files/a", strings.NewReader("a"), 1)
	assert.ErrorIs(t, err, context.Canceled)
}
