package resource

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kek20703/CloudStorage/internal/events"
	"github.com/Kek20703/CloudStorage/internal/storage"
	"github.com/Kek20703/CloudStorage/internal/storage/local"
)

const (
	tenant      int64 = 1
	baseFolder        = "folder/"
	innerFolder       = "folder2/"
	fileName          = "test1.txt"
)

func newTestService(t *testing.T, opts ...Option) (*Service, storage.Backend) {
	t.Helper()
	backend := local.NewMemory()
	svc := NewService(backend, opts...)
	require.NoError(t, svc.CreateDefaultUserDirectory(context.Background(), tenant))
	return svc, backend
}

func upload(name, content string) Upload {
	return Upload{Name: name, Body: strings.NewReader(content), Size: int64(len(content))}
}

// singleFile is a lone file at the root.
func singleFile() []Upload {
	return []Upload{upload(fileName, fileName)}
}

// folderFiles is a folder upload: folder/test1.txt and folder/folder2/test1.txt.
func folderFiles() []Upload {
	return []Upload{
		upload(baseFolder+fileName, fileName),
		upload(baseFolder+innerFolder+fileName, fileName),
	}
}

func names(resources []Resource) []string {
	out := make([]string, 0, len(resources))
	for _, r := range resources {
		out = append(out, r.Path+r.Name)
	}
	return out
}

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestSave(t *testing.T) {
	ctx := context.Background()

	t.Run("single file", func(t *testing.T) {
		svc, _ := newTestService(t)
		saved, err := svc.Save(ctx, tenant, "", singleFile())
		require.NoError(t, err)
		require.Len(t, saved, 1)
		assert.Equal(t, "", saved[0].Path)
		assert.Equal(t, fileName, saved[0].Name)
		assert.Equal(t, TypeFile, saved[0].Type)
		require.NotNil(t, saved[0].Size)
		assert.Equal(t, int64(len(fileName)), *saved[0].Size)
	})

	t.Run("folder upload creates parents", func(t *testing.T) {
		svc, _ := newTestService(t)
		saved, err := svc.Save(ctx, tenant, "", folderFiles())
		require.NoError(t, err)
		assert.Equal(t, []string{"folder/test1.txt", "folder/folder2/test1.txt"}, names(saved))

		info, err := svc.GetInfo(ctx, tenant, baseFolder+innerFolder)
		require.NoError(t, err)
		assert.Equal(t, TypeDirectory, info.Type)
	})

	t.Run("into subdirectory", func(t *testing.T) {
		svc, _ := newTestService(t)
		saved, err := svc.Save(ctx, tenant, "docs", singleFile())
		require.NoError(t, err)
		assert.Equal(t, "docs/", saved[0].Path)
	})

	t.Run("duplicate file", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Save(ctx, tenant, "", singleFile())
		require.NoError(t, err)
		_, err = svc.Save(ctx, tenant, "", singleFile())
		assert.True(t, IsAlreadyExists(err), "got %v", err)
	})

	t.Run("duplicate folder", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Save(ctx, tenant, "", folderFiles())
		require.NoError(t, err)
		_, err = svc.Save(ctx, tenant, "", folderFiles())
		assert.True(t, IsAlreadyExists(err), "got %v", err)
	})

	t.Run("conflict writes nothing", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Save(ctx, tenant, "", singleFile())
		require.NoError(t, err)

		batch := []Upload{upload("fresh.txt", "new"), upload(fileName, "again")}
		_, err = svc.Save(ctx, tenant, "", batch)
		require.True(t, IsAlreadyExists(err))

		_, err = svc.GetInfo(ctx, tenant, "fresh.txt")
		assert.True(t, IsNotFound(err), "fresh.txt must not be stored")
	})

	t.Run("same name twice in one request", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Save(ctx, tenant, "", []Upload{upload("a.txt", "1"), upload("a.txt", "2")})
		assert.True(t, IsAlreadyExists(err))
	})

	t.Run("file shadows needed directory", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Save(ctx, tenant, "", []Upload{upload("report", "x")})
		require.NoError(t, err)
		_, err = svc.Save(ctx, tenant, "", []Upload{upload("report/a.txt", "y")})
		assert.True(t, IsAlreadyExists(err), "got %v", err)
	})

	t.Run("directory occupies file name", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.CreateEmptyDirectory(ctx, tenant, "report")
		require.NoError(t, err)
		_, err = svc.Save(ctx, tenant, "", []Upload{upload("report", "x")})
		assert.True(t, IsAlreadyExists(err))
	})

	t.Run("invalid input", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Save(ctx, tenant, "", nil)
		assert.True(t, IsInvalidInput(err))
		_, err = svc.Save(ctx, tenant, "../", singleFile())
		assert.True(t, IsInvalidInput(err))
		_, err = svc.Save(ctx, tenant, "", []Upload{upload("dir/", "")})
		assert.True(t, IsInvalidInput(err))
		_, err = svc.Save(ctx, tenant, "", []Upload{upload(strings.Repeat("x", 201), "")})
		assert.True(t, IsInvalidInput(err))
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("file", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Save(ctx, tenant, "", singleFile())
		require.NoError(t, err)

		require.NoError(t, svc.Delete(ctx, tenant, fileName))

		content, err := svc.GetDirectoryContentInfo(ctx, tenant, "")
		require.NoError(t, err)
		assert.Empty(t, content)
	})

	t.Run("folder", func(t *testing.T) {
		svc, backend := newTestService(t)
		_, err := svc.Save(ctx, tenant, "", folderFiles())
		require.NoError(t, err)

		require.NoError(t, svc.Delete(ctx, tenant, baseFolder))

		content, err := svc.GetDirectoryContentInfo(ctx, tenant, "")
		require.NoError(t, err)
		assert.Empty(t, content)

		left, err := backend.ListObjects(ctx, "user-1-files/", true)
		require.NoError(t, err)
		assert.Len(t, left, 1, "only the root marker remains")
	})

	t.Run("root keeps root marker", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Save(ctx, tenant, "", folderFiles())
		require.NoError(t, err)

		require.NoError(t, svc.Delete(ctx, tenant, ""))

		content, err := svc.GetDirectoryContentInfo(ctx, tenant, "")
		require.NoError(t, err)
		assert.Empty(t, content)
	})

	t.Run("missing", func(t *testing.T) {
		svc, _ := newTestService(t)
		assert.True(t, IsNotFound(svc.Delete(ctx, tenant, "nope.txt")))
		assert.True(t, IsNotFound(svc.Delete(ctx, tenant, "nope/")))
	})

	t.Run("file delete does not touch similarly named files", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Save(ctx, tenant, "", []Upload{upload("a.txt.bak", "b")})
		require.NoError(t, err)
		assert.True(t, IsNotFound(svc.Delete(ctx, tenant, "a.txt")))
	})
}

func TestGet(t *testing.T) {
	ctx := context.Background()

	t.Run("file", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Save(ctx, tenant, "", singleFile())
		require.NoError(t, err)

		dl, err := svc.Get(ctx, tenant, fileName)
		require.NoError(t, err)
		assert.False(t, dl.Archive)
		assert.Equal(t, fileName, dl.Name)
		assert.Equal(t, int64(len(fileName)), dl.Size)
		assert.Equal(t, fileName, string(readAll(t, dl.Body)))
	})

	t.Run("folder", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Save(ctx, tenant, "", folderFiles())
		require.NoError(t, err)

		dl, err := svc.Get(ctx, tenant, baseFolder)
		require.NoError(t, err)
		assert.True(t, dl.Archive)
		assert.Equal(t, "folder.zip", dl.Name)
		entries := zipEntries(t, readAll(t, dl.Body))
		assert.Equal(t, map[string]string{
			"test1.txt":         fileName,
			"folder2/test1.txt": fileName,
		}, entries)
	})

	t.Run("missing file", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Get(ctx, tenant, fileName)
		assert.True(t, IsNotFound(err))
	})

	t.Run("missing folder", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Get(ctx, tenant, baseFolder)
		assert.True(t, IsNotFound(err))
	})
}

func TestRename(t *testing.T) {
	ctx := context.Background()

	t.Run("file into new folder", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Save(ctx, tenant, "", singleFile())
		require.NoError(t, err)

		res, err := svc.Rename(ctx, tenant, fileName, baseFolder+fileName)
		require.NoError(t, err)
		assert.Equal(t, baseFolder, res.Path)
		assert.Equal(t, fileName, res.Name)

		dl, err := svc.Get(ctx, tenant, baseFolder+fileName)
		require.NoError(t, err)
		assert.Equal(t, fileName, string(readAll(t, dl.Body)))

		_, err = svc.GetInfo(ctx, tenant, fileName)
		assert.True(t, IsNotFound(err))
	})

	t.Run("file between folders", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Save(ctx, tenant, "", folderFiles())
		require.NoError(t, err)

		_, err = svc.Rename(ctx, tenant, baseFolder+fileName, innerFolder+fileName)
		require.NoError(t, err)

		dl, err := svc.Get(ctx, tenant, innerFolder+fileName)
		require.NoError(t, err)
		readAll(t, dl.Body)
	})

	t.Run("directory", func(t *testing.T) {
		svc, backend := newTestService(t)
		_, err := svc.Save(ctx, tenant, "", folderFiles())
		require.NoError(t, err)

		res, err := svc.Rename(ctx, tenant, baseFolder, "renamed/")
		require.NoError(t, err)
		assert.Equal(t, TypeDirectory, res.Type)
		assert.Equal(t, "renamed/", res.Name)

		all, err := backend.ListObjects(ctx, "user-1-files/", true)
		require.NoError(t, err)
		var keys []string
		for _, o := range all {
			keys = append(keys, o.Key)
		}
		assert.Equal(t, []string{
			"user-1-files/",
			"user-1-files/renamed/",
			"user-1-files/renamed/folder2/",
			"user-1-files/renamed/folder2/test1.txt",
			"user-1-files/renamed/test1.txt",
		}, keys)
	})

	t.Run("missing source file", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Rename(ctx, tenant, baseFolder+fileName, baseFolder+innerFolder+fileName)
		assert.True(t, IsNotFound(err))
	})

	t.Run("missing source folder", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Rename(ctx, tenant, baseFolder, "other/")
		assert.True(t, IsNotFound(err))
	})

	t.Run("target file occupied", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Save(ctx, tenant, "", folderFiles())
		require.NoError(t, err)
		_, err = svc.Save(ctx, tenant, "", singleFile())
		require.NoError(t, err)

		_, err = svc.Rename(ctx, tenant, fileName, baseFolder+fileName)
		assert.True(t, IsAlreadyExists(err))

		// the source is untouched
		_, err = svc.GetInfo(ctx, tenant, fileName)
		assert.NoError(t, err)
	})

	t.Run("folder onto root", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Save(ctx, tenant, "", folderFiles())
		require.NoError(t, err)
		_, err = svc.Save(ctx, tenant, "", singleFile())
		require.NoError(t, err)

		_, err = svc.Rename(ctx, tenant, baseFolder, "")
		assert.True(t, IsAlreadyExists(err))
	})

	t.Run("into own subtree", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Save(ctx, tenant, "", folderFiles())
		require.NoError(t, err)
		_, err = svc.Rename(ctx, tenant, baseFolder, baseFolder+"nested/")
		assert.True(t, IsInvalidInput(err))
	})

	t.Run("onto itself", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Save(ctx, tenant, "", folderFiles())
		require.NoError(t, err)

		_, err = svc.Rename(ctx, tenant, baseFolder+fileName, baseFolder+fileName)
		assert.True(t, IsInvalidInput(err))
		_, err = svc.Rename(ctx, tenant, baseFolder, baseFolder)
		assert.True(t, IsInvalidInput(err))

		_, err = svc.GetInfo(ctx, tenant, baseFolder+fileName)
		assert.NoError(t, err)
	})

	t.Run("type change", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Save(ctx, tenant, "", singleFile())
		require.NoError(t, err)
		_, err = svc.Rename(ctx, tenant, fileName, "dir/")
		assert.True(t, IsInvalidInput(err))
	})

	t.Run("root", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Rename(ctx, tenant, "", "x/")
		assert.True(t, IsInvalidInput(err))
	})
}

func TestGetInfo(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.GetInfo(ctx, tenant, fileName)
	assert.True(t, IsNotFound(err))

	_, err = svc.Save(ctx, tenant, "", folderFiles())
	require.NoError(t, err)

	info, err := svc.GetInfo(ctx, tenant, baseFolder+fileName)
	require.NoError(t, err)
	assert.Equal(t, Resource{Path: baseFolder, Name: fileName, Size: info.Size, Type: TypeFile}, info)

	info, err = svc.GetInfo(ctx, tenant, baseFolder+innerFolder)
	require.NoError(t, err)
	assert.Equal(t, Resource{Path: baseFolder, Name: innerFolder, Type: TypeDirectory}, info)
	assert.Nil(t, info.Size)

	root, err := svc.GetInfo(ctx, tenant, "")
	require.NoError(t, err)
	assert.Equal(t, TypeDirectory, root.Type)
}

func TestCreateEmptyDirectory(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	res, err := svc.CreateEmptyDirectory(ctx, tenant, baseFolder)
	require.NoError(t, err)
	assert.Equal(t, Resource{Path: "", Name: baseFolder, Type: TypeDirectory}, res)

	// an empty directory downloads as an empty archive
	dl, err := svc.Get(ctx, tenant, baseFolder)
	require.NoError(t, err)
	assert.Empty(t, zipEntries(t, readAll(t, dl.Body)))

	_, err = svc.CreateEmptyDirectory(ctx, tenant, baseFolder)
	assert.True(t, IsAlreadyExists(err))

	res, err = svc.CreateEmptyDirectory(ctx, tenant, "a/b/c")
	require.NoError(t, err)
	assert.Equal(t, "a/b/", res.Path)
	assert.Equal(t, "c/", res.Name)
	_, err = svc.GetInfo(ctx, tenant, "a/b/")
	assert.NoError(t, err)

	_, err = svc.CreateEmptyDirectory(ctx, tenant, "")
	assert.True(t, IsInvalidInput(err))
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Save(ctx, tenant, "", folderFiles())
	require.NoError(t, err)

	found, err := svc.Search(ctx, tenant, fileName)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = svc.Search(ctx, tenant, "FOLDER")
	require.NoError(t, err)
	assert.Equal(t, []string{"folder/", "folder/folder2/"}, names(found))

	found, err = svc.Search(ctx, tenant, "no-such-name")
	require.NoError(t, err)
	assert.NotNil(t, found)
	assert.Empty(t, found)
}

func TestSearchIgnoresCase(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Save(ctx, tenant, "", []Upload{
		upload("Docs/ReadMe.TXT", "a"),
		upload("x/README.md", "b"),
		upload("x/y/old-readme.bak", "c"),
		upload("notes.txt", "d"),
		upload("Docs/read.me", "e"),
	})
	require.NoError(t, err)

	matches := []string{"Docs/ReadMe.TXT", "x/README.md", "x/y/old-readme.bak"}
	tests := []struct {
		query string
		want  []string
	}{
		{"readme", matches},
		{"ReadMe", matches},
		{"README", matches},
		{"NOTES", []string{"notes.txt"}},
		{"read.", []string{"Docs/read.me"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			found, err := svc.Search(ctx, tenant, tt.query)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, names(found))
			for _, r := range found {
				assert.Equal(t, TypeFile, r.Type)
			}
		})
	}
}

func TestSavePartialFailure(t *testing.T) {
	ctx := context.Background()
	backend := &failingPut{Backend: local.NewMemory(), failAt: 2}
	svc := NewService(backend)
	require.NoError(t, svc.CreateDefaultUserDirectory(ctx, tenant))
	backend.puts = 0

	saved, err := svc.Save(ctx, tenant, "", []Upload{
		upload("a.txt", "a"),
		upload("b.txt", "b"),
		upload("c.txt", "c"),
	})
	require.Error(t, err)
	assert.True(t, IsStorageError(err))
	require.Len(t, saved, 1)
	assert.Equal(t, "a.txt", saved[0].Name)

	var pe errors.PlatformError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 1, pe.Context()["stored"])
	assert.Equal(t, "b.txt", pe.Context()["path"])

	_, err = svc.GetInfo(ctx, tenant, "a.txt")
	assert.NoError(t, err)
	_, err = svc.GetInfo(ctx, tenant, "c.txt")
	assert.True(t, IsNotFound(err))
}

// failingPut fails the failAt-th PutObject call.
type failingPut struct {
	storage.Backend
	failAt int
	puts   int
}

func (f *failingPut) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	f.puts++
	if f.puts == f.failAt {
		return fmt.Errorf("connection reset")
	}
	return f.Backend.PutObject(ctx, key, body, size)
}

func TestSearchIsTenantScoped(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	require.NoError(t, svc.CreateDefaultUserDirectory(ctx, 11))

	_, err := svc.Save(ctx, 11, "", []Upload{upload("secret.txt", "s")})
	require.NoError(t, err)

	found, err := svc.Search(ctx, tenant, "secret")
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = svc.Search(ctx, 11, "secret")
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestGetDirectoryContentInfo(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Save(ctx, tenant, "", folderFiles())
	require.NoError(t, err)

	content, err := svc.GetDirectoryContentInfo(ctx, tenant, baseFolder)
	require.NoError(t, err)
	// every immediate child is listed: the subdirectory and the file beside it
	require.Len(t, content, 2)
	assert.Equal(t, Resource{Path: baseFolder, Name: innerFolder, Type: TypeDirectory}, content[0])
	assert.Equal(t, fileName, content[1].Name)

	var dirs int
	for _, r := range content {
		if r.Type == TypeDirectory {
			dirs++
		}
	}
	assert.Equal(t, 1, dirs)

	_, err = svc.GetDirectoryContentInfo(ctx, tenant, innerFolder)
	assert.True(t, IsNotFound(err))

	// path without trailing separator is treated as a directory
	content, err = svc.GetDirectoryContentInfo(ctx, tenant, "folder")
	require.NoError(t, err)
	assert.Len(t, content, 2)
}

func TestEventsPublished(t *testing.T) {
	ctx := context.Background()
	b := events.NewBroadcaster()
	ch := b.Subscribe(tenant)
	defer b.Unsubscribe(ch)

	svc, _ := newTestService(t, WithEvents(b))
	_, err := svc.Save(ctx, tenant, "", singleFile())
	require.NoError(t, err)
	_, err = svc.Rename(ctx, tenant, fileName, "b.txt")
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, tenant, "b.txt"))

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case e := <-ch:
			got = append(got, e.Type+":"+e.Path)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []string{"create:test1.txt", "move:test1.txt", "delete:b.txt"}, got)
}

func TestCanceledContext(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Save(ctx, tenant, "", []Upload{{Name: "a.txt", Body: bytes.NewReader([]byte("a")), Size: 1}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsStorageError(err))
}
