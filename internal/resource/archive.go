package resource

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/Kek20703/CloudStorage/internal/keyspace"
	"github.com/Kek20703/CloudStorage/internal/logging"
	"github.com/Kek20703/CloudStorage/internal/metrics"
	"github.com/Kek20703/CloudStorage/internal/storage"
)

// archiveName is the download name of a directory archive.
func archiveName(relDir string) string {
	name := keyspace.ExtractName(relDir)
	if name == "" {
		name = "root"
	}
	return name + ".zip"
}

// openArchive returns a reader producing a zip of every file below dirKey,
// with entry names relative to dirKey. The archive is written by a
// goroutine as the reader is consumed; a failure while writing surfaces
// as the reader's error. Closing the reader early stops the writer.
func (s *Service) openArchive(ctx context.Context, dirKey string) (io.ReadCloser, error) {
	rel := keyspace.RemoveUserPrefix(dirKey)
	objects, err := s.backend.ListObjects(ctx, dirKey, true)
	if err != nil {
		return nil, storageFailure("list", rel, err)
	}
	if len(objects) == 0 {
		return nil, notFound(rel)
	}

	pr, pw := io.Pipe()
	go func() {
		err := s.writeArchive(ctx, pw, dirKey, objects)
		if err != nil {
			logging.WithContext(ctx).Warn("archive stream aborted",
				zap.String("path", rel),
				zap.Error(err),
			)
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func (s *Service) writeArchive(ctx context.Context, w io.Writer, dirKey string, objects []storage.ObjectInfo) error {
	zw := zip.NewWriter(w)
	for _, o := range objects {
		if o.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.addArchiveEntry(ctx, zw, strings.TrimPrefix(o.Key, dirKey), o); err != nil {
			return err
		}
	}
	return zw.Close()
}

func (s *Service) addArchiveEntry(ctx context.Context, zw *zip.Writer, name string, o storage.ObjectInfo) error {
	rc, err := s.backend.GetObject(ctx, o.Key)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			// removed after the listing was taken
			logging.WithContext(ctx).Debug("skipping vanished archive entry", zap.String("key", o.Key))
			return nil
		}
		return storageFailure("read", keyspace.RemoveUserPrefix(o.Key), err)
	}
	defer rc.Close()

	modified := o.LastModified
	if modified.IsZero() {
		modified = time.Now()
	}
	fw, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, rc); err != nil {
		return storageFailure("read", keyspace.RemoveUserPrefix(o.Key), err)
	}
	metrics.RecordArchiveEntry()
	return nil
}
