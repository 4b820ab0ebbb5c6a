package resource

import (
	"github.com/jmgilman/go/errors"

	"github.com/Kek20703/CloudStorage/internal/storage"
)

// CodeStorage marks object store failures other than a missing key.
const CodeStorage errors.ErrorCode = "STORAGE_ERROR"

func notFound(path string) error {
	return errors.WithContext(
		errors.Newf(errors.CodeNotFound, "resource %q not found", path),
		"path", path,
	)
}

func alreadyExists(path string) error {
	return errors.WithContext(
		errors.Newf(errors.CodeAlreadyExists, "resource %q already exists", path),
		"path", path,
	)
}

func invalidInput(path, message string) error {
	return errors.WithContext(errors.New(errors.CodeInvalidInput, message), "path", path)
}

// storageFailure classifies an error returned by the backend. Errors that
// already carry a code pass through unchanged.
func storageFailure(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.GetCode(err) != errors.CodeUnknown {
		return err
	}
	if errors.Is(err, storage.ErrNotExist) {
		return errors.WithContext(
			errors.Wrapf(err, errors.CodeNotFound, "resource %q not found", path),
			"path", path,
		)
	}
	wrapped := errors.Wrapf(err, CodeStorage, "%s %q failed", op, path)
	return errors.WithClassification(errors.WithContext(wrapped, "path", path), errors.ClassificationRetryable)
}

// IsNotFound reports whether err means the resource does not exist.
func IsNotFound(err error) bool {
	return errors.GetCode(err) == errors.CodeNotFound
}

// IsAlreadyExists reports whether err means the target path is occupied.
func IsAlreadyExists(err error) bool {
	return errors.GetCode(err) == errors.CodeAlreadyExists
}

// IsInvalidInput reports whether err was caused by a malformed request.
func IsInvalidInput(err error) bool {
	return errors.GetCode(err) == errors.CodeInvalidInput
}

// IsStorageError reports whether err is an object store failure.
func IsStorageError(err error) bool {
	return errors.GetCode(err) == CodeStorage
}
