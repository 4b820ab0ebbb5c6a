package api

import (
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/Kek20703/CloudStorage/internal/auth"
	"github.com/Kek20703/CloudStorage/internal/logging"
	"github.com/Kek20703/CloudStorage/internal/metrics"
	"github.com/Kek20703/CloudStorage/internal/quota"
	"github.com/Kek20703/CloudStorage/internal/resource"
)

// Multipart parts above this size are spooled to temporary files.
const multipartMemory = 32 << 20

// uploadField is the multipart field carrying uploaded files.
const uploadField = "object"

// tenant resolves the caller or answers 401.
func (s *Server) tenant(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := auth.TenantID(r.Context())
	if !ok {
		s.sendError(w, http.StatusUnauthorized, "missing authentication token")
	}
	return id, ok
}

// requireParam returns a query parameter that must be present. An empty
// value is allowed and denotes the root.
func (s *Server) requireParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	q := r.URL.Query()
	if !q.Has(name) {
		s.sendError(w, http.StatusBadRequest, name+" is required")
		return "", false
	}
	return q.Get(name), true
}

// ─── Resources ──────────────────────────────────────────────────────────────

func (s *Server) handleGetInfo(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	path, ok := s.requireParam(w, r, "path")
	if !ok {
		return
	}

	res, err := s.resources.GetInfo(r.Context(), tenantID, path)
	if err != nil {
		s.sendResourceError(w, r, "get info", err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	path, ok := s.requireParam(w, r, "path")
	if !ok {
		return
	}

	if err := s.resources.Delete(r.Context(), tenantID, path); err != nil {
		s.sendResourceError(w, r, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	path, ok := s.requireParam(w, r, "path")
	if !ok {
		return
	}

	dl, err := s.resources.Get(r.Context(), tenantID, path)
	if err != nil {
		s.sendResourceError(w, r, "download", err)
		return
	}
	defer dl.Body.Close()

	kind := "file"
	contentType := "application/octet-stream"
	if dl.Archive {
		kind = "archive"
		contentType = "application/zip"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Name}))
	if dl.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, dl.Body)
	if err != nil {
		// headers are gone; the client sees a truncated body
		logging.WithContext(r.Context()).Warn("content transfer error",
			zap.String("path", path),
			zap.Error(err),
		)
	}
	metrics.RecordContentDownload(kind, n, err == nil)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	from, ok := s.requireParam(w, r, "from")
	if !ok {
		return
	}
	to, ok := s.requireParam(w, r, "to")
	if !ok {
		return
	}

	res, err := s.resources.Rename(r.Context(), tenantID, from, to)
	if err != nil {
		s.sendResourceError(w, r, "move", err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	found, err := s.resources.Search(r.Context(), tenantID, r.URL.Query().Get("query"))
	if err != nil {
		s.sendResourceError(w, r, "search", err)
		return
	}
	s.sendJSON(w, http.StatusOK, found)
}

// ─── Upload ─────────────────────────────────────────────────────────────────

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	dir, ok := s.requireParam(w, r, "path")
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		metrics.RecordContentUpload(0, false)
		if quota.IsTooLarge(err) {
			metrics.RecordUploadTooLarge()
			s.sendError(w, http.StatusRequestEntityTooLarge, "Upload exceeds the maximum allowed size")
			return
		}
		s.sendError(w, http.StatusBadRequest, "Not a valid request")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File[uploadField]
	if len(headers) == 0 {
		s.sendError(w, http.StatusBadRequest, "no files in field "+uploadField)
		return
	}

	var opened []multipart.File
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()
	uploads := make([]resource.Upload, 0, len(headers))
	var total int64
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "Not a valid request")
			return
		}
		opened = append(opened, f)
		uploads = append(uploads, resource.Upload{Name: uploadName(fh), Body: f, Size: fh.Size})
		total += fh.Size
	}

	saved, err := s.resources.Save(r.Context(), tenantID, dir, uploads)
	metrics.RecordContentUpload(total, err == nil)
	if err != nil {
		s.sendResourceError(w, r, "upload", err)
		return
	}
	s.sendJSON(w, http.StatusCreated, saved)
}

// uploadName returns the file name as sent by the client. The parsed
// FileHeader.Filename drops any directories, which folder uploads rely on.
func uploadName(fh *multipart.FileHeader) string {
	_, params, err := mime.ParseMediaType(fh.Header.Get("Content-Disposition"))
	if err == nil && params["filename"] != "" {
		return params["filename"]
	}
	return fh.Filename
}

// ─── Directories ────────────────────────────────────────────────────────────

func (s *Server) handleListDirectory(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	children, err := s.resources.GetDirectoryContentInfo(r.Context(), tenantID, r.URL.Query().Get("path"))
	if err != nil {
		s.sendResourceError(w, r, "list directory", err)
		return
	}
	s.sendJSON(w, http.StatusOK, children)
}

func (s *Server) handleCreateDirectory(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	path, ok := s.requireParam(w, r, "path")
	if !ok {
		return
	}

	res, err := s.resources.CreateEmptyDirectory(r.Context(), tenantID, path)
	if err != nil {
		s.sendResourceError(w, r, "create directory", err)
		return
	}
	s.sendJSON(w, http.StatusCreated, res)
}
