package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/tutu-network/ocrd/internal/app/files"
	"github.com/tutu-network/ocrd/internal/domain"
)

// maxPreviewBytes caps text previews served by /api/file/content.
const maxPreviewBytes = 8 << 20

// previewImages are served as raw bytes instead of text.
var previewImages = map[string]struct{}{
	"png": {}, "jpg": {}, "jpeg": {}, "gif": {}, "bmp": {},
}

// ─── Workspace API (/api/upload, /api/folder, /api/file/content) ────────────

// handleUpload streams the multipart "file" part straight into the uploads
// directory.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.opts.MaxUploadMB > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, int64(s.opts.MaxUploadMB)<<20)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart/form-data: "+err.Error())
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			writeError(w, http.StatusBadRequest, `missing form field "file"`)
			return
		}
		if err != nil {
			s.writeUploadError(w, err)
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		path, ft, err := files.SaveUpload(s.opts.UploadsDir, part.FileName(), part)
		part.Close()
		if err != nil {
			s.writeUploadError(w, err)
			return
		}
		s.log.Infof("Saved upload %s (%s)", filepath.Base(path), ft)

		if s.opts.KeepUploads > 0 {
			if n, err := files.CleanupUploads(s.opts.UploadsDir, s.opts.KeepUploads); err != nil {
				s.log.Warnf("Upload cleanup: %v", err)
			} else if n > 0 {
				s.log.Debugf("Removed %d old uploads", n)
			}
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "success",
			"file_path": path,
			"file_type": ft,
		})
		return
	}
}

func (s *Server) writeUploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
	case errors.Is(err, domain.ErrUnsupportedFileType):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Errorf("Upload failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleFolder returns the tree below a directory of the results root.
func (s *Server) handleFolder(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = s.opts.ResultsDir
	}
	resolved, ok := files.Within(s.opts.ResultsDir, path)
	if !ok {
		writeError(w, http.StatusForbidden, "path is outside the results directory")
		return
	}

	tree, err := files.Tree(resolved)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path: "+path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"path":     resolved,
		"children": tree,
	})
}

// handleFileContent previews a workspace file: images as bytes, anything
// else as text.
func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	resolved, ok := s.withinWorkspace(path)
	if !ok {
		writeError(w, http.StatusForbidden, "path is outside the workspace")
		return
	}

	f, err := os.Open(resolved)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusBadRequest, "not a regular file")
		return
	}

	ext := files.NormalizeExt(filepath.Ext(resolved))
	if _, ok := previewImages[ext]; ok {
		if ct := mime.TypeByExtension("." + ext); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
		return
	}

	b, err := io.ReadAll(io.LimitReader(f, maxPreviewBytes))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"content":   strings.ToValidUTF8(string(b), ""),
		"truncated": info.Size() > maxPreviewBytes,
	})
}

// withinWorkspace confines path to the workspace, uploads or results roots.
func (s *Server) withinWorkspace(path string) (string, bool) {
	for _, root := range []string{s.opts.WorkspaceDir, s.opts.UploadsDir, s.opts.ResultsDir} {
		if root == "" {
			continue
		}
		if resolved, ok := files.Within(root, path); ok {
			return resolved, true
		}
	}
	return "", false
}
