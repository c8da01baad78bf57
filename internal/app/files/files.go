// Package files manages the workspace on disk: uploaded inputs, one result
// directory per task, and read-only views over both.
package files

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/tutu-network/ocrd/internal/domain"
)

// timestampLayout matches the directory and upload naming scheme
// (20251022_153045).
const timestampLayout = "20060102_150405"

// imageExtensions are the raster formats accepted as image input.
var imageExtensions = map[string]struct{}{
	"jpg":  {},
	"jpeg": {},
	"png":  {},
	"bmp":  {},
	"tif":  {},
	"tiff": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// DetectFileType classifies path by its extension.
func DetectFileType(path string) (domain.FileType, error) {
	ext := NormalizeExt(filepath.Ext(path))
	if ext == "pdf" {
		return domain.FilePDF, nil
	}
	if _, ok := imageExtensions[ext]; ok {
		return domain.FileImage, nil
	}
	if ext == "" {
		ext = "(none)"
	}
	return "", fmt.Errorf("%w: %s", domain.ErrUnsupportedFileType, ext)
}

// uniqueSuffix returns "<timestamp>_<8 hex>".
func uniqueSuffix(now time.Time) string {
	return now.Format(timestampLayout) + "_" + uuid.NewString()[:8]
}

// ─── Uploads ────────────────────────────────────────────────────────────────

// SaveUpload copies r into dir under a fresh name derived from the client
// file name's extension. Unsupported types are rejected before anything is
// written; a failed copy leaves no partial file behind.
func SaveUpload(dir, name string, r io.Reader) (string, domain.FileType, error) {
	ft, err := DetectFileType(name)
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", fmt.Errorf("create upload dir: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(name))
	path := filepath.Join(dir, "user_upload_"+uniqueSuffix(time.Now())+ext)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", "", fmt.Errorf("create upload: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", "", fmt.Errorf("write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", "", fmt.Errorf("write upload: %w", err)
	}

	log.WithField("path", path).Debugf("Saved upload (%s)", ft)
	return path, ft, nil
}

// CleanupUploads keeps the newest keep files in dir and removes the rest.
// Removal failures are logged and skipped.
func CleanupUploads(dir string, keep int) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	type upload struct {
		path string
		mod  time.Time
	}
	var uploads []upload
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		uploads = append(uploads, upload{filepath.Join(dir, e.Name()), info.ModTime()})
	}
	sort.Slice(uploads, func(i, j int) bool { return uploads[i].mod.After(uploads[j].mod) })

	if keep < 0 {
		keep = 0
	}
	removed := 0
	for _, u := range uploads[min(keep, len(uploads)):] {
		if err := os.Remove(u.path); err != nil {
			log.WithField("path", u.path).Warnf("Failed to remove old upload: %v", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// ─── Results ────────────────────────────────────────────────────────────────

// CreateResultDir creates root/<prefix>_<timestamp>_<8 hex>. The name is
// never reused: creation fails rather than sharing an existing directory.
func CreateResultDir(root, prefix string) (string, error) {
	if prefix == "" {
		prefix = "task"
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("create results root: %w", err)
	}
	dir := filepath.Join(root, prefix+"_"+uniqueSuffix(time.Now()))
	if err := os.Mkdir(dir, 0755); err != nil {
		return "", fmt.Errorf("create result dir: %w", err)
	}
	return dir, nil
}

// ListResultFiles returns every regular file under dir as a slash-separated
// path relative to dir, sorted. A missing dir yields an empty list.
func ListResultFiles(dir string) ([]string, error) {
	out := []string{}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return out, nil
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list result files: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// ─── Tree ───────────────────────────────────────────────────────────────────

// Node is one entry of a folder tree.
type Node struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // "folder" or "file"
	Path     string `json:"path"`
	Children []Node `json:"children,omitempty"`
}

// Tree lists dir recursively: folders first, then files, each group in
// case-insensitive name order. Unreadable folders appear empty.
func Tree(dir string) ([]Node, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	return buildTree(dir), nil
}

func buildTree(dir string) []Node {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrPermission) {
			log.WithField("path", dir).Debugf("Skipping unreadable folder: %v", err)
		}
		return []Node{}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		di, dj := entries[i].IsDir(), entries[j].IsDir()
		if di != dj {
			return di
		}
		return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
	})

	nodes := make([]Node, 0, len(entries))
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() {
			nodes = append(nodes, Node{Name: e.Name(), Type: "folder", Path: path, Children: buildTree(path)})
			continue
		}
		nodes = append(nodes, Node{Name: e.Name(), Type: "file", Path: path})
	}
	return nodes
}

// ─── Path Confinement ───────────────────────────────────────────────────────

// Within resolves path and reports whether it lies inside root (or is root).
// Symlinks are resolved on both sides when they exist.
func Within(root, path string) (string, bool) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	if r, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = r
	}
	if p, err := filepath.EvalSymlinks(absPath); err == nil {
		absPath = p
	} else if d, err := filepath.EvalSymlinks(filepath.Dir(absPath)); err == nil {
		absPath = filepath.Join(d, filepath.Base(absPath))
	}

	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return absPath, true
}
