package api

import (
	"archive/zip"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/printvault/printvault/internal/logging"
)

// handleModelFile serves a raw file from the model root; the browser
// viewer fetches STL/3MF geometry and previews through here.
func (s *Server) handleModelFile(w http.ResponseWriter, r *http.Request) {
	s.serveFrom(w, r, s.pipeline.ModelRoot, r.PathValue("path"))
}

// handleSlicedFile serves a toolpath file from the sliced root.
func (s *Server) handleSlicedFile(w http.ResponseWriter, r *http.Request) {
	if s.pipeline.SlicedRoot == "" {
		s.sendError(w, http.StatusNotFound, "no sliced-file root configured")
		return
	}
	s.serveFrom(w, r, s.pipeline.SlicedRoot, r.PathValue("path"))
}

func (s *Server) serveFrom(w http.ResponseWriter, r *http.Request, root, rel string) {
	abs, ok := resolveUnder(root, rel)
	if !ok {
		s.sendError(w, http.StatusBadRequest, "invalid file path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		s.sendError(w, http.StatusNotFound, "file not found")
		return
	}
	// ServeFile handles Range, If-Modified-Since and content types.
	http.ServeFile(w, r, abs)
}

// handleProjectZip streams the whole project folder as a zip download.
func (s *Server) handleProjectZip(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	abs, ok := resolveUnder(s.pipeline.ModelRoot, name)
	if !ok {
		s.sendError(w, http.StatusBadRequest, "invalid folder name")
		return
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		s.sendError(w, http.StatusNotFound, "project not found")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(abs)+`.zip"`)

	zw := zip.NewWriter(w)
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(abs, p)
		if err != nil {
			return err
		}
		fw, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(fw, f)
		f.Close()
		return err
	})
	if err != nil {
		// Headers are gone; all we can do is log and cut the stream.
		logging.Error("project zip stream failed",
			logging.String("folder", name), logging.Err(err))
	}
	if err := zw.Close(); err != nil {
		logging.Error("project zip close failed",
			logging.String("folder", name), logging.Err(err))
	}
}

// resolveUnder joins a client-supplied relative path onto root,
// refusing anything that would escape it.
func resolveUnder(root, rel string) (string, bool) {
	rel = strings.ReplaceAll(rel, `\`, "/")
	clean := path.Clean("/" + rel)[1:]
	if clean == "" || clean == "." {
		return "", false
	}
	for _, part := range strings.Split(clean, "/") {
		if part == ".." {
			return "", false
		}
	}
	return filepath.Join(root, filepath.FromSlash(clean)), true
}
