package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/printvault/printvault/internal/classify"
	"github.com/printvault/printvault/internal/ingest"
	"github.com/printvault/printvault/internal/library"
	"github.com/printvault/printvault/internal/logging"
	"github.com/printvault/printvault/internal/printer"
	"github.com/printvault/printvault/internal/query"
	"github.com/printvault/printvault/internal/threemf"
)

func (s *Server) queryParams(r *http.Request, defaultPerPage int) query.Params {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	if perPage < 1 {
		perPage = defaultPerPage
	}
	return query.Params{
		Filter:  q.Get("filter"),
		SortBy:  query.SortKey(q.Get("sort_by")),
		Order:   query.Order(q.Get("sort_order")),
		Page:    page,
		PerPage: perPage,
	}
}

func (s *Server) snapshot(w http.ResponseWriter) *library.Snapshot {
	snap := s.store.Load()
	if snap == nil {
		s.sendError(w, http.StatusServiceUnavailable, "index not built yet")
	}
	return snap
}

// ─── Library views ──────────────────────────────────────────────────────────

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	p := s.queryParams(r, s.settings.Get().UI.ProjectsPerPage)
	s.writeJSON(w, r, http.StatusOK, query.Projects(snap, p))
}

func (s *Server) handleSlicedFiles(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	p := s.queryParams(r, s.settings.Get().UI.FilesPerPage)
	s.writeJSON(w, r, http.StatusOK, query.SlicedFiles(snap, p))
}

// projectDetail is the single-folder response: the folder itself,
// plate metadata parsed on demand for project containers, and print
// statistics for its sliced files.
type projectDetail struct {
	Folder *library.ProjectFolder     `json:"folder"`
	Plates map[string][]threemf.Plate `json:"plates,omitempty"`
	Stats  map[string]printer.Stats   `json:"print_stats,omitempty"`
}

func (s *Server) handleProjectDetail(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	folder, ok := snap.Projects[r.PathValue("name")]
	if !ok {
		s.sendError(w, http.StatusNotFound, "project not found")
		return
	}

	detail := projectDetail{Folder: folder}

	// Container parsing is deferred to this endpoint so list views and
	// reindexing never pay for geometry.
	for _, m := range folder.Models {
		if classify.Ext(m.Name) != ".3mf" {
			continue
		}
		proj, err := threemf.Open(filepath.Join(s.pipeline.ModelRoot, filepath.FromSlash(m.RelPath)))
		if err != nil {
			logging.Warn("unreadable project container",
				logging.String("file", m.RelPath), logging.Err(err))
			continue
		}
		if detail.Plates == nil {
			detail.Plates = map[string][]threemf.Plate{}
		}
		detail.Plates[m.RelPath] = proj.Plates
	}

	if s.history != nil {
		for _, group := range [][]library.FileEntry{folder.Sliced, folder.LinkedSliced} {
			for _, e := range group {
				st, found, err := s.history.Get(r.Context(), e.Name)
				if err != nil || !found {
					continue
				}
				if detail.Stats == nil {
					detail.Stats = map[string]printer.Stats{}
				}
				detail.Stats[e.Name] = st
			}
		}
	}

	s.writeJSON(w, r, http.StatusOK, detail)
}

func (s *Server) handlePlateSTL(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	folder, ok := snap.Projects[r.PathValue("name")]
	if !ok {
		s.sendError(w, http.StatusNotFound, "project not found")
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid plate index")
		return
	}

	file := r.PathValue("file")
	var entry *library.FileEntry
	for i := range folder.Models {
		if folder.Models[i].Name == file {
			entry = &folder.Models[i]
			break
		}
	}
	if entry == nil || classify.Ext(file) != ".3mf" {
		s.sendError(w, http.StatusNotFound, "project container not found")
		return
	}

	proj, err := threemf.Open(filepath.Join(s.pipeline.ModelRoot, filepath.FromSlash(entry.RelPath)))
	if err != nil {
		s.sendError(w, http.StatusUnprocessableEntity, "cannot parse project container")
		return
	}
	stl, ok := proj.PlateSTL(index)
	if !ok {
		s.sendError(w, http.StatusNotFound, "plate not found")
		return
	}

	name := fmt.Sprintf("%s_plate_%d.stl", trimExt(file), index)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(stl)))
	w.Write(stl)
}

// ─── Mutations ──────────────────────────────────────────────────────────────

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid multipart request: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		s.sendError(w, http.StatusBadRequest, "no files in request")
		return
	}

	items := make([]ingest.Item, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "unreadable file part: "+fh.Filename)
			return
		}
		defer f.Close()
		items = append(items, ingest.Item{Filename: fh.Filename, Reader: f})
	}

	action := ingest.ParseAction(r.FormValue("conflict_action"))
	res, err := s.pipeline.Ingest(r.Context(), items, action)
	switch {
	case errors.Is(err, ingest.ErrUnsupportedType):
		s.sendError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	case err != nil:
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if res.AwaitingDecision {
		s.writeJSON(w, r, http.StatusConflict, res)
		return
	}
	s.writeJSON(w, r, http.StatusOK, res)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := s.pipeline.DeleteFolder(r.Context(), name)
	switch {
	case errors.Is(err, ingest.ErrFolderNotFound):
		s.sendError(w, http.StatusNotFound, "project not found")
	case err != nil:
		s.sendError(w, http.StatusBadRequest, err.Error())
	default:
		s.writeJSON(w, r, http.StatusOK, map[string]string{"deleted": name})
	}
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	snap, err := s.pipeline.Rebuild(r.Context())
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "reindex failed: "+err.Error())
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"generation": snap.Generation,
		"projects":   len(snap.Projects),
		"files":      snap.TotalFiles(),
	})
}

// ─── Settings ───────────────────────────────────────────────────────────────

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.settings.Get())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	// Decode onto a copy of the current settings so a partial body
	// patches rather than resets.
	next := s.settings.Get()
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid settings body: "+err.Error())
		return
	}
	if err := s.settings.Update(next); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.settings.Get())
}

// ─── Printer queue ──────────────────────────────────────────────────────────

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	ps := s.settings.Get().Printer
	if !ps.Enabled {
		s.sendError(w, http.StatusServiceUnavailable, "printer integration is disabled")
		return
	}

	var req struct {
		Filenames []string `json:"filenames"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Filenames) == 0 {
		s.sendError(w, http.StatusBadRequest, "filenames are required")
		return
	}

	client := printer.NewClient(ps.URL, ps.APIKey)
	if err := client.EnqueueJob(r.Context(), req.Filenames); err != nil {
		s.sendError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{"queued": req.Filenames})
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
