// Package query serves filtered, sorted, paginated views of an index
// snapshot. It never touches the filesystem: every call operates on
// the snapshot it is handed and is deterministic for that snapshot.
package query

import (
	"sort"
	"strings"
	"time"

	"github.com/sahilm/fuzzy"

	"github.com/printvault/printvault/internal/library"
	"github.com/printvault/printvault/internal/metrics"
)

// SortKey selects the attribute to order by.
type SortKey string

const (
	SortByName      SortKey = "name"
	SortByCreatedAt SortKey = "created_at"
	SortByFileCount SortKey = "file_count"
	SortByFolder    SortKey = "folder_name" // sliced view
	SortBySize      SortKey = "size"        // sliced view
)

// Order is the sort direction.
type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

// Params are the query inputs shared by both views.
type Params struct {
	Filter  string
	SortBy  SortKey
	Order   Order
	Page    int // 1-based
	PerPage int
}

func (p Params) normalized(defaultSort SortKey) Params {
	if p.SortBy == "" {
		p.SortBy = defaultSort
	}
	if p.Order != Desc {
		p.Order = Asc
	}
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage < 1 {
		p.PerPage = 15
	}
	return p
}

// PageMeta describes the result window.
type PageMeta struct {
	Page         int `json:"page"`
	PerPage      int `json:"per_page"`
	TotalPages   int `json:"total_pages"`
	TotalFolders int `json:"total_folders"`
	TotalFiles   int `json:"total_files"`
}

// ProjectView is one project in a result page. Files holds the models
// shown for this query: the full list when the folder itself matched,
// narrowed to the matching files when only file names matched.
type ProjectView struct {
	Folder *library.ProjectFolder `json:"folder"`
	Files  []library.FileEntry    `json:"files"`
}

// ProjectsPage is the paginated project view.
type ProjectsPage struct {
	Projects []ProjectView `json:"projects"`
	Meta     PageMeta      `json:"meta"`
}

// FilesPage is the paginated flat sliced-file view.
type FilesPage struct {
	Files []library.FileEntry `json:"files"`
	Meta  PageMeta            `json:"meta"`
}

// Projects returns one page of projects. An empty filter matches
// everything in canonical order; a page past the end returns an empty
// page with correct metadata, never an error.
func Projects(snap *library.Snapshot, p Params) ProjectsPage {
	start := time.Now()
	defer func() { metrics.RecordQuery("projects", time.Since(start)) }()

	p = p.normalized(SortByName)

	views := filterProjects(snap.ProjectList(), p.Filter)
	sortProjects(views, p.SortBy, p.Order)

	totalFiles := 0
	for _, v := range views {
		totalFiles += v.Folder.FileCount()
	}

	meta := pageMeta(p, len(views), totalFiles)
	lo, hi := window(p, len(views))
	return ProjectsPage{Projects: views[lo:hi], Meta: meta}
}

// SlicedFiles returns one page of the flat sliced-file view.
func SlicedFiles(snap *library.Snapshot, p Params) FilesPage {
	start := time.Now()
	defer func() { metrics.RecordQuery("sliced", time.Since(start)) }()

	p = p.normalized(SortByFolder)

	files := filterFiles(snap.SlicedEntries, p.Filter)
	sortFiles(files, p.SortBy, p.Order)

	meta := pageMeta(p, len(files), len(files))
	meta.TotalFolders = countFolders(files)
	lo, hi := window(p, len(files))
	return FilesPage{Files: files[lo:hi], Meta: meta}
}

// ─── Filtering ──────────────────────────────────────────────────────
//
// Case-insensitive substring match is checked first and always wins;
// fuzzy matching is the typo-tolerant fallback that widens the result,
// never narrows it.

func filterProjects(folders []*library.ProjectFolder, filter string) []ProjectView {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		out := make([]ProjectView, 0, len(folders))
		for _, f := range folders {
			out = append(out, ProjectView{Folder: f, Files: f.Models})
		}
		return out
	}

	lower := strings.ToLower(filter)
	var out []ProjectView
	for _, f := range folders {
		folderHit := matches(f.Name, lower, filter)
		var fileHits []library.FileEntry
		for _, m := range f.Models {
			if matches(m.Name, lower, filter) {
				fileHits = append(fileHits, m)
			}
		}
		switch {
		case folderHit:
			out = append(out, ProjectView{Folder: f, Files: f.Models})
		case len(fileHits) > 0:
			out = append(out, ProjectView{Folder: f, Files: fileHits})
		}
	}
	return out
}

func filterFiles(files []library.FileEntry, filter string) []library.FileEntry {
	filter = strings.TrimSpace(filter)
	out := make([]library.FileEntry, 0, len(files))
	if filter == "" {
		out = append(out, files...)
		return out
	}
	lower := strings.ToLower(filter)
	for _, f := range files {
		if matches(f.Name, lower, filter) || matches(f.Folder, lower, filter) {
			out = append(out, f)
		}
	}
	return out
}

func matches(candidate, lowerFilter, filter string) bool {
	if candidate == "" {
		return false
	}
	if strings.Contains(strings.ToLower(candidate), lowerFilter) {
		return true
	}
	return len(fuzzy.Find(filter, []string{candidate})) > 0
}

// ─── Sorting ────────────────────────────────────────────────────────
//
// Stable: equal keys keep their pre-sort relative order, which makes
// pagination reproducible across requests on the same snapshot.
// Missing timestamps sort as the minimum value.

func sortProjects(views []ProjectView, key SortKey, order Order) {
	less := func(a, b ProjectView) bool {
		switch key {
		case SortByCreatedAt:
			return a.Folder.CreatedAt.Before(b.Folder.CreatedAt)
		case SortByFileCount:
			return a.Folder.FileCount() < b.Folder.FileCount()
		default:
			return strings.ToLower(a.Folder.Name) < strings.ToLower(b.Folder.Name)
		}
	}
	sort.SliceStable(views, func(i, j int) bool {
		if order == Desc {
			return less(views[j], views[i])
		}
		return less(views[i], views[j])
	})
}

func sortFiles(files []library.FileEntry, key SortKey, order Order) {
	less := func(a, b library.FileEntry) bool {
		switch key {
		case SortByCreatedAt:
			return a.CreatedAt.Before(b.CreatedAt)
		case SortBySize:
			return a.SizeBytes < b.SizeBytes
		case SortByName:
			return strings.ToLower(a.Name) < strings.ToLower(b.Name)
		default:
			if !strings.EqualFold(a.Folder, b.Folder) {
				return strings.ToLower(a.Folder) < strings.ToLower(b.Folder)
			}
			return strings.ToLower(a.Name) < strings.ToLower(b.Name)
		}
	}
	sort.SliceStable(files, func(i, j int) bool {
		if order == Desc {
			return less(files[j], files[i])
		}
		return less(files[i], files[j])
	})
}

// ─── Pagination ─────────────────────────────────────────────────────

func pageMeta(p Params, totalMatching, totalFiles int) PageMeta {
	totalPages := (totalMatching + p.PerPage - 1) / p.PerPage
	return PageMeta{
		Page:         p.Page,
		PerPage:      p.PerPage,
		TotalPages:   totalPages,
		TotalFolders: totalMatching,
		TotalFiles:   totalFiles,
	}
}

func window(p Params, total int) (int, int) {
	lo := (p.Page - 1) * p.PerPage
	if lo >= total {
		return total, total
	}
	hi := lo + p.PerPage
	if hi > total {
		hi = total
	}
	return lo, hi
}

func countFolders(files []library.FileEntry) int {
	seen := map[string]struct{}{}
	for _, f := range files {
		if f.Folder != "" {
			seen[strings.ToLower(f.Folder)] = struct{}{}
		}
	}
	return len(seen)
}
