// Package library builds and publishes the in-memory index of the
// model library.
//
// The directory tree on disk is the single source of truth. The index
// is a derived cache: a full walk produces an immutable Snapshot, and
// every later change (upload, delete, watcher hit) produces a new
// Snapshot that is published by a single pointer swap. Readers hold the
// snapshot they loaded for the whole request and never see partial
// state.
package library

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/printvault/printvault/internal/classify"
	"github.com/printvault/printvault/internal/gcode"
	"github.com/printvault/printvault/internal/threemf"
)

// Source marks which root a file entry was discovered under.
type Source string

const (
	SourceModel  Source = "model"
	SourceSliced Source = "sliced"
)

// FileEntry is one physical file. Entries are never mutated after a
// walk; any change replaces the entry wholesale.
type FileEntry struct {
	// RelPath is relative to the entry's root and unique within it.
	RelPath string `json:"rel_path"`
	Name    string `json:"file_name"`

	Category  classify.Category `json:"category"`
	Source    Source            `json:"source"`
	SizeBytes int64             `json:"size_bytes"`

	ModifiedAt time.Time `json:"modified_at"`
	// CreatedAt falls back to the modification time: Linux filesystems
	// do not expose a portable birth time.
	CreatedAt time.Time `json:"created_at"`

	// Folder is the associated project name. Set for files owned by a
	// project folder and for sliced-root files matched by name; empty
	// for orphaned sliced files.
	Folder string `json:"folder_name,omitempty"`

	// Gcode carries header metadata for sliced files.
	Gcode *gcode.Metadata `json:"gcode_metadata,omitempty"`
	// Plates carries per-plate metadata for multi-plate projects, only
	// populated when the builder is configured to parse containers.
	Plates []threemf.Plate `json:"plates,omitempty"`
}

// ProjectFolder is one top-level directory under the model root. A
// folder with no indexable files is not materialized.
type ProjectFolder struct {
	Name string `json:"folder_name"`
	Path string `json:"top_level_path"`

	Models    []FileEntry `json:"models,omitempty"`
	Images    []FileEntry `json:"images,omitempty"`
	Documents []FileEntry `json:"documents,omitempty"`
	// Sliced holds toolpath files stored inside the folder itself.
	Sliced []FileEntry `json:"sliced,omitempty"`
	// LinkedSliced references sliced-root files associated to this
	// folder by name. The sliced root stays authoritative for their
	// lifecycle; this is a reference, not ownership.
	LinkedSliced []FileEntry `json:"linked_sliced,omitempty"`

	// CreatedAt is the earliest file creation time in the folder.
	CreatedAt time.Time `json:"created_at"`
}

// FileCount counts the files owned by the folder. Linked sliced files
// are not owned and not counted.
func (p *ProjectFolder) FileCount() int {
	return len(p.Models) + len(p.Images) + len(p.Documents) + len(p.Sliced)
}

// OwnedFiles returns all owned entries across categories.
func (p *ProjectFolder) OwnedFiles() []FileEntry {
	out := make([]FileEntry, 0, p.FileCount())
	out = append(out, p.Models...)
	out = append(out, p.Images...)
	out = append(out, p.Documents...)
	out = append(out, p.Sliced...)
	return out
}

func (p *ProjectFolder) empty() bool {
	return p.FileCount() == 0
}

// Snapshot is one immutable generation of the library index.
type Snapshot struct {
	// Projects maps folder name to project. Never mutated after
	// publication; incremental updates copy the map.
	Projects map[string]*ProjectFolder

	// SlicedEntries is the flat all-sliced-files view: toolpath files
	// from the sliced root plus those owned by project folders.
	SlicedEntries []FileEntry

	// Generation increases by one on every published snapshot.
	Generation uint64

	BuiltAt time.Time
}

// ProjectList returns the projects in canonical order (folder name
// ascending). This is the pre-sort order the query layer's stable
// sort preserves for equal keys.
func (s *Snapshot) ProjectList() []*ProjectFolder {
	out := make([]*ProjectFolder, 0, len(s.Projects))
	for _, p := range s.Projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TotalFiles counts owned files across all projects.
func (s *Snapshot) TotalFiles() int {
	n := 0
	for _, p := range s.Projects {
		n += p.FileCount()
	}
	return n
}

var tokenPattern = regexp.MustCompile(`\w+`)

// tokenize splits a name into lowercase alphanumeric words.
func tokenize(s string) []string {
	return tokenPattern.FindAllString(strings.ToLower(s), -1)
}

// tokensContained reports whether every token of want appears in have.
// Used to associate sliced-root files with model files: a file sliced
// as "benchy_0.2mm_PLA.gcode" matches the model "benchy.stl".
func tokensContained(want, have []string) bool {
	if len(want) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}
