package library

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/printvault/printvault/internal/classify"
	"github.com/printvault/printvault/internal/gcode"
	"github.com/printvault/printvault/internal/logging"
	"github.com/printvault/printvault/internal/metrics"
	"github.com/printvault/printvault/internal/threemf"
)

// Builder produces index snapshots from the two library roots.
type Builder struct {
	// ModelRoot holds one directory per project. Required.
	ModelRoot string
	// SlicedRoot holds toolpath files outside any project. Optional.
	SlicedRoot string
	// ParseContainers also parses every .3mf during the walk to attach
	// plate metadata. Off by default: container parsing reads geometry
	// and is too expensive for the hot reindex path.
	ParseContainers bool
}

// Build walks both roots and returns a complete snapshot. An
// unreadable project folder is dropped with a warning; an unreadable
// root is fatal.
func (b *Builder) Build(ctx context.Context) (*Snapshot, error) {
	start := time.Now()

	dirEntries, err := os.ReadDir(b.ModelRoot)
	if err != nil {
		return nil, fmt.Errorf("read model root: %w", err)
	}

	snap := &Snapshot{
		Projects: make(map[string]*ProjectFolder),
		BuiltAt:  start,
	}

	for _, de := range dirEntries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		folder, err := b.buildFolder(ctx, de.Name())
		if err != nil {
			logging.Warn("skipping unreadable project folder",
				logging.String("folder", de.Name()), logging.Err(err))
			continue
		}
		if folder.empty() {
			continue
		}
		snap.Projects[folder.Name] = folder
	}

	slicedRoot, err := b.walkSlicedRoot(ctx)
	if err != nil {
		return nil, err
	}
	b.associate(snap, slicedRoot)

	metrics.RecordIndexRebuild("full", time.Since(start))
	return snap, nil
}

// RebuildFolder re-walks exactly one project folder and returns a new
// snapshot with that folder replaced (or removed, when the directory
// is gone). Cost is proportional to the files in that folder; all
// other projects are carried over untouched.
func (b *Builder) RebuildFolder(ctx context.Context, prev *Snapshot, name string) (*Snapshot, error) {
	start := time.Now()

	snap := &Snapshot{
		Projects: make(map[string]*ProjectFolder, len(prev.Projects)),
		BuiltAt:  time.Now(),
	}
	for n, p := range prev.Projects {
		if n != name {
			snap.Projects[n] = p
		}
	}

	folder, err := b.buildFolder(ctx, name)
	switch {
	case err == nil && !folder.empty():
		snap.Projects[name] = folder
	case err != nil && !os.IsNotExist(err):
		return nil, fmt.Errorf("rebuild folder %s: %w", name, err)
	}

	// Carry over the sliced-root entries and re-derive only the
	// associations touching the rebuilt folder.
	var slicedRoot []FileEntry
	for _, e := range prev.SlicedEntries {
		if e.Source != SourceSliced {
			continue
		}
		if e.Folder == name {
			e.Folder = ""
		}
		slicedRoot = append(slicedRoot, e)
	}
	b.associate(snap, slicedRoot)

	metrics.RecordIndexRebuild("folder", time.Since(start))
	return snap, nil
}

// RefreshSliced re-walks the sliced root only, carrying over all
// project folders from prev.
func (b *Builder) RefreshSliced(ctx context.Context, prev *Snapshot) (*Snapshot, error) {
	start := time.Now()

	snap := &Snapshot{
		Projects: make(map[string]*ProjectFolder, len(prev.Projects)),
		BuiltAt:  time.Now(),
	}
	for n, p := range prev.Projects {
		snap.Projects[n] = p
	}
	slicedRoot, err := b.walkSlicedRoot(ctx)
	if err != nil {
		return nil, err
	}
	b.associate(snap, slicedRoot)

	metrics.RecordIndexRebuild("sliced", time.Since(start))
	return snap, nil
}

// buildFolder walks one top-level project directory recursively and
// buckets every indexable file by category.
func (b *Builder) buildFolder(ctx context.Context, name string) (*ProjectFolder, error) {
	root := filepath.Join(b.ModelRoot, name)
	folder := &ProjectFolder{Name: name, Path: root}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			logging.Warn("skipping unreadable path", logging.String("path", path), logging.Err(err))
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			return nil
		}

		entry, ok := b.statEntry(path, b.ModelRoot, SourceModel)
		if !ok {
			return nil
		}
		entry.Folder = name

		switch entry.Category {
		case classify.Model:
			if b.ParseContainers && classify.Ext(entry.Name) == ".3mf" {
				if proj, perr := threemf.Open(path); perr == nil {
					entry.Plates = proj.Plates
				} else {
					logging.Warn("unreadable project container",
						logging.String("path", path), logging.Err(perr))
				}
			}
			folder.Models = append(folder.Models, entry)
		case classify.Image:
			folder.Images = append(folder.Images, entry)
		case classify.Document:
			folder.Documents = append(folder.Documents, entry)
		case classify.Sliced:
			entry.Gcode = scanGcode(path)
			folder.Sliced = append(folder.Sliced, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	folder.CreatedAt = earliest(folder.OwnedFiles())
	return folder, nil
}

// walkSlicedRoot collects the toolpath files under the sliced root.
func (b *Builder) walkSlicedRoot(ctx context.Context) ([]FileEntry, error) {
	if b.SlicedRoot == "" {
		return nil, nil
	}
	if _, err := os.Stat(b.SlicedRoot); err != nil {
		return nil, fmt.Errorf("read sliced root: %w", err)
	}

	var out []FileEntry
	err := filepath.WalkDir(b.SlicedRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == b.SlicedRoot {
				return err
			}
			logging.Warn("skipping unreadable path", logging.String("path", path), logging.Err(err))
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			return nil
		}
		entry, ok := b.statEntry(path, b.SlicedRoot, SourceSliced)
		if !ok || entry.Category != classify.Sliced {
			return nil
		}
		entry.Gcode = scanGcode(path)
		out = append(out, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// associate links sliced-root entries to projects by name tokens and
// fills the snapshot's flat sliced view. A sliced file matches a
// project when all tokens of one of the project's model names appear
// in the sliced file name. Unmatched files stay visible as orphans.
func (b *Builder) associate(snap *Snapshot, slicedRoot []FileEntry) {
	type modelRef struct {
		folder string
		tokens []string
	}
	var refs []modelRef
	for _, p := range snap.Projects {
		for _, m := range p.Models {
			base := strings.TrimSuffix(m.Name, filepath.Ext(m.Name))
			refs = append(refs, modelRef{folder: p.Name, tokens: tokenize(base)})
		}
	}

	// LinkedSliced is derived here, so rebuilt folders start clean and
	// carried-over folders are replaced by shallow copies rather than
	// mutated in place.
	linked := map[string][]FileEntry{}

	entries := make([]FileEntry, 0, len(slicedRoot)+len(snap.SlicedEntries))
	for _, e := range slicedRoot {
		if e.Folder == "" {
			name := strings.TrimSuffix(e.Name, filepath.Ext(e.Name))
			gcodeTokens := tokenize(name)
			for _, ref := range refs {
				if tokensContained(ref.tokens, gcodeTokens) {
					e.Folder = ref.folder
					break
				}
			}
		}
		if e.Folder != "" {
			linked[e.Folder] = append(linked[e.Folder], e)
		}
		entries = append(entries, e)
	}

	for name, p := range snap.Projects {
		files := linked[name]
		if len(files) == 0 && len(p.LinkedSliced) == 0 {
			// Folder-owned sliced files still belong in the flat view.
			entries = append(entries, p.Sliced...)
			continue
		}
		cp := *p
		cp.LinkedSliced = files
		snap.Projects[name] = &cp
		entries = append(entries, cp.Sliced...)
	}

	snap.SlicedEntries = entries
}

func (b *Builder) statEntry(path, root string, src Source) (FileEntry, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return FileEntry{}, false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return FileEntry{}, false
	}
	name := filepath.Base(path)
	cat := classify.Classify(name)
	if !cat.Indexed() {
		return FileEntry{}, false
	}
	return FileEntry{
		RelPath:    filepath.ToSlash(rel),
		Name:       name,
		Category:   cat,
		Source:     src,
		SizeBytes:  info.Size(),
		ModifiedAt: info.ModTime(),
		CreatedAt:  info.ModTime(),
	}, true
}

func scanGcode(path string) *gcode.Metadata {
	f, err := os.Open(path)
	if err != nil {
		logging.Warn("unreadable sliced file", logging.String("path", path), logging.Err(err))
		return nil
	}
	defer f.Close()
	m := gcode.Extract(f)
	if m.IsZero() {
		return nil
	}
	return &m
}

func earliest(files []FileEntry) time.Time {
	var min time.Time
	for _, f := range files {
		if min.IsZero() || f.CreatedAt.Before(min) {
			min = f.CreatedAt
		}
	}
	return min
}
