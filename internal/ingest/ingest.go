// Package ingest is the write path of the library: uploads, archive
// extraction, folder deletion, and the targeted reindex that follows.
//
// Every batch reports one outcome per item. A failing item never
// aborts the rest of the batch, and a name conflict is surfaced to the
// caller for an explicit decision instead of being resolved silently.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/printvault/printvault/internal/classify"
	"github.com/printvault/printvault/internal/events"
	"github.com/printvault/printvault/internal/library"
	"github.com/printvault/printvault/internal/logging"
	"github.com/printvault/printvault/internal/metrics"
)

// Action tells the pipeline how to treat name conflicts.
type Action string

const (
	// ActionCheck halts the batch and reports conflicts back to the
	// caller before anything is written.
	ActionCheck Action = "check"
	// ActionSkip leaves existing items untouched.
	ActionSkip Action = "skip"
	// ActionOverwrite replaces existing items. Never the default.
	ActionOverwrite Action = "overwrite"
)

// ParseAction maps a request value to an Action, defaulting to skip.
func ParseAction(s string) Action {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionCheck:
		return ActionCheck
	case ActionOverwrite:
		return ActionOverwrite
	default:
		return ActionSkip
	}
}

// Item is one uploaded file.
type Item struct {
	Filename string
	Reader   io.Reader
}

// Outcome states.
const (
	StatusSuccess = "success"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// Outcome is the per-item result of a batch.
type Outcome struct {
	Filename     string `json:"filename"`
	Folder       string `json:"folder_name"`
	Status       string `json:"status"`
	FolderExists bool   `json:"folder_existed"`
	Error        string `json:"error,omitempty"`
}

// Result is the batch result.
type Result struct {
	BatchID          string    `json:"batch_id"`
	AwaitingDecision bool      `json:"awaiting_decision,omitempty"`
	Conflicts        []string  `json:"conflicts,omitempty"`
	Outcomes         []Outcome `json:"results,omitempty"`
	// ReindexPending is set when automatic reindexing is disabled; the
	// caller is expected to trigger an explicit reindex afterwards.
	ReindexPending bool `json:"reindex_pending,omitempty"`
}

// ErrUnsupportedType rejects a batch before any filesystem write.
var ErrUnsupportedType = errors.New("unsupported file type")

// ErrFolderNotFound is returned by DeleteFolder for unknown folders.
var ErrFolderNotFound = errors.New("folder not found")

// Pipeline applies mutations to the library roots and republishes the
// index.
type Pipeline struct {
	ModelRoot  string
	SlicedRoot string

	Builder *library.Builder
	Store   *library.Store
	Events  *events.Broadcaster

	// MaxArchiveBytes and MaxArchiveEntries bound archive extraction.
	// Both are checked before anything is unpacked.
	MaxArchiveBytes   int64
	MaxArchiveEntries int

	// AutoReindex controls whether a batch triggers its own targeted
	// reindex. When false the caller owns the reindex call.
	AutoReindex bool
}

type uploadKind string

const (
	kindArchive uploadKind = "archive"
	kindModel   uploadKind = "model"
	kindProject uploadKind = "project" // .3mf, lands in the model root
	kindSliced  uploadKind = "sliced"
)

type target struct {
	kind uploadKind
	// path is the existence-checked destination: the project folder
	// for archives and loose models, the file itself otherwise.
	path string
	// item is the name reported in conflicts and outcomes: the folder
	// name for archives and models, the file name otherwise.
	item string
	// folder is the project the write lands in, empty for sliced and
	// root-level project files.
	folder string
}

func (p *Pipeline) targetFor(filename string) (target, error) {
	name := sanitizeName(filename)
	if name == "" || !classify.Uploadable(name) {
		return target{}, fmt.Errorf("%w: %s", ErrUnsupportedType, filename)
	}
	base := strings.TrimSuffix(name, filepath.Ext(name))
	switch classify.Ext(name) {
	case ".zip":
		return target{kind: kindArchive, path: filepath.Join(p.ModelRoot, base), item: base, folder: base}, nil
	case ".stl":
		return target{kind: kindModel, path: filepath.Join(p.ModelRoot, base), item: base, folder: base}, nil
	case ".3mf":
		// Loose project containers sit at the model root itself, outside
		// any project folder, so they are served but never indexed. That
		// matches the on-disk layout users already have.
		return target{kind: kindProject, path: filepath.Join(p.ModelRoot, name), item: name}, nil
	default: // .gcode
		return target{kind: kindSliced, path: filepath.Join(p.SlicedRoot, name), item: name}, nil
	}
}

// Ingest runs one upload batch: received, conflict check, apply per
// item, then a targeted reindex of every touched folder.
func (p *Pipeline) Ingest(ctx context.Context, items []Item, action Action) (Result, error) {
	res := Result{BatchID: uuid.NewString()}
	if len(items) == 0 {
		return res, errors.New("no files in batch")
	}

	targets := make([]target, len(items))
	for i, item := range items {
		t, err := p.targetFor(item.Filename)
		if err != nil {
			// Validation failure rejects the whole batch before any
			// filesystem write.
			return res, err
		}
		targets[i] = t
	}

	if action == ActionCheck {
		for _, t := range targets {
			if pathExists(t.path) {
				res.Conflicts = append(res.Conflicts, t.item)
			}
		}
		if len(res.Conflicts) > 0 {
			res.AwaitingDecision = true
			return res, nil
		}
		// No collisions; proceed with the conservative default.
		action = ActionSkip
	}

	touched := map[string]bool{}
	slicedTouched := false

	for i, item := range items {
		t := targets[i]
		exists := pathExists(t.path)

		if exists && action != ActionOverwrite {
			res.Outcomes = append(res.Outcomes, Outcome{
				Filename:     item.Filename,
				Folder:       t.item,
				Status:       StatusSkipped,
				FolderExists: true,
				Error:        "item already exists, skipped",
			})
			metrics.RecordIngestItem(StatusSkipped)
			continue
		}

		var err error
		switch t.kind {
		case kindArchive:
			err = p.applyArchive(ctx, item, t, exists)
		case kindModel:
			err = p.applyModel(item, t)
		default:
			err = p.applyFile(item, t)
		}

		out := Outcome{
			Filename:     item.Filename,
			Folder:       t.item,
			Status:       StatusSuccess,
			FolderExists: exists,
		}
		if err != nil {
			logging.Error("ingest item failed",
				logging.String("file", item.Filename), logging.Err(err))
			out.Status = StatusError
			out.Error = err.Error()
		} else {
			if t.folder != "" {
				touched[t.folder] = true
			}
			if t.kind == kindSliced {
				slicedTouched = true
			}
		}
		res.Outcomes = append(res.Outcomes, out)
		metrics.RecordIngestItem(out.Status)
	}

	if !p.AutoReindex {
		res.ReindexPending = true
	} else if err := p.reindex(ctx, touched, slicedTouched); err != nil {
		logging.Error("post-ingest reindex failed", logging.Err(err))
		res.ReindexPending = true
	}

	p.Events.Publish(events.Event{
		Type:       events.EventUpload,
		BatchID:    res.BatchID,
		Generation: p.Store.Generation(),
	})
	return res, nil
}

func (p *Pipeline) applyArchive(ctx context.Context, item Item, t target, exists bool) error {
	tmp, err := os.CreateTemp(p.ModelRoot, ".upload-*.zip")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, item.Reader)
	tmp.Close()
	if err != nil {
		return err
	}
	metrics.RecordIngestBytes(n)

	return p.extractArchive(ctx, tmp.Name(), t.path, exists)
}

// applyModel places a loose .stl into its own project folder. On
// overwrite the file is rewritten in place; the rest of the folder is
// left alone.
func (p *Pipeline) applyModel(item Item, t target) error {
	if err := os.MkdirAll(t.path, 0o755); err != nil {
		return err
	}
	return p.writeFile(filepath.Join(t.path, sanitizeName(item.Filename)), item.Reader)
}

// applyFile writes loose .3mf and .gcode uploads. Overwrite is a plain
// rewrite of the destination file.
func (p *Pipeline) applyFile(item Item, t target) error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}
	return p.writeFile(t.path, item.Reader)
}

func (p *Pipeline) writeFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return err
	}
	metrics.RecordIngestBytes(n)
	return nil
}

func (p *Pipeline) reindex(ctx context.Context, touched map[string]bool, slicedTouched bool) error {
	snap := p.Store.Load()
	if snap == nil {
		return errors.New("no index snapshot published")
	}
	var err error
	for folder := range touched {
		snap, err = p.Builder.RebuildFolder(ctx, snap, folder)
		if err != nil {
			return err
		}
	}
	if slicedTouched {
		snap, err = p.Builder.RefreshSliced(ctx, snap)
		if err != nil {
			return err
		}
	}
	snap = p.Store.Swap(snap)
	p.Events.Publish(events.Event{Type: events.EventIndex, Generation: snap.Generation})
	return nil
}

// Reindex re-derives the named folders (sliced root included when
// slicedTouched). It is the explicit contract for deployments running
// with AutoReindex disabled.
func (p *Pipeline) Reindex(ctx context.Context, folders []string, slicedTouched bool) error {
	touched := map[string]bool{}
	for _, f := range folders {
		touched[f] = true
	}
	return p.reindex(ctx, touched, slicedTouched)
}

// DeleteFolder removes a project folder from disk and publishes a
// snapshot without it. Readers holding the previous snapshot keep a
// complete, consistent view; no reader ever sees a half-deleted
// folder.
func (p *Pipeline) DeleteFolder(ctx context.Context, name string) error {
	clean := sanitizeName(name)
	if clean == "" || clean != name {
		return fmt.Errorf("invalid folder name %q", name)
	}
	path := filepath.Join(p.ModelRoot, clean)
	if !pathExists(path) {
		return fmt.Errorf("%w: %s", ErrFolderNotFound, name)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("delete folder %s: %w", name, err)
	}
	metrics.RecordFolderDeleted()

	snap := p.Store.Load()
	if snap != nil {
		next, err := p.Builder.RebuildFolder(ctx, snap, clean)
		if err != nil {
			return err
		}
		next = p.Store.Swap(next)
		p.Events.Publish(events.Event{Type: events.EventDelete, Folder: clean, Generation: next.Generation})
	}
	return nil
}

// Rebuild performs the explicit full rebuild, the administrative
// escape hatch when incremental state is in doubt.
func (p *Pipeline) Rebuild(ctx context.Context) (*library.Snapshot, error) {
	snap, err := p.Builder.Build(ctx)
	if err != nil {
		return nil, err
	}
	snap = p.Store.Swap(snap)
	p.Events.Publish(events.Event{Type: events.EventIndex, Generation: snap.Generation})
	return snap, nil
}

// sanitizeName flattens a client-supplied file name to a bare base
// name, refusing anything that still smells like a path.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(name)
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	return strings.TrimSpace(name)
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
