package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newLibrary lays out a small two-root library:
//
//	models/benchy/{benchy.stl, preview.png, notes.pdf, sub/part.stl}
//	models/vase/{vase.stl, vase_0.3mm.gcode}
//	gcodes/{benchy_0.2mm_PLA.gcode, mystery.gcode}
func newLibrary(t *testing.T) *Builder {
	t.Helper()
	modelRoot := t.TempDir()
	slicedRoot := t.TempDir()

	writeFile(t, filepath.Join(modelRoot, "benchy", "benchy.stl"), "solid")
	writeFile(t, filepath.Join(modelRoot, "benchy", "preview.png"), "png")
	writeFile(t, filepath.Join(modelRoot, "benchy", "notes.pdf"), "pdf")
	writeFile(t, filepath.Join(modelRoot, "benchy", "sub", "part.stl"), "solid")
	writeFile(t, filepath.Join(modelRoot, "vase", "vase.stl"), "solid")
	writeFile(t, filepath.Join(modelRoot, "vase", "vase_0.3mm.gcode"), ";TIME:120\nG28 ;Home\n")

	writeFile(t, filepath.Join(slicedRoot, "benchy_0.2mm_PLA.gcode"), ";TIME:5437\nG28 ;Home\n")
	writeFile(t, filepath.Join(slicedRoot, "mystery.gcode"), "G1 X0\n")

	return &Builder{ModelRoot: modelRoot, SlicedRoot: slicedRoot}
}

func TestBuildFullIndex(t *testing.T) {
	b := newLibrary(t)
	snap, err := b.Build(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Projects, 2)

	benchy := snap.Projects["benchy"]
	require.NotNil(t, benchy)
	assert.Len(t, benchy.Models, 2)
	assert.Len(t, benchy.Images, 1)
	assert.Len(t, benchy.Documents, 1)
	assert.Equal(t, 4, benchy.FileCount())
	assert.False(t, benchy.CreatedAt.IsZero())

	// The sliced-root file matches benchy.stl by tokens.
	require.Len(t, benchy.LinkedSliced, 1)
	assert.Equal(t, "benchy_0.2mm_PLA.gcode", benchy.LinkedSliced[0].Name)
	require.NotNil(t, benchy.LinkedSliced[0].Gcode)
	assert.Equal(t, "5437", benchy.LinkedSliced[0].Gcode.EstimatedTime)

	vase := snap.Projects["vase"]
	require.NotNil(t, vase)
	assert.Len(t, vase.Sliced, 1)

	// Flat view: two sliced-root files plus vase's owned gcode.
	assert.Len(t, snap.SlicedEntries, 3)
	var orphans int
	for _, e := range snap.SlicedEntries {
		if e.Folder == "" {
			orphans++
			assert.Equal(t, "mystery.gcode", e.Name)
		}
	}
	assert.Equal(t, 1, orphans)
}

func TestBuildSkipsEmptyAndUnsupported(t *testing.T) {
	modelRoot := t.TempDir()
	writeFile(t, filepath.Join(modelRoot, "junk", "readme.txt"), "x")
	require.NoError(t, os.MkdirAll(filepath.Join(modelRoot, "empty"), 0o755))
	writeFile(t, filepath.Join(modelRoot, "real", "thing.stl"), "solid")

	b := &Builder{ModelRoot: modelRoot}
	snap, err := b.Build(context.Background())
	require.NoError(t, err)

	// Folders with no indexable files are not materialized.
	assert.Len(t, snap.Projects, 1)
	assert.Contains(t, snap.Projects, "real")
}

func TestBuildMissingModelRootIsFatal(t *testing.T) {
	b := &Builder{ModelRoot: filepath.Join(t.TempDir(), "nope")}
	_, err := b.Build(context.Background())
	assert.Error(t, err)
}

func TestRebuildFolderMatchesFullBuild(t *testing.T) {
	b := newLibrary(t)
	ctx := context.Background()

	snap, err := b.Build(ctx)
	require.NoError(t, err)

	// Mutate the benchy folder on disk, then compare an incremental
	// rebuild of it against a fresh full build.
	writeFile(t, filepath.Join(b.ModelRoot, "benchy", "new_part.stl"), "solid")
	require.NoError(t, os.Remove(filepath.Join(b.ModelRoot, "benchy", "notes.pdf")))

	incr, err := b.RebuildFolder(ctx, snap, "benchy")
	require.NoError(t, err)
	full, err := b.Build(ctx)
	require.NoError(t, err)

	assert.Equal(t, full.Projects["benchy"], incr.Projects["benchy"])
	// The untouched folder is carried over by reference.
	assert.Same(t, snap.Projects["vase"], incr.Projects["vase"])
}

func TestRebuildFolderRemovesDeletedFolder(t *testing.T) {
	b := newLibrary(t)
	ctx := context.Background()

	snap, err := b.Build(ctx)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(filepath.Join(b.ModelRoot, "benchy")))
	next, err := b.RebuildFolder(ctx, snap, "benchy")
	require.NoError(t, err)

	assert.NotContains(t, next.Projects, "benchy")
	assert.Contains(t, next.Projects, "vase")

	// The sliced file that pointed at benchy is an orphan now, but the
	// previous snapshot is untouched.
	for _, e := range next.SlicedEntries {
		if e.Name == "benchy_0.2mm_PLA.gcode" {
			assert.Empty(t, e.Folder)
		}
	}
	require.NotNil(t, snap.Projects["benchy"])
	assert.Len(t, snap.Projects["benchy"].LinkedSliced, 1)
}

func TestRefreshSliced(t *testing.T) {
	b := newLibrary(t)
	ctx := context.Background()

	snap, err := b.Build(ctx)
	require.NoError(t, err)

	writeFile(t, filepath.Join(b.SlicedRoot, "vase_fast.gcode"), ";TIME:60\n")
	next, err := b.RefreshSliced(ctx, snap)
	require.NoError(t, err)

	assert.Len(t, next.SlicedEntries, 4)
	vase := next.Projects["vase"]
	require.NotNil(t, vase)
	require.Len(t, vase.LinkedSliced, 1)
	assert.Equal(t, "vase_fast.gcode", vase.LinkedSliced[0].Name)

	// Prior snapshot sees nothing of this.
	assert.Len(t, snap.SlicedEntries, 3)
	assert.Empty(t, snap.Projects["vase"].LinkedSliced)
}

func TestStoreSwapIncrementsGeneration(t *testing.T) {
	s := NewStore()
	assert.Nil(t, s.Load())
	assert.Zero(t, s.Generation())

	first := s.Swap(&Snapshot{Projects: map[string]*ProjectFolder{}})
	assert.Equal(t, uint64(1), first.Generation)
	second := s.Swap(&Snapshot{Projects: map[string]*ProjectFolder{}})
	assert.Equal(t, uint64(2), second.Generation)
	assert.Same(t, second, s.Load())
}

func TestTokenAssociation(t *testing.T) {
	assert.True(t, tokensContained(tokenize("benchy"), tokenize("benchy_0.2mm_PLA")))
	assert.True(t, tokensContained(tokenize("Benchy"), tokenize("BENCHY final")))
	assert.False(t, tokensContained(tokenize("benchy"), tokenize("vase_0.2mm")))
	assert.False(t, tokensContained(nil, tokenize("anything")))
}
