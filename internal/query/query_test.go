package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printvault/printvault/internal/library"
)

func day(n int) time.Time {
	return time.Date(2024, 3, n, 0, 0, 0, 0, time.UTC)
}

func folder(name string, created time.Time, models ...string) *library.ProjectFolder {
	f := &library.ProjectFolder{Name: name, CreatedAt: created}
	for _, m := range models {
		f.Models = append(f.Models, library.FileEntry{Name: m, RelPath: name + "/" + m})
	}
	return f
}

func snapshot(folders ...*library.ProjectFolder) *library.Snapshot {
	snap := &library.Snapshot{Projects: map[string]*library.ProjectFolder{}}
	for _, f := range folders {
		snap.Projects[f.Name] = f
	}
	return snap
}

func names(page ProjectsPage) []string {
	out := make([]string, 0, len(page.Projects))
	for _, v := range page.Projects {
		out = append(out, v.Folder.Name)
	}
	return out
}

func TestEmptyFilterReturnsEverythingInCanonicalOrder(t *testing.T) {
	snap := snapshot(
		folder("vase", day(1), "vase.stl"),
		folder("benchy", day(2), "benchy.stl"),
		folder("gears", day(3), "gear.stl"),
	)

	a := Projects(snap, Params{})
	b := Projects(snap, Params{Filter: "   "})

	assert.Equal(t, []string{"benchy", "gears", "vase"}, names(a))
	assert.Equal(t, names(a), names(b))
	assert.Equal(t, 3, a.Meta.TotalFolders)
}

func TestSubstringMatchAlwaysWins(t *testing.T) {
	snap := snapshot(
		folder("benchy", day(1), "benchy.stl"),
		folder("workbench", day(2), "top.stl"),
		folder("vase", day(3), "vase.stl"),
	)

	page := Projects(snap, Params{Filter: "bench"})
	got := names(page)
	assert.Contains(t, got, "benchy")
	assert.Contains(t, got, "workbench")
	assert.NotContains(t, got, "vase")
}

func TestFuzzyFallbackToleratesTypos(t *testing.T) {
	snap := snapshot(
		folder("calibration cube", day(1), "cube.stl"),
		folder("vase", day(2), "vase.stl"),
	)

	// Not a substring, but a fuzzy match on the folder name.
	page := Projects(snap, Params{Filter: "calcube"})
	assert.Contains(t, names(page), "calibration cube")
}

func TestFileOnlyMatchNarrowsFileList(t *testing.T) {
	snap := snapshot(
		folder("spares", day(1), "hinge.stl", "bracket.stl"),
	)

	page := Projects(snap, Params{Filter: "hinge"})
	require.Len(t, page.Projects, 1)
	require.Len(t, page.Projects[0].Files, 1)
	assert.Equal(t, "hinge.stl", page.Projects[0].Files[0].Name)

	// A folder-name match exposes the full file list.
	page = Projects(snap, Params{Filter: "spares"})
	require.Len(t, page.Projects, 1)
	assert.Len(t, page.Projects[0].Files, 2)
}

func TestSortCreatedAtAscDescAreReversed(t *testing.T) {
	snap := snapshot(
		folder("a", day(3), "a.stl"),
		folder("b", day(1), "b.stl"),
		folder("c", day(2), "c.stl"),
	)

	asc := names(Projects(snap, Params{SortBy: SortByCreatedAt, Order: Asc}))
	desc := names(Projects(snap, Params{SortBy: SortByCreatedAt, Order: Desc}))

	assert.Equal(t, []string{"b", "c", "a"}, asc)
	for i := range asc {
		assert.Equal(t, asc[i], desc[len(desc)-1-i])
	}
}

func TestSortIsStableOnTies(t *testing.T) {
	ts := day(5)
	snap := snapshot(
		folder("delta", ts, "d.stl"),
		folder("alpha", ts, "a.stl"),
		folder("mike", ts, "m.stl"),
	)

	// All keys equal: canonical (name asc) pre-sort order survives,
	// in both directions.
	asc := names(Projects(snap, Params{SortBy: SortByCreatedAt, Order: Asc}))
	desc := names(Projects(snap, Params{SortBy: SortByCreatedAt, Order: Desc}))
	assert.Equal(t, []string{"alpha", "delta", "mike"}, asc)
	assert.Equal(t, asc, desc)
}

func TestMissingCreatedAtSortsAsMinimum(t *testing.T) {
	snap := snapshot(
		folder("dated", day(1), "x.stl"),
		folder("undated", time.Time{}, "y.stl"),
	)

	asc := names(Projects(snap, Params{SortBy: SortByCreatedAt, Order: Asc}))
	assert.Equal(t, []string{"undated", "dated"}, asc)
}

func TestSortByFileCount(t *testing.T) {
	snap := snapshot(
		folder("small", day(1), "a.stl"),
		folder("big", day(2), "a.stl", "b.stl", "c.stl"),
	)
	got := names(Projects(snap, Params{SortBy: SortByFileCount, Order: Desc}))
	assert.Equal(t, []string{"big", "small"}, got)
}

func TestPageBeyondLastIsEmptyNotError(t *testing.T) {
	snap := snapshot(
		folder("a", day(1), "a.stl"),
		folder("b", day(2), "b.stl"),
		folder("c", day(3), "c.stl"),
	)

	page := Projects(snap, Params{Page: 1000, PerPage: 1})
	assert.Empty(t, page.Projects)
	assert.Equal(t, 1000, page.Meta.Page)
	assert.Equal(t, 3, page.Meta.TotalPages)
	assert.Equal(t, 3, page.Meta.TotalFolders)
}

func TestPaginationWindows(t *testing.T) {
	snap := snapshot(
		folder("a", day(1), "a.stl"),
		folder("b", day(2), "b.stl"),
		folder("c", day(3), "c.stl"),
		folder("d", day(4), "d.stl"),
		folder("e", day(5), "e.stl"),
	)

	p1 := Projects(snap, Params{Page: 1, PerPage: 2})
	p2 := Projects(snap, Params{Page: 2, PerPage: 2})
	p3 := Projects(snap, Params{Page: 3, PerPage: 2})

	assert.Equal(t, []string{"a", "b"}, names(p1))
	assert.Equal(t, []string{"c", "d"}, names(p2))
	assert.Equal(t, []string{"e"}, names(p3))
	assert.Equal(t, 3, p1.Meta.TotalPages)
	assert.Equal(t, 5, p1.Meta.TotalFiles)
}

func TestSlicedFilesView(t *testing.T) {
	snap := &library.Snapshot{
		Projects: map[string]*library.ProjectFolder{},
		SlicedEntries: []library.FileEntry{
			{Name: "vase_0.3mm.gcode", Folder: "vase", SizeBytes: 10, CreatedAt: day(2)},
			{Name: "benchy_0.2mm.gcode", Folder: "benchy", SizeBytes: 30, CreatedAt: day(1)},
			{Name: "mystery.gcode", SizeBytes: 20, CreatedAt: day(3)},
		},
	}

	page := SlicedFiles(snap, Params{})
	require.Len(t, page.Files, 3)
	// Default order: folder name, then file name; orphans first.
	assert.Equal(t, "mystery.gcode", page.Files[0].Name)
	assert.Equal(t, "benchy_0.2mm.gcode", page.Files[1].Name)
	assert.Equal(t, 2, page.Meta.TotalFolders)
	assert.Equal(t, 3, page.Meta.TotalFiles)

	bySize := SlicedFiles(snap, Params{SortBy: SortBySize, Order: Desc})
	assert.Equal(t, "benchy_0.2mm.gcode", bySize.Files[0].Name)

	filtered := SlicedFiles(snap, Params{Filter: "benchy"})
	require.Len(t, filtered.Files, 1)

	beyond := SlicedFiles(snap, Params{Page: 99})
	assert.Empty(t, beyond.Files)
	assert.Equal(t, 1, beyond.Meta.TotalPages)
}
