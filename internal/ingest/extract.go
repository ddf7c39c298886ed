package ingest

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/printvault/printvault/internal/logging"
)

// extractArchive unpacks zipPath into destDir. Caps and entry names
// are validated against the central directory before anything touches
// disk. Extraction goes through a sibling temp directory so a failed
// archive never leaves a half-populated project folder behind — on
// overwrite the old folder is removed only after the replacement has
// fully extracted.
func (p *Pipeline) extractArchive(ctx context.Context, zipPath, destDir string, replace bool) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	if err := p.vetArchive(&zr.Reader); err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp(filepath.Dir(destDir), ".extract-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if skipEntry(f.Name) {
			continue
		}
		if err := extractEntry(f, tmpDir); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}

	src := flattenRoot(tmpDir, filepath.Base(destDir))
	if replace {
		if err := os.RemoveAll(destDir); err != nil {
			return err
		}
	}
	return moveContents(src, destDir)
}

// vetArchive enforces the entry and size caps and rejects unsafe
// entry names up front.
func (p *Pipeline) vetArchive(zr *zip.Reader) error {
	if p.MaxArchiveEntries > 0 && len(zr.File) > p.MaxArchiveEntries {
		return fmt.Errorf("archive has %d entries, limit is %d", len(zr.File), p.MaxArchiveEntries)
	}
	var total int64
	for _, f := range zr.File {
		if !safeEntryName(f.Name) {
			return fmt.Errorf("archive entry %q escapes the destination", f.Name)
		}
		total += int64(f.UncompressedSize64)
	}
	if p.MaxArchiveBytes > 0 && total > p.MaxArchiveBytes {
		return fmt.Errorf("archive unpacks to %d bytes, limit is %d", total, p.MaxArchiveBytes)
	}
	return nil
}

// safeEntryName rejects absolute paths and any path that walks out of
// the extraction directory.
func safeEntryName(name string) bool {
	name = strings.ReplaceAll(name, `\`, "/")
	if name == "" || strings.HasPrefix(name, "/") {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

// skipEntry drops macOS resource-fork noise.
func skipEntry(name string) bool {
	name = strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(name, "__MACOSX/") || name == "__MACOSX" {
		return true
	}
	return strings.HasPrefix(filepath.Base(name), "._")
}

func extractEntry(f *zip.File, dir string) error {
	name := filepath.FromSlash(strings.ReplaceAll(f.Name, `\`, "/"))
	dest := filepath.Join(dir, name)

	if f.FileInfo().IsDir() {
		return os.MkdirAll(dest, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	// Bounded copy: the central directory can lie about sizes, so the
	// cap is re-enforced per entry during the actual write.
	_, err = io.Copy(out, io.LimitReader(rc, int64(f.UncompressedSize64)+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

// flattenRoot collapses the common "zip of a single folder with the
// archive's own name" layout so projects do not nest a duplicate
// directory level.
func flattenRoot(tmpDir, folderName string) string {
	entries, err := os.ReadDir(tmpDir)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return tmpDir
	}
	if !strings.EqualFold(entries[0].Name(), folderName) {
		return tmpDir
	}
	logging.Info("flattening duplicated archive root", logging.String("folder", folderName))
	return filepath.Join(tmpDir, entries[0].Name())
}

// moveContents renames everything under src into dest, creating dest.
func moveContents(src, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.Rename(filepath.Join(src, e.Name()), filepath.Join(dest, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
