// Package classify maps file names to library categories.
package classify

import (
	"path/filepath"
	"strings"
)

// Category is the library grouping a file belongs to.
type Category string

const (
	// Model covers printable geometry (.stl, .3mf).
	Model Category = "model"
	// Sliced covers machine toolpath output (.gcode).
	Sliced Category = "sliced"
	// Image covers preview and reference pictures.
	Image Category = "image"
	// Document covers assembly instructions and the like.
	Document Category = "document"
	// Archive covers project archives, which are unpacked on ingest
	// and never indexed as files themselves.
	Archive Category = "archive"
	// Unsupported is everything else. Not an error, just not indexed.
	Unsupported Category = "unsupported"
)

// Classify returns the category for a file name. The decision is made
// purely on the extension, case-insensitively.
func Classify(name string) Category {
	switch Ext(name) {
	case ".stl", ".3mf":
		return Model
	case ".gcode":
		return Sliced
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp":
		return Image
	case ".pdf":
		return Document
	case ".zip":
		return Archive
	default:
		return Unsupported
	}
}

// Ext returns the lowercased extension of name, including the dot.
func Ext(name string) string {
	return strings.ToLower(filepath.Ext(name))
}

// Indexed reports whether files of this category appear in the library
// index. Archives are unpacked instead, unsupported files are ignored.
func (c Category) Indexed() bool {
	switch c {
	case Model, Sliced, Image, Document:
		return true
	}
	return false
}

// Uploadable reports whether a file with this name is accepted by the
// ingest pipeline.
func Uploadable(name string) bool {
	switch Ext(name) {
	case ".zip", ".stl", ".3mf", ".gcode":
		return true
	}
	return false
}
