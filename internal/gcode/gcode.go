// Package gcode extracts summary metadata from sliced toolpath files.
//
// Slicers write a short comment header before the first motion command
// and a large settings dump at the end of the file. Only the header is
// scanned, and only a bounded prefix of the file is read, so indexing a
// multi-hundred-megabyte file stays cheap.
package gcode

import (
	"bufio"
	"io"
	"strings"
)

// maxHeaderBytes bounds how much of a file Extract will read.
const maxHeaderBytes = 64 << 10

// Metadata is the summary a slicer leaves in the file header. A zero
// field means the token was absent, which is never an error.
type Metadata struct {
	Slicer        string `json:"slicer,omitempty"`
	EstimatedTime string `json:"estimated_time,omitempty"`
	TimeLeft      string `json:"time_left,omitempty"`
	FilamentUsed  string `json:"filament_used,omitempty"`
	LayerHeight   string `json:"layer_height,omitempty"`
	BedTemp       string `json:"bed_temp,omitempty"`
	NozzleTemp    string `json:"nozzle_temp,omitempty"`
}

// IsZero reports whether no token was found.
func (m Metadata) IsZero() bool {
	return m == Metadata{}
}

// Extract scans the leading lines of a sliced file for known header
// tokens. Scanning stops at the first home command or after
// maxHeaderBytes, whichever comes first. Unknown lines are ignored.
func Extract(r io.Reader) Metadata {
	var m Metadata

	sc := bufio.NewScanner(io.LimitReader(r, maxHeaderBytes))
	sc.Buffer(make([]byte, 0, 4096), maxHeaderBytes)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.Contains(line, "G28 ;Home") {
			break
		}
		scanLine(&m, line)
	}
	// Scanner errors (oversized line, read failure) just end the scan;
	// whatever was collected so far is still valid.
	return m
}

func scanLine(m *Metadata, line string) {
	switch {
	case strings.Contains(line, "M117 Time Left"):
		m.TimeLeft = after(line, "M117 Time Left")
	case strings.Contains(line, "Filament used"):
		m.FilamentUsed = after(line, "Filament used")
	case strings.HasPrefix(line, ";TIME:"):
		m.EstimatedTime = after(line, ";TIME:")
	case strings.Contains(line, "estimated printing time"):
		// PrusaSlicer: "; estimated printing time (normal mode) = 1h 2m 3s"
		if _, v, ok := strings.Cut(line, "="); ok {
			m.EstimatedTime = strings.TrimSpace(v)
		}
	case strings.Contains(line, "M140"):
		m.BedTemp = after(line, "M140")
	case strings.Contains(line, "M104"):
		m.NozzleTemp = after(line, "M104")
	case containsFold(line, "layer height") || strings.Contains(line, "layer_height ="):
		if v := lineValue(line); v != "" {
			m.LayerHeight = v
		}
	case strings.Contains(line, "Generated with"):
		m.Slicer = after(line, "Generated with")
	case strings.Contains(line, "generated by"):
		m.Slicer = after(line, "generated by")
	}
}

// after returns the trimmed remainder of line past the first occurrence
// of token, with any separator punctuation stripped.
func after(line, token string) string {
	_, rest, ok := strings.Cut(line, token)
	if !ok {
		return ""
	}
	return strings.TrimLeft(strings.TrimSpace(rest), ":= \t")
}

// lineValue extracts the value of a "key: value" or "key = value"
// comment line.
func lineValue(line string) string {
	for _, sep := range []string{"=", ":"} {
		if _, v, ok := strings.Cut(line, sep); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
