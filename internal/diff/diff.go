// Package diff computes line-anchored previews of text changes.
//
// The comparison is positional: line N of the old text is compared against
// line N of the new text. It does not align moved or inserted blocks, so a
// single inserted line near the top shows every following line as changed.
// That is enough for a reviewer to confirm an overwrite, not for merging.
package diff

import "strings"

// Kind classifies a single preview entry.
type Kind string

const (
	KindAdded   Kind = "added"
	KindRemoved Kind = "removed"
	KindChanged Kind = "changed"
)

// Entry describes one differing line position (1-based).
type Entry struct {
	Line   int    `json:"line"`
	Before string `json:"before"`
	After  string `json:"after"`
	Kind   Kind   `json:"kind"`
}

// Preview summarises the differences between two texts.
type Preview struct {
	Added   int     `json:"added"`
	Removed int     `json:"removed"`
	Changed int     `json:"changed"`
	Entries []Entry `json:"entries"`
}

// Empty reports whether the two compared texts had identical lines.
func (p Preview) Empty() bool {
	return len(p.Entries) == 0
}

// Compute compares before and after line by line.
func Compute(before, after string) Preview {
	oldLines := splitLines(before)
	newLines := splitLines(after)

	total := len(oldLines)
	if len(newLines) > total {
		total = len(newLines)
	}

	preview := Preview{Entries: make([]Entry, 0)}
	for i := 0; i < total; i++ {
		switch {
		case i >= len(oldLines):
			preview.Entries = append(preview.Entries, Entry{Line: i + 1, After: newLines[i], Kind: KindAdded})
			preview.Added++
		case i >= len(newLines):
			preview.Entries = append(preview.Entries, Entry{Line: i + 1, Before: oldLines[i], Kind: KindRemoved})
			preview.Removed++
		case oldLines[i] != newLines[i]:
			preview.Entries = append(preview.Entries, Entry{Line: i + 1, Before: oldLines[i], After: newLines[i], Kind: KindChanged})
			preview.Changed++
		}
	}
	return preview
}

// splitLines breaks text on LF, treating CRLF as LF. A single trailing line
// terminator closes the last line instead of opening an empty one, so "" and
// "\n" both have no lines.
func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
