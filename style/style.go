// Package style defines the style values the highlighter computes and the
// wire-format types used to hand composed runs to acme.
//
// Value and Span are the engine's view: a closed capture kind plus a
// modifier set over byte ranges.  PaletteEntry and StyleRun are the acme
// view: named visual definitions and rune-offset runs that reference them
// by name.  Tools that push highlights to the daemon over 9P use the same
// wire format, serialised with Format.
package style

import (
	"fmt"
	"strings"
)

// PaletteEntry is a named visual style definition.
type PaletteEntry struct {
	Name      string // e.g. "keyword"
	FontName  string // absolute font path, or ""
	FG        string // "#rrggbb", or ""
	BG        string // "#rrggbb", or ""
	Bold      bool
	Italic    bool
	Underline bool
}

// Equal reports whether e and b have identical visual properties (all fields
// except Name).
func (e PaletteEntry) Equal(b PaletteEntry) bool {
	return e.FontName == b.FontName &&
		e.FG == b.FG &&
		e.BG == b.BG &&
		e.Bold == b.Bold &&
		e.Italic == b.Italic &&
		e.Underline == b.Underline
}

// StyleRun is a named style span.  Start and End are file-absolute rune
// offsets; End is exclusive.
type StyleRun struct {
	Name  string
	Start int
	End   int // exclusive
}

// Format serialises palette entries and style runs into the wire format:
// palette lines ":name fg=#rrggbb bold" followed by run lines
// "start length name".
func Format(palette []PaletteEntry, runs []StyleRun) string {
	var sb strings.Builder
	for _, e := range palette {
		writePaletteLine(&sb, e)
	}
	for _, r := range runs {
		fmt.Fprintf(&sb, "%d %d %s\n", r.Start, r.End-r.Start, r.Name)
	}
	return sb.String()
}

// FormatAt is Format restricted to the runs overlapping [q0, q1), clipped
// to it and with offsets relative to q0.  It is used for addr-scoped
// partial writes.
func FormatAt(palette []PaletteEntry, runs []StyleRun, q0, q1 int) string {
	out := make([]StyleRun, 0, len(runs))
	for _, r := range runs {
		if r.End <= q0 || r.Start >= q1 {
			continue
		}
		start := max(r.Start, q0)
		end := min(r.End, q1)
		out = append(out, StyleRun{Name: r.Name, Start: start - q0, End: end - q0})
	}
	return Format(palette, out)
}

func writePaletteLine(sb *strings.Builder, e PaletteEntry) {
	fmt.Fprintf(sb, ":%s", e.Name)
	if e.FontName != "" {
		fmt.Fprintf(sb, " font=%s", e.FontName)
	}
	if e.FG != "" {
		fmt.Fprintf(sb, " fg=%s", e.FG)
	}
	if e.BG != "" {
		fmt.Fprintf(sb, " bg=%s", e.BG)
	}
	if e.Bold {
		sb.WriteString(" bold")
	}
	if e.Italic {
		sb.WriteString(" italic")
	}
	if e.Underline {
		sb.WriteString(" underline")
	}
	sb.WriteByte('\n')
}
