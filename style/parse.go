package style

import (
	"strconv"
	"strings"
)

// ParsePaletteLine parses "name [prop ...]" (after the leading ':' is
// stripped).
func ParsePaletteLine(line string) (PaletteEntry, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return PaletteEntry{}, false
	}
	e := PaletteEntry{Name: fields[0]}
	for _, tok := range fields[1:] {
		switch {
		case tok == "bold":
			e.Bold = true
		case tok == "italic":
			e.Italic = true
		case tok == "underline":
			e.Underline = true
		case strings.HasPrefix(tok, "font="):
			e.FontName = tok[5:]
		case strings.HasPrefix(tok, "fg="):
			e.FG = tok[3:]
		case strings.HasPrefix(tok, "bg="):
			e.BG = tok[3:]
		}
	}
	return e, true
}

// ParseRunLine parses "start length name".
func ParseRunLine(line string) (StyleRun, bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return StyleRun{}, false
	}
	start, err := strconv.Atoi(fields[0])
	if err != nil || start < 0 {
		return StyleRun{}, false
	}
	length, err := strconv.Atoi(fields[1])
	if err != nil || length <= 0 {
		return StyleRun{}, false
	}
	return StyleRun{Name: fields[2], Start: start, End: start + length}, true
}

// ParseContent parses a complete style buffer (palette + run lines).
// Malformed lines are skipped.
func ParseContent(content string) ([]PaletteEntry, []StyleRun) {
	var palette []PaletteEntry
	var runs []StyleRun
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, ":") {
			if e, ok := ParsePaletteLine(line[1:]); ok {
				palette = append(palette, e)
			}
		} else if r, ok := ParseRunLine(line); ok {
			runs = append(runs, r)
		}
	}
	return palette, runs
}
