package server

import "github.com/cptaffe/acme-syntax/style"

// adjustRunsInsert shifts and extends rune runs for an insertion of n runes
// at q0, the way acme adjusts its own styles.  Text inserted strictly
// inside a run extends it; insertions at a boundary fall into the right
// neighbour.
func adjustRunsInsert(runs []style.StyleRun, q0, n int) {
	for i := range runs {
		r := &runs[i]
		switch {
		case q0 <= r.Start:
			r.Start += n
			r.End += n
		case q0 < r.End:
			r.End += n
		}
	}
}

// adjustRunsDelete applies deletion of runes [q0, q1) to a run slice,
// returning the updated slice.  Runs wholly inside the deletion vanish.
func adjustRunsDelete(runs []style.StyleRun, q0, q1 int) []style.StyleRun {
	n := q1 - q0
	pos := func(p int) int {
		switch {
		case p <= q0:
			return p
		case p >= q1:
			return p - n
		}
		return q0
	}
	out := runs[:0]
	for _, r := range runs {
		r.Start, r.End = pos(r.Start), pos(r.End)
		if r.Start < r.End {
			out = append(out, r)
		}
	}
	return out
}

// palettesEqual reports whether two palettes have the same named entries
// with identical visual definitions (order-insensitive).
func palettesEqual(a, b []style.PaletteEntry) bool {
	if len(a) != len(b) {
		return false
	}
	bm := make(map[string]style.PaletteEntry, len(b))
	for _, e := range b {
		bm[e.Name] = e
	}
	for _, e := range a {
		be, ok := bm[e.Name]
		if !ok || !e.Equal(be) {
			return false
		}
	}
	return true
}

// diffRuns finds the smallest rune interval outside which two sorted,
// non-overlapping run slices agree.
func diffRuns(old, new []style.StyleRun) (q0, q1 int, changed bool) {
	i := 0
	for i < len(old) && i < len(new) && old[i] == new[i] {
		i++
	}
	if i == len(old) && i == len(new) {
		return 0, 0, false
	}
	ei, ej := len(old)-1, len(new)-1
	for ei >= i && ej >= i && old[ei] == new[ej] {
		ei--
		ej--
	}

	found := false
	span := func(rs []style.StyleRun) {
		for _, r := range rs {
			if !found {
				q0, q1, found = r.Start, r.End, true
				continue
			}
			q0, q1 = min(q0, r.Start), max(q1, r.End)
		}
	}
	span(old[i : ei+1])
	span(new[i : ej+1])
	if !found || q0 >= q1 {
		return 0, 0, false
	}
	return q0, q1, true
}
