// Package interval stores a single provider's style runs over a document.
//
// A Store holds an ordered, gapless sequence of Runs covering [0, Len()).
// Runs are kept in an AVL tree ordered by cumulative position, so point
// lookups are O(log n) and a splice touching k runs is O(log n + k).
package interval

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned when a range does not lie within [0, Len()).
var ErrOutOfRange = errors.New("range out of bounds")

// Range is a half-open byte range [Start, End).
type Range struct {
	Start int
	End   int // exclusive
}

// R is shorthand for Range{start, end}.
func R(start, end int) Range { return Range{Start: start, End: end} }

// Len returns the number of bytes in r.
func (r Range) Len() int { return r.End - r.Start }

// Empty reports whether r covers no bytes.
func (r Range) Empty() bool { return r.End <= r.Start }

// Contains reports whether pos lies in r.
func (r Range) Contains(pos int) bool { return r.Start <= pos && pos < r.End }

// Overlaps reports whether r and o share at least one byte.
func (r Range) Overlaps(o Range) bool { return r.Start < o.End && o.Start < r.End }

// Intersect returns the overlap of r and o, which is empty when they do not
// overlap.
func (r Range) Intersect(o Range) Range {
	out := Range{Start: max(r.Start, o.Start), End: min(r.End, o.End)}
	if out.End < out.Start {
		out.End = out.Start
	}
	return out
}

// Union returns the smallest range covering both r and o.  An empty
// operand is ignored.
func (r Range) Union(o Range) Range {
	switch {
	case r.Empty():
		return o
	case o.Empty():
		return r
	}
	return Range{Start: min(r.Start, o.Start), End: max(r.End, o.End)}
}

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.End) }

// Shift returns r adjusted for an edit that replaced edited with newLength
// bytes.  Positions before the edit are unchanged, positions after it move
// by the length delta, and positions inside it collapse onto the edit.
func (r Range) Shift(edited Range, newLength int) Range {
	delta := newLength - edited.Len()
	mapPos := func(p int, isEnd bool) int {
		switch {
		case p < edited.Start, p == edited.Start && !isEnd:
			return p
		case p >= edited.End:
			return p + delta
		case isEnd:
			return edited.Start + newLength
		default:
			return edited.Start
		}
	}
	out := Range{Start: mapPos(r.Start, false), End: mapPos(r.End, true)}
	if out.End < out.Start {
		out.End = out.Start
	}
	return out
}
