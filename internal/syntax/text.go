package syntax

import (
	"sort"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/cptaffe/acme-syntax/internal/interval"
)

// Text is a read-only view of a document.  Implementations must not change
// while a parse or query is reading them.
type Text interface {
	// Len returns the document length in bytes.
	Len() int
	// Bytes returns the whole document.  Callers must not modify it.
	Bytes() []byte
	// Chunk returns the bytes starting at off, or nil past the end.
	Chunk(off int) []byte
	// Slice returns the bytes in [start, end).
	Slice(start, end int) []byte
	// Point returns the row and byte column of off.
	Point(off int) tree_sitter.Point
}

// Snapshot is an immutable Text over a byte slice.
type Snapshot struct {
	b     []byte
	lines []int // byte offset of each line start
}

// NewSnapshot returns a snapshot of b.  b is retained and must not be
// modified afterwards.
func NewSnapshot(b []byte) *Snapshot {
	lines := []int{0}
	for i, c := range b {
		if c == '\n' {
			lines = append(lines, i+1)
		}
	}
	return &Snapshot{b: b, lines: lines}
}

// Edited returns a snapshot of b, which must be s's text with e applied.
// Line starts before the edit are kept and those after it shifted, so only
// the inserted bytes are scanned.
func (s *Snapshot) Edited(b []byte, e Edit) *Snapshot {
	keep := sort.SearchInts(s.lines, e.Start+1)
	lines := make([]int, 0, len(s.lines)+1)
	lines = append(lines, s.lines[:keep]...)
	for i := e.Start; i < e.NewEnd; i++ {
		if b[i] == '\n' {
			lines = append(lines, i+1)
		}
	}
	delta := e.NewEnd - e.OldEnd
	for _, l := range s.lines[keep:] {
		if l > e.OldEnd {
			lines = append(lines, l+delta)
		}
	}
	return &Snapshot{b: b, lines: lines}
}

func (s *Snapshot) Len() int      { return len(s.b) }
func (s *Snapshot) Bytes() []byte { return s.b }

func (s *Snapshot) Chunk(off int) []byte {
	if off < 0 || off >= len(s.b) {
		return nil
	}
	return s.b[off:]
}

func (s *Snapshot) Slice(start, end int) []byte {
	start = max(0, min(start, len(s.b)))
	end = max(start, min(end, len(s.b)))
	return s.b[start:end]
}

func (s *Snapshot) Point(off int) tree_sitter.Point {
	off = max(0, min(off, len(s.b)))
	row := sort.SearchInts(s.lines, off+1) - 1
	return tree_sitter.NewPoint(uint(row), uint(off-s.lines[row]))
}

// Edit describes a text change in bytes: [Start, OldEnd) in the old text
// was replaced by [Start, NewEnd) in the new text.
type Edit struct {
	Start  int
	OldEnd int
	NewEnd int
}

// Range returns the replaced range in the old text.
func (e Edit) Range() interval.Range { return interval.R(e.Start, e.OldEnd) }

// NewLength returns the length of the replacement text.
func (e Edit) NewLength() int { return e.NewEnd - e.Start }

// Inserted returns the replacement's range in the new text.
func (e Edit) Inserted() interval.Range { return interval.R(e.Start, e.NewEnd) }

// inputEdit converts e to tree-sitter's form.  old and cur are the texts
// before and after the edit.
func (e Edit) inputEdit(old, cur Text) *tree_sitter.InputEdit {
	return &tree_sitter.InputEdit{
		StartByte:      uint(e.Start),
		OldEndByte:     uint(e.OldEnd),
		NewEndByte:     uint(e.NewEnd),
		StartPosition:  cur.Point(e.Start),
		OldEndPosition: old.Point(e.OldEnd),
		NewEndPosition: cur.Point(e.NewEnd),
	}
}
