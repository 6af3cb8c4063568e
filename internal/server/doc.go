package server

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/cptaffe/acme-syntax/internal/syntax"
)

// errOutOfSync reports an edit event that does not fit the mirrored text.
var errOutOfSync = errors.New("document out of sync")

// runeMark is the spacing, in runes, of the offsets a freshly read
// document records for rune to byte conversion.
const runeMark = 256

// mark pairs a rune offset with its byte offset.
type mark struct{ q, b int }

// document mirrors a window body.  acme addresses text in runes while the
// parser works in bytes; the marks let either be converted to the other
// without scanning from the start.
//
// A document is immutable; edits return a new one, patching the marks and
// the parser's line index around the edit instead of rescanning the text.
type document struct {
	text  []byte
	snap  *syntax.Snapshot
	marks []mark // ascending from {0, 0}; at most runeMark runes apart
	runes int
}

func newDocument(text []byte) *document {
	d := &document{text: text, snap: syntax.NewSnapshot(text), marks: []mark{{0, 0}}}
	for off := 0; off < len(text); {
		_, n := utf8.DecodeRune(text[off:])
		off += n
		d.runes++
		if d.runes%runeMark == 0 {
			d.marks = append(d.marks, mark{d.runes, off})
		}
	}
	return d
}

// Len returns the length of the text in bytes.
func (d *document) Len() int { return len(d.text) }

// Runes returns the length of the text in runes.
func (d *document) Runes() int { return d.runes }

func (d *document) snapshot() *syntax.Snapshot { return d.snap }

// byteOffset converts rune offset q, clamped to the document, to a byte
// offset.
func (d *document) byteOffset(q int) int {
	q = min(max(q, 0), d.runes)
	i := sort.Search(len(d.marks), func(i int) bool { return d.marks[i].q > q }) - 1
	off := d.marks[i].b
	for n := q - d.marks[i].q; n > 0; n-- {
		_, size := utf8.DecodeRune(d.text[off:])
		off += size
	}
	return off
}

// runeOffset converts byte offset b, clamped to the document, to a rune
// offset.  An offset inside a multi-byte sequence rounds up.
func (d *document) runeOffset(b int) int {
	b = min(max(b, 0), len(d.text))
	i := sort.Search(len(d.marks), func(i int) bool { return d.marks[i].b > b }) - 1
	q, off := d.marks[i].q, d.marks[i].b
	for off < b {
		_, size := utf8.DecodeRune(d.text[off:])
		off += size
		q++
	}
	return q
}

// insert returns the document with text inserted at rune q0, and the
// matching byte edit.
func (d *document) insert(q0 int, text []byte) (*document, syntax.Edit, error) {
	if q0 < 0 || q0 > d.runes {
		return nil, syntax.Edit{}, fmt.Errorf("insert at %d of %d runes: %w", q0, d.runes, errOutOfSync)
	}
	start := d.byteOffset(q0)
	buf := make([]byte, 0, len(d.text)+len(text))
	buf = append(buf, d.text[:start]...)
	buf = append(buf, text...)
	buf = append(buf, d.text[start:]...)
	e := syntax.Edit{Start: start, OldEnd: start, NewEnd: start + len(text)}
	return d.edited(buf, q0, q0, utf8.RuneCount(text), e), e, nil
}

// delete returns the document with runes [q0, q1) removed, and the matching
// byte edit.
func (d *document) delete(q0, q1 int) (*document, syntax.Edit, error) {
	if q0 < 0 || q1 < q0 || q1 > d.runes {
		return nil, syntax.Edit{}, fmt.Errorf("delete [%d,%d) of %d runes: %w", q0, q1, d.runes, errOutOfSync)
	}
	start, end := d.byteOffset(q0), d.byteOffset(q1)
	buf := make([]byte, 0, len(d.text)-(end-start))
	buf = append(buf, d.text[:start]...)
	buf = append(buf, d.text[end:]...)
	e := syntax.Edit{Start: start, OldEnd: end, NewEnd: start}
	return d.edited(buf, q0, q1, 0, e), e, nil
}

// edited returns the document for text, which is d's text with runes
// [q0, q1) replaced by n runes; e is the same change in bytes.  Marks up to
// q0 are kept and marks past q1 shifted; only the runes between the
// nearest marks either side are rescanned.
func (d *document) edited(text []byte, q0, q1, n int, e syntax.Edit) *document {
	dq, db := n-(q1-q0), e.NewEnd-e.OldEnd
	lo := sort.Search(len(d.marks), func(i int) bool { return d.marks[i].q > q0 }) - 1
	hi := sort.Search(len(d.marks), func(i int) bool { return d.marks[i].q > q1 })

	nd := &document{text: text, snap: d.snap.Edited(text, e), runes: d.runes + dq}
	nd.marks = make([]mark, 0, len(d.marks)+n/runeMark+1)
	nd.marks = append(nd.marks, d.marks[:lo+1]...)
	end := nd.runes
	if hi < len(d.marks) {
		end = d.marks[hi].q + dq
	}
	from := d.marks[lo]
	for q, off := from.q, from.b; q < end; {
		_, size := utf8.DecodeRune(text[off:])
		off += size
		q++
		if (q-from.q)%runeMark == 0 && q < end {
			nd.marks = append(nd.marks, mark{q, off})
		}
	}
	for _, m := range d.marks[hi:] {
		nd.marks = append(nd.marks, mark{m.q + dq, m.b + db})
	}
	return nd
}
