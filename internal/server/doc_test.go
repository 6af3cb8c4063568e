package server

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cptaffe/acme-syntax/internal/syntax"
)

func TestDocumentOffsets(t *testing.T) {
	d := newDocument([]byte("aé€b"))
	assert.Equal(t, 4, d.Runes())
	assert.Equal(t, 7, d.Len())
	for q, b := range []int{0, 1, 3, 6, 7} {
		assert.Equal(t, b, d.byteOffset(q), "rune %d", q)
		assert.Equal(t, q, d.runeOffset(b), "byte %d", b)
	}
	assert.Equal(t, 7, d.byteOffset(99))
	assert.Equal(t, 0, d.byteOffset(-1))
	assert.Equal(t, 2, d.runeOffset(2), "inside é rounds up")
}

func TestDocumentOffsetsRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringOfN(rapid.RuneFrom([]rune("ab\né€𝄞")), 0, 3*runeMark, -1).Draw(t, "text")
		d := newDocument([]byte(s))
		if d.Runes() != utf8.RuneCountInString(s) {
			t.Fatalf("runes = %d, want %d", d.Runes(), utf8.RuneCountInString(s))
		}
		q := rapid.IntRange(0, d.Runes()).Draw(t, "q")
		b := d.byteOffset(q)
		if want := len(string([]rune(s)[:q])); b != want {
			t.Fatalf("byteOffset(%d) = %d, want %d", q, b, want)
		}
		if got := d.runeOffset(b); got != q {
			t.Fatalf("runeOffset(%d) = %d, want %d", b, got, q)
		}
	})
}

func TestDocumentEdits(t *testing.T) {
	d := newDocument([]byte("héllo"))

	d2, e, err := d.insert(2, []byte("€"))
	require.NoError(t, err)
	assert.Equal(t, "hé€llo", string(d2.text))
	assert.Equal(t, syntax.Edit{Start: 3, OldEnd: 3, NewEnd: 6}, e)

	d3, e, err := d2.delete(1, 3)
	require.NoError(t, err)
	assert.Equal(t, "hllo", string(d3.text))
	assert.Equal(t, syntax.Edit{Start: 1, OldEnd: 6, NewEnd: 1}, e)

	_, _, err = d.insert(6, []byte("x"))
	assert.ErrorIs(t, err, errOutOfSync)
	_, _, err = d.delete(3, 9)
	assert.ErrorIs(t, err, errOutOfSync)
}

func TestDocumentEditsMatchRescan(t *testing.T) {
	alphabet := rapid.RuneFrom([]rune("ab\né€𝄞"))
	rapid.Check(t, func(t *rapid.T) {
		d := newDocument([]byte(rapid.StringOfN(alphabet, 0, 3*runeMark, -1).Draw(t, "text")))
		for i, n := 0, rapid.IntRange(1, 8).Draw(t, "edits"); i < n; i++ {
			q0 := rapid.IntRange(0, d.Runes()).Draw(t, "q0")
			var err error
			if rapid.Bool().Draw(t, "insert") {
				d, _, err = d.insert(q0, []byte(rapid.StringOfN(alphabet, 1, 2*runeMark, -1).Draw(t, "inserted")))
			} else {
				d, _, err = d.delete(q0, rapid.IntRange(q0, d.Runes()).Draw(t, "q1"))
			}
			if err != nil {
				t.Fatalf("edit: %v", err)
			}
		}

		want := newDocument(d.text)
		if d.Runes() != want.Runes() {
			t.Fatalf("runes = %d, want %d", d.Runes(), want.Runes())
		}
		for q := 0; q <= d.Runes(); q++ {
			if got, w := d.byteOffset(q), want.byteOffset(q); got != w {
				t.Fatalf("byteOffset(%d) = %d, want %d", q, got, w)
			}
		}
		for b := 0; b <= d.Len(); b++ {
			if got, w := d.runeOffset(b), want.runeOffset(b); got != w {
				t.Fatalf("runeOffset(%d) = %d, want %d", b, got, w)
			}
			if got, w := d.snapshot().Point(b), want.snapshot().Point(b); got != w {
				t.Fatalf("Point(%d) = %v, want %v", b, got, w)
			}
		}
		for i := 1; i < len(d.marks); i++ {
			if gap := d.marks[i].q - d.marks[i-1].q; gap <= 0 || gap > runeMark {
				t.Fatalf("marks %v and %v are %d runes apart", d.marks[i-1], d.marks[i], gap)
			}
		}
	})
}

func TestDocumentLong(t *testing.T) {
	s := strings.Repeat("é", 3*runeMark+5)
	d := newDocument([]byte(s))
	assert.Len(t, d.marks, 4)
	assert.Equal(t, 2*(2*runeMark+7), d.byteOffset(2*runeMark+7))
	assert.Equal(t, 2*runeMark+7, d.runeOffset(2*(2*runeMark+7)))
	assert.Equal(t, len(s), d.byteOffset(d.Runes()))
}
