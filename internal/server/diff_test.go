package server

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/cptaffe/acme-syntax/style"
)

func run(name string, start, end int) style.StyleRun {
	return style.StyleRun{Name: name, Start: start, End: end}
}

func TestAdjustRunsInsert(t *testing.T) {
	runs := []style.StyleRun{run("a", 0, 4), run("b", 4, 8), run("c", 10, 12)}
	adjustRunsInsert(runs, 4, 3)
	want := []style.StyleRun{run("a", 0, 4), run("b", 7, 11), run("c", 13, 15)}
	if diff := cmp.Diff(want, runs); diff != "" {
		t.Errorf("insert at boundary (-want +got):\n%s", diff)
	}

	adjustRunsInsert(runs, 2, 1)
	want = []style.StyleRun{run("a", 0, 5), run("b", 8, 12), run("c", 14, 16)}
	if diff := cmp.Diff(want, runs); diff != "" {
		t.Errorf("insert inside run (-want +got):\n%s", diff)
	}
}

func TestAdjustRunsDelete(t *testing.T) {
	tests := []struct {
		name   string
		q0, q1 int
		want   []style.StyleRun
	}{
		{"before", 0, 2, []style.StyleRun{run("a", 0, 6), run("b", 8, 10)}},
		{"inside", 3, 5, []style.StyleRun{run("a", 2, 6), run("b", 8, 10)}},
		{"swallows", 1, 9, []style.StyleRun{run("b", 2, 4)}},
		{"straddles", 6, 11, []style.StyleRun{run("a", 2, 6), run("b", 6, 7)}},
		{"after", 12, 14, []style.StyleRun{run("a", 2, 8), run("b", 10, 12)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := []style.StyleRun{run("a", 2, 8), run("b", 10, 12)}
			got := adjustRunsDelete(runs, tt.q0, tt.q1)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestDiffRuns(t *testing.T) {
	base := []style.StyleRun{run("a", 0, 2), run("b", 4, 6), run("c", 8, 10)}

	_, _, changed := diffRuns(base, base)
	assert.False(t, changed)

	q0, q1, changed := diffRuns(base, []style.StyleRun{run("a", 0, 2), run("x", 4, 7), run("c", 8, 10)})
	assert.True(t, changed)
	assert.Equal(t, [2]int{4, 7}, [2]int{q0, q1})

	q0, q1, changed = diffRuns(base, base[:2])
	assert.True(t, changed)
	assert.Equal(t, [2]int{8, 10}, [2]int{q0, q1})

	q0, q1, changed = diffRuns(nil, base)
	assert.True(t, changed)
	assert.Equal(t, [2]int{0, 10}, [2]int{q0, q1})
}

func TestPalettesEqual(t *testing.T) {
	a := []style.PaletteEntry{{Name: "keyword", Bold: true}, {Name: "string", FG: "#00ff00"}}
	b := []style.PaletteEntry{{Name: "string", FG: "#00ff00"}, {Name: "keyword", Bold: true}}
	assert.True(t, palettesEqual(a, b))
	b[0].FG = "#0000ff"
	assert.False(t, palettesEqual(a, b))
	assert.False(t, palettesEqual(a, a[:1]))
}
