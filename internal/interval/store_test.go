package interval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cptaffe/acme-syntax/style"
)

var (
	kw  = style.Value{Capture: style.CaptureKeyword}
	str = style.Value{Capture: style.CaptureString}
	cmt = style.Value{Capture: style.CaptureComment}
)

func TestNew(t *testing.T) {
	s := New(10)
	assert.Equal(t, 10, s.Len())
	assert.Equal(t, []Run{{Length: 10}}, s.Runs())

	empty := New(0)
	assert.Equal(t, 0, empty.Len())
	assert.Empty(t, empty.Runs())
	require.NoError(t, empty.Verify())
}

func TestRunsIn(t *testing.T) {
	s := New(20)
	require.NoError(t, s.Set(R(5, 10), []Run{{Length: 5, Value: kw}}))
	require.NoError(t, s.Set(R(12, 15), []Run{{Length: 3, Value: str}}))

	tests := []struct {
		name string
		r    Range
		want []Run
	}{
		{"all", R(0, 20), []Run{{5, style.Value{}}, {5, kw}, {2, style.Value{}}, {3, str}, {5, style.Value{}}}},
		{"inside one run", R(6, 8), []Run{{2, kw}}},
		{"straddle", R(8, 13), []Run{{2, kw}, {2, style.Value{}}, {1, str}}},
		{"empty", R(4, 4), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.RunsIn(tt.r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := s.RunsIn(R(15, 21))
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = s.RunsIn(R(-1, 3))
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestAt(t *testing.T) {
	s := New(10)
	require.NoError(t, s.Set(R(3, 6), []Run{{Length: 3, Value: kw}}))

	run, start, err := s.At(4)
	require.NoError(t, err)
	assert.Equal(t, Run{Length: 3, Value: kw}, run)
	assert.Equal(t, 3, start)

	run, start, err = s.At(9)
	require.NoError(t, err)
	assert.Equal(t, Run{Length: 4}, run)
	assert.Equal(t, 6, start)

	_, _, err = s.At(10)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestSetCoalesces(t *testing.T) {
	s := New(10)
	require.NoError(t, s.Set(R(0, 4), []Run{{Length: 4, Value: kw}}))
	require.NoError(t, s.Set(R(6, 10), []Run{{Length: 4, Value: kw}}))
	require.Equal(t, 3, s.Count())

	// Filling the gap with the same value collapses everything into one run.
	require.NoError(t, s.Set(R(4, 6), []Run{{Length: 1, Value: kw}, {Length: 0, Value: str}, {Length: 1, Value: kw}}))
	assert.Equal(t, []Run{{Length: 10, Value: kw}}, s.Runs())
	require.NoError(t, s.Verify())
}

func TestSetChangesLength(t *testing.T) {
	s := New(10)
	require.NoError(t, s.Set(R(2, 8), []Run{{Length: 2, Value: kw}, {Length: 7, Value: str}}))
	assert.Equal(t, 13, s.Len())
	assert.Equal(t, []Run{{2, style.Value{}}, {2, kw}, {7, str}, {2, style.Value{}}}, s.Runs())
	require.NoError(t, s.Verify())
}

func TestStorageUpdated(t *testing.T) {
	s := New(10)
	require.NoError(t, s.Set(R(0, 10), []Run{{Length: 3, Value: kw}, {Length: 4, Value: str}, {Length: 3, Value: kw}}))

	// Deleting the middle run leaves two equal neighbours, which merge.
	require.NoError(t, s.StorageUpdated(R(3, 7), 0))
	assert.Equal(t, []Run{{Length: 6, Value: kw}}, s.Runs())

	// Insertion becomes one unstyled run.
	require.NoError(t, s.StorageUpdated(R(2, 2), 5))
	assert.Equal(t, []Run{{2, kw}, {5, style.Value{}}, {4, kw}}, s.Runs())
	require.NoError(t, s.Verify())

	assert.ErrorIs(t, s.StorageUpdated(R(10, 12), 1), ErrOutOfRange)
}

func TestStorageUpdatedSameLength(t *testing.T) {
	s := New(12)
	require.NoError(t, s.Set(R(0, 12), []Run{{Length: 4, Value: kw}, {Length: 4, Value: str}, {Length: 4, Value: cmt}}))

	require.NoError(t, s.StorageUpdated(R(6, 10), 4))
	assert.Equal(t, 12, s.Len())
	assert.Equal(t, []Run{{4, kw}, {2, str}, {4, style.Value{}}, {2, cmt}}, s.Runs())
}

func TestRangeShift(t *testing.T) {
	tests := []struct {
		name      string
		r, edited Range
		newLength int
		want      Range
	}{
		{"edit before", R(10, 20), R(2, 4), 5, R(13, 23)},
		{"edit after", R(10, 20), R(25, 30), 0, R(10, 20)},
		{"insert at start grows", R(10, 20), R(10, 10), 3, R(10, 23)},
		{"insert at end grows", R(10, 20), R(20, 20), 3, R(10, 23)},
		{"inside", R(10, 20), R(12, 14), 0, R(10, 18)},
		{"covers", R(10, 20), R(5, 25), 0, R(5, 5)},
		{"covers with text", R(10, 20), R(5, 25), 4, R(5, 9)},
		{"head clipped", R(10, 20), R(5, 15), 2, R(5, 12)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.Shift(tt.edited, tt.newLength))
		})
	}
}

// model is the naive reference: one value per byte.
type model []style.Value

func (m model) runs() []Run {
	var out []Run
	for _, v := range m {
		if n := len(out); n > 0 && out[n-1].Value == v {
			out[n-1].Length++
			continue
		}
		out = append(out, Run{Length: 1, Value: v})
	}
	return out
}

func (m model) replace(r Range, runs []Run) model {
	var mid model
	for _, run := range runs {
		for i := 0; i < run.Length; i++ {
			mid = append(mid, run.Value)
		}
	}
	out := append(model{}, m[:r.Start]...)
	out = append(out, mid...)
	return append(out, m[r.End:]...)
}

func drawValue(t *rapid.T, label string) style.Value {
	return style.Value{Capture: style.Capture(rapid.IntRange(0, 3).Draw(t, label))}
}

func drawRange(t *rapid.T, length int) Range {
	start := rapid.IntRange(0, length).Draw(t, "start")
	end := rapid.IntRange(start, length).Draw(t, "end")
	return R(start, end)
}

func TestStoreMatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		length := rapid.IntRange(0, 50).Draw(t, "length")
		s := New(length)
		m := make(model, length)

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			r := drawRange(t, s.Len())
			if rapid.Bool().Draw(t, "edit") {
				n := rapid.IntRange(0, 8).Draw(t, "newLength")
				if err := s.StorageUpdated(r, n); err != nil {
					t.Fatalf("StorageUpdated: %v", err)
				}
				m = m.replace(r, []Run{{Length: n}})
			} else {
				var runs []Run
				for j := rapid.IntRange(0, 5).Draw(t, "nruns"); j > 0; j-- {
					runs = append(runs, Run{
						Length: rapid.IntRange(0, 6).Draw(t, "runLength"),
						Value:  drawValue(t, "value"),
					})
				}
				if err := s.Set(r, runs); err != nil {
					t.Fatalf("Set: %v", err)
				}
				m = m.replace(r, runs)
			}

			if err := s.Verify(); err != nil {
				t.Fatalf("invariant: %v", err)
			}
			if s.Len() != len(m) {
				t.Fatalf("Len() = %d, want %d", s.Len(), len(m))
			}
			got, err := s.RunsIn(R(0, s.Len()))
			if err != nil {
				t.Fatalf("RunsIn: %v", err)
			}
			total := 0
			for _, run := range got {
				total += run.Length
			}
			if total != s.Len() {
				t.Fatalf("runs sum to %d, want %d", total, s.Len())
			}
			if want := m.runs(); !assert.ObjectsAreEqual(want, got) && !(len(want) == 0 && len(got) == 0) {
				t.Fatalf("runs = %v, want %v", got, want)
			}
		}

		// Sub-range queries agree with the model too.
		if s.Len() > 0 {
			r := drawRange(t, s.Len())
			got, err := s.RunsIn(r)
			if err != nil {
				t.Fatalf("RunsIn(%v): %v", r, err)
			}
			want := model(m[r.Start:r.End]).runs()
			if !assert.ObjectsAreEqual(want, got) && !(len(want) == 0 && len(got) == 0) {
				t.Fatalf("RunsIn(%v) = %v, want %v", r, got, want)
			}
		}
	})
}
