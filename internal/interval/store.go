package interval

import (
	"fmt"

	"github.com/cptaffe/acme-syntax/style"
)

// Run is a contiguous stretch of Length bytes sharing one style value.  Its
// position is implied by the lengths of the runs before it.
type Run struct {
	Length int
	Value  style.Value
}

// Store is one provider's run list over [0, Len()).  The zero Store is an
// empty document.
//
// Invariants, re-established by every mutation: runs are contiguous and
// sum to Len(); no run has zero length; no two adjacent runs carry equal
// values.
//
// A Store is not safe for concurrent use.
type Store struct {
	root *node
}

// New returns a store covering length bytes with a single unstyled run.
func New(length int) *Store {
	s := &Store{}
	if length > 0 {
		s.root = newNode(Run{Length: length})
	}
	return s
}

// Len returns the total length covered by the store.
func (s *Store) Len() int { return sum(s.root) }

// Count returns the number of runs.
func (s *Store) Count() int { return count(s.root) }

// Runs returns every run in order.
func (s *Store) Runs() []Run {
	out := make([]Run, 0, s.Count())
	walk(s.root, func(r Run) { out = append(out, r) })
	return out
}

func (s *Store) check(r Range) error {
	if r.Start < 0 || r.End < r.Start || r.End > s.Len() {
		return fmt.Errorf("%v in [0,%d): %w", r, s.Len(), ErrOutOfRange)
	}
	return nil
}

// RunsIn returns the minimal run list covering r, with the first and last
// runs truncated to r's bounds.  An empty r yields no runs.
func (s *Store) RunsIn(r Range) ([]Run, error) {
	if err := s.check(r); err != nil {
		return nil, err
	}
	if r.Empty() {
		return nil, nil
	}
	return collect(s.root, 0, r.Start, r.End, nil), nil
}

// At returns the run containing pos and the offset where it starts.
func (s *Store) At(pos int) (Run, int, error) {
	if pos < 0 || pos >= s.Len() {
		return Run{}, 0, fmt.Errorf("position %d in [0,%d): %w", pos, s.Len(), ErrOutOfRange)
	}
	n, start := find(s.root, pos)
	return n.run, start, nil
}

// Set replaces the content of r with runs.  Zero-length runs are dropped
// and equal neighbours merged, both within runs and at the two splice
// boundaries.  The store's length changes by sum(runs) - r.Len().
func (s *Store) Set(r Range, runs []Run) error {
	if err := s.check(r); err != nil {
		return err
	}
	left, rest := split(s.root, r.Start)
	_, right := split(rest, r.Len())
	mid := build(normalize(runs))
	s.root = concat(concat(left, mid), right)
	return nil
}

// StorageUpdated keeps the store in step with a text edit that replaced
// edited with newLength bytes.  The replacement text is unstyled until a
// provider styles it again.
func (s *Store) StorageUpdated(edited Range, newLength int) error {
	if newLength > 0 {
		return s.Set(edited, []Run{{Length: newLength}})
	}
	return s.Set(edited, nil)
}

// Reset discards all runs and covers length bytes with one unstyled run.
func (s *Store) Reset(length int) {
	*s = *New(length)
}

// Verify checks the store invariants.
func (s *Store) Verify() error {
	var (
		prev  *Run
		total int
		err   error
	)
	walk(s.root, func(r Run) {
		if err != nil {
			return
		}
		if r.Length <= 0 {
			err = fmt.Errorf("run at %d has length %d", total, r.Length)
			return
		}
		if prev != nil && prev.Value == r.Value {
			err = fmt.Errorf("adjacent runs at %d share a value", total)
			return
		}
		total += r.Length
		rr := r
		prev = &rr
	})
	if err != nil {
		return err
	}
	if total != s.Len() {
		return fmt.Errorf("runs sum to %d, length is %d", total, s.Len())
	}
	return checkBalance(s.root)
}

func checkBalance(n *node) error {
	if n == nil {
		return nil
	}
	if d := height(n.left) - height(n.right); d > 1 || d < -1 {
		return fmt.Errorf("unbalanced node: heights %d/%d", height(n.left), height(n.right))
	}
	if err := checkBalance(n.left); err != nil {
		return err
	}
	return checkBalance(n.right)
}

// normalize drops empty runs and merges equal neighbours.
func normalize(runs []Run) []Run {
	out := make([]Run, 0, len(runs))
	for _, r := range runs {
		if r.Length <= 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Value == r.Value {
			out[n-1].Length += r.Length
			continue
		}
		out = append(out, r)
	}
	return out
}
