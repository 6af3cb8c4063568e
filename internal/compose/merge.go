package compose

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cptaffe/acme-syntax/internal/interval"
	"github.com/cptaffe/acme-syntax/style"
)

// RunsIn returns the merged run sequence covering r.  Runs are gapless,
// ordered, and adjacent runs never share a value.
//
// The merge consumes every provider's run list from its tail.  At each step
// the shortest tail run is the pivot; every other provider's tail is
// combined into it according to relative priority and shortened by the
// pivot's length.  The output is built back to front and reversed.
func (c *Container) RunsIn(r interval.Range) ([]interval.Run, error) {
	if r.Start < 0 || r.End < r.Start || r.End > c.length {
		return nil, fmt.Errorf("%v in [0,%d): %w", r, c.length, interval.ErrOutOfRange)
	}
	if r.Empty() {
		return nil, nil
	}
	ps := c.sorted()
	if len(ps) == 0 {
		return []interval.Run{{Length: r.Len()}}, nil
	}

	stacks := make([][]interval.Run, len(ps))
	for i, p := range ps {
		if p.store.Len() != c.length {
			c.resync(p)
		}
		runs, err := p.store.RunsIn(r)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", p.id, err)
		}
		stacks[i] = runs
	}

	var out []interval.Run
	total := 0
	for {
		pi := -1
		for i, s := range stacks {
			if len(s) == 0 {
				continue
			}
			if pi < 0 || s[len(s)-1].Length < stacks[pi][len(stacks[pi])-1].Length {
				pi = i
			}
		}
		if pi < 0 {
			break
		}
		pivot := stacks[pi][len(stacks[pi])-1]
		if pivot.Length <= 0 {
			return nil, c.violation("run of length %d from %q", pivot.Length, ps[pi].id)
		}

		// Lower-priority providers fill in, nearest first; higher-priority
		// ones override, so the highest is applied last.
		for q := pi + 1; q < len(stacks); q++ {
			if tail, ok := last(stacks[q]); ok {
				pivot.Value = pivot.Value.CombineLowerPriority(tail.Value)
			}
		}
		for q := pi - 1; q >= 0; q-- {
			if tail, ok := last(stacks[q]); ok {
				pivot.Value = pivot.Value.CombineHigherPriority(tail.Value)
			}
		}

		for q := range stacks {
			s := stacks[q]
			if len(s) == 0 {
				if q != pi {
					return nil, c.violation("provider %q exhausted %d bytes early", ps[q].id, r.Len()-total)
				}
				continue
			}
			if s[len(s)-1].Length == pivot.Length {
				stacks[q] = s[:len(s)-1]
			} else {
				s[len(s)-1].Length -= pivot.Length
			}
		}

		if n := len(out); n > 0 && out[n-1].Value == pivot.Value {
			out[n-1].Length += pivot.Length
		} else {
			out = append(out, pivot)
		}
		total += pivot.Length
	}

	if total != r.Len() {
		return nil, c.violation("merged runs sum to %d, want %d", total, r.Len())
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func last(s []interval.Run) (interval.Run, bool) {
	if len(s) == 0 {
		return interval.Run{}, false
	}
	return s[len(s)-1], true
}

// Spans returns the merged styling of r as absolute spans.  Unstyled runs
// are omitted.
func (c *Container) Spans(r interval.Range) ([]style.Span, error) {
	runs, err := c.RunsIn(r)
	if err != nil {
		return nil, err
	}
	var out []style.Span
	pos := r.Start
	for _, run := range runs {
		if !run.Value.IsZero() {
			out = append(out, style.Span{Start: pos, End: pos + run.Length, Value: run.Value})
		}
		pos += run.Length
	}
	return out, nil
}

// resync resets a store whose length no longer matches the document, which
// means an edit notification was missed.  Its styles are lost, so the whole
// document is queued for re-highlighting.
func (c *Container) resync(p *provider) {
	c.log.Warn("provider store out of sync; resetting",
		zap.String("provider", string(p.id)),
		zap.Int("storeLen", p.store.Len()),
		zap.Int("docLen", c.length))
	p.store.Reset(c.length)
	c.Invalidate(interval.R(0, c.length))
}

func (c *Container) violation(format string, args ...any) error {
	err := fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
	assertInvariant(err)
	return err
}
