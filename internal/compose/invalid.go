package compose

import (
	"sort"

	"github.com/cptaffe/acme-syntax/internal/interval"
)

// Invalidate marks ranges as needing re-highlighting.  Ranges are clipped
// to the document; empty ones are ignored.
func (c *Container) Invalidate(ranges ...interval.Range) {
	doc := interval.R(0, c.length)
	for _, r := range ranges {
		if r = r.Intersect(doc); !r.Empty() {
			c.invalid = append(c.invalid, r)
		}
	}
	c.invalid = normalizeRanges(c.invalid)
}

// Invalid returns the pending ranges without consuming them.
func (c *Container) Invalid() []interval.Range {
	return append([]interval.Range(nil), c.invalid...)
}

// TakeInvalid removes and returns pending ranges from the start of the
// document, at most limit bytes in total.  The last range returned may be
// cut short, leaving its remainder pending.  A limit <= 0 takes everything.
func (c *Container) TakeInvalid(limit int) []interval.Range {
	if limit <= 0 {
		out := c.invalid
		c.invalid = nil
		return out
	}
	var out []interval.Range
	for len(c.invalid) > 0 && limit > 0 {
		r := c.invalid[0]
		if r.Len() > limit {
			out = append(out, interval.R(r.Start, r.Start+limit))
			c.invalid[0].Start += limit
			break
		}
		out = append(out, r)
		limit -= r.Len()
		c.invalid = c.invalid[1:]
	}
	return out
}

// normalizeRanges sorts ranges and merges overlapping or touching ones.
func normalizeRanges(rs []interval.Range) []interval.Range {
	if len(rs) < 2 {
		return rs
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start < rs[j].Start })
	out := rs[:1]
	for _, r := range rs[1:] {
		prev := &out[len(out)-1]
		if r.Start <= prev.End {
			prev.End = max(prev.End, r.End)
			continue
		}
		out = append(out, r)
	}
	return out
}
