package syntax

import (
	"context"
	"fmt"
	"sort"
	"time"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/cptaffe/acme-syntax/internal/interval"
	"github.com/cptaffe/acme-syntax/internal/taskq"
	"github.com/cptaffe/acme-syntax/style"
)

// QueryResult is the outcome of a deferred QueryHighlights.
type QueryResult struct {
	Range      interval.Range
	Spans      []style.Span
	Generation uint64
	Err        error // ErrStale or ErrClosed
}

// piece is part of a queried range assigned to one layer.
type piece struct {
	l *layer
	r interval.Range
}

type queryState struct {
	r           interval.Range
	gen         uint64
	partitioned bool
	pieces      []piece
	spans       []style.Span
	done        func(QueryResult)
}

// QueryHighlights returns the highlight spans in r, ordered by Start.  When
// the query does not fit the time budget, or edits are still queued, the
// rest is queued, QueryHighlights returns ErrDeferred and done receives the
// full result.  A queued query whose generation is outdated by the time it
// runs reports ErrStale instead.
func (c *Client) QueryHighlights(r interval.Range, done func(QueryResult)) ([]style.Span, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(); err != nil {
		return nil, err
	}
	if r.Start < 0 || r.End < r.Start || r.End > c.latest.Len() {
		return nil, fmt.Errorf("query %v in [0,%d): %w", r, c.latest.Len(), interval.ErrOutOfRange)
	}
	qs := &queryState{r: r, gen: c.gen, done: done}
	if c.inflight > 0 {
		c.enqueueQuery(qs)
		return nil, ErrDeferred
	}
	if c.runQuery(qs, c.deadline()) {
		return qs.spans, nil
	}
	c.enqueueQuery(qs)
	return nil, ErrDeferred
}

func (c *Client) enqueueQuery(qs *queryState) {
	c.q.Enqueue(taskq.Query, "highlight", func(ctx context.Context) error {
		res := c.finishQuery(qs)
		if qs.done != nil {
			qs.done(res)
		}
		return nil
	})
}

// finishQuery completes a deferred query on the queue.
func (c *Client) finishQuery(qs *queryState) QueryResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := QueryResult{Range: qs.r, Generation: qs.gen}
	switch {
	case c.state == destroyed:
		res.Err = ErrClosed
	case c.state == uninitialized, qs.gen != c.gen:
		res.Err = ErrStale
	default:
		c.runQuery(qs, noDeadline)
		res.Spans = qs.spans
	}
	return res
}

// runQuery queries pieces until they run out or the deadline passes.  At
// least one piece is queried per call.  Must be called with c.mu held.
func (c *Client) runQuery(qs *queryState, deadline time.Time) bool {
	if !qs.partitioned {
		qs.partitioned = true
		qs.pieces = c.partition(qs.r)
	}
	src := c.text.Bytes()
	ran := false
	for len(qs.pieces) > 0 {
		if ran && !deadline.IsZero() && time.Now().After(deadline) {
			return false
		}
		p := qs.pieces[0]
		qs.pieces = qs.pieces[1:]
		qs.spans = append(qs.spans, queryLayer(p.l, p.r, src)...)
		ran = true
	}
	sort.Slice(qs.spans, func(i, j int) bool { return qs.spans[i].Start < qs.spans[j].Start })
	return true
}

// partition splits r between the layers covering it.  Injected layers are
// visited latest first and claim the bytes no later layer claimed; the
// primary layer takes the remainder.
func (c *Client) partition(r interval.Range) []piece {
	var (
		out     []piece
		covered []interval.Range // sorted, disjoint
	)
	for i := len(c.layers) - 1; i >= 1; i-- {
		l := c.layers[i]
		for _, lr := range l.byteRanges() {
			x := lr.Intersect(r)
			if x.Empty() {
				continue
			}
			for _, free := range subtract(x, covered) {
				out = append(out, piece{l: l, r: free})
			}
			covered = mergeRanges(append(covered, x), r.End)
		}
	}
	if len(c.layers) > 0 {
		for _, free := range subtract(r, covered) {
			out = append(out, piece{l: c.layers[0], r: free})
		}
	}
	return out
}

// subtract returns the parts of r not in covered, which must be sorted and
// disjoint.
func subtract(r interval.Range, covered []interval.Range) []interval.Range {
	var out []interval.Range
	pos := r.Start
	for _, cv := range covered {
		if cv.End <= pos {
			continue
		}
		if cv.Start >= r.End {
			break
		}
		if cv.Start > pos {
			out = append(out, interval.R(pos, cv.Start))
		}
		pos = max(pos, cv.End)
	}
	if pos < r.End {
		out = append(out, interval.R(pos, r.End))
	}
	return out
}

// capture is one highlight capture clipped to the queried range.
type capture struct {
	start, end int
	v          style.Value
}

// queryLayer runs l's highlight query over r.  A capture on a node nested
// inside another overrides it; of several captures on one node the first
// in query order wins, so specific patterns listed before catch-alls take
// precedence.
func queryLayer(l *layer, r interval.Range, src []byte) []style.Span {
	if l.tree == nil || r.Empty() {
		return nil
	}
	g := l.grammar
	qc := tree_sitter.NewQueryCursor()
	defer qc.Close()
	qc.SetByteRange(uint(r.Start), uint(r.End))

	var hits []capture
	captures := qc.Captures(g.Highlights, l.tree.RootNode(), src)
	for m, idx := captures.Next(); m != nil; m, idx = captures.Next() {
		if int(idx) >= len(m.Captures) {
			continue
		}
		cp := m.Captures[idx]
		v := g.CaptureValue(cp.Index)
		if v.IsZero() {
			continue
		}
		start := max(int(cp.Node.StartByte()), r.Start)
		end := min(int(cp.Node.EndByte()), r.End)
		if start < end {
			hits = append(hits, capture{start: start, end: end, v: v})
		}
	}
	// Outer nodes first, so nested ones paint over them.
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].start != hits[j].start {
			return hits[i].start < hits[j].start
		}
		return hits[i].end > hits[j].end
	})

	claimed := make([]style.Value, r.Len())
	set := make([]bool, r.Len())
	for i, h := range hits {
		if i > 0 && h.start == hits[i-1].start && h.end == hits[i-1].end {
			continue
		}
		for b := h.start; b < h.end; b++ {
			set[b-r.Start] = true
			claimed[b-r.Start] = h.v
		}
	}

	var out []style.Span
	for i := 0; i < len(claimed); {
		if !set[i] {
			i++
			continue
		}
		j := i + 1
		for j < len(claimed) && set[j] && claimed[j] == claimed[i] {
			j++
		}
		out = append(out, style.Span{Start: r.Start + i, End: r.Start + j, Value: claimed[i]})
		i = j
	}
	return out
}
