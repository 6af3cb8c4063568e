package syntax

import (
	"sort"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	"go.uber.org/zap"

	"github.com/cptaffe/acme-syntax/internal/grammars"
	"github.com/cptaffe/acme-syntax/internal/interval"
)

// contentRanges returns the ranges an injection covers: the content
// nodes' ranges, minus their children unless includeChildren, clipped to
// the parent layer's ranges.  A nil parent is the whole document.
func contentRanges(parent []tree_sitter.Range, nodes []tree_sitter.Node, includeChildren bool) []tree_sitter.Range {
	var pieces []tree_sitter.Range
	for _, n := range nodes {
		r := n.Range()
		if includeChildren {
			pieces = append(pieces, r)
			continue
		}
		cur := r
		for i := uint(0); i < n.ChildCount(); i++ {
			ch := n.Child(i)
			if ch == nil {
				continue
			}
			if ch.StartByte() > cur.StartByte {
				pieces = append(pieces, tree_sitter.Range{
					StartByte:  cur.StartByte,
					StartPoint: cur.StartPoint,
					EndByte:    ch.StartByte(),
					EndPoint:   ch.StartPosition(),
				})
			}
			cur.StartByte = ch.EndByte()
			cur.StartPoint = ch.EndPosition()
		}
		if cur.StartByte < cur.EndByte {
			pieces = append(pieces, cur)
		}
	}
	sort.Slice(pieces, func(i, j int) bool { return pieces[i].StartByte < pieces[j].StartByte })
	if parent == nil {
		return pieces
	}

	var out []tree_sitter.Range
	for _, p := range pieces {
		for _, pr := range parent {
			r := p
			if pr.StartByte > r.StartByte {
				r.StartByte, r.StartPoint = pr.StartByte, pr.StartPoint
			}
			if pr.EndByte < r.EndByte {
				r.EndByte, r.EndPoint = pr.EndByte, pr.EndPoint
			}
			if r.StartByte < r.EndByte {
				out = append(out, r)
			}
		}
	}
	return out
}

// pendingInjection is an injection found during discovery that is not yet
// a layer.
type pendingInjection struct {
	grammar *grammars.Grammar
	ranges  []tree_sitter.Range
	depth   int
}

// findInjections runs l's injection query and returns the injections it
// names.  Combined injections of one language are merged into a single
// entry.
func (c *Client) findInjections(l *layer, text Text) []pendingInjection {
	g := l.grammar
	if !g.SupportsInjections() || l.tree == nil {
		return nil
	}
	src := text.Bytes()
	qc := tree_sitter.NewQueryCursor()
	defer qc.Close()
	if !l.primary() {
		qc.SetByteRange(l.ranges[0].StartByte, l.ranges[len(l.ranges)-1].EndByte)
	}

	var (
		out      []pendingInjection
		combined = map[string][]tree_sitter.Node{}
		order    []string
	)
	matches := qc.Matches(g.Injections, l.tree.RootNode(), src)
	for m := matches.Next(); m != nil; m = matches.Next() {
		inj, ok := g.InjectionForMatch(m, g.ID, src)
		if !ok {
			continue
		}
		if inj.Combined {
			if _, seen := combined[inj.Language]; !seen {
				order = append(order, inj.Language)
			}
			combined[inj.Language] = append(combined[inj.Language], inj.Content...)
			continue
		}
		if p, ok := c.pending(l, inj.Language, inj.Content, inj.IncludeChildren); ok {
			out = append(out, p)
		}
	}
	for _, lang := range order {
		if p, ok := c.pending(l, lang, combined[lang], false); ok {
			out = append(out, p)
		}
	}
	return out
}

func (c *Client) pending(parent *layer, lang string, nodes []tree_sitter.Node, includeChildren bool) (pendingInjection, bool) {
	g, err := c.reg.Lookup(lang)
	if err != nil {
		c.log.Debug("injected language not available", zap.String("language", lang))
		return pendingInjection{}, false
	}
	ranges := contentRanges(parent.ranges, nodes, includeChildren)
	if len(ranges) == 0 {
		return pendingInjection{}, false
	}
	return pendingInjection{grammar: g, ranges: ranges, depth: parent.depth + 1}, true
}

// reconcile runs injection discovery over every layer that supports
// injections, recursing into new layers.  Layers that discovery does not
// find again are deleted; new ones are parsed from scratch.  It returns
// the ranges of added and removed layers, which need re-highlighting.
// Must be called with c.mu held.
func (c *Client) reconcile(text Text) []interval.Range {
	existing := make(map[string]*layer, len(c.layers))
	for _, l := range c.layers[1:] {
		existing[l.key()] = l
	}
	touched := make(map[*layer]bool, len(c.layers))
	touched[c.layers[0]] = true

	var changed []interval.Range
	next := []*layer{c.layers[0]}
	var added []*layer
	for len(next) > 0 {
		l := next[0]
		next = next[1:]
		for _, p := range c.findInjections(l, text) {
			key := layerKey(p.grammar.ID, p.ranges)
			if old, ok := existing[key]; ok {
				if !touched[old] {
					touched[old] = true
					next = append(next, old)
				}
				continue
			}
			nl := &layer{grammar: p.grammar, ranges: p.ranges, depth: p.depth}
			if !c.parseFresh(nl, text) {
				continue
			}
			existing[key] = nl
			touched[nl] = true
			added = append(added, nl)
			next = append(next, nl)
			changed = append(changed, nl.byteRanges()...)
		}
	}

	kept := c.layers[:1]
	for _, l := range c.layers[1:] {
		if touched[l] {
			kept = append(kept, l)
			continue
		}
		c.log.Debug("dropping injected layer", zap.String("layer", l.key()))
		changed = append(changed, l.byteRanges()...)
		l.close()
	}
	c.layers = append(kept, added...)
	return changed
}

// parseFresh parses a new layer with no time limit.
func (c *Client) parseFresh(l *layer, text Text) bool {
	if err := c.prepare(l); err != nil {
		c.log.Warn("prepare layer", zap.String("layer", l.key()), zap.Error(err))
		return false
	}
	l.tree = c.parse(text, nil, noDeadline)
	if l.tree == nil {
		c.log.Warn("parse failed", zap.String("layer", l.key()))
		return false
	}
	return true
}
