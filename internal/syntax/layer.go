package syntax

import (
	"fmt"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/cptaffe/acme-syntax/internal/grammars"
	"github.com/cptaffe/acme-syntax/internal/interval"
)

// layer is one parse tree and the part of the document it governs.  The
// primary layer has no ranges and covers the whole document.
type layer struct {
	grammar *grammars.Grammar
	ranges  []tree_sitter.Range // disjoint, ascending; nil for the primary
	tree    *tree_sitter.Tree
	depth   int // 0 for the primary, parent depth + 1 for injections
}

func (l *layer) primary() bool { return l.depth == 0 }

// key identifies a layer by language and ranges.
func (l *layer) key() string { return layerKey(l.grammar.ID, l.ranges) }

func layerKey(lang string, ranges []tree_sitter.Range) string {
	var sb strings.Builder
	sb.WriteString(lang)
	for _, r := range ranges {
		fmt.Fprintf(&sb, " %d-%d", r.StartByte, r.EndByte)
	}
	return sb.String()
}

func (l *layer) close() {
	if l.tree != nil {
		l.tree.Close()
		l.tree = nil
	}
}

// byteRanges returns l's ranges as intervals.
func (l *layer) byteRanges() []interval.Range {
	out := make([]interval.Range, len(l.ranges))
	for i, r := range l.ranges {
		out[i] = interval.R(int(r.StartByte), int(r.EndByte))
	}
	return out
}

// shift moves l's ranges through an edit, dropping ranges that collapse.
// It reports whether any range survives.
func (l *layer) shift(e Edit, cur Text) bool {
	kept := l.ranges[:0]
	for _, r := range l.ranges {
		br := interval.R(int(r.StartByte), int(r.EndByte)).Shift(e.Range(), e.NewLength())
		if br.Empty() {
			continue
		}
		kept = append(kept, tree_sitter.Range{
			StartByte:  uint(br.Start),
			EndByte:    uint(br.End),
			StartPoint: cur.Point(br.Start),
			EndPoint:   cur.Point(br.End),
		})
	}
	l.ranges = kept
	return len(kept) > 0
}

// LayerInfo describes a layer for diagnostics.
type LayerInfo struct {
	Language string
	Depth    int
	Ranges   []interval.Range // nil for the primary layer
}

func (li LayerInfo) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d %s", li.Depth, li.Language)
	for _, r := range li.Ranges {
		fmt.Fprintf(&sb, " %d,%d", r.Start, r.End)
	}
	return sb.String()
}
