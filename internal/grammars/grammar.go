// Package grammars provisions compiled tree-sitter grammars and queries.
//
// Each Grammar pairs a tree-sitter language with its compiled highlight
// query and optional injection query.  Capture names are resolved to
// style values once, when the query is compiled, so highlighting never
// compares capture strings.  A Registry maps language names, aliases and
// file extensions to grammars and is immutable once built.
package grammars

import (
	"errors"
	"fmt"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/cptaffe/acme-syntax/style"
)

// ErrUnknownLanguage is returned when no grammar is registered for a name.
var ErrUnknownLanguage = errors.New("unknown language")

// Capture names with special meaning in injection queries.
const (
	captureInjectionContent  = "injection.content"
	captureInjectionLanguage = "injection.language"

	propInjectionLanguage        = "injection.language"
	propInjectionSelf            = "injection.self"
	propInjectionParent          = "injection.parent"
	propInjectionIncludeChildren = "injection.include-children"
	propInjectionCombined        = "injection.combined"
)

// Grammar is one language's parser definition and compiled queries.  A
// Grammar is safe for concurrent use; queries are only read after
// construction.
type Grammar struct {
	ID         string
	Language   *tree_sitter.Language
	Highlights *tree_sitter.Query
	Injections *tree_sitter.Query // nil when the language has no injections

	values []style.Value // indexed by highlight capture index

	contentIdx  int // injection.content capture index, -1 if absent
	languageIdx int // injection.language capture index, -1 if absent
}

// NewGrammar compiles the highlight and injection query sources against
// lang.  An empty injections source means the language never injects.
func NewGrammar(id string, lang *tree_sitter.Language, highlights, injections string) (*Grammar, error) {
	if lang == nil {
		return nil, fmt.Errorf("grammar %s: nil language", id)
	}
	hq, qerr := tree_sitter.NewQuery(lang, highlights)
	if qerr != nil {
		return nil, fmt.Errorf("grammar %s: highlights: %s", id, qerr.Error())
	}
	g := &Grammar{
		ID:          id,
		Language:    lang,
		Highlights:  hq,
		contentIdx:  -1,
		languageIdx: -1,
	}
	names := hq.CaptureNames()
	g.values = make([]style.Value, len(names))
	for i, name := range names {
		g.values[i] = style.LookupCapture(name)
	}

	if injections != "" {
		iq, qerr := tree_sitter.NewQuery(lang, injections)
		if qerr != nil {
			hq.Close()
			return nil, fmt.Errorf("grammar %s: injections: %s", id, qerr.Error())
		}
		g.Injections = iq
		for i, name := range iq.CaptureNames() {
			switch name {
			case captureInjectionContent:
				g.contentIdx = i
			case captureInjectionLanguage:
				g.languageIdx = i
			}
		}
		if g.contentIdx < 0 {
			g.Close()
			return nil, fmt.Errorf("grammar %s: injections: no @%s capture", id, captureInjectionContent)
		}
	}
	return g, nil
}

// CaptureValue returns the style value of highlight capture index i.
// Unrecognised capture names have the zero value.
func (g *Grammar) CaptureValue(i uint32) style.Value {
	if int(i) >= len(g.values) {
		return style.Value{}
	}
	return g.values[i]
}

// SupportsInjections reports whether g has an injection query.
func (g *Grammar) SupportsInjections() bool { return g.Injections != nil }

// Injection describes one injection found by a match of the injection query.
type Injection struct {
	Language        string
	Content         []tree_sitter.Node
	IncludeChildren bool
	Combined        bool
}

// InjectionForMatch extracts the injected language and content nodes from
// a match of g's injection query.  parent names the language of the layer
// being searched.  ok is false when the match names no language or has no
// content.
func (g *Grammar) InjectionForMatch(m *tree_sitter.QueryMatch, parent string, source []byte) (inj Injection, ok bool) {
	for _, c := range m.Captures {
		switch int(c.Index) {
		case g.languageIdx:
			inj.Language = c.Node.Utf8Text(source)
		case g.contentIdx:
			inj.Content = append(inj.Content, c.Node)
		}
	}
	for _, p := range g.Injections.PropertySettings(m.PatternIndex) {
		switch p.Key {
		case propInjectionLanguage:
			if inj.Language == "" && p.Value != nil {
				inj.Language = *p.Value
			}
		case propInjectionSelf:
			if inj.Language == "" {
				inj.Language = g.ID
			}
		case propInjectionParent:
			if inj.Language == "" {
				inj.Language = parent
			}
		case propInjectionIncludeChildren:
			inj.IncludeChildren = true
		case propInjectionCombined:
			inj.Combined = true
		}
	}
	return inj, inj.Language != "" && len(inj.Content) > 0
}

// Close releases the compiled queries.
func (g *Grammar) Close() {
	if g.Highlights != nil {
		g.Highlights.Close()
		g.Highlights = nil
	}
	if g.Injections != nil {
		g.Injections.Close()
		g.Injections = nil
	}
}
