package grammars

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"unsafe"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_css "github.com/tree-sitter/tree-sitter-css/bindings/go"
	tree_sitter_go "github.com/tree-sitter/tree-sitter-go/bindings/go"
	tree_sitter_html "github.com/tree-sitter/tree-sitter-html/bindings/go"
	tree_sitter_javascript "github.com/tree-sitter/tree-sitter-javascript/bindings/go"
)

//go:embed queries/*.scm
var queryFS embed.FS

// builtin describes a grammar compiled into the binary.
type builtin struct {
	language   func() unsafe.Pointer
	aliases    []string
	extensions []string
}

var builtins = map[string]builtin{
	"go": {
		language:   tree_sitter_go.Language,
		aliases:    []string{"golang"},
		extensions: []string{".go"},
	},
	"html": {
		language:   tree_sitter_html.Language,
		extensions: []string{".html", ".htm"},
	},
	"javascript": {
		language:   tree_sitter_javascript.Language,
		aliases:    []string{"js", "ecmascript"},
		extensions: []string{".js", ".mjs", ".cjs"},
	},
	"css": {
		language:   tree_sitter_css.Language,
		extensions: []string{".css"},
	},
}

// Builtins returns the names of the grammars compiled into the binary.
func Builtins() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// builtinLanguage returns the tree-sitter language for a built-in grammar.
func builtinLanguage(name string) (*tree_sitter.Language, error) {
	b, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("grammar %q: %w", name, ErrUnknownLanguage)
	}
	return tree_sitter.NewLanguage(b.language()), nil
}

// builtinQuery returns the embedded query of the given kind ("highlights"
// or "injections") for name, or "" when there is none.
func builtinQuery(name, kind string) (string, error) {
	b, err := queryFS.ReadFile("queries/" + name + "-" + kind + ".scm")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return string(b), nil
}

// NewBuiltin compiles the built-in grammar name with its embedded queries.
func NewBuiltin(name string) (*Grammar, error) {
	lang, err := builtinLanguage(name)
	if err != nil {
		return nil, err
	}
	hl, err := builtinQuery(name, "highlights")
	if err != nil {
		return nil, err
	}
	inj, err := builtinQuery(name, "injections")
	if err != nil {
		return nil, err
	}
	return NewGrammar(name, lang, hl, inj)
}

// Default returns a registry of every built-in grammar with its default
// aliases and extensions.
func Default() (*Registry, error) {
	var entries []Entry
	for _, name := range Builtins() {
		g, err := NewBuiltin(name)
		if err != nil {
			for _, e := range entries {
				e.Grammar.Close()
			}
			return nil, err
		}
		b := builtins[name]
		entries = append(entries, Entry{Grammar: g, Aliases: b.aliases, Extensions: b.extensions})
	}
	return NewRegistry(entries...)
}
