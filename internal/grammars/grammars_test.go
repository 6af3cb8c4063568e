package grammars

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	"go.uber.org/multierr"

	"github.com/cptaffe/acme-syntax/style"
)

func TestDefaultRegistry(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)
	defer reg.Close()

	assert.Equal(t, []string{"css", "go", "html", "javascript"}, reg.Languages())

	g, err := reg.Lookup("JS")
	require.NoError(t, err)
	assert.Equal(t, "javascript", g.ID)

	g, err = reg.ForFile("/usr/src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "go", g.ID)
	assert.False(t, g.SupportsInjections())

	g, err = reg.Lookup("html")
	require.NoError(t, err)
	assert.True(t, g.SupportsInjections())

	_, err = reg.Lookup("cobol")
	assert.ErrorIs(t, err, ErrUnknownLanguage)
	_, err = reg.ForFile("README")
	assert.ErrorIs(t, err, ErrUnknownLanguage)
}

func TestCaptureValues(t *testing.T) {
	g, err := NewBuiltin("go")
	require.NoError(t, err)
	defer g.Close()

	want := map[string]style.Value{
		"comment":             {Capture: style.CaptureComment},
		"function.definition": {Capture: style.CaptureFunction, Modifiers: style.ModDefinition},
		"constant.builtin":    {Capture: style.CaptureConstant, Modifiers: style.ModBuiltin},
	}
	for i, name := range g.Highlights.CaptureNames() {
		if v, ok := want[name]; ok {
			assert.Equal(t, v, g.CaptureValue(uint32(i)), name)
		}
	}
	assert.Equal(t, style.Value{}, g.CaptureValue(9999))
}

func TestInjectionForMatch(t *testing.T) {
	g, err := NewBuiltin("html")
	require.NoError(t, err)
	defer g.Close()

	src := []byte(`<p>hi</p><script>let x = 1;</script>`)
	parser := tree_sitter.NewParser()
	defer parser.Close()
	require.NoError(t, parser.SetLanguage(g.Language))
	tree := parser.Parse(src, nil)
	defer tree.Close()

	qc := tree_sitter.NewQueryCursor()
	defer qc.Close()
	matches := qc.Matches(g.Injections, tree.RootNode(), src)

	var found []Injection
	for m := matches.Next(); m != nil; m = matches.Next() {
		if inj, ok := g.InjectionForMatch(m, "html", src); ok {
			found = append(found, inj)
		}
	}
	require.Len(t, found, 1)
	assert.Equal(t, "javascript", found[0].Language)
	require.Len(t, found[0].Content, 1)
	assert.Equal(t, "let x = 1;", found[0].Content[0].Utf8Text(src))
}

func TestBadQuery(t *testing.T) {
	lang, err := builtinLanguage("go")
	require.NoError(t, err)
	_, err = NewGrammar("go", lang, "(no_such_node) @keyword", "")
	assert.Error(t, err)
}

func TestLoadFS(t *testing.T) {
	fsys := fstest.MapFS{
		"conf/languages.yaml": {Data: []byte(`
languages:
  - name: go
    extensions: [.go]
  - name: web
    grammar: html
    aliases: [htm]
    extensions: [.html]
    highlights: queries/web.scm
  - name: javascript
    aliases: [js]
`)},
		"conf/queries/web.scm": {Data: []byte("(tag_name) @tag\n")},
	}
	reg, err := LoadFS(fsys, "conf/languages.yaml")
	require.NoError(t, err)
	defer reg.Close()

	assert.Equal(t, []string{"go", "javascript", "web"}, reg.Languages())
	g, err := reg.ForFile("index.html")
	require.NoError(t, err)
	assert.Equal(t, "web", g.ID)
	assert.Equal(t, []string{"tag"}, g.Highlights.CaptureNames())
	assert.True(t, g.SupportsInjections(), "injections fall back to the built-in query")
}

func TestLoadFSAggregatesErrors(t *testing.T) {
	fsys := fstest.MapFS{
		"languages.yaml": {Data: []byte(`
languages:
  - name: cobol
  - name: go
    highlights: missing.scm
  - name: css
`)},
	}
	_, err := LoadFS(fsys, "languages.yaml")
	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], ErrUnknownLanguage)
	assert.Contains(t, errs[1].Error(), `language "go"`)
}

func TestRegistryDuplicates(t *testing.T) {
	a, err := NewBuiltin("css")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewBuiltin("go")
	require.NoError(t, err)
	defer b.Close()

	_, err = NewRegistry(Entry{Grammar: a, Extensions: []string{"x"}}, Entry{Grammar: b, Extensions: []string{".X"}})
	assert.Error(t, err)
}
