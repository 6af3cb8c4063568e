package grammars

import (
	"fmt"
	"io/fs"
	"os"
	stdpath "path"
	"path/filepath"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// LanguagesFile is the root structure of a languages file.
//
//	languages:
//	  - name: go
//	    grammar: go
//	    extensions: [.go]
//	    highlights: queries/go.scm
type LanguagesFile struct {
	Languages []LanguageDef `yaml:"languages"`
}

// LanguageDef configures one language.
type LanguageDef struct {
	Name       string   `yaml:"name"`       // language name used for lookup and injections
	Grammar    string   `yaml:"grammar"`    // built-in grammar; defaults to Name
	Aliases    []string `yaml:"aliases"`    // extra names, e.g. "js"
	Extensions []string `yaml:"extensions"` // file extensions, e.g. ".js"
	Highlights string   `yaml:"highlights"` // highlight query file; defaults to the built-in query
	Injections string   `yaml:"injections"` // injection query file; defaults to the built-in query
}

// Load reads a languages file and compiles every language it names.
// Query paths are relative to the file's directory.
func Load(path string) (*Registry, error) {
	return LoadFS(os.DirFS(filepath.Dir(path)), filepath.Base(path))
}

// LoadFS is Load over fsys.  Every failing language is reported; a
// registry is returned only when all of them compile.
func LoadFS(fsys fs.FS, name string) (*Registry, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	var file LanguagesFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	if len(file.Languages) == 0 {
		return nil, fmt.Errorf("%s: no languages", name)
	}

	dir := stdpath.Dir(name)
	var (
		entries []Entry
		errs    error
	)
	for _, def := range file.Languages {
		g, err := compileDef(fsys, dir, def)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: language %q: %w", name, def.Name, err))
			continue
		}
		entries = append(entries, Entry{Grammar: g, Aliases: def.Aliases, Extensions: def.Extensions})
	}
	if errs == nil {
		var reg *Registry
		if reg, errs = NewRegistry(entries...); errs == nil {
			return reg, nil
		}
	}
	for _, e := range entries {
		e.Grammar.Close()
	}
	return nil, errs
}

func compileDef(fsys fs.FS, dir string, def LanguageDef) (*Grammar, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("missing name")
	}
	grammar := def.Grammar
	if grammar == "" {
		grammar = def.Name
	}
	lang, err := builtinLanguage(grammar)
	if err != nil {
		return nil, err
	}
	hl, err := queryText(fsys, dir, def.Highlights, grammar, "highlights")
	if err != nil {
		return nil, err
	}
	inj, err := queryText(fsys, dir, def.Injections, grammar, "injections")
	if err != nil {
		return nil, err
	}
	return NewGrammar(def.Name, lang, hl, inj)
}

// queryText reads a query file, falling back to the built-in query for
// grammar when file is empty.
func queryText(fsys fs.FS, dir, file, grammar, kind string) (string, error) {
	if file == "" {
		return builtinQuery(grammar, kind)
	}
	b, err := fs.ReadFile(fsys, stdpath.Join(dir, file))
	if err != nil {
		return "", fmt.Errorf("%s query: %w", kind, err)
	}
	return string(b), nil
}
