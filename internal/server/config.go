package server

import (
	"strings"
	"time"

	"github.com/cptaffe/acme-syntax/internal/grammars"
	"github.com/cptaffe/acme-syntax/style"
)

// Config holds the server's settings: the values parsed from the styles
// file plus the language registry and the parse budget.
type Config struct {
	// Palette is the master set of named style definitions prepended to
	// every composite write sent to acme.  Merged runs whose name has no
	// palette entry are not written.
	Palette []style.PaletteEntry

	// ProviderOrder lists provider names from highest priority (index 0) to
	// lowest.  A "*" entry is the wildcard slot for providers not
	// explicitly named; omitting "*" places unnamed providers at lowest
	// priority.
	ProviderOrder []string

	// Registry supplies grammars.  Windows whose name matches no language
	// get no tree-sitter provider.
	Registry *grammars.Registry

	// Budget bounds synchronous parse and query work per call.
	Budget time.Duration

	// OpenWindow connects to acme window id.  Nil means acme itself.
	OpenWindow func(id int) (Window, error)
}

// ParseConfig parses the master styles file into a Config.
func ParseConfig(content string) Config {
	var cfg Config
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		switch {
		case strings.HasPrefix(line, ":"):
			if e, ok := style.ParsePaletteLine(line[1:]); ok {
				cfg.Palette = append(cfg.Palette, e)
			}
		case strings.HasPrefix(line, "@"):
			if name := strings.TrimSpace(line[1:]); name != "" {
				cfg.ProviderOrder = append(cfg.ProviderOrder, name)
			}
		}
	}
	return cfg
}
