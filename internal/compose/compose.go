// Package compose merges the style runs of several highlight providers.
//
// A Container owns one interval.Store per provider, all covering the same
// document.  RunsIn combines them into one gapless run sequence: where
// providers disagree, the higher-priority provider's capture wins and
// lower-priority providers only fill in what it leaves unset.
package compose

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/cptaffe/acme-syntax/internal/interval"
	"github.com/cptaffe/acme-syntax/style"
)

var (
	// ErrUnknownProvider is returned for operations naming a provider that
	// was never added (or was removed).
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrProviderExists is returned by AddProvider for a duplicate ID.
	ErrProviderExists = errors.New("provider already exists")

	// ErrInvariant reports a merge that produced an impossible run
	// sequence.  It never happens in correct operation.
	ErrInvariant = errors.New("merge invariant violated")
)

// ProviderID names a highlight provider, e.g. "treesitter".
type ProviderID string

type provider struct {
	id    ProviderID
	seq   int // registration order; breaks priority ties
	store *interval.Store
}

// Container is the set of provider stores for one document.
//
// A Container is not safe for concurrent use; its owner serialises access.
type Container struct {
	log       *zap.Logger
	length    int
	order     []string
	providers map[ProviderID]*provider
	nextSeq   int
	invalid   []interval.Range // sorted, disjoint
}

// Option configures a Container.
type Option func(*Container)

// WithLogger sets the logger used to report resynchronised stores.
func WithLogger(l *zap.Logger) Option {
	return func(c *Container) { c.log = l }
}

// New returns a container for a document of length bytes.  order lists
// provider names from highest priority to lowest; a "*" entry is the slot
// for providers not named explicitly, and without one they rank above
// every named provider.
func New(length int, order []string, opts ...Option) *Container {
	c := &Container{
		log:       zap.NewNop(),
		length:    length,
		order:     order,
		providers: make(map[ProviderID]*provider),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Len returns the document length the container tracks.
func (c *Container) Len() int { return c.length }

// priorityKey returns the priority value for a provider name given the
// order list.  Lower values are higher priority.
func priorityKey(order []string, name string) int {
	wildcard := -1
	for i, n := range order {
		if n == "*" {
			wildcard = i
		} else if n == name {
			return i
		}
	}
	if wildcard >= 0 {
		return wildcard
	}
	return -1
}

// sorted returns the providers from highest priority to lowest.
func (c *Container) sorted() []*provider {
	ps := make([]*provider, 0, len(c.providers))
	for _, p := range c.providers {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool {
		ki := priorityKey(c.order, string(ps[i].id))
		kj := priorityKey(c.order, string(ps[j].id))
		if ki != kj {
			return ki < kj
		}
		return ps[i].seq < ps[j].seq
	})
	return ps
}

// Providers returns the registered provider IDs from highest priority to
// lowest.
func (c *Container) Providers() []ProviderID {
	ps := c.sorted()
	ids := make([]ProviderID, len(ps))
	for i, p := range ps {
		ids[i] = p.id
	}
	return ids
}

// AddProvider registers id with an unstyled store over the document.
func (c *Container) AddProvider(id ProviderID) error {
	if _, ok := c.providers[id]; ok {
		return fmt.Errorf("add %q: %w", id, ErrProviderExists)
	}
	c.providers[id] = &provider{id: id, seq: c.nextSeq, store: interval.New(c.length)}
	c.nextSeq++
	return nil
}

// RemoveProvider clears id's styles and discards its store.  It returns the
// range whose merged styling changed, which is empty when the provider had
// styled nothing.
func (c *Container) RemoveProvider(id ProviderID) (interval.Range, error) {
	p, ok := c.providers[id]
	if !ok {
		return interval.Range{}, fmt.Errorf("remove %q: %w", id, ErrUnknownProvider)
	}
	dirty := styledExtent(p.store)
	p.store.Reset(c.length)
	delete(c.providers, id)
	return dirty, nil
}

// ClearProvider resets id's store to unstyled without removing it.
func (c *Container) ClearProvider(id ProviderID) (interval.Range, error) {
	p, ok := c.providers[id]
	if !ok {
		return interval.Range{}, fmt.Errorf("clear %q: %w", id, ErrUnknownProvider)
	}
	dirty := styledExtent(p.store)
	p.store.Reset(c.length)
	return dirty, nil
}

// RenameProvider re-registers old under new, keeping its styles.  The
// provider's priority follows its new name.
func (c *Container) RenameProvider(old, new ProviderID) error {
	p, ok := c.providers[old]
	if !ok {
		return fmt.Errorf("rename %q: %w", old, ErrUnknownProvider)
	}
	if old == new {
		return nil
	}
	if _, ok := c.providers[new]; ok {
		return fmt.Errorf("rename %q to %q: %w", old, new, ErrProviderExists)
	}
	delete(c.providers, old)
	p.id = new
	c.providers[new] = p
	return nil
}

// providerSpans returns id's own styling, unmerged, as absolute spans.
func (c *Container) providerSpans(id ProviderID) ([]style.Span, error) {
	p, ok := c.providers[id]
	if !ok {
		return nil, fmt.Errorf("spans %q: %w", id, ErrUnknownProvider)
	}
	var out []style.Span
	pos := 0
	for _, r := range p.store.Runs() {
		if !r.Value.IsZero() {
			out = append(out, style.Span{Start: pos, End: pos + r.Length, Value: r.Value})
		}
		pos += r.Length
	}
	return out, nil
}

// styledExtent returns the smallest range covering every styled run.
func styledExtent(s *interval.Store) interval.Range {
	var out interval.Range
	pos := 0
	for _, r := range s.Runs() {
		if !r.Value.IsZero() {
			out = out.Union(interval.R(pos, pos+r.Length))
		}
		pos += r.Length
	}
	return out
}

// ApplyHighlightResult replaces id's styling over covered with spans.
// spans are sparse and ordered by Start: gaps become unstyled runs, a span
// overlapping an earlier one is dropped, and spans are clipped to covered.
// It returns covered, the range consumers must redraw.
func (c *Container) ApplyHighlightResult(id ProviderID, spans []style.Span, covered interval.Range) (interval.Range, error) {
	p, ok := c.providers[id]
	if !ok {
		return interval.Range{}, fmt.Errorf("apply %q: %w", id, ErrUnknownProvider)
	}
	if err := p.store.Set(covered, dense(spans, covered)); err != nil {
		return interval.Range{}, fmt.Errorf("apply %q: %w", id, err)
	}
	return covered, nil
}

// dense converts sparse spans into a gapless run list over covered.
func dense(spans []style.Span, covered interval.Range) []interval.Run {
	runs := make([]interval.Run, 0, 2*len(spans)+1)
	cursor := covered.Start
	for _, sp := range spans {
		start := max(sp.Start, covered.Start)
		end := min(sp.End, covered.End)
		if end <= start {
			continue
		}
		if start < cursor {
			// Overlaps an earlier span; the first one wins.
			continue
		}
		if start > cursor {
			runs = append(runs, interval.Run{Length: start - cursor})
		}
		runs = append(runs, interval.Run{Length: end - start, Value: sp.Value})
		cursor = end
	}
	if cursor < covered.End {
		runs = append(runs, interval.Run{Length: covered.End - cursor})
	}
	return runs
}

// StorageUpdated applies a text edit that replaced edited with newLength
// bytes to every provider and to the pending invalid ranges.
func (c *Container) StorageUpdated(edited interval.Range, newLength int) error {
	for _, p := range c.providers {
		if err := p.store.StorageUpdated(edited, newLength); err != nil {
			return fmt.Errorf("provider %q: %w", p.id, err)
		}
	}
	c.length += newLength - edited.Len()
	shifted := make([]interval.Range, 0, len(c.invalid))
	for _, r := range c.invalid {
		if r = r.Shift(edited, newLength); !r.Empty() {
			shifted = append(shifted, r)
		}
	}
	c.invalid = normalizeRanges(shifted)
	return nil
}

// Reset sets the document length to length, clearing every provider's
// styles and the invalid set.
func (c *Container) Reset(length int) {
	c.length = length
	for _, p := range c.providers {
		p.store.Reset(length)
	}
	c.invalid = nil
}
