// Package syntax maintains incremental tree-sitter parses of a document.
//
// A Client owns a primary layer parsed with the document's grammar and
// zero or more injected layers parsed over sub-ranges (script inside
// markup, for instance).  Edits re-parse every layer incrementally within
// a time budget; work that does not fit is finished on a task queue and the
// caller is told the result is deferred.  Highlight queries are partitioned
// between the layers covering the queried range.
//
// All layer state is guarded by one mutex.  Queued tasks take the same
// mutex, so edits and queries never interleave their effects.
package syntax

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	"go.uber.org/zap"

	"github.com/cptaffe/acme-syntax/internal/grammars"
	"github.com/cptaffe/acme-syntax/internal/interval"
	"github.com/cptaffe/acme-syntax/internal/taskq"
	"github.com/cptaffe/acme-syntax/logger"
)

var (
	// ErrDeferred reports that the work did not fit in the time budget and
	// was queued; its result arrives through the completion callback.
	ErrDeferred = errors.New("deferred")

	// ErrStale reports a queued query whose document changed before it ran.
	ErrStale = errors.New("stale generation")

	ErrNotReady = errors.New("client not set up")
	ErrClosed   = errors.New("client closed")
)

// DefaultBudget bounds synchronous parse and query work.
const DefaultBudget = 3 * time.Millisecond

var noDeadline time.Time

type state int

const (
	uninitialized state = iota
	parsed
	editing
	destroyed
)

// Option configures a Client.
type Option func(*Client)

// WithBudget sets the time budget for synchronous work.  A budget <= 0
// disables deferral.
func WithBudget(d time.Duration) Option {
	return func(c *Client) { c.budget = d }
}

// WithLogger sets the client's logger.  By default the logger is taken
// from the context passed to SetUp.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// EditResult is the outcome of one ApplyEdit.
type EditResult struct {
	Changed    []interval.Range // sorted, merged; in the post-edit text
	Generation uint64
}

// Client is the layered parser for one document.
type Client struct {
	reg    *grammars.Registry
	q      *taskq.Queue
	budget time.Duration
	log    *zap.Logger

	mu       sync.Mutex
	state    state
	parser   *tree_sitter.Parser
	text     Text     // text the layer trees reflect
	layers   []*layer // layers[0] is the primary
	gen      uint64
	inflight int    // edits accepted but not yet applied
	latest   Text   // text after the last accepted edit
	epoch    uint64 // bumped by SetUp; queued edits from older epochs are dropped
}

// New returns an uninitialised client.  reg supplies grammars; deferred
// work runs on q.
func New(reg *grammars.Registry, q *taskq.Queue, opts ...Option) *Client {
	c := &Client{
		reg:    reg,
		q:      q,
		budget: DefaultBudget,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetUp parses text with the grammar for lang, with no time limit, and
// discovers injected layers.  Calling SetUp again starts over.
func (c *Client) SetUp(ctx context.Context, text Text, lang string) error {
	g, err := c.reg.Lookup(lang)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == destroyed {
		return ErrClosed
	}
	if c.log == nil {
		c.log = logger.L(ctx)
	}
	defer c.abandon()
	for _, l := range c.layers {
		l.close()
	}
	c.layers = nil
	if c.parser == nil {
		c.parser = tree_sitter.NewParser()
	}

	primary := &layer{grammar: g}
	if !c.parseFresh(primary, text) {
		return fmt.Errorf("set up %s: parse failed", g.ID)
	}
	c.layers = []*layer{primary}
	c.text, c.latest = text, text
	c.reconcile(text)
	c.gen++
	c.epoch++
	c.inflight = 0
	c.state = parsed
	c.log.Debug("set up", zap.String("language", g.ID), zap.Int("layers", len(c.layers)))
	return nil
}

// Generation returns a counter that increases with every edit and set-up.
// Query results carry the generation they were computed for.
func (c *Client) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Layers describes the current layers, primary first.
func (c *Client) Layers() []LayerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LayerInfo, len(c.layers))
	for i, l := range c.layers {
		out[i] = LayerInfo{Language: l.grammar.ID, Depth: l.depth}
		if !l.primary() {
			out[i].Ranges = l.byteRanges()
		}
	}
	return out
}

// Close releases every tree and the parser.  Queued work for the client
// finishes as a no-op.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.layers {
		l.close()
	}
	c.layers = nil
	if c.parser != nil {
		c.parser.Close()
		c.parser = nil
	}
	c.state = destroyed
}

// prepare points the parser at l's language and ranges.
func (c *Client) prepare(l *layer) error {
	if err := c.parser.SetLanguage(l.grammar.Language); err != nil {
		return err
	}
	if l.primary() {
		return c.parser.SetIncludedRanges([]tree_sitter.Range{wholeDocument})
	}
	return c.parser.SetIncludedRanges(l.ranges)
}

var wholeDocument = tree_sitter.Range{
	EndByte:  ^uint(0),
	EndPoint: tree_sitter.NewPoint(^uint(0), ^uint(0)),
}

// parse runs the parser over text, reusing old.  It returns nil when the
// deadline passes first; calling parse again with the same arguments
// resumes the cancelled parse.  Without a deadline no options are passed:
// the binding installs its progress hook for any non-nil options.
func (c *Client) parse(text Text, old *tree_sitter.Tree, deadline time.Time) *tree_sitter.Tree {
	var opts *tree_sitter.ParseOptions
	if !deadline.IsZero() {
		opts = &tree_sitter.ParseOptions{
			ProgressCallback: func(tree_sitter.ParseState) bool {
				return time.Now().After(deadline)
			},
		}
	}
	return c.parser.ParseWithOptions(func(off int, _ tree_sitter.Point) []byte {
		return text.Chunk(off)
	}, old, opts)
}

func (c *Client) deadline() time.Time {
	if c.budget <= 0 {
		return noDeadline
	}
	return time.Now().Add(c.budget)
}

// abandon is deferred, under c.mu, around work that changes the layer
// trees.  A panic there leaves them half updated: queued edits are dropped
// and the client needs SetUp again.  The panic continues.
func (c *Client) abandon() {
	r := recover()
	if r == nil {
		return
	}
	c.epoch++
	c.inflight = 0
	if c.state != destroyed {
		c.state = uninitialized
	}
	c.log.Error("layer update panicked; set up required", zap.Any("panic", r))
	panic(r)
}

func (c *Client) ready() error {
	switch c.state {
	case uninitialized:
		return ErrNotReady
	case destroyed:
		return ErrClosed
	}
	return nil
}
