package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/cptaffe/acme-syntax/internal/compose"
	"github.com/cptaffe/acme-syntax/internal/interval"
	"github.com/cptaffe/acme-syntax/internal/syntax"
	"github.com/cptaffe/acme-syntax/internal/taskq"
	"github.com/cptaffe/acme-syntax/logger"
	"github.com/cptaffe/acme-syntax/style"
)

// coalesceDelay is the window during which multiple flush triggers are batched
// into a single write to acme.
const coalesceDelay = 20 * time.Millisecond

// callTimeout is the maximum time call() will wait for the window goroutine
// to process a closure.  This guards 9P handlers against an unresponsive
// run() goroutine.
const callTimeout = 5 * time.Second

// queryChunk bounds the bytes asked of the parser in one highlight query.
const queryChunk = 64 << 10

// resultTTL is how long highlight query results stay cached.
const resultTTL = time.Minute

// treesitter is the provider ID of the built-in highlighter.
const treesitter compose.ProviderID = "treesitter"

// flushMsg is a composed palette+run result waiting to be written to acme.
type flushMsg struct {
	pal  []style.PaletteEntry
	runs []style.StyleRun
}

// provider is a highlighter attached over 9P.  Runs holds what it last
// wrote, in runes, kept in step with edits for reading back.
type provider struct {
	ID      int
	Name    string
	Palette []style.PaletteEntry
	Runs    []style.StyleRun

	hasAddr bool
	addrQ0  int
	addrQ1  int
}

func (p *provider) pid() compose.ProviderID { return compose.ProviderID(p.Name) }

// editRecord is an edit the parser accepted, kept while results computed
// against earlier text may still arrive.
type editRecord struct {
	gen    uint64
	edited interval.Range
	n      int
}

// inbox collects results delivered from the task queue.  Delivery never
// blocks; run() drains the inbox when ready fires.
type inbox struct {
	mu      sync.Mutex
	edits   []syntax.EditResult
	queries []syntax.QueryResult
	ready   chan struct{}
}

func (in *inbox) putEdit(r syntax.EditResult) {
	in.mu.Lock()
	in.edits = append(in.edits, r)
	in.mu.Unlock()
	in.signal()
}

func (in *inbox) putQuery(r syntax.QueryResult) {
	in.mu.Lock()
	in.queries = append(in.queries, r)
	in.mu.Unlock()
	in.signal()
}

func (in *inbox) signal() {
	select {
	case in.ready <- struct{}{}:
	default:
	}
}

func (in *inbox) take() ([]syntax.EditResult, []syntax.QueryResult) {
	in.mu.Lock()
	defer in.mu.Unlock()
	e, q := in.edits, in.queries
	in.edits, in.queries = nil, nil
	return e, q
}

// WinState is the actor for one acme window.
//
// The fields ID, ctx, cancel, cmdCh, and srv are set once at construction and
// may be read from any goroutine without a lock.
//
// All remaining fields are owned exclusively by the run() goroutine and must
// not be accessed from any other goroutine.
type WinState struct {
	ID     int
	ctx    context.Context
	cancel context.CancelFunc
	cmdCh  chan func(*WinState)
	srv    *Server
	inbox  inbox

	// Owned by run(); do not access from other goroutines.
	win         Window
	grammar     string // language ID; "" when the window has none
	doc         *document
	client      *syntax.Client
	queue       *taskq.Queue
	styles      *compose.Container
	providers   []*provider
	nextID      int
	history     []editRecord
	baseGen     uint64 // generation of the last set-up; older results are dropped
	waiting     int    // deferred edits and queries not yet delivered
	results     *cache.Cache
	prevPalette []style.PaletteEntry
	prevRuns    []style.StyleRun
	pending     *flushMsg
	flushTimer  *time.Timer
	// editCh delivers body events.  It is nil until tracking starts: at
	// once for windows with a grammar, otherwise with the first provider.
	editCh <-chan BodyEvent
	// editChCh receives editCh once startEvents' goroutine completes.
	editChCh chan (<-chan BodyEvent)
}

// submit enqueues fn to run in the window's goroutine.  Returns immediately;
// fn runs asynchronously.  Drops the fn silently if ctx is already cancelled.
func (ws *WinState) submit(fn func(*WinState)) {
	select {
	case ws.cmdCh <- fn:
	case <-ws.ctx.Done():
	}
}

// call enqueues fn and blocks until it has run, ctx is cancelled, or
// callTimeout elapses.  Returns true if fn ran to completion, false if the
// context was cancelled or the timeout elapsed.
func (ws *WinState) call(fn func(*WinState)) bool {
	done := make(chan struct{})
	ws.submit(func(ws *WinState) {
		fn(ws)
		close(done)
	})
	select {
	case <-done:
		return true
	case <-ws.ctx.Done():
		return false
	case <-time.After(callTimeout):
		logger.L(ws.ctx).Warn("call timed out; window goroutine unresponsive")
		return false
	}
}

// run is the window goroutine.  It owns all mutable WinState fields and is
// the only goroutine that touches them.
func (ws *WinState) run() {
	defer ws.srv.wg.Done()
	log := logger.L(ws.ctx)

	ws.flushTimer = time.NewTimer(coalesceDelay)
	ws.flushTimer.Stop()

	if ws.win != nil {
		// Clear any stale styles from a previous run.
		if err := ws.win.WriteStyle(nil); err != nil {
			log.Error("clear style", zap.Error(err))
		}
		if ws.client != nil {
			ws.resync()
			ws.maybeStartEvents()
		}
	}

	for {
		select {
		case ch := <-ws.editChCh:
			ws.editCh = ch
			ws.editChCh = nil // nil channel blocks forever; remove from select
			log.Debug("opened event chan", zap.Bool("ok", ws.editCh != nil))

		case fn := <-ws.cmdCh:
			fn(ws)

		case e, ok := <-ws.editCh:
			if !ok {
				// Event file closed; the window is being deleted.  Keep
				// running so in-flight commands still execute.
				ws.editCh = nil
				continue
			}
			ws.applyEvent(e)

		case <-ws.inbox.ready:
			ws.drain()

		case <-ws.flushTimer.C:
			if ws.pending != nil {
				ws.doFlush()
			}

		case <-ws.ctx.Done():
			ws.flushTimer.Stop()
			ws.shutdown()
			return
		}
	}
}

func (ws *WinState) shutdown() {
	ws.queue.Close()
	if ws.client != nil {
		ws.client.Close()
	}
	ws.results.Flush()
	if ws.win != nil {
		ws.win.Close()
		ws.win = nil
	}
}

// startEvents returns the window's body event channel, or nil when it
// cannot be opened.
func (ws *WinState) startEvents() <-chan BodyEvent {
	ch, err := ws.win.Events()
	if err != nil {
		logger.L(ws.ctx).Error("open event file", zap.Error(err))
		return nil
	}
	return ch
}

// maybeStartEvents starts edit tracking for this window if it hasn't been
// started yet.  Must be called from within run().
func (ws *WinState) maybeStartEvents() {
	if ws.win == nil || ws.editChCh != nil || ws.editCh != nil {
		return
	}
	ws.editChCh = make(chan (<-chan BodyEvent), 1)
	go func() { ws.editChCh <- ws.startEvents() }()
}

// ---- internal goroutine-owned helpers ----

// resync re-reads the body and starts over: the parser is set up afresh,
// every provider's styles are dropped, and the whole document is queued
// for highlighting.
func (ws *WinState) resync() {
	log := logger.L(ws.ctx)
	if ws.win == nil {
		return
	}
	body, err := ws.win.ReadBody()
	if err != nil {
		log.Error("read body", zap.Error(err))
		return
	}
	ws.doc = newDocument(body)
	ws.history = nil
	ws.waiting = 0
	ws.results.Flush()
	ws.styles.Reset(ws.doc.Len())
	for _, p := range ws.providers {
		p.Runs = nil
	}
	ws.prevPalette = nil // forces a full write

	if ws.client != nil {
		if err := ws.client.SetUp(ws.ctx, ws.doc.snapshot(), ws.grammar); err != nil {
			log.Error("set up parser", zap.String("language", ws.grammar), zap.Error(err))
		} else {
			ws.baseGen = ws.client.Generation()
			ws.styles.Invalidate(interval.R(0, ws.doc.Len()))
			log.Debug("parsed", zap.String("language", ws.grammar), zap.Int("bytes", ws.doc.Len()))
			ws.highlight()
			return
		}
	}
	ws.scheduleFlush()
}

// applyEvent folds a body event into the mirror.  An event that does not
// fit the mirror means one was missed, and the window resynchronises.
func (ws *WinState) applyEvent(e BodyEvent) {
	if ws.doc == nil {
		return
	}
	var (
		doc  *document
		edit syntax.Edit
		err  error
	)
	switch e.Op {
	case 'I':
		text := e.Text
		if text == nil {
			text, err = ws.insertedText(e.Q0, e.Q1)
		}
		if err == nil {
			doc, edit, err = ws.doc.insert(e.Q0, text)
		}
	case 'D':
		doc, edit, err = ws.doc.delete(e.Q0, e.Q1)
	default:
		return
	}
	if err != nil {
		logger.L(ws.ctx).Warn("edit does not fit mirror; resynchronising", zap.Error(err))
		ws.resync()
		return
	}

	switch e.Op {
	case 'I':
		adjustRunsInsert(ws.prevRuns, e.Q0, e.Q1-e.Q0)
		for _, p := range ws.providers {
			adjustRunsInsert(p.Runs, e.Q0, e.Q1-e.Q0)
		}
	case 'D':
		ws.prevRuns = adjustRunsDelete(ws.prevRuns, e.Q0, e.Q1)
		for _, p := range ws.providers {
			p.Runs = adjustRunsDelete(p.Runs, e.Q0, e.Q1)
		}
	}
	ws.applyEdit(doc, edit)
}

// insertedText reads runes [q0, q1) of the body, for inserts too long for
// acme to include in the event.
func (ws *WinState) insertedText(q0, q1 int) ([]byte, error) {
	body, err := ws.win.ReadBody()
	if err != nil {
		return nil, err
	}
	bd := newDocument(body)
	if bd.Runes() != ws.doc.Runes()+q1-q0 {
		return nil, fmt.Errorf("body has %d runes, want %d: %w", bd.Runes(), ws.doc.Runes()+q1-q0, errOutOfSync)
	}
	return body[bd.byteOffset(q0):bd.byteOffset(q1)], nil
}

// applyEdit shifts every provider's styles for edit, then hands the edit to
// the parser.
func (ws *WinState) applyEdit(doc *document, edit syntax.Edit) {
	log := logger.L(ws.ctx)
	if err := ws.styles.StorageUpdated(edit.Range(), edit.NewLength()); err != nil {
		log.Warn("shift styles; resynchronising", zap.Error(err))
		ws.resync()
		return
	}
	ws.doc = doc
	if ws.client == nil {
		ws.scheduleFlush()
		return
	}

	ws.waiting++
	err := ws.client.ApplyEdit(edit, doc.snapshot(), ws.inbox.putEdit)
	ws.history = append(ws.history, editRecord{
		gen:    ws.client.Generation(),
		edited: edit.Range(),
		n:      edit.NewLength(),
	})
	switch {
	case errors.Is(err, syntax.ErrDeferred):
		edits, queries := ws.queue.Pending()
		log.Debug("edit deferred", zap.Stringer("range", edit.Range()),
			zap.Int("queuedEdits", edits), zap.Int("queuedQueries", queries))
	case err != nil:
		ws.waiting--
		log.Error("apply edit; resynchronising", zap.Error(err))
		ws.resync()
		return
	}
	ws.drain()
}

// drain handles the results waiting in the inbox.
func (ws *WinState) drain() {
	edits, queries := ws.inbox.take()
	for _, r := range edits {
		ws.editApplied(r)
	}
	for _, r := range queries {
		ws.queryAnswered(r)
	}
	if ws.waiting <= 0 {
		ws.waiting = 0
		ws.history = ws.history[:0]
	}
}

func (ws *WinState) editApplied(r syntax.EditResult) {
	if ws.client == nil || r.Generation < ws.baseGen {
		return
	}
	ws.waiting--
	ws.styles.Invalidate(ws.forward(r.Generation, r.Changed...)...)
	ws.highlight()
}

func (ws *WinState) queryAnswered(r syntax.QueryResult) {
	if ws.client == nil || r.Generation < ws.baseGen {
		return
	}
	ws.waiting--
	switch {
	case errors.Is(r.Err, syntax.ErrClosed):
		return
	case r.Err != nil, r.Generation != ws.client.Generation():
		// The text moved on; ask again for wherever the range is now.
		ws.styles.Invalidate(ws.forward(r.Generation, r.Range)...)
		ws.highlight()
		return
	}
	ws.applySpans(r.Generation, r.Range, r.Spans)
	ws.scheduleFlush()
}

// forward maps ranges computed against generation gen onto the current
// text by replaying the later edits.
func (ws *WinState) forward(gen uint64, rs ...interval.Range) []interval.Range {
	out := make([]interval.Range, 0, len(rs))
	for _, r := range rs {
		for _, h := range ws.history {
			if h.gen > gen {
				r = r.Shift(h.edited, h.n)
			}
		}
		out = append(out, r)
	}
	return out
}

// highlight queries the parser for every invalid range.  Results that do
// not fit the time budget arrive later through the inbox.
func (ws *WinState) highlight() {
	if ws.client == nil {
		return
	}
	log := logger.L(ws.ctx)
	gen := ws.client.Generation()
	for {
		rs := ws.styles.TakeInvalid(queryChunk)
		if len(rs) == 0 {
			break
		}
		for _, r := range rs {
			if spans, ok := ws.cached(gen, r); ok {
				ws.applySpans(gen, r, spans)
				continue
			}
			spans, err := ws.client.QueryHighlights(r, ws.inbox.putQuery)
			switch {
			case errors.Is(err, syntax.ErrDeferred):
				ws.waiting++
			case errors.Is(err, syntax.ErrNotReady):
				// A failed background edit left the parser unusable.
				log.Warn("parser needs set up; resynchronising")
				ws.resync()
				return
			case err != nil:
				log.Warn("query highlights", zap.Stringer("range", r), zap.Error(err))
			default:
				ws.applySpans(gen, r, spans)
			}
		}
	}
	ws.scheduleFlush()
}

func resultKey(gen uint64, r interval.Range) string {
	return fmt.Sprintf("%d:%d:%d", gen, r.Start, r.End)
}

func (ws *WinState) cached(gen uint64, r interval.Range) ([]style.Span, bool) {
	v, ok := ws.results.Get(resultKey(gen, r))
	if !ok {
		return nil, false
	}
	return v.([]style.Span), true
}

func (ws *WinState) applySpans(gen uint64, r interval.Range, spans []style.Span) {
	ws.results.Set(resultKey(gen, r), spans, cache.DefaultExpiration)
	if _, err := ws.styles.ApplyHighlightResult(treesitter, spans, r); err != nil {
		logger.L(ws.ctx).Error("apply highlights", zap.Stringer("range", r), zap.Error(err))
	}
}

// palette returns the master palette followed by provider entries for
// names it does not define.  A name is taken from the highest-priority
// provider defining it.
func (ws *WinState) palette() ([]style.PaletteEntry, map[string]bool) {
	pal, named := ws.srv.palette, ws.srv.named
	for _, id := range ws.styles.Providers() {
		p := ws.providerNamed(id)
		if p == nil {
			continue
		}
		for _, e := range p.Palette {
			if named[e.Name] || style.LookupCapture(e.Name).IsZero() {
				continue
			}
			if len(pal) == len(ws.srv.palette) {
				pal = append([]style.PaletteEntry(nil), pal...)
				named = make(map[string]bool, len(ws.srv.named)+1)
				for n := range ws.srv.named {
					named[n] = true
				}
			}
			pal = append(pal, e)
			named[e.Name] = true
		}
	}
	return pal, named
}

func (ws *WinState) providerNamed(id compose.ProviderID) *provider {
	for _, p := range ws.providers {
		if p.pid() == id {
			return p
		}
	}
	return nil
}

// composeRuns merges every provider over the document and converts the
// result to rune runs named by palette entry.  Runs whose name is not in
// named are left out.
func (ws *WinState) composeRuns(named map[string]bool) ([]style.StyleRun, error) {
	if ws.doc == nil {
		return nil, nil
	}
	runs, err := ws.styles.RunsIn(interval.R(0, ws.doc.Len()))
	if err != nil {
		return nil, err
	}
	var out []style.StyleRun
	pos := 0
	for _, r := range runs {
		start := pos
		pos += r.Length
		name := r.Value.Name()
		if !named[name] {
			continue
		}
		q0, q1 := ws.doc.runeOffset(start), ws.doc.runeOffset(pos)
		if n := len(out); n > 0 && out[n-1].Name == name && out[n-1].End == q0 {
			out[n-1].End = q1
			continue
		}
		if q0 < q1 {
			out = append(out, style.StyleRun{Name: name, Start: q0, End: q1})
		}
	}
	return out, nil
}

// spansOf converts provider runs (runes, palette names) to byte spans.
// Runs whose name resolves to no capture are dropped.
func (ws *WinState) spansOf(runs []style.StyleRun) []style.Span {
	sorted := append([]style.StyleRun(nil), runs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	out := make([]style.Span, 0, len(sorted))
	for _, r := range sorted {
		v := style.LookupCapture(r.Name)
		if v.IsZero() {
			continue
		}
		out = append(out, style.Span{
			Start: ws.doc.byteOffset(r.Start),
			End:   ws.doc.byteOffset(r.End),
			Value: v,
		})
	}
	return out
}

// scheduleFlush recomposes all providers and arms the coalesce timer.
// Must be called from within the window goroutine.
func (ws *WinState) scheduleFlush() {
	pal, named := ws.palette()
	runs, err := ws.composeRuns(named)
	if err != nil {
		logger.L(ws.ctx).Error("compose", zap.Error(err))
		return
	}
	ws.pending = &flushMsg{pal, runs}
	resetTimer(ws.flushTimer, coalesceDelay)
}

// doFlush writes the pending composition to acme and clears ws.pending.
// Must be called from within the window goroutine.
func (ws *WinState) doFlush() {
	if ws.pending == nil {
		return
	}
	ws.diffAndWrite(ws.prevPalette, ws.pending.pal, ws.prevRuns, ws.pending.runs)
	ws.prevPalette = ws.pending.pal
	ws.prevRuns = ws.pending.runs
	ws.pending = nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// diffAndWrite compares old and new compositions and writes the minimal
// diff to acme.  Must be called from within the window goroutine.
func (ws *WinState) diffAndWrite(oldPal, newPal []style.PaletteEntry, oldRuns, newRuns []style.StyleRun) {
	if ws.win == nil {
		return
	}
	log := logger.L(ws.ctx)
	if oldPal != nil && palettesEqual(oldPal, newPal) {
		q0, q1, changed := diffRuns(oldRuns, newRuns)
		if !changed {
			return
		}
		if err := ws.win.Addr(q0, q1); err != nil {
			if err := ws.win.WriteStyle([]byte(style.Format(newPal, newRuns))); err != nil {
				log.Error("full style write", zap.Error(err))
			}
			return
		}
		if err := ws.win.WriteStyle([]byte(style.FormatAt(newPal, newRuns, q0, q1))); err != nil {
			log.Error("partial style write", zap.Error(err))
		}
		return
	}
	if err := ws.win.WriteStyle([]byte(style.Format(newPal, newRuns))); err != nil {
		log.Error("full style write", zap.Error(err))
	}
}

// ensureDoc reads the body for a window without a grammar the first time a
// provider needs it.
func (ws *WinState) ensureDoc() bool {
	if ws.doc == nil {
		ws.resync()
	}
	return ws.doc != nil
}

func (ws *WinState) provider(id int) *provider {
	for _, p := range ws.providers {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// ---- public API for 9P handlers (safe to call from any goroutine) ----

// NewProvider allocates a new provider and returns its ID.
func (ws *WinState) NewProvider() (int, error) {
	var (
		id  int
		err error
	)
	if !ws.call(func(ws *WinState) {
		p := &provider{ID: ws.nextID, Name: strconv.Itoa(ws.nextID)}
		if err = ws.styles.AddProvider(p.pid()); err != nil {
			return
		}
		ws.providers = append(ws.providers, p)
		id = ws.nextID
		ws.nextID++
		ws.ensureDoc()
		ws.maybeStartEvents()
	}) {
		return 0, fmt.Errorf("new provider: call timeout")
	}
	return id, err
}

// ProviderExists reports whether a provider with the given ID is present.
func (ws *WinState) ProviderExists(id int) bool {
	var exists bool
	ws.call(func(ws *WinState) {
		exists = ws.provider(id) != nil
	})
	return exists
}

// ProviderIDs returns the IDs of all providers in ascending order.
func (ws *WinState) ProviderIDs() []int {
	var ids []int
	ws.call(func(ws *WinState) {
		ids = make([]int, 0, len(ws.providers))
		for _, p := range ws.providers {
			ids = append(ids, p.ID)
		}
		sort.Ints(ids)
	})
	return ids
}

// IndexText returns the content of the providers/index file.
func (ws *WinState) IndexText() string {
	var result string
	ws.call(func(ws *WinState) {
		var sb strings.Builder
		for _, p := range ws.providers {
			fmt.Fprintf(&sb, "%d %s\n", p.ID, p.Name)
		}
		result = sb.String()
	})
	return result
}

// ComposedText returns the last style content that was written to acme,
// i.e. the most recent full-replacement output for this window.
// Returns an empty string if no flush has happened yet.
func (ws *WinState) ComposedText() string {
	var result string
	ws.call(func(ws *WinState) {
		result = style.Format(ws.prevPalette, ws.prevRuns)
	})
	return result
}

// LayersText describes the window's syntax layers, one per line: depth,
// language, and for injected layers their byte ranges.
func (ws *WinState) LayersText() string {
	var result string
	ws.call(func(ws *WinState) {
		if ws.client == nil {
			return
		}
		var sb strings.Builder
		for _, l := range ws.client.Layers() {
			sb.WriteString(l.String())
			sb.WriteByte('\n')
		}
		result = sb.String()
	})
	return result
}

// StyleText returns the serialized palette+runs for one provider.
func (ws *WinState) StyleText(id int) string {
	var result string
	ws.call(func(ws *WinState) {
		if p := ws.provider(id); p != nil {
			result = style.Format(p.Palette, p.Runs)
		}
	})
	return result
}

// ProviderName returns the name of the given provider (empty string if not
// found).
func (ws *WinState) ProviderName(id int) string {
	var name string
	ws.call(func(ws *WinState) {
		if p := ws.provider(id); p != nil {
			name = p.Name
		}
	})
	return name
}

// SetProviderName renames a provider.  Its priority follows the new name.
func (ws *WinState) SetProviderName(id int, name string) error {
	var err error
	if !ws.call(func(ws *WinState) {
		p := ws.provider(id)
		if p == nil {
			err = compose.ErrUnknownProvider
			return
		}
		if err = ws.styles.RenameProvider(p.pid(), compose.ProviderID(name)); err != nil {
			return
		}
		p.Name = name
		ws.scheduleFlush()
	}) {
		return fmt.Errorf("set name: call timeout")
	}
	return err
}

// ResetAddr clears the pending addr for id, matching acme's behaviour of
// resetting w->addr when the addr file is first opened.
func (ws *WinState) ResetAddr(id int) {
	ws.submit(func(ws *WinState) {
		if p := ws.provider(id); p != nil {
			p.hasAddr = false
			p.addrQ0, p.addrQ1 = 0, 0
		}
	})
}

// SetAddr records a pending partial-write address for id.
func (ws *WinState) SetAddr(id int, q0, q1 int) {
	ws.submit(func(ws *WinState) {
		if p := ws.provider(id); p != nil {
			p.hasAddr = true
			p.addrQ0 = q0
			p.addrQ1 = q1
		}
	})
}

// ConsumeAddr captures and clears the pending addr for id, as acme does
// when its style file is opened.  Returns ok=false when no addr is pending
// (full-replace mode).
func (ws *WinState) ConsumeAddr(id int) (q0, q1 int, ok bool) {
	ws.call(func(ws *WinState) {
		if p := ws.provider(id); p != nil {
			q0, q1, ok = p.addrQ0, p.addrQ1, p.hasAddr
			p.hasAddr = false
			p.addrQ0, p.addrQ1 = 0, 0
		}
	})
	return
}

// ClearProvider empties a provider's palette and runs, then schedules a
// flush.
func (ws *WinState) ClearProvider(id int) {
	ws.submit(func(ws *WinState) {
		p := ws.provider(id)
		if p == nil {
			return
		}
		p.Palette, p.Runs = nil, nil
		if _, err := ws.styles.ClearProvider(p.pid()); err != nil {
			logger.L(ws.ctx).Warn("clear provider", zap.Error(err))
		}
		ws.scheduleFlush()
	})
}

// DelProvider removes a provider entirely, then schedules a flush.
func (ws *WinState) DelProvider(id int) {
	ws.submit(func(ws *WinState) {
		for i, p := range ws.providers {
			if p.ID != id {
				continue
			}
			ws.providers = append(ws.providers[:i], ws.providers[i+1:]...)
			if _, err := ws.styles.RemoveProvider(p.pid()); err != nil {
				logger.L(ws.ctx).Warn("remove provider", zap.Error(err))
			}
			break
		}
		ws.scheduleFlush()
	})
}

// SetProviderStyle replaces a provider's palette and runs in full, then
// schedules a flush.  Called at clunk of a style fid opened without an
// addr.
func (ws *WinState) SetProviderStyle(id int, palette []style.PaletteEntry, runs []style.StyleRun) {
	ws.submit(func(ws *WinState) {
		p := ws.provider(id)
		if p == nil || !ws.ensureDoc() {
			return
		}
		p.Palette, p.Runs = palette, clipRuns(runs, 0, ws.doc.Runes())
		sort.Slice(p.Runs, func(i, j int) bool { return p.Runs[i].Start < p.Runs[j].Start })
		if _, err := ws.styles.ApplyHighlightResult(p.pid(), ws.spansOf(p.Runs), interval.R(0, ws.doc.Len())); err != nil {
			logger.L(ws.ctx).Error("apply provider style", zap.Error(err))
		}
		ws.scheduleFlush()
	})
}

// SpliceProviderStyle applies a partial update to a provider: replaces its
// runs over [q0, q1) with absRuns, merges palette entries by name, then
// schedules a flush.  Called at clunk of a style fid opened with an addr.
func (ws *WinState) SpliceProviderStyle(id int, palette []style.PaletteEntry, absRuns []style.StyleRun, q0, q1 int) {
	ws.submit(func(ws *WinState) {
		p := ws.provider(id)
		if p == nil || !ws.ensureDoc() {
			return
		}
		q0, q1 = min(max(q0, 0), ws.doc.Runes()), min(max(q1, 0), ws.doc.Runes())
		if q1 < q0 {
			return
		}
		absRuns = clipRuns(absRuns, q0, q1)
		kept := p.Runs[:0]
		for _, r := range p.Runs {
			if r.End <= q0 || r.Start >= q1 {
				kept = append(kept, r)
			}
		}
		p.Runs = append(kept, absRuns...)
		sort.Slice(p.Runs, func(i, j int) bool {
			return p.Runs[i].Start < p.Runs[j].Start
		})
		for _, e := range palette {
			merged := false
			for i, oe := range p.Palette {
				if oe.Name == e.Name {
					p.Palette[i] = e
					merged = true
					break
				}
			}
			if !merged {
				p.Palette = append(p.Palette, e)
			}
		}
		covered := interval.R(ws.doc.byteOffset(q0), ws.doc.byteOffset(q1))
		if _, err := ws.styles.ApplyHighlightResult(p.pid(), ws.spansOf(absRuns), covered); err != nil {
			logger.L(ws.ctx).Error("apply provider style", zap.Error(err))
		}
		ws.scheduleFlush()
	})
}

// Refresh queues the whole document for highlighting.  Ranges whose
// results are cached for the current text are not queried again.
func (ws *WinState) Refresh() {
	ws.submit(func(ws *WinState) {
		if ws.doc == nil || ws.client == nil {
			return
		}
		ws.styles.Invalidate(interval.R(0, ws.doc.Len()))
		ws.highlight()
	})
}

// Resync re-reads the window body and highlights it from scratch.
func (ws *WinState) Resync() {
	ws.submit(func(ws *WinState) { ws.resync() })
}

// clipRuns clips runs to [q0, q1), dropping those left empty.
func clipRuns(runs []style.StyleRun, q0, q1 int) []style.StyleRun {
	out := make([]style.StyleRun, 0, len(runs))
	for _, r := range runs {
		r.Start, r.End = max(r.Start, q0), min(r.End, q1)
		if r.Start < r.End {
			out = append(out, r)
		}
	}
	return out
}
