package server

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cptaffe/acme-syntax/internal/grammars"
	"github.com/cptaffe/acme-syntax/internal/interval"
	"github.com/cptaffe/acme-syntax/logger"
	"github.com/cptaffe/acme-syntax/style"
)

// fakeWindow stands in for an acme window.  It applies style writes the
// way acme does, including addr-scoped partial writes, and shifts its
// styles on edits, so tests can check what the user would see.
type fakeWindow struct {
	mu     sync.Mutex
	body   []rune
	addr   *[2]int
	runs   []style.StyleRun
	writes int
	events chan BodyEvent
}

func newFakeWindow(body string) *fakeWindow {
	return &fakeWindow{body: []rune(body), events: make(chan BodyEvent)}
}

func (w *fakeWindow) ReadBody() ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return []byte(string(w.body)), nil
}

func (w *fakeWindow) Addr(q0, q1 int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.addr = &[2]int{q0, q1}
	return nil
}

func (w *fakeWindow) WriteStyle(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	_, runs := style.ParseContent(string(b))
	if w.addr == nil {
		w.runs = runs
		return nil
	}
	q0, q1 := w.addr[0], w.addr[1]
	w.addr = nil
	var kept []style.StyleRun
	for _, r := range w.runs {
		if r.Start < q0 {
			kept = append(kept, style.StyleRun{Name: r.Name, Start: r.Start, End: min(r.End, q0)})
		}
		if r.End > q1 {
			kept = append(kept, style.StyleRun{Name: r.Name, Start: max(r.Start, q1), End: r.End})
		}
	}
	for _, r := range runs {
		kept = append(kept, style.StyleRun{Name: r.Name, Start: r.Start + q0, End: r.End + q0})
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	w.runs = kept
	return nil
}

func (w *fakeWindow) Events() (<-chan BodyEvent, error) { return w.events, nil }

func (w *fakeWindow) Close() {}

// insert types text at rune q0 and reports it.  Without withText the event
// leaves the text out, as acme does for long inserts.
func (w *fakeWindow) insert(q0 int, text string, withText bool) {
	r := []rune(text)
	w.mu.Lock()
	w.body = slices.Insert(w.body, q0, r...)
	adjustRunsInsert(w.runs, q0, len(r))
	w.mu.Unlock()
	ev := BodyEvent{Op: 'I', Q0: q0, Q1: q0 + len(r)}
	if withText {
		ev.Text = []byte(text)
	}
	w.events <- ev
}

func (w *fakeWindow) delete(q0, q1 int) {
	w.mu.Lock()
	w.body = slices.Delete(w.body, q0, q1)
	w.runs = adjustRunsDelete(w.runs, q0, q1)
	w.mu.Unlock()
	w.events <- BodyEvent{Op: 'D', Q0: q0, Q1: q1}
}

// at returns the rune range of the first occurrence of sub in the body.
func (w *fakeWindow) at(sub string) (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	body := string(w.body)
	i := strings.Index(body, sub)
	if i < 0 {
		return -1, -1
	}
	q0 := utf8.RuneCountInString(body[:i])
	return q0, q0 + utf8.RuneCountInString(sub)
}

// styled reports whether every rune of the first occurrence of sub is
// shown with palette entry name.
func (w *fakeWindow) styled(sub, name string) bool {
	q0, q1 := w.at(sub)
	if q0 < 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for q := q0; q < q1; q++ {
		if nameAt(w.runs, q) != name {
			return false
		}
	}
	return true
}

// first returns the palette entry shown at the first rune of sub.
func (w *fakeWindow) first(sub string) string {
	q0, _ := w.at(sub)
	w.mu.Lock()
	defer w.mu.Unlock()
	return nameAt(w.runs, q0)
}

func (w *fakeWindow) shown(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range w.runs {
		if r.Name == name {
			return true
		}
	}
	return false
}

func nameAt(runs []style.StyleRun, q int) string {
	for _, r := range runs {
		if r.Start <= q && q < r.End {
			return r.Name
		}
	}
	return ""
}

var testPalette = []style.PaletteEntry{
	{Name: "keyword", Bold: true},
	{Name: "comment", FG: "#777777"},
	{Name: "string", FG: "#008800"},
	{Name: "function", FG: "#0000aa"},
}

func newTestServer(t *testing.T, order []string, wins map[int]*fakeWindow) *Server {
	t.Helper()
	reg, err := grammars.Default()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(logger.NewContext(context.Background(), zaptest.NewLogger(t)))
	s := NewServer(Config{
		Palette:       testPalette,
		ProviderOrder: order,
		Registry:      reg,
		OpenWindow: func(id int) (Window, error) {
			if w, ok := wins[id]; ok {
				return w, nil
			}
			return nil, fmt.Errorf("no window %d", id)
		},
	}, ctx)
	t.Cleanup(func() {
		cancel()
		s.Wait()
		reg.Close()
	})
	return s
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

const goSrc = "package main\n\nfunc main() {}\n"

func TestHighlightOnOpen(t *testing.T) {
	w := newFakeWindow(goSrc)
	s := newTestServer(t, nil, map[int]*fakeWindow{1: w})
	ws := s.AddWin(1, "/src/main.go")
	require.NotNil(t, ws)
	assert.Nil(t, s.AddWin(1, "/src/main.go"), "duplicate window")
	assert.Equal(t, []int{1}, s.WinIDs())

	assert.Eventually(t, func() bool {
		return w.styled("package", "keyword") && w.styled("func", "keyword") && w.first("main(") == "function"
	}, waitFor, tick)
	assert.True(t, w.styled("main", ""), "package name has no palette entry")

	assert.Contains(t, ws.ComposedText(), ":keyword bold\n")
	assert.Equal(t, "0 go\n", ws.LayersText())
}

func TestEditsRehighlight(t *testing.T) {
	w := newFakeWindow(goSrc)
	s := newTestServer(t, nil, map[int]*fakeWindow{1: w})
	require.NotNil(t, s.AddWin(1, "main.go"))
	require.Eventually(t, func() bool { return w.styled("package", "keyword") }, waitFor, tick)

	w.insert(0, "// hello\n", true)
	assert.Eventually(t, func() bool {
		return w.styled("// hello", "comment") && w.styled("package", "keyword")
	}, waitFor, tick)

	q0, _ := w.at("func main")
	w.insert(q0, "var s = \"é€\"\n", true)
	assert.Eventually(t, func() bool {
		return w.styled(`"é€"`, "string") && w.styled("var", "keyword") && w.styled("func", "keyword")
	}, waitFor, tick)

	// Too long for acme to send the text: the body is read instead.
	q0, _ = w.at("func main")
	w.insert(q0, "func f() {}\n"+strings.Repeat("// pad\n", 40), false)
	assert.Eventually(t, func() bool {
		return w.first("f()") == "function" && w.styled("// pad", "comment")
	}, waitFor, tick)

	w.delete(0, utf8.RuneCountInString("// hello\n"))
	assert.Eventually(t, func() bool {
		q0, _ := w.at("package")
		return q0 == 0 && w.styled("package", "keyword") && !w.styled("// hello", "comment")
	}, waitFor, tick)
}

func TestMissedEventResyncs(t *testing.T) {
	w := newFakeWindow(goSrc)
	s := newTestServer(t, nil, map[int]*fakeWindow{1: w})
	require.NotNil(t, s.AddWin(1, "main.go"))
	require.Eventually(t, func() bool { return w.styled("package", "keyword") }, waitFor, tick)

	// The body changes without an event, then an event arrives that does
	// not fit the old text.
	w.mu.Lock()
	w.body = []rune("// c\n" + goSrc)
	w.mu.Unlock()
	w.events <- BodyEvent{Op: 'D', Q0: 100, Q1: 200}

	assert.Eventually(t, func() bool {
		return w.styled("// c", "comment") && w.styled("package", "keyword")
	}, waitFor, tick)
}

func TestProviderPriority(t *testing.T) {
	w := newFakeWindow(goSrc)
	s := newTestServer(t, []string{"lsp", "treesitter", "*"}, map[int]*fakeWindow{1: w})
	ws := s.AddWin(1, "main.go")
	require.NotNil(t, ws)
	require.Eventually(t, func() bool { return w.styled("package", "keyword") }, waitFor, tick)

	hi, err := ws.NewProvider()
	require.NoError(t, err)
	require.NoError(t, ws.SetProviderName(hi, "lsp"))
	lo, err := ws.NewProvider()
	require.NoError(t, err)
	assert.Equal(t, []int{hi, lo}, ws.ProviderIDs())
	assert.Equal(t, fmt.Sprintf("%d lsp\n%d %d\n", hi, lo, lo), ws.IndexText())
	assert.Error(t, ws.SetProviderName(lo, "treesitter"))

	// Above tree-sitter, lsp's capture wins.
	ws.SetProviderStyle(hi, nil, []style.StyleRun{{Name: "string", Start: 0, End: 7}})
	assert.Eventually(t, func() bool { return w.styled("package", "string") }, waitFor, tick)

	// Below it, only unstyled text takes the provider's capture.
	ws.SetProviderStyle(lo, nil, []style.StyleRun{{Name: "comment", Start: 13, End: 18}})
	assert.Eventually(t, func() bool {
		q0, _ := w.at("func")
		w.mu.Lock()
		defer w.mu.Unlock()
		return nameAt(w.runs, q0-1) == "comment" && nameAt(w.runs, q0) == "keyword"
	}, waitFor, tick)

	// A partial write replaces only the addressed range.
	q0, q1 := w.at("func")
	ws.SpliceProviderStyle(hi, nil, []style.StyleRun{{Name: "comment", Start: q0, End: q1}}, q0, q1)
	assert.Eventually(t, func() bool {
		return w.styled("func", "comment") && w.styled("package", "string")
	}, waitFor, tick)
	assert.Equal(t, fmt.Sprintf("0 7 string\n%d 4 comment\n", q0), ws.StyleText(hi))

	ws.ClearProvider(hi)
	assert.Eventually(t, func() bool {
		return w.styled("package", "keyword") && w.styled("func", "keyword")
	}, waitFor, tick)

	ws.DelProvider(lo)
	assert.Eventually(t, func() bool { return !w.shown("comment") }, waitFor, tick)
	assert.Equal(t, []int{hi}, ws.ProviderIDs())
}

func TestProviderWithoutGrammar(t *testing.T) {
	w := newFakeWindow("todo: write tests\n")
	s := newTestServer(t, nil, map[int]*fakeWindow{2: w})
	ws := s.AddWin(2, "/notes.txt")
	require.NotNil(t, ws)
	assert.Empty(t, ws.LayersText())

	id, err := ws.NewProvider()
	require.NoError(t, err)
	ws.SetProviderStyle(id, []style.PaletteEntry{{Name: "keyword", Underline: true}},
		[]style.StyleRun{{Name: "keyword", Start: 0, End: 4}, {Name: "bogus", Start: 6, End: 11}})
	assert.Eventually(t, func() bool { return w.styled("todo", "keyword") }, waitFor, tick)
	assert.False(t, w.shown("bogus"))

	w.insert(0, "ab", true)
	assert.Equal(t, ":keyword underline\n2 4 keyword\n8 5 bogus\n", ws.StyleText(id))
	assert.Eventually(t, func() bool { return w.styled("todo", "keyword") }, waitFor, tick)
}

func TestProviderPalette(t *testing.T) {
	w := newFakeWindow("todo: write tests\n")
	s := newTestServer(t, nil, map[int]*fakeWindow{2: w})
	ws := s.AddWin(2, "/notes.txt")
	require.NotNil(t, ws)

	id, err := ws.NewProvider()
	require.NoError(t, err)
	ws.SetProviderStyle(id, []style.PaletteEntry{
		{Name: "escape", FG: "#aa0000"},
		{Name: "keyword", Underline: true},
		{Name: "mine", Bold: true},
	}, []style.StyleRun{
		{Name: "escape", Start: 0, End: 4},
		{Name: "keyword", Start: 6, End: 11},
		{Name: "mine", Start: 12, End: 17},
	})
	assert.Eventually(t, func() bool {
		return w.styled("todo", "escape") && w.styled("write", "keyword")
	}, waitFor, tick)
	assert.False(t, w.shown("mine"), "not a capture name")

	composed := ws.ComposedText()
	assert.Contains(t, composed, ":keyword bold\n", "the master palette wins")
	assert.Contains(t, composed, ":escape fg=#aa0000\n")
	assert.NotContains(t, composed, "underline")
	assert.NotContains(t, composed, ":mine")

	ws.ClearProvider(id)
	assert.Eventually(t, func() bool {
		return !strings.Contains(ws.ComposedText(), ":escape")
	}, waitFor, tick)
}

func TestRefreshUsesCache(t *testing.T) {
	w := newFakeWindow(goSrc)
	s := newTestServer(t, nil, map[int]*fakeWindow{1: w})
	ws := s.AddWin(1, "main.go")
	require.NotNil(t, ws)
	require.Eventually(t, func() bool { return w.styled("package", "keyword") }, waitFor, tick)

	var hit bool
	ws.call(func(ws *WinState) {
		_, hit = ws.cached(ws.client.Generation(), interval.R(0, ws.doc.Len()))
	})
	assert.True(t, hit)

	ws.Refresh()
	ws.call(func(ws *WinState) {
		assert.Empty(t, ws.styles.Invalid())
		assert.Zero(t, ws.waiting)
	})
	assert.True(t, w.styled("package", "keyword"))
}

func TestForward(t *testing.T) {
	ws := &WinState{history: []editRecord{
		{gen: 2, edited: interval.R(0, 0), n: 5},
		{gen: 3, edited: interval.R(10, 20), n: 0},
	}}
	got := ws.forward(1, interval.R(2, 4), interval.R(12, 30))
	assert.Equal(t, []interval.Range{interval.R(7, 9), interval.R(10, 25)}, got)
	assert.Equal(t, []interval.Range{interval.R(12, 30)}, ws.forward(3, interval.R(12, 30)))
}

func TestDelWin(t *testing.T) {
	w := newFakeWindow(goSrc)
	s := newTestServer(t, nil, map[int]*fakeWindow{1: w})
	require.NotNil(t, s.AddWin(1, "main.go"))
	s.DelWin(1)
	assert.Nil(t, s.GetWin(1))
	assert.Empty(t, s.WinIDs())
	s.DelWin(1)

	ws := s.AddWin(7, "missing.go")
	require.NotNil(t, ws, "a window that fails to open still gets state")
	assert.Equal(t, "", ws.ComposedText())
}
