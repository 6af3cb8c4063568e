// Package server hosts the highlighting engine for acme windows.
//
// Each window gets a WinState actor owning a mirror of the body, a layered
// tree-sitter client and a merge container holding the built-in provider
// plus any providers attached over 9P.  Edits tracked through the window's
// event file flow into the parser; its changed ranges are re-queried and
// the merged runs are written back to acme's style file.
package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cptaffe/acme-syntax/internal/compose"
	"github.com/cptaffe/acme-syntax/internal/grammars"
	"github.com/cptaffe/acme-syntax/internal/syntax"
	"github.com/cptaffe/acme-syntax/internal/taskq"
	"github.com/cptaffe/acme-syntax/logger"
	"github.com/cptaffe/acme-syntax/style"
)

// Server is the global service state.
//
// palette, named, order, reg, budget, open and tracer are read-only after
// NewServer returns and may be accessed from any goroutine without holding
// mu.
//
// mu protects only the wins map; it is never held while doing any I/O.
type Server struct {
	palette []style.PaletteEntry
	named   map[string]bool // palette entry names
	order   []string
	reg     *grammars.Registry
	budget  time.Duration
	open    func(id int) (Window, error)
	tracer  trace.Tracer

	mu   sync.Mutex
	wins map[int]*WinState
	ctx  context.Context // root context; cancelled on shutdown
	wg   sync.WaitGroup  // tracks live window goroutines
}

// NewServer constructs a Server from the parsed config and root context.
func NewServer(cfg Config, ctx context.Context) *Server {
	s := &Server{
		palette: cfg.Palette,
		named:   make(map[string]bool, len(cfg.Palette)),
		order:   cfg.ProviderOrder,
		reg:     cfg.Registry,
		budget:  cfg.Budget,
		open:    cfg.OpenWindow,
		tracer:  otel.Tracer("github.com/cptaffe/acme-syntax/internal/server"),
		wins:    make(map[int]*WinState),
		ctx:     ctx,
	}
	if s.open == nil {
		s.open = OpenAcme
	}
	for _, e := range cfg.Palette {
		s.named[e.Name] = true
	}
	return s
}

// Ctx returns the root context of the server.
func (s *Server) Ctx() context.Context {
	return s.ctx
}

// Wait blocks until all window goroutines have exited.
func (s *Server) Wait() {
	s.wg.Wait()
}

// AddWin creates a WinState and starts its goroutine for the given window
// ID.  name is the window's file name; its extension picks the grammar.
// Returns nil if the window was already registered.
//
// s.mu is never held while opening the window: the lock is released, the
// (potentially slow) open is performed, then the lock is re-acquired to
// insert.  If another goroutine raced to add the same ID, the loser discards
// what it opened.
func (s *Server) AddWin(id int, name string) *WinState {
	s.mu.Lock()
	if _, ok := s.wins[id]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.ctx)
	ctx = logger.NewContext(ctx, logger.L(s.ctx).With(zap.Int("window", id)))
	log := logger.L(ctx)

	log.Debug("opening acme window")
	win, err := s.open(id)
	if err != nil {
		log.Error("open acme window", zap.Error(err))
		// win is nil; run() handles nil win gracefully.
		win = nil
	}

	ws := &WinState{
		ID:      id,
		ctx:     ctx,
		cancel:  cancel,
		cmdCh:   make(chan func(*WinState), 64),
		srv:     s,
		inbox:   inbox{ready: make(chan struct{}, 1)},
		win:     win,
		nextID:  1,
		styles:  compose.New(0, s.order, compose.WithLogger(log)),
		queue:   taskq.New(ctx, taskq.WithTracer(s.tracer)),
		results: cache.New(resultTTL, 2*resultTTL),
	}
	if s.reg != nil {
		if g, err := s.reg.ForFile(name); err == nil {
			ws.grammar = g.ID
			ws.client = syntax.New(s.reg, ws.queue,
				syntax.WithBudget(s.budget),
				syntax.WithLogger(log.With(zap.String("language", g.ID))))
			ws.styles.AddProvider(treesitter) //nolint:errcheck
		}
	}
	log.Debug("opened acme window", zap.Bool("ok", win != nil), zap.String("language", ws.grammar))

	s.mu.Lock()
	if _, ok := s.wins[id]; ok {
		// Lost the race; another goroutine added this window first.
		s.mu.Unlock()
		cancel()
		ws.shutdown()
		return nil
	}
	s.wins[id] = ws
	s.mu.Unlock()

	s.wg.Add(1)
	go ws.run()
	return ws
}

// DelWin removes the window from the registry and cancels its goroutine.
// The run() goroutine closes the window when it sees ctx.Done().
func (s *Server) DelWin(id int) {
	s.mu.Lock()
	ws := s.wins[id]
	delete(s.wins, id)
	s.mu.Unlock()
	if ws != nil {
		ws.cancel()
	}
}

// GetWin returns the WinState for the given window ID, or nil if not found.
func (s *Server) GetWin(id int) *WinState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wins[id]
}

// WinIDs returns all registered window IDs in ascending order.
func (s *Server) WinIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.wins))
	for id := range s.wins {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
