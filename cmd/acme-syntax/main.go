// Command acme-syntax highlights acme windows with tree-sitter.
//
// It tracks every window through acme's log and event files, keeps a
// parse tree per window and writes the highlights to the window's style
// file.  Other programs add their own highlights over the 9P service it
// posts; see package provider.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"time"

	"9fans.net/go/acme"
	"9fans.net/go/plan9/client"
	"go.uber.org/zap"

	"github.com/cptaffe/acme-syntax/internal/grammars"
	"github.com/cptaffe/acme-syntax/internal/server"
	"github.com/cptaffe/acme-syntax/internal/syntax"
	"github.com/cptaffe/acme-syntax/logger"
)

func main() {
	stylesFile := flag.String("styles", "", "palette and provider order file")
	langFile := flag.String("languages", "", "YAML language definitions (default: built-in grammars)")
	srv := flag.String("srv", "", "unix socket path (default: $NAMESPACE/acme-syntax)")
	proxy := flag.Bool("9pserve", false, "serve through 9pserve instead of listening directly")
	budget := flag.Duration("budget", syntax.DefaultBudget, "time allowed for synchronous parsing and queries")
	traceFile := flag.String("trace", "", "write task spans to this file")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	var err error
	var l *zap.Logger
	if *verbose {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	zap.ReplaceGlobals(l)
	defer l.Sync() //nolint:errcheck

	srvPath := *srv
	if srvPath == "" {
		srvPath = client.Namespace() + "/acme-syntax"
	}

	var cfg server.Config
	if *stylesFile != "" {
		data, err := os.ReadFile(*stylesFile)
		if err != nil {
			l.Fatal("read styles", zap.String("path", *stylesFile), zap.Error(err))
		}
		cfg = server.ParseConfig(string(data))
		l.Info("loaded styles",
			zap.Int("palette", len(cfg.Palette)),
			zap.Int("providerOrder", len(cfg.ProviderOrder)),
			zap.String("path", *stylesFile))
	}

	if *langFile != "" {
		cfg.Registry, err = grammars.Load(*langFile)
	} else {
		cfg.Registry, err = grammars.Default()
	}
	if err != nil {
		l.Fatal("load grammars", zap.String("path", *langFile), zap.Error(err))
	}
	defer cfg.Registry.Close()
	l.Info("loaded grammars", zap.Strings("languages", cfg.Registry.Languages()))
	cfg.Budget = *budget

	if *traceFile != "" {
		shutdown, err := setupTracing(*traceFile)
		if err != nil {
			l.Fatal("set up tracing", zap.String("path", *traceFile), zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				l.Warn("flush traces", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()
	ctx = logger.NewContext(ctx, l)

	s := server.NewServer(cfg, ctx)
	go watchLog(s)

	if *proxy {
		serveProxy(s, srvPath)
	} else {
		serveUnix(s, srvPath)
	}

	l.Info("shutting down; waiting for window goroutines")
	done := make(chan struct{})
	go func() { s.Wait(); close(done) }()
	select {
	case <-done:
		l.Info("shutdown complete")
	case <-time.After(5 * time.Second):
		l.Warn("shutdown timed out; exiting anyway")
	}
}

// serveUnix accepts 9P connections on a unix socket until the server's
// context is cancelled.
func serveUnix(s *server.Server, srvPath string) {
	l := logger.L(s.Ctx())
	os.Remove(srvPath)
	ln, err := net.Listen("unix", srvPath)
	if err != nil {
		l.Fatal("listen", zap.String("path", srvPath), zap.Error(err))
	}
	defer os.Remove(srvPath)
	defer ln.Close()

	// Close the listener when the context is cancelled so that Accept
	// returns an error and the loop below can exit.
	go func() {
		<-s.Ctx().Done()
		ln.Close()
	}()

	l.Info("listening", zap.String("addr", srvPath))
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.Ctx().Err() != nil {
				return
			}
			l.Error("accept", zap.Error(err))
			continue
		}
		go s.HandleConn(c)
	}
}

// serveProxy hands one connection to 9pserve, which multiplexes clients
// onto it, and serves it until the context is cancelled.
func serveProxy(s *server.Server, srvPath string) {
	l := logger.L(s.Ctx())
	rwc, cleanup, err := listen(srvPath)
	if err != nil {
		l.Fatal("listen", zap.String("path", srvPath), zap.Error(err))
	}
	l.Info("serving through 9pserve", zap.String("addr", srvPath))
	go s.HandleConn(rwc)
	<-s.Ctx().Done()
	cleanup()
}

// watchLog seeds window state from acme and then streams opens, reloads
// and closes.
//
// acme.Windows() and acme.Log() are retried with backoff: when the previous
// process exits abruptly, the 9P proxy (9pserve) may still be sending Tclunk
// messages for its outstanding fids, leaving acme's fid table temporarily busy.
//
// lr.Read() is a blocking call; we wrap each call in a goroutine and select
// against ctx.Done() so that a signal causes a clean exit.
func watchLog(s *server.Server) {
	ctx := s.Ctx()
	l := logger.L(ctx)

	wins, err := retryOn(ctx, 10, 200*time.Millisecond, acme.Windows)
	if err != nil {
		l.Fatal("acme.Windows", zap.Error(err))
	}
	for _, w := range wins {
		s.AddWin(w.ID, w.Name)
	}

	lr, err := retryOn(ctx, 10, 200*time.Millisecond, acme.Log)
	if err != nil {
		l.Fatal("acme.Log", zap.Error(err))
	}
	defer lr.Close()

	type logResult struct {
		ev  acme.LogEvent
		err error
	}
	ch := make(chan logResult, 1)

	readNext := func() {
		go func() {
			ev, err := lr.Read()
			ch <- logResult{ev, err}
		}()
	}
	readNext()

	for {
		select {
		case <-ctx.Done():
			return
		case res := <-ch:
			if res.err != nil {
				if ctx.Err() != nil {
					return
				}
				l.Fatal("acme log", zap.Error(res.err))
			}
			switch res.ev.Op {
			case "new":
				s.AddWin(res.ev.ID, res.ev.Name)
			case "get":
				// The body was replaced, possibly by another file.
				s.DelWin(res.ev.ID)
				s.AddWin(res.ev.ID, res.ev.Name)
			case "del":
				s.DelWin(res.ev.ID)
			}
			readNext()
		}
	}
}

// retryOn calls fn repeatedly until it succeeds, the context is cancelled,
// or maxAttempts is exhausted.  Between each attempt it waits delay.
func retryOn[T any](ctx context.Context, maxAttempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var (
		zero T
		err  error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var v T
		v, err = fn()
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, err
}
