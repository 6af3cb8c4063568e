// Command acme-syntax-push writes highlights read from standard input to a
// provider of a window served by acme-syntax.
//
// Input is the style wire format: optional palette lines
// ":name fg=#rrggbb bold" followed by run lines "start length name", with
// rune offsets into the window body.
//
//	acme-syntax-push -name spell < runs
//	acme-syntax-push -name spell -addr 120,180 < runs
//	acme-syntax-push -name spell -delete
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/cptaffe/acme-syntax/provider"
	"github.com/cptaffe/acme-syntax/style"
)

func main() {
	win := flag.Int("w", 0, "window ID (default: $winid)")
	name := flag.String("name", "", "provider name")
	addr := flag.String("addr", "", "only replace runs in q0,q1; offsets on stdin are absolute")
	clearRuns := flag.Bool("clear", false, "remove the provider's runs")
	del := flag.Bool("delete", false, "remove the provider")
	flag.Parse()

	l, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer l.Sync() //nolint:errcheck

	if *win == 0 {
		*win, err = strconv.Atoi(os.Getenv("winid"))
		if err != nil {
			l.Fatal("no window: set -w or $winid")
		}
	}
	if *name == "" {
		l.Fatal("-name is required")
	}
	l = l.With(zap.Int("window", *win), zap.String("provider", *name))

	p, err := provider.Open(*win, *name)
	if err != nil {
		l.Fatal("open provider", zap.Error(err))
	}

	switch {
	case *del:
		err = p.Delete()
	case *clearRuns:
		err = p.Clear()
	case *addr != "":
		var q0, q1 int
		if _, err := fmt.Sscanf(*addr, "%d,%d", &q0, &q1); err != nil {
			l.Fatal("bad -addr", zap.String("addr", *addr), zap.Error(err))
		}
		var data []byte
		if data, err = io.ReadAll(os.Stdin); err == nil {
			_, runs := style.ParseContent(string(data))
			err = p.ApplyRange(q0, q1, runs)
		}
	default:
		var data []byte
		if data, err = io.ReadAll(os.Stdin); err == nil {
			err = p.Write(string(data))
		}
	}
	if err != nil {
		l.Fatal("write provider", zap.Error(err))
	}
}
