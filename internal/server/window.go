package server

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"9fans.net/go/acme"
	"9fans.net/go/plan9"
	"9fans.net/go/plan9/client"
)

// BodyEvent is an insertion or deletion in a window body.  Offsets are in
// runes.
type BodyEvent struct {
	Op     rune // 'I' or 'D'
	Q0, Q1 int
	Text   []byte // inserted text; nil when acme did not send all of it
}

// Window is the acme window a WinState styles.
type Window interface {
	ReadBody() ([]byte, error)
	// Addr sets the range the next style write replaces.
	Addr(q0, q1 int) error
	// WriteStyle replaces the window's styles, or the addressed range
	// of them, with b in the style wire format.
	WriteStyle(b []byte) error
	// Events streams body edits.  The channel is closed when the window
	// goes away.
	Events() (<-chan BodyEvent, error)
	Close()
}

// acmeWindow is a Window backed by acme's file server.
type acmeWindow struct {
	id   int
	win  *acme.Win
	once sync.Once
	done chan struct{}

	mu  sync.Mutex
	evw *acme.Win // event connection, opened by Events
}

var (
	acmeMu   sync.Mutex
	acmeFsys *client.Fsys
)

// mountAcme returns the shared connection used for style writes.  The acme
// package keeps its own connection private, and does not know the style
// file.
func mountAcme() (*client.Fsys, error) {
	acmeMu.Lock()
	defer acmeMu.Unlock()
	if acmeFsys != nil {
		return acmeFsys, nil
	}
	fs, err := client.MountService("acme")
	if err != nil {
		return nil, err
	}
	acmeFsys = fs
	return fs, nil
}

func resetAcme() {
	acmeMu.Lock()
	acmeFsys = nil
	acmeMu.Unlock()
}

// OpenAcme connects to acme window id.
func OpenAcme(id int) (Window, error) {
	w, err := acme.Open(id, nil)
	if err != nil {
		return nil, err
	}
	return &acmeWindow{id: id, win: w, done: make(chan struct{})}, nil
}

func (w *acmeWindow) ReadBody() ([]byte, error) {
	return w.win.ReadAll("body")
}

func (w *acmeWindow) Addr(q0, q1 int) error {
	return w.win.Addr("#%d,#%d", q0, q1)
}

// WriteStyle writes b to the window's style file in one open.  acme applies
// the write when the file is closed.
func (w *acmeWindow) WriteStyle(b []byte) error {
	fs, err := mountAcme()
	if err != nil {
		return err
	}
	fid, err := fs.Open(fmt.Sprintf("%d/style", w.id), plan9.OWRITE)
	if err != nil {
		resetAcme()
		return err
	}
	defer fid.Close()
	if len(b) == 0 {
		return nil
	}
	if _, err := fid.Write(b); err != nil {
		resetAcme()
		return err
	}
	return nil
}

// Events opens the window's event file on a second connection.  Body
// inserts and deletes are delivered; events acme expects back are written
// back so the window behaves normally.
func (w *acmeWindow) Events() (<-chan BodyEvent, error) {
	ew, err := acme.Open(w.id, nil)
	if err != nil {
		return nil, err
	}
	if err := ew.OpenEvent(); err != nil {
		ew.CloseFiles()
		return nil, err
	}
	w.mu.Lock()
	w.evw = ew
	w.mu.Unlock()

	ch := make(chan BodyEvent)
	go func() {
		defer close(ch)
		for {
			e, err := ew.ReadEvent()
			if err != nil {
				return
			}
			switch e.C2 {
			case 'I', 'D':
				be := BodyEvent{Op: e.C2, Q0: e.Q0, Q1: e.Q1}
				if e.C2 == 'I' && utf8.RuneCount(e.Text) == e.Q1-e.Q0 {
					be.Text = e.Text
				}
				select {
				case ch <- be:
				case <-w.done:
					return
				}
			case 'x', 'X', 'l', 'L':
				ew.WriteEvent(e) //nolint:errcheck
			}
		}
	}()
	return ch, nil
}

func (w *acmeWindow) Close() {
	w.once.Do(func() {
		close(w.done)
		w.win.CloseFiles()
		w.mu.Lock()
		if w.evw != nil {
			w.evw.CloseFiles()
		}
		w.mu.Unlock()
	})
}
