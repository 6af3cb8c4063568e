// Package provider is a client library for pushing highlights into
// acme-syntax from another program.
//
// acme-syntax serves a 9P tree with, for every acme window, a directory of
// providers.  Each provider contributes style runs that are merged with the
// built-in tree-sitter highlighting according to the configured provider
// order; the provider's name decides where it ranks.
//
// Typical usage for a highlight tool:
//
//	p, err := provider.Open(winID, "lsp")
//	if err != nil { ... }
//	defer p.Delete()            // clean up on exit
//	p.Apply(runs)               // replace all of this provider's runs
//	p.ApplyRange(q0, q1, runs)  // or only those in [q0, q1)
//
// Tools that want to supply their own palette definitions alongside runs
// can use Write with raw wire-format text:
//
//	p.Write(":keyword fg=#569cd6\n10 3 keyword\n")
package provider

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"9fans.net/go/plan9"
	"9fans.net/go/plan9/client"

	"github.com/cptaffe/acme-syntax/style"
)

// Service is the name acme-syntax posts in the namespace directory.
const Service = "acme-syntax"

// Conn is a lazily established connection to acme-syntax.  It connects on
// first use and again after any error has reset it.
type Conn struct {
	mu    sync.Mutex
	fsys  *client.Fsys
	mount func() (*client.Fsys, error)
}

// NewConn returns a Conn that connects with mount.
func NewConn(mount func() (*client.Fsys, error)) *Conn {
	return &Conn{mount: mount}
}

var defaultConn = NewConn(func() (*client.Fsys, error) {
	return client.MountService(Service)
})

func (c *Conn) current() (*client.Fsys, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fsys != nil {
		return c.fsys, nil
	}
	fs, err := c.mount()
	if err != nil {
		return nil, err
	}
	c.fsys = fs
	return fs, nil
}

// Fsys returns the underlying connection, establishing it if needed.
func (c *Conn) Fsys() (*client.Fsys, error) { return c.current() }

// reset drops the cached connection so the next operation reconnects.
func (c *Conn) reset() {
	c.mu.Lock()
	c.fsys = nil
	c.mu.Unlock()
}

// Provider is a client handle for one named provider on one window.
type Provider struct {
	WinID int
	ID    int
	name  string // for re-allocation after a server restart
	conn  *Conn
}

// Open returns the named provider on winID over the shared connection to
// the posted service, creating it if it does not exist yet.
func Open(winID int, name string) (*Provider, error) {
	return defaultConn.Open(winID, name)
}

// Open returns the named provider on winID, creating it if it does not
// exist yet.
func (c *Conn) Open(winID int, name string) (*Provider, error) {
	fs, err := c.current()
	if err != nil {
		return nil, err
	}
	id, err := FindOrCreate(fs, winID, name)
	if err != nil {
		c.reset()
		return nil, err
	}
	return &Provider{WinID: winID, ID: id, name: name, conn: c}, nil
}

// Name returns the provider's name.
func (p *Provider) Name() string { return p.name }

// Apply replaces all of the provider's runs.  Names refer to entries of
// the server's palette.  An empty slice clears the provider.
func (p *Provider) Apply(runs []style.StyleRun) error {
	if p == nil {
		return nil
	}
	if len(runs) == 0 {
		return p.Clear()
	}
	return p.Write(style.Format(nil, runs))
}

// ApplyRange replaces the provider's runs in [q0, q1) and leaves the rest
// alone.  runs carry absolute offsets; parts outside the range are ignored.
func (p *Provider) ApplyRange(q0, q1 int, runs []style.StyleRun) error {
	if p == nil {
		return nil
	}
	return p.retry(func(fs *client.Fsys) error {
		addr, err := fs.Open(p.path("addr"), plan9.OWRITE)
		if err != nil {
			return err
		}
		defer addr.Close()
		if _, err := fmt.Fprintf(addr, "%d %d", q0, q1); err != nil {
			return fmt.Errorf("write addr: %w", err)
		}
		return writeFile(fs, p.path("style"), style.FormatAt(nil, runs, q0, q1))
	})
}

// Write sends wire-format text to the provider's style file: optional
// palette lines such as ":keyword fg=#569cd6 bold" followed by run lines
// "start length name".  The text replaces everything the provider had
// written before.
func (p *Provider) Write(text string) error {
	if p == nil {
		return nil
	}
	return p.retry(func(fs *client.Fsys) error {
		return writeFile(fs, p.path("style"), text)
	})
}

// Clear removes all of the provider's runs.
func (p *Provider) Clear() error {
	if p == nil {
		return nil
	}
	return p.ctl("clear\n")
}

// Delete removes the provider from its window.  Call this on graceful
// shutdown so highlights don't linger in open windows after the tool
// exits.
func (p *Provider) Delete() error {
	if p == nil {
		return nil
	}
	return p.ctl("delete\n")
}

func (p *Provider) ctl(cmd string) error {
	fs, err := p.conn.current()
	if err != nil {
		return err
	}
	if err := writeFile(fs, p.path("ctl"), cmd); err != nil {
		p.conn.reset()
		return err
	}
	return nil
}

func (p *Provider) path(file string) string {
	return fmt.Sprintf("%d/providers/%d/%s", p.WinID, p.ID, file)
}

// retry runs fn once and, if it fails, reconnects, re-allocates the
// provider and runs it again.  A failure usually means the server
// restarted and the provider is gone.
func (p *Provider) retry(fn func(fs *client.Fsys) error) error {
	fs, err := p.conn.current()
	if err != nil {
		return err
	}
	if err := fn(fs); err == nil {
		return nil
	}
	p.conn.reset()
	fs, err = p.conn.current()
	if err != nil {
		return err
	}
	id, err := FindOrCreate(fs, p.WinID, p.name)
	if err != nil {
		p.conn.reset()
		return fmt.Errorf("re-alloc provider: %w", err)
	}
	p.ID = id
	if err := fn(fs); err != nil {
		p.conn.reset()
		return err
	}
	return nil
}

func writeFile(fs *client.Fsys, name, text string) error {
	fid, err := fs.Open(name, plan9.OWRITE)
	if err != nil {
		return err
	}
	defer fid.Close()
	_, err = fid.Write([]byte(text))
	return err
}

// ---- functional helpers (for callers that manage their own connection) ----

// Find looks up a provider by name in the window's providers/index.
func Find(fs *client.Fsys, winID int, name string) (int, bool) {
	fid, err := fs.Open(fmt.Sprintf("%d/providers/index", winID), plan9.OREAD)
	if err != nil {
		return 0, false
	}
	data, err := io.ReadAll(fid)
	fid.Close()
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == name {
			if id, err := strconv.Atoi(fields[0]); err == nil {
				return id, true
			}
		}
	}
	return 0, false
}

// FindOrCreate returns the ID of the named provider, creating and naming
// it if it does not already exist.
func FindOrCreate(fs *client.Fsys, winID int, name string) (int, error) {
	if id, ok := Find(fs, winID, name); ok {
		return id, nil
	}

	newFid, err := fs.Open(fmt.Sprintf("%d/providers/new", winID), plan9.OREAD)
	if err != nil {
		return 0, fmt.Errorf("open providers/new: %w", err)
	}
	data, err := io.ReadAll(newFid)
	newFid.Close()
	if err != nil {
		return 0, fmt.Errorf("read providers/new: %w", err)
	}
	id, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse provider id %q: %w", string(data), err)
	}

	if err := writeFile(fs, fmt.Sprintf("%d/providers/%d/name", winID, id), name); err != nil {
		return 0, fmt.Errorf("name provider %d: %w", id, err)
	}
	return id, nil
}

// Layers returns the syntax layers acme-syntax has for the window, one
// description per line.
func Layers(fs *client.Fsys, winID int) ([]string, error) {
	fid, err := fs.Open(fmt.Sprintf("%d/layers", winID), plan9.OREAD)
	if err != nil {
		return nil, err
	}
	defer fid.Close()
	data, err := io.ReadAll(fid)
	if err != nil {
		return nil, err
	}
	return strings.FieldsFunc(string(data), func(r rune) bool { return r == '\n' }), nil
}
