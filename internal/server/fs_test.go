package server

import (
	"io"
	"net"
	"strings"
	"testing"

	"9fans.net/go/plan9"
	"9fans.net/go/plan9/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mount serves s over an in-memory pipe and attaches to it.
func mount(t *testing.T, s *Server) *client.Fsys {
	t.Helper()
	srvSide, cliSide := net.Pipe()
	go s.HandleConn(srvSide)
	conn, err := client.NewConn(cliSide)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	fsys, err := conn.Attach(nil, "test", "")
	require.NoError(t, err)
	return fsys
}

func readFile(t *testing.T, fsys *client.Fsys, name string) string {
	t.Helper()
	fid, err := fsys.Open(name, plan9.OREAD)
	require.NoError(t, err, name)
	defer fid.Close()
	b, err := io.ReadAll(fid)
	require.NoError(t, err, name)
	return string(b)
}

// tryRead is readFile for polling conditions; errors read as "".
func tryRead(fsys *client.Fsys, name string) string {
	fid, err := fsys.Open(name, plan9.OREAD)
	if err != nil {
		return ""
	}
	defer fid.Close()
	b, _ := io.ReadAll(fid)
	return string(b)
}

func writeFile(fsys *client.Fsys, name, data string) error {
	fid, err := fsys.Open(name, plan9.OWRITE)
	if err != nil {
		return err
	}
	defer fid.Close()
	_, err = fid.Write([]byte(data))
	return err
}

func TestProviderFiles(t *testing.T) {
	w := newFakeWindow(goSrc)
	s := newTestServer(t, []string{"lsp", "treesitter"}, map[int]*fakeWindow{1: w})
	require.NotNil(t, s.AddWin(1, "main.go"))
	fsys := mount(t, s)
	require.Eventually(t, func() bool {
		return strings.Contains(tryRead(fsys, "1/style"), "0 7 keyword\n")
	}, waitFor, tick)

	assert.Equal(t, "0 go\n", readFile(t, fsys, "1/layers"))
	assert.Equal(t, "1\n", readFile(t, fsys, "1/providers/new"))
	require.NoError(t, writeFile(fsys, "1/providers/1/name", "lsp\n"))
	assert.Equal(t, "lsp\n", readFile(t, fsys, "1/providers/1/name"))
	assert.Equal(t, "1 lsp\n", readFile(t, fsys, "1/providers/index"))
	assert.Error(t, writeFile(fsys, "1/providers/1/name", "two words"))

	require.NoError(t, writeFile(fsys, "1/providers/1/style", ":string fg=#008800\n0 7 string\n"))
	assert.Eventually(t, func() bool {
		return strings.Contains(tryRead(fsys, "1/style"), "0 7 string\n")
	}, waitFor, tick)
	assert.Eventually(t, func() bool { return w.styled("package", "string") }, waitFor, tick)

	// An addr write scopes the next style write to "func".
	require.NoError(t, writeFile(fsys, "1/providers/1/addr", "14 18"))
	require.NoError(t, writeFile(fsys, "1/providers/1/style", "0 4 comment\n9 2 comment\n"))
	assert.Eventually(t, func() bool {
		return w.styled("func", "comment") && w.styled("package", "string")
	}, waitFor, tick)
	assert.Equal(t, ":string fg=#008800\n0 7 string\n14 4 comment\n", readFile(t, fsys, "1/providers/1/style"))

	require.NoError(t, writeFile(fsys, "1/providers/1/ctl", "clear\n"))
	assert.Eventually(t, func() bool { return w.styled("package", "keyword") }, waitFor, tick)
	assert.Error(t, writeFile(fsys, "1/providers/1/ctl", "bogus\n"))
	require.NoError(t, writeFile(fsys, "1/providers/1/ctl", "delete\n"))
	assert.Eventually(t, func() bool { return tryRead(fsys, "1/providers/index") == "" }, waitFor, tick)

	_, err := fsys.Open("1/providers/1/style", plan9.OREAD)
	assert.Error(t, err, "deleted provider")
	_, err = fsys.Open("1/nope", plan9.OREAD)
	assert.Error(t, err)
	_, err = fsys.Open("9/providers/new", plan9.OREAD)
	assert.Error(t, err, "unknown window")
}

func TestWindowCtl(t *testing.T) {
	w := newFakeWindow(goSrc)
	s := newTestServer(t, nil, map[int]*fakeWindow{1: w})
	require.NotNil(t, s.AddWin(1, "main.go"))
	fsys := mount(t, s)
	require.Eventually(t, func() bool { return w.styled("package", "keyword") }, waitFor, tick)

	// The body changed behind the mirror's back; resync picks it up.
	w.mu.Lock()
	w.body = []rune("// c\n" + goSrc)
	w.mu.Unlock()
	require.NoError(t, writeFile(fsys, "1/ctl", "resync\n"))
	assert.Eventually(t, func() bool { return w.styled("// c", "comment") }, waitFor, tick)

	require.NoError(t, writeFile(fsys, "1/ctl", "refresh\n"))
	assert.Error(t, writeFile(fsys, "1/ctl", "delete\n"), "provider command on a window")

	_, err := fsys.Open("1/style", plan9.OWRITE)
	assert.Error(t, err)
}

func TestDirectories(t *testing.T) {
	s := newTestServer(t, nil, map[int]*fakeWindow{1: newFakeWindow(goSrc), 3: newFakeWindow("x")})
	require.NotNil(t, s.AddWin(1, "main.go"))
	require.NotNil(t, s.AddWin(3, "x.txt"))
	fsys := mount(t, s)

	names := func(path string) []string {
		fid, err := fsys.Open(path, plan9.OREAD)
		require.NoError(t, err)
		defer fid.Close()
		dirs, err := fid.Dirreadall()
		require.NoError(t, err)
		var out []string
		for _, d := range dirs {
			out = append(out, d.Name)
		}
		return out
	}
	assert.Equal(t, []string{"1", "3"}, names("/"))
	assert.Equal(t, []string{"ctl", "style", "layers", "providers"}, names("3"))
	assert.Equal(t, "1\n", readFile(t, fsys, "3/providers/new"))
	assert.Equal(t, []string{"new", "index", "1"}, names("3/providers"))
	assert.Equal(t, []string{"name", "ctl", "style", "addr"}, names("3/providers/1"))
	assert.Empty(t, readFile(t, fsys, "3/layers"))
}
