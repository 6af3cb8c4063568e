package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"9fans.net/go/plan9"
	"go.uber.org/zap"

	"github.com/cptaffe/acme-syntax/logger"
	"github.com/cptaffe/acme-syntax/style"
)

// Sentinel walk errors.
var (
	ErrNoFile = errors.New("no such file")
	ErrNotDir = errors.New("not a directory")
)

// File-type constants; encode directly into Qid.Path.
//
//	/<win>/ctl                       refresh, resync
//	/<win>/style                     last composed output
//	/<win>/layers                    syntax layers
//	/<win>/providers/new             read allocates a provider
//	/<win>/providers/index           "id name" per provider
//	/<win>/providers/<id>/name       provider name; sets priority
//	/<win>/providers/<id>/ctl        clear, delete
//	/<win>/providers/<id>/style      provider runs, applied at clunk
//	/<win>/providers/<id>/addr       "q0 q1" scoping the next style write
const (
	ftRoot = iota
	ftWinDir
	ftProvidersDir
	ftNew
	ftIndex
	ftProviderDir
	ftName
	ftCtl
	ftStyle
	ftAddr
	ftComposed
	ftLayers
	ftWinCtl
)

func isDir(ft int) bool {
	return ft == ftRoot || ft == ftWinDir || ft == ftProvidersDir || ft == ftProviderDir
}

// Qid path encoding: [ft:16][winID:24][provID:24]
func makePath(ft, winID, provID int) uint64 {
	return (uint64(ft) << 48) | (uint64(winID) << 24) | uint64(provID)
}

func (s *Server) makeQID(ft, winID, provID int) plan9.Qid {
	qt := uint8(plan9.QTFILE)
	if isDir(ft) {
		qt = plan9.QTDIR
	}
	return plan9.Qid{Type: qt, Path: makePath(ft, winID, provID)}
}

func (s *Server) makeDir(ft, winID, provID int) plan9.Dir {
	now := uint32(time.Now().Unix())
	var name string
	var mode plan9.Perm
	if isDir(ft) {
		mode = plan9.DMDIR | 0555
	}
	switch ft {
	case ftRoot:
		name = "/"
	case ftWinDir:
		name = strconv.Itoa(winID)
	case ftProvidersDir:
		name = "providers"
	case ftNew:
		name, mode = "new", 0444
	case ftIndex:
		name, mode = "index", 0444
	case ftProviderDir:
		name = strconv.Itoa(provID)
	case ftName:
		name, mode = "name", 0666
	case ftCtl, ftWinCtl:
		name, mode = "ctl", 0222
	case ftStyle:
		name, mode = "style", 0666
	case ftAddr:
		name, mode = "addr", 0222
	case ftComposed:
		name, mode = "style", 0444
	case ftLayers:
		name, mode = "layers", 0444
	}
	return plan9.Dir{
		Qid:   s.makeQID(ft, winID, provID),
		Mode:  mode,
		Atime: now, Mtime: now,
		Name: name,
		Uid:  "none", Gid: "none", Muid: "none",
	}
}

// walkStep advances one path component from (ft, winID, provID).
func (s *Server) walkStep(ft, winID, provID int, name string) (int, int, int, error) {
	if name == ".." {
		switch ft {
		case ftRoot, ftWinDir:
			return ftRoot, 0, 0, nil
		case ftProvidersDir:
			return ftWinDir, winID, 0, nil
		case ftProviderDir:
			return ftProvidersDir, winID, 0, nil
		default:
			return 0, 0, 0, ErrNotDir
		}
	}
	switch ft {
	case ftRoot:
		id, err := strconv.Atoi(name)
		if err != nil {
			return 0, 0, 0, ErrNoFile
		}
		// Accept any numeric window ID; operations that need the window
		// report "window gone" if it is not registered.
		return ftWinDir, id, 0, nil
	case ftWinDir:
		switch name {
		case "providers":
			return ftProvidersDir, winID, 0, nil
		case "style":
			return ftComposed, winID, 0, nil
		case "layers":
			return ftLayers, winID, 0, nil
		case "ctl":
			return ftWinCtl, winID, 0, nil
		}
		return 0, 0, 0, ErrNoFile
	case ftProvidersDir:
		switch name {
		case "new":
			return ftNew, winID, 0, nil
		case "index":
			return ftIndex, winID, 0, nil
		}
		id, err := strconv.Atoi(name)
		if err != nil {
			return 0, 0, 0, ErrNoFile
		}
		w := s.GetWin(winID)
		if w == nil || !w.ProviderExists(id) {
			return 0, 0, 0, ErrNoFile
		}
		return ftProviderDir, winID, id, nil
	case ftProviderDir:
		switch name {
		case "name":
			return ftName, winID, provID, nil
		case "ctl":
			return ftCtl, winID, provID, nil
		case "style":
			return ftStyle, winID, provID, nil
		case "addr":
			return ftAddr, winID, provID, nil
		}
		return 0, 0, 0, ErrNoFile
	default:
		return 0, 0, 0, ErrNotDir
	}
}

// readDir returns marshalled plan9.Dir entries for the children of ft.
func (s *Server) readDir(ft, winID, provID int) []byte {
	var dirs []plan9.Dir
	switch ft {
	case ftRoot:
		for _, id := range s.WinIDs() {
			dirs = append(dirs, s.makeDir(ftWinDir, id, 0))
		}
	case ftWinDir:
		for _, t := range []int{ftWinCtl, ftComposed, ftLayers, ftProvidersDir} {
			dirs = append(dirs, s.makeDir(t, winID, 0))
		}
	case ftProvidersDir:
		dirs = append(dirs, s.makeDir(ftNew, winID, 0))
		dirs = append(dirs, s.makeDir(ftIndex, winID, 0))
		if w := s.GetWin(winID); w != nil {
			for _, id := range w.ProviderIDs() {
				dirs = append(dirs, s.makeDir(ftProviderDir, winID, id))
			}
		}
	case ftProviderDir:
		for _, t := range []int{ftName, ftCtl, ftStyle, ftAddr} {
			dirs = append(dirs, s.makeDir(t, winID, provID))
		}
	}
	var buf []byte
	for _, d := range dirs {
		if b, err := d.Bytes(); err == nil {
			buf = append(buf, b...)
		}
	}
	return buf
}

// ---- per-connection state ----

type fid struct {
	ft     int
	winID  int
	provID int
	open   bool
	mode   uint8
	buf    []byte // buffered read content (set at Topen)
	wbuf   []byte // accumulated write bytes (flushed at Tclunk)
	// addr for partial style writes, captured from the provider when this
	// style fid is opened for writing.
	hasAddr bool
	addrQ0  int
	addrQ1  int
}

type conn struct {
	srv   *Server
	fids  map[uint32]*fid
	msize uint32
}

// HandleConn serves 9P on c until it fails or is closed.
func (s *Server) HandleConn(c io.ReadWriteCloser) {
	defer c.Close()
	log := logger.L(s.ctx)
	cn := &conn{
		srv:   s,
		fids:  make(map[uint32]*fid),
		msize: 8192 + plan9.IOHDRSZ,
	}
	for {
		fc, err := plan9.ReadFcall(c)
		if err != nil {
			return
		}
		start := time.Now()
		resp := cn.dispatch(fc)
		if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
			log.Warn("slow dispatch",
				zap.String("type", fcallTypeName(fc.Type)),
				zap.Duration("elapsed", elapsed))
		}
		if err := plan9.WriteFcall(c, resp); err != nil {
			return
		}
	}
}

func rerr(tag uint16, msg string) *plan9.Fcall {
	return &plan9.Fcall{Type: plan9.Rerror, Tag: tag, Ename: msg}
}

func (cn *conn) dispatch(fc *plan9.Fcall) *plan9.Fcall {
	switch fc.Type {
	case plan9.Tversion:
		return cn.doVersion(fc)
	case plan9.Tauth:
		return rerr(fc.Tag, "no authentication required")
	case plan9.Tattach:
		return cn.doAttach(fc)
	case plan9.Tflush:
		return &plan9.Fcall{Type: plan9.Rflush, Tag: fc.Tag}
	case plan9.Twalk:
		return cn.doWalk(fc)
	case plan9.Topen:
		return cn.doOpen(fc)
	case plan9.Tcreate:
		return rerr(fc.Tag, "create not supported")
	case plan9.Tread:
		return cn.doRead(fc)
	case plan9.Twrite:
		return cn.doWrite(fc)
	case plan9.Tclunk:
		return cn.doClunk(fc)
	case plan9.Tremove:
		return rerr(fc.Tag, "remove not supported")
	case plan9.Tstat:
		return cn.doStat(fc)
	case plan9.Twstat:
		return rerr(fc.Tag, "wstat not supported")
	default:
		return rerr(fc.Tag, "unknown message type")
	}
}

func (cn *conn) doVersion(fc *plan9.Fcall) *plan9.Fcall {
	cn.msize = min(fc.Msize, cn.msize)
	cn.fids = make(map[uint32]*fid)
	ver := "9P2000"
	if !strings.HasPrefix(fc.Version, "9P2000") {
		ver = "unknown"
	}
	return &plan9.Fcall{Type: plan9.Rversion, Tag: fc.Tag, Msize: cn.msize, Version: ver}
}

func (cn *conn) doAttach(fc *plan9.Fcall) *plan9.Fcall {
	cn.fids[fc.Fid] = &fid{ft: ftRoot}
	return &plan9.Fcall{
		Type: plan9.Rattach,
		Tag:  fc.Tag,
		Qid:  cn.srv.makeQID(ftRoot, 0, 0),
	}
}

func (cn *conn) doWalk(fc *plan9.Fcall) *plan9.Fcall {
	f := cn.fids[fc.Fid]
	if f == nil {
		return rerr(fc.Tag, "fid unknown")
	}
	if f.open {
		return rerr(fc.Tag, "fid is open")
	}

	ft, win, prov := f.ft, f.winID, f.provID
	wqids := make([]plan9.Qid, 0, len(fc.Wname))
	for i, name := range fc.Wname {
		nft, nwin, nprov, err := cn.srv.walkStep(ft, win, prov, name)
		if err != nil {
			if i == 0 {
				return rerr(fc.Tag, err.Error())
			}
			break
		}
		wqids = append(wqids, cn.srv.makeQID(nft, nwin, nprov))
		ft, win, prov = nft, nwin, nprov
	}
	if len(wqids) == len(fc.Wname) {
		cn.fids[fc.Newfid] = &fid{ft: ft, winID: win, provID: prov}
	}
	return &plan9.Fcall{Type: plan9.Rwalk, Tag: fc.Tag, Wqid: wqids}
}

func (cn *conn) doOpen(fc *plan9.Fcall) *plan9.Fcall {
	f := cn.fids[fc.Fid]
	if f == nil {
		return rerr(fc.Tag, "fid unknown")
	}
	if f.open {
		return rerr(fc.Tag, "already open")
	}
	s := cn.srv
	mode := fc.Mode & 3
	reading := mode == plan9.OREAD || mode == plan9.ORDWR
	writing := mode == plan9.OWRITE || mode == plan9.ORDWR

	switch f.ft {
	case ftRoot, ftWinDir, ftProvidersDir, ftProviderDir:
		if mode != plan9.OREAD {
			return rerr(fc.Tag, "is a directory")
		}
		f.buf = s.readDir(f.ft, f.winID, f.provID)

	case ftNew, ftIndex, ftComposed, ftLayers:
		if mode != plan9.OREAD {
			return rerr(fc.Tag, "permission denied")
		}
		w := s.GetWin(f.winID)
		if w == nil {
			return rerr(fc.Tag, "window gone")
		}
		switch f.ft {
		case ftNew:
			id, err := w.NewProvider()
			if err != nil {
				return rerr(fc.Tag, err.Error())
			}
			f.provID = id
			f.buf = []byte(strconv.Itoa(id) + "\n")
		case ftIndex:
			f.buf = []byte(w.IndexText())
		case ftComposed:
			f.buf = []byte(w.ComposedText())
		case ftLayers:
			f.buf = []byte(w.LayersText())
		}

	case ftName:
		if reading {
			if w := s.GetWin(f.winID); w != nil {
				f.buf = []byte(w.ProviderName(f.provID) + "\n")
			}
		}

	case ftCtl, ftWinCtl:
		if mode != plan9.OWRITE {
			return rerr(fc.Tag, "permission denied")
		}

	case ftAddr:
		if mode != plan9.OWRITE {
			return rerr(fc.Tag, "permission denied")
		}
		// As acme does, opening addr resets the pending address.
		if w := s.GetWin(f.winID); w != nil {
			w.ResetAddr(f.provID)
		}

	case ftStyle:
		w := s.GetWin(f.winID)
		if w == nil {
			return rerr(fc.Tag, "window gone")
		}
		if reading {
			f.buf = []byte(w.StyleText(f.provID))
		}
		if writing {
			f.addrQ0, f.addrQ1, f.hasAddr = w.ConsumeAddr(f.provID)
		}
	}

	f.open = true
	f.mode = fc.Mode
	return &plan9.Fcall{
		Type:   plan9.Ropen,
		Tag:    fc.Tag,
		Qid:    s.makeQID(f.ft, f.winID, f.provID),
		Iounit: cn.msize - plan9.IOHDRSZ,
	}
}

func (cn *conn) doRead(fc *plan9.Fcall) *plan9.Fcall {
	f := cn.fids[fc.Fid]
	if f == nil {
		return rerr(fc.Tag, "fid unknown")
	}
	if !f.open {
		return rerr(fc.Tag, "not open")
	}
	off := fc.Offset
	if off >= uint64(len(f.buf)) {
		return &plan9.Fcall{Type: plan9.Rread, Tag: fc.Tag}
	}
	end := min(off+uint64(fc.Count), uint64(len(f.buf)))
	return &plan9.Fcall{Type: plan9.Rread, Tag: fc.Tag, Data: f.buf[off:end]}
}

func (cn *conn) doWrite(fc *plan9.Fcall) *plan9.Fcall {
	f := cn.fids[fc.Fid]
	if f == nil {
		return rerr(fc.Tag, "fid unknown")
	}
	if !f.open {
		return rerr(fc.Tag, "not open")
	}
	s := cn.srv
	n := len(fc.Data)

	switch f.ft {
	case ftCtl, ftWinCtl:
		f.wbuf = append(f.wbuf, fc.Data...)
		for {
			nl := bytes.IndexByte(f.wbuf, '\n')
			if nl < 0 {
				break
			}
			cmd := strings.TrimSpace(string(f.wbuf[:nl]))
			f.wbuf = f.wbuf[nl+1:]
			if cmd == "" {
				continue
			}
			w := s.GetWin(f.winID)
			if w == nil {
				return rerr(fc.Tag, "window gone")
			}
			if err := ctl(w, f, cmd); err != nil {
				return rerr(fc.Tag, err.Error())
			}
		}

	case ftAddr:
		f.wbuf = append(f.wbuf, fc.Data...)
		var q0, q1 int
		if _, err := fmt.Sscanf(strings.TrimSpace(string(f.wbuf)), "%d %d", &q0, &q1); err == nil {
			if w := s.GetWin(f.winID); w != nil {
				w.SetAddr(f.provID, q0, q1)
			}
		}

	case ftName:
		w := s.GetWin(f.winID)
		if w == nil {
			return rerr(fc.Tag, "window gone")
		}
		name := strings.TrimSpace(string(fc.Data))
		if name == "" || strings.ContainsAny(name, " \t") {
			return rerr(fc.Tag, "bad provider name")
		}
		if err := w.SetProviderName(f.provID, name); err != nil {
			return rerr(fc.Tag, err.Error())
		}

	case ftStyle:
		// Accumulate all writes; parse and apply as one unit at clunk.
		f.wbuf = append(f.wbuf, fc.Data...)

	default:
		return rerr(fc.Tag, "not writable")
	}
	return &plan9.Fcall{Type: plan9.Rwrite, Tag: fc.Tag, Count: uint32(n)}
}

// ctl runs one command written to a window or provider ctl file.
func ctl(w *WinState, f *fid, cmd string) error {
	switch {
	case f.ft == ftWinCtl && cmd == "refresh":
		w.Refresh()
	case f.ft == ftWinCtl && cmd == "resync":
		w.Resync()
	case f.ft == ftCtl && cmd == "clear":
		w.ClearProvider(f.provID)
	case f.ft == ftCtl && cmd == "delete":
		w.DelProvider(f.provID)
	default:
		return fmt.Errorf("unknown ctl command: %s", cmd)
	}
	return nil
}

func (cn *conn) doClunk(fc *plan9.Fcall) *plan9.Fcall {
	f := cn.fids[fc.Fid]
	delete(cn.fids, fc.Fid)
	if f == nil || !f.open || f.ft != ftStyle {
		return &plan9.Fcall{Type: plan9.Rclunk, Tag: fc.Tag}
	}
	mode := f.mode & 3
	if mode != plan9.OWRITE && mode != plan9.ORDWR {
		return &plan9.Fcall{Type: plan9.Rclunk, Tag: fc.Tag}
	}
	w := cn.srv.GetWin(f.winID)
	if w == nil {
		return &plan9.Fcall{Type: plan9.Rclunk, Tag: fc.Tag}
	}
	palette, runs := style.ParseContent(string(f.wbuf))
	if !f.hasAddr {
		w.SetProviderStyle(f.provID, palette, runs)
		return &plan9.Fcall{Type: plan9.Rclunk, Tag: fc.Tag}
	}
	// Offsets are relative to the addr; make them absolute.
	abs := make([]style.StyleRun, 0, len(runs))
	for _, r := range runs {
		r.Start += f.addrQ0
		r.End += f.addrQ0
		abs = append(abs, r)
	}
	w.SpliceProviderStyle(f.provID, palette, clipRuns(abs, f.addrQ0, f.addrQ1), f.addrQ0, f.addrQ1)
	return &plan9.Fcall{Type: plan9.Rclunk, Tag: fc.Tag}
}

func (cn *conn) doStat(fc *plan9.Fcall) *plan9.Fcall {
	f := cn.fids[fc.Fid]
	if f == nil {
		return rerr(fc.Tag, "fid unknown")
	}
	d := cn.srv.makeDir(f.ft, f.winID, f.provID)
	stat, err := d.Bytes()
	if err != nil {
		return rerr(fc.Tag, err.Error())
	}
	return &plan9.Fcall{Type: plan9.Rstat, Tag: fc.Tag, Stat: stat}
}

var fcallNames = map[uint8]string{
	plan9.Tversion: "Tversion",
	plan9.Tauth:    "Tauth",
	plan9.Tattach:  "Tattach",
	plan9.Tflush:   "Tflush",
	plan9.Twalk:    "Twalk",
	plan9.Topen:    "Topen",
	plan9.Tcreate:  "Tcreate",
	plan9.Tread:    "Tread",
	plan9.Twrite:   "Twrite",
	plan9.Tclunk:   "Tclunk",
	plan9.Tremove:  "Tremove",
	plan9.Tstat:    "Tstat",
	plan9.Twstat:   "Twstat",
}

func fcallTypeName(t uint8) string {
	if n, ok := fcallNames[t]; ok {
		return n
	}
	return fmt.Sprintf("T%d", t)
}
