package autofile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bftlabs/tmcore/libs/log"
	"github.com/bftlabs/tmcore/libs/service"
)

const (
	defaultGroupCheckDuration = 5000 * time.Millisecond
	defaultHeadSizeLimit      = 10 * 1024 * 1024       // 10MB
	defaultTotalSizeLimit     = 1 * 1024 * 1024 * 1024 // 1GB
	maxFilesToRemove          = 4                      // needs to be greater than 1
)

// Group manages a set of files where new data is written to a head file,
// which is periodically rotated (renamed with an incrementing index) once
// it grows past a size limit, so that old data can be searched, replayed,
// and eventually pruned without a single file growing without bound.
//
// Group is a service.Service: OnStart begins a background goroutine that
// periodically checks the head file's size and total group size, rotating
// or trimming as needed.
type Group struct {
	service.BaseService

	ID     string
	Head   *AutoFile
	Dir    string
	Prefix string

	mtx                sync.Mutex
	headBuf            *bufio.Writer
	minIndex           int
	maxIndex           int
	totalSizeLimit     int64
	headSizeLimit      int64
	groupCheckDuration time.Duration

	ticker *time.Ticker
}

// GroupOption configures a Group returned by OpenGroup.
type GroupOption func(*Group)

// GroupHeadSizeLimit sets the maximum size the head file may reach before
// it is rotated into an indexed file.
func GroupHeadSizeLimit(limit int64) GroupOption {
	return func(g *Group) { g.headSizeLimit = limit }
}

// GroupTotalSizeLimit sets the maximum combined size of the group's rotated
// files; once exceeded, the oldest indexed files are removed.
func GroupTotalSizeLimit(limit int64) GroupOption {
	return func(g *Group) { g.totalSizeLimit = limit }
}

// GroupCheckDuration sets how often the background goroutine checks the
// head file's size against the limit.
func GroupCheckDuration(duration time.Duration) GroupOption {
	return func(g *Group) { g.groupCheckDuration = duration }
}

// OpenGroup creates a new Group whose head file lives at headPath. Rotated
// files are stored alongside it as "<headPath>.<index>".
func OpenGroup(headPath string, groupOptions ...GroupOption) (*Group, error) {
	dir := filepath.Dir(headPath)
	head, err := OpenAutoFile(headPath)
	if err != nil {
		return nil, err
	}

	g := &Group{
		ID:                 "group:" + head.ID,
		Head:               head,
		Dir:                dir,
		Prefix:             filepath.Base(headPath),
		headBuf:            bufio.NewWriter(head),
		minIndex:           0,
		maxIndex:           0,
		totalSizeLimit:     defaultTotalSizeLimit,
		headSizeLimit:      defaultHeadSizeLimit,
		groupCheckDuration: defaultGroupCheckDuration,
	}

	for _, option := range groupOptions {
		option(g)
	}

	g.BaseService = *service.NewBaseService(nil, "Group", g)

	gInfo := g.readGroupInfo()
	g.minIndex = gInfo.MinIndex
	g.maxIndex = gInfo.MaxIndex

	return g, nil
}

// OnStart implements service.Service.
func (g *Group) OnStart() error {
	g.ticker = time.NewTicker(g.groupCheckDuration)
	go g.processTicks()
	return nil
}

// OnStop implements service.Service. It stops the periodic size check and
// closes the head file; readers opened via NewReader use their own
// independent file handle and keep working afterward.
func (g *Group) OnStop() {
	if g.ticker != nil {
		g.ticker.Stop()
	}
	if err := g.FlushAndSync(); err != nil {
		g.Logger.Error("Error flushing to disk", "err", err)
	}
	if err := g.Head.Close(); err != nil {
		g.Logger.Error("Error closing head", "err", err)
	}
}

// Close flushes and closes the head file. The Group must not be used
// afterwards.
func (g *Group) Close() {
	if err := g.FlushAndSync(); err != nil {
		g.Logger.Error("Error flushing to disk", "err", err)
	}
	if err := g.Head.Close(); err != nil {
		g.Logger.Error("Error closing head", "err", err)
	}
}

func (g *Group) processTicks() {
	for {
		select {
		case <-g.ticker.C:
			g.checkHeadSizeLimit()
			g.checkTotalSizeLimit()
		case <-g.Quit():
			return
		}
	}
}

// checkTotalSizeLimit removes the oldest rotated files, oldest first, once
// the group's combined size exceeds totalSizeLimit. At most
// maxFilesToRemove files are removed per check so a burst of old data
// doesn't stall the ticker goroutine for too long at once.
func (g *Group) checkTotalSizeLimit() {
	if g.totalSizeLimit <= 0 {
		return
	}
	removed := 0
	for g.TotalSize() > g.totalSizeLimit && removed < maxFilesToRemove {
		minIndex := g.MinIndex()
		maxIndex := g.MaxIndex()
		if minIndex >= maxIndex {
			// nothing rotated out yet; only the head remains.
			return
		}
		if err := os.Remove(g.FilePath(minIndex)); err != nil {
			g.Logger.Error("Failed to remove old WAL file", "file", g.FilePath(minIndex), "err", err)
			return
		}
		g.mtx.Lock()
		g.minIndex++
		g.mtx.Unlock()
		removed++
	}
}

// Write writes p to the head file's buffer; it will be visible to readers
// once Flush or FlushAndSync is called.
func (g *Group) Write(p []byte) (nn int, err error) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.headBuf.Write(p)
}

// WriteSync writes p to the head file and blocks until it is flushed and
// fsynced.
func (g *Group) WriteSync(p []byte) (int, error) {
	g.mtx.Lock()
	n, err := g.headBuf.Write(p)
	g.mtx.Unlock()
	if err != nil {
		return n, err
	}
	return n, g.FlushAndSync()
}

// Buffered returns the number of bytes currently buffered but not yet
// flushed to the head file.
func (g *Group) Buffered() int {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.headBuf.Buffered()
}

// Flush writes any buffered data to the head file, but does not fsync it.
func (g *Group) Flush() error {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.headBuf.Flush()
}

// FlushAndSync flushes buffered data to the head file and fsyncs it.
func (g *Group) FlushAndSync() error {
	g.mtx.Lock()
	err := g.headBuf.Flush()
	g.mtx.Unlock()
	if err != nil {
		return err
	}
	return g.Head.Sync()
}

func (g *Group) checkHeadSizeLimit() {
	size, err := g.HeadSize()
	if err != nil {
		g.Logger.Error("Group's headSize failed", "err", err)
		return
	}
	if size >= g.headSizeLimit {
		g.RotateFile()
	}
}

// HeadSize returns the current size of the (flushed) head file.
func (g *Group) HeadSize() (int64, error) {
	if err := g.Flush(); err != nil {
		return -1, err
	}
	return g.Head.Size()
}

// RotateFile flushes the head file, renames it to the next index, and
// opens a fresh head file in its place.
func (g *Group) RotateFile() {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if err := g.headBuf.Flush(); err != nil {
		g.Logger.Error("Group's head buffer flush failed", "err", err)
		return
	}
	if err := g.Head.Sync(); err != nil {
		g.Logger.Error("Group's head sync failed", "err", err)
		return
	}

	headPath := g.Head.Path
	if err := g.Head.Close(); err != nil {
		g.Logger.Error("Group's head close failed", "err", err)
		return
	}

	indexPath := g.FilePath(g.maxIndex)
	if err := os.Rename(headPath, indexPath); err != nil {
		g.Logger.Error("Group's head rotate failed", "err", err)
		return
	}

	head, err := OpenAutoFile(headPath)
	if err != nil {
		g.Logger.Error("Group's head reopen failed", "err", err)
		return
	}
	g.Head = head
	g.headBuf = bufio.NewWriter(head)
	g.maxIndex++
}

// FilePath returns the path to the group's index-th rotated file.
func (g *Group) FilePath(index int) string {
	return fmt.Sprintf("%s.%03d", filepath.Join(g.Dir, g.Prefix), index)
}

// MinIndex returns the smallest rotated-file index still present.
func (g *Group) MinIndex() int {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.minIndex
}

// MaxIndex returns the index the head file will be renamed to on its next
// rotation. Rotated files that exist range over [MinIndex, MaxIndex).
func (g *Group) MaxIndex() int {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.maxIndex
}

// TotalSize returns the combined size of every rotated file plus the head.
func (g *Group) TotalSize() int64 {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	var total int64
	for i := g.minIndex; i < g.maxIndex; i++ {
		if stat, err := os.Stat(g.FilePath(i)); err == nil {
			total += stat.Size()
		}
	}
	if stat, err := os.Stat(g.Head.Path); err == nil {
		total += stat.Size()
	}
	return total
}

type groupInfo struct {
	MinIndex int
	MaxIndex int
}

// readGroupInfo scans the directory for files named "<prefix>.NNN" and
// derives the min/max rotated index from what it finds.
func (g *Group) readGroupInfo() groupInfo {
	dir, err := os.Open(g.Dir)
	if err != nil {
		return groupInfo{}
	}
	defer dir.Close()

	names, err := dir.Readdirnames(-1)
	if err != nil {
		return groupInfo{}
	}

	var indices []int
	for _, name := range names {
		if !strings.HasPrefix(name, g.Prefix+".") {
			continue
		}
		suffix := strings.TrimPrefix(name, g.Prefix+".")
		idx, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		indices = append(indices, idx)
	}
	if len(indices) == 0 {
		return groupInfo{}
	}
	sort.Ints(indices)
	return groupInfo{MinIndex: indices[0], MaxIndex: indices[len(indices)-1] + 1}
}

// NewReader returns a GroupReader positioned at the start of the file at
// index (or the current head, if index equals MaxIndex()).
func (g *Group) NewReader(index int) (*GroupReader, error) {
	r := &GroupReader{
		g:        g,
		curIndex: index,
	}
	if err := r.openFile(index); err != nil {
		return nil, err
	}
	return r, nil
}

// GroupReader reads sequentially across a Group's rotated files, moving
// transparently from one index to the next.
type GroupReader struct {
	g         *Group
	mtx       sync.Mutex
	curIndex  int
	curFile   *os.File
	curReader *bufio.Reader
}

func (r *GroupReader) openFile(index int) error {
	if r.curFile != nil {
		_ = r.curFile.Close()
		r.curFile = nil
		r.curReader = nil
	}

	path := r.pathForIndex(index)
	file, err := os.OpenFile(path, os.O_RDONLY, 0o600)
	if err != nil {
		return err
	}
	r.curIndex = index
	r.curFile = file
	r.curReader = bufio.NewReader(file)
	return nil
}

func (r *GroupReader) pathForIndex(index int) string {
	if index == r.g.MaxIndex() {
		return r.g.Head.Path
	}
	return r.g.FilePath(index)
}

// Read implements io.Reader, transparently continuing into the next
// rotated file (or the head) once the current one is exhausted.
func (r *GroupReader) Read(p []byte) (n int, err error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for {
		n, err = r.curReader.Read(p)
		if err != io.EOF {
			return n, err
		}
		if r.curIndex >= r.g.MaxIndex() {
			return n, io.EOF
		}
		if oerr := r.openFile(r.curIndex + 1); oerr != nil {
			return n, oerr
		}
	}
}

// ReadLine reads a single '\n'-delimited line, following the Group across
// rotated files the same way Read does.
func (r *GroupReader) ReadLine() (string, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for {
		line, err := r.curReader.ReadString('\n')
		if err == nil {
			return strings.TrimRight(line, "\n"), nil
		}
		if err != io.EOF {
			return "", err
		}
		if len(line) > 0 && r.curIndex >= r.g.MaxIndex() {
			return strings.TrimRight(line, "\n"), nil
		}
		if r.curIndex >= r.g.MaxIndex() {
			return "", io.EOF
		}
		if oerr := r.openFile(r.curIndex + 1); oerr != nil {
			return "", oerr
		}
	}
}

// CurIndex returns the index of the file the reader is currently on.
func (r *GroupReader) CurIndex() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.curIndex
}

// Close closes the reader's currently open file.
func (r *GroupReader) Close() error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.curFile == nil {
		return nil
	}
	err := r.curFile.Close()
	r.curFile = nil
	r.curReader = nil
	return err
}

// Search scans forward across the group's files (starting at MinIndex) for
// a line beginning with prefix, calling cmp on the remainder of the line.
// cmp must return 0 on a match, a negative number to keep scanning
// forward, and a positive number if the target has already been passed
// (in which case Search reports not-found). On a match, the returned
// GroupReader is positioned immediately after the matching line, ready to
// read whatever follows it.
func (g *Group) Search(prefix string, cmp func(string) (int, error)) (*GroupReader, bool, error) {
	minIndex := g.MinIndex()
	maxIndex := g.MaxIndex()

	for index := minIndex; index <= maxIndex; index++ {
		gr, err := g.NewReader(index)
		if err != nil {
			return nil, false, err
		}

		for {
			line, err := gr.ReadLine()
			if err == io.EOF {
				break
			}
			if err != nil {
				gr.Close()
				return nil, false, err
			}
			if !strings.HasPrefix(line, prefix) {
				continue
			}
			val := strings.TrimPrefix(line, prefix)
			result, err := cmp(val)
			if err != nil {
				gr.Close()
				return nil, false, err
			}
			switch {
			case result == 0:
				return gr, true, nil
			case result > 0:
				gr.Close()
				return nil, false, nil
			}
		}
		gr.Close()
	}
	return nil, false, nil
}
