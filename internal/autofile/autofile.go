// Package autofile provides a file that can be closed and reopened by
// signal (SIGHUP), so an external log rotator can move the underlying
// inode out from under a long-running writer without losing writes, plus
// a Group that chains a head file with rotated, indexed siblings so a
// write-ahead log can be searched and truncated without unbounded growth.
package autofile

import (
	"os"
	"sync"

	cmtrand "github.com/bftlabs/tmcore/libs/rand"
)

// AutoFile wraps an os.File, transparently reopening it (by path, with
// O_APPEND|O_CREATE) whenever the process receives SIGHUP. This lets an
// operator rotate the file out from under a running process (e.g. via
// logrotate) without the writer ever seeing a stale, unlinked descriptor.
type AutoFile struct {
	ID   string
	Path string

	mtx  sync.Mutex
	file *os.File
}

// OpenAutoFile creates an AutoFile at path, opening it for append.
func OpenAutoFile(path string) (*AutoFile, error) {
	af := &AutoFile{
		ID:   cmtrand.Str(12),
		Path: path,
	}
	if err := af.openFile(); err != nil {
		return nil, err
	}
	registerAutoFileForSighup(af)
	return af, nil
}

func (af *AutoFile) openFile() error {
	file, err := os.OpenFile(af.Path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	af.file = file
	return nil
}

// Close closes and unregisters the file.
func (af *AutoFile) Close() error {
	unregisterAutoFileForSighup(af)
	af.mtx.Lock()
	defer af.mtx.Unlock()
	return af.file.Close()
}

// reopen closes and reopens the underlying file at the same path,
// invoked from the SIGHUP handler.
func (af *AutoFile) reopen() error {
	af.mtx.Lock()
	defer af.mtx.Unlock()
	if err := af.file.Close(); err != nil {
		return err
	}
	return af.openFile()
}

// Write writes len(b) bytes to the AutoFile. It does not retry: a SIGHUP
// reopen takes the same mutex, so a write never overlaps a reopen.
func (af *AutoFile) Write(b []byte) (n int, err error) {
	af.mtx.Lock()
	defer af.mtx.Unlock()
	return af.file.Write(b)
}

// Sync commits the current contents of the file to stable storage.
func (af *AutoFile) Sync() error {
	af.mtx.Lock()
	defer af.mtx.Unlock()
	return af.file.Sync()
}

// Size returns the current size of the file.
func (af *AutoFile) Size() (int64, error) {
	af.mtx.Lock()
	defer af.mtx.Unlock()
	stat, err := af.file.Stat()
	if err != nil {
		return -1, err
	}
	return stat.Size(), nil
}
