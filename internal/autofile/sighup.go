package autofile

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var (
	sighupMtx   sync.Mutex
	sighupFiles = make(map[string]*AutoFile)
	sighupOnce  sync.Once
)

func registerAutoFileForSighup(af *AutoFile) {
	sighupMtx.Lock()
	defer sighupMtx.Unlock()
	sighupFiles[af.ID] = af
	sighupOnce.Do(startSighupWatcher)
}

func unregisterAutoFileForSighup(af *AutoFile) {
	sighupMtx.Lock()
	defer sighupMtx.Unlock()
	delete(sighupFiles, af.ID)
}

// startSighupWatcher spawns a single goroutine, shared by every AutoFile in
// the process, that reopens every registered file on SIGHUP.
func startSighupWatcher() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)
	go func() {
		for range c {
			sighupMtx.Lock()
			for _, af := range sighupFiles {
				if err := af.reopen(); err != nil {
					// Nothing sensible to do with a failed rotation but
					// keep serving the process's other AutoFiles.
					continue
				}
			}
			sighupMtx.Unlock()
		}
	}()
}
