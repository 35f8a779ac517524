//go:build deadlock
// +build deadlock

// Package sync may be internalized (made private) in future releases.
// XXX Deprecated.
package sync

import deadlock "github.com/sasha-s/go-deadlock"

// A Mutex is a mutual exclusion lock that additionally detects lock-order
// inversions across goroutines when built with the deadlock tag.
type Mutex struct {
	deadlock.Mutex
}

// An RWMutex is a reader/writer mutual exclusion lock with the same
// deadlock diagnostics as Mutex.
type RWMutex struct {
	deadlock.RWMutex
}
