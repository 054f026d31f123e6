//go:build !unix

package state

import (
	"os"
	"sync"
)

// Without flock the lock is held by the process-local registry of open lock
// files. This only serializes writers inside one process.
var (
	heldMu sync.Mutex
	held   = make(map[string]bool)
)

func tryLock(f *os.File) (bool, error) {
	heldMu.Lock()
	defer heldMu.Unlock()
	if held[f.Name()] {
		return false, nil
	}
	held[f.Name()] = true
	return true, nil
}

func unlock(f *os.File) error {
	heldMu.Lock()
	defer heldMu.Unlock()
	delete(held, f.Name())
	return nil
}
