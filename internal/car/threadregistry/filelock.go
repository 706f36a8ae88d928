package threadregistry

import (
	"errors"
	"fmt"
	"os"
)

// errRegistryLocked means another process currently holds the registry's
// file lock; persist retries are the caller's responsibility (there is
// none today, since each orchestrator owns one state dir).
var errRegistryLocked = errors.New("threadregistry: lock already held")

// registryLock is an advisory, OS-level exclusive lock on the registry's
// sidecar ".lock" file, held only for the duration of a single load-modify-
// persist cycle (§4.8's atomic write). It exists to serialize writers
// across processes sharing the same state dir, not within one process
// (Registry's own mutex already does that).
type registryLock struct {
	path string
	f    *os.File
}

// acquireRegistryLock opens (creating if needed) path and takes a
// non-blocking exclusive lock on it, stamping the holder's pid for
// troubleshooting a stuck lock file.
func acquireRegistryLock(path string) (*registryLock, error) {
	if path == "" {
		return nil, fmt.Errorf("threadregistry: lock path is empty")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &registryLock{path: path, f: f}, nil
}

func (l *registryLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
