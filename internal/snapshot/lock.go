package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	lockRetryInterval = 50 * time.Millisecond
	lockStaleAfter    = time.Minute
)

// ErrLockTimeout means another writer held the site folder lock for the
// whole acquire window.
var ErrLockTimeout = errors.New("snapshot folder lock timeout")

// fileLock serializes writers of one site folder across processes by
// exclusively creating a .lock file inside it.
type fileLock struct {
	path string
}

// acquireLock takes the folder lock, retrying until the context expires.
// Locks older than lockStaleAfter are treated as abandoned by a crashed
// writer and broken.
func acquireLock(ctx context.Context, dir string) (*fileLock, error) {
	path := filepath.Join(dir, ".lock")
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &fileLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock %s: %w", path, err)
		}

		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			os.Remove(path)
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ErrLockTimeout
		case <-time.After(lockRetryInterval):
		}
	}
}

func (l *fileLock) release() {
	os.Remove(l.path)
}
