package kb

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ingest locks serialize KB writes into one group across processes. The
// lock is a file created with O_EXCL; locks older than staleLockAge are
// assumed abandoned and taken over.
const (
	staleLockAge    = 10 * time.Minute
	lockRetryPeriod = 200 * time.Millisecond
	lockWaitMax     = 30 * time.Second
)

type groupLock struct {
	path string
}

// acquireGroupLock blocks until the group's ingest lock is held or the
// wait deadline passes.
func acquireGroupLock(lockDir, groupFolder string) (*groupLock, error) {
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir lock dir: %w", err)
	}
	path := filepath.Join(lockDir, groupFolder+".ingest.lock")
	deadline := time.Now().Add(lockWaitMax)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &groupLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock: %w", err)
		}
		if info, serr := os.Stat(path); serr == nil && time.Since(info.ModTime()) > staleLockAge {
			os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("ingest lock for %q held too long", groupFolder)
		}
		time.Sleep(lockRetryPeriod)
	}
}

func (l *groupLock) release() {
	os.Remove(l.path)
}
