package collab

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nightlyone/lockfile"
)

// DirLock serializes concurrent `run`/`continue` invocations against the
// same run directory, so two processes never mutate one state file.
type DirLock struct {
	lock lockfile.Lockfile
	path string
}

// NewDirLock builds a lock rooted at "<benchDir>/.jube.lock"; acquisition
// happens in Acquire, not here.
func NewDirLock(benchDir string) (*DirLock, error) {
	path, err := filepath.Abs(filepath.Join(benchDir, ".jube.lock"))
	if err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}
	lf, err := lockfile.New(path)
	if err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}
	return &DirLock{lock: lf, path: path}, nil
}

// Acquire retries briefly against a transient lockfile.ErrBusy (a stale PID
// check loses a narrow race against another process finishing its own
// acquisition) before giving up. A lock already held by the calling process
// is refused as well.
func (d *DirLock) Acquire() error {
	if owner, err := d.lock.GetOwner(); err == nil && owner.Pid == os.Getpid() {
		return fmt.Errorf("lock: %q already held by this process", d.path)
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := d.lock.TryLock(); err != nil {
			lastErr = err
			if err == lockfile.ErrBusy {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("lock: acquire %q: %w", d.path, err)
		}
		return nil
	}
	return fmt.Errorf("lock: %q held by another process: %w", d.path, lastErr)
}

// Release unlocks the benchmark directory. On a lock this process does not
// hold it removes nothing and returns the lockfile's error.
func (d *DirLock) Release() error {
	if err := d.lock.Unlock(); err != nil {
		return fmt.Errorf("lock: release %q: %w", d.path, err)
	}
	return nil
}
