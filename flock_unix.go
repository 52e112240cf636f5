//go:build unix

package myfs

import (
	"os"

	"golang.org/x/sys/unix"
)

// osLock holds an advisory exclusive lock on the container file itself for
// the duration of a volume session. The locking handle is separate from the
// handle used for I/O and never writes to the file.
type osLock struct {
	file *os.File
}

// acquireOSLock takes a non-blocking exclusive flock on path. A held lock
// surfaces as ErrLocked.
func acquireOSLock(path string) (*osLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, NewIOError("open", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, ErrLocked
	}
	return &osLock{file: f}, nil
}

// Release drops the lock and closes the lock file.
func (l *osLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
