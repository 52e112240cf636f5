//go:build windows

package myfs

import (
	"os"

	"golang.org/x/sys/windows"
)

// osLock holds an advisory exclusive lock on the container file itself for
// the duration of a volume session. The locking handle is separate from the
// handle used for I/O and never writes to the file.
type osLock struct {
	file *os.File
}

// acquireOSLock takes a non-blocking exclusive LockFileEx on path. A held
// lock surfaces as ErrLocked.
func acquireOSLock(path string) (*osLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, NewIOError("open", path, err)
	}
	ol := new(windows.Overlapped)
	h := windows.Handle(f.Fd())
	err = windows.LockFileEx(h, windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, 1, 0, ol)
	if err != nil {
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
	ol := new(windows.Overlapped)
	_ = windows.UnlockFileEx(windows.Handle(l.file.Fd()), 0, 1, 0, ol)
	err := l.file.Close()
	l.file = nil
	return err
}
