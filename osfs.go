package myfs

import (
	"os"
	"time"

	"github.com/absfs/absfs"
)

// OSFS is a thin absfs.FileSystem over the operating system. It exists so
// the core can stay filesystem-agnostic (tests run on memfs) while the CLI
// and default configuration operate on real paths.
type OSFS struct {
	cwd string
}

// NewOSFS returns a filesystem rooted at the process working directory.
func NewOSFS() *OSFS {
	return &OSFS{}
}

// OpenFile opens a file with the specified flags and permissions.
func (fs *OSFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	return os.OpenFile(name, flag, perm)
}

// Open opens a file for reading.
func (fs *OSFS) Open(name string) (absfs.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

// Create creates or truncates a file for writing.
func (fs *OSFS) Create(name string) (absfs.File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

// Mkdir creates a directory.
func (fs *OSFS) Mkdir(name string, perm os.FileMode) error {
	return os.Mkdir(name, perm)
}

// MkdirAll creates a directory and all necessary parents.
func (fs *OSFS) MkdirAll(name string, perm os.FileMode) error {
	return os.MkdirAll(name, perm)
}

// Remove removes a file or empty directory.
func (fs *OSFS) Remove(name string) error {
	return os.Remove(name)
}

// RemoveAll removes a path and any children it contains.
func (fs *OSFS) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// Rename renames (moves) a file.
func (fs *OSFS) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// Stat returns file information.
func (fs *OSFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

// Chmod changes the mode of a file.
func (fs *OSFS) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(name, mode)
}

// Chtimes changes the access and modification times of a file.
func (fs *OSFS) Chtimes(name string, atime, mtime time.Time) error {
	return os.Chtimes(name, atime, mtime)
}

// Chown changes the owner and group of a file.
func (fs *OSFS) Chown(name string, uid, gid int) error {
	return os.Chown(name, uid, gid)
}

// Truncate truncates a file to a specified size.
func (fs *OSFS) Truncate(name string, size int64) error {
	return os.Truncate(name, size)
}

// Separator returns the path separator.
func (fs *OSFS) Separator() uint8 {
	return os.PathSeparator
}

// ListSeparator returns the path list separator.
func (fs *OSFS) ListSeparator() uint8 {
	return os.PathListSeparator
}

// Chdir changes the current working directory.
func (fs *OSFS) Chdir(dir string) error {
	if err := os.Chdir(dir); err != nil {
		return err
	}
	fs.cwd = dir
	return nil
}

// Getwd returns the current working directory.
func (fs *OSFS) Getwd() (string, error) {
	return os.Getwd()
}

// TempDir returns the temporary directory path.
func (fs *OSFS) TempDir() string {
	return os.TempDir()
}
