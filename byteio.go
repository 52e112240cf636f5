package myfs

import (
	"fmt"
	"io"
	"os"

	"github.com/absfs/absfs"
)

// containerFile provides positional access to the container or sidecar
// through an absfs.File. Mutations are staged in memory and hit the disk
// only inside Commit, which applies every staged write in order and then
// syncs. Discard drops the staged state, leaving the on-disk bytes exactly
// as they were.
type containerFile struct {
	fs   absfs.FileSystem
	path string
	file absfs.File

	writes     []stagedWrite
	truncateTo int64 // -1 when no truncate is staged
	size       int64 // logical size including staged mutations
}

type stagedWrite struct {
	offset int64
	data   []byte
}

// openContainer opens (or creates) the file at path for a session.
func openContainer(fs absfs.FileSystem, path string, create bool) (*containerFile, error) {
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}
	f, err := fs.OpenFile(path, flag, 0600)
	if err != nil {
		return nil, NewIOError("open", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, NewIOError("stat", path, err)
	}
	return &containerFile{
		fs:         fs,
		path:       path,
		file:       f,
		truncateTo: -1,
		size:       info.Size(),
	}, nil
}

// Size returns the logical size, including staged writes and truncation.
func (c *containerFile) Size() int64 {
	return c.size
}

// ReadAt reads committed bytes at the given offset. Staged writes are not
// visible: a read after staging returns the bytes as last committed.
func (c *containerFile) ReadAt(p []byte, off int64) error {
	if off < 0 {
		return NewIOErrorAt("read", c.path, off, fmt.Errorf("negative offset"))
	}
	if _, err := c.file.ReadAt(p, off); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return NewIOErrorAt("read", c.path, off, io.ErrUnexpectedEOF)
		}
		return NewIOErrorAt("read", c.path, off, err)
	}
	return nil
}

// Stage records a positional write to be applied on the next Commit. The
// data slice is copied.
func (c *containerFile) Stage(off int64, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	c.writes = append(c.writes, stagedWrite{offset: off, data: buf})
	if end := off + int64(len(data)); end > c.size {
		c.size = end
	}
}

// StageAppend records a write at the current logical end of file and
// returns the offset it will land at.
func (c *containerFile) StageAppend(data []byte) int64 {
	off := c.size
	c.Stage(off, data)
	return off
}

// StageTruncate records a truncation to the given size, applied after all
// staged writes on the next Commit.
func (c *containerFile) StageTruncate(size int64) {
	c.truncateTo = size
	if size < c.size {
		c.size = size
	}
}

// Commit applies every staged mutation in order and syncs the file. When a
// write fails the file is truncated back to its pre-commit length, which
// drops bytes written past the old end; bytes already overwritten in place
// are not restored. A failed truncate or sync leaves the applied writes in
// the file. Every failure drops the staged state.
func (c *containerFile) Commit() error {
	info, err := c.file.Stat()
	if err != nil {
		return NewIOError("stat", c.path, err)
	}
	preSize := info.Size()

	for _, w := range c.writes {
		if _, err := c.file.WriteAt(w.data, w.offset); err != nil {
			_ = c.file.Truncate(preSize)
			c.Discard()
			return NewIOErrorAt("write", c.path, w.offset, err)
		}
	}
	if c.truncateTo >= 0 {
		if err := c.file.Truncate(c.truncateTo); err != nil {
			c.Discard()
			return NewIOError("truncate", c.path, err)
		}
	}
	if err := c.file.Sync(); err != nil {
		c.Discard()
		return NewIOError("sync", c.path, err)
	}

	c.writes = nil
	c.truncateTo = -1
	info, err = c.file.Stat()
	if err != nil {
		return NewIOError("stat", c.path, err)
	}
	c.size = info.Size()
	return nil
}

// Discard drops all staged mutations and restores the logical size to the
// on-disk size.
func (c *containerFile) Discard() {
	c.writes = nil
	c.truncateTo = -1
	if info, err := c.file.Stat(); err == nil {
		c.size = info.Size()
	}
}

// Close closes the underlying file. Staged, uncommitted writes are lost.
func (c *containerFile) Close() error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	if err != nil {
		return NewIOError("close", c.path, err)
	}
	return nil
}
