package myfs

import (
	"errors"
	"time"

	"github.com/absfs/absfs"
)

// File extensions of the three persisted artifacts.
const (
	// ContainerExt is the extension of the primary container file.
	ContainerExt = ".DRI"

	// SidecarExt is the extension of the detachable metadata mirror.
	SidecarExt = ".IXF"

	// BindingExt is the suffix appended to the container path for the
	// machine binding record.
	BindingExt = ".machine"
)

// Locker grants the advisory exclusive lock held for the duration of a
// volume session.
type Locker interface {
	// Acquire takes the lock for path, returning a release function.
	// ErrLocked reports that another process holds it.
	Acquire(path string) (release func() error, err error)
}

// OSLocker locks through the operating system (flock on unix, LockFileEx on
// windows). It is the default when the container lives on the real
// filesystem.
type OSLocker struct{}

// Acquire takes a non-blocking exclusive lock on path.
func (OSLocker) Acquire(path string) (func() error, error) {
	l, err := acquireOSLock(path)
	if err != nil {
		return nil, err
	}
	return l.Release, nil
}

// NoopLocker performs no locking. Used with in-memory filesystems, where a
// second process cannot reach the container anyway.
type NoopLocker struct{}

// Acquire returns a release function without taking any lock.
func (NoopLocker) Acquire(string) (func() error, error) {
	return func() error { return nil }, nil
}

// Config carries the collaborators a volume needs. The zero value is not
// usable; call Validate or rely on Format/Open to fill defaults.
type Config struct {
	// FS is the filesystem holding container and sidecar. Defaults to the
	// operating system filesystem.
	FS absfs.FileSystem

	// Locker grants the container session lock. Defaults to OSLocker when
	// FS is the OS filesystem and NoopLocker otherwise.
	Locker Locker

	// KDF contains the Argon2id cost parameters for newly formatted
	// volumes. Opening an existing volume always uses the parameters
	// recorded in its header.
	KDF KDFParams

	// Now supplies the current time. Defaults to time.Now. The session
	// secret and the inactivity timeout are evaluated against it.
	Now func() time.Time

	// Fingerprint supplies the machine fingerprint digest. Defaults to
	// CurrentFingerprint.
	Fingerprint func() ([]byte, error)

	// Audit receives integrity audit records. Defaults to a discarding
	// implementation.
	Audit AuditLog

	// InactivityTimeout closes an idle open volume. Zero disables it.
	InactivityTimeout time.Duration
}

// Validate checks the configuration and fills defaults in place.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config cannot be nil")
	}
	if c.FS == nil {
		c.FS = NewOSFS()
	}
	if c.Locker == nil {
		if _, ok := c.FS.(*OSFS); ok {
			c.Locker = OSLocker{}
		} else {
			c.Locker = NoopLocker{}
		}
	}
	if c.KDF == (KDFParams{}) {
		c.KDF = DefaultKDFParams()
	}
	if err := c.KDF.Validate(); err != nil {
		return err
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Fingerprint == nil {
		c.Fingerprint = CurrentFingerprint
	}
	if c.Audit == nil {
		c.Audit = discardAudit{}
	}
	return nil
}
