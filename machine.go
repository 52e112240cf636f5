package myfs

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"net"
	"os"
	"runtime"
	"strings"

	"github.com/absfs/absfs"
)

// Machine identity. The fingerprint digests four stable host identifiers
// (machine uuid, primary MAC, CPU identifier, OS name) canonicalized to
// lowercase UTF-8 and joined with single newlines. The digest itself never
// touches the container; only an HMAC witness derived from it is stored in
// the binding record.

// bindingRecordSize is 16 bytes of volume id followed by a 32-byte
// HMAC-SHA-256 of the volume id.
const bindingRecordSize = 16 + 32

// CurrentFingerprint returns the SHA-256 fingerprint digest of this machine.
func CurrentFingerprint() ([]byte, error) {
	inputs := []string{
		machineUUID(),
		primaryMAC(),
		cpuIdentifier(),
		runtime.GOOS,
	}
	for i, in := range inputs {
		inputs[i] = strings.ToLower(strings.TrimSpace(in))
	}
	sum := sha256.Sum256([]byte(strings.Join(inputs, "\n")))
	return sum[:], nil
}

// machineUUID returns the host's stable machine identifier. On Linux this is
// /etc/machine-id; elsewhere (or when unreadable) it falls back to the
// hostname, which keeps the fingerprint stable if not hardware-bound.
func machineUUID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown-machine"
	}
	return host
}

// primaryMAC returns the hardware address of the first non-loopback
// interface that has one.
func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "no-mac"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return "no-mac"
}

// cpuIdentifier returns the CPU model string where the host exposes one,
// falling back to the architecture name.
func cpuIdentifier() string {
	if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if name, ok := strings.CutPrefix(line, "model name"); ok {
				if _, value, found := strings.Cut(name, ":"); found {
					return strings.TrimSpace(value)
				}
			}
		}
	}
	return runtime.GOARCH
}

// bindingToken computes the HMAC witness stored in the binding record: an
// HMAC-SHA-256 of the volume id under a key derived from the fingerprint
// with the volume id as salt.
func bindingToken(fingerprint, volumeID []byte, params KDFParams) []byte {
	key := deriveKey(fingerprint, volumeID, labelMachine, params)
	defer zeroBytes(key)
	mac := hmac.New(sha256.New, key)
	mac.Write(volumeID)
	return mac.Sum(nil)
}

// writeBindingRecord creates or replaces the machine binding record at path.
func writeBindingRecord(fs absfs.FileSystem, path string, fingerprint, volumeID []byte, params KDFParams) error {
	record := make([]byte, 0, bindingRecordSize)
	record = append(record, volumeID...)
	record = append(record, bindingToken(fingerprint, volumeID, params)...)

	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return NewIOError("open", path, err)
	}
	if _, err := f.Write(record); err != nil {
		f.Close()
		return NewIOError("write", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return NewIOError("sync", path, err)
	}
	return f.Close()
}

// verifyBindingRecord checks that the record at path authorizes this machine
// for the given volume. A missing, malformed, or mismatching record is
// ErrAuthFailed; the caller never learns which.
func verifyBindingRecord(fs absfs.FileSystem, path string, fingerprint, volumeID []byte, params KDFParams) error {
	f, err := fs.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return ErrAuthFailed
	}
	defer f.Close()

	record := make([]byte, bindingRecordSize)
	n, err := f.Read(record)
	if err != nil || n != bindingRecordSize {
		return ErrAuthFailed
	}
	if !bytes.Equal(record[:16], volumeID) {
		return ErrAuthFailed
	}
	want := bindingToken(fingerprint, volumeID, params)
	if subtle.ConstantTimeCompare(record[16:], want) != 1 {
		return ErrAuthFailed
	}
	return nil
}
