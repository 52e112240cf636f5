package myfs

import (
	"fmt"
)

// RepairReport describes what Repair did.
type RepairReport struct {
	// ContainerRebuilt is set when the container header or table was
	// rewritten from the sidecar.
	ContainerRebuilt bool

	// SidecarRebuilt is set when the sidecar was rewritten from the
	// container.
	SidecarRebuilt bool

	// LostEntries lists entries whose payloads no longer verify. Those
	// that failed decryption or the digest check have been marked for
	// purge; an entry whose payload could not be read is listed unmarked.
	LostEntries []string
}

// Repair restores a damaged volume from whichever of the container and
// sidecar is still intact. Either file may be missing or corrupt:
//
//   - intact container header, corrupt table: the table is rebuilt from
//     the sidecar;
//   - corrupt container header, intact sidecar: the container header and
//     table are rewritten from the sidecar and re-verified;
//   - both corrupt: ErrUnrecoverable.
//
// A container header that decodes cleanly but does not open under the
// supplied master secret is not treated as corrupt: that is ErrAuthFailed,
// exactly as on Open.
//
// Payloads whose recomputed content digest disagrees with the stored one
// are marked PendingPurge and reported in LostEntries. Repair requires the
// master secret but not the machine binding, so a volume moved to a new
// host can be repaired before rebinding.
func Repair(session *Session, containerPath, sidecarPath string, masterSecret []byte, cfg *Config) (report *RepairReport, err error) {
	if err := session.require(StateSessionOpen); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	unlock, err := cfg.Locker.Acquire(containerPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = unlock() }()

	report = &RepairReport{}

	// First: can the container header still authenticate the master key?
	// A header that decodes but whose tag does not open under the derived
	// key is not a corrupt header; it is a rejected secret, and falling
	// back to the sidecar would only re-reject the same secret.
	cf, openErr := openContainer(cfg.FS, containerPath, false)
	var v *Volume
	if openErr == nil {
		prelude := make([]byte, headerPreludeSize)
		var h *volumeHeader
		if rerr := cf.ReadAt(prelude, 0); rerr == nil {
			h, _ = decodeHeader(prelude)
		}
		if h != nil {
			masterKey := deriveKey(masterSecret, h.MasterSalt[:], labelMaster, h.KDF)
			engine, eerr := newCipherEngine(masterKey)
			if eerr != nil {
				zeroBytes(masterKey)
				_ = cf.Close()
				return nil, eerr
			}
			if err := h.verifyTag(engine); err != nil {
				zeroBytes(masterKey)
				_ = cf.Close()
				return nil, err
			}
			v = &Volume{
				cfg:           cfg,
				session:       session,
				containerPath: containerPath,
				sidecarPath:   sidecarPath,
				bindingPath:   containerPath + BindingExt,
				container:     cf,
				header:        h,
				engine:        engine,
				masterKey:     masterKey,
			}
		}
	}

	if v == nil {
		// Container header is gone. Rebuild everything from the sidecar.
		if cf != nil {
			_ = cf.Close()
		}
		v, err = rebuildFromSidecar(session, containerPath, sidecarPath, masterSecret, cfg)
		if err != nil {
			return nil, err
		}
		report.ContainerRebuilt = true
	} else {
		// Header is fine; let the mirror fallback sort out the table.
		if err := v.loadTable(); err != nil {
			_ = v.closeRepair()
			return nil, err
		}
		report.ContainerRebuilt = v.repairedContainer
		report.SidecarRebuilt = v.repairedSidecar
	}
	defer func() {
		if cerr := v.closeRepair(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	report.LostEntries = v.verifyEntries()
	if len(report.LostEntries) > 0 {
		if err := v.commit(); err != nil {
			return nil, err
		}
	}
	return report, nil
}

// rebuildFromSidecar reconstructs the container prelude and table from the
// sidecar alone. Acceptance of the master secret is the sidecar table
// opening under the key derived from the sidecar's salt and parameters;
// failure of that, for whatever reason, is ErrUnrecoverable.
func rebuildFromSidecar(session *Session, containerPath, sidecarPath string, masterSecret []byte, cfg *Config) (*Volume, error) {
	data, err := readWholeFile(cfg, sidecarPath)
	if err != nil {
		return nil, ErrUnrecoverable
	}
	s, err := decodeSidecar(data)
	if err != nil {
		return nil, ErrUnrecoverable
	}

	h := &volumeHeader{
		Version:    FormatVersion,
		MasterSalt: s.MasterSalt,
		KDF:        s.KDF,
	}
	copy(h.VolumeID[:], s.VolumeID[:])

	masterKey := deriveKey(masterSecret, h.MasterSalt[:], labelMaster, h.KDF)
	engine, err := newCipherEngine(masterKey)
	if err != nil {
		zeroBytes(masterKey)
		return nil, err
	}
	table, err := openTable(s.SealedTable, engine, h.tableAAD())
	if err != nil {
		zeroBytes(masterKey)
		return nil, ErrUnrecoverable
	}

	cf, err := openContainer(cfg.FS, containerPath, true)
	if err != nil {
		zeroBytes(masterKey)
		return nil, err
	}

	// The data region keeps its absolute locators; its notional start is
	// the lowest surviving offset. An empty table starts it at the current
	// end of the container file, and never before the end of the prelude.
	h.DataOffset = uint64(cf.Size())
	if h.DataOffset < headerPreludeSize {
		h.DataOffset = headerPreludeSize
	}
	for _, e := range table.entries {
		if e.Locator.Offset < h.DataOffset {
			h.DataOffset = e.Locator.Offset
		}
	}
	if err := h.sealTag(engine); err != nil {
		zeroBytes(masterKey)
		_ = cf.Close()
		return nil, err
	}

	v := &Volume{
		cfg:           cfg,
		session:       session,
		containerPath: containerPath,
		sidecarPath:   sidecarPath,
		bindingPath:   containerPath + BindingExt,
		container:     cf,
		header:        h,
		engine:        engine,
		masterKey:     masterKey,
		table:         table,
	}
	if err := v.commit(); err != nil {
		_ = v.closeRepair()
		return nil, fmt.Errorf("failed to rewrite container: %w", err)
	}
	return v, nil
}

// closeRepair releases repair-time resources without touching the session
// state (repair never moves the session to VolumeOpen).
func (v *Volume) closeRepair() error {
	if v.container == nil {
		return nil
	}
	err := v.container.Close()
	v.container = nil
	zeroBytes(v.masterKey)
	v.masterKey = nil
	v.engine = nil
	return err
}
