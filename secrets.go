package myfs

import (
	"fmt"
)

// Secret management. Changing any secret re-seals the affected payloads
// under fresh salts and nonces; old runs become tombstones in the data
// region until the next purge.

// openStoredPayload opens a payload run with the given engine without
// reversing compression, for re-sealing as stored.
func (v *Volume) openStoredPayload(e *FileEntry, engine *cipherEngine) ([]byte, error) {
	run, err := v.readRun(e.Locator)
	if err != nil {
		return nil, err
	}
	return engine.open(run, v.payloadAAD(e.ID))
}

// resealPayload re-seals a stored payload for the entry under a new salt.
// With a secret the entry becomes (or stays) protected; without one it is
// sealed directly under the master key. The new run is appended and the
// entry's locator updated.
func (v *Volume) resealPayload(e *FileEntry, payload, newSecret []byte) error {
	salt, err := generateSalt()
	if err != nil {
		return err
	}
	copy(e.Salt[:], salt)

	engine := v.engine
	if len(newSecret) > 0 {
		fileKey := deriveKey(newSecret, e.Salt[:], labelFile, v.header.KDF)
		defer zeroBytes(fileKey)
		if engine, err = newCipherEngine(fileKey); err != nil {
			return err
		}
		if e.WrappedKey, err = v.engine.seal(fileKey, v.wrapAAD(e.ID)); err != nil {
			return err
		}
		e.Protected = true
	} else {
		e.Protected = false
		e.WrappedKey = nil
	}

	sealed, err := engine.seal(payload, v.payloadAAD(e.ID))
	if err != nil {
		return err
	}
	e.Locator = Locator{Offset: v.dataEnd(), Length: uint64(len(sealed))}
	e.CiphertextSize = uint64(len(sealed))
	v.container.Stage(int64(e.Locator.Offset), sealed)
	return nil
}

// SetFileSecret adds a secret to an entry that has none.
func (v *Volume) SetFileSecret(name string, newSecret []byte) error {
	if err := v.require(); err != nil {
		return err
	}
	if len(newSecret) == 0 {
		return fmt.Errorf("file secret cannot be empty")
	}
	e := v.table.findByName(name, false)
	if e == nil {
		return ErrNotFound
	}
	if e.Protected {
		return fmt.Errorf("file %q already has a secret; change it instead", name)
	}
	return v.mutate(func() error {
		payload, err := v.openStoredPayload(e, v.engine)
		if err != nil {
			return v.condemn(e)
		}
		defer zeroBytes(payload)
		if err := v.resealPayload(e, payload, newSecret); err != nil {
			return err
		}
		return v.commit()
	})
}

// ChangeFileSecret replaces an entry's secret, given the current one. The
// old secret failing to open the payload is ErrAuthFailed.
func (v *Volume) ChangeFileSecret(name string, oldSecret, newSecret []byte) error {
	if err := v.require(); err != nil {
		return err
	}
	if len(newSecret) == 0 {
		return fmt.Errorf("file secret cannot be empty")
	}
	e := v.table.findByName(name, false)
	if e == nil {
		return ErrNotFound
	}
	if !e.Protected {
		return ErrAuthFailed
	}
	return v.mutate(func() error {
		oldKey := deriveKey(oldSecret, e.Salt[:], labelFile, v.header.KDF)
		defer zeroBytes(oldKey)
		oldEngine, err := newCipherEngine(oldKey)
		if err != nil {
			return err
		}
		payload, err := v.openStoredPayload(e, oldEngine)
		if err != nil {
			return ErrAuthFailed
		}
		defer zeroBytes(payload)
		if err := v.resealPayload(e, payload, newSecret); err != nil {
			return err
		}
		return v.commit()
	})
}

// ForceChangeFileSecret replaces an entry's secret using only the master
// key, by unwrapping the stored file key. Intended for operators who lost
// the file secret but hold the master secret.
func (v *Volume) ForceChangeFileSecret(name string, newSecret []byte) error {
	if err := v.require(); err != nil {
		return err
	}
	if len(newSecret) == 0 {
		return fmt.Errorf("file secret cannot be empty")
	}
	e := v.table.findByName(name, false)
	if e == nil {
		return ErrNotFound
	}
	if !e.Protected {
		return v.SetFileSecret(name, newSecret)
	}
	return v.mutate(func() error {
		fileKey, err := v.engine.open(e.WrappedKey, v.wrapAAD(e.ID))
		if err != nil {
			return v.condemn(e)
		}
		defer zeroBytes(fileKey)
		oldEngine, err := newCipherEngine(fileKey)
		if err != nil {
			return err
		}
		payload, err := v.openStoredPayload(e, oldEngine)
		if err != nil {
			return v.condemn(e)
		}
		defer zeroBytes(payload)
		if err := v.resealPayload(e, payload, newSecret); err != nil {
			return err
		}
		return v.commit()
	})
}

// ChangeMasterSecret re-keys the volume under a new master secret: fresh
// salt and KDF parameters, header tag and table re-sealed, every directly
// sealed payload re-encrypted, and every wrapped file key re-wrapped.
// Payloads guarded by their own secret are untouched apart from the wrap.
func (v *Volume) ChangeMasterSecret(newSecret []byte) error {
	if err := v.require(); err != nil {
		return err
	}
	if len(newSecret) == 0 {
		return fmt.Errorf("master secret cannot be empty")
	}

	salt, err := generateSalt()
	if err != nil {
		return err
	}
	newHeader := *v.header
	copy(newHeader.MasterSalt[:], salt)
	newHeader.KDF = v.cfg.KDF

	newKey := deriveKey(newSecret, newHeader.MasterSalt[:], labelMaster, newHeader.KDF)
	newEngine, err := newCipherEngine(newKey)
	if err != nil {
		zeroBytes(newKey)
		return err
	}

	prevHeader := *v.header
	prevKey := v.masterKey
	prevEngine := v.engine
	snapshot := v.table.clone()
	restore := func() {
		*v.header = prevHeader
		v.masterKey = prevKey
		v.engine = prevEngine
		v.table = snapshot
		v.container.Discard()
		zeroBytes(newKey)
	}

	*v.header = newHeader
	v.masterKey = newKey
	v.engine = newEngine

	for _, e := range v.table.entries {
		if e.State == StatePendingPurge {
			continue
		}
		if e.Protected {
			fileKey, err := prevEngine.open(e.WrappedKey, v.wrapAAD(e.ID))
			if err != nil {
				restore()
				return v.condemn(e)
			}
			e.WrappedKey, err = newEngine.seal(fileKey, v.wrapAAD(e.ID))
			zeroBytes(fileKey)
			if err != nil {
				restore()
				return err
			}
			continue
		}
		payload, err := v.openStoredPayload(e, prevEngine)
		if err != nil {
			restore()
			return v.condemn(e)
		}
		sealed, err := newEngine.seal(payload, v.payloadAAD(e.ID))
		zeroBytes(payload)
		if err != nil {
			restore()
			return err
		}
		e.Locator = Locator{Offset: v.dataEnd(), Length: uint64(len(sealed))}
		e.CiphertextSize = uint64(len(sealed))
		v.container.Stage(int64(e.Locator.Offset), sealed)
	}

	if err := v.header.sealTag(newEngine); err != nil {
		restore()
		return err
	}
	if err := v.commit(); err != nil {
		restore()
		return err
	}
	zeroBytes(prevKey)
	return nil
}
