package inodekey

import (
	"encoding/binary"
	"sync"
)

// masterKeyEntry is a cipher transform shared by every inode whose
// direct-key policy references the same (descriptor, mode, raw key) triple.
// Entries live in the process-wide table below and are reference-counted:
// constructed at refcount 1, incremented per sharing inode, removed from the
// table and destroyed exactly when the count returns to zero.
type masterKeyEntry struct {
	refcount   int // guarded by masterKeysMu
	mode       *CipherMode
	tfm        Transform
	descriptor [DescriptorSize]byte
	raw        [MaxKeySize]byte // leading mode.KeySize bytes valid
}

// Process-wide table of master keys referenced by direct-key policies,
// bucketed by a hash of the descriptor. One lock guards lookup, insert, and
// the refcount-to-zero removal decision; transform construction happens
// outside it.
var (
	masterKeysMu sync.Mutex
	masterKeys   = make(map[uint64][]*masterKeyEntry)
)

// masterKeyHash folds the descriptor's leading bytes into the bucket key.
// The table must be keyed by descriptor, never by raw key bytes, so bucket
// choice leaks nothing about the secret.
func masterKeyHash(descriptor [DescriptorSize]byte) uint64 {
	return binary.LittleEndian.Uint64(descriptor[:])
}

// freeMasterKey destroys an entry that is not reachable from the table:
// either a candidate that lost an insert race or one whose refcount reached
// zero. The raw key copy is zeroed.
func freeMasterKey(mk *masterKeyEntry) {
	if mk == nil {
		return
	}
	mk.tfm = nil
	wipe(mk.raw[:])
}

// findOrInsertMasterKey looks up the entry matching (descriptor, mode,
// rawKey). On a hit the entry's refcount is incremented and it is returned;
// toInsert, if non-nil, is freed. On a miss toInsert is inserted and
// returned if non-nil; otherwise nil is returned. Raw keys are compared in
// constant time so lookups leak no byte-position timing.
func findOrInsertMasterKey(toInsert *masterKeyEntry, rawKey []byte,
	mode *CipherMode, descriptor [DescriptorSize]byte) *masterKeyEntry {

	bucket := masterKeyHash(descriptor)

	masterKeysMu.Lock()
	for _, mk := range masterKeys[bucket] {
		if mk.descriptor != descriptor {
			continue
		}
		if mk.mode != mode {
			continue
		}
		if !keysEqual(rawKey, mk.raw[:mode.KeySize]) {
			continue
		}
		// Reuse the existing transform for this (descriptor, mode, raw key).
		mk.refcount++
		masterKeysMu.Unlock()
		freeMasterKey(toInsert)
		return mk
	}
	if toInsert != nil {
		masterKeys[bucket] = append(masterKeys[bucket], toInsert)
	}
	masterKeysMu.Unlock()
	return toInsert
}

// getMasterKey returns the shared entry for (descriptor, mode, rawKey),
// constructing and keying a transform when none exists yet. Construction
// happens outside the table lock; the final lookup-or-insert call resolves
// any race with a concurrent constructor.
func getMasterKey(descriptor [DescriptorSize]byte, mode *CipherMode,
	rawKey []byte, log Logger) (*masterKeyEntry, error) {

	if mk := findOrInsertMasterKey(nil, rawKey, mode, descriptor); mk != nil {
		return mk, nil
	}

	mk := &masterKeyEntry{
		refcount:   1,
		mode:       mode,
		descriptor: descriptor,
	}
	tfm, err := allocateTransform(mode, rawKey, log)
	if err != nil {
		freeMasterKey(mk)
		return nil, err
	}
	mk.tfm = tfm
	copy(mk.raw[:], rawKey)

	return findOrInsertMasterKey(mk, rawKey, mode, descriptor), nil
}

// putMasterKey drops one reference. When the count reaches zero the entry is
// unlinked from the table under the lock, so no concurrent lookup can
// observe it mid-destruction, and then destroyed.
func putMasterKey(mk *masterKeyEntry) {
	if mk == nil {
		return
	}
	bucket := masterKeyHash(mk.descriptor)

	masterKeysMu.Lock()
	mk.refcount--
	if mk.refcount > 0 {
		masterKeysMu.Unlock()
		return
	}
	entries := masterKeys[bucket]
	for i, e := range entries {
		if e == mk {
			entries[i] = entries[len(entries)-1]
			entries = entries[:len(entries)-1]
			break
		}
	}
	if len(entries) == 0 {
		delete(masterKeys, bucket)
	} else {
		masterKeys[bucket] = entries
	}
	masterKeysMu.Unlock()

	freeMasterKey(mk)
}
