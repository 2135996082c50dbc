package inodekey

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

const (
	// KeyDescriptionPrefix is the default lookup namespace for master keys.
	// Filesystems may expose an additional prefix of their own, tried when
	// the default yields no key.
	KeyDescriptionPrefix = "fscrypt:"

	// keyPayloadSize is the exact payload length of a provisioned master
	// key: a 4-byte reserved mode field, MaxKeySize raw bytes, and a 4-byte
	// declared size, little-endian.
	keyPayloadSize = 4 + MaxKeySize + 4

	payloadRawOffset  = 4
	payloadSizeOffset = 4 + MaxKeySize
)

// KeyDescription builds the keyring lookup name for a master key
// descriptor: the prefix followed by the hex-encoded descriptor.
func KeyDescription(prefix string, descriptor [DescriptorSize]byte) string {
	return prefix + hex.EncodeToString(descriptor[:])
}

// ProcessKey is one provisioned master key in a Keyring. The payload is
// guarded by a read/write lock held only for the duration of validation and
// copy-out, never across a cipher operation.
type ProcessKey struct {
	// ID identifies the key in log output without exposing key material.
	ID uuid.UUID
	// Description is the lookup name the key was added under.
	Description string

	mu      sync.RWMutex
	payload *secretBuffer // nil once revoked
}

// payloadLocked returns the raw payload bytes, or nil if the key was revoked
// before the caller acquired its lock. The caller must hold k.mu.
func (k *ProcessKey) payloadLocked() []byte {
	if k.payload == nil {
		return nil
	}
	return k.payload.Bytes()
}

// unlock releases the read lock taken by a successful findAndLockProcessKey.
func (k *ProcessKey) unlock() {
	k.mu.RUnlock()
}

// Keyring models the calling process's key search scope: a set of master
// keys indexed by description. It stands in for the platform credential
// store the filesystem's users provision keys into.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]*ProcessKey
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]*ProcessKey)}
}

// AddKey provisions a master key under the given description. raw must be
// between 1 and MaxKeySize bytes; it is copied into a locked payload buffer,
// so the caller keeps ownership of its slice.
func (kr *Keyring) AddKey(description string, raw []byte) (*ProcessKey, error) {
	if len(raw) < 1 || len(raw) > MaxKeySize {
		return nil, fmt.Errorf("master key must be 1..%d bytes, got %d", MaxKeySize, len(raw))
	}

	payload, err := newSecretBuffer(keyPayloadSize)
	if err != nil {
		return nil, err
	}
	b := payload.Bytes()
	copy(b[payloadRawOffset:], raw)
	binary.LittleEndian.PutUint32(b[payloadSizeOffset:], uint32(len(raw)))

	key := &ProcessKey{
		ID:          uuid.New(),
		Description: description,
		payload:     payload,
	}

	kr.mu.Lock()
	defer kr.mu.Unlock()
	if old := kr.keys[description]; old != nil {
		// Re-adding a description replaces the key, as keyrings do.
		old.mu.Lock()
		old.payload.Wipe()
		old.payload = nil
		old.mu.Unlock()
	}
	kr.keys[description] = key
	return key, nil
}

// RequestKey resolves a description to a key. The result may have been
// revoked concurrently; findAndLockProcessKey revalidates under the key's
// own lock.
func (kr *Keyring) RequestKey(description string) (*ProcessKey, error) {
	kr.mu.RLock()
	key := kr.keys[description]
	kr.mu.RUnlock()
	if key == nil {
		return nil, &KeyLookupError{Description: description, Message: "no such key"}
	}
	return key, nil
}

// RevokeKey wipes and removes the key provisioned under description.
// Returns false if no such key exists.
func (kr *Keyring) RevokeKey(description string) bool {
	kr.mu.Lock()
	key := kr.keys[description]
	delete(kr.keys, description)
	kr.mu.Unlock()
	if key == nil {
		return false
	}

	key.mu.Lock()
	key.payload.Wipe()
	key.payload = nil
	key.mu.Unlock()
	return true
}

// findAndLockProcessKey searches the keyring for prefix:descriptor and, on
// success, returns the key with its read lock held together with the
// validated raw secret bytes (a view into the locked payload, valid until
// unlock). Every validation failure releases the lock, logs a rate-limited
// warning, and reports NoKey.
func findAndLockProcessKey(kr *Keyring, prefix string, descriptor [DescriptorSize]byte,
	minSize int, log Logger, lim *logLimiter) (*ProcessKey, []byte, error) {

	description := KeyDescription(prefix, descriptor)

	key, err := kr.RequestKey(description)
	if err != nil {
		return nil, nil, err
	}

	key.mu.RLock()

	payload := key.payloadLocked()
	if payload == nil {
		// Revoked between lookup and lock acquisition.
		key.mu.RUnlock()
		return nil, nil, &KeyLookupError{Description: description, Message: "key has been revoked"}
	}

	if len(payload) != keyPayloadSize {
		key.mu.RUnlock()
		if lim.allow() {
			log.Warn("key has invalid payload", "key", key.ID, "description", description)
		}
		return nil, nil, &KeyLookupError{Description: description, Message: "invalid payload"}
	}

	size := int(binary.LittleEndian.Uint32(payload[payloadSizeOffset:]))
	if size < 1 || size > MaxKeySize {
		key.mu.RUnlock()
		if lim.allow() {
			log.Warn("key has invalid payload", "key", key.ID, "description", description)
		}
		return nil, nil, &KeyLookupError{Description: description, Message: "invalid payload"}
	}
	if size < minSize {
		key.mu.RUnlock()
		if lim.allow() {
			log.Warn("key is too short", "key", key.ID, "description", description,
				"got", size, "need", minSize)
		}
		return nil, nil, &KeyLookupError{
			Description: description,
			Message:     fmt.Sprintf("key too short (got %d bytes, need %d+ bytes)", size, minSize),
		}
	}

	return key, payload[payloadRawOffset : payloadRawOffset+size], nil
}
