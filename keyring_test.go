package inodekey

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestKeyDescription(t *testing.T) {
	desc := KeyDescription(KeyDescriptionPrefix, testDescriptor(0xab))
	if desc != "fscrypt:abababababababab" {
		t.Errorf("KeyDescription = %q", desc)
	}
}

func TestKeyring_AddAndRequest(t *testing.T) {
	kr := NewKeyring()
	master := bytes.Repeat([]byte{7}, 64)

	key, err := kr.AddKey("fscrypt:0000000000000001", master)
	if err != nil {
		t.Fatalf("AddKey failed: %v", err)
	}
	if key.ID == uuid.Nil {
		t.Error("key has zero ID")
	}

	got, err := kr.RequestKey("fscrypt:0000000000000001")
	if err != nil {
		t.Fatalf("RequestKey failed: %v", err)
	}
	if got != key {
		t.Error("RequestKey returned a different key")
	}

	if _, err := kr.RequestKey("fscrypt:ffffffffffffffff"); !errors.Is(err, ErrNoKey) {
		t.Errorf("RequestKey(absent) = %v, want ErrNoKey", err)
	}
}

func TestKeyring_AddKeyBounds(t *testing.T) {
	kr := NewKeyring()
	if _, err := kr.AddKey("k", nil); err == nil {
		t.Error("AddKey accepted an empty key")
	}
	if _, err := kr.AddKey("k", make([]byte, MaxKeySize+1)); err == nil {
		t.Error("AddKey accepted an oversized key")
	}
	if _, err := kr.AddKey("k", []byte{1}); err != nil {
		t.Errorf("AddKey rejected a 1-byte key: %v", err)
	}
}

func TestFindAndLockProcessKey(t *testing.T) {
	kr := NewKeyring()
	descriptor := testDescriptor(0x21)
	master := bytes.Repeat([]byte{3}, 64)
	if _, err := kr.AddKey(KeyDescription(KeyDescriptionPrefix, descriptor), master); err != nil {
		t.Fatalf("AddKey failed: %v", err)
	}

	var lim logLimiter
	key, raw, err := findAndLockProcessKey(kr, KeyDescriptionPrefix, descriptor, 64, noopLogger{}, &lim)
	if err != nil {
		t.Fatalf("findAndLockProcessKey failed: %v", err)
	}
	if !bytes.Equal(raw, master) {
		t.Error("payload view does not match the provisioned key")
	}
	key.unlock()

	// The read lock must be fully released.
	if !key.mu.TryLock() {
		t.Fatal("key lock still held after unlock")
	}
	key.mu.Unlock()
}

func TestFindAndLockProcessKey_TooShort(t *testing.T) {
	kr := NewKeyring()
	descriptor := testDescriptor(0x22)
	if _, err := kr.AddKey(KeyDescription(KeyDescriptionPrefix, descriptor), make([]byte, 32)); err != nil {
		t.Fatalf("AddKey failed: %v", err)
	}

	var lim logLimiter
	_, _, err := findAndLockProcessKey(kr, KeyDescriptionPrefix, descriptor, 64, noopLogger{}, &lim)
	if !errors.Is(err, ErrNoKey) {
		t.Fatalf("short key lookup = %v, want ErrNoKey", err)
	}
	if !strings.Contains(err.Error(), "too short") {
		t.Errorf("error %q does not mention the key being too short", err)
	}

	// The failed lookup must have dropped the key's lock.
	key, _ := kr.RequestKey(KeyDescription(KeyDescriptionPrefix, descriptor))
	if !key.mu.TryLock() {
		t.Fatal("key lock leaked by failed lookup")
	}
	key.mu.Unlock()
}

func TestFindAndLockProcessKey_InvalidPayload(t *testing.T) {
	kr := NewKeyring()
	descriptor := testDescriptor(0x23)
	description := KeyDescription(KeyDescriptionPrefix, descriptor)
	key, err := kr.AddKey(description, make([]byte, 32))
	if err != nil {
		t.Fatalf("AddKey failed: %v", err)
	}

	// Corrupt the payload to the wrong struct size, the shape a hostile
	// caller could provision through a different interface.
	key.mu.Lock()
	key.payload.Wipe()
	key.payload = &secretBuffer{data: make([]byte, keyPayloadSize-1)}
	key.mu.Unlock()

	var lim logLimiter
	_, _, lookupErr := findAndLockProcessKey(kr, KeyDescriptionPrefix, descriptor, 1, noopLogger{}, &lim)
	if !errors.Is(lookupErr, ErrNoKey) {
		t.Fatalf("invalid payload lookup = %v, want ErrNoKey", lookupErr)
	}
	if !key.mu.TryLock() {
		t.Fatal("key lock leaked by failed lookup")
	}
	key.mu.Unlock()
}

func TestKeyring_Revoke(t *testing.T) {
	kr := NewKeyring()
	descriptor := testDescriptor(0x24)
	description := KeyDescription(KeyDescriptionPrefix, descriptor)
	if _, err := kr.AddKey(description, make([]byte, 64)); err != nil {
		t.Fatalf("AddKey failed: %v", err)
	}

	if !kr.RevokeKey(description) {
		t.Fatal("RevokeKey returned false for a provisioned key")
	}
	if kr.RevokeKey(description) {
		t.Error("RevokeKey returned true for an absent key")
	}

	var lim logLimiter
	if _, _, err := findAndLockProcessKey(kr, KeyDescriptionPrefix, descriptor, 1, noopLogger{}, &lim); !errors.Is(err, ErrNoKey) {
		t.Errorf("lookup after revoke = %v, want ErrNoKey", err)
	}
}

func TestKeyring_ReplaceWipesOldKey(t *testing.T) {
	kr := NewKeyring()
	first, err := kr.AddKey("k", bytes.Repeat([]byte{1}, 16))
	if err != nil {
		t.Fatalf("AddKey failed: %v", err)
	}
	if _, err := kr.AddKey("k", bytes.Repeat([]byte{2}, 16)); err != nil {
		t.Fatalf("AddKey (replace) failed: %v", err)
	}

	first.mu.RLock()
	defer first.mu.RUnlock()
	if first.payloadLocked() != nil {
		t.Error("replaced key still holds a payload")
	}
}

func TestLogLimiter(t *testing.T) {
	var lim logLimiter
	allowed := 0
	for i := 0; i < warnBurst*3; i++ {
		if lim.allow() {
			allowed++
		}
	}
	if allowed != warnBurst {
		t.Errorf("limiter allowed %d messages in one window, want %d", allowed, warnBurst)
	}
}
