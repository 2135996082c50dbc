package inodekey

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/sys/unix"
)

// UseMlock determines whether secret buffers are locked in memory with the
// mlock/munlock syscalls to keep key material from being paged to disk.
// Defaults to true; set it to false if the process lacks the privilege to
// lock memory (RLIMIT_MEMLOCK).
var UseMlock = true

// secretBuffer owns a buffer of key material. Its Wipe method zeroes the
// buffer before releasing it, so every exit path that defers Wipe is
// guaranteed not to leave secret bytes behind. A secretBuffer is not safe
// for concurrent use.
type secretBuffer struct {
	data    []byte
	mlocked bool
}

// newSecretBuffer allocates an n-byte zeroed buffer for secret material,
// locked in memory when UseMlock is set.
func newSecretBuffer(n int) (*secretBuffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: invalid secret buffer length %d", ErrAllocation, n)
	}
	b := &secretBuffer{data: make([]byte, n)}
	if UseMlock {
		if err := unix.Mlock(b.data); err != nil {
			return nil, fmt.Errorf("%w: mlock of %d bytes: %v", ErrAllocation, n, err)
		}
		b.mlocked = true
	}
	return b, nil
}

// Bytes exposes the underlying buffer. The slice must not outlive the
// buffer's Wipe.
func (b *secretBuffer) Bytes() []byte {
	return b.data
}

// Wipe zeroes the buffer and unlocks it. Safe to call more than once.
func (b *secretBuffer) Wipe() {
	if b == nil || b.data == nil {
		return
	}
	wipe(b.data)
	if b.mlocked {
		unix.Munlock(b.data)
		b.mlocked = false
	}
	b.data = nil
}

// wipe zeroes b.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// keysEqual compares two raw keys in constant time.
func keysEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
