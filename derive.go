package inodekey

import (
	"crypto/aes"
	"errors"
	"fmt"
)

// deriveKeyAES fills out with the inode's working key: the master key
// encrypted with AES-ECB using the per-inode nonce as the AES key. The
// master key must be at least as long as out; when it is longer, only the
// leading len(out) bytes are used. Deterministic: the same (master, nonce)
// pair always yields the same working key.
func deriveKeyAES(master []byte, nonce [NonceSize]byte, out []byte) error {
	if len(out)%aes.BlockSize != 0 {
		return &SetupError{
			Algorithm: "ecb(aes)",
			Message:   fmt.Sprintf("derived key size %d is not a multiple of the block size", len(out)),
		}
	}
	if len(master) < len(out) {
		return &SetupError{
			Algorithm: "ecb(aes)",
			Message:   fmt.Sprintf("master key is %d bytes, need %d", len(master), len(out)),
		}
	}

	block, err := aes.NewCipher(nonce[:])
	if err != nil {
		return &SetupError{Algorithm: "ecb(aes)", Message: "keying failed", Err: err}
	}
	for i := 0; i < len(out); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], master[i:i+aes.BlockSize])
	}
	return nil
}

// findAndDeriveKey locates the master secret for ctx and produces the
// inode's working key into out (sized mode.KeySize). The path taken depends
// on the policy flags and mode:
//
//   - direct key: out is the secret's leading KeySize bytes, provided the
//     mode's IV is wide enough to disambiguate inodes and the contents and
//     filenames modes match;
//   - inline hardware: out is likewise the raw secret, which the controller
//     consumes together with the nonce;
//   - otherwise: AES-ECB derivation via deriveKeyAES.
//
// The secret is borrowed under its read lock only for the duration of this
// call.
func (m *Manager) findAndDeriveKey(ctx *PolicyContext, mode *CipherMode, out []byte) error {
	key, raw, err := findAndLockProcessKey(m.keyring, KeyDescriptionPrefix,
		ctx.Descriptor, mode.KeySize, m.logger, &m.limiter)
	if errors.Is(err, ErrNoKey) && m.keyPrefix != "" {
		key, raw, err = findAndLockProcessKey(m.keyring, m.keyPrefix,
			ctx.Descriptor, mode.KeySize, m.logger, &m.limiter)
	}
	if err != nil {
		return err
	}
	defer key.unlock()

	switch {
	case ctx.DirectKey():
		if mode.IVSize < directKeyIVSize {
			m.logger.Warn("direct key mode not allowed", "mode", mode.Name)
			return &PolicyError{
				Field:   "flags",
				Value:   ctx.Flags,
				Message: fmt.Sprintf("direct key mode not allowed with %s", mode.Name),
			}
		}
		if ctx.ContentsMode != ctx.FilenamesMode {
			m.logger.Warn("direct key mode requires matching contents and filenames modes",
				"contents", ctx.ContentsMode, "filenames", ctx.FilenamesMode)
			return &PolicyError{
				Field:   "flags",
				Value:   ctx.Flags,
				Message: "direct key mode not allowed with different contents and filenames modes",
			}
		}
		copy(out, raw[:mode.KeySize])
		return nil

	case mode.InlineHardware:
		copy(out, raw[:mode.KeySize])
		return nil

	default:
		return deriveKeyAES(raw, ctx.Nonce, out)
	}
}

// masterKeyBytes copies out the located master secret itself (the key the
// descriptor names, not a derived key). Used by callers that re-wrap key
// material through an external channel. The returned buffer is owned by the
// caller, who must wipe it.
func (m *Manager) masterKeyBytes(ctx *PolicyContext, minSize int) ([]byte, error) {
	key, raw, err := findAndLockProcessKey(m.keyring, KeyDescriptionPrefix,
		ctx.Descriptor, minSize, m.logger, &m.limiter)
	if errors.Is(err, ErrNoKey) && m.keyPrefix != "" {
		key, raw, err = findAndLockProcessKey(m.keyring, m.keyPrefix,
			ctx.Descriptor, minSize, m.logger, &m.limiter)
	}
	if err != nil {
		return nil, err
	}
	defer key.unlock()

	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}
