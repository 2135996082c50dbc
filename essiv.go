package inodekey

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"hash"
	"sync/atomic"
)

// IVTransform is the secondary cipher used by modes that derive their
// initialization vectors (ESSIV). It is keyed with a hash of the working
// key, so IVs are unpredictable without depending on file contents. Using a
// 256-bit digest as the key means IV generation runs AES-256 even when file
// contents use AES-128.
type IVTransform struct {
	block cipher.Block
}

// Derive computes the IV for one block: dst = E_salt(src), where src is the
// 16-byte encoding of the block position.
func (t *IVTransform) Derive(dst, src []byte) error {
	if len(src) != aes.BlockSize || len(dst) != aes.BlockSize {
		return fmt.Errorf("iv derivation operates on %d-byte blocks", aes.BlockSize)
	}
	t.block.Encrypt(dst, src)
	return nil
}

// hashTransform is a named hash capability resolved from the registry
// below, mirroring how cipher transforms are obtained by algorithm name.
type hashTransform struct {
	name string
	new  func() hash.Hash
}

var hashAlgorithms = map[string]func() hash.Hash{
	"sha256": sha256.New,
}

func newHashTransform(name string) (*hashTransform, error) {
	ctor := hashAlgorithms[name]
	if ctor == nil {
		return nil, &SetupError{Algorithm: name, Message: "no implementation available"}
	}
	return &hashTransform{name: name, new: ctor}, nil
}

func (t *hashTransform) digest(b []byte) []byte {
	h := t.new()
	h.Write(b)
	return h.Sum(nil)
}

// essivHashTfm is the shared salt-hash transform, allocated on first use.
// Concurrent initializers may race; the loser's allocation is simply
// discarded, so no blocking lock is needed.
var essivHashTfm atomic.Pointer[hashTransform]

func essivSalt(key []byte) ([]byte, error) {
	tfm := essivHashTfm.Load()
	if tfm == nil {
		t, err := newHashTransform("sha256")
		if err != nil {
			return nil, err
		}
		essivHashTfm.CompareAndSwap(nil, t)
		tfm = essivHashTfm.Load()
	}
	return tfm.digest(key), nil
}

// newIVTransform builds the ESSIV generator for a working key: an AES
// cipher keyed with the SHA-256 digest of the key.
func newIVTransform(rawKey []byte) (*IVTransform, error) {
	salt, err := essivSalt(rawKey)
	if err != nil {
		return nil, err
	}
	defer wipe(salt)

	block, err := aes.NewCipher(salt)
	if err != nil {
		return nil, &SetupError{Algorithm: "essiv(aes)", Message: "keying failed", Err: err}
	}
	return &IVTransform{block: block}, nil
}
