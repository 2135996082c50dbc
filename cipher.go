package inodekey

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/xts"
	"lukechampine.com/adiantum"
	"lukechampine.com/adiantum/hbsh"
)

// Transform is a keyed cipher object ready for the data path. Encrypt and
// Decrypt operate on whole messages with an explicit IV; implementations are
// stateless after construction and safe for concurrent use.
type Transform interface {
	// Algorithm returns the algorithm identifier the transform was
	// allocated for.
	Algorithm() string

	// Encrypt encrypts src into dst using iv. dst and src must have equal
	// length and may overlap exactly.
	Encrypt(dst, src, iv []byte) error

	// Decrypt inverts Encrypt.
	Decrypt(dst, src, iv []byte) error
}

// allocateTransform constructs and keys a cipher transform for the given
// mode. The implementation backing each mode is logged once per process to
// help diagnose performance differences; racing writers of the one-shot
// flag are harmless.
func allocateTransform(mode *CipherMode, rawKey []byte, log Logger) (Transform, error) {
	if len(rawKey) != mode.KeySize {
		return nil, &SetupError{
			Algorithm: mode.Algorithm,
			Message:   fmt.Sprintf("key must be %d bytes, got %d", mode.KeySize, len(rawKey)),
		}
	}

	var (
		tfm  Transform
		impl string
		err  error
	)
	switch mode.Algorithm {
	case algAESXTS:
		tfm, err = newXTSTransform(rawKey)
		impl = "golang.org/x/crypto/xts"
	case algAESCBC:
		tfm, err = newCBCTransform(rawKey, false)
		impl = "crypto/aes cbc"
	case algAESCTSCBC:
		tfm, err = newCBCTransform(rawKey, true)
		impl = "crypto/aes cbc-cts"
	case algAdiantum:
		tfm, err = newAdiantumTransform(rawKey)
		impl = "lukechampine.com/adiantum"
	default:
		return nil, &SetupError{Algorithm: mode.Algorithm, Message: "no implementation available"}
	}
	if err != nil {
		return nil, err
	}

	if !mode.loggedImpl.Swap(true) {
		log.Info("cipher implementation selected", "mode", mode.Name, "implementation", impl)
	}
	return tfm, nil
}

// xtsTransform backs the AES-XTS modes. The first 8 bytes of the IV carry
// the little-endian sector number.
type xtsTransform struct {
	c *xts.Cipher
}

func newXTSTransform(key []byte) (Transform, error) {
	c, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		return nil, &SetupError{Algorithm: algAESXTS, Message: "keying failed", Err: err}
	}
	return &xtsTransform{c: c}, nil
}

func (t *xtsTransform) Algorithm() string { return algAESXTS }

func (t *xtsTransform) Encrypt(dst, src, iv []byte) error {
	if len(iv) < 8 {
		return fmt.Errorf("xts iv must carry an 8-byte sector number")
	}
	if len(src)%aes.BlockSize != 0 {
		return fmt.Errorf("xts message length %d is not a multiple of the block size", len(src))
	}
	t.c.Encrypt(dst, src, binary.LittleEndian.Uint64(iv))
	return nil
}

func (t *xtsTransform) Decrypt(dst, src, iv []byte) error {
	if len(iv) < 8 {
		return fmt.Errorf("xts iv must carry an 8-byte sector number")
	}
	if len(src)%aes.BlockSize != 0 {
		return fmt.Errorf("xts message length %d is not a multiple of the block size", len(src))
	}
	t.c.Decrypt(dst, src, binary.LittleEndian.Uint64(iv))
	return nil
}

// cbcTransform backs the CBC modes, with optional ciphertext stealing for
// filename encryption of arbitrary-length names (CBC-CS3: the last two
// ciphertext blocks are unconditionally swapped).
type cbcTransform struct {
	block cipher.Block
	alg   string
	cts   bool
}

func newCBCTransform(key []byte, cts bool) (Transform, error) {
	alg := algAESCBC
	if cts {
		alg = algAESCTSCBC
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &SetupError{Algorithm: alg, Message: "keying failed", Err: err}
	}
	return &cbcTransform{block: block, alg: alg, cts: cts}, nil
}

func (t *cbcTransform) Algorithm() string { return t.alg }

func (t *cbcTransform) Encrypt(dst, src, iv []byte) error {
	if len(iv) != aes.BlockSize {
		return fmt.Errorf("cbc iv must be %d bytes", aes.BlockSize)
	}
	if len(dst) != len(src) {
		return fmt.Errorf("cbc dst and src lengths differ")
	}
	if !t.cts {
		if len(src)%aes.BlockSize != 0 {
			return fmt.Errorf("cbc message length %d is not a multiple of the block size", len(src))
		}
		cipher.NewCBCEncrypter(t.block, iv).CryptBlocks(dst, src)
		return nil
	}
	return t.encryptCTS(dst, src, iv)
}

func (t *cbcTransform) Decrypt(dst, src, iv []byte) error {
	if len(iv) != aes.BlockSize {
		return fmt.Errorf("cbc iv must be %d bytes", aes.BlockSize)
	}
	if len(dst) != len(src) {
		return fmt.Errorf("cbc dst and src lengths differ")
	}
	if !t.cts {
		if len(src)%aes.BlockSize != 0 {
			return fmt.Errorf("cbc message length %d is not a multiple of the block size", len(src))
		}
		cipher.NewCBCDecrypter(t.block, iv).CryptBlocks(dst, src)
		return nil
	}
	return t.decryptCTS(dst, src, iv)
}

func (t *cbcTransform) encryptCTS(dst, src, iv []byte) error {
	n := len(src)
	if n < aes.BlockSize {
		return fmt.Errorf("cts message must be at least one block, got %d bytes", n)
	}
	if n == aes.BlockSize {
		cipher.NewCBCEncrypter(t.block, iv).CryptBlocks(dst, src)
		return nil
	}

	rem := n % aes.BlockSize
	if rem == 0 {
		cipher.NewCBCEncrypter(t.block, iv).CryptBlocks(dst, src)
		// Swap the last two blocks.
		var tmp [aes.BlockSize]byte
		last := n - aes.BlockSize
		copy(tmp[:], dst[last:])
		copy(dst[last:], dst[last-aes.BlockSize:last])
		copy(dst[last-aes.BlockSize:last], tmp[:])
		return nil
	}

	full := n - rem
	enc := cipher.NewCBCEncrypter(t.block, iv)
	enc.CryptBlocks(dst[:full], src[:full])

	// Cn = E(Cn-1 XOR zero-padded Pn); output swaps Cn in before the
	// truncated Cn-1.
	var pad, cn [aes.BlockSize]byte
	copy(pad[:], src[full:])
	prev := dst[full-aes.BlockSize : full]
	for i := range pad {
		pad[i] ^= prev[i]
	}
	t.block.Encrypt(cn[:], pad[:])

	copy(dst[full:], prev[:rem])
	copy(dst[full-aes.BlockSize:full], cn[:])
	wipe(pad[:])
	return nil
}

func (t *cbcTransform) decryptCTS(dst, src, iv []byte) error {
	n := len(src)
	if n < aes.BlockSize {
		return fmt.Errorf("cts message must be at least one block, got %d bytes", n)
	}
	if n == aes.BlockSize {
		cipher.NewCBCDecrypter(t.block, iv).CryptBlocks(dst, src)
		return nil
	}

	rem := n % aes.BlockSize
	if rem == 0 {
		// Undo the block swap, then plain CBC.
		buf := make([]byte, n)
		copy(buf, src)
		var tmp [aes.BlockSize]byte
		last := n - aes.BlockSize
		copy(tmp[:], buf[last:])
		copy(buf[last:], buf[last-aes.BlockSize:last])
		copy(buf[last-aes.BlockSize:last], tmp[:])
		cipher.NewCBCDecrypter(t.block, iv).CryptBlocks(dst, buf)
		wipe(buf)
		return nil
	}

	full := n - rem
	head := full - aes.BlockSize // bytes before the swapped pair

	// The wire layout is C1..Ck-2, Cn, Cn-1[:rem]. Recover Cn-1 from the
	// decryption of Cn, then run plain CBC over the reordered blocks.
	var dn, cprev [aes.BlockSize]byte
	t.block.Decrypt(dn[:], src[head:head+aes.BlockSize])
	copy(cprev[:], src[full:])
	copy(cprev[rem:], dn[rem:])

	buf := make([]byte, full)
	copy(buf, src[:head])
	copy(buf[head:], cprev[:])
	cipher.NewCBCDecrypter(t.block, iv).CryptBlocks(dst[:full], buf)

	for i := 0; i < rem; i++ {
		dst[full+i] = dn[i] ^ cprev[i]
	}

	// The reconstructed Cn-1 and the final CBC pass place Pn-1 at
	// dst[head:full]; dn still holds decrypted key-dependent state.
	wipe(dn[:])
	wipe(buf)
	return nil
}

// adiantumTransform backs the Adiantum mode. The full 32-byte IV is the
// tweak.
type adiantumTransform struct {
	c *hbsh.HBSH
}

func newAdiantumTransform(key []byte) (Transform, error) {
	if len(key) != 32 {
		return nil, &SetupError{
			Algorithm: algAdiantum,
			Message:   fmt.Sprintf("key must be 32 bytes, got %d", len(key)),
		}
	}
	return &adiantumTransform{c: adiantum.New(key)}, nil
}

func (t *adiantumTransform) Algorithm() string { return algAdiantum }

func (t *adiantumTransform) Encrypt(dst, src, iv []byte) error {
	out := t.c.Encrypt(src, iv)
	copy(dst, out)
	return nil
}

func (t *adiantumTransform) Decrypt(dst, src, iv []byte) error {
	out := t.c.Decrypt(src, iv)
	copy(dst, out)
	return nil
}
