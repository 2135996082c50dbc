package inodekey

import (
	"crypto/rand"
	"fmt"
)

const (
	// PolicyVersion1 is the only supported policy context format version.
	PolicyVersion1 = uint8(1)

	// DescriptorSize is the size of a master key descriptor in bytes. The
	// descriptor identifies a secret in the keyring; it is never the secret
	// itself.
	DescriptorSize = 8

	// NonceSize is the size of the per-inode nonce in bytes. The nonce is
	// generated once at policy-creation time and is unique per inode.
	NonceSize = 16

	// PolicyContextSize is the serialized size of a policy context:
	// 1 (version) + 1 (contents mode) + 1 (filenames mode) + 1 (flags) +
	// DescriptorSize + NonceSize.
	PolicyContextSize = 4 + DescriptorSize + NonceSize

	// MaxKeySize is the largest master key payload accepted from the
	// keyring, matching the largest registry key size.
	MaxKeySize = 64
)

// Policy flag bits. Only the bits in policyFlagsValid are recognized; a
// context with any other bit set is rejected outright.
const (
	// PolicyFlagsPad4 through PolicyFlagsPad32 encode the filename padding
	// (two-bit field). They do not affect key derivation.
	PolicyFlagsPad4  = uint8(0x00)
	PolicyFlagsPad8  = uint8(0x01)
	PolicyFlagsPad16 = uint8(0x02)
	PolicyFlagsPad32 = uint8(0x03)
	policyFlagsPad   = uint8(0x03)

	// PolicyFlagDirectKey selects the direct-key derivation path: the
	// working key is the master secret verbatim and the cipher transform
	// is shared between inodes through the master-key cache.
	PolicyFlagDirectKey = uint8(0x04)

	policyFlagsValid = policyFlagsPad | PolicyFlagDirectKey
)

// directKeyIVSize is the minimum IV size for direct-key policies: the IV
// must carry an 8-byte block counter plus the full 16-byte nonce so inodes
// sharing one transform still encrypt distinctly.
const directKeyIVSize = 8 + NonceSize

// PolicyContext is the fixed-layout on-disk structure describing how one
// inode is encrypted. It is immutable once read for a given derivation and
// is supplied by the filesystem collaborator, not owned by this package.
type PolicyContext struct {
	Format        uint8
	ContentsMode  ModeID
	FilenamesMode ModeID
	Flags         uint8
	Descriptor    [DescriptorSize]byte
	Nonce         [NonceSize]byte
}

// NewPolicyContext builds a version-1 policy context with a fresh random
// nonce. Used by filesystems when a directory tree is first encrypted.
func NewPolicyContext(contents, filenames ModeID, flags uint8, descriptor [DescriptorSize]byte) (*PolicyContext, error) {
	ctx := &PolicyContext{
		Format:        PolicyVersion1,
		ContentsMode:  contents,
		FilenamesMode: filenames,
		Flags:         flags,
		Descriptor:    descriptor,
	}
	if err := ctx.Validate(); err != nil {
		return nil, err
	}
	if _, err := rand.Read(ctx.Nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return ctx, nil
}

// ParsePolicyContext decodes the fixed 28-byte on-disk layout. The returned
// context has been size- and shape-checked but not validated; callers that
// accept external input must also call Validate.
func ParsePolicyContext(b []byte) (*PolicyContext, error) {
	if len(b) != PolicyContextSize {
		return nil, &PolicyError{
			Field:   "context",
			Value:   len(b),
			Message: fmt.Sprintf("context must be %d bytes, got %d", PolicyContextSize, len(b)),
		}
	}
	ctx := &PolicyContext{
		Format:        b[0],
		ContentsMode:  ModeID(b[1]),
		FilenamesMode: ModeID(b[2]),
		Flags:         b[3],
	}
	copy(ctx.Descriptor[:], b[4:4+DescriptorSize])
	copy(ctx.Nonce[:], b[4+DescriptorSize:])
	return ctx, nil
}

// Marshal encodes the context into its fixed on-disk layout.
func (c *PolicyContext) Marshal() []byte {
	b := make([]byte, PolicyContextSize)
	b[0] = c.Format
	b[1] = uint8(c.ContentsMode)
	b[2] = uint8(c.FilenamesMode)
	b[3] = c.Flags
	copy(b[4:], c.Descriptor[:])
	copy(b[4+DescriptorSize:], c.Nonce[:])
	return b
}

// Validate checks the format version and flag bits. Unknown flag bits are a
// hard failure, never silently masked.
func (c *PolicyContext) Validate() error {
	if c.Format != PolicyVersion1 {
		return &PolicyError{
			Field:   "format",
			Value:   c.Format,
			Message: "unsupported context format version",
		}
	}
	if c.Flags&^policyFlagsValid != 0 {
		return &PolicyError{
			Field:   "flags",
			Value:   c.Flags,
			Message: "unrecognized policy flag bits",
		}
	}
	return nil
}

// DirectKey reports whether the direct-key derivation path is selected.
func (c *PolicyContext) DirectKey() bool {
	return c.Flags&PolicyFlagDirectKey != 0
}
