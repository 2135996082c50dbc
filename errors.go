package inodekey

import (
	"errors"
	"fmt"
)

// Common sentinel errors. Callers match against these with errors.Is; the
// structured error types below wrap them with detail.
var (
	// ErrNoKey means the master secret is absent from the keyring, revoked,
	// or too short for the selected mode. Recoverable: the inode simply
	// stays unreadable until the key is provisioned.
	ErrNoKey = errors.New("no usable encryption key")

	// ErrInvalidPolicy means the on-disk policy context is malformed,
	// carries an unknown format version, or sets unrecognized flag bits.
	ErrInvalidPolicy = errors.New("invalid encryption policy")

	// ErrInvalidMode means the policy names an unsupported encryption mode
	// or a disallowed mode combination, or the required hardware capability
	// is missing.
	ErrInvalidMode = errors.New("invalid encryption mode")

	// ErrAllocation means a secret buffer could not be allocated or locked.
	ErrAllocation = errors.New("allocation failure")

	// ErrCryptoSetup means the underlying cipher library rejected the key
	// or the algorithm is not available.
	ErrCryptoSetup = errors.New("crypto setup failure")

	// ErrKeyNotLoaded means an operation that requires an installed crypto
	// context was called before a successful LoadKey.
	ErrKeyNotLoaded = errors.New("encryption key not loaded")
)

// PolicyError describes why a policy context failed validation.
type PolicyError struct {
	Field   string // the context field that failed validation
	Value   any    // the offending value
	Message string
}

func (e *PolicyError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid policy: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid policy: %s", e.Message)
}

func (e *PolicyError) Unwrap() error {
	return ErrInvalidPolicy
}

// ModeError describes a rejected encryption mode selection.
type ModeError struct {
	Contents  ModeID
	Filenames ModeID
	Message   string
}

func (e *ModeError) Error() string {
	return fmt.Sprintf("invalid mode (contents %d, filenames %d): %s",
		e.Contents, e.Filenames, e.Message)
}

func (e *ModeError) Unwrap() error {
	return ErrInvalidMode
}

// KeyLookupError describes a failed keyring lookup. It always unwraps to
// ErrNoKey so the orchestrator's not-an-error translation applies.
type KeyLookupError struct {
	Description string // the keyring description that was searched
	Message     string
}

func (e *KeyLookupError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("key lookup %q: %s", e.Description, e.Message)
	}
	return fmt.Sprintf("key lookup: %s", e.Message)
}

func (e *KeyLookupError) Unwrap() error {
	return ErrNoKey
}

// SetupError describes a cipher transform that could not be constructed.
type SetupError struct {
	Algorithm string
	Message   string
	Err       error // underlying library error, if any
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup %s: %s", e.Algorithm, e.Message)
}

func (e *SetupError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrCryptoSetup
}

// Is reports ErrCryptoSetup even when an underlying error is chained.
func (e *SetupError) Is(target error) bool {
	return target == ErrCryptoSetup
}

// Error checking helpers.

// IsNoKey reports whether err means the master secret was not usable.
func IsNoKey(err error) bool {
	return errors.Is(err, ErrNoKey)
}

// IsInvalidPolicy reports whether err stems from a malformed policy context.
func IsInvalidPolicy(err error) bool {
	return errors.Is(err, ErrInvalidPolicy)
}

// IsInvalidMode reports whether err stems from an unsupported mode selection.
func IsInvalidMode(err error) bool {
	return errors.Is(err, ErrInvalidMode)
}
