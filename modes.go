package inodekey

import (
	"sync/atomic"
)

// ModeID identifies an encryption mode in the on-disk policy context.
type ModeID uint8

const (
	// ModeInvalid is the zero mode id; no registry entry exists for it.
	ModeInvalid ModeID = 0
	// ModeAES256XTS encrypts file contents with AES-256 in XTS mode.
	ModeAES256XTS ModeID = 1
	// ModeAES256CTS encrypts filenames with AES-256-CBC with ciphertext
	// stealing.
	ModeAES256CTS ModeID = 4
	// ModeAES128CBC encrypts file contents with AES-128-CBC and ESSIV.
	ModeAES128CBC ModeID = 5
	// ModeAES128CTS encrypts filenames with AES-128-CBC with ciphertext
	// stealing.
	ModeAES128CTS ModeID = 6
	// ModeAdiantum encrypts contents and filenames with Adiantum.
	ModeAdiantum ModeID = 9
	// ModeInlineCrypt hands the key to inline storage hardware; contents
	// are encrypted by the controller, not in software.
	ModeInlineCrypt ModeID = 127
)

// Cipher algorithm identifiers understood by allocateTransform.
const (
	algAESXTS    = "xts(aes)"
	algAESCTSCBC = "cts(cbc(aes))"
	algAESCBC    = "cbc(aes)"
	algAdiantum  = "adiantum"
)

// CipherMode is a registry entry describing one encryption mode. Entries are
// statically allocated and immutable after process start, except for the
// one-shot implementation-logged flag.
type CipherMode struct {
	// Name is the human-readable mode name used in logs and errors.
	Name string
	// Algorithm names the cipher construction to key.
	Algorithm string
	// KeySize is the working key size in bytes.
	KeySize int
	// IVSize is the initialization vector size in bytes.
	IVSize int
	// NeedsIVDerivation marks modes whose IVs come from a secondary
	// transform keyed by a hash of the working key (ESSIV).
	NeedsIVDerivation bool
	// InlineHardware marks modes consumed by an inline storage controller
	// rather than a software transform.
	InlineHardware bool

	// loggedImpl guards the once-per-process log line naming the cipher
	// implementation backing this mode. Raced writes are harmless.
	loggedImpl atomic.Bool
}

// availableModes is the process-wide mode registry, indexed by ModeID.
var availableModes = map[ModeID]*CipherMode{
	ModeAES256XTS: {
		Name:      "AES-256-XTS",
		Algorithm: algAESXTS,
		KeySize:   64,
		IVSize:    16,
	},
	ModeAES256CTS: {
		Name:      "AES-256-CTS-CBC",
		Algorithm: algAESCTSCBC,
		KeySize:   32,
		IVSize:    16,
	},
	ModeAES128CBC: {
		Name:              "AES-128-CBC",
		Algorithm:         algAESCBC,
		KeySize:           16,
		IVSize:            16,
		NeedsIVDerivation: true,
	},
	ModeAES128CTS: {
		Name:      "AES-128-CTS-CBC",
		Algorithm: algAESCTSCBC,
		KeySize:   16,
		IVSize:    16,
	},
	ModeAdiantum: {
		Name:      "Adiantum",
		Algorithm: algAdiantum,
		KeySize:   32,
		IVSize:    32,
	},
	ModeInlineCrypt: {
		Name:           "inline",
		Algorithm:      algAESXTS,
		KeySize:        64,
		IVSize:         16,
		InlineHardware: true,
	},
}

// lookupMode returns the registry entry for id, or nil if unknown.
func lookupMode(id ModeID) *CipherMode {
	return availableModes[id]
}

// validModePair reports whether the (contents, filenames) combination is on
// the allow-list of cryptographically sound pairings. Arbitrary combinations
// of individually known modes are rejected.
func validModePair(contents, filenames ModeID) bool {
	switch contents {
	case ModeAES256XTS, ModeInlineCrypt:
		return filenames == ModeAES256CTS
	case ModeAES128CBC:
		return filenames == ModeAES128CTS
	case ModeAdiantum:
		return filenames == ModeAdiantum
	default:
		return false
	}
}

// selectMode picks the registry entry governing node: regular files use the
// contents mode, directories and symlinks the filenames mode. Any other file
// type is a caller contract violation. inlineOK reports whether the
// underlying device can take the inline hardware path.
func selectMode(contents, filenames ModeID, node *Node, inlineOK bool, log Logger) (*CipherMode, error) {
	if !validModePair(contents, filenames) {
		log.Warn("unsupported encryption mode combination",
			"ino", node.Ino, "contents", contents, "filenames", filenames)
		return nil, &ModeError{
			Contents:  contents,
			Filenames: filenames,
			Message:   "unsupported mode combination",
		}
	}

	switch {
	case node.FileMode.IsRegular():
		mode := lookupMode(contents)
		if mode == nil {
			return nil, &ModeError{
				Contents:  contents,
				Filenames: filenames,
				Message:   "unknown contents mode",
			}
		}
		if mode.InlineHardware && !inlineOK {
			log.Warn("inline encryption support not available", "ino", node.Ino)
			return nil, &ModeError{
				Contents:  contents,
				Filenames: filenames,
				Message:   "inline encryption hardware not available",
			}
		}
		return mode, nil

	case node.FileMode.IsDir(), node.isSymlink():
		mode := lookupMode(filenames)
		if mode == nil {
			return nil, &ModeError{
				Contents:  contents,
				Filenames: filenames,
				Message:   "unknown filenames mode",
			}
		}
		return mode, nil
	}

	// Only regular files, directories, and symlinks are encryptable; the
	// filesystem must not ask for key material for anything else.
	log.Error("key load requested for non-encryptable file type",
		"ino", node.Ino, "filemode", node.FileMode.String())
	return nil, &ModeError{
		Contents:  contents,
		Filenames: filenames,
		Message:   "file type is not encryptable",
	}
}
