package inodekey

import (
	"os"
	"sync/atomic"
)

// CryptoInfo is the per-inode crypto context: the selected mode, the cipher
// transform (owned outright or borrowed from the master-key cache), the
// optional IV-derivation transform, and the policy identity the context was
// derived under. It is created at most once per inode lifetime and installed
// with an atomic set-if-absent; see Manager.LoadKey.
type CryptoInfo struct {
	flags         uint8
	contentsMode  ModeID
	filenamesMode ModeID
	mode          *CipherMode
	tfm           Transform
	ivTfm         *IVTransform
	masterKey     *masterKeyEntry // non-nil when tfm is shared
	rawKey        []byte          // retained only for inline hardware modes
	descriptor    [DescriptorSize]byte
	nonce         [NonceSize]byte
}

// Mode returns the registry entry governing this inode.
func (ci *CryptoInfo) Mode() *CipherMode { return ci.mode }

// Transform returns the keyed cipher transform, or nil for inline hardware
// modes.
func (ci *CryptoInfo) Transform() Transform { return ci.tfm }

// IVTransform returns the ESSIV generator, or nil when the mode does not
// derive IVs.
func (ci *CryptoInfo) IVTransform() *IVTransform { return ci.ivTfm }

// Flags returns the policy flag bits the context was derived under.
func (ci *CryptoInfo) Flags() uint8 { return ci.flags }

// Descriptor returns the master key descriptor.
func (ci *CryptoInfo) Descriptor() [DescriptorSize]byte { return ci.descriptor }

// Nonce returns the per-inode nonce.
func (ci *CryptoInfo) Nonce() [NonceSize]byte { return ci.nonce }

// RawKey returns the working key held for inline hardware modes, for the
// filesystem to program into the controller. Nil for software modes, which
// never retain the working key.
func (ci *CryptoInfo) RawKey() []byte { return ci.rawKey }

// DirectKey reports whether the context shares its transform through the
// master-key cache.
func (ci *CryptoInfo) DirectKey() bool { return ci.flags&PolicyFlagDirectKey != 0 }

// release tears the context down: shared transforms go back through the
// master-key cache's refcounted release, owned ones are dropped, and any
// retained key bytes are zeroed. Safe on partially built contexts.
func (ci *CryptoInfo) release() {
	if ci == nil {
		return
	}
	if ci.masterKey != nil {
		putMasterKey(ci.masterKey)
		ci.masterKey = nil
	}
	ci.tfm = nil
	ci.ivTfm = nil
	if ci.rawKey != nil {
		wipe(ci.rawKey)
		ci.rawKey = nil
	}
}

// Node is the per-inode state this package attaches crypto contexts to.
// Filesystems embed a Node in their inode representation and hand it to the
// Manager. The exported fields identify the inode and are set by the
// filesystem before first use; they must not change afterwards.
type Node struct {
	// Ino is the inode number, used in diagnostics.
	Ino uint64
	// FileMode carries the file type bits (regular, directory, symlink).
	FileMode os.FileMode
	// Encrypted marks inodes that are flagged encrypted on disk. An inode
	// without the flag may fall back to a synthesized placeholder policy
	// when the filesystem opts in.
	Encrypted bool

	info atomic.Pointer[CryptoInfo]
	link atomic.Pointer[string]
}

func (n *Node) isSymlink() bool {
	return n.FileMode&os.ModeSymlink != 0
}

// Info returns the installed crypto context, or nil when no key is loaded.
// The load is acquire-ordered, matching the installer's release-ordered
// store.
func (n *Node) Info() *CryptoInfo {
	return n.info.Load()
}

// HasKey reports whether a crypto context is installed.
func (n *Node) HasKey() bool {
	return n.info.Load() != nil
}

// SetCachedLink caches the decrypted symlink target for lock-free readers.
func (n *Node) SetCachedLink(target string) {
	n.link.Store(&target)
}

// CachedLink returns the cached decrypted symlink target, if any.
func (n *Node) CachedLink() (string, bool) {
	p := n.link.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}
