// Package inodekey manages per-inode encryption keys for a filesystem
// encryption layer built on the AbsFs ecosystem.
//
// # Overview
//
// Given an encrypted file, directory, or symlink, inodekey resolves the
// on-disk encryption policy describing how that inode is protected, locates
// the master secret in the calling process's keyring, derives the inode's
// working key, and keeps cipher transforms ready for the data path. The
// surrounding filesystem stores the raw policy bytes and calls into this
// package when an inode is opened; block I/O and the actual encryption of
// file contents are handled elsewhere.
//
// # Key Derivation
//
// Three mutually exclusive derivation paths are supported, selected by the
// policy flags and the encryption mode:
//
//   - Direct key: the working key is the master secret itself. Transforms
//     are shared between all inodes referencing the same secret through a
//     process-wide reference-counted cache.
//   - Inline hardware: the master secret is handed to the storage
//     controller together with the per-inode nonce; no software transform
//     is built.
//   - Software derivation (default): the working key is the master secret
//     encrypted with AES-ECB using the inode's 16-byte nonce as the AES
//     key, truncated to the mode's key size. Every inode gets a distinct
//     working key from one master secret.
//
// # Basic Usage
//
//	base, _ := memfs.NewFS()
//	store, _ := inodekey.NewContextStore(base, "/meta")
//	keyring := inodekey.NewKeyring()
//	keyring.AddKey(inodekey.KeyDescription(inodekey.KeyDescriptionPrefix, desc), master)
//
//	mgr, err := inodekey.New(store, &inodekey.Config{Keyring: keyring})
//	if err != nil {
//	    panic(err)
//	}
//
//	node := &inodekey.Node{Ino: 7, FileMode: 0, Encrypted: true}
//	if err := mgr.LoadKey(node); err != nil {
//	    panic(err)
//	}
//	defer mgr.ReleaseKey(node)
//
// # Security Considerations
//
// Protected against:
//   - Timing side channels during master-key cache lookups (raw keys are
//     compared in constant time)
//   - Secret material lingering in memory (buffers are zeroed on every
//     exit path and locked against swapping with mlock when permitted)
//
// Not protected against:
//   - Memory dumps of the running process
//   - Compromised callers that hold a derived key after release
//   - Metadata leakage (inode numbers, policy descriptors)
//
// # Concurrency
//
// Any number of goroutines may race to load the key for the same inode.
// Exactly one derived context wins an atomic install; the losers' contexts
// are fully torn down, transforms freed and key copies zeroed. Reads of the
// installed context are acquire-ordered loads matching the installer's
// release-ordered store.
package inodekey
