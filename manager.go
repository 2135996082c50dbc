package inodekey

import (
	"errors"
	"fmt"
)

// Filesystem is the collaborator that stores policy contexts. The bytes it
// returns are the fixed 28-byte on-disk layout; how they are persisted is
// opaque to this package (see ContextStore for an absfs-backed
// implementation).
//
// A Filesystem may additionally implement KeyPrefixer, InlineCapable, or
// DummyContexter to advertise optional capabilities.
type Filesystem interface {
	// PolicyContext returns the raw policy context bytes for node, or an
	// error if the inode has none.
	PolicyContext(node *Node) ([]byte, error)
}

// KeyPrefixer is implemented by filesystems with their own key-lookup
// namespace. The prefix is tried after the default one, and only when the
// default lookup found no key at all.
type KeyPrefixer interface {
	KeyPrefix() string
}

// InlineCapable is implemented by filesystems whose underlying device can
// take the inline hardware encryption path.
type InlineCapable interface {
	InlineCryptCapable() bool
}

// DummyContexter is implemented by filesystems that opt in to synthesizing
// a placeholder policy for legacy unencrypted directories that have no
// stored context.
type DummyContexter interface {
	DummyContextEnabled(node *Node) bool
}

// Config configures a Manager.
type Config struct {
	// Keyring holds the process's provisioned master keys. Required.
	Keyring *Keyring

	// Logger receives diagnostics. Defaults to a no-op logger.
	Logger Logger

	// Classified plugs in an auxiliary classification/key-wrapping scheme.
	// Nil means nothing is classified.
	Classified ClassifiedKeySource
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config cannot be nil")
	}
	if c.Keyring == nil {
		return errors.New("keyring cannot be nil")
	}
	return nil
}

// Manager derives and manages per-inode encryption keys for one filesystem.
type Manager struct {
	fs         Filesystem
	keyring    *Keyring
	logger     Logger
	classified ClassifiedKeySource
	keyPrefix  string
	limiter    logLimiter
}

// New creates a key manager for the given filesystem collaborator.
func New(fs Filesystem, config *Config) (*Manager, error) {
	if fs == nil {
		return nil, errors.New("filesystem cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	m := &Manager{
		fs:         fs,
		keyring:    config.Keyring,
		logger:     logger,
		classified: config.Classified,
	}
	if kp, ok := fs.(KeyPrefixer); ok {
		m.keyPrefix = kp.KeyPrefix()
	}
	return m, nil
}

func (m *Manager) inlineCapable() bool {
	if ic, ok := m.fs.(InlineCapable); ok {
		return ic.InlineCryptCapable()
	}
	return false
}

func (m *Manager) dummyEnabled(node *Node) bool {
	if dc, ok := m.fs.(DummyContexter); ok {
		return dc.DummyContextEnabled(node)
	}
	return false
}

// dummyContext fakes up a placeholder policy for an unencrypted legacy
// directory: version 1, the regular contents/filenames pairing, and a
// fixed descriptor pattern.
func (m *Manager) dummyContext(node *Node) *PolicyContext {
	ctx := &PolicyContext{
		Format:        PolicyVersion1,
		ContentsMode:  ModeAES256XTS,
		FilenamesMode: ModeAES256CTS,
	}
	if m.inlineCapable() {
		ctx.ContentsMode = ModeInlineCrypt
	}
	for i := range ctx.Descriptor {
		ctx.Descriptor[i] = 0x42
	}
	return ctx
}

// readPolicyContext fetches and validates node's policy. A missing context
// fails closed unless the filesystem allows placeholder synthesis and the
// inode is not flagged encrypted.
func (m *Manager) readPolicyContext(node *Node, allowDummy bool) (*PolicyContext, error) {
	raw, err := m.fs.PolicyContext(node)
	if err != nil {
		if allowDummy && m.dummyEnabled(node) && !node.Encrypted {
			return m.dummyContext(node), nil
		}
		return nil, err
	}
	ctx, err := ParsePolicyContext(raw)
	if err != nil {
		return nil, err
	}
	if err := ctx.Validate(); err != nil {
		return nil, err
	}
	return ctx, nil
}

// LoadKey resolves node's encryption policy, derives its working key, and
// installs a crypto context on the node. Idempotent: returns nil if a
// context is already installed. Any number of callers may race on the same
// node; exactly one context wins the atomic install and all others are torn
// down with their key copies zeroed.
//
// A missing or too-short master key is not an error: the node is left
// without a context and nil is returned. I/O attempted against such a node
// fails separately when no key is present.
func (m *Manager) LoadKey(node *Node) error {
	if node.info.Load() != nil {
		return nil
	}

	ctx, err := m.readPolicyContext(node, true)
	if err != nil {
		return err
	}

	ci := &CryptoInfo{
		flags:         ctx.Flags,
		contentsMode:  ctx.ContentsMode,
		filenamesMode: ctx.FilenamesMode,
		descriptor:    ctx.Descriptor,
		nonce:         ctx.Nonce,
	}

	mode, err := selectMode(ctx.ContentsMode, ctx.FilenamesMode, node, m.inlineCapable(), m.logger)
	if err != nil {
		return m.finishLoad(ci, nil, err)
	}
	ci.mode = mode

	rawKey, err := newSecretBuffer(mode.KeySize)
	if err != nil {
		return m.finishLoad(ci, nil, err)
	}

	if classified(m.classified, node, ctx) {
		if err := m.classified.DeriveWrappedKey(node, ctx, rawKey.Bytes()); err != nil {
			if m.classified.IsSensitive(node, ctx) {
				if a, ok := m.classified.(FailureAuditor); ok {
					a.AuditDecryptFailure(node, err)
				}
			}
			return m.finishLoad(ci, rawKey, err)
		}
	} else if err := m.findAndDeriveKey(ctx, mode, rawKey.Bytes()); err != nil {
		return m.finishLoad(ci, rawKey, err)
	}

	if mode.InlineHardware {
		// The controller consumes the raw key and nonce directly; no
		// software transform is built.
		ci.rawKey = make([]byte, mode.KeySize)
		copy(ci.rawKey, rawKey.Bytes())
	} else if err := m.setupTransforms(ci, mode, rawKey.Bytes()); err != nil {
		return m.finishLoad(ci, rawKey, err)
	}

	if node.info.CompareAndSwap(nil, ci) {
		// Installed: ownership moved to the node.
		ci = nil
	}
	return m.finishLoad(ci, rawKey, nil)
}

// finishLoad is the single exit path of LoadKey: it tears down a context
// that was not installed (either a failure or the loser of an install
// race), wipes the local key buffer, and applies the NoKey-to-success
// translation.
func (m *Manager) finishLoad(ci *CryptoInfo, rawKey *secretBuffer, err error) error {
	if errors.Is(err, ErrNoKey) {
		err = nil
	}
	ci.release()
	rawKey.Wipe()
	return err
}

// setupTransforms builds the context's cipher transform object(s) from the
// working key (for direct-key policies, the master key).
func (m *Manager) setupTransforms(ci *CryptoInfo, mode *CipherMode, rawKey []byte) error {
	if ci.DirectKey() {
		mk, err := getMasterKey(ci.descriptor, mode, rawKey, m.logger)
		if err != nil {
			return err
		}
		ci.masterKey = mk
		ci.tfm = mk.tfm
	} else {
		tfm, err := allocateTransform(mode, rawKey, m.logger)
		if err != nil {
			return err
		}
		ci.tfm = tfm
	}

	if mode.NeedsIVDerivation {
		// IV derivation implies 16-byte IVs, which rules direct-key
		// policies out before we get here.
		ivTfm, err := newIVTransform(rawKey)
		if err != nil {
			m.logger.Warn("error initializing IV generator", "mode", mode.Name, "error", err)
			return err
		}
		ci.ivTfm = ivTfm
	}
	return nil
}

// HasKey reports whether node has a crypto context installed.
func (m *Manager) HasKey(node *Node) bool {
	return node.HasKey()
}

// ReleaseKey tears down node's crypto context. Filesystems must call this
// when the inode is evicted, before the Node is reused or freed.
func (m *Manager) ReleaseKey(node *Node) {
	ci := node.info.Swap(nil)
	ci.release()
}

// ReleaseDeferred drops state that may be read without holding the
// context's lock: the cached decrypted symlink target. The filesystem must
// call it only after readers relying on lock-free reads have quiesced,
// typically just before the inode's memory is freed.
func (m *Manager) ReleaseDeferred(node *Node) {
	if node.Encrypted && node.isSymlink() {
		node.link.Store(nil)
	}
}

// RawKey re-derives and returns node's working key without building
// transforms, for callers that re-wrap or re-key material through an
// external channel. Requires a prior successful LoadKey. The caller owns
// the returned buffer and must wipe it.
func (m *Manager) RawKey(node *Node) ([]byte, error) {
	if node.info.Load() == nil {
		return nil, ErrKeyNotLoaded
	}

	ctx, err := m.readPolicyContext(node, false)
	if err != nil {
		return nil, err
	}
	mode, err := selectMode(ctx.ContentsMode, ctx.FilenamesMode, node, m.inlineCapable(), m.logger)
	if err != nil {
		return nil, err
	}

	out := make([]byte, mode.KeySize)
	if err := m.findAndDeriveKey(ctx, mode, out); err != nil {
		wipe(out)
		return nil, err
	}
	return out, nil
}

// WrappedKey is the classified-path variant of RawKey: the working key is
// produced by the classification scheme rather than the keyring. The caller
// owns the returned buffer and must wipe it.
func (m *Manager) WrappedKey(node *Node) ([]byte, error) {
	if node.info.Load() == nil {
		return nil, ErrKeyNotLoaded
	}

	ctx, err := m.readPolicyContext(node, false)
	if err != nil {
		return nil, err
	}
	mode, err := selectMode(ctx.ContentsMode, ctx.FilenamesMode, node, m.inlineCapable(), m.logger)
	if err != nil {
		return nil, err
	}

	if !classified(m.classified, node, ctx) {
		return nil, &KeyLookupError{Message: "inode is not subject to a classification scheme"}
	}

	out := make([]byte, mode.KeySize)
	if err := m.classified.DeriveWrappedKey(node, ctx, out); err != nil {
		wipe(out)
		return nil, err
	}
	return out, nil
}

// MasterKeyBytes returns the master secret node's policy refers to: the
// key-encryption key callers need to re-wrap working keys externally, not a
// per-inode key. Requires a prior successful LoadKey. The caller owns the
// returned buffer and must wipe it.
func (m *Manager) MasterKeyBytes(node *Node) ([]byte, error) {
	if node.info.Load() == nil {
		return nil, ErrKeyNotLoaded
	}

	ctx, err := m.readPolicyContext(node, false)
	if err != nil {
		return nil, err
	}
	mode, err := selectMode(ctx.ContentsMode, ctx.FilenamesMode, node, m.inlineCapable(), m.logger)
	if err != nil {
		return nil, err
	}

	return m.masterKeyBytes(ctx, mode.KeySize)
}
