package inodekey

import (
	"fmt"
	"io"
	"os"
	"path"

	"github.com/absfs/absfs"
)

// ContextStore is a Filesystem implementation that persists policy contexts
// as fixed-size files in any absfs filesystem, one per inode. It serves
// filesystems that have no native slot for per-inode metadata; filesystems
// with their own storage (extended attributes, inode fields) implement
// Filesystem directly and never touch this type.
type ContextStore struct {
	fs  absfs.FileSystem
	dir string

	// Prefix is reported through KeyPrefixer when non-empty.
	Prefix string

	// InlineCapable reports hardware inline-encryption capability to the
	// Manager.
	Inline bool

	// AllowDummy opts in to placeholder policy synthesis for legacy
	// directories without a stored context.
	AllowDummy bool
}

// NewContextStore creates a policy context store rooted at dir, creating
// the directory if needed.
func NewContextStore(fs absfs.FileSystem, dir string) (*ContextStore, error) {
	if fs == nil {
		return nil, fmt.Errorf("base filesystem cannot be nil")
	}
	if err := fs.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create context dir: %w", err)
	}
	return &ContextStore{fs: fs, dir: dir}, nil
}

func (s *ContextStore) contextPath(ino uint64) string {
	return path.Join(s.dir, fmt.Sprintf("%016x.ctx", ino))
}

// PolicyContext returns the stored context bytes for node.
func (s *ContextStore) PolicyContext(node *Node) ([]byte, error) {
	f, err := s.fs.OpenFile(s.contextPath(node.Ino), os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read context for inode %d: %w", node.Ino, err)
	}
	return b, nil
}

// SetPolicyContext persists ctx for the inode. Policy contexts are written
// once at policy-creation time and are immutable afterwards; overwriting an
// existing context is refused.
func (s *ContextStore) SetPolicyContext(ino uint64, ctx *PolicyContext) error {
	if err := ctx.Validate(); err != nil {
		return err
	}
	name := s.contextPath(ino)

	f, err := s.fs.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create context for inode %d: %w", ino, err)
	}
	defer f.Close()

	if _, err := f.Write(ctx.Marshal()); err != nil {
		return fmt.Errorf("failed to write context for inode %d: %w", ino, err)
	}
	return nil
}

// RemovePolicyContext deletes the stored context for the inode, if any.
func (s *ContextStore) RemovePolicyContext(ino uint64) error {
	err := s.fs.Remove(s.contextPath(ino))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// KeyPrefix implements KeyPrefixer.
func (s *ContextStore) KeyPrefix() string {
	return s.Prefix
}

// InlineCryptCapable implements InlineCapable.
func (s *ContextStore) InlineCryptCapable() bool {
	return s.Inline
}

// DummyContextEnabled implements DummyContexter.
func (s *ContextStore) DummyContextEnabled(_ *Node) bool {
	return s.AllowDummy
}
