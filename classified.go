package inodekey

// ClassifiedKeySource is the narrow contract consumed from an auxiliary
// classification/key-wrapping scheme (a vendor extension that wraps working
// keys with its own engine). Inodes for which any of the three predicates
// holds take the wrapped-key derivation path instead of the keyring lookup.
// This package treats the scheme as opaque; absence of an implementation
// means nothing is classified.
type ClassifiedKeySource interface {
	// IsUninitialized reports whether the inode's classified state exists
	// but has not been keyed yet.
	IsUninitialized(node *Node, ctx *PolicyContext) bool

	// IsSensitive reports whether the inode's working key is wrapped with
	// the scheme's protected-class key.
	IsSensitive(node *Node, ctx *PolicyContext) bool

	// IsNative reports whether the inode was created under the scheme.
	IsNative(node *Node, ctx *PolicyContext) bool

	// DeriveWrappedKey produces the inode's working key into out, which is
	// sized to the selected mode's key size.
	DeriveWrappedKey(node *Node, ctx *PolicyContext, out []byte) error
}

// FailureAuditor is an optional extension of ClassifiedKeySource. When a
// sensitive inode's wrapped-key derivation fails, the failure is reported
// here before the error propagates.
type FailureAuditor interface {
	AuditDecryptFailure(node *Node, err error)
}

// classified reports whether node falls under the classification scheme at
// all.
func classified(src ClassifiedKeySource, node *Node, ctx *PolicyContext) bool {
	if src == nil {
		return false
	}
	return src.IsUninitialized(node, ctx) || src.IsSensitive(node, ctx) || src.IsNative(node, ctx)
}
