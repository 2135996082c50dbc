package inodekey

import (
	"errors"
	"os"
	"testing"
)

func regularNode(ino uint64) *Node {
	return &Node{Ino: ino, FileMode: 0}
}

func dirNode(ino uint64) *Node {
	return &Node{Ino: ino, FileMode: os.ModeDir}
}

func symlinkNode(ino uint64) *Node {
	return &Node{Ino: ino, FileMode: os.ModeSymlink}
}

func TestValidModePair(t *testing.T) {
	allowed := map[[2]ModeID]bool{
		{ModeAES256XTS, ModeAES256CTS}:   true,
		{ModeAES128CBC, ModeAES128CTS}:   true,
		{ModeAdiantum, ModeAdiantum}:     true,
		{ModeInlineCrypt, ModeAES256CTS}: true,
	}

	// Every combination of known mode ids outside the allow-list must be
	// rejected, even when both modes are individually valid.
	ids := []ModeID{ModeInvalid, ModeAES256XTS, ModeAES256CTS, ModeAES128CBC,
		ModeAES128CTS, ModeAdiantum, ModeInlineCrypt}
	for _, c := range ids {
		for _, f := range ids {
			got := validModePair(c, f)
			if want := allowed[[2]ModeID{c, f}]; got != want {
				t.Errorf("validModePair(%d, %d) = %v, want %v", c, f, got, want)
			}
		}
	}
}

func TestSelectMode_ByFileType(t *testing.T) {
	log := noopLogger{}

	mode, err := selectMode(ModeAES256XTS, ModeAES256CTS, regularNode(1), false, log)
	if err != nil {
		t.Fatalf("selectMode(regular) failed: %v", err)
	}
	if mode.Name != "AES-256-XTS" {
		t.Errorf("regular file selected %s, want AES-256-XTS", mode.Name)
	}

	mode, err = selectMode(ModeAES256XTS, ModeAES256CTS, dirNode(2), false, log)
	if err != nil {
		t.Fatalf("selectMode(dir) failed: %v", err)
	}
	if mode.Name != "AES-256-CTS-CBC" {
		t.Errorf("directory selected %s, want AES-256-CTS-CBC", mode.Name)
	}

	mode, err = selectMode(ModeAES256XTS, ModeAES256CTS, symlinkNode(3), false, log)
	if err != nil {
		t.Fatalf("selectMode(symlink) failed: %v", err)
	}
	if mode.Name != "AES-256-CTS-CBC" {
		t.Errorf("symlink selected %s, want AES-256-CTS-CBC", mode.Name)
	}
}

func TestSelectMode_RejectsBadCombination(t *testing.T) {
	_, err := selectMode(ModeAES256XTS, ModeAES128CTS, regularNode(1), false, noopLogger{})
	if !errors.Is(err, ErrInvalidMode) {
		t.Errorf("selectMode = %v, want ErrInvalidMode", err)
	}
}

func TestSelectMode_InlineNeedsCapability(t *testing.T) {
	node := regularNode(1)

	if _, err := selectMode(ModeInlineCrypt, ModeAES256CTS, node, false, noopLogger{}); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("inline mode without capability = %v, want ErrInvalidMode", err)
	}

	mode, err := selectMode(ModeInlineCrypt, ModeAES256CTS, node, true, noopLogger{})
	if err != nil {
		t.Fatalf("inline mode with capability failed: %v", err)
	}
	if !mode.InlineHardware {
		t.Error("selected mode is not flagged inline")
	}

	// Directories under an inline contents mode still use the software
	// filenames mode regardless of capability.
	if _, err := selectMode(ModeInlineCrypt, ModeAES256CTS, dirNode(2), false, noopLogger{}); err != nil {
		t.Errorf("directory under inline contents mode failed: %v", err)
	}
}

func TestSelectMode_NonEncryptableType(t *testing.T) {
	node := &Node{Ino: 9, FileMode: os.ModeDevice, Encrypted: true}
	if _, err := selectMode(ModeAES256XTS, ModeAES256CTS, node, false, noopLogger{}); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("selectMode(device) = %v, want ErrInvalidMode", err)
	}
}

func TestModeRegistry_Shapes(t *testing.T) {
	tests := []struct {
		id      ModeID
		keySize int
		ivSize  int
	}{
		{ModeAES256XTS, 64, 16},
		{ModeAES256CTS, 32, 16},
		{ModeAES128CBC, 16, 16},
		{ModeAES128CTS, 16, 16},
		{ModeAdiantum, 32, 32},
		{ModeInlineCrypt, 64, 16},
	}
	for _, tt := range tests {
		mode := lookupMode(tt.id)
		if mode == nil {
			t.Errorf("lookupMode(%d) = nil", tt.id)
			continue
		}
		if mode.KeySize != tt.keySize || mode.IVSize != tt.ivSize {
			t.Errorf("%s: keysize/ivsize = %d/%d, want %d/%d",
				mode.Name, mode.KeySize, mode.IVSize, tt.keySize, tt.ivSize)
		}
	}
	if lookupMode(ModeInvalid) != nil {
		t.Error("lookupMode(0) returned an entry")
	}
}
