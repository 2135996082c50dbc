package inodekey

import (
	"bytes"
	"sync"
	"testing"
)

func masterKeyTableHas(descriptor [DescriptorSize]byte, mk *masterKeyEntry) bool {
	masterKeysMu.Lock()
	defer masterKeysMu.Unlock()
	for _, e := range masterKeys[masterKeyHash(descriptor)] {
		if e == mk {
			return true
		}
	}
	return false
}

func TestGetMasterKey_SharedAcrossInodes(t *testing.T) {
	descriptor := testDescriptor(0x51)
	mode := lookupMode(ModeAdiantum)
	rawKey := bytes.Repeat([]byte{0x5a}, mode.KeySize)

	a, err := getMasterKey(descriptor, mode, rawKey, noopLogger{})
	if err != nil {
		t.Fatalf("getMasterKey failed: %v", err)
	}
	b, err := getMasterKey(descriptor, mode, rawKey, noopLogger{})
	if err != nil {
		t.Fatalf("getMasterKey failed: %v", err)
	}

	// Same (descriptor, mode, raw key) means the same entry and the same
	// underlying transform object.
	if a != b {
		t.Fatal("two inodes with identical direct-key policies got distinct entries")
	}
	if a.tfm == nil || a.tfm != b.tfm {
		t.Fatal("shared entries do not share one transform")
	}

	// Releasing one reference must not invalidate the other's transform.
	putMasterKey(a)
	if b.tfm == nil {
		t.Fatal("transform destroyed while still referenced")
	}
	if !masterKeyTableHas(descriptor, b) {
		t.Fatal("entry removed from table while still referenced")
	}

	putMasterKey(b)
	if masterKeyTableHas(descriptor, b) {
		t.Fatal("entry still reachable after last release")
	}
	if !bytes.Equal(b.raw[:], make([]byte, MaxKeySize)) {
		t.Error("raw key copy not zeroed on destruction")
	}
}

func TestGetMasterKey_DisambiguatesByKeyAndMode(t *testing.T) {
	descriptor := testDescriptor(0x52)
	mode := lookupMode(ModeAdiantum)

	k1 := bytes.Repeat([]byte{1}, mode.KeySize)
	k2 := bytes.Repeat([]byte{1}, mode.KeySize)
	k2[mode.KeySize-1] = 2

	a, err := getMasterKey(descriptor, mode, k1, noopLogger{})
	if err != nil {
		t.Fatalf("getMasterKey failed: %v", err)
	}
	// Same descriptor, different raw bytes: distinct entries.
	b, err := getMasterKey(descriptor, mode, k2, noopLogger{})
	if err != nil {
		t.Fatalf("getMasterKey failed: %v", err)
	}
	if a == b {
		t.Error("entries with different raw keys were conflated")
	}

	// Same descriptor and raw key prefix, different mode: distinct entries.
	xts := lookupMode(ModeAES256XTS)
	c, err := getMasterKey(descriptor, xts, bytes.Repeat([]byte{1}, xts.KeySize), noopLogger{})
	if err != nil {
		t.Fatalf("getMasterKey failed: %v", err)
	}
	if c == a || c == b {
		t.Error("entries with different modes were conflated")
	}

	putMasterKey(a)
	putMasterKey(b)
	putMasterKey(c)
}

func TestGetMasterKey_ConcurrentConverges(t *testing.T) {
	descriptor := testDescriptor(0x53)
	mode := lookupMode(ModeAdiantum)
	rawKey := bytes.Repeat([]byte{0xc3}, mode.KeySize)

	const workers = 32
	entries := make([]*masterKeyEntry, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mk, err := getMasterKey(descriptor, mode, rawKey, noopLogger{})
			if err != nil {
				t.Errorf("getMasterKey failed: %v", err)
				return
			}
			entries[i] = mk
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if entries[i] != entries[0] {
			t.Fatal("concurrent callers did not converge on one entry")
		}
	}

	masterKeysMu.Lock()
	refs := entries[0].refcount
	masterKeysMu.Unlock()
	if refs != workers {
		t.Fatalf("refcount = %d, want %d", refs, workers)
	}

	for i := 0; i < workers; i++ {
		putMasterKey(entries[i])
	}
	if masterKeyTableHas(descriptor, entries[0]) {
		t.Fatal("entry survived its last release")
	}
}

func TestPutMasterKey_NilIsNoop(t *testing.T) {
	putMasterKey(nil)
}
