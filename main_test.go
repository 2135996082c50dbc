package inodekey

import (
	"os"
	"testing"
)

func TestMain(m *testing.M) {
	// Key payloads in these tests are tiny; skip mlock so the suite does
	// not depend on RLIMIT_MEMLOCK. The mlock path itself is covered by
	// TestSecretBuffer_Mlock.
	UseMlock = false
	os.Exit(m.Run())
}
