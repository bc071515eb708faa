package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestAdmitDeniesAfterBurst exercises invariant #5 of spec.md section 8: a
// bucket configured for N admissions per window denies the N+1th call within
// that window, and recovers once the window has elapsed.
func TestAdmitDeniesAfterBurst(t *testing.T) {
	g := NewGate()

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Admit("test", 200*time.Millisecond, 3))
	}

	err := g.Admit("test", 200*time.Millisecond, 3)
	require.Error(t, err)

	time.Sleep(250 * time.Millisecond)
	require.NoError(t, g.Admit("test", 200*time.Millisecond, 3))
}

func TestAdmitBucketsAreIndependent(t *testing.T) {
	g := NewGate()

	for i := 0; i < DefaultHTTPLimit; i++ {
		require.NoError(t, g.AdmitHTTP())
	}
	require.Error(t, g.AdmitHTTP())

	// the nonce bucket is unaffected by the http bucket being exhausted.
	require.NoError(t, g.AdmitNonce())
}

func TestNonceSlotSetGet(t *testing.T) {
	var slot NonceSlot
	require.Equal(t, "", slot.Get())

	slot.Set("abc123")
	require.Equal(t, "abc123", slot.Get())

	slot.Set("def456")
	require.Equal(t, "def456", slot.Get())
}
