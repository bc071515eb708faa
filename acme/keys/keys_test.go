package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestThumbprintStable(t *testing.T) {
	key, err := GenerateAccountKey()
	require.NoError(t, err)

	first, err := Thumbprint(key)
	require.NoError(t, err)

	second, err := Thumbprint(key)
	require.NoError(t, err)

	require.Equal(t, first, second, "thumbprint must be deterministic for a fixed key")
	require.NotEmpty(t, first)
}

func TestThumbprintDiffersAcrossKeys(t *testing.T) {
	k1, err := GenerateAccountKey()
	require.NoError(t, err)
	k2, err := GenerateAccountKey()
	require.NoError(t, err)

	t1, err := Thumbprint(k1)
	require.NoError(t, err)
	t2, err := Thumbprint(k2)
	require.NoError(t, err)

	require.NotEqual(t, t1, t2)
}

func TestKeyAuthorization(t *testing.T) {
	key, err := GenerateAccountKey()
	require.NoError(t, err)

	thumb, err := Thumbprint(key)
	require.NoError(t, err)

	ka, err := KeyAuthorization(key, "token123")
	require.NoError(t, err)
	require.Equal(t, "token123."+thumb, ka)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	key, err := GenerateAccountKey()
	require.NoError(t, err)

	der, err := MarshalAccountKey(key)
	require.NoError(t, err)

	restored, err := UnmarshalAccountKey(der)
	require.NoError(t, err)

	origThumb, err := Thumbprint(key)
	require.NoError(t, err)
	restoredThumb, err := Thumbprint(restored)
	require.NoError(t, err)
	require.Equal(t, origThumb, restoredThumb)
}
