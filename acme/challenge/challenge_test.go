package challenge

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cpu/acmeflow/acme/keys"
	"github.com/cpu/acmeflow/acme/order"
)

func TestRespondDNS01AndHTTP01(t *testing.T) {
	key, err := keys.GenerateAccountKey()
	require.NoError(t, err)

	challenges := []order.Challenge{
		{Type: "http-01", Token: "tok-http", URL: "https://example.test/chall/1"},
		{Type: "dns-01", Token: "tok-dns", URL: "https://example.test/chall/2"},
		{Type: "tls-alpn-01", Token: "tok-alpn", URL: "https://example.test/chall/3"},
	}

	responses, err := Respond(key, challenges)
	require.NoError(t, err)
	require.Len(t, responses, 2)

	keyAuthHTTP, err := keys.KeyAuthorization(key, "tok-http")
	require.NoError(t, err)
	keyAuthDNS, err := keys.KeyAuthorization(key, "tok-dns")
	require.NoError(t, err)

	require.Equal(t, keyAuthHTTP, responses[0].Value)

	digest := sha256.Sum256([]byte(keyAuthDNS))
	require.Equal(t, base64.RawURLEncoding.EncodeToString(digest[:]), responses[1].Value)
}

func TestPreferredChallengePrefersDNS01(t *testing.T) {
	challenges := []order.Challenge{
		{Type: "http-01", Token: "a"},
		{Type: "dns-01", Token: "b"},
	}
	picked, ok := PreferredChallenge(challenges)
	require.True(t, ok)
	require.Equal(t, "dns-01", picked.Type)
}

func TestPreferredChallengeFallsBackToHTTP01(t *testing.T) {
	challenges := []order.Challenge{
		{Type: "http-01", Token: "a"},
		{Type: "tls-alpn-01", Token: "c"},
	}
	picked, ok := PreferredChallenge(challenges)
	require.True(t, ok)
	require.Equal(t, "http-01", picked.Type)
}

func TestPreferredChallengeNoneUsable(t *testing.T) {
	challenges := []order.Challenge{{Type: "tls-alpn-01", Token: "c"}}
	_, ok := PreferredChallenge(challenges)
	require.False(t, ok)
}
