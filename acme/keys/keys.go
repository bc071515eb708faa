// Package keys provides the crypto primitives the order-poller core needs:
// ECDSA P-256 account keygen, JWK thumbprinting (RFC 7638), and JWS signing.
// Every other component treats an account key as a crypto.Signer and never
// touches elliptic curve math directly.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// GenerateAccountKey produces a new P-256 ECDSA keypair suitable for use as
// an ACME account key (spec.md C1 "generate_account_key").
func GenerateAccountKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// JWKPublic returns the public-parameter JWK mapping for embedding in
// a JWS "jwk" header (spec.md C1 "jwk_public").
func JWKPublic(signer crypto.Signer) jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       signer.Public(),
		Algorithm: "ECDSA",
	}
}

// ThumbprintBytes returns the raw RFC 7638 SHA-256 thumbprint bytes of the
// signer's public key.
func ThumbprintBytes(signer crypto.Signer) ([]byte, error) {
	jwk := JWKPublic(signer)
	return jwk.Thumbprint(crypto.SHA256)
}

// Thumbprint returns the base64url-unpadded RFC 7638 thumbprint of the
// signer's public key (spec.md C1 "thumbprint"). It is deterministic for
// a fixed key: invariant #1 of spec.md section 8.
func Thumbprint(signer crypto.Signer) (string, error) {
	raw, err := ThumbprintBytes(signer)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// KeyAuthorization returns the key authorization string for a challenge
// token: "token.thumbprint", the shared input to both the dns-01 and
// http-01 response derivations (spec.md C8).
func KeyAuthorization(signer crypto.Signer, token string) (string, error) {
	thumb, err := Thumbprint(signer)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%s", token, thumb), nil
}

// SigningKey builds a jose.SigningKey for the given account key. When keyID
// is empty the caller is expected to set EmbedJWK on the SignerOptions
// instead (JWK-embed mode); when non-empty it is carried as the JWK's KeyID
// so go-jose can emit it as the protected header's "kid".
func SigningKey(signer crypto.Signer, keyID string) jose.SigningKey {
	jwk := jose.JSONWebKey{
		Key:       signer,
		Algorithm: string(jose.ES256),
		KeyID:     keyID,
	}
	return jose.SigningKey{
		Key:       jwk,
		Algorithm: jose.ES256,
	}
}

// MarshalAccountKey serializes an account key to DER for opaque byte-form
// storage (spec.md section 3 "Serializable to an opaque byte form and back").
func MarshalAccountKey(key *ecdsa.PrivateKey) ([]byte, error) {
	return x509.MarshalECPrivateKey(key)
}

// UnmarshalAccountKey reverses MarshalAccountKey.
func UnmarshalAccountKey(der []byte) (*ecdsa.PrivateKey, error) {
	return x509.ParseECPrivateKey(der)
}

// AccountKeyToPEM renders an account key as a PEM-encoded EC private key,
// for callers that want to hand it to external tooling.
func AccountKeyToPEM(key *ecdsa.PrivateKey) (string, error) {
	der, err := MarshalAccountKey(key)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: der,
	})), nil
}

// SHA256 hashes b (spec.md C1 "sha256").
func SHA256(b []byte) [32]byte {
	return sha256.Sum256(b)
}
