// Package account implements component C5 of the order-poller core: ACME
// account creation, key rollover, and on-disk persistence. It is grounded on
// acme/resources/account.go's Account/NewAccount/SaveAccount/RestoreAccount
// from the teacher repo, adapted to use the new session/transport pipeline
// instead of the teacher's monolithic Client, and narrowed to the ECDSA
// P-256 keys acme/keys supports.
package account

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/cpu/acmeflow/acme"
	"github.com/cpu/acmeflow/acme/keys"
	"github.com/cpu/acmeflow/acme/session"
	"github.com/cpu/acmeflow/acme/transport"
)

// Account mirrors the ACME account resource (RFC 8555 section 7.1.2) plus
// the local-only key material needed to keep authenticating as it. Extra is
// not filled in by JSON decoding (it is tagged `json:"-"`), so response
// fields this struct does not model are dropped.
type Account struct {
	ID      string                     `json:"id"`
	Status  string                     `json:"status"`
	Contact []string                   `json:"contact,omitempty"`
	Orders  string                     `json:"orders,omitempty"`
	Extra   map[string]json.RawMessage `json:"-"`

	Key *ecdsa.PrivateKey `json:"-"`
}

// Options configures account creation (spec.md C5 "new").
type Options struct {
	// Contact is zero or more contact URIs. Bare email addresses are
	// automatically given a "mailto:" scheme, matching the teacher's
	// NewAccount behavior.
	Contact []string
	// TermsOfServiceAgreed must be true for servers that require ToS
	// agreement; sent through verbatim either way.
	TermsOfServiceAgreed bool
	// OnlyReturnExisting, when true, asks the server to return the
	// account bound to the session's key without creating a new one
	// (RFC 8555 section 7.3.1). If none exists the server's
	// accountDoesNotExist problem is returned, which acme.KindForProblem
	// classifies as KindMalformed.
	OnlyReturnExisting bool
	// ExternalAccountBinding carries a pre-signed EAB JWS for servers that
	// require it, passed through opaquely.
	ExternalAccountBinding json.RawMessage
}

type newAccountRequest struct {
	Contact                []string        `json:"contact,omitempty"`
	TermsOfServiceAgreed   bool            `json:"termsOfServiceAgreed,omitempty"`
	OnlyReturnExisting     bool            `json:"onlyReturnExisting,omitempty"`
	ExternalAccountBinding json.RawMessage `json:"externalAccountBinding,omitempty"`
}

// New creates an ACME account: it generates a fresh account key if
// sess.AccountKey is unset, POSTs newAccount in JWK-embed mode, and records
// the server-assigned account URL as sess.AccountKID for every subsequent
// request (spec.md C5 "new").
func New(ctx context.Context, sess *session.Session, opts Options) (*Account, error) {
	if sess.AccountKey == nil {
		key, err := keys.GenerateAccountKey()
		if err != nil {
			return nil, fmt.Errorf("account.New: generating account key: %w", err)
		}
		sess.AccountKey = key
	}

	newAccountURL, ok := sess.EndpointURL(ctx, acme.NewAccountEndpoint)
	if !ok {
		return nil, &acme.Error{Kind: acme.KindServerError, Op: "account.New", Err: fmt.Errorf("missing %q in ACME directory", acme.NewAccountEndpoint)}
	}

	req := newAccountRequest{
		Contact:                normalizeContacts(opts.Contact),
		TermsOfServiceAgreed:   opts.TermsOfServiceAgreed,
		OnlyReturnExisting:     opts.OnlyReturnExisting,
		ExternalAccountBinding: opts.ExternalAccountBinding,
	}

	tr := transport.New()
	resp, err := tr.Post(ctx, sess, newAccountURL, req, "")
	if err != nil {
		return nil, err
	}

	acct := &Account{}
	if err := resp.Unmarshal(acct); err != nil {
		return nil, &acme.Error{Kind: acme.KindMalformed, Op: "account.New", Err: err}
	}
	acct.ID = resp.Location
	acct.Key = sess.AccountKey

	sess.AccountKID = resp.Location
	sess.Printf("created account %q (status %s)\n", acct.ID, acct.Status)

	return acct, nil
}

func normalizeContacts(contacts []string) []string {
	out := make([]string, 0, len(contacts))
	for _, c := range contacts {
		if c == "" {
			continue
		}
		if hasScheme(c) {
			out = append(out, c)
			continue
		}
		out = append(out, "mailto:"+c)
	}
	return out
}

func hasScheme(s string) bool {
	for i, r := range s {
		if r == ':' {
			return i > 0
		}
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return false
		}
	}
	return false
}

type keyChangeInner struct {
	Account string          `json:"account"`
	OldKey  json.RawMessage `json:"oldKey"`
}

// Rollover replaces the account's signing key with newKey, implementing the
// inner/outer JWS key-change envelope from RFC 8555 section 7.3.5 (spec.md
// C5 "rollover", a feature the distilled spec dropped but original_source
// implementations of key rollover all share this same shape).
func Rollover(ctx context.Context, sess *session.Session, newKey *ecdsa.PrivateKey) error {
	if sess.AccountKID == "" {
		return fmt.Errorf("account.Rollover: session has no account KID")
	}

	keyChangeURL, ok := sess.EndpointURL(ctx, acme.KeyChangeEndpoint)
	if !ok {
		return &acme.Error{Kind: acme.KindServerError, Op: "account.Rollover", Err: fmt.Errorf("missing %q in ACME directory", acme.KeyChangeEndpoint)}
	}

	oldJWK := keys.JWKPublic(sess.AccountKey)
	oldJWKBytes, err := json.Marshal(oldJWK)
	if err != nil {
		return err
	}

	inner := keyChangeInner{
		Account: sess.AccountKID,
		OldKey:  oldJWKBytes,
	}
	innerBytes, err := json.Marshal(inner)
	if err != nil {
		return err
	}

	// Sign the inner JWS with the new key, embedded (no nonce per RFC 8555
	// 7.3.5: the inner JWS is not a "regular" outer-level request).
	innerSigningKey := keys.SigningKey(newKey, "")
	innerSigner, err := jose.NewSigner(innerSigningKey, &jose.SignerOptions{
		EmbedJWK: true,
		ExtraHeaders: map[jose.HeaderKey]any{
			"url": keyChangeURL,
		},
	})
	if err != nil {
		return err
	}
	innerSigned, err := innerSigner.Sign(innerBytes)
	if err != nil {
		return err
	}

	var innerEnvelope json.RawMessage = []byte(innerSigned.FullSerialize())
	tr := transport.New()
	_, err = tr.Post(ctx, sess, keyChangeURL, innerEnvelope, sess.AccountKID)
	if err != nil {
		return err
	}

	sess.AccountKey = newKey
	sess.Printf("rolled over account key for %q\n", sess.AccountKID)
	return nil
}

// Save persists the account and its key to path, the way
// acme/resources/account.go's SaveAccount did, so a poller can resume
// against the same account across process restarts (spec.md section 3
// "Serializable to an opaque byte form and back").
func Save(path string, acct *Account) error {
	if acct == nil {
		return fmt.Errorf("account.Save: account must not be nil")
	}
	der, err := keys.MarshalAccountKey(acct.Key)
	if err != nil {
		return err
	}

	raw := rawAccount{
		ID:         acct.ID,
		Status:     acct.Status,
		Contact:    acct.Contact,
		PrivateKey: der,
	}
	frozen, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, frozen, 0o600)
}

type rawAccount struct {
	ID         string   `json:"id"`
	Status     string   `json:"status"`
	Contact    []string `json:"contact"`
	PrivateKey []byte   `json:"privateKey"`
}

// Restore loads an account previously written by Save.
func Restore(path string) (*Account, error) {
	frozen, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw rawAccount
	if err := json.Unmarshal(frozen, &raw); err != nil {
		return nil, err
	}

	key, err := keys.UnmarshalAccountKey(raw.PrivateKey)
	if err != nil {
		return nil, err
	}

	return &Account{
		ID:      raw.ID,
		Status:  raw.Status,
		Contact: raw.Contact,
		Key:     key,
	}, nil
}
