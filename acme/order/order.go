// Package order implements component C6 of the order-poller core: creating
// an ACME order, fetching and refreshing its authorizations concurrently,
// building the finalization CSR, and downloading the issued certificate
// chain. It is grounded on acme/resources/order.go, authorization.go, and
// challenge.go for the resource shapes, acme/client/resources.go for
// CreateOrder/UpdateOrder/UpdateAuthz/UpdateChallenge, and
// acme/client/csr.go for CSR construction -- all from the teacher repo, with
// the concurrent authorization fan-out grounded on
// other_examples' caddy-vendored lego client.go's getAuthzForOrder
// (resc/errc channel fan-out).
package order

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cpu/acmeflow/acme"
	"github.com/cpu/acmeflow/acme/keys"
	"github.com/cpu/acmeflow/acme/session"
	"github.com/cpu/acmeflow/acme/transport"
)

// Identifier is an ACME identifier (RFC 8555 section 9.7.7). A DNS
// identifier used in a newOrder request may carry a "*." wildcard prefix;
// one returned on an Authorization never does (Authorization.Wildcard is
// set instead).
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Order mirrors the ACME order resource (RFC 8555 section 7.1.3). Extra is
// not filled in by JSON decoding (it is tagged `json:"-"`), so response
// fields this struct does not model are dropped.
type Order struct {
	ID             string                     `json:"-"`
	Status         string                     `json:"status"`
	Identifiers    []Identifier               `json:"identifiers"`
	Authorizations []string                   `json:"authorizations"`
	Finalize       string                     `json:"finalize"`
	Certificate    string                     `json:"certificate,omitempty"`
	Extra          map[string]json.RawMessage `json:"-"`
}

// Authorization mirrors the ACME authorization resource (RFC 8555 section
// 7.1.4).
type Authorization struct {
	ID         string      `json:"-"`
	Status     string      `json:"status"`
	Identifier Identifier  `json:"identifier"`
	Challenges []Challenge `json:"challenges"`
	Expires    string      `json:"expires,omitempty"`
	Wildcard   bool        `json:"wildcard,omitempty"`
}

// Challenge mirrors the ACME challenge resource (RFC 8555 section 7.1.5).
type Challenge struct {
	Type   string        `json:"type"`
	URL    string        `json:"url"`
	Token  string        `json:"token"`
	Status string        `json:"status"`
	Error  *acme.Problem `json:"error,omitempty"`
}

// Options configures order creation (spec.md C6 "new").
type Options struct {
	// Identifiers is the set of names to request a certificate for.
	// Accepts bare strings (treated as "dns" identifiers), a single
	// Identifier, or a []Identifier, per spec.md's "identifiers
	// normalizer" requirement so callers don't have to build Identifier
	// values for the common case.
	Identifiers any
}

// NormalizeIdentifiers converts the permissive Options.Identifiers shapes
// into a canonical []Identifier slice.
func NormalizeIdentifiers(raw any) ([]Identifier, error) {
	switch v := raw.(type) {
	case nil:
		return nil, fmt.Errorf("order: no identifiers given")
	case string:
		return []Identifier{{Type: "dns", Value: v}}, nil
	case []string:
		out := make([]Identifier, 0, len(v))
		for _, s := range v {
			out = append(out, Identifier{Type: "dns", Value: s})
		}
		return out, nil
	case Identifier:
		return []Identifier{v}, nil
	case []Identifier:
		return v, nil
	default:
		return nil, fmt.Errorf("order: unsupported identifiers type %T", raw)
	}
}

type newOrderRequest struct {
	Identifiers []Identifier `json:"identifiers"`
}

// New creates an order for the given identifiers (spec.md C6 "new",
// grounded on acme/client/resources.go's CreateOrder).
func New(ctx context.Context, sess *session.Session, opts Options) (*Order, error) {
	identifiers, err := NormalizeIdentifiers(opts.Identifiers)
	if err != nil {
		return nil, err
	}
	if sess.AccountKID == "" {
		return nil, fmt.Errorf("order.New: session has no account, call account.New first")
	}

	newOrderURL, ok := sess.EndpointURL(ctx, acme.NewOrderEndpoint)
	if !ok {
		return nil, &acme.Error{Kind: acme.KindServerError, Op: "order.New", Err: fmt.Errorf("missing %q in ACME directory", acme.NewOrderEndpoint)}
	}

	tr := transport.New()
	resp, err := tr.Post(ctx, sess, newOrderURL, newOrderRequest{Identifiers: identifiers}, sess.AccountKID)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusCreated {
		return nil, &acme.Error{Kind: acme.KindMalformed, Op: "order.New", Err: fmt.Errorf("newOrder returned HTTP %d, expected %d", resp.StatusCode, http.StatusCreated)}
	}
	if resp.Location == "" {
		return nil, &acme.Error{Kind: acme.KindMalformed, Op: "order.New", Err: fmt.Errorf("newOrder response had no Location header")}
	}

	ord := &Order{}
	if err := resp.Unmarshal(ord); err != nil {
		return nil, &acme.Error{Kind: acme.KindMalformed, Op: "order.New", Err: err}
	}
	ord.ID = resp.Location
	sess.Printf("created order %q (status %s)\n", ord.ID, ord.Status)
	return ord, nil
}

// Update refreshes an order in place by POST-as-GETing its ID URL (spec.md
// C6 "update", grounded on UpdateOrder).
func Update(ctx context.Context, sess *session.Session, ord *Order) error {
	if ord == nil || ord.ID == "" {
		return fmt.Errorf("order.Update: order must have an ID")
	}
	tr := transport.New()
	resp, err := tr.PostAsGet(ctx, sess, ord.ID)
	if err != nil {
		return err
	}
	return resp.Unmarshal(ord)
}

// UpdateAuthorization refreshes an authorization in place.
func UpdateAuthorization(ctx context.Context, sess *session.Session, authz *Authorization) error {
	if authz == nil || authz.ID == "" {
		return fmt.Errorf("order.UpdateAuthorization: authorization must have an ID")
	}
	tr := transport.New()
	resp, err := tr.PostAsGet(ctx, sess, authz.ID)
	if err != nil {
		return err
	}
	return resp.Unmarshal(authz)
}

// UpdateChallenge refreshes a challenge in place.
func UpdateChallenge(ctx context.Context, sess *session.Session, chall *Challenge) error {
	if chall == nil || chall.URL == "" {
		return fmt.Errorf("order.UpdateChallenge: challenge must have a URL")
	}
	tr := transport.New()
	resp, err := tr.PostAsGet(ctx, sess, chall.URL)
	if err != nil {
		return err
	}
	return resp.Unmarshal(chall)
}

// authzResult pairs a fetched authorization with its source index so
// FetchAuthorizations can return results in request order despite
// completing out of order.
type authzResult struct {
	index int
	authz *Authorization
	err   error
}

// FetchAuthorizations fetches every authorization an order references,
// concurrently, preserving the order's original ordering in its return
// value. It is grounded on the caddy-vendored lego client's
// getAuthzForOrder, which fans out over order.Authorizations with one
// goroutine per URL and collects results over result/error channels rather
// than using errgroup, matching this module's plain-channel idiom
// elsewhere (spec.md C6 "fetch_authorizations").
func FetchAuthorizations(ctx context.Context, sess *session.Session, ord *Order) ([]*Authorization, error) {
	if ord == nil {
		return nil, fmt.Errorf("order.FetchAuthorizations: order must not be nil")
	}

	n := len(ord.Authorizations)
	results := make(chan authzResult, n)

	for i, authzURL := range ord.Authorizations {
		go func(index int, url string) {
			authz := &Authorization{ID: url}
			err := UpdateAuthorization(ctx, sess, authz)
			results <- authzResult{index: index, authz: authz, err: err}
		}(i, authzURL)
	}

	out := make([]*Authorization, n)
	var firstErr error
	for i := 0; i < n; i++ {
		res := <-results
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		out[res.index] = res.authz
	}

	if firstErr != nil {
		return nil, firstErr
	}
	sess.Printf("fetched %d authorization(s) for order %q\n", n, ord.ID)
	return out, nil
}

// BuildCSR builds a certificate signing request for the given names, signed
// by a freshly generated P-256 key (never the account key, per RFC 8555
// section 11.1), returning both DER and the base64url encoding the
// finalize request body expects (spec.md C6 "build_csr", grounded on
// acme/client/csr.go's CSR method).
func BuildCSR(commonName string, names []string) (der []byte, b64 string, signer crypto.Signer, err error) {
	if len(names) == 0 {
		return nil, "", nil, fmt.Errorf("order.BuildCSR: no names specified")
	}
	if commonName == "" {
		commonName = names[0]
	}

	template := x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: commonName},
		DNSNames: names,
	}

	key, err := keys.GenerateAccountKey()
	if err != nil {
		return nil, "", nil, err
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &template, key)
	if err != nil {
		return nil, "", nil, err
	}

	return csrDER, base64.RawURLEncoding.EncodeToString(csrDER), key, nil
}

type finalizeRequest struct {
	CSR string `json:"csr"`
}

// Finalize submits the CSR to the order's finalize URL (RFC 8555 section
// 7.4). The order is updated in place with the server's response.
func Finalize(ctx context.Context, sess *session.Session, ord *Order, csrB64 string) error {
	if ord.Finalize == "" {
		return fmt.Errorf("order.Finalize: order has no finalize URL")
	}
	tr := transport.New()
	resp, err := tr.Post(ctx, sess, ord.Finalize, finalizeRequest{CSR: csrB64}, sess.AccountKID)
	if err != nil {
		return err
	}
	if err := resp.Unmarshal(ord); err != nil {
		return err
	}
	sess.Printf("submitted finalize for order %q (status %s)\n", ord.ID, ord.Status)
	return nil
}

// DownloadCertificate fetches the PEM certificate chain for a valid order
// (RFC 8555 section 7.4.2).
func DownloadCertificate(ctx context.Context, sess *session.Session, ord *Order) ([]byte, error) {
	if ord.Certificate == "" {
		return nil, fmt.Errorf("order.DownloadCertificate: order has no certificate URL")
	}
	tr := transport.New()
	resp, err := tr.PostAsGet(ctx, sess, ord.Certificate)
	if err != nil {
		return nil, err
	}
	sess.Printf("downloaded certificate for order %q (%d bytes)\n", ord.ID, len(resp.Body))
	return resp.Body, nil
}
