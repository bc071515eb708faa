// Package challenge implements component C8 of the order-poller core:
// deriving challenge responses from an account key and challenge token, and
// picking which challenge type to attempt for a given authorization. It is
// grounded on shell/solve.go's key-authorization derivation (token +
// "." + base64url(SHA256(JWK))) and its dns-01/http-01 dispatch, stripped of
// the REPL's interactive prompt and challtestsrv wiring -- those live in the
// demo binary, which is the one place a challenge response actually needs
// to be published somewhere.
package challenge

import (
	"crypto"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/cpu/acmeflow/acme/keys"
	"github.com/cpu/acmeflow/acme/order"
)

// dns-01, http-01, and tls-alpn-01 are the challenge types RFC 8555 and its
// extensions define; this module only solves the first two (spec.md's
// Non-goals exclude tls-alpn-01).
const (
	TypeDNS01  = "dns-01"
	TypeHTTP01 = "http-01"
)

// Response is a computed challenge response ready to be published: for
// dns-01 it is the TXT record value; for http-01 it is the HTTP response
// body to serve at /.well-known/acme-challenge/<token>.
type Response struct {
	Challenge order.Challenge
	// Identifier is the domain this response authorizes, set by
	// RespondToAuthorization since a bare Challenge doesn't carry it.
	Identifier order.Identifier
	// KeyAuthorization is the raw "token.thumbprint" string (spec.md C1
	// "key_auth"), always populated.
	KeyAuthorization string
	// Value is the type-specific response: the TXT record value for
	// dns-01 (sha256+base64url of KeyAuthorization), or the raw
	// KeyAuthorization for http-01.
	Value string
}

// Respond computes a Response for each challenge whose type this module
// knows how to solve (dns-01, http-01); challenges of any other type are
// skipped rather than erroring, since an authorization typically offers
// several challenge types and a caller only needs to solve one.
func Respond(signer crypto.Signer, challenges []order.Challenge) ([]Response, error) {
	var out []Response
	for _, c := range challenges {
		resp, ok, err := respondOne(signer, c)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, resp)
		}
	}
	return out, nil
}

// RespondToAuthorization picks the preferred challenge on authz and computes
// its response, stamping the result with authz's identifier so a caller
// (chiefly acme/poller) can derive the DNS/HTTP record location without
// threading extra state through the challenge list itself.
func RespondToAuthorization(signer crypto.Signer, authz order.Authorization) (*Response, *order.Challenge, error) {
	chosen, ok := PreferredChallenge(authz.Challenges)
	if !ok {
		return nil, nil, fmt.Errorf("challenge.RespondToAuthorization: authorization %s offers no supported challenge type", authz.ID)
	}

	resp, ok, err := respondOne(signer, *chosen)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("challenge.RespondToAuthorization: unreachable, PreferredChallenge picked an unsupported type")
	}
	ident := authz.Identifier
	if authz.Wildcard {
		ident.Value = "*." + ident.Value
	}
	resp.Identifier = ident
	return &resp, chosen, nil
}

func respondOne(signer crypto.Signer, c order.Challenge) (Response, bool, error) {
	keyAuth, err := keys.KeyAuthorization(signer, c.Token)
	if err != nil {
		return Response{}, false, fmt.Errorf("challenge.Respond: computing key authorization: %w", err)
	}

	switch strings.ToLower(c.Type) {
	case TypeHTTP01:
		return Response{Challenge: c, KeyAuthorization: keyAuth, Value: keyAuth}, true, nil
	case TypeDNS01:
		digest := keys.SHA256([]byte(keyAuth))
		value := base64.RawURLEncoding.EncodeToString(digest[:])
		return Response{Challenge: c, KeyAuthorization: keyAuth, Value: value}, true, nil
	default:
		return Response{}, false, nil
	}
}

// preference orders challenge types from most to least preferred when more
// than one is usable: dns-01 works for wildcard identifiers and doesn't
// require inbound port 80, so it is preferred over http-01 (spec.md C8
// "preferred_challenge").
var preference = []string{TypeDNS01, TypeHTTP01}

// PreferredChallenge picks the best challenge to attempt from an
// authorization's offered challenges, per the dns-01 > http-01 tie-break
// order. It returns false if none of the offered challenges are of a type
// this module solves.
func PreferredChallenge(challenges []order.Challenge) (*order.Challenge, bool) {
	for _, want := range preference {
		for i := range challenges {
			if strings.ToLower(challenges[i].Type) == want {
				return &challenges[i], true
			}
		}
	}
	return nil, false
}
