// Package acme provides ACME protocol constants and the error taxonomy
// shared by every component of the order-poller core.
package acme

import (
	"fmt"
	"time"
)

const (
	// See https://tools.ietf.org/html/rfc8555#section-7.1.1
	// The ACME directory key for the newNonce endpoint.
	NewNonceEndpoint = "newNonce"
	// The ACME directory key for the newAccount endpoint.
	NewAccountEndpoint = "newAccount"
	// The ACME directory key for the newOrder endpoint.
	NewOrderEndpoint = "newOrder"
	// The ACME directory key for the revokeCert endpoint.
	RevokeCertEndpoint = "revokeCert"
	// The ACME directory key for the keyChange endpoint.
	KeyChangeEndpoint = "keyChange"
	// The HTTP response header used by ACME to communicate a fresh nonce. See
	// https://tools.ietf.org/html/rfc8555#section-6.5.1
	ReplayNonceHeader = "Replay-Nonce"
)

// Recognized ACME problem document "type" URNs. See RFC 8555 section 6.7 and
// spec.md section 6.
const (
	ProblemBadNonce       = "urn:ietf:params:acme:error:badNonce"
	ProblemRateLimited    = "urn:ietf:params:acme:error:rateLimited"
	ProblemUnauthorized   = "urn:ietf:params:acme:error:unauthorized"
	ProblemMalformed      = "urn:ietf:params:acme:error:malformed"
	ProblemServerInternal = "urn:ietf:params:acme:error:serverInternal"
	ProblemConnection     = "urn:ietf:params:acme:error:connection"
	ProblemDNS            = "urn:ietf:params:acme:error:dns"
	ProblemOrderNotReady  = "urn:ietf:params:acme:error:orderNotReady"
)

// Kind classifies an Error into the taxonomy described by spec.md section 7.
// It is a taxonomy, not a set of distinct Go types, so that callers can
// switch on a single comparable value regardless of which component raised
// the error.
type Kind string

const (
	KindThrottled            Kind = "throttled"
	KindBadNonce             Kind = "bad_nonce"
	KindRateLimited          Kind = "rate_limited"
	KindServerError          Kind = "server_error"
	KindAuthorizationInvalid Kind = "authorization_invalid"
	KindFinalizationError    Kind = "finalization_error"
	KindTimeout              Kind = "timeout"
	KindMalformed            Kind = "malformed"
)

// Error is the error type returned by every component in this module. It
// carries a Kind so that callers (chiefly acme/poller) can decide whether to
// retry, escalate, or surface the failure to the operator, without needing to
// know which component produced it.
type Error struct {
	Kind Kind
	// Problem is the RFC 7807 problem document that produced this Error, if
	// any (nil for purely local errors like KindThrottled or KindTimeout).
	Problem *Problem
	// Op names the operation that failed (e.g. "newOrder", "transport.Post").
	Op string
	// Err is the underlying error, if any.
	Err error
	// RetryAfter carries the parsed Retry-After duration for a rateLimited
	// response (RFC 8555 section 8.3), zero when the server didn't send one.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Problem != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Problem.Detail, e.Problem.Type)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Problem is the RFC 7807 problem+json document an ACME server returns on
// error, plus the ACME-specific subproblems extension.
type Problem struct {
	Type        string       `json:"type"`
	Detail      string       `json:"detail"`
	Status      int          `json:"status"`
	Instance    string       `json:"instance,omitempty"`
	Subproblems []Subproblem `json:"subproblems,omitempty"`
}

// Subproblem is one entry of a Problem's "subproblems" array (RFC 8555
// section 6.7.1), identifying which identifier a multi-identifier failure
// applies to.
type Subproblem struct {
	Type       string      `json:"type"`
	Detail     string      `json:"detail"`
	Identifier *Identifier `json:"identifier,omitempty"`
}

// Identifier is an ACME identifier, almost always a DNS name.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// KindForProblem classifies a Problem's "type" URN into a Kind, falling back
// to KindMalformed for anything the client doesn't specifically recognize
// (spec.md section 6 "Recognized error types").
func KindForProblem(p *Problem) Kind {
	if p == nil {
		return KindServerError
	}
	switch p.Type {
	case ProblemBadNonce:
		return KindBadNonce
	case ProblemRateLimited:
		return KindRateLimited
	case ProblemServerInternal, ProblemConnection, ProblemDNS:
		return KindServerError
	case ProblemUnauthorized:
		return KindAuthorizationInvalid
	default:
		return KindMalformed
	}
}
