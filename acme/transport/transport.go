// Package transport implements component C3 of the order-poller core: the
// signed-request pipeline every other component sends ACME requests
// through. It is grounded on acme/client/jws.go's Sign/signEmbedded/signKeyID
// (JWS construction), acme/client/nonce.go's Nonce/RefreshNonce lifecycle,
// and the bad-nonce retry shown in other_examples' lego api.go
// (retrievablePost), adapted from backoff.Retry-on-NonceError to this
// module's acme.Kind taxonomy.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jose "github.com/go-jose/go-jose/v4"

	"github.com/cpu/acmeflow/acme"
	"github.com/cpu/acmeflow/acme/keys"
	"github.com/cpu/acmeflow/acme/session"
)

// badNonceMaxRetries bounds the bad-nonce retry loop. spec.md's open
// question "what happens if the server keeps returning badNonce" is resolved
// by this fixed cap rather than retrying forever.
const badNonceMaxRetries = 5

// Response is the decoded result of a signed ACME request: the raw body plus
// the handful of headers callers need (Location for newAccount/newOrder,
// Link for "up" relations, Replay-Nonce already consumed into the session).
type Response struct {
	StatusCode int
	Body       []byte
	Location   string
	Links      map[string][]string
	Header     http.Header
}

// Unmarshal decodes the response body as JSON into v. It is a no-op
// returning nil when the body is empty, since POST-as-GET against a
// certificate resource returns a non-JSON body.
func (r *Response) Unmarshal(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// Transport sends signed requests through a session's rate-limit gate and
// nonce slot. It holds no state of its own; every call is parameterized by
// the *session.Session it operates on, matching spec.md's component
// boundary ("all requests flow through the gate then the transport").
type Transport struct{}

// New constructs a Transport. It takes no arguments today, but is a
// constructor (rather than a bare zero value) so session wiring can grow
// transport-local options later without an API break.
func New() *Transport {
	return &Transport{}
}

// Post signs payload (or produces a POST-as-GET body when payload is nil)
// and POSTs it to url, authenticating with sess's account key. When keyID is
// empty the request is signed in JWK-embed mode (used only for newAccount);
// otherwise it is signed in kid mode. It implements the seven-step signed
// request algorithm from spec.md section 4.3, including the bounded
// bad-nonce retry.
func (t *Transport) Post(ctx context.Context, sess *session.Session, url string, payload any, keyID string) (*Response, error) {
	if sess.AccountKey == nil {
		return nil, &acme.Error{Kind: acme.KindMalformed, Op: "transport.Post", Err: fmt.Errorf("session has no account key")}
	}

	var bodyBytes []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, &acme.Error{Kind: acme.KindMalformed, Op: "transport.Post", Err: err}
		}
		bodyBytes = encoded
	}

	var resp *Response
	attempt := 0

	operation := func() error {
		attempt++

		if err := sess.Gate.AdmitHTTP(); err != nil {
			return backoff.Permanent(err)
		}

		nonce := sess.Nonce.Get()
		if nonce == "" {
			if err := sess.RefreshNonce(ctx); err != nil {
				return backoff.Permanent(err)
			}
			nonce = sess.Nonce.Get()
		}

		jws, err := t.sign(sess, url, bodyBytes, keyID, nonce)
		if err != nil {
			return backoff.Permanent(&acme.Error{Kind: acme.KindMalformed, Op: "transport.Post", Err: err})
		}

		sess.Printf("POST %s\n", url)

		reqCtx, cancel := context.WithTimeout(ctx, sess.HTTPTimeout())
		defer cancel()

		netResp, err := sess.Net().PostURL(reqCtx, url, jws)
		if err != nil {
			// spec.md section 4.3 step 7: a transport failure returns
			// without a nonce update and without retrying here -- backoff
			// for server_error belongs to acme/poller (spec.md section 7),
			// not to this bad-nonce retry loop.
			return backoff.Permanent(&acme.Error{Kind: acme.KindServerError, Op: "transport.Post", Err: err})
		}

		if freshNonce := netResp.Response.Header.Get(acme.ReplayNonceHeader); freshNonce != "" {
			sess.Nonce.Set(freshNonce)
		}

		if netResp.Response.StatusCode >= 400 {
			problem, perr := parseProblem(netResp.RespBody)
			if perr != nil {
				return backoff.Permanent(&acme.Error{Kind: acme.KindMalformed, Op: "transport.Post", Err: perr})
			}
			problem.Status = netResp.Response.StatusCode
			kind := acme.KindForProblem(problem)

			acmeErr := &acme.Error{Kind: kind, Problem: problem, Op: "transport.Post"}
			if kind == acme.KindRateLimited {
				acmeErr.RetryAfter = parseRetryAfter(netResp.Response.Header.Get("Retry-After"))
			}
			if kind == acme.KindBadNonce && attempt < badNonceMaxRetries {
				sess.Printf("bad nonce from %s, retrying (attempt %d)\n", url, attempt)
				return acmeErr
			}
			return backoff.Permanent(acmeErr)
		}

		resp = &Response{
			StatusCode: netResp.Response.StatusCode,
			Body:       netResp.RespBody,
			Location:   netResp.Response.Header.Get("Location"),
			Links:      map[string][]string{},
			Header:     netResp.Response.Header,
		}
		// Each Link value is `<target>;rel="name"`; index targets by rel.
		for _, value := range netResp.Response.Header.Values("Link") {
			for _, link := range strings.Split(value, ",") {
				fields := strings.Split(link, ";")
				target := strings.Trim(strings.TrimSpace(fields[0]), "<>")
				for _, param := range fields[1:] {
					if rel, ok := strings.CutPrefix(strings.TrimSpace(param), "rel="); ok {
						rel = strings.Trim(rel, `"`)
						resp.Links[rel] = append(resp.Links[rel], target)
					}
				}
			}
		}
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(0), badNonceMaxRetries-1)
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}

	return resp, nil
}

// PostAsGet performs an authenticated GET (RFC 8555 section 6.3) against
// url: a POST with a nil payload.
func (t *Transport) PostAsGet(ctx context.Context, sess *session.Session, url string) (*Response, error) {
	return t.Post(ctx, sess, url, nil, sess.AccountKID)
}

// Poke POSTs an empty JSON object ("{}") to url, signed in kid mode. Unlike
// a POST-as-GET it tells the server a resource is ready (RFC 8555 section
// 7.5.1: responding to a challenge), matching the terminology spec.md's
// poller uses for its "poking_challenges" state.
func (t *Transport) Poke(ctx context.Context, sess *session.Session, url string) (*Response, error) {
	return t.Post(ctx, sess, url, struct{}{}, sess.AccountKID)
}

func (t *Transport) sign(sess *session.Session, url string, data []byte, keyID, nonce string) ([]byte, error) {
	nonceSource := staticNonceSource(nonce)

	var signingKey jose.SigningKey
	var joseOpts *jose.SignerOptions
	if keyID == "" {
		signingKey = keys.SigningKey(sess.AccountKey, "")
		joseOpts = &jose.SignerOptions{
			NonceSource: nonceSource,
			EmbedJWK:    true,
			ExtraHeaders: map[jose.HeaderKey]any{
				"url": url,
			},
		}
	} else {
		signingKey = keys.SigningKey(sess.AccountKey, keyID)
		joseOpts = &jose.SignerOptions{
			NonceSource: nonceSource,
			ExtraHeaders: map[jose.HeaderKey]any{
				"url": url,
			},
		}
	}

	signer, err := jose.NewSigner(signingKey, joseOpts)
	if err != nil {
		return nil, err
	}

	// RFC 8555 section 6.3: a POST-as-GET carries an empty string payload,
	// not an absent one.
	payload := data
	if payload == nil {
		payload = []byte("")
	}

	signed, err := signer.Sign(payload)
	if err != nil {
		return nil, err
	}

	return []byte(signed.FullSerialize()), nil
}

// staticNonceSource adapts the single nonce value already fetched for this
// attempt into a jose.NonceSource, since go-jose pulls the nonce from the
// source at signing time rather than accepting it directly.
type staticNonceSource string

func (n staticNonceSource) Nonce() (string, error) {
	return string(n), nil
}

// parseRetryAfter parses a Retry-After header value, accepting either a
// delta-seconds integer or an HTTP-date (RFC 7231 section 7.1.3). An
// unparseable or empty value returns zero, leaving the caller to fall back
// to its own backoff schedule, per spec.md section 4.9 ("honor Retry-After
// ... else fall back to backoff").
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		d := time.Until(when)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}

func parseProblem(body []byte) (*acme.Problem, error) {
	var p acme.Problem
	if len(body) == 0 {
		return &acme.Problem{Type: acme.ProblemServerInternal, Detail: "empty error response body"}, nil
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("parsing problem document: %w", err)
	}
	return &p, nil
}

// BackoffSchedule returns the exponential schedule used by acme/poller when
// retrying non-terminal states (spec.md section 4.9 "finalizing"/"polling").
// It lives here, rather than in acme/poller, so every retrying component
// shares one construction of sane backoff defaults.
func BackoffSchedule(base, maxInterval, maxElapsed time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.MaxInterval = maxInterval
	bo.MaxElapsedTime = maxElapsed
	bo.RandomizationFactor = 0.2
	// Reset so the first interval is base rather than the library default
	// captured when the schedule was constructed.
	bo.Reset()
	return bo
}
