// Package ratelimit implements the nonce-and-rate-limit gate described in
// spec.md component C2: a process-wide, keyed token bucket that admits or
// denies requests without ever sleeping on the caller's behalf, plus the
// single-valued replay nonce slot written by acme/session and acme/transport.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/cpu/acmeflow/acme"
	"golang.org/x/time/rate"
)

// Default bucket parameters from spec.md section 4.2.
const (
	DefaultHTTPBucket  = "http"
	DefaultHTTPScale   = time.Second
	DefaultHTTPLimit   = 10
	DefaultNonceBucket = "nonce"
	DefaultNonceScale  = time.Second
	DefaultNonceLimit  = 20
)

// bucketKey identifies one token bucket by its (id, scale, limit) triple, per
// spec.md's data model for rate_limit.
type bucketKey struct {
	id    string
	scale time.Duration
	limit int
}

// Gate is the process-wide, keyed rate-limit gate. It is the only shared
// mutable state in the whole module (spec.md section 5) and is safe for
// concurrent use.
type Gate struct {
	mu       sync.Mutex
	limiters map[bucketKey]*rate.Limiter
}

// NewGate constructs an empty Gate. Buckets are created lazily on first use
// of a given (id, scale, limit) triple.
func NewGate() *Gate {
	return &Gate{limiters: make(map[bucketKey]*rate.Limiter)}
}

// Admit checks out one token from the named bucket, creating it on first
// use. It never blocks: on denial it returns an *acme.Error with
// Kind == acme.KindThrottled, per spec.md C2 ("the gate never sleeps on the
// caller's behalf").
func (g *Gate) Admit(id string, scale time.Duration, limit int) error {
	key := bucketKey{id: id, scale: scale, limit: limit}

	g.mu.Lock()
	limiter, ok := g.limiters[key]
	if !ok {
		// limit admissions per scale window: rate.Limit is "events per
		// second", so scale the limit count down to a per-second rate and
		// let the bucket itself hold up to `limit` tokens (burst).
		perSecond := float64(limit) / scale.Seconds()
		limiter = rate.NewLimiter(rate.Limit(perSecond), limit)
		g.limiters[key] = limiter
	}
	g.mu.Unlock()

	if !limiter.Allow() {
		return &acme.Error{
			Kind: acme.KindThrottled,
			Op:   fmt.Sprintf("ratelimit.Admit(%s)", id),
			Err:  fmt.Errorf("rate limit exceeded for bucket %q (%d per %s)", id, limit, scale),
		}
	}
	return nil
}

// AdmitHTTP checks out a token from the default per-session HTTP bucket.
func (g *Gate) AdmitHTTP() error {
	return g.Admit(DefaultHTTPBucket, DefaultHTTPScale, DefaultHTTPLimit)
}

// AdmitNonce checks out a token from the fixed nonce bucket.
func (g *Gate) AdmitNonce() error {
	return g.Admit(DefaultNonceBucket, DefaultNonceScale, DefaultNonceLimit)
}

// NonceSlot is the single-valued replay nonce cell described by spec.md
// section 3/9 as "a linear capability": exactly one nonce is held at a time.
// acme/session sets it from the newNonce endpoint, and acme/transport
// replaces it after every signed exchange that returns a fresh one.
type NonceSlot struct {
	mu    sync.Mutex
	value string
}

// Set stores the current nonce, replacing whatever was there.
func (n *NonceSlot) Set(nonce string) {
	n.mu.Lock()
	n.value = nonce
	n.mu.Unlock()
}

// Get returns the current nonce.
func (n *NonceSlot) Get() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.value
}
