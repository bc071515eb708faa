// Package session implements component C4 of the order-poller core: the
// per-run ACME session that owns the directory cache, the account key and
// its server-assigned KID, the shared rate-limit gate, and the single
// replay-nonce slot. It is grounded on acme/client/client.go's Client and
// acme/client/directory.go's directory caching from the teacher repo, pared
// down to what a headless poller needs (no REPL Output options, no
// multi-account bookkeeping).
package session

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/cpu/acmeflow/acme"
	"github.com/cpu/acmeflow/acme/keys"
	"github.com/cpu/acmeflow/acme/ratelimit"
	acmenet "github.com/cpu/acmeflow/net"
)

// Well-known public ACME directory URLs, offered as convenience constants the
// way cmd/acmeshell/main.go hardcoded a default Pebble CA bundle.
const (
	DefaultDirectoryURL = "https://acme-v02.api.letsencrypt.org/directory"
	StagingDirectoryURL = "https://acme-staging-v02.api.letsencrypt.org/directory"
)

// Config configures a Session. Mirrors acme/client.ClientConfig's shape from
// the teacher but drops the REPL-only fields (AccountPath, AutoRegister,
// OutputOptions): account lifecycle is owned by acme/account, not session.
type Config struct {
	// DirectoryURL is the ACME server's directory resource URL. Mandatory.
	DirectoryURL string
	// CACertPath optionally pins a PEM CA bundle (e.g. Pebble's test root).
	// Empty means "use the system roots".
	CACertPath string
	// Gate is an optional pre-built rate-limit gate. When nil, a new Gate
	// with the default http/nonce buckets is created.
	Gate *ratelimit.Gate
	// HTTPTimeout bounds every individual HTTP round-trip this session
	// makes. Zero means DefaultHTTPTimeout.
	HTTPTimeout time.Duration
	// Logger receives diagnostic messages from this session and every
	// component threaded through it (transport, account, order, poller),
	// mirroring the teacher's Client.Printf. Nil means log.Default().
	Logger *log.Logger
}

// DefaultHTTPTimeout is applied when Config.HTTPTimeout is zero.
const DefaultHTTPTimeout = 30 * time.Second

func (c *Config) normalize() error {
	c.DirectoryURL = strings.TrimSpace(c.DirectoryURL)
	if c.DirectoryURL == "" {
		return fmt.Errorf("session: DirectoryURL must not be empty")
	}
	if _, err := url.Parse(c.DirectoryURL); err != nil {
		return fmt.Errorf("session: DirectoryURL invalid: %w", err)
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.Gate == nil {
		c.Gate = ratelimit.NewGate()
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return nil
}

// Session is the shared, long-lived handle every other component (transport,
// account, order, poller) is threaded through. It holds no order- or
// account-specific state itself beyond the account key and KID, which are
// process-wide per spec.md's data model.
type Session struct {
	directoryURL string
	httpTimeout  time.Duration

	net    *acmenet.ACMENet
	logger *log.Logger

	directory   map[string]any
	directoryAt time.Time

	Gate  *ratelimit.Gate
	Nonce ratelimit.NonceSlot

	// AccountKey is the signer used for every JWS this session produces.
	// It is set directly by callers (usually via acme/account.New or
	// acme/account.Restore) rather than by session itself.
	AccountKey *ecdsa.PrivateKey
	// AccountKID is the server-assigned account URL used as the JWS "kid"
	// header once the account exists. Empty until an account is created.
	AccountKID string
}

// New builds a Session and performs the initial directory fetch and nonce
// priming the teacher's NewClient did inline (spec.md C4 "new").
func New(ctx context.Context, conf Config) (*Session, error) {
	if err := conf.normalize(); err != nil {
		return nil, err
	}

	net, err := acmenet.New(acmenet.Config{CABundlePath: conf.CACertPath})
	if err != nil {
		return nil, fmt.Errorf("session.New: building HTTP client: %w", err)
	}

	s := &Session{
		directoryURL: conf.DirectoryURL,
		httpTimeout:  conf.HTTPTimeout,
		net:          net,
		logger:       conf.Logger,
		Gate:         conf.Gate,
	}

	if err := s.UpdateDirectory(ctx); err != nil {
		return nil, err
	}
	if err := s.RefreshNonce(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// Net exposes the session's HTTP client wrapper to acme/transport, the only
// other package allowed to make requests with it.
func (s *Session) Net() *acmenet.ACMENet { return s.net }

// Printf logs a diagnostic message through the session's logger. Every
// component threaded through a Session (acme/transport, acme/account,
// acme/order, acme/poller) logs this way rather than importing log
// directly, mirroring the teacher's Client.Printf.
func (s *Session) Printf(format string, vals ...any) {
	logger := s.logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf(format, vals...)
}

// HTTPTimeout returns the per-request timeout this session was configured
// with.
func (s *Session) HTTPTimeout() time.Duration { return s.httpTimeout }

func (s *Session) getDirectory(ctx context.Context) (map[string]any, error) {
	if err := s.Gate.AdmitHTTP(); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.httpTimeout)
	defer cancel()

	resp, err := s.net.GetURL(reqCtx, s.directoryURL)
	if err != nil {
		return nil, &acme.Error{Kind: acme.KindServerError, Op: "session.getDirectory", Err: err}
	}

	var directory map[string]any
	if err := json.Unmarshal(resp.RespBody, &directory); err != nil {
		return nil, &acme.Error{Kind: acme.KindMalformed, Op: "session.getDirectory", Err: err}
	}
	return directory, nil
}

// Directory returns the cached directory resource, fetching it first if
// necessary.
func (s *Session) Directory(ctx context.Context) (map[string]any, error) {
	if s.directory == nil {
		if err := s.UpdateDirectory(ctx); err != nil {
			return nil, err
		}
	}
	return s.directory, nil
}

// UpdateDirectory force-refreshes the cached directory resource (spec.md C4
// "update_directory").
func (s *Session) UpdateDirectory(ctx context.Context) error {
	dir, err := s.getDirectory(ctx)
	if err != nil {
		return err
	}
	s.directory = dir
	s.directoryAt = time.Now()
	s.Printf("fetched ACME directory from %q\n", s.directoryURL)
	return nil
}

// EndpointURL looks up a named endpoint (e.g. acme.NewOrderEndpoint) in the
// cached directory.
func (s *Session) EndpointURL(ctx context.Context, name string) (string, bool) {
	dir, err := s.Directory(ctx)
	if err != nil {
		return "", false
	}
	raw, ok := dir[name]
	if !ok {
		return "", false
	}
	v, ok := raw.(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// RefreshNonce fetches a fresh replay nonce from the newNonce endpoint and
// stores it in the session's NonceSlot (spec.md C4 "refresh_nonce"; grounded
// on acme/client/nonce.go's RefreshNonce).
func (s *Session) RefreshNonce(ctx context.Context) error {
	nonceURL, ok := s.EndpointURL(ctx, acme.NewNonceEndpoint)
	if !ok {
		return &acme.Error{
			Kind: acme.KindServerError,
			Op:   "session.RefreshNonce",
			Err:  fmt.Errorf("missing %q entry in ACME directory", acme.NewNonceEndpoint),
		}
	}

	if err := s.Gate.AdmitHTTP(); err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.httpTimeout)
	defer cancel()

	resp, err := s.net.HeadURL(reqCtx, nonceURL)
	if err != nil {
		return &acme.Error{Kind: acme.KindServerError, Op: "session.RefreshNonce", Err: err}
	}
	if resp.Response.StatusCode/100 != 2 {
		return &acme.Error{
			Kind: acme.KindServerError,
			Op:   "session.RefreshNonce",
			Err:  fmt.Errorf("newNonce returned HTTP status %d", resp.Response.StatusCode),
		}
	}

	nonce := resp.Response.Header.Get(acme.ReplayNonceHeader)
	if nonce == "" {
		return &acme.Error{
			Kind: acme.KindServerError,
			Op:   "session.RefreshNonce",
			Err:  fmt.Errorf("newNonce returned no %q header", acme.ReplayNonceHeader),
		}
	}

	s.Nonce.Set(nonce)
	s.Printf("refreshed replay nonce\n")
	return nil
}

// Thumbprint returns the JWK thumbprint of the session's current account
// key, a convenience wrapper over keys.Thumbprint.
func (s *Session) Thumbprint() (string, error) {
	if s.AccountKey == nil {
		return "", fmt.Errorf("session: no account key set")
	}
	return keys.Thumbprint(s.AccountKey)
}
