// Package net provides the HTTP transport the ACME session and transport
// layers are built on: a thin wrapper around *http.Client that always
// captures the request/response dump for diagnostics and optionally pins a
// custom CA bundle (for talking to a local test CA such as Pebble).
package net

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"runtime"
	"strings"
)

const (
	version       = "0.1.0"
	userAgentBase = "acmeflow"
	locale        = "en-us"
)

// Config controls how the underlying *http.Client is built. Unlike the
// teacher's version, CABundlePath is optional: an empty value means "trust
// the system root CAs", which is the right default for talking to a public
// ACME endpoint rather than a local test CA.
type Config struct {
	CABundlePath string
}

func (c *Config) normalize() error {
	c.CABundlePath = strings.TrimSpace(c.CABundlePath)
	return nil
}

// ACMENet is a minimal HTTP client wrapper shared by acme/session and
// acme/transport. It never interprets ACME semantics; it only moves bytes
// and captures dumps.
type ACMENet struct {
	httpClient *http.Client
}

// New builds an ACMENet from conf. When conf.CABundlePath is empty the
// returned client uses the system root CA pool.
func New(conf Config) (*ACMENet, error) {
	if err := conf.normalize(); err != nil {
		return nil, err
	}

	transport := &http.Transport{}

	if conf.CABundlePath != "" {
		pemBundle, err := os.ReadFile(conf.CABundlePath)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle %q: %w", conf.CABundlePath, err)
		}
		caBundle := x509.NewCertPool()
		if ok := caBundle.AppendCertsFromPEM(pemBundle); !ok {
			return nil, fmt.Errorf("no certificates found in CA bundle %q", conf.CABundlePath)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: caBundle}
	}

	return &ACMENet{
		httpClient: &http.Client{Transport: transport},
	}, nil
}

// NewWithClient wraps an already-configured *http.Client, for callers (and
// tests) that want full control over transport behavior, e.g. pointing at a
// challtestsrv instance or an httptest.Server.
func NewWithClient(client *http.Client) *ACMENet {
	return &ACMENet{httpClient: client}
}

// NetResponse bundles the parsed HTTP response with the raw request/response
// dumps, mirroring the diagnostics the original REPL tool printed to its
// operator. acme/session and acme/transport read only Response and
// RespBody; the dumps are left for callers that want them.
type NetResponse struct {
	Response *http.Response
	RespBody []byte
	RespDump []byte
	ReqDump  []byte
}

func (c *ACMENet) Do(req *http.Request) (*NetResponse, error) {
	ua := fmt.Sprintf("%s %s (%s; %s)", userAgentBase, version, runtime.GOOS, runtime.GOARCH)
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept-Language", locale)

	reqDump, err := httputil.DumpRequestOut(req, true)
	if err != nil {
		reqDump = nil
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respDump, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return nil, err
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &NetResponse{
		Response: resp,
		RespBody: respBody,
		RespDump: respDump,
		ReqDump:  reqDump,
	}, nil
}

// HeadURL issues a context-scoped HEAD request, used by acme/session to pull
// a fresh replay nonce without a body round-trip.
func (c *ACMENet) HeadURL(ctx context.Context, url string) (*NetResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// PostRequest builds a context-scoped POST request with the given body.
func (c *ACMENet) PostRequest(ctx context.Context, url string, body []byte) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
}

// PostURL POSTs body to url with the "application/jose+json" content type
// every ACME POST requires (RFC 8555 section 6.2).
func (c *ACMENet) PostURL(ctx context.Context, url string, body []byte) (*NetResponse, error) {
	req, err := c.PostRequest(ctx, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/jose+json")
	return c.Do(req)
}

// GetRequest builds a context-scoped GET request.
func (c *ACMENet) GetRequest(ctx context.Context, url string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
}

// GetURL GETs url, used for directory fetches.
func (c *ACMENet) GetURL(ctx context.Context, url string) (*NetResponse, error) {
	req, err := c.GetRequest(ctx, url)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}
